// Package ledger is the client for the external double-entry ledger. Every
// wallet mutation records an entry here before its transaction commits; a
// ledger failure aborts the mutation.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one ledger line for a wallet mutation.
type Entry struct {
	UserID        int64           `json:"user_id"`
	WalletID      uint            `json:"wallet_id"`
	EntryType     string          `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ReferenceID   string          `json:"reference_id"`
	Description   string          `json:"description"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// Recorder records ledger entries. The wallet engine depends on this
// interface so tests can substitute an in-memory recorder.
type Recorder interface {
	RecordEntry(ctx context.Context, entry Entry) error
}

// Client talks to the ledger service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) RecordEntry(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/entries", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("ledger service returned %d", resp.StatusCode)
	}
	return nil
}
