// Package market is the client for the external market data service, used
// during order validation to confirm a symbol trades.
package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// SymbolChecker reports whether a symbol is known to the market data
// service.
type SymbolChecker interface {
	SymbolExists(ctx context.Context, symbol string) bool
}

// Client talks to the market data service over HTTP. Lookups fail open: if
// the service is unreachable, the symbol is assumed valid so an outage
// never blocks order intake.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

func (c *Client) SymbolExists(ctx context.Context, symbol string) bool {
	endpoint := fmt.Sprintf("%s/api/v1/symbols/%s", c.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return true
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("market data lookup failed, assuming symbol valid")
		return true
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true
	case http.StatusNotFound:
		return false
	default:
		log.Warn().Int("status", resp.StatusCode).Str("symbol", symbol).Msg("market data lookup degraded, assuming symbol valid")
		return true
	}
}
