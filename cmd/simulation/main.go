package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The simulation drives the full order saga against a running server:
// register, fund the wallet, submit orders and poll them to a terminal
// state. Run the server first; the saga needs its broker consumers.
const (
	minOrders     = 10
	maxOrders     = 60
	numWorkers    = 4
	serverAddress = "http://localhost:8080"
	pollInterval  = 500 * time.Millisecond
	pollTimeout   = 30 * time.Second
)

var (
	symbols = []string{"RELIANCE", "TCS", "INFY", "HDFCBANK", "SBIN"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// apiEnvelope is the standard response wrapper used by every endpoint.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type orderView struct {
	OrderID          string `json:"order_id"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Status           string `json:"status"`
	FilledQuantity   string `json:"filled_quantity"`
	AverageFillPrice string `json:"average_fill_price"`
}

// simulationClient handles HTTP communication with the trading API.
// Each client owns one account and one wallet.
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// newSimulationClient registers a fresh account, obtains a JWT and funds
// the wallet so BUY orders can lock funds.
func newSimulationClient(workerID int) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	apiKey := uuid.New().String()
	apiSecret := uuid.New().String()
	email := fmt.Sprintf("sim-%d-%s@example.com", workerID, uuid.New().String()[:8])

	if err := sc.register(email, apiKey, apiSecret); err != nil {
		return nil, fmt.Errorf("failed to register: %w", err)
	}

	token, err := sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	// The wallet is provisioned asynchronously off user.created; give the
	// consumer a moment before depositing.
	time.Sleep(time.Second)
	if err := sc.deposit("1000000"); err != nil {
		return nil, fmt.Errorf("failed to deposit: %w", err)
	}

	return sc, nil
}

func (sc *simulationClient) register(email, apiKey, apiSecret string) error {
	body, _ := json.Marshal(map[string]string{
		"email":      email,
		"api_key":    apiKey,
		"api_secret": apiSecret,
	})

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/register", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("register failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	})

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", err
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// deposit initiates a deposit and immediately confirms it, standing in for
// the payment gateway round trip.
func (sc *simulationClient) deposit(amount string) error {
	reference := uuid.New().String()
	body, _ := json.Marshal(map[string]string{
		"amount":       amount,
		"reference_id": reference,
		"method":       "UPI",
	})

	respBody, err := sc.do("POST", "/api/v1/wallets/deposit", body, "")
	if err != nil {
		return err
	}
	log.Debug().Str("response", string(respBody)).Msg("Deposit response")

	confirmBody, _ := json.Marshal(map[string]string{
		"reference_id": reference,
	})
	respBody, err = sc.do("POST", "/api/v1/wallets/deposit/confirm", confirmBody, "")
	if err != nil {
		return err
	}
	log.Debug().Str("response", string(respBody)).Msg("Deposit confirmation response")
	return nil
}

// createOrder submits a new order to the API and returns the order ID.
func (sc *simulationClient) createOrder(symbol, side, quantity, price string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"symbol":        symbol,
		"side":          side,
		"order_type":    "LIMIT",
		"quantity":      quantity,
		"price":         price,
		"time_in_force": "DAY",
	})

	respBody, err := sc.do("POST", "/api/v1/orders", body, uuid.New().String())
	if err != nil {
		return "", err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	var ord orderView
	if err := json.Unmarshal(envelope.Data, &ord); err != nil {
		return "", err
	}
	if ord.OrderID == "" {
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}
	return ord.OrderID, nil
}

// getOrder retrieves the current status of an order
func (sc *simulationClient) getOrder(orderID string) (*orderView, error) {
	respBody, err := sc.do("GET", "/api/v1/orders/"+orderID, nil, "")
	if err != nil {
		return nil, err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	var ord orderView
	if err := json.Unmarshal(envelope.Data, &ord); err != nil {
		return nil, err
	}
	return &ord, nil
}

// pollUntilTerminal polls an order until the saga parks it in a terminal
// or resting state.
func (sc *simulationClient) pollUntilTerminal(orderID string) (*orderView, error) {
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		ord, err := sc.getOrder(orderID)
		if err != nil {
			return nil, err
		}
		switch ord.Status {
		case "FILLED", "CANCELLED", "REJECTED", "EXPIRED":
			return ord, nil
		}
		time.Sleep(pollInterval)
	}
	return sc.getOrder(orderID)
}

func (sc *simulationClient) do(method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

type workerResult struct {
	created  int
	filled   int
	rejected int
	pending  int
	failures int
	symbols  map[string]int
	sides    map[string]int
}

// runWorker creates orders for one account and follows each to its end
// state.
func runWorker(workerID, numOrders int) workerResult {
	result := workerResult{
		symbols: make(map[string]int),
		sides:   make(map[string]int),
	}

	sc, err := newSimulationClient(workerID)
	if err != nil {
		log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to initialize simulation client")
		result.failures = numOrders
		return result
	}

	for i := 0; i < numOrders; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		side := sides[rand.Intn(len(sides))]
		quantity := fmt.Sprintf("%d", rand.Intn(50)+1)
		price := fmt.Sprintf("%d", rand.Intn(1000)+100)

		orderID, err := sc.createOrder(symbol, side, quantity, price)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("symbol", symbol).
				Msg("Failed to create order")
			result.failures++
			continue
		}
		result.created++
		result.symbols[symbol]++
		result.sides[side]++

		ord, err := sc.pollUntilTerminal(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to poll order")
			result.failures++
			continue
		}

		switch ord.Status {
		case "FILLED":
			result.filled++
		case "REJECTED":
			result.rejected++
		default:
			result.pending++
		}

		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("symbol", symbol).
			Str("side", side).
			Str("status", ord.Status).
			Str("filled_quantity", ord.FilledQuantity).
			Str("average_fill_price", ord.AverageFillPrice).
			Msg("Order finished")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}

	return result
}

// main runs the trading simulation against a locally running server.
func main() {
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	perWorker := targetOrders / numWorkers
	if perWorker == 0 {
		perWorker = 1
	}
	log.Info().Int("target_orders", perWorker*numWorkers).Msg("Starting simulation")

	start := time.Now()
	results := make([]workerResult, numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			results[workerID] = runWorker(workerID, perWorker)
		}(i)
	}
	wg.Wait()

	total := workerResult{symbols: make(map[string]int), sides: make(map[string]int)}
	for _, r := range results {
		total.created += r.created
		total.filled += r.filled
		total.rejected += r.rejected
		total.pending += r.pending
		total.failures += r.failures
		for s, n := range r.symbols {
			total.symbols[s] += n
		}
		for s, n := range r.sides {
			total.sides[s] += n
		}
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Orders Created:   %d
Filled:           %d
Rejected:         %d
Still Open:       %d
Failures:         %d
Duration:         %v

Symbol Distribution
-------------------
`, total.created, total.filled, total.rejected, total.pending, total.failures,
		duration.Round(time.Millisecond))

	for symbol, count := range total.symbols {
		bar := strings.Repeat("#", count)
		fmt.Printf("%-10s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range total.sides {
		bar := strings.Repeat("#", count)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	var successRate float64
	if total.created > 0 {
		successRate = float64(total.filled) / float64(total.created) * 100
	}
	log.Info().
		Float64("fill_rate", successRate).
		Int("orders_created", total.created).
		Int("filled", total.filled).
		Dur("duration", duration).
		Msg("Simulation completed")
}
