// Package broker provides trading API clients for executing options trades.
// It includes the Tradier API client implementation used to run long SPX
// 0DTE straddles.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// Order side constants accepted by the Tradier order endpoint.
const (
	SideBuyToOpen   = "buy_to_open"
	SideSellToClose = "sell_to_close"
)

// Order type constants.
const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// Tradier order status values.
const (
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusExpired         = "expired"
	StatusCanceled        = "canceled"
	StatusPending         = "pending"
	StatusRejected        = "rejected"
	StatusError           = "error"
)

// IsTerminalOrderStatus reports whether an order can no longer fill.
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case StatusFilled, StatusExpired, StatusCanceled, StatusRejected, StatusError:
		return true
	}
	return false
}

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierAPI is the low-level client for the Tradier brokerage REST API.
type TradierAPI struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
	timeout   time.Duration
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a new TradierAPI client with an optional
// custom baseURL (tests point this at an httptest server).
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	const defaultTimeout = 10 * time.Second
	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		client:    &http.Client{Timeout: defaultTimeout},
		sandbox:   sandbox,
		timeout:   defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol           string  `json:"symbol"`
	Description      string  `json:"description"`
	Type             string  `json:"type"`
	TradeDate        int64   `json:"trade_date"`
	Low              float64 `json:"low"`
	ChangePercentage float64 `json:"change_percentage"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Volume           int64   `json:"volume"`
	Close            float64 `json:"close"`
	PrevClose        float64 `json:"prevclose"`
	Bid              float64 `json:"bid"`
	BidSize          int     `json:"bidsize"`
	Change           float64 `json:"change"`
	Ask              float64 `json:"ask"`
	AskSize          int     `json:"asksize"`
	Last             float64 `json:"last"`
}

// Mid returns the bid/ask midpoint, falling back to last when the book is
// one-sided.
func (q *QuoteItem) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}

	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
// CostBasis is the total dollar cost for the lot, so the per-contract average
// price is CostBasis / (Quantity * 100).
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// AveragePrice returns the per-contract fill price implied by the cost basis.
func (p *PositionItem) AveragePrice() float64 {
	if p.Quantity == 0 {
		return 0
	}
	return p.CostBasis / (p.Quantity * 100)
}

// OrderRequest describes a single-leg option order.
type OrderRequest struct {
	OptionSymbol string
	Side         string // buy_to_open | sell_to_close
	Quantity     int
	Type         string  // limit | market
	Price        float64 // required for limit orders
	Duration     string  // day
	Tag          string  // idempotency tag, optional
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		TransactionDate   string  `json:"transaction_date"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		LastFillPrice     float64 `json:"last_fill_price"`
		LastFillQuantity  float64 `json:"last_fill_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
	} `json:"order"`
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// StreamSession holds the market events streaming session returned by the
// Tradier API. The session ID authenticates the websocket subscribe message.
type StreamSession struct {
	URL       string
	SessionID string
}

type streamSessionResponse struct {
	Stream struct {
		URL       string `json:"url"`
		SessionID string `json:"sessionid"`
	} `json:"stream"`
}

// ============ API Methods ============

// GetQuote retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuote(symbol string) (*QuoteItem, error) {
	return t.GetQuoteCtx(context.Background(), symbol)
}

// GetQuoteCtx retrieves the current market quote for a symbol with context.
func (t *TradierAPI) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	quotes, err := t.GetQuotesCtx(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	first := quotes[0]
	return &first, nil
}

// GetQuotes retrieves quotes for multiple symbols in a single request.
func (t *TradierAPI) GetQuotes(symbols []string) ([]QuoteItem, error) {
	return t.GetQuotesCtx(context.Background(), symbols)
}

// GetQuotesCtx retrieves quotes for multiple symbols with context support.
func (t *TradierAPI) GetQuotesCtx(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []QuoteItem(response.Quotes.Quote), nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions() ([]PositionItem, error) {
	return t.GetPositionsCtx(context.Background())
}

// GetPositionsCtx retrieves current positions from the account with context support.
func (t *TradierAPI) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []PositionItem(response.Positions.Position), nil
}

// PlaceOptionOrder places a single-leg option order.
func (t *TradierAPI) PlaceOptionOrder(req OrderRequest) (*OrderResponse, error) {
	return t.PlaceOptionOrderCtx(context.Background(), req)
}

// PlaceOptionOrderCtx places a single-leg option order with context support.
func (t *TradierAPI) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Quantity)
	}
	switch req.Side {
	case SideBuyToOpen, SideSellToClose:
	default:
		return nil, fmt.Errorf("invalid order side: %q", req.Side)
	}
	switch req.Type {
	case OrderTypeLimit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", req.Price)
		}
	case OrderTypeMarket:
	default:
		return nil, fmt.Errorf("invalid order type: %q", req.Type)
	}

	// Extract underlying symbol from option OCC/OSI code
	parsed, err := ParseOptionSymbol(req.OptionSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol: %w", err)
	}

	duration := req.Duration
	if duration == "" {
		duration = "day"
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", parsed.Underlying)
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", req.Side)
	params.Add("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Add("type", req.Type)
	params.Add("duration", duration)
	if req.Type == OrderTypeLimit {
		params.Add("price", fmt.Sprintf("%.2f", req.Price))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// CancelOrder cancels an open order by ID.
func (t *TradierAPI) CancelOrder(orderID int) (*OrderResponse, error) {
	return t.CancelOrderCtx(context.Background(), orderID)
}

// CancelOrderCtx cancels an open order by ID with context support.
func (t *TradierAPI) CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "DELETE", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetOrderStatus retrieves the status of an existing order by ID
func (t *TradierAPI) GetOrderStatus(orderID int) (*OrderResponse, error) {
	return t.GetOrderStatusCtx(context.Background(), orderID)
}

// GetOrderStatusCtx retrieves the status of an existing order by ID with context
func (t *TradierAPI) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierAPI) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	endpoint := fmt.Sprintf("%s/markets/clock?delayed=%t", t.baseURL, delayed)

	var response MarketClockResponse
	if err := t.makeRequest("GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// IsTradingDay returns true on a trading session day (open, premarket, or postmarket).
func (t *TradierAPI) IsTradingDay(delayed bool) (bool, error) {
	clock, err := t.GetMarketClock(delayed)
	if err != nil {
		return false, err
	}

	state := clock.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

// CreateMarketSession creates a streaming session for market events. The
// returned session is short-lived; the stream client requests a fresh one on
// every (re)connect.
func (t *TradierAPI) CreateMarketSession(ctx context.Context) (*StreamSession, error) {
	endpoint := fmt.Sprintf("%s/markets/events/session", t.baseURL)

	var response streamSessionResponse
	if err := t.makeRequestCtx(ctx, "POST", endpoint, url.Values{}, &response); err != nil {
		return nil, err
	}
	if response.Stream.SessionID == "" {
		return nil, fmt.Errorf("market session response missing session id")
	}

	return &StreamSession{
		URL:       response.Stream.URL,
		SessionID: response.Stream.SessionID,
	}, nil
}

// Helper method for making HTTP requests
func (t *TradierAPI) makeRequest(method, endpoint string, params url.Values, response interface{}) error {
	return t.makeRequestCtx(context.Background(), method, endpoint, params, response)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "straddlebot/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	// Rate limit headers vary in casing across Tradier deployments
	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Available")
		if remaining == "" {
			remaining = resp.Header.Get("X-RateLimit-Remaining")
		}
	}
	if remaining != "" && t.sandbox {
		log.Printf("Rate limit remaining: %s", remaining)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
