package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Market data
	GetQuote(symbol string) (*QuoteItem, error)
	GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error)
	GetQuotes(symbols []string) ([]QuoteItem, error)
	GetQuotesCtx(ctx context.Context, symbols []string) ([]QuoteItem, error)
	GetMarketClock(delayed bool) (*MarketClockResponse, error)
	IsTradingDay(delayed bool) (bool, error)

	// Account state
	GetPositions() ([]PositionItem, error)
	GetPositionsCtx(ctx context.Context) ([]PositionItem, error)

	// Orders
	PlaceOptionOrder(req OrderRequest) (*OrderResponse, error)
	PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrder(orderID int) (*OrderResponse, error)
	CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error)
	GetOrderStatus(orderID int) (*OrderResponse, error)
	GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error)

	// Streaming
	CreateMarketSession(ctx context.Context) (*StreamSession, error)
}

// TradierClient wraps TradierAPI to implement the Broker interface
type TradierClient struct {
	*TradierAPI
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier broker client
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	return &TradierClient{TradierAPI: NewTradierAPI(apiKey, accountID, sandbox)}
}

// NewTradierClientWithBaseURL creates a new Tradier broker client against a
// custom endpoint.
func NewTradierClientWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierClient {
	return &TradierClient{TradierAPI: NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, baseURL)}
}

// IsPermanentAPIError checks if an error is a permanent API error that will
// not succeed on retry. 429 Too Many Requests is retryable.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(symbol) })
}

// GetQuoteCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuoteCtx(ctx, symbol) })
}

// GetQuotes wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuotes(symbols []string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]QuoteItem, error) { return b.GetQuotes(symbols) })
}

// GetQuotesCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuotesCtx(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]QuoteItem, error) { return b.GetQuotesCtx(ctx, symbols) })
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(delayed)
	})
}

// IsTradingDay wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) IsTradingDay(delayed bool) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsTradingDay(delayed)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions() ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions() })
}

// GetPositionsCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositionsCtx(ctx) })
}

// PlaceOptionOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOptionOrder(req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionOrder(req)
	})
}

// PlaceOptionOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionOrderCtx(ctx, req)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.CancelOrder(orderID)
	})
}

// CancelOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.CancelOrderCtx(ctx, orderID)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(orderID)
	})
}

// GetOrderStatusCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatusCtx(ctx, orderID)
	})
}

// CreateMarketSession wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CreateMarketSession(ctx context.Context) (*StreamSession, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*StreamSession, error) {
		return b.CreateMarketSession(ctx)
	})
}
