package broker

import (
	"context"
	"fmt"
	"sync"
)

// MockBroker implements Broker for testing. Behavior is driven by the
// function fields; unset fields fall back to benign defaults. All mutations
// are guarded so concurrent leg submissions can share one mock.
type MockBroker struct {
	mu sync.Mutex

	QuoteFunc       func(symbol string) (*QuoteItem, error)
	PositionsFunc   func() ([]PositionItem, error)
	PlaceOrderFunc  func(req OrderRequest) (*OrderResponse, error)
	CancelFunc      func(orderID int) (*OrderResponse, error)
	OrderStatusFunc func(orderID int) (*OrderResponse, error)
	ClockFunc       func() (*MarketClockResponse, error)
	SessionFunc     func() (*StreamSession, error)

	PlacedOrders   []OrderRequest
	CanceledOrders []int
	nextOrderID    int
}

// Ensure MockBroker implements Broker at compile time.
var _ Broker = (*MockBroker)(nil)

// NewMockBroker creates a mock broker whose defaults accept every order.
func NewMockBroker() *MockBroker {
	return &MockBroker{nextOrderID: 1000}
}

// FilledOrder builds an order response in filled status.
func FilledOrder(id int, avgPrice float64) *OrderResponse {
	resp := &OrderResponse{}
	resp.Order.ID = id
	resp.Order.Status = StatusFilled
	resp.Order.AvgFillPrice = avgPrice
	return resp
}

// OpenOrder builds an order response in open status.
func OpenOrder(id int) *OrderResponse {
	resp := &OrderResponse{}
	resp.Order.ID = id
	resp.Order.Status = StatusOpen
	return resp
}

func (m *MockBroker) GetQuote(symbol string) (*QuoteItem, error) {
	m.mu.Lock()
	fn := m.QuoteFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(symbol)
	}
	return &QuoteItem{Symbol: symbol, Bid: 1.00, Ask: 1.10, Last: 1.05}, nil
}

func (m *MockBroker) GetQuoteCtx(_ context.Context, symbol string) (*QuoteItem, error) {
	return m.GetQuote(symbol)
}

func (m *MockBroker) GetQuotes(symbols []string) ([]QuoteItem, error) {
	quotes := make([]QuoteItem, 0, len(symbols))
	for _, s := range symbols {
		q, err := m.GetQuote(s)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *q)
	}
	return quotes, nil
}

func (m *MockBroker) GetQuotesCtx(_ context.Context, symbols []string) ([]QuoteItem, error) {
	return m.GetQuotes(symbols)
}

func (m *MockBroker) GetPositions() ([]PositionItem, error) {
	m.mu.Lock()
	fn := m.PositionsFunc
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (m *MockBroker) GetPositionsCtx(_ context.Context) ([]PositionItem, error) {
	return m.GetPositions()
}

func (m *MockBroker) PlaceOptionOrder(req OrderRequest) (*OrderResponse, error) {
	m.mu.Lock()
	m.PlacedOrders = append(m.PlacedOrders, req)
	fn := m.PlaceOrderFunc
	id := m.nextOrderID
	m.nextOrderID++
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return OpenOrder(id), nil
}

func (m *MockBroker) PlaceOptionOrderCtx(_ context.Context, req OrderRequest) (*OrderResponse, error) {
	return m.PlaceOptionOrder(req)
}

func (m *MockBroker) CancelOrder(orderID int) (*OrderResponse, error) {
	m.mu.Lock()
	m.CanceledOrders = append(m.CanceledOrders, orderID)
	fn := m.CancelFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(orderID)
	}
	resp := &OrderResponse{}
	resp.Order.ID = orderID
	resp.Order.Status = StatusCanceled
	return resp, nil
}

func (m *MockBroker) CancelOrderCtx(_ context.Context, orderID int) (*OrderResponse, error) {
	return m.CancelOrder(orderID)
}

func (m *MockBroker) GetOrderStatus(orderID int) (*OrderResponse, error) {
	m.mu.Lock()
	fn := m.OrderStatusFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(orderID)
	}
	return FilledOrder(orderID, 0), nil
}

func (m *MockBroker) GetOrderStatusCtx(_ context.Context, orderID int) (*OrderResponse, error) {
	return m.GetOrderStatus(orderID)
}

func (m *MockBroker) GetMarketClock(_ bool) (*MarketClockResponse, error) {
	m.mu.Lock()
	fn := m.ClockFunc
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	resp := &MarketClockResponse{}
	resp.Clock.State = marketStateOpen
	return resp, nil
}

func (m *MockBroker) IsTradingDay(delayed bool) (bool, error) {
	clock, err := m.GetMarketClock(delayed)
	if err != nil {
		return false, err
	}
	state := clock.Clock.State
	return state == marketStateOpen || state == marketStatePreMarket || state == marketStatePostMarket, nil
}

func (m *MockBroker) CreateMarketSession(_ context.Context) (*StreamSession, error) {
	m.mu.Lock()
	fn := m.SessionFunc
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, fmt.Errorf("streaming not configured in mock")
}

// PlacedCount returns how many orders were submitted.
func (m *MockBroker) PlacedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PlacedOrders)
}
