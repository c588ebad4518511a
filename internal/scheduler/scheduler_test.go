package scheduler

import (
	"context"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/zerodte/straddlebot/internal/broker"
	"github.com/zerodte/straddlebot/internal/config"
	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/orders"
	"github.com/zerodte/straddlebot/internal/storage"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Environment = config.EnvironmentConfig{Mode: "paper"}
	cfg.Broker = config.BrokerConfig{Provider: "tradier", APIKey: "test", AccountID: "ACC123", Sandbox: true}
	cfg.Underlying = config.UnderlyingConfig{Symbol: "SPX", OptionRoot: "SPXW", StrikeIncrement: 5, TickSize: 0.05}
	cfg.Schedule = config.ScheduleConfig{Timezone: "UTC", EntryTime: "09:33", ExitTime: "15:45", EntryWindow: "1m"}
	cfg.Entry = config.EntryConfig{Quantity: 1, LimitBuffer: 0.05, LeaseTTL: "2m"}
	cfg.Exit = config.ExitConfig{TargetPct: 0.20, StopPct: 0.50, CloseLimitBuffer: 0.05}
	cfg.Fills = config.FillsConfig{PollInterval: "5ms", PollTimeout: "200ms", PositionCheckDelay: "1h"}
	return cfg
}

// inWindow is a Thursday 09:33 UTC, matching testConfig's schedule.
var inWindow = time.Date(2026, 1, 15, 9, 33, 0, 0, time.UTC)

func quoteFor(symbol string) (*broker.QuoteItem, error) {
	switch symbol {
	case "SPX":
		return &broker.QuoteItem{Symbol: symbol, Last: 5862.15}, nil
	case "SPXW260115C05860000":
		return &broker.QuoteItem{Symbol: symbol, Bid: 5.15, Ask: 5.25}, nil
	case "SPXW260115P05860000":
		return &broker.QuoteItem{Symbol: symbol, Bid: 4.75, Ask: 4.85}, nil
	}
	return &broker.QuoteItem{Symbol: symbol}, nil
}

func newTestScheduler(cfg *config.Config, mock *broker.MockBroker, st storage.Interface) *Scheduler {
	logger := testLogger()
	coord := orders.NewCoordinator(mock, logger, cfg.Broker.AccountID,
		cfg.Underlying.TickSize, cfg.Entry.LimitBuffer, cfg.Exit.CloseLimitBuffer)
	fills := orders.NewFillReconciler(mock, st, logger, orders.FillConfig{
		PollInterval:       cfg.FillPollInterval(),
		PollTimeout:        cfg.FillPollTimeout(),
		PositionCheckDelay: cfg.PositionCheckDelay(),
		TargetPct:          cfg.Exit.TargetPct,
		StopPct:            cfg.Exit.StopPct,
	})
	s := New(cfg, mock, st, coord, fills, logger)
	s.now = func() time.Time { return inWindow }
	return s
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestTick_OpensStraddleInWindow(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = quoteFor
	mock.OrderStatusFunc = func(orderID int) (*broker.OrderResponse, error) {
		if orderID == 1000 {
			return broker.FilledOrder(orderID, 5.25), nil
		}
		return broker.FilledOrder(orderID, 4.85), nil
	}

	st := storage.NewMockStorage()
	s := newTestScheduler(testConfig(), mock, st)

	s.Tick(context.Background())

	pos := st.GetCurrentPosition()
	if pos == nil {
		t.Fatal("no position created")
	}
	if pos.GetCurrentState() != models.StateOpen {
		t.Fatalf("state = %s, want open", pos.GetCurrentState())
	}
	if pos.Strike != 5860 {
		t.Errorf("strike = %.0f, want 5860 (nearest to 5862.15)", pos.Strike)
	}
	if pos.Call.Symbol != "SPXW260115C05860000" || pos.Put.Symbol != "SPXW260115P05860000" {
		t.Errorf("leg symbols = %s / %s", pos.Call.Symbol, pos.Put.Symbol)
	}
	if !almostEqual(pos.QuotedEntryPrice(), 10.00) {
		t.Errorf("quoted entry = %.2f, want 10.00", pos.QuotedEntryPrice())
	}
	if !st.HasEntryAttempt("2026-01-15") {
		t.Error("entry attempt not recorded")
	}
	if mock.PlacedCount() != 2 {
		t.Errorf("placed %d orders, want 2", mock.PlacedCount())
	}

	// Both order IDs reconciled to actual fills; thresholds follow the basis.
	if !almostEqual(pos.EntryPrice(), 10.10) {
		t.Errorf("entry basis = %.4f, want 10.10 after fills", pos.EntryPrice())
	}
	if !almostEqual(pos.TargetPrice, 12.12) {
		t.Errorf("target = %.4f, want 12.12", pos.TargetPrice)
	}
}

func TestTick_OutsideWindowDoesNothing(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = quoteFor
	st := storage.NewMockStorage()
	s := newTestScheduler(testConfig(), mock, st)
	s.now = func() time.Time { return inWindow.Add(5 * time.Minute) }

	s.Tick(context.Background())

	if mock.PlacedCount() != 0 {
		t.Errorf("placed %d orders outside the window", mock.PlacedCount())
	}
	if st.HasEntryAttempt("2026-01-15") {
		t.Error("attempt recorded outside the window")
	}
}

func TestTick_WeekendDoesNothing(t *testing.T) {
	mock := broker.NewMockBroker()
	st := storage.NewMockStorage()
	s := newTestScheduler(testConfig(), mock, st)
	// Saturday at entry time.
	s.now = func() time.Time { return time.Date(2026, 1, 17, 9, 33, 0, 0, time.UTC) }

	s.Tick(context.Background())

	if mock.PlacedCount() != 0 {
		t.Errorf("placed %d orders on a weekend", mock.PlacedCount())
	}
}

func TestTick_OncePerDay(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = quoteFor
	st := storage.NewMockStorage()
	s := newTestScheduler(testConfig(), mock, st)

	s.Tick(context.Background())
	first := mock.PlacedCount()

	// Simulate a restart: fresh scheduler, same storage.
	s2 := newTestScheduler(testConfig(), broker.NewMockBroker(), st)
	s2.Tick(context.Background())

	if first != 2 {
		t.Fatalf("first tick placed %d orders, want 2", first)
	}
	if got := s2.storage.GetCurrentPosition(); got == nil {
		t.Fatal("position lost across restart")
	}
}

func TestTick_AttemptRecordedEvenWhenEntryFails(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = quoteFor
	mock.PlaceOrderFunc = func(req broker.OrderRequest) (*broker.OrderResponse, error) {
		return nil, &broker.APIError{Status: 400, Body: "rejected"}
	}

	st := storage.NewMockStorage()
	s := newTestScheduler(testConfig(), mock, st)

	s.Tick(context.Background())

	if !st.HasEntryAttempt("2026-01-15") {
		t.Error("failed attempt must still count for the day")
	}
	pos := st.GetCurrentPosition()
	if pos == nil || pos.GetCurrentState() != models.StateFailed {
		t.Fatalf("position state = %v, want failed", pos)
	}

	// The failed position blocks the slot; no automatic retry.
	s.Tick(context.Background())
	if mock.PlacedCount() != 2 {
		t.Errorf("second tick placed more orders: %d", mock.PlacedCount())
	}
}

func TestTick_MissingUnderlyingQuoteDefers(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = func(symbol string) (*broker.QuoteItem, error) {
		if symbol == "SPX" {
			return nil, &broker.APIError{Status: 503, Body: "unavailable"}
		}
		return quoteFor(symbol)
	}

	st := storage.NewMockStorage()
	s := newTestScheduler(testConfig(), mock, st)

	s.Tick(context.Background())

	if st.HasEntryAttempt("2026-01-15") {
		t.Error("deferred entry must not consume the daily attempt")
	}
	if mock.PlacedCount() != 0 {
		t.Errorf("placed %d orders without a quote", mock.PlacedCount())
	}

	// Quote comes back on a later tick inside the window; entry proceeds.
	mock.QuoteFunc = quoteFor
	s.Tick(context.Background())
	if !st.HasEntryAttempt("2026-01-15") {
		t.Error("entry did not proceed once the quote recovered")
	}
}

func TestTick_ActivePositionBlocksEntry(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = quoteFor
	st := storage.NewMockStorage()

	exp := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	existing := models.NewPosition("held", "SPX", 5855, exp, 1)
	existing.State = models.StateOpen
	if err := st.SetCurrentPosition(existing); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(testConfig(), mock, st)
	s.Tick(context.Background())

	if mock.PlacedCount() != 0 {
		t.Errorf("placed %d orders with an active position", mock.PlacedCount())
	}
}

func TestLease_BlocksAndExpires(t *testing.T) {
	l := NewLease(20 * time.Millisecond)

	if !l.TryAcquire("a") {
		t.Fatal("fresh lease should be acquirable")
	}
	if l.TryAcquire("b") {
		t.Fatal("held lease should not be acquirable")
	}
	if got := l.Holder(); got != "a" {
		t.Errorf("holder = %q, want a", got)
	}

	time.Sleep(30 * time.Millisecond)
	if !l.TryAcquire("b") {
		t.Fatal("expired lease should be acquirable")
	}

	// Stale holder's release is a no-op.
	l.Release("a")
	if got := l.Holder(); got != "b" {
		t.Errorf("holder = %q, want b after stale release", got)
	}

	l.Release("b")
	if got := l.Holder(); got != "" {
		t.Errorf("holder = %q, want free", got)
	}
}

func TestLease_GuardsSchedulerTick(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = quoteFor
	st := storage.NewMockStorage()
	s := newTestScheduler(testConfig(), mock, st)

	if !s.lease.TryAcquire("other-attempt") {
		t.Fatal("could not seed lease")
	}

	s.Tick(context.Background())

	if mock.PlacedCount() != 0 {
		t.Errorf("tick placed %d orders while the lease was held", mock.PlacedCount())
	}
	if st.HasEntryAttempt("2026-01-15") {
		t.Error("blocked tick must not consume the daily attempt")
	}
}
