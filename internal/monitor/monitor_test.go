package monitor

import (
	"context"
	"fmt"
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
	"github.com/zerodte/straddlebot/internal/stream"
)

const (
	callSym = "SPXW260115C05860000"
	putSym  = "SPXW260115P05860000"
)

// midday is a Thursday 10:00 UTC, well before the 15:45 flatten.
var midday = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Environment = config.EnvironmentConfig{Mode: "paper"}
	cfg.Underlying = config.UnderlyingConfig{Symbol: "SPX", OptionRoot: "SPXW", StrikeIncrement: 5, TickSize: 0.05}
	cfg.Schedule = config.ScheduleConfig{Timezone: "UTC", EntryTime: "09:33", ExitTime: "15:45"}
	cfg.Exit = config.ExitConfig{TargetPct: 0.20, StopPct: 0.50, CloseLimitBuffer: 0.05}
	cfg.Stream = config.StreamConfig{StaleAfter: "45s"}
	return cfg
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// openStraddle builds a live position with a $10.00 quoted basis, a $12.00
// target, and a $5.00 stop.
func openStraddle(t *testing.T) *models.Position {
	t.Helper()
	exp := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	pos := models.NewPosition("pos-1", "SPX", 5860, exp, 1)
	pos.Call.Symbol = callSym
	pos.Call.Quote = 5.20
	pos.Call.OrderID = 1001
	pos.Put.Symbol = putSym
	pos.Put.Quote = 4.80
	pos.Put.OrderID = 1002
	pos.RefreshThresholds(0.20, 0.50)
	if err := pos.TransitionState(models.StateEntering, models.ConditionEntryTriggered); err != nil {
		t.Fatal(err)
	}
	if err := pos.TransitionState(models.StateOpen, models.ConditionLegsSubmitted); err != nil {
		t.Fatal(err)
	}
	return pos
}

// restQuotes prices the legs over REST at the given bids.
func restQuotes(callBid, putBid float64) func(string) (*broker.QuoteItem, error) {
	return func(symbol string) (*broker.QuoteItem, error) {
		switch symbol {
		case callSym:
			return &broker.QuoteItem{Symbol: symbol, Bid: callBid, Ask: callBid + 0.10}, nil
		case putSym:
			return &broker.QuoteItem{Symbol: symbol, Bid: putBid, Ask: putBid + 0.10}, nil
		}
		return nil, fmt.Errorf("unexpected symbol %s", symbol)
	}
}

// closableBroker assigns exit order IDs per symbol and reports the given
// close fills.
func closableBroker(callBid, putBid, callFill, putFill float64) *broker.MockBroker {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = restQuotes(callBid, putBid)
	mock.PlaceOrderFunc = func(req broker.OrderRequest) (*broker.OrderResponse, error) {
		if req.OptionSymbol == callSym {
			return broker.OpenOrder(2001), nil
		}
		return broker.OpenOrder(2002), nil
	}
	mock.OrderStatusFunc = func(orderID int) (*broker.OrderResponse, error) {
		if orderID == 2001 {
			return broker.FilledOrder(orderID, callFill), nil
		}
		return broker.FilledOrder(orderID, putFill), nil
	}
	return mock
}

func newTestMonitor(cfg *config.Config, mock *broker.MockBroker, st storage.Interface, feed Feed) *Monitor {
	logger := testLogger()
	coord := orders.NewCoordinator(mock, logger, "ACC123",
		cfg.Underlying.TickSize, 0.05, cfg.Exit.CloseLimitBuffer)
	fills := orders.NewFillReconciler(mock, st, logger, orders.FillConfig{
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  500 * time.Millisecond,
		TargetPct:    cfg.Exit.TargetPct,
		StopPct:      cfg.Exit.StopPct,
	})
	m := New(cfg, mock, st, coord, fills, feed, logger)
	m.now = func() time.Time { return midday }
	return m
}

func findOrder(orders []broker.OrderRequest, symbol, side string) *broker.OrderRequest {
	for i := range orders {
		if orders[i].OptionSymbol == symbol && orders[i].Side == side {
			return &orders[i]
		}
	}
	return nil
}

func TestTick_TargetExit(t *testing.T) {
	mock := closableBroker(7.00, 5.10, 7.00, 5.10)
	st := storage.NewMockStorage()
	pos := openStraddle(t)
	if err := st.SetCurrentPosition(pos); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.Tick(context.Background())

	if st.GetCurrentPosition() != nil {
		t.Fatalf("position still current, state %s", st.GetCurrentPosition().GetCurrentState())
	}

	history := st.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	closed := history[0]
	if closed.GetCurrentState() != models.StateClosed {
		t.Errorf("state = %s, want closed", closed.GetCurrentState())
	}
	if closed.ExitReason != ExitReasonTarget {
		t.Errorf("exit reason = %q, want target", closed.ExitReason)
	}
	// (12.10 - 10.00) x 1 contract x 100 shares.
	if !almostEqual(closed.RealizedPnL, 210) {
		t.Errorf("realized P&L = %.2f, want 210.00", closed.RealizedPnL)
	}

	callClose := findOrder(mock.PlacedOrders, callSym, broker.SideSellToClose)
	if callClose == nil {
		t.Fatal("no sell_to_close order for call leg")
	}
	if callClose.Type != broker.OrderTypeLimit {
		t.Errorf("target close type = %s, want limit", callClose.Type)
	}
}

func TestTick_StopLossUsesMarketOrders(t *testing.T) {
	mock := closableBroker(2.50, 2.40, 2.50, 2.40)
	st := storage.NewMockStorage()
	if err := st.SetCurrentPosition(openStraddle(t)); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.Tick(context.Background())

	history := st.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].ExitReason != ExitReasonStop {
		t.Errorf("exit reason = %q, want stop", history[0].ExitReason)
	}
	if !almostEqual(history[0].RealizedPnL, -510) {
		t.Errorf("realized P&L = %.2f, want -510.00", history[0].RealizedPnL)
	}

	for _, sym := range []string{callSym, putSym} {
		order := findOrder(mock.PlacedOrders, sym, broker.SideSellToClose)
		if order == nil {
			t.Fatalf("no sell_to_close order for %s", sym)
		}
		if order.Type != broker.OrderTypeMarket {
			t.Errorf("stop close type for %s = %s, want market", sym, order.Type)
		}
	}
}

func TestTick_HoldsBetweenThresholds(t *testing.T) {
	mock := closableBroker(5.00, 4.90, 0, 0)
	st := storage.NewMockStorage()
	if err := st.SetCurrentPosition(openStraddle(t)); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.Tick(context.Background())

	if mock.PlacedCount() != 0 {
		t.Errorf("placed %d orders while between thresholds", mock.PlacedCount())
	}
	if got := st.GetCurrentPosition(); got == nil || got.GetCurrentState() != models.StateOpen {
		t.Error("position should remain open")
	}
}

func TestTick_DisabledStopHoldsThroughDrawdown(t *testing.T) {
	mock := closableBroker(2.50, 2.40, 0, 0)
	st := storage.NewMockStorage()
	pos := openStraddle(t)
	pos.RefreshThresholds(0.20, 0)
	if err := st.SetCurrentPosition(pos); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.Tick(context.Background())

	if mock.PlacedCount() != 0 {
		t.Errorf("placed %d orders with stop disabled", mock.PlacedCount())
	}
	if got := st.GetCurrentPosition(); got == nil || got.GetCurrentState() != models.StateOpen {
		t.Error("position should remain open until end of day")
	}
}

func TestTick_EndOfDayFlatten(t *testing.T) {
	mock := closableBroker(5.00, 4.90, 5.00, 4.90)
	st := storage.NewMockStorage()
	if err := st.SetCurrentPosition(openStraddle(t)); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.now = func() time.Time { return time.Date(2026, 1, 15, 15, 45, 0, 0, time.UTC) }
	m.Tick(context.Background())

	history := st.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].ExitReason != ExitReasonEOD {
		t.Errorf("exit reason = %q, want eod", history[0].ExitReason)
	}

	// The flatten is not a stop; it still works the spread with limits.
	callClose := findOrder(mock.PlacedOrders, callSym, broker.SideSellToClose)
	if callClose == nil || callClose.Type != broker.OrderTypeLimit {
		t.Error("end-of-day flatten should use limit orders")
	}
}

func TestTick_TargetBeatsEndOfDay(t *testing.T) {
	mock := closableBroker(7.00, 5.10, 7.00, 5.10)
	st := storage.NewMockStorage()
	if err := st.SetCurrentPosition(openStraddle(t)); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.now = func() time.Time { return time.Date(2026, 1, 15, 15, 45, 0, 0, time.UTC) }
	m.Tick(context.Background())

	history := st.GetHistory()
	if len(history) != 1 || history[0].ExitReason != ExitReasonTarget {
		t.Fatalf("exit reason should be target even at the deadline, got %v", history)
	}
}

func TestTick_CloseRejectionReopens(t *testing.T) {
	mock := broker.NewMockBroker()
	mock.QuoteFunc = restQuotes(7.00, 5.10)
	mock.PlaceOrderFunc = func(req broker.OrderRequest) (*broker.OrderResponse, error) {
		return nil, &broker.APIError{Status: 503, Body: "unavailable"}
	}

	st := storage.NewMockStorage()
	if err := st.SetCurrentPosition(openStraddle(t)); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.Tick(context.Background())

	got := st.GetCurrentPosition()
	if got == nil || got.GetCurrentState() != models.StateOpen {
		t.Fatalf("position should reopen for a later retry, got %v", got)
	}
	if got.ExitReason != ExitReasonTarget {
		t.Errorf("exit reason = %q, want target kept for the retry", got.ExitReason)
	}
}

type fakeFeed struct {
	quotes map[string]stream.Quote
	last   time.Time
}

func (f *fakeFeed) GetQuote(symbol string) (stream.Quote, bool) {
	q, ok := f.quotes[symbol]
	return q, ok
}

func (f *fakeFeed) LastUpdate() time.Time {
	return f.last
}

func TestTick_PrefersFreshStreamQuotes(t *testing.T) {
	mock := closableBroker(0, 0, 7.00, 5.10)
	// REST quote lookups must not happen while the stream is fresh.
	mock.QuoteFunc = func(symbol string) (*broker.QuoteItem, error) {
		return nil, fmt.Errorf("rest quotes should not be used")
	}

	feed := &fakeFeed{
		last: midday.Add(-time.Second),
		quotes: map[string]stream.Quote{
			callSym: {Symbol: callSym, Bid: 7.00, Ask: 7.10},
			putSym:  {Symbol: putSym, Bid: 5.10, Ask: 5.20},
		},
	}

	st := storage.NewMockStorage()
	if err := st.SetCurrentPosition(openStraddle(t)); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, feed)
	m.Tick(context.Background())

	history := st.GetHistory()
	if len(history) != 1 || history[0].ExitReason != ExitReasonTarget {
		t.Fatal("stream quotes at the target should have closed the position")
	}
}

func TestTick_StaleStreamFallsBackToREST(t *testing.T) {
	mock := closableBroker(7.00, 5.10, 7.00, 5.10)

	feed := &fakeFeed{
		last: midday.Add(-2 * time.Minute), // past the 45s staleness bound
		quotes: map[string]stream.Quote{
			callSym: {Symbol: callSym, Bid: 1.00},
			putSym:  {Symbol: putSym, Bid: 1.00},
		},
	}

	st := storage.NewMockStorage()
	if err := st.SetCurrentPosition(openStraddle(t)); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, feed)
	m.Tick(context.Background())

	history := st.GetHistory()
	if len(history) != 1 || history[0].ExitReason != ExitReasonTarget {
		t.Fatal("REST quotes should have driven the exit once the stream went stale")
	}
}

func TestTick_ResumesInterruptedClose(t *testing.T) {
	mock := closableBroker(7.00, 5.10, 7.00, 5.10)
	st := storage.NewMockStorage()

	// Crash happened after the closing transition but before submission.
	pos := openStraddle(t)
	pos.ExitReason = ExitReasonTarget
	if err := pos.TransitionState(models.StateClosing, models.ConditionExitTriggered); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCurrentPosition(pos); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.Tick(context.Background())

	history := st.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].ExitReason != ExitReasonTarget {
		t.Errorf("exit reason = %q, want target", history[0].ExitReason)
	}
	if mock.PlacedCount() != 2 {
		t.Errorf("placed %d orders, want 2 close legs", mock.PlacedCount())
	}
}

func TestTick_PartialCloseRetriesOnlyOpenLeg(t *testing.T) {
	mock := closableBroker(7.00, 5.10, 7.00, 5.10)
	st := storage.NewMockStorage()

	// The call leg already closed out; the put's close order died.
	pos := openStraddle(t)
	pos.ExitReason = ExitReasonTarget
	if err := pos.TransitionState(models.StateClosing, models.ConditionExitTriggered); err != nil {
		t.Fatal(err)
	}
	pos.Call.ExitOrderID = 2001
	pos.Call.ExitFillPrice = 7.00
	if err := st.SetCurrentPosition(pos); err != nil {
		t.Fatal(err)
	}

	m := newTestMonitor(testConfig(), mock, st, nil)
	m.Tick(context.Background())

	if mock.PlacedCount() != 1 {
		t.Fatalf("placed %d orders, want only the put close", mock.PlacedCount())
	}
	if mock.PlacedOrders[0].OptionSymbol != putSym {
		t.Errorf("resubmitted %s, want put leg", mock.PlacedOrders[0].OptionSymbol)
	}

	history := st.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if !almostEqual(history[0].RealizedPnL, 210) {
		t.Errorf("realized P&L = %.2f, want 210.00 from combined 12.10", history[0].RealizedPnL)
	}
}
