// Package monitor evaluates the live straddle on a fixed cadence and drives
// exits. Exit checks run in priority order: profit target, then stop loss,
// then the end-of-day flatten.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zerodte/straddlebot/internal/broker"
	"github.com/zerodte/straddlebot/internal/config"
	"github.com/zerodte/straddlebot/internal/metrics"
	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/orders"
	"github.com/zerodte/straddlebot/internal/storage"
	"github.com/zerodte/straddlebot/internal/stream"
)

// Exit reasons recorded on closed positions.
const (
	ExitReasonTarget = "target"
	ExitReasonStop   = "stop"
	ExitReasonEOD    = "eod"
)

const quoteTimeout = 10 * time.Second

// Feed is the streaming quote cache consulted before falling back to REST.
type Feed interface {
	GetQuote(symbol string) (stream.Quote, bool)
	LastUpdate() time.Time
}

// Monitor owns the exit side of the position lifecycle.
type Monitor struct {
	cfg     *config.Config
	broker  broker.Broker
	storage storage.Interface
	coord   *orders.Coordinator
	fills   *orders.FillReconciler
	feed    Feed // nil when streaming is disabled
	logger  *log.Logger
	now     func() time.Time
}

// New creates a position monitor. feed may be nil.
func New(cfg *config.Config, b broker.Broker, st storage.Interface, coord *orders.Coordinator, fills *orders.FillReconciler, feed Feed, logger *log.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		broker:  b,
		storage: st,
		coord:   coord,
		fills:   fills,
		feed:    feed,
		logger:  logger,
		now:     time.Now,
	}
}

// Run evaluates the position until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Printf("Position monitor started, evaluating every %s", m.cfg.MonitorInterval())

	ticker := time.NewTicker(m.cfg.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("Position monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation. Exported so tests can drive the monitor without
// the ticker.
func (m *Monitor) Tick(ctx context.Context) {
	pos := m.storage.GetCurrentPosition()
	if pos == nil {
		return
	}

	switch pos.GetCurrentState() {
	case models.StateOpen:
		m.evaluateOpen(ctx, pos)
	case models.StateClosing:
		m.resumeClose(ctx, pos)
	}
}

func (m *Monitor) evaluateOpen(ctx context.Context, pos *models.Position) {
	combined, source, err := m.combinedPrice(ctx, pos)
	if err != nil {
		m.logger.Printf("No usable quotes for %s, skipping tick: %v", pos.ID, err)
		return
	}

	pnl := pos.UnrealizedPnL(combined)
	metrics.CombinedPrice.Set(combined)
	metrics.UnrealizedPnL.Set(pnl)
	m.logger.Printf("Position %s: combined $%.2f (%s), P&L $%.2f, target $%.2f, stop $%.2f",
		pos.ID, combined, source, pnl, pos.TargetPrice, pos.StopPrice)

	now := m.now().In(m.cfg.Location())
	var reason string
	switch {
	case combined >= pos.TargetPrice:
		reason = ExitReasonTarget
	case pos.StopPrice > 0 && combined <= pos.StopPrice:
		reason = ExitReasonStop
	case !now.Before(m.cfg.ExitDeadline(now)):
		reason = ExitReasonEOD
	default:
		return
	}

	m.logger.Printf("Exit triggered for %s: %s at combined $%.2f", pos.ID, reason, combined)
	pos.ExitReason = reason
	if err := pos.TransitionState(models.StateClosing, models.ConditionExitTriggered); err != nil {
		m.logger.Printf("Closing transition failed: %v", err)
		return
	}
	if err := m.storage.SetCurrentPosition(pos); err != nil {
		m.logger.Printf("Failed to persist closing position: %v", err)
	}

	m.submitAndSettle(ctx, pos, reason)
}

// resumeClose picks up an interrupted close: close orders still working, a
// leg whose close order died, or a crash between the closing transition and
// submission. Legs already closed out or working are left alone.
func (m *Monitor) resumeClose(ctx context.Context, pos *models.Position) {
	reason := pos.ExitReason
	if reason == "" {
		reason = ExitReasonEOD
	}
	m.submitAndSettle(ctx, pos, reason)
}

func (m *Monitor) submitAndSettle(ctx context.Context, pos *models.Position, reason string) {
	urgent := reason == ExitReasonStop
	if err := m.coord.CloseStraddle(ctx, pos, urgent); err != nil {
		var compErr *orders.CompensationError
		if errors.As(err, &compErr) {
			m.failPosition(pos, err)
			return
		}
		m.logger.Printf("Close submission failed for %s, retrying next tick: %v", pos.ID, err)
		m.reopen(pos)
		return
	}
	if err := m.storage.SetCurrentPosition(pos); err != nil {
		m.logger.Printf("Failed to persist close orders for %s: %v", pos.ID, err)
	}

	combined, allClosed, err := m.fills.AwaitExitFills(ctx, pos)
	if err != nil {
		m.logger.Printf("Exit fill polling interrupted for %s: %v", pos.ID, err)
		return
	}
	if err := m.storage.SetCurrentPosition(pos); err != nil {
		m.logger.Printf("Failed to persist exit fills for %s: %v", pos.ID, err)
	}
	if !allClosed {
		m.logger.Printf("Close incomplete for %s, resuming next tick", pos.ID)
		return
	}

	pnl := pos.UnrealizedPnL(combined)
	if err := m.storage.ClosePosition(pnl, reason); err != nil {
		m.logger.Printf("Failed to record closed position %s: %v", pos.ID, err)
		return
	}

	metrics.Exits.WithLabelValues(reason).Inc()
	metrics.UnrealizedPnL.Set(0)
	date := m.now().In(m.cfg.Location()).Format("2006-01-02")
	metrics.DailyPnL.Set(m.storage.GetDailyPnL(date))

	m.logger.Printf("Position %s closed (%s): exit $%.2f, P&L $%.2f", pos.ID, reason, combined, pnl)
}

func (m *Monitor) reopen(pos *models.Position) {
	if err := pos.TransitionState(models.StateOpen, models.ConditionCloseRejected); err != nil {
		m.logger.Printf("Reopen transition failed: %v", err)
		return
	}
	if err := m.storage.SetCurrentPosition(pos); err != nil {
		m.logger.Printf("Failed to persist reopened position: %v", err)
	}
}

func (m *Monitor) failPosition(pos *models.Position, cause error) {
	m.logger.Printf("ALERT: close compensation failed for %s, manual intervention required: %v", pos.ID, cause)
	if err := pos.TransitionState(models.StateFailed, models.ConditionCompensationFailed); err != nil {
		m.logger.Printf("Failed-state transition errored: %v", err)
	}
	if err := m.storage.SetCurrentPosition(pos); err != nil {
		m.logger.Printf("Failed to persist failed position: %v", err)
	}
}

// combinedPrice values the straddle at what it would fetch right now. The
// streaming cache is used while fresh; otherwise one REST quote call covers
// both legs.
func (m *Monitor) combinedPrice(ctx context.Context, pos *models.Position) (float64, string, error) {
	if m.feed != nil && m.now().Sub(m.feed.LastUpdate()) < m.cfg.StreamStaleAfter() {
		callQ, okCall := m.feed.GetQuote(pos.Call.Symbol)
		putQ, okPut := m.feed.GetQuote(pos.Put.Symbol)
		if okCall && okPut {
			call := legPrice(callQ.Bid, callQ.Last)
			put := legPrice(putQ.Bid, putQ.Last)
			if call > 0 && put > 0 {
				return call + put, "stream", nil
			}
		}
	}

	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	quotes, err := m.broker.GetQuotesCtx(qctx, []string{pos.Call.Symbol, pos.Put.Symbol})
	cancel()
	if err != nil {
		return 0, "", err
	}

	var call, put float64
	for _, q := range quotes {
		px := legPrice(q.Bid, q.Last)
		switch q.Symbol {
		case pos.Call.Symbol:
			call = px
		case pos.Put.Symbol:
			put = px
		}
	}
	if call <= 0 || put <= 0 {
		return 0, "", fmt.Errorf("incomplete quotes for %s / %s", pos.Call.Symbol, pos.Put.Symbol)
	}
	return call + put, "rest", nil
}

// legPrice values a long leg at the bid when the book has one, the last
// trade otherwise.
func legPrice(bid, last float64) float64 {
	if bid > 0 {
		return bid
	}
	return last
}
