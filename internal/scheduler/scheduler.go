// Package scheduler triggers the once-per-day straddle entry inside the
// morning window and drives the entry through submission and fill
// reconciliation.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zerodte/straddlebot/internal/broker"
	"github.com/zerodte/straddlebot/internal/config"
	"github.com/zerodte/straddlebot/internal/metrics"
	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/orders"
	"github.com/zerodte/straddlebot/internal/storage"
	"github.com/zerodte/straddlebot/internal/util"
)

// Scheduler owns the entry side of the position lifecycle. At most one
// straddle is opened per trading day; the attempt is recorded the moment the
// entry sequence starts, so neither a crash nor a rejection produces a second
// attempt on the same day.
type Scheduler struct {
	cfg     *config.Config
	broker  broker.Broker
	storage storage.Interface
	coord   *orders.Coordinator
	fills   *orders.FillReconciler
	lease   *Lease
	logger  *log.Logger
	now     func() time.Time
}

// New creates an entry scheduler.
func New(cfg *config.Config, b broker.Broker, st storage.Interface, coord *orders.Coordinator, fills *orders.FillReconciler, logger *log.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		broker:  b,
		storage: st,
		coord:   coord,
		fills:   fills,
		lease:   NewLease(cfg.LeaseTTL()),
		logger:  logger,
		now:     time.Now,
	}
}

// Run polls until the context ends, attempting one entry per trading day
// inside the configured window.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Printf("Entry scheduler started: entry %s +/- %s, poll every %s",
		s.cfg.Schedule.EntryTime, s.cfg.Schedule.EntryWindow, s.cfg.PollInterval())

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("Entry scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling decision. Exported so a manual trigger and tests
// can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.cfg.Location())

	if !s.cfg.IsTradingWeekday(now) {
		return
	}
	start, end := s.cfg.EntryWindow(now)
	if now.Before(start) || !now.Before(end) {
		return
	}

	date := now.Format("2006-01-02")
	if s.storage.HasEntryAttempt(date) {
		return
	}
	if pos := s.storage.GetCurrentPosition(); pos != nil && pos.IsActive() {
		s.logger.Printf("Skipping entry: position %s is %s", pos.ID, pos.GetCurrentState())
		return
	}

	if !s.lease.TryAcquire(date) {
		s.logger.Printf("Entry lease held by an in-flight attempt, skipping tick")
		return
	}
	defer s.lease.Release(date)

	tradingDay, err := s.broker.IsTradingDay(false)
	if err != nil {
		s.logger.Printf("Market clock check failed, deferring entry: %v", err)
		return
	}
	if !tradingDay {
		s.logger.Printf("Market closed today, no entry")
		return
	}

	s.attemptEntry(ctx, now, date)
}

// attemptEntry runs the full entry sequence: strike selection, leg quotes,
// attempt recording, order submission, fill reconciliation. Quote failures
// before the attempt is recorded defer to the next tick inside the window;
// everything after the record is final for the day.
func (s *Scheduler) attemptEntry(ctx context.Context, now time.Time, date string) {
	underlying, err := s.broker.GetQuoteCtx(ctx, s.cfg.Underlying.Symbol)
	if err != nil || underlying == nil || underlying.Last <= 0 {
		s.logger.Printf("No quote for %s, deferring entry: %v", s.cfg.Underlying.Symbol, err)
		return
	}

	strike := util.NearestStrike(underlying.Last, s.cfg.Underlying.StrikeIncrement)
	expiration := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location())

	callSym := broker.BuildOptionSymbol(s.cfg.Underlying.OptionRoot, expiration, broker.OptionTypeCall, strike)
	putSym := broker.BuildOptionSymbol(s.cfg.Underlying.OptionRoot, expiration, broker.OptionTypePut, strike)

	quotes, err := s.broker.GetQuotesCtx(ctx, []string{callSym, putSym})
	if err != nil {
		s.logger.Printf("Leg quotes unavailable, deferring entry: %v", err)
		return
	}
	var callQ, putQ *broker.QuoteItem
	for i := range quotes {
		switch quotes[i].Symbol {
		case callSym:
			callQ = &quotes[i]
		case putSym:
			putQ = &quotes[i]
		}
	}
	if callQ == nil || putQ == nil || callQ.Mid() <= 0 || putQ.Mid() <= 0 {
		s.logger.Printf("Leg quotes incomplete for strike %.0f, deferring entry", strike)
		return
	}

	// Recorded before any order leaves the process. A crash mid-entry must
	// never produce a second attempt today.
	if err := s.storage.MarkEntryAttempt(date); err != nil {
		s.logger.Printf("Failed to record entry attempt: %v", err)
		return
	}

	pos := models.NewPosition(uuid.NewString(), s.cfg.Underlying.Symbol, strike, expiration, s.cfg.Entry.Quantity)
	pos.Call.Symbol = callSym
	pos.Call.Quote = callQ.Mid()
	pos.Put.Symbol = putSym
	pos.Put.Quote = putQ.Mid()
	pos.RefreshThresholds(s.cfg.Exit.TargetPct, s.cfg.Exit.StopPct)

	if err := pos.TransitionState(models.StateEntering, models.ConditionEntryTriggered); err != nil {
		s.logger.Printf("Entry transition failed: %v", err)
		return
	}
	if err := s.storage.SetCurrentPosition(pos); err != nil {
		s.logger.Printf("Failed to persist entering position, aborting: %v", err)
		s.abortEntry(pos)
		return
	}

	s.logger.Printf("Entering straddle: strike %.0f, call %s $%.2f, put %s $%.2f, combined $%.2f",
		strike, callSym, pos.Call.Quote, putSym, pos.Put.Quote, pos.QuotedEntryPrice())

	if err := s.coord.OpenStraddle(ctx, pos); err != nil {
		var compErr *orders.CompensationError
		condition := models.ConditionLegRejected
		if errors.As(err, &compErr) {
			condition = models.ConditionCompensationFailed
		}
		s.failPosition(pos, condition, err)
		metrics.Entries.WithLabelValues(metrics.EntryFailed).Inc()
		return
	}

	if err := pos.TransitionState(models.StateOpen, models.ConditionLegsSubmitted); err != nil {
		s.logger.Printf("Open transition failed: %v", err)
		return
	}
	if err := s.storage.SetCurrentPosition(pos); err != nil {
		s.logger.Printf("Failed to persist open position: %v", err)
	}
	metrics.Entries.WithLabelValues(metrics.EntryOpened).Inc()
	s.logger.Printf("Straddle open: position %s, basis $%.2f, target $%.2f, stop $%.2f",
		pos.ID, pos.EntryPrice(), pos.TargetPrice, pos.StopPrice)

	if err := s.fills.AwaitEntryFills(ctx, pos); err != nil {
		s.logger.Printf("Fill reconciliation interrupted for %s: %v", pos.ID, err)
	}
}

// abortEntry backs the position out before anything reached the broker.
func (s *Scheduler) abortEntry(pos *models.Position) {
	if err := pos.TransitionState(models.StateIdle, models.ConditionEntryAborted); err != nil {
		s.logger.Printf("Abort transition failed: %v", err)
	}
	metrics.Entries.WithLabelValues(metrics.EntryAborted).Inc()
}

// failPosition parks the position in failed until a human resets it. Failed
// entries are never retried automatically: the account may be in a partial
// state only an operator can judge.
func (s *Scheduler) failPosition(pos *models.Position, condition string, cause error) {
	s.logger.Printf("ALERT: entry failed for %s (%s): %v", pos.ID, condition, cause)
	if err := pos.TransitionState(models.StateFailed, condition); err != nil {
		s.logger.Printf("Failed-state transition errored: %v", err)
	}
	if err := s.storage.SetCurrentPosition(pos); err != nil {
		s.logger.Printf("Failed to persist failed position: %v", err)
	}
}
