package stream

import (
	"context"
	"log"
	"time"

	"github.com/zerodte/straddlebot/internal/metrics"
)

// Feed is the slice of Client the watchdog needs. Extracted so tests can
// substitute a fake.
type Feed interface {
	LastUpdate() time.Time
	Subscribed() bool
	Resubscribe(ctx context.Context) error
}

// Watchdog detects a stale quote feed and forces a resubscription. Staleness
// only counts during the trading session; a quiet feed overnight is normal.
// After maxFailures consecutive failed recoveries it stops retrying and
// alerts on every check instead, so a dead feed cannot turn into a reconnect
// storm.
type Watchdog struct {
	feed        Feed
	staleAfter  time.Duration
	interval    time.Duration
	maxFailures int
	inSession   func(time.Time) bool
	logger      *log.Logger

	failures int
}

// NewWatchdog creates a watchdog over the given feed. inSession gates when
// staleness is meaningful.
func NewWatchdog(feed Feed, staleAfter, interval time.Duration, maxFailures int,
	inSession func(time.Time) bool, logger *log.Logger) *Watchdog {
	return &Watchdog{
		feed:        feed,
		staleAfter:  staleAfter,
		interval:    interval,
		maxFailures: maxFailures,
		inSession:   inSession,
		logger:      logger,
	}
}

// Run checks the feed until the context is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check evaluates staleness once and recovers if needed. Exposed for tests
// and for an immediate post-subscribe evaluation.
func (w *Watchdog) Check(ctx context.Context) {
	if !w.feed.Subscribed() {
		return
	}
	now := time.Now()
	if !w.inSession(now) {
		return
	}

	last := w.feed.LastUpdate()
	if !last.IsZero() && now.Sub(last) < w.staleAfter {
		metrics.StreamStaleChecks.WithLabelValues("fresh").Inc()
		w.failures = 0
		return
	}
	metrics.StreamStaleChecks.WithLabelValues("stale").Inc()

	if w.failures >= w.maxFailures {
		w.logger.Printf("ALERT: quote stream stale for %v after %d recovery attempts; manual intervention required",
			now.Sub(last), w.failures)
		return
	}

	// One attempt per stale tick; only a fresh quote proves recovery worked
	// and resets the budget.
	w.failures++
	w.logger.Printf("Quote stream stale (last update %v ago), resubscribing (%d/%d)",
		now.Sub(last), w.failures, w.maxFailures)
	if err := w.feed.Resubscribe(ctx); err != nil {
		w.logger.Printf("Stream resubscribe failed: %v", err)
		return
	}
	metrics.StreamResubscribes.Inc()
}
