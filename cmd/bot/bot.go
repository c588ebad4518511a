package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zerodte/straddlebot/internal/broker"
	"github.com/zerodte/straddlebot/internal/config"
	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/monitor"
	"github.com/zerodte/straddlebot/internal/orders"
	"github.com/zerodte/straddlebot/internal/recovery"
	"github.com/zerodte/straddlebot/internal/scheduler"
	"github.com/zerodte/straddlebot/internal/status"
	"github.com/zerodte/straddlebot/internal/storage"
	"github.com/zerodte/straddlebot/internal/stream"
)

const (
	// shutdownTimeout bounds the graceful stop of the status server.
	shutdownTimeout = 10 * time.Second

	// streamMaxFailures caps consecutive watchdog recovery attempts before
	// the feed is declared dead and only alerted on.
	streamMaxFailures = 3
)

// Bot wires the trading components together. The scheduler opens the daily
// straddle, the monitor manages the open position, and the recovery
// reconciler runs once at startup before either loop starts.
type Bot struct {
	cfg     *config.Config
	logger  *log.Logger
	storage storage.Interface
	broker  broker.Broker
	feed    *stream.Client
	sched   *scheduler.Scheduler
	mon     *monitor.Monitor
	status  *status.Server
}

// NewBot builds a bot from configuration. No network calls are made here;
// the broker is first exercised by Run's startup reconciliation.
func NewBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	st, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	var client *broker.TradierClient
	if cfg.Broker.APIEndpoint != "" {
		client = broker.NewTradierClientWithBaseURL(
			cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox, cfg.Broker.APIEndpoint)
	} else {
		client = broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox)
	}
	brk := broker.NewCircuitBreakerBroker(client)

	b := &Bot{
		cfg:     cfg,
		logger:  logger,
		storage: st,
		broker:  brk,
	}

	coord := orders.NewCoordinator(brk, logger, cfg.Broker.AccountID,
		cfg.Underlying.TickSize, cfg.Entry.LimitBuffer, cfg.Exit.CloseLimitBuffer)
	fills := orders.NewFillReconciler(brk, st, logger, orders.FillConfig{
		PollInterval:       cfg.FillPollInterval(),
		PollTimeout:        cfg.FillPollTimeout(),
		PositionCheckDelay: cfg.PositionCheckDelay(),
		TargetPct:          cfg.Exit.TargetPct,
		StopPct:            cfg.Exit.StopPct,
	})

	var feed monitor.Feed
	if cfg.Stream.Enabled {
		b.feed = stream.NewClient(brk.CreateMarketSession, cfg.Stream.URL, logger)
		feed = b.feed
	}

	b.sched = scheduler.New(cfg, brk, st, coord, fills, logger)
	b.mon = monitor.New(cfg, brk, st, coord, fills, feed, logger)

	if cfg.Status.Port > 0 {
		statusLogger := logrus.New()
		if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			statusLogger.SetLevel(level)
		}
		b.status = status.NewServer(status.Config{
			Port:      cfg.Status.Port,
			AuthToken: cfg.Status.AuthToken,
			Location:  cfg.Location(),
		}, st, statusLogger)
	}

	return b, nil
}

// Run reconciles local state against the broker, then drives the entry and
// monitor loops until the context is canceled. A failed reconciliation
// aborts startup: trading with an unverified position book is worse than
// not trading.
func (b *Bot) Run(ctx context.Context) error {
	rec := recovery.New(b.broker, b.storage, b.cfg.Underlying.OptionRoot,
		b.cfg.Exit.TargetPct, b.cfg.Exit.StopPct, b.logger)
	if err := rec.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	if b.feed != nil {
		if err := b.feed.Connect(ctx); err != nil {
			b.logger.Printf("Stream connect failed, monitoring via REST: %v", err)
		}
		go b.syncSubscriptions(ctx)

		watchdog := stream.NewWatchdog(b.feed,
			b.cfg.StreamStaleAfter(), b.cfg.StreamCheckInterval(), streamMaxFailures,
			b.inSession, b.logger)
		go watchdog.Run(ctx)
	}

	if b.status != nil {
		go func() {
			if err := b.status.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Printf("Status server error: %v", err)
			}
		}()
	}

	go b.sched.Run(ctx)
	go b.mon.Run(ctx)

	<-ctx.Done()
	b.shutdown()
	return nil
}

func (b *Bot) shutdown() {
	if b.status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.status.Shutdown(shutdownCtx); err != nil {
			b.logger.Printf("Status server shutdown: %v", err)
		}
	}
	if b.feed != nil {
		if err := b.feed.Close(); err != nil {
			b.logger.Printf("Stream close: %v", err)
		}
	}
	if err := b.storage.Save(); err != nil {
		b.logger.Printf("Final state save failed: %v", err)
	}
}

// inSession reports whether feed staleness is meaningful: a trading
// weekday between the entry window start and the exit deadline, with an
// active position whose legs are worth watching. A quiet feed overnight,
// on a weekend, or with nothing subscribed is normal, even when a failed
// position is parked in the current slot.
func (b *Bot) inSession(now time.Time) bool {
	local := now.In(b.cfg.Location())
	if !b.cfg.IsTradingWeekday(local) {
		return false
	}
	start, _ := b.cfg.EntryWindow(local)
	deadline := b.cfg.ExitDeadline(local)
	if local.Before(start) || !local.Before(deadline) {
		return false
	}
	pos := b.storage.GetCurrentPosition()
	return pos != nil && pos.IsActive()
}

// syncSubscriptions keeps the feed's symbol set matched to the current
// position's legs. Staleness recovery is the watchdog's job; this loop only
// tracks what should be watched.
func (b *Bot) syncSubscriptions(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.StreamCheckInterval())
	defer ticker.Stop()

	var subscribed []string

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			want := positionSymbols(b.storage.GetCurrentPosition())
			if sameSymbols(subscribed, want) {
				continue
			}
			// Subscribe records the symbol set even when the socket is
			// down, so a follow-up reconnect restores it.
			if err := b.feed.Subscribe(ctx, want); err != nil {
				b.logger.Printf("Stream subscribe failed: %v", err)
				if err := b.feed.Resubscribe(ctx); err != nil {
					b.logger.Printf("Stream reconnect failed: %v", err)
					continue
				}
			}
			subscribed = want
		}
	}
}

// positionSymbols returns the leg symbols worth streaming, or nil when no
// active position exists.
func positionSymbols(pos *models.Position) []string {
	if pos == nil || !pos.IsActive() {
		return nil
	}
	var symbols []string
	for _, leg := range pos.Legs() {
		if leg.Symbol != "" {
			symbols = append(symbols, leg.Symbol)
		}
	}
	return symbols
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
