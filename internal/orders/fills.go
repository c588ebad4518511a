package orders

import (
	"context"
	"log"
	"time"

	"github.com/zerodte/straddlebot/internal/broker"
	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/retry"
	"github.com/zerodte/straddlebot/internal/storage"
)

// FillConfig bounds the fill reconciliation loops.
type FillConfig struct {
	PollInterval       time.Duration // delay between order status polls
	PollTimeout        time.Duration // total polling window
	PositionCheckDelay time.Duration // delay before the one-shot account position check
	TargetPct          float64
	StopPct            float64
}

// FillReconciler polls the broker for fill reports after orders are
// submitted and folds actual fill prices back into the position.
type FillReconciler struct {
	broker  broker.Broker
	storage storage.Interface
	logger  *log.Logger
	cfg     FillConfig
}

// NewFillReconciler creates a fill reconciler.
func NewFillReconciler(b broker.Broker, st storage.Interface, logger *log.Logger, cfg FillConfig) *FillReconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60 * time.Second
	}
	if cfg.PositionCheckDelay <= 0 {
		cfg.PositionCheckDelay = 5 * time.Second
	}
	return &FillReconciler{broker: b, storage: st, logger: logger, cfg: cfg}
}

// AwaitEntryFills polls both entry orders until they fill or the polling
// window expires. Each confirmed fill tightens the profit target and stop
// from the actual cost basis; if the window expires without a fill report,
// the quoted prices stand as the basis for the rest of the day. A nil return
// never implies both legs filled.
func (f *FillReconciler) AwaitEntryFills(ctx context.Context, pos *models.Position) error {
	pollCtx, cancel := context.WithTimeout(ctx, f.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	posCheck := time.NewTimer(f.cfg.PositionCheckDelay)
	defer posCheck.Stop()

	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Printf("Fill polling window expired for %s; basis stands at $%.2f (call $%.2f, put $%.2f)",
				pos.ID, pos.EntryPrice(), pos.Call.BestPrice(), pos.Put.BestPrice())
			return nil

		case <-posCheck.C:
			if !f.stillReconcilable(pos) {
				return nil
			}
			if f.confirmFromPositions(pollCtx, pos) {
				f.persistThresholds(pos)
			}
			if bothLegsFilled(pos) {
				return nil
			}

		case <-ticker.C:
			if !f.stillReconcilable(pos) {
				return nil
			}
			if f.pollEntryOrders(pollCtx, pos) {
				f.persistThresholds(pos)
			}
			if bothLegsFilled(pos) {
				return nil
			}
		}
	}
}

func bothLegsFilled(pos *models.Position) bool {
	return pos.Call.HasFillPrice() && pos.Put.HasFillPrice()
}

// stillReconcilable reports whether the position is still the live open
// position. Once the monitor starts an exit or archives the position, entry
// fill reconciliation stops; a late fill report must not write into a
// position that has left the open state.
func (f *FillReconciler) stillReconcilable(pos *models.Position) bool {
	if pos.GetCurrentState() != models.StateOpen {
		f.logger.Printf("Position %s left the open state, stopping entry fill reconciliation", pos.ID)
		return false
	}
	cur := f.storage.GetCurrentPosition()
	if cur == nil || cur.ID != pos.ID {
		f.logger.Printf("Position %s is no longer current, stopping entry fill reconciliation", pos.ID)
		return false
	}
	return true
}

// pollEntryOrders polls the order status of every unfilled leg, recording
// fill prices as they arrive. Returns true when anything changed.
func (f *FillReconciler) pollEntryOrders(ctx context.Context, pos *models.Position) bool {
	changed := false
	for _, leg := range pos.Legs() {
		if leg.HasFillPrice() || leg.OrderID == 0 || leg.Status == models.OrderStatusRejected {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := f.broker.GetOrderStatusCtx(cctx, leg.OrderID)
		cancel()
		if err != nil {
			if retry.IsTransient(err) {
				f.logger.Printf("Transient error polling order %d: %v", leg.OrderID, err)
			} else {
				f.logger.Printf("Error polling order %d: %v", leg.OrderID, err)
			}
			continue
		}
		if resp == nil || resp.Order.Status == "" {
			continue
		}

		switch resp.Order.Status {
		case broker.StatusFilled, broker.StatusPartiallyFilled:
			// A partial fill already carries the broker's average price;
			// the basis must not sit on the quote while contracts are on.
			if leg.SetFillPrice(resp.Order.AvgFillPrice) {
				leg.Status = models.OrderStatusFilled
				changed = true
				f.logger.Printf("Order %d %s: %s leg %s at $%.2f",
					leg.OrderID, resp.Order.Status, leg.Type, leg.Symbol, leg.FillPrice)
			}
		case broker.StatusCanceled, broker.StatusExpired, broker.StatusRejected, broker.StatusError:
			f.logger.Printf("Entry order %d for %s leg ended %s without a fill", leg.OrderID, leg.Type, resp.Order.Status)
			leg.Status = models.OrderStatusRejected
			changed = true
		}
	}
	return changed
}

// confirmFromPositions performs the one-shot account position check shortly
// after submission. The account's average price is the authoritative cost
// basis when the order status feed has not yet reported a fill.
func (f *FillReconciler) confirmFromPositions(ctx context.Context, pos *models.Position) bool {
	backoff := retry.NewBackoff(500*time.Millisecond, 2*time.Second)

	var items []broker.PositionItem
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		items, err = f.broker.GetPositionsCtx(cctx)
		cancel()
		if err == nil {
			break
		}
		if !retry.IsTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff.Next()):
		}
	}
	if err != nil {
		f.logger.Printf("Position check failed for %s: %v", pos.ID, err)
		return false
	}

	changed := false
	for _, item := range items {
		leg := pos.LegForSymbol(item.Symbol)
		if leg == nil {
			continue
		}
		if avg := item.AveragePrice(); avg > 0 && leg.SetFillPrice(avg) {
			leg.Status = models.OrderStatusFilled
			changed = true
			f.logger.Printf("Position check confirmed %s leg %s at $%.2f", leg.Type, leg.Symbol, avg)
		}
	}
	return changed
}

// persistThresholds recomputes exit thresholds from the best-known basis and
// persists, but only while the position still occupies the current slot. A
// fill confirmation that lost a race with the close must not write an
// archived position back into storage.
func (f *FillReconciler) persistThresholds(pos *models.Position) {
	current, err := f.storage.UpdateCurrentPosition(pos.ID, func(cur *models.Position) {
		cur.RefreshThresholds(f.cfg.TargetPct, f.cfg.StopPct)
	})
	if err != nil {
		f.logger.Printf("Failed to persist fill update for %s: %v", pos.ID, err)
		return
	}
	if !current {
		f.logger.Printf("Position %s is no longer current, fill update not persisted", pos.ID)
		return
	}
	f.logger.Printf("Entry basis $%.2f, target $%.2f, stop $%.2f", pos.EntryPrice(), pos.TargetPrice, pos.StopPrice)
}

// AwaitExitFills polls the close orders until they reach a terminal status
// or the polling window expires. Fill reports, partial included, record the
// exit price on the leg exactly once; a leg stays under watch until its
// order is terminal, so a partial fill cannot pass for a completed close. A
// close order that dies without a fill has its exit order ID cleared so a
// later attempt can resubmit that leg. Returns the combined exit price
// across closed-out legs and whether every leg finished closing.
func (f *FillReconciler) AwaitExitFills(ctx context.Context, pos *models.Position) (float64, bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, f.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	combined := func() float64 {
		return pos.Call.ExitFillPrice + pos.Put.ExitFillPrice
	}
	allClosed := func() bool {
		return pos.Call.ClosedOut() && pos.Put.ClosedOut()
	}

	pending := make(map[*models.Leg]bool)
	for _, leg := range pos.Legs() {
		if leg.ExitOrderID != 0 {
			pending[leg] = true
		}
	}
	if len(pending) == 0 {
		return combined(), allClosed(), nil
	}

	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return 0, false, ctx.Err()
			}
			return combined(), allClosed() && len(pending) == 0, nil

		case <-ticker.C:
			for leg := range pending {
				cctx, ccancel := context.WithTimeout(pollCtx, callTimeout)
				resp, err := f.broker.GetOrderStatusCtx(cctx, leg.ExitOrderID)
				ccancel()
				if err != nil {
					if !retry.IsTransient(err) {
						f.logger.Printf("Error polling close order %d: %v", leg.ExitOrderID, err)
					}
					continue
				}
				if resp == nil || resp.Order.Status == "" {
					continue
				}

				switch resp.Order.Status {
				case broker.StatusFilled:
					if leg.ExitFillPrice == 0 {
						leg.ExitFillPrice = resp.Order.AvgFillPrice
					}
					delete(pending, leg)
					f.logger.Printf("Close order %d filled: %s leg at $%.2f", leg.ExitOrderID, leg.Type, leg.ExitFillPrice)
				case broker.StatusPartiallyFilled:
					if leg.ExitFillPrice == 0 {
						leg.ExitFillPrice = resp.Order.AvgFillPrice
						f.logger.Printf("Close order %d partially filled: %s leg at $%.2f, awaiting remainder",
							leg.ExitOrderID, leg.Type, leg.ExitFillPrice)
					}
				case broker.StatusCanceled, broker.StatusExpired, broker.StatusRejected, broker.StatusError:
					f.logger.Printf("Close order %d for %s leg ended %s without a fill", leg.ExitOrderID, leg.Type, resp.Order.Status)
					leg.ExitOrderID = 0
					delete(pending, leg)
				}
			}

			if len(pending) == 0 {
				return combined(), allClosed(), nil
			}
		}
	}
}
