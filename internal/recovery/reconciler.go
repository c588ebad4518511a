// Package recovery reconciles the locally persisted position against the
// broker's account state at startup. The broker is authoritative: a local
// record with no matching broker legs is closed as a discrepancy rather than
// resumed, and a broker-confirmed pair is adopted with the broker's average
// prices as the cost basis.
package recovery

import (
	"context"
	"fmt"
	"log"

	"github.com/zerodte/straddlebot/internal/broker"
	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/storage"
)

// ExitReasonDiscrepancy marks positions closed because the broker had no
// matching legs.
const ExitReasonDiscrepancy = "recovery_discrepancy"

// Reconciler runs the startup reconciliation pass.
type Reconciler struct {
	broker    broker.Broker
	storage   storage.Interface
	root      string // option root, e.g. SPXW
	targetPct float64
	stopPct   float64
	logger    *log.Logger
}

// New creates a startup reconciler.
func New(b broker.Broker, st storage.Interface, root string, targetPct, stopPct float64, logger *log.Logger) *Reconciler {
	return &Reconciler{
		broker:    b,
		storage:   st,
		root:      root,
		targetPct: targetPct,
		stopPct:   stopPct,
		logger:    logger,
	}
}

// Reconcile compares the persisted position with the broker account and
// resolves any divergence before trading starts. An error means the account
// state could not be verified; the caller must not trade.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	items, err := r.broker.GetPositionsCtx(ctx)
	if err != nil {
		return fmt.Errorf("broker positions unavailable: %w", err)
	}

	bySymbol := make(map[string]broker.PositionItem, len(items))
	for _, item := range items {
		bySymbol[item.Symbol] = item
	}

	pos := r.storage.GetCurrentPosition()
	if pos == nil || !pos.IsActive() {
		r.warnUnmanaged(bySymbol, nil)
		return nil
	}

	state := pos.GetCurrentState()
	r.logger.Printf("Reconciling local position %s (%s) against %d broker positions", pos.ID, state, len(items))

	switch state {
	case models.StateEntering, models.StateOpen, models.StateClosing:
		if err := r.reconcileActive(pos, bySymbol); err != nil {
			return err
		}
	case models.StateFailed:
		r.logger.Printf("ALERT: position %s is failed and requires manual reset before trading resumes", pos.ID)
	}

	r.warnUnmanaged(bySymbol, pos)
	return nil
}

func (r *Reconciler) reconcileActive(pos *models.Position, bySymbol map[string]broker.PositionItem) error {
	callItem, haveCall := bySymbol[pos.Call.Symbol]
	putItem, havePut := bySymbol[pos.Put.Symbol]
	haveCall = haveCall && callItem.Quantity > 0
	havePut = havePut && putItem.Quantity > 0

	switch {
	case haveCall && havePut:
		return r.resume(pos, callItem, putItem)
	case !haveCall && !havePut:
		return r.closeLocalOnly(pos)
	default:
		return r.handlePartial(pos, haveCall)
	}
}

// resume adopts the broker-confirmed pair. The broker's average prices
// replace any unconfirmed cost basis and the thresholds are recomputed from
// the adopted basis.
func (r *Reconciler) resume(pos *models.Position, callItem, putItem broker.PositionItem) error {
	if int(callItem.Quantity) != pos.Quantity || int(putItem.Quantity) != pos.Quantity {
		r.logger.Printf("ALERT: broker quantities (call %.0f, put %.0f) differ from local %d for %s, adopting broker state",
			callItem.Quantity, putItem.Quantity, pos.Quantity, pos.ID)
		pos.Quantity = int(callItem.Quantity)
	}

	if avg := callItem.AveragePrice(); avg > 0 && pos.Call.SetFillPrice(avg) {
		pos.Call.Status = models.OrderStatusFilled
	}
	if avg := putItem.AveragePrice(); avg > 0 && pos.Put.SetFillPrice(avg) {
		pos.Put.Status = models.OrderStatusFilled
	}

	if pos.GetCurrentState() == models.StateEntering {
		if err := pos.TransitionState(models.StateOpen, models.ConditionRecoveredPosition); err != nil {
			return fmt.Errorf("recovery transition failed: %w", err)
		}
	}

	pos.RefreshThresholds(r.targetPct, r.stopPct)
	if err := r.storage.SetCurrentPosition(pos); err != nil {
		return fmt.Errorf("persisting recovered position: %w", err)
	}

	r.logger.Printf("Recovered position %s: basis $%.2f (call $%.2f, put $%.2f), target $%.2f, stop $%.2f",
		pos.ID, pos.EntryPrice(), pos.Call.BestPrice(), pos.Put.BestPrice(), pos.TargetPrice, pos.StopPrice)
	return nil
}

// closeLocalOnly resolves a local record the broker knows nothing about. A
// crash mid-entry whose orders never reached the broker steps back to idle;
// anything later is closed as a discrepancy, never silently resumed.
func (r *Reconciler) closeLocalOnly(pos *models.Position) error {
	if pos.GetCurrentState() == models.StateEntering {
		r.logger.Printf("Position %s was mid-entry with nothing at the broker, aborting; today's attempt stays consumed", pos.ID)
		if err := pos.TransitionState(models.StateIdle, models.ConditionEntryAborted); err != nil {
			return err
		}
		return r.storage.SetCurrentPosition(pos)
	}

	r.logger.Printf("ALERT: local record %s (%s) has no matching broker position, closing as discrepancy",
		pos.ID, pos.GetCurrentState())

	pos.ExitReason = ExitReasonDiscrepancy
	if pos.GetCurrentState() == models.StateOpen {
		if err := pos.TransitionState(models.StateClosed, models.ConditionRecoveryDiscrepancy); err != nil {
			return err
		}
	}
	return r.storage.ClosePosition(0, ExitReasonDiscrepancy)
}

// handlePartial resolves a single-legged broker state. For a crash mid-entry
// the position parks in failed until an operator flattens the leg; a live
// position's record is closed with a loud alert naming the leg left behind.
func (r *Reconciler) handlePartial(pos *models.Position, haveCall bool) error {
	live := pos.Put.Symbol
	if haveCall {
		live = pos.Call.Symbol
	}

	if pos.GetCurrentState() == models.StateEntering {
		r.logger.Printf("ALERT: only %s exists at the broker after a mid-entry crash; position %s parked as failed, flatten the leg manually",
			live, pos.ID)
		if err := pos.TransitionState(models.StateFailed, models.ConditionCompensationFailed); err != nil {
			return err
		}
		return r.storage.SetCurrentPosition(pos)
	}

	r.logger.Printf("ALERT: only %s remains at the broker for %s; closing the local record, the leg is UNMANAGED and needs manual action",
		live, pos.ID)
	pos.ExitReason = ExitReasonDiscrepancy
	if pos.GetCurrentState() == models.StateOpen {
		if err := pos.TransitionState(models.StateClosed, models.ConditionRecoveryDiscrepancy); err != nil {
			return err
		}
	}
	return r.storage.ClosePosition(0, ExitReasonDiscrepancy)
}

// warnUnmanaged flags broker option positions under our root that the bot is
// not tracking. current may be nil.
func (r *Reconciler) warnUnmanaged(bySymbol map[string]broker.PositionItem, current *models.Position) {
	for symbol, item := range bySymbol {
		parsed, err := broker.ParseOptionSymbol(symbol)
		if err != nil || parsed.Underlying != r.root {
			continue
		}
		if current != nil && (symbol == current.Call.Symbol || symbol == current.Put.Symbol) {
			continue
		}
		r.logger.Printf("ALERT: unmanaged %s position at the broker: %s x%.0f (cost basis $%.2f)",
			r.root, symbol, item.Quantity, item.CostBasis)
	}
}
