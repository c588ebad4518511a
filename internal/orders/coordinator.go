// Package orders submits and reconciles the per-leg broker orders that make
// up a straddle: concurrent entry submission with compensation on partial
// failure, close submission, and bounded fill polling.
package orders

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zerodte/straddlebot/internal/broker"
	"github.com/zerodte/straddlebot/internal/metrics"
	"github.com/zerodte/straddlebot/internal/models"
	"github.com/zerodte/straddlebot/internal/util"
)

// callTimeout bounds each individual broker API call.
const callTimeout = 10 * time.Second

// CompensationError reports that a leg could not be unwound after its sibling
// failed. The account may hold a live single leg; the position must not be
// retried automatically.
type CompensationError struct {
	Leg    models.LegType
	Reason string
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for %s leg (%s): %v", e.Leg, e.Reason, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// Coordinator places the two legs of a straddle against the broker.
type Coordinator struct {
	broker           broker.Broker
	logger           *log.Logger
	accountID        string
	tickSize         float64
	limitBuffer      float64
	closeLimitBuffer float64
}

// NewCoordinator creates an order coordinator.
func NewCoordinator(b broker.Broker, logger *log.Logger, accountID string, tickSize, limitBuffer, closeLimitBuffer float64) *Coordinator {
	if tickSize <= 0 {
		tickSize = 0.05
	}
	return &Coordinator{
		broker:           b,
		logger:           logger,
		accountID:        accountID,
		tickSize:         tickSize,
		limitBuffer:      limitBuffer,
		closeLimitBuffer: closeLimitBuffer,
	}
}

// OpenStraddle submits both entry legs concurrently as buy-to-open limit
// orders. On success each leg carries a broker order ID and is marked
// submitted. If one leg is accepted and the other fails, the accepted leg is
// unwound before returning; a *CompensationError means the unwind itself
// failed and the account may hold a live single leg.
func (c *Coordinator) OpenStraddle(ctx context.Context, pos *models.Position) error {
	if pos.EntryOrderTag == "" {
		pos.EntryOrderTag = GenerateOrderTag(pos, c.accountID)
	}

	for _, leg := range pos.Legs() {
		if leg.Quote <= 0 {
			return fmt.Errorf("missing quote for %s leg %s", leg.Type, leg.Symbol)
		}
		leg.LimitPrice = util.RoundToTick(leg.Quote+c.limitBuffer, c.tickSize)
	}

	// Both goroutines run to completion so every accepted leg records its
	// order ID even when the sibling fails.
	var g errgroup.Group
	for _, leg := range pos.Legs() {
		leg := leg
		g.Go(func() error {
			return c.submitEntryLeg(ctx, pos, leg)
		})
	}

	if err := g.Wait(); err != nil {
		acted, compErr := c.compensate(ctx, pos)
		if compErr != nil {
			metrics.Compensations.WithLabelValues(metrics.CompensationFailed).Inc()
			return compErr
		}
		if acted {
			metrics.Compensations.WithLabelValues(metrics.CompensationOK).Inc()
		}
		return fmt.Errorf("entry leg submission failed: %w", err)
	}
	return nil
}

func (c *Coordinator) submitEntryLeg(ctx context.Context, pos *models.Position, leg *models.Leg) error {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := c.broker.PlaceOptionOrderCtx(cctx, broker.OrderRequest{
		OptionSymbol: leg.Symbol,
		Side:         broker.SideBuyToOpen,
		Quantity:     pos.Quantity,
		Type:         broker.OrderTypeLimit,
		Price:        leg.LimitPrice,
		Duration:     "day",
		Tag:          LegTag(pos.EntryOrderTag, leg.Type),
	})
	if err != nil {
		leg.Status = models.OrderStatusRejected
		return fmt.Errorf("%s leg %s: %w", leg.Type, leg.Symbol, err)
	}

	leg.OrderID = resp.Order.ID
	leg.Status = models.OrderStatusSubmitted
	c.logger.Printf("Submitted %s leg %s: order %d, limit $%.2f", leg.Type, leg.Symbol, leg.OrderID, leg.LimitPrice)
	return nil
}

// compensate unwinds every leg that was accepted while its sibling failed.
// Returns whether any leg actually needed unwinding.
func (c *Coordinator) compensate(ctx context.Context, pos *models.Position) (bool, error) {
	acted := false
	for _, leg := range pos.Legs() {
		if leg.OrderID == 0 || leg.Status != models.OrderStatusSubmitted {
			continue
		}
		acted = true
		if err := c.unwindLeg(ctx, pos, leg); err != nil {
			return acted, &CompensationError{Leg: leg.Type, Reason: "entry unwind", Err: err}
		}
	}
	return acted, nil
}

// unwindLeg cancels a working entry order; any contracts that filled before
// the cancel landed are flattened with a market sell-to-close.
func (c *Coordinator) unwindLeg(ctx context.Context, pos *models.Position, leg *models.Leg) error {
	c.logger.Printf("Compensating %s leg %s: canceling order %d", leg.Type, leg.Symbol, leg.OrderID)

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	_, cancelErr := c.broker.CancelOrderCtx(cctx, leg.OrderID)
	cancel()

	sctx, scancel := context.WithTimeout(ctx, callTimeout)
	status, statusErr := c.broker.GetOrderStatusCtx(sctx, leg.OrderID)
	scancel()

	var filledQty float64
	if statusErr == nil && status != nil {
		filledQty = status.Order.ExecQuantity
	}

	if cancelErr != nil {
		// Cancel can race a fill; a terminal order needs no cancel.
		if statusErr != nil {
			return fmt.Errorf("cancel order %d failed (%v) and status lookup failed: %w", leg.OrderID, cancelErr, statusErr)
		}
		if !broker.IsTerminalOrderStatus(status.Order.Status) {
			return fmt.Errorf("order %d still working after failed cancel: %w", leg.OrderID, cancelErr)
		}
	}

	if filledQty > 0 {
		qty := int(math.Round(filledQty))
		c.logger.Printf("Order %d filled %d contracts before cancel, flattening %s leg at market", leg.OrderID, qty, leg.Type)

		fctx, fcancel := context.WithTimeout(ctx, callTimeout)
		_, err := c.broker.PlaceOptionOrderCtx(fctx, broker.OrderRequest{
			OptionSymbol: leg.Symbol,
			Side:         broker.SideSellToClose,
			Quantity:     qty,
			Type:         broker.OrderTypeMarket,
			Duration:     "day",
		})
		fcancel()
		if err != nil {
			return fmt.Errorf("flatten of %d filled contracts on %s failed: %w", qty, leg.Symbol, err)
		}
	}

	leg.Status = models.OrderStatusCanceled
	return nil
}

// CloseStraddle submits sell-to-close orders for both legs concurrently.
// Urgent closes (stop loss) go out as market orders; everything else uses a
// marketable limit just under the mid so the fill is near-immediate without
// crossing the whole spread. A plain error leaves the position retryable on
// the next monitor tick; a *CompensationError means a submitted close leg
// could not be canceled after its sibling failed.
func (c *Coordinator) CloseStraddle(ctx context.Context, pos *models.Position, urgent bool) error {
	// A retry after a partial close only touches legs that are not already
	// closed out or working.
	var pending []*models.Leg
	for _, leg := range pos.Legs() {
		if leg.ClosedOut() || leg.ExitOrderID != 0 {
			continue
		}
		pending = append(pending, leg)
	}
	if len(pending) == 0 {
		return nil
	}

	limits := make(map[models.LegType]float64, 2)
	if !urgent {
		symbols := make([]string, 0, len(pending))
		for _, leg := range pending {
			symbols = append(symbols, leg.Symbol)
		}

		qctx, qcancel := context.WithTimeout(ctx, callTimeout)
		quotes, err := c.broker.GetQuotesCtx(qctx, symbols)
		qcancel()
		if err != nil {
			return fmt.Errorf("close quotes: %w", err)
		}

		bySymbol := make(map[string]broker.QuoteItem, len(quotes))
		for _, q := range quotes {
			bySymbol[q.Symbol] = q
		}
		for _, leg := range pending {
			q, ok := bySymbol[leg.Symbol]
			if !ok || q.Mid() <= 0 {
				return fmt.Errorf("no close quote for %s leg %s", leg.Type, leg.Symbol)
			}
			px := util.FloorToTick(q.Mid()-c.closeLimitBuffer, c.tickSize)
			px = math.Max(px, util.RoundToTick(q.Bid, c.tickSize))
			px = math.Max(px, c.tickSize)
			limits[leg.Type] = px
		}
	}

	var g errgroup.Group
	for _, leg := range pending {
		leg := leg
		g.Go(func() error {
			return c.submitCloseLeg(ctx, pos, leg, urgent, limits[leg.Type])
		})
	}

	if err := g.Wait(); err != nil {
		acted, compErr := c.cancelSubmittedCloses(ctx, pos)
		if compErr != nil {
			metrics.Compensations.WithLabelValues(metrics.CompensationFailed).Inc()
			return compErr
		}
		if acted {
			metrics.Compensations.WithLabelValues(metrics.CompensationOK).Inc()
		}
		return fmt.Errorf("close leg submission failed: %w", err)
	}
	return nil
}

func (c *Coordinator) submitCloseLeg(ctx context.Context, pos *models.Position, leg *models.Leg, urgent bool, limit float64) error {
	req := broker.OrderRequest{
		OptionSymbol: leg.Symbol,
		Side:         broker.SideSellToClose,
		Quantity:     pos.Quantity,
		Type:         broker.OrderTypeLimit,
		Price:        limit,
		Duration:     "day",
	}
	if urgent {
		req.Type = broker.OrderTypeMarket
		req.Price = 0
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	resp, err := c.broker.PlaceOptionOrderCtx(cctx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("%s close leg %s: %w", leg.Type, leg.Symbol, err)
	}

	leg.ExitOrderID = resp.Order.ID
	if urgent {
		c.logger.Printf("Submitted %s close leg %s: order %d at market", leg.Type, leg.Symbol, leg.ExitOrderID)
	} else {
		c.logger.Printf("Submitted %s close leg %s: order %d, limit $%.2f", leg.Type, leg.Symbol, leg.ExitOrderID, limit)
	}
	return nil
}

// cancelSubmittedCloses backs out any close leg that made it to the broker
// when its sibling was rejected, so the next monitor tick retries from a
// clean slate. Returns whether any close order needed canceling.
func (c *Coordinator) cancelSubmittedCloses(ctx context.Context, pos *models.Position) (bool, error) {
	acted := false
	for _, leg := range pos.Legs() {
		if leg.ExitOrderID == 0 || leg.ClosedOut() {
			continue
		}
		acted = true

		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		_, err := c.broker.CancelOrderCtx(cctx, leg.ExitOrderID)
		cancel()
		if err != nil {
			return acted, &CompensationError{Leg: leg.Type, Reason: "close unwind", Err: err}
		}

		c.logger.Printf("Canceled %s close order %d after sibling leg failed", leg.Type, leg.ExitOrderID)
		leg.ExitOrderID = 0
	}
	return acted, nil
}
