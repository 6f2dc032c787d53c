// Package execution drives the two-legged arbitrage state machine: buy on
// one venue, sell on another, unwind the buy when the sell cannot complete.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cross_arb/internal/alert"
	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/venue"
	apperrors "cross_arb/pkg/errors"
	"cross_arb/pkg/telemetry"
)

// fallbackFeeRate estimates a leg fee when the venue reports none.
var fallbackFeeRate = decimal.NewFromFloat(0.0006)

// Step is one leg of a trade and the order that unwinds it. The durable
// workflow replays the same steps, so everything a step needs is carried in
// the request rather than captured in closures.
type Step struct {
	Venue      string
	Request    *core.OrderRequest
	Compensate *core.OrderRequest
}

// TradeStore persists trade state transitions.
type TradeStore interface {
	SaveTrade(ctx context.Context, t *core.Trade) error
}

// Coordinator executes an opportunity as an ordered buy leg then sell leg.
// Each leg is a market order polled to a fill; a sell-leg failure triggers
// compensation on the buy venue when atomic execution is enabled.
type Coordinator struct {
	registry *venue.Registry
	store    TradeStore
	alerts   *alert.AlertManager
	logger   core.ILogger

	atomic       bool
	pollInterval time.Duration
	legTimeout   time.Duration
	totalTimeout time.Duration
}

var _ core.ITradeExecutor = (*Coordinator)(nil)

func NewCoordinator(registry *venue.Registry, cfg *config.Config, store TradeStore, alerts *alert.AlertManager, logger core.ILogger) *Coordinator {
	c := &Coordinator{
		registry:     registry,
		store:        store,
		alerts:       alerts,
		logger:       logger.WithField("component", "execution_coordinator"),
		atomic:       cfg.Execution.AtomicEnabled,
		pollInterval: time.Duration(cfg.Execution.PollInterval) * time.Millisecond,
		legTimeout:   time.Duration(cfg.Execution.MaxTimePerLeg) * time.Second,
		totalTimeout: time.Duration(cfg.Execution.MaxTotalTime) * time.Second,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 500 * time.Millisecond
	}
	if c.legTimeout <= 0 {
		c.legTimeout = 10 * time.Second
	}
	if c.totalTimeout <= 0 {
		c.totalTimeout = 30 * time.Second
	}
	return c
}

// BuyStep builds the opening leg for an opportunity, sized in base units at
// the detected ask, with its compensating sell.
func BuyStep(opp *core.Opportunity, tradeID string, amount decimal.Decimal) Step {
	qty := amount.Div(opp.BuyPrice)
	return Step{
		Venue: opp.BuyVenue,
		Request: &core.OrderRequest{
			Symbol:        opp.Symbol,
			Side:          core.OrderSideBuy,
			Type:          core.OrderTypeMarket,
			Quantity:      qty,
			ClientOrderID: tradeID + "-buy",
		},
		Compensate: &core.OrderRequest{
			Symbol:        opp.Symbol,
			Side:          core.OrderSideSell,
			Type:          core.OrderTypeMarket,
			Quantity:      qty,
			ClientOrderID: tradeID + "-rollback",
			ReduceOnly:    true,
		},
	}
}

// SellStep builds the closing leg sized at the sell venue's current ask.
// There is no compensation: once the sell fills the trade is complete.
func SellStep(opp *core.Opportunity, tradeID string, amount, ask decimal.Decimal) Step {
	return Step{
		Venue: opp.SellVenue,
		Request: &core.OrderRequest{
			Symbol:        opp.Symbol,
			Side:          core.OrderSideSell,
			Type:          core.OrderTypeMarket,
			Quantity:      amount.Div(ask),
			ClientOrderID: tradeID + "-sell",
		},
	}
}

// Execute runs the full state machine for one opportunity and always returns
// the trade in a terminal state. The run is bounded by the total execution
// deadline; persistence happens on every transition.
func (c *Coordinator) Execute(ctx context.Context, opp *core.Opportunity, amount decimal.Decimal) *core.Trade {
	start := time.Now()
	trade := &core.Trade{
		ID:          uuid.NewString(),
		BuyVenue:    opp.BuyVenue,
		SellVenue:   opp.SellVenue,
		Symbol:      opp.Symbol,
		Amount:      amount,
		Status:      core.TradePending,
		BuyPrice:    opp.BuyPrice,
		SellPrice:   opp.SellPrice,
		ExpectedPnl: opp.NetProfit,
		CreatedAt:   start,
	}
	c.saveTrade(trade)

	runCtx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	c.runLegs(runCtx, trade, opp, amount)

	trade.TotalExecTime = time.Since(start).Milliseconds()
	done := time.Now()
	trade.CompletedAt = &done
	c.saveTrade(trade)

	m := telemetry.GetGlobalMetrics()
	m.TradesTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", string(trade.Status))))
	if trade.ActualPnl != nil {
		m.TradePnLTotal.Add(context.Background(), trade.ActualPnl.InexactFloat64(),
			metric.WithAttributes(attribute.String("symbol", trade.Symbol)))
	}
	return trade
}

// runLegs performs the buy and sell legs. A panic in either leg is recovered
// here: if the buy had filled it counts as a sell-leg failure so the unwind
// still runs, otherwise the trade fails on the buy leg.
func (c *Coordinator) runLegs(ctx context.Context, trade *core.Trade, opp *core.Opportunity, amount decimal.Decimal) {
	var buyFill *core.OrderResult
	buyStep := BuyStep(opp, trade.ID, amount)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered panic during trade execution", "trade_id", trade.ID, "panic", r)
			if buyFill.Filled() {
				c.failSellLeg(trade, buyStep, buyFill, fmt.Errorf("panic during sell leg: %v", r))
			} else {
				c.failTrade(trade, fmt.Errorf("panic during buy leg: %v", r))
			}
		}
	}()

	trade.Status = core.TradeExecutingBuy
	c.saveTrade(trade)

	legStart := time.Now()
	fill, err := c.RunLeg(ctx, buyStep.Venue, buyStep.Request)
	trade.BuyExecTime = time.Since(legStart).Milliseconds()
	recordLegLatency(opp.BuyVenue, "buy", trade.BuyExecTime)
	if fill != nil {
		trade.BuyOrderID = fill.OrderID
	}
	if err != nil {
		c.failTrade(trade, fmt.Errorf("buy leg on %s: %w", opp.BuyVenue, err))
		return
	}
	buyFill = fill
	trade.BuyPrice = fill.AvgPrice
	boughtAt := time.Now()
	trade.BuyExecutedAt = &boughtAt
	c.logger.Info("Buy leg filled",
		"trade_id", trade.ID, "venue", opp.BuyVenue,
		"qty", fill.ExecutedQty.String(), "price", fill.AvgPrice.String())

	trade.Status = core.TradeExecutingSell
	c.saveTrade(trade)

	// The book may have moved since detection; size the sell off the venue's
	// current ask, not the snapshot in the opportunity.
	ask, err := c.FreshAsk(ctx, opp.SellVenue, opp.Symbol)
	if err != nil {
		c.failSellLeg(trade, buyStep, buyFill, fmt.Errorf("sell venue ticker on %s: %w", opp.SellVenue, err))
		return
	}
	sellStep := SellStep(opp, trade.ID, amount, ask)

	legStart = time.Now()
	sellFill, err := c.RunLeg(ctx, sellStep.Venue, sellStep.Request)
	trade.SellExecTime = time.Since(legStart).Milliseconds()
	recordLegLatency(opp.SellVenue, "sell", trade.SellExecTime)
	if sellFill != nil {
		trade.SellOrderID = sellFill.OrderID
	}
	if err != nil {
		c.failSellLeg(trade, buyStep, buyFill, fmt.Errorf("sell leg on %s: %w", opp.SellVenue, err))
		return
	}
	trade.SellPrice = sellFill.AvgPrice
	soldAt := time.Now()
	trade.SellExecutedAt = &soldAt

	pnl := RealizedPnl(buyFill, sellFill)
	trade.ActualPnl = &pnl
	trade.Status = core.TradeCompleted
	c.logger.Info("Trade completed",
		"trade_id", trade.ID, "symbol", trade.Symbol,
		"expected_pnl", trade.ExpectedPnl.String(), "actual_pnl", pnl.String())
}

// RunLeg places a market order on the named venue and polls it to a fill.
// A partial fill is accepted; CANCELED, REJECTED, a query error, or the
// per-leg deadline fail the leg.
func (c *Coordinator) RunLeg(ctx context.Context, venueName string, req *core.OrderRequest) (*core.OrderResult, error) {
	v, err := c.registry.Get(ctx, venueName)
	if err != nil {
		return nil, err
	}

	legCtx, cancel := context.WithTimeout(ctx, c.legTimeout)
	defer cancel()

	placed, err := v.PlaceOrder(legCtx, req)
	if err != nil {
		return nil, err
	}
	if placed.Filled() {
		return placed, nil
	}
	if terminal(placed.Status) {
		return placed, fmt.Errorf("order %s %s on placement", placed.OrderID, placed.Status)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-legCtx.Done():
			return placed, fmt.Errorf("order %s unfilled: %w", placed.OrderID, apperrors.ErrTimeout)
		case <-ticker.C:
		}

		res, err := v.GetOrderStatus(legCtx, req.Symbol, placed.OrderID)
		if err != nil {
			return placed, fmt.Errorf("order %s status query: %w", placed.OrderID, err)
		}
		if res.Filled() {
			return res, nil
		}
		if terminal(res.Status) {
			return res, fmt.Errorf("order %s ended %s with no fill", res.OrderID, res.Status)
		}
	}
}

// FreshAsk returns the venue's current ask for the symbol.
func (c *Coordinator) FreshAsk(ctx context.Context, venueName, symbol string) (decimal.Decimal, error) {
	v, err := c.registry.Get(ctx, venueName)
	if err != nil {
		return decimal.Zero, err
	}
	t, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !t.Ask.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive ask %s on %s", apperrors.ErrValidation, t.Ask, venueName)
	}
	return t.Ask, nil
}

// CompensateStep unwinds an executed step, adjusting the compensation
// quantity to what actually filled. A step with nothing filled needs no
// compensation and returns nil.
func (c *Coordinator) CompensateStep(ctx context.Context, step Step, executed *core.OrderResult) (*core.OrderResult, error) {
	if step.Compensate == nil {
		return nil, nil
	}
	// The fill record is authoritative when present: unwind exactly what
	// executed, nothing when nothing did.
	qty := step.Compensate.Quantity
	if executed != nil {
		qty = executed.ExecutedQty
	}
	if qty.IsZero() {
		return nil, nil
	}

	v, err := c.registry.Get(ctx, step.Venue)
	if err != nil {
		return nil, err
	}
	req := *step.Compensate
	req.Quantity = qty
	return v.PlaceOrder(ctx, &req)
}

// failSellLeg marks the trade failed after the buy leg had already filled.
// With atomic execution the buy is unwound first; the rollback outcome is
// logged and alerted but never changes the terminal status and is not
// retried.
func (c *Coordinator) failSellLeg(trade *core.Trade, buyStep Step, buyFill *core.OrderResult, cause error) {
	trade.FailureReason = cause.Error()
	c.logger.Error("Sell leg failed", "trade_id", trade.ID, "error", cause)

	if !c.atomic {
		trade.Status = core.TradeFailed
		c.logger.Warn("Atomic execution disabled, buy position left open",
			"trade_id", trade.ID, "venue", trade.BuyVenue, "qty", buyFill.ExecutedQty.String())
		c.sendAlert(alert.Error, "Sell leg failed without rollback",
			fmt.Sprintf("Trade %s holds an open %s position on %s", trade.ID, trade.Symbol, trade.BuyVenue),
			map[string]string{"qty": buyFill.ExecutedQty.String(), "reason": trade.FailureReason})
		return
	}

	trade.Status = core.TradeRollingBack
	c.saveTrade(trade)

	// The total deadline may already be spent; the unwind gets its own window.
	rbCtx, cancel := context.WithTimeout(context.Background(), c.legTimeout)
	defer cancel()

	res, err := c.CompensateStep(rbCtx, buyStep, buyFill)
	trade.Status = core.TradeFailed
	switch {
	case err != nil:
		c.logger.Error("CRITICAL: Rollback failed, manual intervention required",
			"trade_id", trade.ID, "venue", trade.BuyVenue,
			"qty", buyFill.ExecutedQty.String(), "error", err)
		c.sendAlert(alert.Critical, "Trade rollback failed",
			fmt.Sprintf("Trade %s could not unwind its buy leg on %s", trade.ID, trade.BuyVenue),
			map[string]string{"qty": buyFill.ExecutedQty.String(), "error": err.Error()})
	case res != nil:
		c.logger.Warn("Buy leg unwound",
			"trade_id", trade.ID, "venue", trade.BuyVenue,
			"qty", res.ExecutedQty.String(), "price", res.AvgPrice.String())
	}
}

func (c *Coordinator) failTrade(trade *core.Trade, cause error) {
	trade.Status = core.TradeFailed
	trade.FailureReason = cause.Error()
	c.logger.Error("Trade failed", "trade_id", trade.ID, "reason", trade.FailureReason)
}

// saveTrade persists the current trade state. The run context may be past
// its deadline at terminal transitions, so persistence gets its own bound;
// on error the in-memory state stands.
func (c *Coordinator) saveTrade(trade *core.Trade) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveTrade(ctx, trade); err != nil {
		c.logger.Error("Failed to persist trade state",
			"trade_id", trade.ID, "status", string(trade.Status), "error", err)
	}
}

func (c *Coordinator) sendAlert(level alert.AlertLevel, title, message string, fields map[string]string) {
	if c.alerts == nil {
		return
	}
	c.alerts.Alert(context.Background(), title, message, level, fields)
}

func terminal(s core.OrderStatus) bool {
	return s == core.OrderStatusCanceled || s == core.OrderStatusRejected
}

// RealizedPnl computes sell revenue minus buy cost minus both leg fees from
// venue-reported fills.
func RealizedPnl(buyFill, sellFill *core.OrderResult) decimal.Decimal {
	buyCost := buyFill.ExecutedQty.Mul(buyFill.AvgPrice)
	sellRevenue := sellFill.ExecutedQty.Mul(sellFill.AvgPrice)
	return sellRevenue.Sub(buyCost).Sub(legFee(buyFill)).Sub(legFee(sellFill))
}

// legFee is the venue-reported fee, estimated at 6bp of leg notional when
// the venue reports none.
func legFee(fill *core.OrderResult) decimal.Decimal {
	if fill.Fee.IsPositive() {
		return fill.Fee
	}
	return fill.ExecutedQty.Mul(fill.AvgPrice).Mul(fallbackFeeRate)
}

func recordLegLatency(venueName, side string, ms int64) {
	telemetry.GetGlobalMetrics().LegLatency.Record(context.Background(), float64(ms),
		metric.WithAttributes(attribute.String("venue", venueName), attribute.String("side", side)))
}
