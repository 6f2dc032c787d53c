// Package durable runs the two-leg trade as a DBOS workflow. Each leg and
// the unwind are checkpointed steps, so a crash between legs resumes the
// trade instead of orphaning the buy.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cross_arb/internal/core"
	"cross_arb/internal/trading/execution"
	"cross_arb/pkg/telemetry"
)

// TradeRequest is the serializable workflow input.
type TradeRequest struct {
	TradeID     string
	Opportunity *core.Opportunity
	Amount      decimal.Decimal
}

// TradeWorkflows defines the durable trade workflows.
type TradeWorkflows struct {
	coord  *execution.Coordinator
	store  execution.TradeStore
	atomic bool
	logger core.ILogger
}

func NewTradeWorkflows(coord *execution.Coordinator, store execution.TradeStore, atomic bool, logger core.ILogger) *TradeWorkflows {
	return &TradeWorkflows{
		coord:  coord,
		store:  store,
		atomic: atomic,
		logger: logger.WithField("component", "durable_workflow"),
	}
}

// ExecuteTrade is the durable two-leg workflow. The legs, the sell-venue
// ticker read, and the unwind each run as a step. A failed trade is still a
// completed workflow; only machinery errors surface as workflow errors.
func (w *TradeWorkflows) ExecuteTrade(ctx dbos.DBOSContext, input any) (any, error) {
	req, ok := input.(*TradeRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected workflow input %T", input)
	}
	opp := req.Opportunity

	start := time.Now()
	trade := &core.Trade{
		ID:          req.TradeID,
		BuyVenue:    opp.BuyVenue,
		SellVenue:   opp.SellVenue,
		Symbol:      opp.Symbol,
		Amount:      req.Amount,
		Status:      core.TradePending,
		BuyPrice:    opp.BuyPrice,
		SellPrice:   opp.SellPrice,
		ExpectedPnl: opp.NetProfit,
		CreatedAt:   start,
	}
	w.saveTrade(trade)

	buyStep := execution.BuyStep(opp, trade.ID, req.Amount)

	trade.Status = core.TradeExecutingBuy
	w.saveTrade(trade)

	legStart := time.Now()
	buyRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.coord.RunLeg(stepCtx, buyStep.Venue, buyStep.Request)
	})
	trade.BuyExecTime = time.Since(legStart).Milliseconds()
	if err != nil {
		trade.Status = core.TradeFailed
		trade.FailureReason = fmt.Sprintf("buy leg on %s: %v", opp.BuyVenue, err)
		w.finalize(trade, start)
		return trade, nil
	}
	buyFill := buyRaw.(*core.OrderResult)
	trade.BuyOrderID = buyFill.OrderID
	trade.BuyPrice = buyFill.AvgPrice
	boughtAt := time.Now()
	trade.BuyExecutedAt = &boughtAt

	trade.Status = core.TradeExecutingSell
	w.saveTrade(trade)

	// Checkpointed so a resumed run sizes the sell off the same ask.
	askRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.coord.FreshAsk(stepCtx, opp.SellVenue, opp.Symbol)
	})
	if err != nil {
		w.unwind(ctx, trade, buyStep, buyFill, fmt.Errorf("sell venue ticker on %s: %w", opp.SellVenue, err))
		w.finalize(trade, start)
		return trade, nil
	}
	sellStep := execution.SellStep(opp, trade.ID, req.Amount, askRaw.(decimal.Decimal))

	legStart = time.Now()
	sellRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.coord.RunLeg(stepCtx, sellStep.Venue, sellStep.Request)
	})
	trade.SellExecTime = time.Since(legStart).Milliseconds()
	if err != nil {
		w.unwind(ctx, trade, buyStep, buyFill, fmt.Errorf("sell leg on %s: %w", opp.SellVenue, err))
		w.finalize(trade, start)
		return trade, nil
	}
	sellFill := sellRaw.(*core.OrderResult)
	trade.SellOrderID = sellFill.OrderID
	trade.SellPrice = sellFill.AvgPrice
	soldAt := time.Now()
	trade.SellExecutedAt = &soldAt

	pnl := execution.RealizedPnl(buyFill, sellFill)
	trade.ActualPnl = &pnl
	trade.Status = core.TradeCompleted
	w.logger.Info("Durable trade completed",
		"trade_id", trade.ID, "symbol", trade.Symbol, "actual_pnl", pnl.String())
	w.finalize(trade, start)
	return trade, nil
}

// unwind compensates the buy leg as its own step; its outcome never changes
// the terminal status.
func (w *TradeWorkflows) unwind(ctx dbos.DBOSContext, trade *core.Trade, buyStep execution.Step, buyFill *core.OrderResult, cause error) {
	trade.FailureReason = cause.Error()
	w.logger.Error("Sell leg failed", "trade_id", trade.ID, "error", cause)

	if !w.atomic {
		trade.Status = core.TradeFailed
		w.logger.Warn("Atomic execution disabled, buy position left open",
			"trade_id", trade.ID, "venue", trade.BuyVenue, "qty", buyFill.ExecutedQty.String())
		return
	}

	trade.Status = core.TradeRollingBack
	w.saveTrade(trade)

	_, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.coord.CompensateStep(stepCtx, buyStep, buyFill)
	})
	trade.Status = core.TradeFailed
	if err != nil {
		w.logger.Error("CRITICAL: Failed to unwind buy leg, manual intervention required",
			"trade_id", trade.ID, "venue", trade.BuyVenue,
			"qty", buyFill.ExecutedQty.String(), "error", err)
	}
}

func (w *TradeWorkflows) finalize(trade *core.Trade, start time.Time) {
	trade.TotalExecTime = time.Since(start).Milliseconds()
	done := time.Now()
	trade.CompletedAt = &done
	w.saveTrade(trade)

	m := telemetry.GetGlobalMetrics()
	m.TradesTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", string(trade.Status))))
	if trade.ActualPnl != nil {
		m.TradePnLTotal.Add(context.Background(), trade.ActualPnl.InexactFloat64(),
			metric.WithAttributes(attribute.String("symbol", trade.Symbol)))
	}
}

func (w *TradeWorkflows) saveTrade(trade *core.Trade) {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.SaveTrade(ctx, trade); err != nil {
		w.logger.Error("Failed to persist trade state",
			"trade_id", trade.ID, "status", string(trade.Status), "error", err)
	}
}
