package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/trading/execution"
)

// DurableCoordinator satisfies the trade executor contract by dispatching
// each trade to the DBOS runtime and waiting for the workflow result.
type DurableCoordinator struct {
	dbosCtx   dbos.DBOSContext
	workflows *TradeWorkflows
	logger    core.ILogger
}

var _ core.ITradeExecutor = (*DurableCoordinator)(nil)

func NewDurableCoordinator(dbosCtx dbos.DBOSContext, coord *execution.Coordinator, store execution.TradeStore, cfg *config.Config, logger core.ILogger) *DurableCoordinator {
	return &DurableCoordinator{
		dbosCtx:   dbosCtx,
		workflows: NewTradeWorkflows(coord, store, cfg.Execution.AtomicEnabled, logger),
		logger:    logger.WithField("component", "durable_coordinator"),
	}
}

// Workflows exposes the workflow set for registration with the runtime.
func (d *DurableCoordinator) Workflows() *TradeWorkflows {
	return d.workflows
}

// Start launches the DBOS runtime.
func (d *DurableCoordinator) Start(ctx context.Context) error {
	d.logger.Info("Starting durable execution runtime")
	return d.dbosCtx.Launch()
}

func (d *DurableCoordinator) Stop() error {
	d.logger.Info("Stopping durable execution runtime")
	d.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// Execute runs one trade as a workflow. The workflow returns a terminal
// trade for business failures; only runtime errors reach the error path
// here, and those still yield a FAILED trade so callers always get a
// terminal record.
func (d *DurableCoordinator) Execute(ctx context.Context, opp *core.Opportunity, amount decimal.Decimal) *core.Trade {
	req := &TradeRequest{TradeID: uuid.NewString(), Opportunity: opp, Amount: amount}

	handle, err := d.dbosCtx.RunWorkflow(d.dbosCtx, d.workflows.ExecuteTrade, req)
	if err != nil {
		return d.failedTrade(req, fmt.Errorf("start trade workflow: %w", err))
	}
	resultRaw, err := handle.GetResult()
	if err != nil {
		return d.failedTrade(req, fmt.Errorf("trade workflow: %w", err))
	}
	trade, ok := resultRaw.(*core.Trade)
	if !ok {
		return d.failedTrade(req, fmt.Errorf("unexpected workflow result %T", resultRaw))
	}
	return trade
}

func (d *DurableCoordinator) failedTrade(req *TradeRequest, cause error) *core.Trade {
	d.logger.Error("Durable trade did not run", "trade_id", req.TradeID, "error", cause)
	now := time.Now()
	trade := &core.Trade{
		ID:            req.TradeID,
		BuyVenue:      req.Opportunity.BuyVenue,
		SellVenue:     req.Opportunity.SellVenue,
		Symbol:        req.Opportunity.Symbol,
		Amount:        req.Amount,
		Status:        core.TradeFailed,
		FailureReason: cause.Error(),
		CreatedAt:     now,
		CompletedAt:   &now,
	}
	d.workflows.saveTrade(trade)
	return trade
}
