// Package arbengine owns the scan loop: poll the spread monitor, detect and
// rank opportunities, gate the best one, and hand it to the executor.
package arbengine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/trading/arbitrage"
	"cross_arb/internal/trading/monitor"
	"cross_arb/internal/trading/position"
)

// Engine coordinates one symbol's arbitrage trading across the registry's
// venues.
type Engine struct {
	registry core.IVenueRegistry
	monitor  *monitor.SpreadMonitor
	detector *arbitrage.Detector
	gate     core.IRiskGate
	ledger   *position.Ledger
	executor core.ITradeExecutor
	breaker  core.ICircuitBreaker
	logger   core.ILogger

	symbol       string
	amount       decimal.Decimal
	scanInterval time.Duration

	// Lifecycle
	isRunning int32 // atomic bool
	paused    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Counters
	rounds        atomic.Int64
	opportunities atomic.Int64
	trades        atomic.Int64
	wins          atomic.Int64
	losses        atomic.Int64
	lastScan      atomic.Value // time.Time

	balanceMu   sync.Mutex
	lastBalance decimal.Decimal
}

// Status is a copy of the engine's control state and counters.
type Status struct {
	Running       bool
	Paused        bool
	BreakerPaused bool
	LastScan      time.Time
	Rounds        int64
	Opportunities int64
	Trades        int64
	Wins          int64
	Losses        int64
}

func NewEngine(
	registry core.IVenueRegistry,
	spreadMonitor *monitor.SpreadMonitor,
	detector *arbitrage.Detector,
	gate core.IRiskGate,
	ledger *position.Ledger,
	executor core.ITradeExecutor,
	breaker core.ICircuitBreaker,
	cfg *config.Config,
	logger core.ILogger,
) *Engine {
	scanInterval := time.Duration(cfg.Arbitrage.ScanInterval) * time.Second
	if scanInterval <= 0 {
		scanInterval = 2 * time.Second
	}

	e := &Engine{
		registry:     registry,
		monitor:      spreadMonitor,
		detector:     detector,
		gate:         gate,
		ledger:       ledger,
		executor:     executor,
		breaker:      breaker,
		logger:       logger.WithField("component", "arbitrage_engine"),
		symbol:       cfg.Arbitrage.Symbol,
		amount:       decimal.NewFromFloat(cfg.Arbitrage.PositionSize),
		scanInterval: scanInterval,
	}
	e.lastScan.Store(time.Time{})
	return e
}

// Start begins the spread monitor and the scan loop.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.isRunning, 0, 1) {
		return fmt.Errorf("arbitrage engine is already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.monitor.Start(e.ctx); err != nil {
		atomic.StoreInt32(&e.isRunning, 0)
		return fmt.Errorf("start spread monitor: %w", err)
	}

	e.logger.Info("Starting arbitrage engine",
		"symbol", e.symbol, "amount", e.amount.String(), "scan_interval", e.scanInterval.String())
	e.wg.Add(1)
	go e.scanLoop()

	return nil
}

// Stop cancels the loop, stops the monitor, and logs the final inventory.
// Safe to call more than once.
func (e *Engine) Stop() error {
	if !atomic.CompareAndSwapInt32(&e.isRunning, 1, 0) {
		return nil
	}

	e.logger.Info("Stopping arbitrage engine")
	e.cancel()

	if err := e.monitor.Stop(); err != nil {
		e.logger.Warn("Spread monitor stop failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Scan loop stop timed out")
	}

	for venueName, symbols := range e.ledger.Snapshot() {
		for sym, qty := range symbols {
			e.logger.Info("Final inventory", "venue", venueName, "symbol", sym, "qty", qty.String())
		}
	}
	e.logger.Info("Arbitrage engine stopped",
		"rounds", e.rounds.Load(), "trades", e.trades.Load(),
		"wins", e.wins.Load(), "losses", e.losses.Load())
	return nil
}

// Pause suspends trading without stopping the monitor; scan rounds keep
// ticking and skip.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.logger.Info("Trading paused")
}

func (e *Engine) Resume() {
	e.paused.Store(false)
	e.logger.Info("Trading resumed")
}

func (e *Engine) Status() Status {
	lastScan, _ := e.lastScan.Load().(time.Time)
	return Status{
		Running:       atomic.LoadInt32(&e.isRunning) == 1,
		Paused:        e.paused.Load(),
		BreakerPaused: e.breaker.Status().Paused,
		LastScan:      lastScan,
		Rounds:        e.rounds.Load(),
		Opportunities: e.opportunities.Load(),
		Trades:        e.trades.Load(),
		Wins:          e.wins.Load(),
		Losses:        e.losses.Load(),
	}
}

func (e *Engine) scanLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runRound(e.ctx)
		}
	}
}

// runRound performs one scan. No panic escapes: the loop logs with stack
// and resumes at the next tick.
func (e *Engine) runRound(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic in scan round",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	e.rounds.Add(1)
	e.lastScan.Store(time.Now())

	if e.paused.Load() {
		return
	}
	if !e.breaker.Allowed(time.Now()) {
		e.logger.Debug("Circuit breaker pause active, skipping round")
		return
	}

	spreads := e.monitor.Latest()
	if len(spreads) == 0 {
		return
	}
	e.markPrices(spreads)

	opps := e.detector.Detect(ctx, spreads, e.amount)
	e.opportunities.Add(int64(len(opps)))
	if len(opps) == 0 {
		return
	}

	top := opps[0]
	if err := e.gate.Check(ctx, &top, e.amount); err != nil {
		e.logger.Debug("Top opportunity rejected", "error", err)
		return
	}

	e.executeOpportunity(ctx, &top)
}

func (e *Engine) executeOpportunity(ctx context.Context, opp *core.Opportunity) {
	e.gate.RecordTradeStart(opp, e.amount)
	success := false
	// The release must run on the FAILED branch too.
	defer func() { e.gate.RecordTradeComplete(opp, e.amount, success) }()

	trade := e.executor.Execute(ctx, opp, e.amount)
	e.trades.Add(1)

	if trade.Status != core.TradeCompleted {
		e.losses.Add(1)
		e.logger.Warn("Trade did not complete",
			"trade_id", trade.ID, "status", string(trade.Status), "reason", trade.FailureReason)
		return
	}
	success = true

	e.applyFills(trade)

	pnl := decimal.Zero
	if trade.ActualPnl != nil {
		pnl = *trade.ActualPnl
	}
	if pnl.IsPositive() {
		e.wins.Add(1)
	} else if pnl.IsNegative() {
		e.losses.Add(1)
	}

	if balance, ok := e.totalBalance(ctx); ok {
		e.breaker.RecordTrade(pnl, balance)
	}
}

// applyFills books both legs. Executed quantity is notional over average
// fill price; partial fills surface later as reconciler drift.
func (e *Engine) applyFills(trade *core.Trade) {
	if trade.BuyPrice.IsPositive() {
		buyQty := trade.Amount.Div(trade.BuyPrice)
		e.ledger.ApplyFill(trade.BuyVenue, trade.Symbol, core.OrderSideBuy, buyQty, trade.ID)
	}
	if trade.SellPrice.IsPositive() {
		sellQty := trade.Amount.Div(trade.SellPrice)
		e.ledger.ApplyFill(trade.SellVenue, trade.Symbol, core.OrderSideSell, sellQty, trade.ID)
	}
}

// markPrices feeds the ledger's exposure valuation from the freshest round.
func (e *Engine) markPrices(spreads []core.SpreadEntry) {
	mid := spreads[0].BuyAsk.Add(spreads[0].SellBid).Div(decimal.NewFromInt(2))
	e.ledger.MarkPrice(e.symbol, mid)
}

// totalBalance sums quote balances across all venues. A fetch failure falls
// back to the last known total; a missing balance must not look like a
// drawdown to the breaker.
func (e *Engine) totalBalance(ctx context.Context) (decimal.Decimal, bool) {
	total := decimal.Zero
	fetched := false
	for _, v := range e.registry.All(ctx) {
		balance, err := v.GetBalance(ctx)
		if err != nil {
			e.logger.Warn("Balance fetch failed", "venue", v.GetName(), "error", err)
			continue
		}
		total = total.Add(balance)
		fetched = true
	}

	e.balanceMu.Lock()
	defer e.balanceMu.Unlock()
	if fetched {
		e.lastBalance = total
		return total, true
	}
	if e.lastBalance.IsPositive() {
		return e.lastBalance, true
	}
	e.logger.Warn("No venue balance available, skipping breaker update")
	return decimal.Zero, false
}
