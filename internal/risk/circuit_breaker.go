package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cross_arb/internal/alert"
	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/pkg/telemetry"
)

const breakerStateDoc = "circuit_breaker"

// breakerState is persisted as a JSON state document after every change, so a
// restart resumes an active pause instead of forgetting it.
type breakerState struct {
	IsPaused          bool            `json:"is_paused"`
	PauseUntil        time.Time       `json:"pause_until"`
	PauseReason       string          `json:"pause_reason"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	DailyPnl          decimal.Decimal `json:"daily_pnl"`
	DailyStartBalance decimal.Decimal `json:"daily_start_balance"`
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	Date              string          `json:"date"`
}

// CircuitBreaker pauses trading after loss streaks, daily loss limits, or
// account drawdown. One pause per RecordTrade call; the first matching rule
// wins.
type CircuitBreaker struct {
	cfg    config.BreakerConfig
	store  core.IStateStore
	alerts *alert.AlertManager
	logger core.ILogger

	mu    sync.Mutex
	state breakerState
}

// NewCircuitBreaker restores persisted breaker state when the store has one,
// otherwise anchors a fresh day at initialBalance. The store and alert
// manager may be nil.
func NewCircuitBreaker(cfg config.BreakerConfig, initialBalance decimal.Decimal, store core.IStateStore, alerts *alert.AlertManager, logger core.ILogger) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:    cfg,
		store:  store,
		alerts: alerts,
		logger: logger.WithField("component", "circuit_breaker"),
	}

	loaded := false
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var st breakerState
		if err := store.LoadStateDoc(ctx, breakerStateDoc, &st); err == nil {
			cb.state = st
			loaded = true
			cb.logger.Info("Restored circuit breaker state",
				"paused", st.IsPaused,
				"consecutive_losses", st.ConsecutiveLosses,
				"daily_pnl", st.DailyPnl.String(),
				"date", st.Date)
		}
	}
	if !loaded {
		cb.state = breakerState{
			DailyStartBalance: initialBalance,
			InitialBalance:    initialBalance,
			Date:              time.Now().UTC().Format("2006-01-02"),
		}
	}
	// First run against a pre-existing state doc written before funding.
	if cb.state.InitialBalance.IsZero() && initialBalance.IsPositive() {
		cb.state.InitialBalance = initialBalance
	}
	if cb.state.DailyStartBalance.IsZero() && initialBalance.IsPositive() {
		cb.state.DailyStartBalance = initialBalance
	}

	telemetry.GetGlobalMetrics().SetBreakerPaused("global", cb.state.IsPaused)
	return cb
}

// RecordTrade folds a completed trade into the breaker counters and trips the
// first matching rule.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal, balance decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.state.ConsecutiveLosses++
	} else if pnl.IsPositive() {
		cb.state.ConsecutiveLosses = 0
	}
	cb.state.DailyPnl = cb.state.DailyPnl.Add(pnl)

	if !cb.state.IsPaused {
		cb.checkRules(balance)
	}
	cb.persist()
}

// checkRules trips the first matching rule. Callers must hold cb.mu.
func (cb *CircuitBreaker) checkRules(balance decimal.Decimal) {
	if cb.state.ConsecutiveLosses >= cb.cfg.MaxConsecutiveLosses {
		cb.trip(fmt.Sprintf("%d consecutive losses", cb.state.ConsecutiveLosses),
			time.Duration(cb.cfg.LossPauseMin)*time.Minute)
		return
	}

	if cb.state.DailyPnl.IsNegative() && cb.state.DailyStartBalance.IsPositive() {
		lossPct := cb.state.DailyPnl.Abs().Div(cb.state.DailyStartBalance)
		if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(cb.cfg.MaxDailyLossPct)) {
			cb.trip(fmt.Sprintf("daily loss %s%% of start balance", lossPct.Mul(decimal.NewFromInt(100)).Round(2)),
				time.Duration(cb.cfg.DailyLossPauseMin)*time.Minute)
			return
		}
	}

	if cb.state.InitialBalance.IsPositive() {
		ratio := balance.Div(cb.state.InitialBalance)
		if ratio.LessThanOrEqual(decimal.NewFromFloat(cb.cfg.MinAccountBalancePct)) {
			cb.trip(fmt.Sprintf("balance at %s%% of initial", ratio.Mul(decimal.NewFromInt(100)).Round(2)),
				time.Duration(cb.cfg.BalancePauseMin)*time.Minute)
		}
	}
}

// trip pauses trading. Callers must hold cb.mu.
func (cb *CircuitBreaker) trip(reason string, duration time.Duration) {
	cb.state.IsPaused = true
	cb.state.PauseUntil = time.Now().Add(duration)
	cb.state.PauseReason = reason

	cb.logger.Warn("Circuit breaker tripped",
		"reason", reason,
		"pause_until", cb.state.PauseUntil.Format(time.RFC3339))
	telemetry.GetGlobalMetrics().SetBreakerPaused("global", true)

	if cb.alerts != nil {
		cb.alerts.Alert(context.Background(), "Circuit breaker tripped",
			fmt.Sprintf("Trading paused for %s: %s", duration, reason),
			alert.Critical, map[string]string{
				"consecutive_losses": fmt.Sprintf("%d", cb.state.ConsecutiveLosses),
				"daily_pnl":          cb.state.DailyPnl.String(),
				"pause_until":        cb.state.PauseUntil.Format(time.RFC3339),
			})
	}
}

// Allowed reports whether trading may proceed, auto-resuming once the pause
// window has elapsed.
func (cb *CircuitBreaker) Allowed(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.state.IsPaused {
		return true
	}
	if now.Before(cb.state.PauseUntil) {
		return false
	}

	cb.logger.Info("Circuit breaker pause elapsed, resuming", "reason", cb.state.PauseReason)
	cb.state.IsPaused = false
	cb.state.PauseReason = ""
	telemetry.GetGlobalMetrics().SetBreakerPaused("global", false)
	cb.persist()
	return true
}

// Trip manually pauses trading for the given duration.
func (cb *CircuitBreaker) Trip(reason string, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(reason, duration)
	cb.persist()
}

// Reset clears an active pause and the consecutive loss counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.IsPaused = false
	cb.state.PauseUntil = time.Time{}
	cb.state.PauseReason = ""
	cb.state.ConsecutiveLosses = 0

	telemetry.GetGlobalMetrics().SetBreakerPaused("global", false)
	cb.logger.Info("Circuit breaker reset manually")
	cb.persist()
}

// ResetDaily zeros the daily counters and re-anchors the day's start balance.
// The engine calls this on date change.
func (cb *CircuitBreaker) ResetDaily(balance decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.DailyPnl = decimal.Zero
	cb.state.DailyStartBalance = balance
	cb.state.Date = time.Now().UTC().Format("2006-01-02")

	cb.logger.Info("Daily breaker counters reset",
		"date", cb.state.Date,
		"start_balance", balance.String())
	cb.persist()
}

// Status returns a copy of the breaker's current state.
func (cb *CircuitBreaker) Status() core.BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return core.BreakerStatus{
		Paused:            cb.state.IsPaused,
		PauseUntil:        cb.state.PauseUntil,
		PauseReason:       cb.state.PauseReason,
		ConsecutiveLosses: cb.state.ConsecutiveLosses,
		DailyPnl:          cb.state.DailyPnl,
	}
}

// persist writes the state document. Callers must hold cb.mu. A write failure
// is logged and ignored; the in-memory state stays authoritative.
func (cb *CircuitBreaker) persist() {
	if cb.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cb.store.SaveStateDoc(ctx, breakerStateDoc, cb.state); err != nil {
		cb.logger.Error("Failed to persist circuit breaker state", "error", err)
	}
}

var _ core.ICircuitBreaker = (*CircuitBreaker)(nil)
