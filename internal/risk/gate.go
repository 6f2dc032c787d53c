// Package risk provides pre-trade admission checks and loss-based trading pauses
package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	apperrors "cross_arb/pkg/errors"
	"cross_arb/pkg/telemetry"
)

// Gate admits arbitrage executions. Checks run in a fixed order and the first
// failure rejects; a rejection is a precondition, not a fault.
type Gate struct {
	registry core.IVenueRegistry
	health   core.IHealthMonitor
	cfg      *config.Config
	logger   core.ILogger

	mu          sync.Mutex
	exposure    map[string]decimal.Decimal
	openCount   map[string]int
	lastTradeAt time.Time
	hourMark    time.Time
	hourCount   int
	dayMark     string
	dayCount    int
}

// NewGate creates a risk gate. The health monitor may be nil, in which case
// only connectivity is checked for venue health.
func NewGate(registry core.IVenueRegistry, health core.IHealthMonitor, cfg *config.Config, logger core.ILogger) *Gate {
	return &Gate{
		registry:  registry,
		health:    health,
		cfg:       cfg,
		logger:    logger.WithField("component", "risk_gate"),
		exposure:  make(map[string]decimal.Decimal),
		openCount: make(map[string]int),
	}
}

// Check runs the admission checks in order and rejects on the first failure.
func (g *Gate) Check(ctx context.Context, opp *core.Opportunity, amount decimal.Decimal) error {
	if opp == nil {
		return fmt.Errorf("%w: nil opportunity", apperrors.ErrPrecondition)
	}

	checks := []struct {
		name string
		fn   func(context.Context, *core.Opportunity, decimal.Decimal) string
	}{
		{"position_caps", g.checkPositionCaps},
		{"rate_limits", g.checkRateLimits},
		{"profitability", g.checkProfitability},
		{"depth", g.checkDepth},
		{"venue_health", g.checkVenueHealth},
		{"balance", g.checkBalance},
	}

	for _, c := range checks {
		reason := c.fn(ctx, opp, amount)
		if reason == "" {
			continue
		}
		g.logger.Info("Arbitrage rejected",
			"check", c.name,
			"reason", reason,
			"buy_venue", opp.BuyVenue,
			"sell_venue", opp.SellVenue,
			"amount", amount.String())
		telemetry.GetGlobalMetrics().GateRejections.Add(ctx, 1,
			metric.WithAttributes(attribute.String("check", c.name)))
		return fmt.Errorf("%w: %s", apperrors.ErrPrecondition, reason)
	}
	return nil
}

// RecordTradeStart reserves exposure on both venues and stamps the rate
// limiting windows. Call it only after Check has passed.
func (g *Gate) RecordTradeStart(opp *core.Opportunity, amount decimal.Decimal) {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindows(now)

	g.exposure[opp.BuyVenue] = g.exposure[opp.BuyVenue].Add(amount)
	g.exposure[opp.SellVenue] = g.exposure[opp.SellVenue].Add(amount)
	g.openCount[opp.BuyVenue]++
	g.openCount[opp.SellVenue]++
	g.lastTradeAt = now
	g.hourCount++
	g.dayCount++
}

// RecordTradeComplete releases the reservation taken by RecordTradeStart.
// The release happens on the failure path too; a failed trade holds no
// exposure once its rollback has run.
func (g *Gate) RecordTradeComplete(opp *core.Opportunity, amount decimal.Decimal, success bool) {
	g.mu.Lock()
	for _, venue := range []string{opp.BuyVenue, opp.SellVenue} {
		g.exposure[venue] = g.exposure[venue].Sub(amount)
		if g.exposure[venue].IsNegative() {
			g.exposure[venue] = decimal.Zero
		}
		if g.openCount[venue] > 0 {
			g.openCount[venue]--
		}
	}
	g.mu.Unlock()

	g.logger.Debug("Trade reservation released",
		"buy_venue", opp.BuyVenue,
		"sell_venue", opp.SellVenue,
		"amount", amount.String(),
		"success", success)
}

// rollWindows resets the hourly and daily counters on wall-clock rollover.
// Callers must hold g.mu.
func (g *Gate) rollWindows(now time.Time) {
	hour := now.Truncate(time.Hour)
	if !hour.Equal(g.hourMark) {
		g.hourMark = hour
		g.hourCount = 0
	}
	day := now.UTC().Format("2006-01-02")
	if day != g.dayMark {
		g.dayMark = day
		g.dayCount = 0
	}
}

func (g *Gate) checkPositionCaps(_ context.Context, opp *core.Opportunity, amount decimal.Decimal) string {
	maxPerVenue := decimal.NewFromFloat(g.cfg.Risk.MaxPositionPerVenue)
	maxTotal := decimal.NewFromFloat(g.cfg.Risk.MaxTotalExposure)

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, venue := range []string{opp.BuyVenue, opp.SellVenue} {
		if g.exposure[venue].Add(amount).GreaterThan(maxPerVenue) {
			return fmt.Sprintf("venue %s exposure %s + %s exceeds cap %s",
				venue, g.exposure[venue], amount, maxPerVenue)
		}
		if g.openCount[venue] >= g.cfg.Risk.MaxPositionCountPerVenue {
			return fmt.Sprintf("venue %s has %d open positions (cap %d)",
				venue, g.openCount[venue], g.cfg.Risk.MaxPositionCountPerVenue)
		}
	}

	total := decimal.Zero
	for _, exp := range g.exposure {
		total = total.Add(exp)
	}
	// Both legs add exposure.
	if total.Add(amount.Mul(decimal.NewFromInt(2))).GreaterThan(maxTotal) {
		return fmt.Sprintf("total exposure %s + 2x%s exceeds cap %s", total, amount, maxTotal)
	}
	return ""
}

func (g *Gate) checkRateLimits(_ context.Context, _ *core.Opportunity, _ decimal.Decimal) string {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindows(now)

	minInterval := time.Duration(g.cfg.Risk.MinIntervalBetween) * time.Second
	if !g.lastTradeAt.IsZero() && now.Sub(g.lastTradeAt) < minInterval {
		return fmt.Sprintf("only %s since last trade (min interval %s)",
			now.Sub(g.lastTradeAt).Round(time.Second), minInterval)
	}
	if g.hourCount >= g.cfg.Risk.MaxArbitragePerHour {
		return fmt.Sprintf("hourly trade cap reached (%d)", g.cfg.Risk.MaxArbitragePerHour)
	}
	if g.dayCount >= g.cfg.Risk.MaxArbitragePerDay {
		return fmt.Sprintf("daily trade cap reached (%d)", g.cfg.Risk.MaxArbitragePerDay)
	}
	return ""
}

// checkProfitability re-asserts the detector's floors. An opportunity may sit
// in a queue while the books move; stale economics must not slip through.
func (g *Gate) checkProfitability(_ context.Context, opp *core.Opportunity, _ decimal.Decimal) string {
	minNet := decimal.NewFromFloat(g.cfg.Arbitrage.MinNetProfitThreshold)
	if opp.NetProfit.LessThan(minNet) {
		return fmt.Sprintf("net profit %s below threshold %s", opp.NetProfit, minNet)
	}
	if !opp.GrossProfit.IsPositive() {
		return "gross profit not positive"
	}
	minRatio := decimal.NewFromFloat(g.cfg.Arbitrage.MinProfitRatio)
	if opp.NetProfit.Div(opp.GrossProfit).LessThan(minRatio) {
		return fmt.Sprintf("profit ratio %s below %s",
			opp.NetProfit.Div(opp.GrossProfit).Round(4), minRatio)
	}
	return ""
}

func (g *Gate) checkDepth(_ context.Context, opp *core.Opportunity, amount decimal.Decimal) string {
	floor := decimal.Max(
		decimal.NewFromFloat(g.cfg.Arbitrage.MinOrderbookDepthUSD),
		amount.Mul(decimal.NewFromFloat(g.cfg.Arbitrage.MinDepthMultiplier)),
	)
	if opp.BuyDepth.LessThan(floor) {
		return fmt.Sprintf("buy depth %s below floor %s", opp.BuyDepth, floor)
	}
	if opp.SellDepth.LessThan(floor) {
		return fmt.Sprintf("sell depth %s below floor %s", opp.SellDepth, floor)
	}
	return ""
}

func (g *Gate) checkVenueHealth(ctx context.Context, opp *core.Opportunity, _ decimal.Decimal) string {
	var status map[string]string
	if g.health != nil {
		status = g.health.GetStatus()
	}
	for _, name := range []string{opp.BuyVenue, opp.SellVenue} {
		v, err := g.registry.Get(ctx, name)
		if err != nil {
			return fmt.Sprintf("venue %s unavailable: %v", name, err)
		}
		if !v.IsConnected() {
			return fmt.Sprintf("venue %s not connected", name)
		}
		if s, ok := status[name]; ok && !strings.HasPrefix(s, "Healthy") {
			return fmt.Sprintf("venue %s unhealthy: %s", name, s)
		}
	}
	return ""
}

func (g *Gate) checkBalance(ctx context.Context, opp *core.Opportunity, amount decimal.Decimal) string {
	for _, name := range []string{opp.BuyVenue, opp.SellVenue} {
		v, err := g.registry.Get(ctx, name)
		if err != nil {
			return fmt.Sprintf("venue %s unavailable: %v", name, err)
		}
		bal, err := v.GetBalance(ctx)
		if err != nil {
			return fmt.Sprintf("venue %s balance check failed: %v", name, err)
		}
		if bal.LessThan(amount) {
			return fmt.Sprintf("venue %s balance %s below trade amount %s", name, bal, amount)
		}
	}
	return ""
}

var _ core.IRiskGate = (*Gate)(nil)
