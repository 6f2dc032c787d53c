package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/infrastructure/health"
	"cross_arb/internal/venue"
	"cross_arb/internal/venue/paper"
	apperrors "cross_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

func newTestGate(t *testing.T, hm core.IHealthMonitor) (*Gate, *paper.Venue, *paper.Venue) {
	t.Helper()
	setupTelemetry()

	cfg := config.DefaultConfig()
	cfg.Arbitrage.Venues = []string{"alpha", "beta"}

	logger := &mockLogger{}
	alpha := paper.New("alpha", nil, logger)
	beta := paper.New("beta", nil, logger)
	if err := alpha.Connect(context.Background()); err != nil {
		t.Fatalf("connect alpha: %v", err)
	}
	if err := beta.Connect(context.Background()); err != nil {
		t.Fatalf("connect beta: %v", err)
	}

	reg := venue.NewRegistry(cfg, logger)
	reg.Register("alpha", alpha)
	reg.Register("beta", beta)

	return NewGate(reg, hm, cfg, logger), alpha, beta
}

// passingOpp clears every check against DefaultConfig with amount 500.
func passingOpp() *core.Opportunity {
	return &core.Opportunity{
		BuyVenue:    "alpha",
		SellVenue:   "beta",
		Symbol:      "BTCUSDT",
		BuyPrice:    decimal.NewFromInt(45000),
		SellPrice:   decimal.NewFromInt(45300),
		SpreadPct:   decimal.RequireFromString("0.6667"),
		Amount:      decimal.NewFromInt(500),
		GrossProfit: decimal.RequireFromString("3.33"),
		NetProfit:   decimal.RequireFromString("1.93"),
		BuyDepth:    decimal.NewFromInt(22500),
		SellDepth:   decimal.NewFromInt(22500),
		Ts:          time.Now().UnixMilli(),
	}
}

func TestGateCheck_Passes(t *testing.T) {
	g, _, _ := newTestGate(t, nil)

	if err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500)); err != nil {
		t.Fatalf("Expected pass, got %v", err)
	}
}

func TestGateCheck_NilOpportunity(t *testing.T) {
	g, _, _ := newTestGate(t, nil)

	err := g.Check(context.Background(), nil, decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition, got %v", err)
	}
}

func TestGateCheck_VenueExposureCap(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	g.exposure["alpha"] = decimal.NewFromInt(9800)

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected ErrPrecondition, got %v", err)
	}
}

func TestGateCheck_TotalExposureCap(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	// Per-venue caps are fine; the global cap is what trips.
	g.exposure["gamma"] = decimal.NewFromInt(49500)

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected ErrPrecondition, got %v", err)
	}
}

func TestGateCheck_OpenPositionCount(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	g.openCount["beta"] = g.cfg.Risk.MaxPositionCountPerVenue

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected ErrPrecondition, got %v", err)
	}
}

func TestGateCheck_MinInterval(t *testing.T) {
	g, _, _ := newTestGate(t, nil)

	g.lastTradeAt = time.Now()
	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected rejection right after a trade, got %v", err)
	}

	g.lastTradeAt = time.Now().Add(-time.Minute)
	if err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500)); err != nil {
		t.Fatalf("Expected pass after the interval elapsed, got %v", err)
	}
}

func TestGateCheck_HourlyCapAndRollover(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	now := time.Now()

	g.hourMark = now.Truncate(time.Hour)
	g.dayMark = now.UTC().Format("2006-01-02")
	g.hourCount = g.cfg.Risk.MaxArbitragePerHour

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected hourly cap rejection, got %v", err)
	}

	// A stale hour mark means the wall clock rolled over; the counter resets.
	g.hourMark = now.Truncate(time.Hour).Add(-time.Hour)
	if err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500)); err != nil {
		t.Fatalf("Expected pass after hour rollover, got %v", err)
	}
	if g.hourCount != 0 {
		t.Errorf("Expected hourly counter reset, got %d", g.hourCount)
	}
}

func TestGateCheck_DailyCap(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	now := time.Now()

	g.hourMark = now.Truncate(time.Hour)
	g.dayMark = now.UTC().Format("2006-01-02")
	g.dayCount = g.cfg.Risk.MaxArbitragePerDay

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected daily cap rejection, got %v", err)
	}
}

func TestGateCheck_ProfitabilityReassert(t *testing.T) {
	g, _, _ := newTestGate(t, nil)

	opp := passingOpp()
	opp.NetProfit = decimal.RequireFromString("0.3")
	err := g.Check(context.Background(), opp, decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected net profit rejection, got %v", err)
	}

	opp = passingOpp()
	opp.NetProfit = decimal.RequireFromString("0.6")
	opp.GrossProfit = decimal.NewFromInt(10) // ratio 0.06 < 0.3
	err = g.Check(context.Background(), opp, decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected profit ratio rejection, got %v", err)
	}
}

func TestGateCheck_DepthFloor(t *testing.T) {
	g, _, _ := newTestGate(t, nil)

	opp := passingOpp()
	opp.BuyDepth = decimal.NewFromInt(1200)
	err := g.Check(context.Background(), opp, decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected depth rejection, got %v", err)
	}
}

func TestGateCheck_DepthMultiplierDominates(t *testing.T) {
	g, _, _ := newTestGate(t, nil)

	// With amount 5000 the multiplier floor (15000) exceeds the USD floor.
	opp := passingOpp()
	opp.BuyDepth = decimal.NewFromInt(12000)
	opp.SellDepth = decimal.NewFromInt(22500)
	err := g.Check(context.Background(), opp, decimal.NewFromInt(5000))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected multiplier floor rejection, got %v", err)
	}
}

func TestGateCheck_DisconnectedVenue(t *testing.T) {
	g, _, beta := newTestGate(t, nil)
	if err := beta.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected disconnected venue rejection, got %v", err)
	}
}

func TestGateCheck_UnhealthyVenue(t *testing.T) {
	hm := health.NewHealthManager(nil)
	hm.Register("beta", func() error { return fmt.Errorf("ticker stream stalled") })

	g, _, _ := newTestGate(t, hm)

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected unhealthy venue rejection, got %v", err)
	}
}

func TestGateCheck_InsufficientBalance(t *testing.T) {
	g, alpha, _ := newTestGate(t, nil)
	alpha.SetBalance(decimal.NewFromInt(100))

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected balance rejection, got %v", err)
	}
}

func TestGateRecordLifecycle(t *testing.T) {
	g, _, _ := newTestGate(t, nil)
	opp := passingOpp()
	amount := decimal.NewFromInt(500)

	g.RecordTradeStart(opp, amount)

	if !g.exposure["alpha"].Equal(amount) || !g.exposure["beta"].Equal(amount) {
		t.Errorf("Expected 500 reserved on both venues, got alpha=%s beta=%s",
			g.exposure["alpha"], g.exposure["beta"])
	}
	if g.openCount["alpha"] != 1 || g.openCount["beta"] != 1 {
		t.Errorf("Expected open count 1 on both venues")
	}
	if g.hourCount != 1 || g.dayCount != 1 {
		t.Errorf("Expected counters at 1, got hour=%d day=%d", g.hourCount, g.dayCount)
	}
	if g.lastTradeAt.IsZero() {
		t.Error("Expected last trade time stamped")
	}

	g.RecordTradeComplete(opp, amount, false)

	if !g.exposure["alpha"].IsZero() || !g.exposure["beta"].IsZero() {
		t.Errorf("Expected reservation released on both venues, got alpha=%s beta=%s",
			g.exposure["alpha"], g.exposure["beta"])
	}
	if g.openCount["alpha"] != 0 || g.openCount["beta"] != 0 {
		t.Errorf("Expected open counts back to 0")
	}
	// Rate counters track attempts; completion does not roll them back.
	if g.hourCount != 1 || g.dayCount != 1 {
		t.Errorf("Expected counters to stay at 1, got hour=%d day=%d", g.hourCount, g.dayCount)
	}
}

func TestGateCheck_FirstFailureWins(t *testing.T) {
	g, alpha, _ := newTestGate(t, nil)
	// Exposure cap and balance would both fail; the error surfaces the first.
	g.exposure["alpha"] = decimal.NewFromInt(9900)
	alpha.SetBalance(decimal.NewFromInt(10))

	err := g.Check(context.Background(), passingOpp(), decimal.NewFromInt(500))
	if err == nil {
		t.Fatal("Expected rejection")
	}
	if !strings.Contains(err.Error(), "exceeds cap") {
		t.Errorf("Expected position cap reason first, got %q", err.Error())
	}
}
