// End-to-end scenarios over paper venues and a real SQLite store. Each test
// assembles the same dependency graph as the server binary and drives it
// through one complete outcome: a profitable round trip, a rolled-back
// sell-leg failure, a risk gate rejection, a breaker trip, and the shadow
// pipeline's counterfactual accounting.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"cross_arb/internal/advisor"
	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/engine/arbengine"
	"cross_arb/internal/pipeline"
	"cross_arb/internal/risk"
	"cross_arb/internal/storage"
	"cross_arb/internal/trading/arbitrage"
	"cross_arb/internal/trading/execution"
	"cross_arb/internal/trading/monitor"
	"cross_arb/internal/trading/position"
	"cross_arb/internal/venue"
	"cross_arb/internal/venue/paper"
	apperrors "cross_arb/pkg/errors"
	"cross_arb/pkg/logging"
	"cross_arb/pkg/telemetry"
)

const symbol = "BTCUSDT"

func setupTelemetry() {
	meter := otel.GetMeterProvider().Meter("e2e_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "arb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func e2eConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Arbitrage.Venues = []string{"paperx", "papery"}
	cfg.Arbitrage.ActiveVenue = "paperx"
	cfg.Arbitrage.ScanInterval = 1
	cfg.Venues = map[string]config.VenueConfig{
		"paperx": {TakerFeeRate: 0.0006},
		"papery": {TakerFeeRate: 0.0006},
	}
	return cfg
}

func bookWithDepth(side core.OrderSide, price, notional decimal.Decimal) core.OrderBook {
	level := core.OrderBookLevel{Price: price, Quantity: notional.Div(price)}
	book := core.OrderBook{Symbol: symbol, Ts: time.Now().UnixMilli()}
	if side == core.OrderSideBuy {
		book.Asks = []core.OrderBookLevel{level}
	} else {
		book.Bids = []core.OrderBookLevel{level}
	}
	return book
}

// tradingStack is the full live path: monitor, detector, gate, breaker,
// coordinator, engine, all sharing one SQLite store.
type tradingStack struct {
	engine *arbengine.Engine
	ledger *position.Ledger
	store  *storage.Store
	paperx *paper.Venue
	papery *paper.Venue
}

// newTradingStack seeds venue X asking 100.00 and venue Y bidding 100.50
// with $50,000 books on both sides. Y's ask is rigged equal to X's so the
// sell leg sizes to the same base quantity as the buy.
func newTradingStack(t *testing.T) *tradingStack {
	t.Helper()
	setupTelemetry()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := e2eConfig()
	store := openStore(t)

	paperx := paper.New("paperx", nil, logger)
	papery := paper.New("papery", nil, logger)
	require.NoError(t, paperx.Connect(context.Background()))
	require.NoError(t, papery.Connect(context.Background()))

	depth := decimal.NewFromInt(50000)
	paperx.SetTicker(symbol, decimal.RequireFromString("99.9"), decimal.NewFromInt(100))
	paperx.SetOrderBook(bookWithDepth(core.OrderSideBuy, decimal.NewFromInt(100), depth))
	papery.SetTicker(symbol, decimal.RequireFromString("100.5"), decimal.NewFromInt(100))
	papery.SetOrderBook(bookWithDepth(core.OrderSideSell, decimal.RequireFromString("100.5"), depth))

	reg := venue.NewRegistry(cfg, logger)
	reg.Register("paperx", paperx)
	reg.Register("papery", papery)

	sm := monitor.NewSpreadMonitor(reg, store, symbol, 20*time.Millisecond, logger)
	det := arbitrage.NewDetector(reg, cfg, store, logger)
	gate := risk.NewGate(reg, nil, cfg, logger)
	breaker := risk.NewCircuitBreaker(cfg.Breaker, decimal.NewFromInt(20000), store, nil, logger)
	coord := execution.NewCoordinator(reg, cfg, store, nil, logger)
	ledger := position.NewLedger(logger)

	eng := arbengine.NewEngine(reg, sm, det, gate, ledger, coord, breaker, cfg, logger)
	t.Cleanup(func() { eng.Stop() })

	return &tradingStack{engine: eng, ledger: ledger, store: store, paperx: paperx, papery: papery}
}

func TestHappyArbitrageRoundTrip(t *testing.T) {
	s := newTradingStack(t)
	ctx := context.Background()

	require.NoError(t, s.engine.Start(ctx))

	var outcomes []core.TradeOutcome
	require.Eventually(t, func() bool {
		var err error
		outcomes, err = s.store.RecentOutcomes(ctx, 10)
		return err == nil && len(outcomes) == 1
	}, 10*time.Second, 50*time.Millisecond)
	require.NoError(t, s.engine.Stop())

	trade, err := s.store.GetTrade(ctx, outcomes[0].TradeID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeCompleted, trade.Status)
	assert.Equal(t, "paperx", trade.BuyVenue)
	assert.Equal(t, "papery", trade.SellVenue)

	// Cost model on the 0.5% spread: gross 2.50 minus 0.60 fees, 0.30
	// slippage, 0.50 buffer.
	assert.InDelta(t, 1.1, trade.ExpectedPnl.InexactFloat64(), 1e-9)

	// Realized: 5 base bought at 100.00, sold at 100.50, 6bp taker each way.
	require.NotNil(t, trade.ActualPnl)
	assert.Equal(t, "1.8985", trade.ActualPnl.String())
	assert.True(t, trade.ActualPnl.IsPositive())

	// The ledger carries both legs: long on X, short on Y.
	buyQty := decimal.NewFromInt(500).Div(decimal.NewFromInt(100))
	sellQty := decimal.NewFromInt(500).Div(decimal.RequireFromString("100.5"))
	assert.True(t, s.ledger.Quantity("paperx", symbol).Equal(buyQty))
	assert.True(t, s.ledger.Quantity("papery", symbol).Equal(sellQty.Neg()))

	// The monitor persisted its observations alongside the trade.
	spreads, err := s.store.RecentSpreads(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, spreads)
	found := false
	for _, e := range spreads {
		if e.BuyVenue == "paperx" && e.SellVenue == "papery" {
			found = true
			assert.InDelta(t, 0.5, e.SpreadPct.InexactFloat64(), 0.01)
		}
	}
	assert.True(t, found)
}

func TestSellLegFailureRollsBackBuy(t *testing.T) {
	s := newTradingStack(t)
	ctx := context.Background()
	s.papery.FailNextPlace(errors.New("insufficient liquidity"))

	require.NoError(t, s.engine.Start(ctx))
	require.Eventually(t, func() bool {
		return len(s.paperx.PlacedRequests()) == 2
	}, 10*time.Second, 50*time.Millisecond)
	require.NoError(t, s.engine.Stop())

	// Buy then compensating sell, both on X, same quantity.
	reqs := s.paperx.PlacedRequests()
	assert.Equal(t, core.OrderSideBuy, reqs[0].Side)
	assert.Equal(t, core.OrderSideSell, reqs[1].Side)
	assert.True(t, reqs[1].ReduceOnly)
	assert.True(t, reqs[0].Quantity.Equal(reqs[1].Quantity))
	require.True(t, strings.HasSuffix(reqs[1].ClientOrderID, "-rollback"))

	tradeID := strings.TrimSuffix(reqs[0].ClientOrderID, "-buy")
	trade, err := s.store.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeFailed, trade.Status)
	assert.Contains(t, trade.FailureReason, "sell leg on papery")
	assert.Contains(t, trade.FailureReason, "insufficient liquidity")
	assert.Nil(t, trade.ActualPnl)

	// The unwind left no position behind and nothing was booked.
	positions, err := s.paperx.GetPositions(ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Empty(t, s.ledger.Snapshot())
}

func TestGateRejectsDepthExhaustion(t *testing.T) {
	setupTelemetry()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := e2eConfig()
	cfg.Risk.MaxPositionPerVenue = 50000

	paperx := paper.New("paperx", nil, logger)
	papery := paper.New("papery", nil, logger)
	require.NoError(t, paperx.Connect(context.Background()))
	require.NoError(t, papery.Connect(context.Background()))

	reg := venue.NewRegistry(cfg, logger)
	reg.Register("paperx", paperx)
	reg.Register("papery", papery)
	gate := risk.NewGate(reg, nil, cfg, logger)

	amount := decimal.NewFromInt(10000)
	opp := &core.Opportunity{
		BuyVenue:    "paperx",
		SellVenue:   "papery",
		Symbol:      symbol,
		BuyPrice:    decimal.NewFromInt(100),
		SellPrice:   decimal.RequireFromString("100.5"),
		Amount:      amount,
		GrossProfit: decimal.NewFromInt(50),
		NetProfit:   decimal.NewFromInt(30),
		BuyDepth:    decimal.NewFromInt(50000),
		SellDepth:   decimal.NewFromInt(20000),
	}

	// min_depth_multiplier 3 on a $10,000 trade needs $30,000 a side.
	err = gate.Check(context.Background(), opp, amount)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPrecondition)
	assert.Contains(t, err.Error(), "depth")

	assert.Empty(t, paperx.PlacedRequests())
	assert.Empty(t, papery.PlacedRequests())
}

func TestBreakerPausesAfterConsecutiveLosses(t *testing.T) {
	setupTelemetry()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := e2eConfig()
	store := openStore(t)

	balance := decimal.NewFromInt(10000)
	breaker := risk.NewCircuitBreaker(cfg.Breaker, balance, store, nil, logger)

	loss := decimal.NewFromInt(-1)
	breaker.RecordTrade(loss, balance)
	breaker.RecordTrade(loss, balance)
	assert.True(t, breaker.Allowed(time.Now()))

	breaker.RecordTrade(loss, balance)
	assert.False(t, breaker.Allowed(time.Now()))

	st := breaker.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, 3, st.ConsecutiveLosses)
	assert.Contains(t, st.PauseReason, "consecutive losses")
	remaining := time.Until(st.PauseUntil)
	assert.Greater(t, remaining, 29*time.Minute)
	assert.Less(t, remaining, 31*time.Minute)

	// A restart restores the pause from the persisted state document.
	restored := risk.NewCircuitBreaker(cfg.Breaker, balance, store, nil, logger)
	assert.False(t, restored.Allowed(time.Now()))
	assert.Equal(t, st.PauseReason, restored.Status().PauseReason)
}

func TestAdvisorTimeoutRejectsSignal(t *testing.T) {
	setupTelemetry()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	store := openStore(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	advCfg := config.AdvisorConfig{
		Enabled:       true,
		Endpoint:      server.URL,
		Timeout:       1,
		CacheTTL:      60,
		MaxDailyCalls: 10,
		FailureMode:   "reject",
	}
	client := advisor.NewClient(advCfg, symbol, logger)

	pcfg := e2eConfig().Pipeline
	pcfg.TrendFilterEnabled = false
	pcfg.Cooldown = 0
	pipe := pipeline.NewPipeline(pcfg, nil, client, store, logger)

	d := pipe.Process(context.Background(), core.Signal{
		Ts:            time.Now(),
		TradeID:       "sig-timeout",
		Strategy:      "grid",
		Kind:          core.SignalLong,
		Strength:      0.8,
		Confidence:    0.7,
		Price:         decimal.NewFromInt(100),
		SpreadPct:     0.05,
		VolumeRatio:   1.0,
		ATRSpikeRatio: 1.0,
	})

	assert.False(t, d.AdvisorPass)
	assert.Equal(t, "advisor", d.RejectionStage)
	assert.Equal(t, "advisor_fallback_reject", d.RejectionReason)
	assert.False(t, d.FinalWouldExecute)
	assert.False(t, d.ActuallyExecuted)
	assert.Equal(t, int64(1), client.Counters().TimeoutFailures)
}

type scriptedAdvisor struct {
	verdicts map[string]core.AdvisorVerdict
}

func (s *scriptedAdvisor) Assess(_ context.Context, sig core.Signal) core.AdvisorVerdict {
	return s.verdicts[sig.TradeID]
}

func uptrendKlines(n int) []core.Kline {
	klines := make([]core.Kline, n)
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := range klines {
		price := decimal.NewFromInt(100).Add(decimal.NewFromInt(int64(i)).Div(decimal.NewFromInt(2)))
		klines[i] = core.Kline{
			Ts:     base.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: decimal.NewFromInt(10),
		}
	}
	return klines
}

// TestShadowModeABCounts runs 100 signals through the full pipeline in
// shadow mode: 60 longs and 40 shorts against an uptrend, the advisor
// rejecting 25 of the trend survivors and the exec filter 5 more.
func TestShadowModeABCounts(t *testing.T) {
	setupTelemetry()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	store := openStore(t)
	ctx := context.Background()

	source := paper.New("papery", nil, logger)
	require.NoError(t, source.Connect(ctx))
	source.SetKlines(symbol, "1h", uptrendKlines(120))

	pcfg := e2eConfig().Pipeline
	pcfg.Cooldown = 0
	trend := pipeline.NewTrendFilter(source, symbol, pcfg, logger)

	adv := &scriptedAdvisor{verdicts: make(map[string]core.AdvisorVerdict)}
	pipe := pipeline.NewPipeline(pcfg, trend, adv, store, logger)

	base := time.Now()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("sig-%03d", i)
		sig := core.Signal{
			Ts:            base.Add(time.Duration(i) * time.Second),
			TradeID:       id,
			Strategy:      "grid",
			Kind:          core.SignalLong,
			Strength:      0.8,
			Confidence:    0.7,
			Price:         decimal.NewFromInt(100),
			SpreadPct:     0.05,
			VolumeRatio:   1.0,
			ATRSpikeRatio: 1.0,
		}
		if i >= 60 {
			sig.Kind = core.SignalShort
		}
		if i >= 30 && i < 35 {
			sig.SpreadPct = 0.5
		}

		verdict := core.AdvisorVerdict{Execute: true, Confidence: 0.8}
		if i >= 35 && i < 60 {
			verdict = core.AdvisorVerdict{Execute: false, Confidence: 0.3, Reason: "regime mismatch"}
		}
		adv.verdicts[id] = verdict

		pipe.Process(ctx, sig)
	}

	stats, err := store.DecisionStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 100, stats.Total)
	assert.Equal(t, 100, stats.Stages["strategy"].Accepted)
	assert.Equal(t, 60, stats.Stages["after_trend"].Accepted)
	assert.Equal(t, 35, stats.Stages["after_advisor"].Accepted)
	assert.Equal(t, 30, stats.Stages["after_exec"].Accepted)
	assert.InDelta(t, 0.30, stats.Stages["after_exec"].AcceptanceRate, 1e-9)

	assert.Equal(t, 40, stats.Rejections["trend"])
	assert.Equal(t, 25, stats.Rejections["advisor"])
	assert.Equal(t, 5, stats.Rejections["exec"])

	// A realized outcome lands on the decision row and in the expectancy.
	require.NoError(t, pipe.RecordOutcome(ctx, "sig-000",
		decimal.NewFromInt(100), decimal.RequireFromString("100.5"), decimal.NewFromInt(2), 0.5))
	stats, err = store.DecisionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stages["after_exec"].WithOutcome)
	assert.InDelta(t, 2.0, stats.Stages["after_exec"].Expectancy, 1e-9)
}
