package arbitrage

import (
	"context"
	"sync"
	"testing"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/venue"
	"cross_arb/internal/venue/paper"
	"cross_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

type fakeOppStore struct {
	mu   sync.Mutex
	rows []core.Opportunity
}

func (f *fakeOppStore) InsertOpportunity(ctx context.Context, o *core.Opportunity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *o)
	return nil
}

func setupTelemetry() {
	meter := otel.GetMeterProvider().Meter("detector_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

// deepBook builds a book with ~22500 USD on each side around mid.
func deepBook(symbol string, bid, ask decimal.Decimal) core.OrderBook {
	qty := decimal.RequireFromString("0.5")
	return core.OrderBook{
		Symbol: symbol,
		Bids:   []core.OrderBookLevel{{Price: bid, Quantity: qty}},
		Asks:   []core.OrderBookLevel{{Price: ask, Quantity: qty}},
		Ts:     time.Now().UnixMilli(),
	}
}

func newTestDetector(t *testing.T, store OpportunityStore) (*Detector, *paper.Venue, *paper.Venue) {
	t.Helper()
	setupTelemetry()

	cfg := config.DefaultConfig()
	cfg.Arbitrage.Venues = []string{"alpha", "beta"}

	logger := &mockLogger{}
	alpha := paper.New("alpha", nil, logger)
	beta := paper.New("beta", nil, logger)
	require.NoError(t, alpha.Connect(context.Background()))
	require.NoError(t, beta.Connect(context.Background()))

	reg := venue.NewRegistry(cfg, logger)
	reg.Register("alpha", alpha)
	reg.Register("beta", beta)

	return NewDetector(reg, cfg, store, logger), alpha, beta
}

func spreadEntry(buyAsk, sellBid int64) core.SpreadEntry {
	ask := decimal.NewFromInt(buyAsk)
	bid := decimal.NewFromInt(sellBid)
	return core.SpreadEntry{
		BuyVenue:  "alpha",
		SellVenue: "beta",
		Symbol:    "BTCUSDT",
		BuyAsk:    ask,
		SellBid:   bid,
		SpreadPct: bid.Sub(ask).Div(ask).Mul(decimal.NewFromInt(100)),
		Ts:        time.Now().UnixMilli(),
	}
}

func TestDetectProfitableCandidate(t *testing.T) {
	store := &fakeOppStore{}
	d, alpha, beta := newTestDetector(t, store)
	alpha.SetOrderBook(deepBook("BTCUSDT", decimal.NewFromInt(44990), decimal.NewFromInt(45000)))
	beta.SetOrderBook(deepBook("BTCUSDT", decimal.NewFromInt(45300), decimal.NewFromInt(45310)))

	amount := decimal.NewFromInt(500)
	opps := d.Detect(context.Background(), []core.SpreadEntry{spreadEntry(45000, 45300)}, amount)

	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, "alpha", opp.BuyVenue)
	assert.Equal(t, "beta", opp.SellVenue)
	assert.Equal(t, "45000", opp.BuyPrice.String())
	assert.Equal(t, "45300", opp.SellPrice.String())

	// gross = 300 * 500 / 45000
	gross, _ := opp.GrossProfit.Float64()
	assert.InDelta(t, 3.3333, gross, 0.001)

	// fees 0.6 (2 x 0.0006), slippage 0.3 (2 x 0.0003), buffer 0.5
	net, _ := opp.NetProfit.Float64()
	assert.InDelta(t, 1.9333, net, 0.001)

	// spread 0.67% -> 0.2, deep books -> 0, slip rate 0.0006 -> 0.1
	assert.Equal(t, "0.3", opp.RiskScore.String())

	assert.Len(t, store.rows, 1, "survivors are persisted")
}

func TestDetectSkipsThinSpread(t *testing.T) {
	d, _, _ := newTestDetector(t, nil)

	// 0.02% is below the 0.1% threshold; no book fetches should happen.
	opps := d.Detect(context.Background(), []core.SpreadEntry{spreadEntry(45000, 45010)}, decimal.NewFromInt(500))
	assert.Empty(t, opps)
}

func TestDetectDropsUnprofitableNet(t *testing.T) {
	store := &fakeOppStore{}
	d, alpha, beta := newTestDetector(t, store)
	alpha.SetOrderBook(deepBook("BTCUSDT", decimal.NewFromInt(44990), decimal.NewFromInt(45000)))
	beta.SetOrderBook(deepBook("BTCUSDT", decimal.NewFromInt(45100), decimal.NewFromInt(45110)))

	// Spread 0.22% passes the threshold but net lands below 0.5 after costs.
	opps := d.Detect(context.Background(), []core.SpreadEntry{spreadEntry(45000, 45100)}, decimal.NewFromInt(500))
	assert.Empty(t, opps)
	assert.Empty(t, store.rows)
}

func TestDetectDropsShallowBooks(t *testing.T) {
	d, alpha, beta := newTestDetector(t, nil)

	// ~450 USD per side, far below the 10k floor.
	thin := core.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []core.OrderBookLevel{{Price: decimal.NewFromInt(45300), Quantity: decimal.RequireFromString("0.01")}},
		Asks:   []core.OrderBookLevel{{Price: decimal.NewFromInt(45000), Quantity: decimal.RequireFromString("0.01")}},
		Ts:     time.Now().UnixMilli(),
	}
	alpha.SetOrderBook(thin)
	beta.SetOrderBook(thin)

	opps := d.Detect(context.Background(), []core.SpreadEntry{spreadEntry(45000, 45300)}, decimal.NewFromInt(500))
	assert.Empty(t, opps)
}

func TestDetectSortsByNetProfitDescending(t *testing.T) {
	d, alpha, beta := newTestDetector(t, nil)
	alpha.SetOrderBook(deepBook("BTCUSDT", decimal.NewFromInt(44990), decimal.NewFromInt(45000)))
	beta.SetOrderBook(deepBook("BTCUSDT", decimal.NewFromInt(45600), decimal.NewFromInt(45610)))

	entries := []core.SpreadEntry{
		spreadEntry(45000, 45300),
		spreadEntry(45000, 45600),
	}
	opps := d.Detect(context.Background(), entries, decimal.NewFromInt(500))

	require.Len(t, opps, 2)
	assert.True(t, opps[0].NetProfit.GreaterThan(opps[1].NetProfit))
	assert.Equal(t, "45600", opps[0].SellPrice.String())
}

func TestRiskScoreGrading(t *testing.T) {
	deep := decimal.NewFromInt(50000)
	shallow := decimal.NewFromInt(500)
	lowSlip := decimal.NewFromFloat(0.0002)
	highSlip := decimal.NewFromFloat(0.002)

	// Narrow spread, deep books, low slip.
	assert.Equal(t, "0.3", riskScore(decimal.NewFromFloat(0.2), deep, deep, lowSlip).String())

	// Wide spread keeps only the base 0.1.
	assert.Equal(t, "0.1", riskScore(decimal.NewFromFloat(1.5), deep, deep, lowSlip).String())

	// Everything bad: 0.3 + 0.2 + 0.2 + 0.2, capped below 1.
	assert.Equal(t, "0.9", riskScore(decimal.NewFromFloat(0.2), shallow, shallow, highSlip).String())
}

func TestSlipTiers(t *testing.T) {
	assert.Equal(t, "0.0001", slipTierFor(decimal.NewFromInt(50)).String())
	assert.Equal(t, "0.0002", slipTierFor(decimal.NewFromInt(100)).String())
	assert.Equal(t, "0.0003", slipTierFor(decimal.NewFromInt(500)).String())
	assert.Equal(t, "0.0005", slipTierFor(decimal.NewFromInt(1000)).String())
}
