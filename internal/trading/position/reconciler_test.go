package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"cross_arb/internal/alert"
	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/venue"
	"cross_arb/internal/venue/paper"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureChannel struct {
	mu   sync.Mutex
	sent []alert.AlertPayload
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(ctx context.Context, payload alert.AlertPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newReconcilerHarness(t *testing.T) (*Reconciler, *Ledger, *paper.Venue, *paper.Venue, *captureChannel) {
	t.Helper()

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

	ch := &captureChannel{}
	alerts := alert.NewAlertManager(logger)
	alerts.AddChannel(ch)

	ledger := NewLedger(logger)
	r := NewReconciler(reg, ledger, alerts, "BTCUSDT", time.Minute, logger)
	return r, ledger, alpha, beta, ch
}

func TestReconcileDetectsDrift(t *testing.T) {
	r, ledger, alpha, _, ch := newReconcilerHarness(t)

	ledger.ApplyFill("alpha", "BTCUSDT", core.OrderSideBuy, decimal.RequireFromString("0.5"), "t1")
	alpha.SetPosition("BTCUSDT", "long", decimal.RequireFromString("0.7"), decimal.NewFromInt(45000))

	require.NoError(t, r.Reconcile(context.Background()))

	drifts := r.Drifts()
	require.Len(t, drifts, 1)
	assert.Equal(t, "alpha", drifts[0].Venue)
	assert.Equal(t, "0.5", drifts[0].LedgerQty.String())
	assert.Equal(t, "0.7", drifts[0].VenueQty.String())
	assert.Equal(t, "0.2", drifts[0].Drift.String())

	// Alert delivery is async.
	assert.Eventually(t, func() bool { return ch.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileCleanPass(t *testing.T) {
	r, ledger, alpha, _, ch := newReconcilerHarness(t)

	ledger.ApplyFill("alpha", "BTCUSDT", core.OrderSideBuy, decimal.RequireFromString("0.5"), "t1")
	alpha.SetPosition("BTCUSDT", "long", decimal.RequireFromString("0.5"), decimal.NewFromInt(45000))

	require.NoError(t, r.Reconcile(context.Background()))

	assert.Empty(t, r.Drifts())
	assert.False(t, r.LastRun().IsZero())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ch.count())
}

func TestReconcileShortPositions(t *testing.T) {
	r, ledger, _, beta, _ := newReconcilerHarness(t)

	// Ledger thinks beta is short 0.3; the venue agrees.
	ledger.ApplyFill("beta", "BTCUSDT", core.OrderSideSell, decimal.RequireFromString("0.3"), "t1")
	beta.SetPosition("BTCUSDT", "short", decimal.RequireFromString("0.3"), decimal.NewFromInt(45000))

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Empty(t, r.Drifts())
}

func TestReconcileSkipsFailingVenue(t *testing.T) {
	r, ledger, alpha, beta, _ := newReconcilerHarness(t)

	ledger.ApplyFill("alpha", "BTCUSDT", core.OrderSideBuy, decimal.RequireFromString("0.4"), "t1")
	alpha.SetPosition("BTCUSDT", "long", decimal.RequireFromString("0.4"), decimal.NewFromInt(45000))
	require.NoError(t, beta.Disconnect())

	// The pass still covers alpha.
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Empty(t, r.Drifts())
}

func TestReconcileNeverCorrects(t *testing.T) {
	r, ledger, alpha, _, _ := newReconcilerHarness(t)

	alpha.SetPosition("BTCUSDT", "long", decimal.NewFromInt(1), decimal.NewFromInt(45000))

	require.NoError(t, r.Reconcile(context.Background()))
	require.Len(t, r.Drifts(), 1)

	// The ledger is untouched; drift is a report, not a correction.
	assert.True(t, ledger.Quantity("alpha", "BTCUSDT").IsZero())
	assert.Empty(t, ledger.History())
}
