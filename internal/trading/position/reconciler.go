package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cross_arb/internal/alert"
	"cross_arb/internal/core"
	"cross_arb/pkg/telemetry"
)

// Drift is one venue/symbol divergence found by a reconciliation pass.
type Drift struct {
	Venue     string
	Symbol    string
	LedgerQty decimal.Decimal
	VenueQty  decimal.Decimal
	Drift     decimal.Decimal
}

// Reconciler periodically compares the ledger against venue-reported
// positions. Drift is reported and never auto-corrected; closing it is a
// human decision.
type Reconciler struct {
	registry core.IVenueRegistry
	ledger   *Ledger
	alerts   *alert.AlertManager
	logger   core.ILogger
	symbol   string
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	statusMu   sync.RWMutex
	lastRun    time.Time
	lastDrifts []Drift
}

// NewReconciler creates a reconciler. The alert manager may be nil.
func NewReconciler(registry core.IVenueRegistry, ledger *Ledger, alerts *alert.AlertManager, symbol string, interval time.Duration, logger core.ILogger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		registry: registry,
		ledger:   ledger,
		alerts:   alerts,
		logger:   logger.WithField("component", "reconciler"),
		symbol:   symbol,
		interval: interval,
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("Starting reconciler", "interval", r.interval)

	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Reconcile performs a single pass over every available venue.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	venues := r.registry.All(ctx)
	if len(venues) == 0 {
		return fmt.Errorf("no venues available to reconcile")
	}

	metrics := telemetry.GetGlobalMetrics()
	var drifts []Drift

	for _, v := range venues {
		name := v.GetName()

		positions, err := v.GetPositions(ctx, r.symbol)
		if err != nil {
			r.logger.Warn("Skipping venue in reconciliation pass", "venue", name, "error", err)
			continue
		}

		venueQty := decimal.Zero
		for _, p := range positions {
			q := p.Quantity
			if p.Side == "short" {
				q = q.Neg()
			}
			venueQty = venueQty.Add(q)
		}

		ledgerQty := r.ledger.Quantity(name, r.symbol)
		drift := venueQty.Sub(ledgerQty)
		metrics.SetLedgerDrift(name, r.symbol, drift.InexactFloat64())

		if drift.IsZero() {
			continue
		}

		r.logger.Warn("Position drift detected",
			"venue", name,
			"symbol", r.symbol,
			"ledger_qty", ledgerQty.String(),
			"venue_qty", venueQty.String(),
			"drift", drift.String())
		drifts = append(drifts, Drift{
			Venue:     name,
			Symbol:    r.symbol,
			LedgerQty: ledgerQty,
			VenueQty:  venueQty,
			Drift:     drift,
		})
	}

	r.statusMu.Lock()
	r.lastRun = time.Now()
	r.lastDrifts = drifts
	r.statusMu.Unlock()

	if len(drifts) > 0 && r.alerts != nil {
		fields := make(map[string]string, len(drifts))
		for _, d := range drifts {
			fields[d.Venue] = fmt.Sprintf("ledger=%s venue=%s drift=%s", d.LedgerQty, d.VenueQty, d.Drift)
		}
		r.alerts.Alert(ctx, "Position drift detected",
			fmt.Sprintf("%d venue(s) diverge from the ledger for %s", len(drifts), r.symbol),
			alert.Warning, fields)
	}
	return nil
}

// Drifts returns the divergences found by the most recent pass.
func (r *Reconciler) Drifts() []Drift {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()

	out := make([]Drift, len(r.lastDrifts))
	copy(out, r.lastDrifts)
	return out
}

// LastRun returns when the most recent pass finished.
func (r *Reconciler) LastRun() time.Time {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastRun
}
