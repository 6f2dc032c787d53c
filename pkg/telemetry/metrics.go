package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSpreadsObserved       = "cross_arb_spreads_observed_total"
	MetricSpreadPct             = "cross_arb_spread_pct"
	MetricOpportunitiesDetected = "cross_arb_opportunities_detected_total"
	MetricOpportunitiesDropped  = "cross_arb_opportunities_dropped_total"
	MetricTradesTotal           = "cross_arb_trades_total"
	MetricTradePnLTotal         = "cross_arb_trade_pnl_total"
	MetricLegLatency            = "cross_arb_leg_latency_ms"
	MetricVenueConnected        = "cross_arb_venue_connected"
	MetricVenueExposure         = "cross_arb_venue_exposure"
	MetricLedgerDrift           = "cross_arb_ledger_drift"
	MetricBreakerPaused         = "cross_arb_breaker_paused"
	MetricGateRejections        = "cross_arb_gate_rejections_total"
	MetricAdvisorCalls          = "cross_arb_advisor_calls_total"
	MetricPipelineDecisions     = "cross_arb_pipeline_decisions_total"
	MetricConfigRollbacks       = "cross_arb_config_rollbacks_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SpreadsObserved       metric.Int64Counter
	SpreadPct             metric.Float64ObservableGauge
	OpportunitiesDetected metric.Int64Counter
	OpportunitiesDropped  metric.Int64Counter
	TradesTotal           metric.Int64Counter
	TradePnLTotal         metric.Float64Counter
	LegLatency            metric.Float64Histogram
	VenueConnected        metric.Int64ObservableGauge
	VenueExposure         metric.Float64ObservableGauge
	LedgerDrift           metric.Float64ObservableGauge
	BreakerPaused         metric.Int64ObservableGauge
	GateRejections        metric.Int64Counter
	AdvisorCalls          metric.Int64Counter
	PipelineDecisions     metric.Int64Counter
	ConfigRollbacks       metric.Int64Counter

	// State for observable gauges
	mu                sync.RWMutex
	spreadPctMap      map[string]float64
	venueConnectedMap map[string]int64
	venueExposureMap  map[string]float64
	ledgerDriftMap    map[string]float64
	breakerPausedMap  map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			spreadPctMap:      make(map[string]float64),
			venueConnectedMap: make(map[string]int64),
			venueExposureMap:  make(map[string]float64),
			ledgerDriftMap:    make(map[string]float64),
			breakerPausedMap:  make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.SpreadsObserved, err = meter.Int64Counter(MetricSpreadsObserved, metric.WithDescription("Total directional spreads observed"))
	if err != nil {
		return err
	}

	m.OpportunitiesDetected, err = meter.Int64Counter(MetricOpportunitiesDetected, metric.WithDescription("Total opportunities surviving the profitability filters"))
	if err != nil {
		return err
	}

	m.OpportunitiesDropped, err = meter.Int64Counter(MetricOpportunitiesDropped, metric.WithDescription("Total candidates dropped by a filter"))
	if err != nil {
		return err
	}

	m.TradesTotal, err = meter.Int64Counter(MetricTradesTotal, metric.WithDescription("Total arbitrage trades by final status"))
	if err != nil {
		return err
	}

	m.TradePnLTotal, err = meter.Float64Counter(MetricTradePnLTotal, metric.WithDescription("Cumulative realized arbitrage PnL"))
	if err != nil {
		return err
	}

	m.LegLatency, err = meter.Float64Histogram(MetricLegLatency, metric.WithDescription("Per-leg execution latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.GateRejections, err = meter.Int64Counter(MetricGateRejections, metric.WithDescription("Total risk gate rejections by check"))
	if err != nil {
		return err
	}

	m.AdvisorCalls, err = meter.Int64Counter(MetricAdvisorCalls, metric.WithDescription("Total advisor lookups by outcome"))
	if err != nil {
		return err
	}

	m.PipelineDecisions, err = meter.Int64Counter(MetricPipelineDecisions, metric.WithDescription("Total pipeline decisions by rejection stage"))
	if err != nil {
		return err
	}

	m.ConfigRollbacks, err = meter.Int64Counter(MetricConfigRollbacks, metric.WithDescription("Total automatic config rollbacks by trigger"))
	if err != nil {
		return err
	}

	// Observables
	m.SpreadPct, err = meter.Float64ObservableGauge(MetricSpreadPct, metric.WithDescription("Latest spread percentage per direction"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for dir, val := range m.spreadPctMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("direction", dir)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.VenueConnected, err = meter.Int64ObservableGauge(MetricVenueConnected, metric.WithDescription("Venue connection state (1=connected, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.venueConnectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.VenueExposure, err = meter.Float64ObservableGauge(MetricVenueExposure, metric.WithDescription("Reserved quote exposure per venue"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.venueExposureMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.LedgerDrift, err = meter.Float64ObservableGauge(MetricLedgerDrift, metric.WithDescription("Venue-reported quantity minus ledger quantity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.ledgerDriftMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue_symbol", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.BreakerPaused, err = meter.Int64ObservableGauge(MetricBreakerPaused, metric.WithDescription("Circuit breaker paused state (1=paused, 0=trading)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for scope, val := range m.breakerPausedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("scope", scope)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetSpreadPct(direction string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spreadPctMap[direction] = pct
}

func (m *MetricsHolder) SetVenueConnected(venue string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venueConnectedMap[venue] = val
}

func (m *MetricsHolder) SetVenueExposure(venue string, exposure float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venueExposureMap[venue] = exposure
}

func (m *MetricsHolder) SetLedgerDrift(venue, symbol string, drift float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerDriftMap[venue+":"+symbol] = drift
}

func (m *MetricsHolder) SetBreakerPaused(scope string, paused bool) {
	val := int64(0)
	if paused {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerPausedMap[scope] = val
}

func (m *MetricsHolder) GetSpreadPct() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.spreadPctMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetVenueExposure() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.venueExposureMap {
		res[k] = v
	}
	return res
}
