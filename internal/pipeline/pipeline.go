// Package pipeline judges strategy signals through staged filters and
// records every decision, counterfactuals included. Live mode stops at the
// first failing stage; shadow mode scores all stages on every signal so
// the filters can be A/B compared against what would have traded.
package pipeline

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
	"cross_arb/pkg/telemetry"
)

// Advisor renders a verdict for one signal. Implementations absorb their
// own failures; the pipeline treats every answer as final.
type Advisor interface {
	Assess(ctx context.Context, sig core.Signal) core.AdvisorVerdict
}

// DecisionStore persists decision rows. A nil store disables persistence.
type DecisionStore interface {
	InsertDecision(ctx context.Context, d *core.PipelineDecision) (int64, error)
	UpdateDecisionOutcome(ctx context.Context, tradeID string, entry, exit, pnl decimal.Decimal, pnlPct float64) error
}

// Pipeline runs the stage chain: strategy, trend, advisor, exec.
type Pipeline struct {
	cfg     config.PipelineConfig
	trend   *TrendFilter
	advisor Advisor
	store   DecisionStore
	logger  core.ILogger

	mu           sync.Mutex
	lastAccepted time.Time
	lastRegime   string
}

// NewPipeline wires the stage chain. A nil trend filter or advisor leaves
// that stage passing through.
func NewPipeline(cfg config.PipelineConfig, trend *TrendFilter, advisor Advisor, store DecisionStore, logger core.ILogger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		trend:   trend,
		advisor: advisor,
		store:   store,
		logger:  logger.WithField("component", "pipeline"),
	}
}

// Run consumes signals until ctx is done or the channel closes.
func (p *Pipeline) Run(ctx context.Context, signals <-chan core.Signal) {
	p.logger.Info("Signal pipeline running", "shadow_mode", p.cfg.EnableShadowMode)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			p.Process(ctx, sig)
		}
	}
}

// Process scores one signal through the stage chain and persists the
// decision row. The returned decision is complete whether or not
// persistence succeeded.
func (p *Pipeline) Process(ctx context.Context, sig core.Signal) *core.PipelineDecision {
	now := sig.Ts
	if now.IsZero() {
		now = time.Now()
	}

	p.mu.Lock()
	regime := p.lastRegime
	lastAccepted := p.lastAccepted
	p.mu.Unlock()

	d := &core.PipelineDecision{
		Ts:             now,
		TradeID:        sig.TradeID,
		Price:          sig.Price,
		Regime:         regime,
		Volatility:     sig.Indicators.ATR,
		Strategy:       sig.Strategy,
		Signal:         sig.Kind,
		Strength:       sig.Strength,
		Confidence:     sig.Confidence,
		AdvisorEnabled: p.advisor != nil,
		SpreadPct:      sig.SpreadPct,
		VolumeRatio:    sig.VolumeRatio,
		ATRSpikeRatio:  sig.ATRSpikeRatio,

		BasePositionPct:          1.0,
		PositionAdjustmentFactor: 1.0,
	}

	shadow := p.cfg.EnableShadowMode

	strategyPass := sig.Kind != core.SignalNeutral
	d.WouldExecuteStrategy = strategyPass
	if !strategyPass {
		reject(d, "strategy", "neutral signal")
	}

	trendPass := false
	if strategyPass || shadow {
		var reason string
		trendPass, reason = p.checkTrend(ctx, sig, regime)
		d.TrendFilterPass = trendPass
		d.TrendFilterReason = reason
		if !trendPass {
			reject(d, "trend", reason)
		}
	}
	d.WouldExecuteAfterTrend = d.WouldExecuteStrategy && trendPass

	advisorPass := false
	if d.WouldExecuteAfterTrend || shadow {
		var reason string
		advisorPass, reason = p.checkAdvisor(ctx, sig, d)
		if !advisorPass {
			if reason == "" {
				reason = "advisor rejected"
			}
			reject(d, "advisor", reason)
		}
	}
	d.WouldExecuteAfterAdvisor = d.WouldExecuteAfterTrend && advisorPass

	execPass := false
	if d.WouldExecuteAfterAdvisor || shadow {
		var reason string
		execPass, reason = p.checkExec(sig, now, lastAccepted)
		d.ExecFilterPass = execPass
		d.ExecFilterReason = reason
		if !execPass {
			reject(d, "exec", reason)
		}
	}
	d.WouldExecuteAfterExec = d.WouldExecuteAfterAdvisor && execPass
	d.FinalWouldExecute = d.WouldExecuteAfterExec
	d.AdjustedPositionPct = d.BasePositionPct * d.PositionAdjustmentFactor

	if d.FinalWouldExecute {
		p.mu.Lock()
		p.lastAccepted = now
		p.mu.Unlock()
		p.logger.Info("Signal accepted",
			"strategy", sig.Strategy,
			"signal", string(sig.Kind),
			"trade_id", sig.TradeID)
	} else {
		p.logger.Debug("Signal rejected",
			"strategy", sig.Strategy,
			"stage", d.RejectionStage,
			"reason", d.RejectionReason)
	}

	stage := d.RejectionStage
	if stage == "" {
		stage = "accepted"
	}
	telemetry.GetGlobalMetrics().PipelineDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)))

	if p.store != nil {
		id, err := p.store.InsertDecision(ctx, d)
		if err != nil {
			p.logger.Error("Failed to persist decision", "trade_id", sig.TradeID, "error", err)
		} else {
			d.ID = id
		}
	}
	return d
}

// RecordOutcome fills the realized result on the decision row once the
// trade closes.
func (p *Pipeline) RecordOutcome(ctx context.Context, tradeID string, entry, exit, pnl decimal.Decimal, pnlPct float64) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.UpdateDecisionOutcome(ctx, tradeID, entry, exit, pnl, pnlPct); err != nil {
		p.logger.Error("Failed to record trade outcome", "trade_id", tradeID, "error", err)
		return err
	}
	p.logger.Debug("Recorded trade outcome", "trade_id", tradeID, "pnl", pnl.String())
	return nil
}

func (p *Pipeline) checkTrend(ctx context.Context, sig core.Signal, regime string) (bool, string) {
	if p.trend == nil {
		return true, "disabled"
	}
	return p.trend.Check(ctx, sig, regime)
}

// checkAdvisor fills the advisor fields on the decision and returns the
// stage verdict with the advisor's own reason. A disabled advisor passes
// with neutral confidence.
func (p *Pipeline) checkAdvisor(ctx context.Context, sig core.Signal, d *core.PipelineDecision) (bool, string) {
	if p.advisor == nil {
		d.AdvisorPass = true
		d.AdvisorConfidence = 0.5
		return true, ""
	}

	v := p.advisor.Assess(ctx, sig)
	d.AdvisorPass = v.Execute
	d.AdvisorConfidence = v.Confidence
	d.AdvisorRegime = v.Regime
	d.AdvisorSignalQuality = v.SignalQuality
	d.AdvisorRiskFlags = strings.Join(v.RiskFlags, ",")
	if v.Confidence > 0 {
		d.PositionAdjustmentFactor = v.Confidence
	}

	if v.Regime != "" {
		p.mu.Lock()
		p.lastRegime = v.Regime
		p.mu.Unlock()
	}
	return v.Execute, v.Reason
}

func (p *Pipeline) checkExec(sig core.Signal, now, lastAccepted time.Time) (bool, string) {
	if sig.SpreadPct > p.cfg.MaxSpreadPct {
		return false, fmt.Sprintf("spread %.3f%% above %.3f%% cap", sig.SpreadPct, p.cfg.MaxSpreadPct)
	}
	if sig.VolumeRatio < p.cfg.MinVolumeRatio {
		return false, fmt.Sprintf("volume ratio %.2f below %.2f floor", sig.VolumeRatio, p.cfg.MinVolumeRatio)
	}
	if sig.ATRSpikeRatio > p.cfg.MaxATRSpikeRatio {
		return false, fmt.Sprintf("atr spike %.2fx above %.2fx cap", sig.ATRSpikeRatio, p.cfg.MaxATRSpikeRatio)
	}
	cooldown := time.Duration(p.cfg.Cooldown) * time.Second
	if cooldown > 0 && !lastAccepted.IsZero() {
		if since := now.Sub(lastAccepted); since < cooldown {
			return false, fmt.Sprintf("cooldown, %s remaining", (cooldown - since).Round(time.Second))
		}
	}
	return true, ""
}

// reject records the FIRST failing stage; later failures in shadow mode
// keep the original attribution.
func reject(d *core.PipelineDecision, stage, reason string) {
	if d.RejectionStage != "" {
		return
	}
	d.RejectionStage = stage
	d.RejectionReason = reason
}
