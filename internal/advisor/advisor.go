// Package advisor wraps the external LLM advisor endpoint behind budget,
// cache, and validation guardrails. Every failure path degrades to the
// configured fallback verdict, so callers never see an error and a flaky
// or expensive advisor cannot stall the signal pipeline.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	apperrors "cross_arb/pkg/errors"
	"cross_arb/pkg/telemetry"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultCacheTTL = 300 * time.Second
)

// Client calls the advisor endpoint and enforces the guardrails around it.
// It satisfies the pipeline's Advisor interface.
type Client struct {
	cfg    config.AdvisorConfig
	symbol string
	http   *resty.Client
	guard  *guardrails
	logger core.ILogger
}

func NewClient(cfg config.AdvisorConfig, symbol string, logger core.ILogger) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(string(cfg.APIKey))
	}

	return &Client{
		cfg:    cfg,
		symbol: symbol,
		http:   httpClient,
		guard:  newGuardrails(),
		logger: logger.WithField("component", "advisor"),
	}
}

type indicatorSnapshot struct {
	RSI      float64 `json:"rsi"`
	MACD     float64 `json:"macd"`
	ADX      float64 `json:"adx"`
	EMAFast  float64 `json:"ema_fast"`
	EMASlow  float64 `json:"ema_slow"`
	ATR      float64 `json:"atr"`
	Volume   float64 `json:"volume"`
	VolumeMA float64 `json:"volume_ma"`
}

// assessRequest is the JSON body sent to the advisor endpoint.
type assessRequest struct {
	Model         string            `json:"model,omitempty"`
	Strategy      string            `json:"strategy"`
	Symbol        string            `json:"symbol"`
	Signal        string            `json:"signal"`
	Strength      float64           `json:"strength"`
	Confidence    float64           `json:"confidence"`
	Price         string            `json:"price"`
	Indicators    indicatorSnapshot `json:"indicators"`
	SpreadPct     float64           `json:"spread_pct"`
	VolumeRatio   float64           `json:"volume_ratio"`
	ATRSpikeRatio float64           `json:"atr_spike_ratio"`
	RegimeHint    string            `json:"regime_hint,omitempty"`
}

// Assess returns a verdict for the signal. Cache hits skip the endpoint;
// budget exhaustion, timeouts, and invalid replies all collapse into the
// configured fallback.
func (c *Client) Assess(ctx context.Context, sig core.Signal) core.AdvisorVerdict {
	now := time.Now()
	fp := fingerprint(sig)

	if v, ok := c.guard.lookup(fp, now); ok {
		c.count(ctx, "cache_hit")
		return v
	}

	if !c.guard.admit(now, c.cfg.MaxDailyCalls, c.cfg.MaxDailyCost, c.cfg.CostPerCall) {
		c.logger.Warn("Advisor daily budget exhausted, using fallback",
			"failure_mode", c.cfg.FailureMode)
		c.count(ctx, "budget_stop")
		return c.fallback()
	}

	verdict, err := c.call(ctx, sig)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			c.guard.noteInvalid()
			c.count(ctx, "invalid")
			c.logger.Warn("Advisor reply failed validation", "error", err)
		} else {
			c.guard.noteTimeout()
			c.count(ctx, "timeout")
			c.logger.Warn("Advisor call failed", "error", err)
		}
		return c.fallback()
	}

	ttl := time.Duration(c.cfg.CacheTTL) * time.Second
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c.guard.store(fp, verdict, now, ttl)
	c.count(ctx, "ok")
	return verdict
}

// Counters exposes the guardrail state for the status surface.
func (c *Client) Counters() Counters {
	return c.guard.snapshot(time.Now(), c.cfg.MaxDailyCalls, c.cfg.MaxDailyCost)
}

func (c *Client) call(ctx context.Context, sig core.Signal) (core.AdvisorVerdict, error) {
	req := assessRequest{
		Model:      c.cfg.Model,
		Strategy:   sig.Strategy,
		Symbol:     c.symbol,
		Signal:     string(sig.Kind),
		Strength:   sig.Strength,
		Confidence: sig.Confidence,
		Price:      sig.Price.String(),
		Indicators: indicatorSnapshot{
			RSI:      sig.Indicators.RSI,
			MACD:     sig.Indicators.MACD,
			ADX:      sig.Indicators.ADX,
			EMAFast:  sig.Indicators.EMAFast,
			EMASlow:  sig.Indicators.EMASlow,
			ATR:      sig.Indicators.ATR,
			Volume:   sig.Indicators.Volume,
			VolumeMA: sig.Indicators.VolumeMA,
		},
		SpreadPct:     sig.SpreadPct,
		VolumeRatio:   sig.VolumeRatio,
		ATRSpikeRatio: sig.ATRSpikeRatio,
		RegimeHint:    c.guard.regimeHint(),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("")
	if err != nil {
		return core.AdvisorVerdict{}, fmt.Errorf("%w: advisor call: %v", apperrors.ErrTimeout, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return core.AdvisorVerdict{}, fmt.Errorf("%w: advisor status %d", apperrors.ErrNetwork, resp.StatusCode())
	}
	return parseVerdict(resp.String())
}

func (c *Client) fallback() core.AdvisorVerdict {
	if c.cfg.FailureMode == "reject" {
		return core.AdvisorVerdict{Execute: false, Confidence: 0, Reason: "advisor_fallback_reject"}
	}
	return core.AdvisorVerdict{Execute: true, Confidence: 0.5, Reason: "advisor_fallback_pass"}
}

func (c *Client) count(ctx context.Context, outcome string) {
	telemetry.GetGlobalMetrics().AdvisorCalls.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
