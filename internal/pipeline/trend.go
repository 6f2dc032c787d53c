package pipeline

import (
	"context"
	"fmt"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
)

const (
	emaFastPeriod = 20
	emaSlowPeriod = 50
	trendHistory  = 120
)

// KlineSource supplies the candles the trend filter reads. Any venue
// satisfies it.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]core.Kline, error)
}

// TrendFilter rejects signals that fight the higher-timeframe EMA trend.
// A mean-reverting regime waives the agreement requirement, since those
// strategies trade against the trend on purpose.
type TrendFilter struct {
	source KlineSource
	symbol string
	cfg    config.PipelineConfig
	logger core.ILogger
}

func NewTrendFilter(source KlineSource, symbol string, cfg config.PipelineConfig, logger core.ILogger) *TrendFilter {
	return &TrendFilter{
		source: source,
		symbol: symbol,
		cfg:    cfg,
		logger: logger.WithField("component", "trend_filter"),
	}
}

// Check returns whether the signal may proceed and a short reason. Missing
// kline history passes through with a warning; a data hiccup on the filter
// input must not silence the whole pipeline.
func (tf *TrendFilter) Check(ctx context.Context, sig core.Signal, regime string) (bool, string) {
	if !tf.cfg.TrendFilterEnabled {
		return true, "disabled"
	}
	if regime == "mean_revert" {
		return true, "mean_revert regime"
	}

	klines, err := tf.source.GetKlines(ctx, tf.symbol, tf.cfg.HigherTimeframe, trendHistory)
	if err != nil {
		tf.logger.Warn("Kline fetch failed, passing signal through",
			"interval", tf.cfg.HigherTimeframe, "error", err)
		return true, "klines unavailable"
	}
	if len(klines) < emaSlowPeriod {
		tf.logger.Warn("Insufficient kline history for trend filter",
			"have", len(klines), "need", emaSlowPeriod)
		return true, "insufficient history"
	}

	series := closes(klines)
	fast := ema(series, emaFastPeriod)
	slow := ema(series, emaSlowPeriod)
	uptrend := fast.GreaterThan(slow)

	switch sig.Kind {
	case core.SignalLong:
		if !uptrend {
			return false, fmt.Sprintf("long against %s downtrend", tf.cfg.HigherTimeframe)
		}
	case core.SignalShort:
		if uptrend {
			return false, fmt.Sprintf("short against %s uptrend", tf.cfg.HigherTimeframe)
		}
	}
	return true, ""
}
