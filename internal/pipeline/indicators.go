package pipeline

import (
	"github.com/shopspring/decimal"

	"cross_arb/internal/core"
)

// ema is the exponential moving average over the full series, seeded with
// the simple average of the first period values. Returns zero when the
// series is shorter than the period.
func ema(values []decimal.Decimal, period int) decimal.Decimal {
	if period <= 0 || len(values) < period {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, v := range values[:period] {
		sum = sum.Add(v)
	}
	avg := sum.Div(decimal.NewFromInt(int64(period)))

	// multiplier = 2 / (period + 1)
	mult := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period) + 1))
	keep := decimal.NewFromInt(1).Sub(mult)

	for _, v := range values[period:] {
		avg = v.Mul(mult).Add(avg.Mul(keep))
	}
	return avg
}

func closes(klines []core.Kline) []decimal.Decimal {
	out := make([]decimal.Decimal, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}
