package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// SpreadPercent computes the directional spread between a buy-side ask and a
// sell-side bid: (sellBid - buyAsk) / buyAsk * 100. Negative when the
// direction is unprofitable.
func SpreadPercent(buyAsk, sellBid decimal.Decimal) decimal.Decimal {
	if buyAsk.IsZero() {
		return decimal.Zero
	}
	return sellBid.Sub(buyAsk).Div(buyAsk).Mul(decimal.NewFromInt(100))
}

// Notional returns price * quantity in quote terms
func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}

// CalculateNetProfit computes profit after trading fees for a buy-then-sell
// round trip of one unit
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}

// MaxDrawdown returns the largest peak-to-trough decline over a cumulative
// PnL series
func MaxDrawdown(cumulative []decimal.Decimal) decimal.Decimal {
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, v := range cumulative {
		if v.GreaterThan(peak) {
			peak = v
		}
		dd := peak.Sub(v)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}
