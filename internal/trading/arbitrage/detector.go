// Package arbitrage turns spread observations into executable, costed
// opportunities.
package arbitrage

import (
	"context"
	"sort"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	bookDepthLevels = 20
	bookTimeout     = 5 * time.Second
)

var (
	defaultTakerRate = decimal.NewFromFloat(0.0006)
	bufferRate       = decimal.NewFromFloat(0.001)

	// Depth below this adds risk regardless of the configured floor.
	shallowDepthUSD = decimal.NewFromInt(10000)
)

// OpportunityStore persists detected opportunities. A nil store disables
// persistence.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, o *core.Opportunity) error
}

// Detector filters spread candidates through the full cost model: fees,
// slippage tiers, a safety buffer, and order book depth.
type Detector struct {
	registry core.IVenueRegistry
	cfg      *config.Config
	store    OpportunityStore
	logger   core.ILogger

	minSpreadPct   decimal.Decimal
	minNetProfit   decimal.Decimal
	minProfitRatio decimal.Decimal
	minDepthUSD    decimal.Decimal
	depthMult      decimal.Decimal
}

// NewDetector creates an opportunity detector over the registry's venues.
func NewDetector(registry core.IVenueRegistry, cfg *config.Config, store OpportunityStore, logger core.ILogger) *Detector {
	return &Detector{
		registry:       registry,
		cfg:            cfg,
		store:          store,
		logger:         logger.WithField("component", "opportunity_detector"),
		minSpreadPct:   decimal.NewFromFloat(cfg.Arbitrage.MinSpreadThreshold),
		minNetProfit:   decimal.NewFromFloat(cfg.Arbitrage.MinNetProfitThreshold),
		minProfitRatio: decimal.NewFromFloat(cfg.Arbitrage.MinProfitRatio),
		minDepthUSD:    decimal.NewFromFloat(cfg.Arbitrage.MinOrderbookDepthUSD),
		depthMult:      decimal.NewFromFloat(cfg.Arbitrage.MinDepthMultiplier),
	}
}

// Detect evaluates one spread batch and returns surviving opportunities
// sorted by net profit, best first.
func (d *Detector) Detect(ctx context.Context, spreads []core.SpreadEntry, amount decimal.Decimal) []core.Opportunity {
	metrics := telemetry.GetGlobalMetrics()

	var out []core.Opportunity
	for _, entry := range spreads {
		if entry.SpreadPct.LessThan(d.minSpreadPct) {
			continue
		}

		opp, reason := d.evaluate(ctx, entry, amount)
		if opp == nil {
			d.logger.Debug("Candidate dropped", "direction", entry.DirectionKey(), "reason", reason)
			metrics.OpportunitiesDropped.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", reason)))
			continue
		}
		out = append(out, *opp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].NetProfit.GreaterThan(out[j].NetProfit)
	})

	if len(out) > 0 {
		metrics.OpportunitiesDetected.Add(ctx, int64(len(out)),
			metric.WithAttributes(attribute.String("symbol", d.cfg.Arbitrage.Symbol)))
	}
	d.persist(ctx, out)
	return out
}

// evaluate runs the cost model and filters for one candidate. A nil result
// carries the drop reason.
func (d *Detector) evaluate(ctx context.Context, entry core.SpreadEntry, amount decimal.Decimal) (*core.Opportunity, string) {
	gross := entry.SellBid.Sub(entry.BuyAsk).Mul(amount).Div(entry.BuyAsk)

	buyRate := d.takerRate(entry.BuyVenue)
	sellRate := d.takerRate(entry.SellVenue)
	fees := amount.Mul(buyRate.Add(sellRate))

	slipTier := slipTierFor(amount)
	buySlip := amount.Mul(slipTier)
	sellSlip := amount.Mul(slipTier)

	buffer := amount.Mul(bufferRate)
	net := gross.Sub(fees).Sub(buySlip).Sub(sellSlip).Sub(buffer)

	if net.LessThan(d.minNetProfit) {
		return nil, "net_profit"
	}
	if !gross.IsPositive() || net.Div(gross).LessThan(d.minProfitRatio) {
		return nil, "profit_ratio"
	}

	buyDepth, sellDepth, err := d.fetchDepth(ctx, entry)
	if err != nil {
		d.logger.Warn("Depth fetch failed", "direction", entry.DirectionKey(), "error", err)
		return nil, "depth_unavailable"
	}

	depth := decimal.Min(buyDepth, sellDepth)
	if depth.LessThan(d.minDepthUSD) {
		return nil, "depth_floor"
	}
	if depth.LessThan(amount.Mul(d.depthMult)) {
		return nil, "depth_multiplier"
	}

	return &core.Opportunity{
		BuyVenue:    entry.BuyVenue,
		SellVenue:   entry.SellVenue,
		Symbol:      entry.Symbol,
		BuyPrice:    entry.BuyAsk,
		SellPrice:   entry.SellBid,
		SpreadPct:   entry.SpreadPct,
		Amount:      amount,
		GrossProfit: gross,
		NetProfit:   net,
		BuyFee:      amount.Mul(buyRate),
		SellFee:     amount.Mul(sellRate),
		EstBuySlip:  buySlip,
		EstSellSlip: sellSlip,
		BuyDepth:    buyDepth,
		SellDepth:   sellDepth,
		RiskScore:   riskScore(entry.SpreadPct, buyDepth, sellDepth, slipTier.Mul(decimal.NewFromInt(2))),
		Ts:          entry.Ts,
	}, ""
}

// fetchDepth sums price*qty over the top levels: asks on the buy venue, bids
// on the sell venue.
func (d *Detector) fetchDepth(ctx context.Context, entry core.SpreadEntry) (buyDepth, sellDepth decimal.Decimal, err error) {
	callCtx, cancel := context.WithTimeout(ctx, bookTimeout)
	defer cancel()

	buyVenue, err := d.registry.Get(callCtx, entry.BuyVenue)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	sellVenue, err := d.registry.Get(callCtx, entry.SellVenue)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	buyBook, err := buyVenue.GetOrderBook(callCtx, entry.Symbol, bookDepthLevels)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	sellBook, err := sellVenue.GetOrderBook(callCtx, entry.Symbol, bookDepthLevels)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	for _, level := range buyBook.Asks {
		buyDepth = buyDepth.Add(level.Price.Mul(level.Quantity))
	}
	for _, level := range sellBook.Bids {
		sellDepth = sellDepth.Add(level.Price.Mul(level.Quantity))
	}
	return buyDepth, sellDepth, nil
}

func (d *Detector) takerRate(venueName string) decimal.Decimal {
	if vc, ok := d.cfg.Venues[venueName]; ok && vc.TakerFeeRate > 0 {
		return decimal.NewFromFloat(vc.TakerFeeRate)
	}
	return defaultTakerRate
}

// WorstPairCostRate is the detector's per-trade cost model applied to the
// least favorable pair among the given venues: the two highest taker fees,
// both slippage legs, and the safety buffer, as a fraction of notional.
func WorstPairCostRate(cfg *config.Config, venues []string, amount decimal.Decimal) decimal.Decimal {
	rates := make([]decimal.Decimal, 0, len(venues))
	for _, name := range venues {
		rate := defaultTakerRate
		if vc, ok := cfg.Venues[name]; ok && vc.TakerFeeRate > 0 {
			rate = decimal.NewFromFloat(vc.TakerFeeRate)
		}
		rates = append(rates, rate)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].GreaterThan(rates[j]) })

	fees := decimal.Zero
	for i := 0; i < 2 && i < len(rates); i++ {
		fees = fees.Add(rates[i])
	}
	slip := slipTierFor(amount).Mul(decimal.NewFromInt(2))
	return fees.Add(slip).Add(bufferRate)
}

func (d *Detector) persist(ctx context.Context, opps []core.Opportunity) {
	if d.store == nil {
		return
	}
	for i := range opps {
		if err := d.store.InsertOpportunity(ctx, &opps[i]); err != nil {
			d.logger.Error("Failed to persist opportunity", "symbol", opps[i].Symbol, "error", err)
		}
	}
}

// slipTierFor returns the per-side slippage rate for a position size.
func slipTierFor(amount decimal.Decimal) decimal.Decimal {
	switch {
	case amount.LessThan(decimal.NewFromInt(100)):
		return decimal.NewFromFloat(0.0001)
	case amount.LessThan(decimal.NewFromInt(500)):
		return decimal.NewFromFloat(0.0002)
	case amount.LessThan(decimal.NewFromInt(1000)):
		return decimal.NewFromFloat(0.0003)
	default:
		return decimal.NewFromFloat(0.0005)
	}
}

// riskScore grades a candidate from its spread width, depth, and slippage
// exposure. Capped at 1.0.
func riskScore(spreadPct, buyDepth, sellDepth, totalSlipRate decimal.Decimal) decimal.Decimal {
	score := decimal.Zero

	switch {
	case spreadPct.LessThan(decimal.NewFromFloat(0.5)):
		score = score.Add(decimal.NewFromFloat(0.3))
	case spreadPct.LessThan(decimal.NewFromFloat(1.0)):
		score = score.Add(decimal.NewFromFloat(0.2))
	default:
		score = score.Add(decimal.NewFromFloat(0.1))
	}

	if buyDepth.LessThan(shallowDepthUSD) {
		score = score.Add(decimal.NewFromFloat(0.2))
	}
	if sellDepth.LessThan(shallowDepthUSD) {
		score = score.Add(decimal.NewFromFloat(0.2))
	}

	if totalSlipRate.GreaterThan(decimal.NewFromFloat(0.001)) {
		score = score.Add(decimal.NewFromFloat(0.2))
	} else if totalSlipRate.GreaterThan(decimal.NewFromFloat(0.0005)) {
		score = score.Add(decimal.NewFromFloat(0.1))
	}

	return decimal.Min(score, decimal.NewFromInt(1))
}

var _ core.IOpportunityDetector = (*Detector)(nil)
