package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/trading/arbitrage"
	apperrors "cross_arb/pkg/errors"
)

// SafetyChecker runs the pre-start account checks. Everything here must pass
// before the engine is allowed to trade; a venue that cannot even answer
// these calls has no business receiving orders.
type SafetyChecker struct {
	registry core.IVenueRegistry
	cfg      *config.Config
	logger   core.ILogger
}

// NewSafetyChecker creates a new safety checker.
func NewSafetyChecker(registry core.IVenueRegistry, cfg *config.Config, logger core.ILogger) *SafetyChecker {
	return &SafetyChecker{
		registry: registry,
		cfg:      cfg,
		logger:   logger.WithField("component", "safety_checker"),
	}
}

// CheckAccountSafety verifies every active venue is reachable and funded,
// and that the configured spread threshold clears the fee and slippage
// break-even. Any failure aborts startup with a precondition error.
func (s *SafetyChecker) CheckAccountSafety(ctx context.Context) error {
	symbol := s.cfg.Arbitrage.Symbol
	positionSize := decimal.NewFromFloat(s.cfg.Arbitrage.PositionSize)

	s.logger.Info("Running pre-start safety checks",
		"symbol", symbol,
		"venues", fmt.Sprintf("%v", s.cfg.Arbitrage.Venues))

	for _, name := range s.cfg.Arbitrage.Venues {
		v, err := s.registry.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: venue %s unavailable: %v", apperrors.ErrPrecondition, name, err)
		}

		if err := v.CheckHealth(ctx); err != nil {
			return fmt.Errorf("%w: venue %s health check: %v", apperrors.ErrPrecondition, name, err)
		}

		balance, err := v.GetBalance(ctx)
		if err != nil {
			return fmt.Errorf("%w: venue %s balance query: %v", apperrors.ErrPrecondition, name, err)
		}
		if !balance.IsPositive() {
			return fmt.Errorf("%w: venue %s has no quote balance", apperrors.ErrPrecondition, name)
		}
		if balance.LessThan(positionSize) {
			s.logger.Warn("Venue balance below configured position size",
				"venue", name,
				"balance", balance.String(),
				"position_size", positionSize.String())
		}

		// Inventory opened outside this process starts the ledger wrong;
		// the reconciler will flag it, but the operator should know now.
		positions, err := v.GetPositions(ctx, symbol)
		if err != nil {
			s.logger.Warn("Could not read open positions", "venue", name, "error", err)
		} else if len(positions) > 0 {
			total := decimal.Zero
			for _, p := range positions {
				total = total.Add(p.Quantity.Abs())
			}
			s.logger.Warn("Pre-existing position on venue",
				"venue", name,
				"symbol", symbol,
				"quantity", total.String())
		}

		s.logger.Info("Venue check passed", "venue", name, "balance", balance.String())
	}

	if err := s.checkBreakEven(); err != nil {
		return err
	}

	s.logger.Info("Pre-start safety checks passed")
	return nil
}

// Spreads on liquid pairs essentially never exceed this. A config whose
// required spread lands above it will sit idle forever.
var maxAttainableSpreadPct = decimal.NewFromFloat(2.0)

// checkBreakEven computes the spread the detector actually needs before a
// trade nets the configured minimum profit, and rejects a configuration
// that can never trade. The min spread threshold itself is a loose
// pre-filter and may sit below break-even; the detector's cost model drops
// those candidates.
func (s *SafetyChecker) checkBreakEven() error {
	if len(s.cfg.Arbitrage.Venues) < 2 {
		return fmt.Errorf("%w: need at least two active venues, got %d",
			apperrors.ErrPrecondition, len(s.cfg.Arbitrage.Venues))
	}

	size := decimal.NewFromFloat(s.cfg.Arbitrage.PositionSize)
	costRate := arbitrage.WorstPairCostRate(s.cfg, s.cfg.Arbitrage.Venues, size)
	minNetRate := decimal.NewFromFloat(s.cfg.Arbitrage.MinNetProfitThreshold).Div(size)
	requiredPct := costRate.Add(minNetRate).Mul(decimal.NewFromInt(100))

	if requiredPct.GreaterThan(maxAttainableSpreadPct) {
		return fmt.Errorf("%w: position size %s needs a %s%% spread to net %.2f after fees, beyond anything the market shows",
			apperrors.ErrPrecondition, size.String(), requiredPct.StringFixed(2),
			s.cfg.Arbitrage.MinNetProfitThreshold)
	}

	s.logger.Info("Break-even check passed",
		"required_spread_pct", requiredPct.StringFixed(4),
		"cost_rate", costRate.String(),
		"min_spread_pct", fmt.Sprintf("%.4f", s.cfg.Arbitrage.MinSpreadThreshold))
	return nil
}
