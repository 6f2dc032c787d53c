// Package position tracks locally-known inventory per venue and reconciles it
// against what the venues report.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cross_arb/internal/core"
)

// Ledger is the local book of record for filled quantity per venue and
// symbol. Buy adds, sell subtracts; negative balances represent short
// inventory. Every mutation is appended to an in-order history trail.
type Ledger struct {
	logger core.ILogger

	mu      sync.RWMutex
	qty     map[string]map[string]decimal.Decimal
	prices  map[string]decimal.Decimal
	history []core.Mutation
}

// NewLedger creates an empty ledger.
func NewLedger(logger core.ILogger) *Ledger {
	return &Ledger{
		logger: logger.WithField("component", "ledger"),
		qty:    make(map[string]map[string]decimal.Decimal),
		prices: make(map[string]decimal.Decimal),
	}
}

// ApplyFill folds an executed quantity into the ledger.
func (l *Ledger) ApplyFill(venue, symbol string, side core.OrderSide, qty decimal.Decimal, tradeID string) {
	if qty.IsZero() {
		return
	}

	delta := qty
	if side == core.OrderSideSell {
		delta = qty.Neg()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.qty[venue] == nil {
		l.qty[venue] = make(map[string]decimal.Decimal)
	}
	l.qty[venue][symbol] = l.qty[venue][symbol].Add(delta)
	l.history = append(l.history, core.Mutation{
		Venue:   venue,
		Symbol:  symbol,
		Side:    side,
		Qty:     qty,
		TradeID: tradeID,
		Ts:      time.Now(),
	})
}

// Quantity returns the net quantity for a venue and symbol. Long positive,
// short negative.
func (l *Ledger) Quantity(venue, symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.qty[venue][symbol]
}

// MarkPrice records the latest observed price for a symbol, used to value
// exposure. The engine feeds it from each spread round.
func (l *Ledger) MarkPrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prices[symbol] = price
}

// Exposure values a venue's inventory in quote terms: Σ|qty|×price for
// symbols with a marked price, falling back to Σ|qty| otherwise.
func (l *Ledger) Exposure(venue string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for symbol, q := range l.qty[venue] {
		if price, ok := l.prices[symbol]; ok {
			total = total.Add(q.Abs().Mul(price))
		} else {
			total = total.Add(q.Abs())
		}
	}
	return total
}

// Snapshot returns a deep copy of the ledger quantities.
func (l *Ledger) Snapshot() map[string]map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]map[string]decimal.Decimal, len(l.qty))
	for venue, symbols := range l.qty {
		cp := make(map[string]decimal.Decimal, len(symbols))
		for symbol, q := range symbols {
			cp[symbol] = q
		}
		out[venue] = cp
	}
	return out
}

// History returns a copy of the mutation trail, oldest first.
func (l *Ledger) History() []core.Mutation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]core.Mutation, len(l.history))
	copy(out, l.history)
	return out
}

var _ core.ILedger = (*Ledger)(nil)
