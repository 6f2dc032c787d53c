package advisor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"cross_arb/internal/core"
)

const cacheSweepSize = 512

// Counters is a snapshot of the guardrail state for the status surface.
// Negative remaining values mean the corresponding ceiling is not set.
type Counters struct {
	TotalCalls           int64   `json:"total_calls"`
	CacheHits            int64   `json:"cache_hits"`
	ValidationFailures   int64   `json:"validation_failures"`
	TimeoutFailures      int64   `json:"timeout_failures"`
	BudgetStops          int64   `json:"budget_stops"`
	RemainingDailyCalls  int64   `json:"remaining_daily_calls"`
	RemainingDailyBudget float64 `json:"remaining_daily_budget"`
}

type cacheEntry struct {
	verdict core.AdvisorVerdict
	expires time.Time
}

// guardrails owns all mutable client state: the daily budget, the verdict
// cache, the failure counters, and the last seen regime. One mutex covers
// everything and is never held across HTTP.
type guardrails struct {
	mu sync.Mutex

	day      string // UTC date the budget counts belong to
	dayCalls int64
	dayCost  float64

	totalCalls         int64
	cacheHits          int64
	validationFailures int64
	timeoutFailures    int64
	budgetStops        int64

	cache      map[string]cacheEntry
	lastRegime string
}

func newGuardrails() *guardrails {
	return &guardrails{cache: make(map[string]cacheEntry)}
}

// rollDay resets the daily budget when the UTC date changes. Caller holds mu.
func (g *guardrails) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.dayCalls = 0
		g.dayCost = 0
	}
}

// lookup returns a cached verdict when fresh; stale entries are dropped.
func (g *guardrails) lookup(fp string, now time.Time) (core.AdvisorVerdict, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[fp]
	if !ok {
		return core.AdvisorVerdict{}, false
	}
	if now.After(e.expires) {
		delete(g.cache, fp)
		return core.AdvisorVerdict{}, false
	}
	g.cacheHits++
	return e.verdict, true
}

func (g *guardrails) store(fp string, v core.AdvisorVerdict, now time.Time, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) >= cacheSweepSize {
		for k, e := range g.cache {
			if now.After(e.expires) {
				delete(g.cache, k)
			}
		}
	}
	g.cache[fp] = cacheEntry{verdict: v, expires: now.Add(ttl)}
	if v.Regime != "" {
		g.lastRegime = v.Regime
	}
}

// admit charges one call against the daily budget, rolling the day first.
// False means a ceiling was hit and no charge was taken.
func (g *guardrails) admit(now time.Time, maxCalls int, maxCost, costPerCall float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)
	if maxCalls > 0 && g.dayCalls >= int64(maxCalls) {
		g.budgetStops++
		return false
	}
	if maxCost > 0 && g.dayCost+costPerCall > maxCost {
		g.budgetStops++
		return false
	}
	g.dayCalls++
	g.dayCost += costPerCall
	g.totalCalls++
	return true
}

func (g *guardrails) noteTimeout() {
	g.mu.Lock()
	g.timeoutFailures++
	g.mu.Unlock()
}

func (g *guardrails) noteInvalid() {
	g.mu.Lock()
	g.validationFailures++
	g.mu.Unlock()
}

func (g *guardrails) regimeHint() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRegime
}

func (g *guardrails) snapshot(now time.Time, maxCalls int, maxCost float64) Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDay(now)

	c := Counters{
		TotalCalls:           g.totalCalls,
		CacheHits:            g.cacheHits,
		ValidationFailures:   g.validationFailures,
		TimeoutFailures:      g.timeoutFailures,
		BudgetStops:          g.budgetStops,
		RemainingDailyCalls:  -1,
		RemainingDailyBudget: -1,
	}
	if maxCalls > 0 {
		c.RemainingDailyCalls = max(int64(maxCalls)-g.dayCalls, 0)
	}
	if maxCost > 0 {
		c.RemainingDailyBudget = max(maxCost-g.dayCost, 0)
	}
	return c
}

// fingerprint keys the verdict cache: signals that would read the same to
// the advisor share one entry. Indicator values are rounded so float noise
// does not defeat the cache.
func fingerprint(sig core.Signal) string {
	trend := "flat"
	switch {
	case sig.Indicators.EMAFast > sig.Indicators.EMASlow:
		trend = "up"
	case sig.Indicators.EMAFast < sig.Indicators.EMASlow:
		trend = "down"
	}
	ts := sig.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	key := fmt.Sprintf("%s|%s|%d|%.1f|%.4f|%.1f|%s",
		sig.Strategy, sig.Kind, ts.UTC().Truncate(time.Minute).Unix(),
		sig.Indicators.RSI, sig.Indicators.MACD, sig.Indicators.ADX, trend)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
