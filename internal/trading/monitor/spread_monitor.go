// Package monitor provides cross-venue spread monitoring.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cross_arb/internal/core"
	"cross_arb/pkg/concurrency"
	"cross_arb/pkg/telemetry"
	"cross_arb/pkg/tradingutils"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	historySize   = 100 // ring buffer length per direction
	tickerTimeout = 5 * time.Second
)

// SpreadStore persists spread observations. A nil store disables persistence.
type SpreadStore interface {
	InsertSpread(ctx context.Context, e core.SpreadEntry) error
}

// SpreadMonitor polls tickers from every registered venue and computes
// directional spreads for each venue pair.
type SpreadMonitor struct {
	registry core.IVenueRegistry
	store    SpreadStore
	logger   core.ILogger
	symbol   string
	interval time.Duration

	pool *concurrency.WorkerPool

	isRunning int32 // atomic bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.RWMutex
	history     map[string][]core.SpreadEntry // direction key -> newest last
	subscribers []chan []core.SpreadEntry

	lastRound atomic.Value // holds time.Time of the last successful round
}

// NewSpreadMonitor creates a spread monitor for one symbol across the
// registry's venues. interval falls back to 1s when zero.
func NewSpreadMonitor(registry core.IVenueRegistry, store SpreadStore, symbol string, interval time.Duration, logger core.ILogger) *SpreadMonitor {
	if interval <= 0 {
		interval = time.Second
	}

	sm := &SpreadMonitor{
		registry: registry,
		store:    store,
		logger:   logger.WithField("component", "spread_monitor").WithField("symbol", symbol),
		symbol:   symbol,
		interval: interval,
		history:  make(map[string][]core.SpreadEntry),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "spread_monitor",
			MaxWorkers:  8,
			MaxCapacity: 64,
		}, logger),
	}
	sm.lastRound.Store(time.Time{})
	return sm
}

// Start begins the monitoring loop.
func (sm *SpreadMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&sm.isRunning, 0, 1) {
		return fmt.Errorf("spread monitor is already running")
	}

	sm.ctx, sm.cancel = context.WithCancel(ctx)

	sm.logger.Info("Starting spread monitor", "interval", sm.interval.String())
	sm.wg.Add(1)
	go sm.monitorLoop()

	return nil
}

// Stop cancels the loop and waits for it to drain.
func (sm *SpreadMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&sm.isRunning, 1, 0) {
		return nil
	}

	sm.logger.Info("Stopping spread monitor")
	sm.cancel()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		sm.logger.Info("Spread monitor stopped")
	case <-time.After(10 * time.Second):
		sm.logger.Warn("Spread monitor stop timed out")
	}

	sm.pool.Stop()
	return nil
}

// Latest returns the most recent round's spreads: the entries sharing the
// maximum timestamp across all directions.
func (sm *SpreadMonitor) Latest() []core.SpreadEntry {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var maxTs int64
	for _, entries := range sm.history {
		if n := len(entries); n > 0 && entries[n-1].Ts > maxTs {
			maxTs = entries[n-1].Ts
		}
	}
	if maxTs == 0 {
		return nil
	}

	var latest []core.SpreadEntry
	for _, entries := range sm.history {
		if n := len(entries); n > 0 && entries[n-1].Ts == maxTs {
			latest = append(latest, entries[n-1])
		}
	}
	return latest
}

// History returns the buffered entries for one direction key, oldest first.
func (sm *SpreadMonitor) History(directionKey string) []core.SpreadEntry {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	entries := sm.history[directionKey]
	out := make([]core.SpreadEntry, len(entries))
	copy(out, entries)
	return out
}

// Subscribe returns a channel receiving each round's spread batch. Slow
// consumers lose batches rather than stalling the loop.
func (sm *SpreadMonitor) Subscribe() <-chan []core.SpreadEntry {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan []core.SpreadEntry, 10)
	sm.subscribers = append(sm.subscribers, ch)
	return ch
}

// CheckHealth returns an error when the monitor is stopped or has not
// completed a round for over a minute.
func (sm *SpreadMonitor) CheckHealth() error {
	if atomic.LoadInt32(&sm.isRunning) != 1 {
		return fmt.Errorf("spread monitor is not running")
	}

	last := sm.lastRound.Load().(time.Time)
	if last.IsZero() {
		return fmt.Errorf("no spread round completed yet")
	}
	if time.Since(last) > time.Minute {
		return fmt.Errorf("stale spread data: last round %s ago", time.Since(last).Round(time.Second))
	}
	return nil
}

func (sm *SpreadMonitor) monitorLoop() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	// First round immediately so Latest() is usable before one interval.
	sm.runRound()

	for {
		select {
		case <-sm.ctx.Done():
			sm.logger.Info("Spread monitoring loop stopped")
			return
		case <-ticker.C:
			sm.runRound()
		}
	}
}

// runRound fans one GetTicker per venue out to the pool, then computes both
// directional spreads for every venue pair that answered.
func (sm *SpreadMonitor) runRound() {
	tickers := sm.fetchTickers()
	if len(tickers) < 2 {
		sm.logger.Warn("Skipping spread round: need at least 2 venues with fresh tickers", "got", len(tickers))
		return
	}

	names := make([]string, 0, len(tickers))
	for name := range tickers {
		names = append(names, name)
	}
	sort.Strings(names)

	roundTs := time.Now().UnixMilli()
	batch := make([]core.SpreadEntry, 0, len(names)*(len(names)-1))
	for _, buyName := range names {
		for _, sellName := range names {
			if buyName == sellName {
				continue
			}
			buyAsk := tickers[buyName].Ask
			sellBid := tickers[sellName].Bid
			if !buyAsk.IsPositive() {
				sm.logger.Debug("Skipping direction with unusable ask", "venue", buyName)
				continue
			}
			if !sellBid.IsPositive() {
				sm.logger.Debug("Skipping direction with unusable bid", "venue", sellName)
				continue
			}
			batch = append(batch, core.SpreadEntry{
				BuyVenue:  buyName,
				SellVenue: sellName,
				Symbol:    sm.symbol,
				BuyAsk:    buyAsk,
				SellBid:   sellBid,
				SpreadPct: tradingutils.SpreadPercent(buyAsk, sellBid),
				Ts:        roundTs,
			})
		}
	}
	if len(batch) == 0 {
		return
	}

	sm.record(batch)
	sm.lastRound.Store(time.Now())
	sm.broadcast(batch)
	sm.persist(batch)
}

func (sm *SpreadMonitor) fetchTickers() map[string]core.Ticker {
	venues := sm.registry.All(sm.ctx)

	results := make(map[string]core.Ticker, len(venues))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, v := range venues {
		v := v
		wg.Add(1)
		err := sm.pool.Submit(func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(sm.ctx, tickerTimeout)
			defer cancel()

			ticker, err := v.GetTicker(callCtx, sm.symbol)
			if err != nil {
				sm.logger.Warn("Ticker fetch failed", "venue", v.GetName(), "error", err)
				return
			}

			mu.Lock()
			results[v.GetName()] = *ticker
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			sm.logger.Warn("Ticker fetch rejected by pool", "venue", v.GetName(), "error", err)
		}
	}

	wg.Wait()
	return results
}

func (sm *SpreadMonitor) record(batch []core.SpreadEntry) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.SpreadsObserved.Add(sm.ctx, int64(len(batch)),
		metric.WithAttributes(attribute.String("symbol", sm.symbol)))

	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, e := range batch {
		key := e.DirectionKey()
		entries := append(sm.history[key], e)
		if len(entries) > historySize {
			entries = entries[len(entries)-historySize:]
		}
		sm.history[key] = entries

		pct, _ := e.SpreadPct.Float64()
		metrics.SetSpreadPct(key, pct)
	}
}

func (sm *SpreadMonitor) broadcast(batch []core.SpreadEntry) {
	sm.mu.RLock()
	subscribers := make([]chan []core.SpreadEntry, len(sm.subscribers))
	copy(subscribers, sm.subscribers)
	sm.mu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- batch:
		default:
			sm.logger.Warn("Subscriber channel full, dropping spread batch")
		}
	}
}

// persist writes the batch off the hot path. Failures never touch the
// in-memory buffers.
func (sm *SpreadMonitor) persist(batch []core.SpreadEntry) {
	if sm.store == nil {
		return
	}

	err := sm.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), tickerTimeout)
		defer cancel()
		for _, e := range batch {
			if err := sm.store.InsertSpread(ctx, e); err != nil {
				sm.logger.Error("Failed to persist spread", "direction", e.DirectionKey(), "error", err)
			}
		}
	})
	if err != nil {
		sm.logger.Warn("Spread persistence rejected by pool", "error", err)
	}
}

var _ core.ISpreadMonitor = (*SpreadMonitor)(nil)
