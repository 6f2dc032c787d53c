// Package venue constructs concrete venue adapters and tracks them behind
// the registry.
package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/venue/binance"
	"cross_arb/internal/venue/bitget"
	"cross_arb/internal/venue/okx"
	"cross_arb/internal/venue/paper"
)

// NewVenue creates a venue adapter by name.
func NewVenue(name string, cfg *config.Config, logger core.ILogger) (core.IVenue, error) {
	lower := strings.ToLower(name)
	venueConfig, exists := cfg.Venues[lower]
	if !exists && lower != "paper" {
		return nil, fmt.Errorf("configuration not found for venue: %s", name)
	}

	switch lower {
	case "bitget":
		return bitget.New(&venueConfig, logger), nil
	case "binance":
		return binance.New(&venueConfig, logger), nil
	case "okx":
		return okx.New(&venueConfig, logger), nil
	case "paper":
		return paper.New(lower, &venueConfig, logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", name)
	}
}

// Registry holds the configured venues. The active venue is eagerly
// connected on Initialize; the rest connect on first use. Active is plain
// guarded state, never a process global.
type Registry struct {
	cfg    *config.Config
	logger core.ILogger

	// connectMu serializes construction so concurrent Gets cannot connect
	// the same venue twice.
	connectMu sync.Mutex

	mu     sync.RWMutex
	venues map[string]core.IVenue
	active core.IVenue
}

// NewRegistry creates an empty registry over the configured venue set.
func NewRegistry(cfg *config.Config, logger core.ILogger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger.WithField("component", "venue_registry"),
		venues: make(map[string]core.IVenue),
	}
}

// Initialize connects the active venue. The remaining configured venues stay
// lazy until Get or All touches them.
func (r *Registry) Initialize(ctx context.Context, activeName string) error {
	active, err := r.Get(ctx, activeName)
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}

	r.mu.Lock()
	r.active = active
	r.mu.Unlock()

	r.logger.Info("registry initialized", "active", activeName, "configured", r.cfg.Arbitrage.Venues)
	return nil
}

// Get returns the connected venue by name, connecting it first if needed.
func (r *Registry) Get(ctx context.Context, name string) (core.IVenue, error) {
	name = strings.ToLower(name)

	r.mu.RLock()
	v, ok := r.venues[name]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	// Another caller may have connected it while we waited.
	r.mu.RLock()
	v, ok = r.venues[name]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := NewVenue(name, r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	if err := v.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	r.mu.Lock()
	r.venues[name] = v
	r.mu.Unlock()

	r.logger.Info("venue connected", "venue", name)
	return v, nil
}

// Register stores a pre-built venue under name, bypassing the factory. Used
// to wire simulated venues for dry runs and tests.
func (r *Registry) Register(name string, v core.IVenue) {
	r.mu.Lock()
	r.venues[strings.ToLower(name)] = v
	if r.active == nil {
		r.active = v
	}
	r.mu.Unlock()
}

// Active returns the current active venue.
func (r *Registry) Active() core.IVenue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Switch swaps the active venue. On any failure the previous active venue
// stays in place.
func (r *Registry) Switch(ctx context.Context, name string) error {
	v, err := r.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("switch to %s: %w", name, err)
	}

	r.mu.Lock()
	r.active = v
	r.mu.Unlock()

	r.logger.Info("active venue switched", "venue", name)
	return nil
}

// All returns every configured venue that is connected or connectable,
// skipping venues that fail to come up.
func (r *Registry) All(ctx context.Context) []core.IVenue {
	venues := make([]core.IVenue, 0, len(r.cfg.Arbitrage.Venues))
	for _, name := range r.cfg.Arbitrage.Venues {
		v, err := r.Get(ctx, name)
		if err != nil {
			r.logger.Warn("venue unavailable, skipping", "venue", name, "error", err)
			continue
		}
		venues = append(venues, v)
	}
	return venues
}

// DisconnectAll closes every connected venue. Safe to call more than once.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	venues := r.venues
	r.venues = make(map[string]core.IVenue)
	r.active = nil
	r.mu.Unlock()

	for name, v := range venues {
		if err := v.Disconnect(); err != nil {
			r.logger.Warn("venue close failed", "venue", name, "error", err)
		}
	}
}

var _ core.IVenueRegistry = (*Registry)(nil)
