// Package base provides common functionality for venue adapters
package base

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	apperrors "cross_arb/pkg/errors"
	vhttp "cross_arb/pkg/http"
	"cross_arb/pkg/websocket"

	"github.com/shopspring/decimal"
)

// ParseErrorFunc is a function type for venue-specific error parsing. It
// receives a raw response body and returns a classified error when the body
// carries a venue error code, nil otherwise.
type ParseErrorFunc func(body []byte) error

// MapOrderStatusFunc is a function type for venue-specific order status mapping
type MapOrderStatusFunc func(rawStatus string) core.OrderStatus

// TickerMaxAge is how long a streamed ticker stays servable before GetTicker
// falls back to REST.
const TickerMaxAge = 2 * time.Second

// Adapter provides common functionality for all venue adapters: lifecycle
// flags, the signed REST round trip, the websocket ticker cache, and parsing
// helpers. Concrete adapters embed it and set the venue-specific hooks.
type Adapter struct {
	Name   string
	Cfg    *config.VenueConfig
	Logger core.ILogger
	REST   *vhttp.Client

	// Venue-specific functions to be set by concrete implementations
	ParseError     ParseErrorFunc
	MapOrderStatus MapOrderStatusFunc

	connected int32
	healthy   int32

	tickerMu sync.RWMutex
	tickers  map[string]core.Ticker

	ws *websocket.Client
}

// RateLimit returns the venue's client-side throttle settings, applying the
// 10 req/s burst 20 default when the config leaves them unset.
func RateLimit(cfg *config.VenueConfig) (float64, int) {
	perSec := float64(cfg.RateLimitPerSec)
	if perSec <= 0 {
		perSec = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	return perSec, burst
}

// NewAdapter creates a new base adapter with common configuration
func NewAdapter(name string, cfg *config.VenueConfig, logger core.ILogger, rest *vhttp.Client) *Adapter {
	return &Adapter{
		Name:    name,
		Cfg:     cfg,
		Logger:  logger.WithField("venue", name),
		REST:    rest,
		healthy: 1,
		tickers: make(map[string]core.Ticker),
	}
}

// GetName returns the venue name
func (b *Adapter) GetName() string {
	return b.Name
}

// SetParseError sets the venue-specific error parsing function
func (b *Adapter) SetParseError(fn ParseErrorFunc) {
	b.ParseError = fn
}

// SetMapOrderStatus sets the venue-specific order status mapping function
func (b *Adapter) SetMapOrderStatus(fn MapOrderStatusFunc) {
	b.MapOrderStatus = fn
}

// MarkConnected flips the adapter into the connected state.
func (b *Adapter) MarkConnected() {
	atomic.StoreInt32(&b.connected, 1)
}

// MarkDisconnected flips the adapter out of the connected state.
func (b *Adapter) MarkDisconnected() {
	atomic.StoreInt32(&b.connected, 0)
}

// IsConnected reports whether Connect has succeeded and Disconnect has not run.
func (b *Adapter) IsConnected() bool {
	return atomic.LoadInt32(&b.connected) == 1
}

// EnsureConnected fails fast when the adapter is disconnected so callers do
// not burn retries against a venue that was never set up.
func (b *Adapter) EnsureConnected() error {
	if !b.IsConnected() {
		return fmt.Errorf("%s: %w", b.Name, apperrors.ErrNotConnected)
	}
	return nil
}

// NoteError flips the adapter unhealthy on authentication failures. Bad
// credentials never fix themselves under retry.
func (b *Adapter) NoteError(err error) {
	if err == nil {
		return
	}
	if stderrors.Is(err, apperrors.ErrAuthenticationFailed) {
		if atomic.CompareAndSwapInt32(&b.healthy, 1, 0) {
			b.Logger.Error("venue marked unhealthy", "reason", err)
		}
	}
}

// Healthy reports whether the adapter has seen an authentication failure.
func (b *Adapter) Healthy() bool {
	return atomic.LoadInt32(&b.healthy) == 1
}

// Request performs a REST call and runs the venue error parser on the
// response body. Venues report some failures with HTTP 200 and an error code
// in the envelope, so the parser runs on every response.
func (b *Adapter) Request(ctx context.Context, method, path string, params map[string]string, body interface{}) ([]byte, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}

	var (
		respBody []byte
		err      error
	)
	switch method {
	case http.MethodGet:
		respBody, err = b.REST.Get(ctx, path, params)
	case http.MethodPost:
		respBody, err = b.REST.Post(ctx, path, body)
	case http.MethodDelete:
		respBody, err = b.REST.Delete(ctx, path, params)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	if err != nil {
		var apiErr *vhttp.APIError
		if stderrors.As(err, &apiErr) && b.ParseError != nil {
			if parsed := b.ParseError(apiErr.Body); parsed != nil {
				b.NoteError(parsed)
				return nil, parsed
			}
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if b.ParseError != nil {
		if parsed := b.ParseError(respBody); parsed != nil {
			b.NoteError(parsed)
			return nil, parsed
		}
	}

	return respBody, nil
}

// StartTickerStream starts a websocket market-data stream with common
// lifecycle management. The stream stops when ctx is cancelled.
func (b *Adapter) StartTickerStream(
	ctx context.Context,
	wsURL string,
	onMessage func([]byte),
	onConnected func(),
	streamName string,
) {
	client := websocket.NewClient(wsURL, onMessage, b.Logger)

	if onConnected != nil {
		client.SetOnConnected(onConnected)
	}

	b.ws = client
	client.Start()

	go func() {
		<-ctx.Done()
		b.Logger.Info(streamName + " stream stopping")
		client.Stop()
	}()

	b.Logger.Info(streamName+" stream started", "url", wsURL)
}

// StreamConnected reports whether the ticker stream currently holds a live
// websocket connection.
func (b *Adapter) StreamConnected() bool {
	return b.ws != nil && b.ws.IsConnected()
}

// StreamSend sends a message over the ticker stream connection.
func (b *Adapter) StreamSend(message interface{}) error {
	if b.ws == nil {
		return fmt.Errorf("%s: no active stream", b.Name)
	}
	return b.ws.Send(message)
}

// StopStream stops the ticker stream if one is running.
func (b *Adapter) StopStream() {
	if b.ws != nil {
		b.ws.Stop()
	}
}

// CacheTicker stores a ticker received from the websocket stream.
func (b *Adapter) CacheTicker(t core.Ticker) {
	b.tickerMu.Lock()
	b.tickers[t.Symbol] = t
	b.tickerMu.Unlock()
}

// CachedTicker returns the streamed ticker for symbol when it is fresher
// than TickerMaxAge.
func (b *Adapter) CachedTicker(symbol string) (core.Ticker, bool) {
	b.tickerMu.RLock()
	t, ok := b.tickers[symbol]
	b.tickerMu.RUnlock()
	if !ok {
		return core.Ticker{}, false
	}
	if time.Now().UnixMilli()-t.Ts > TickerMaxAge.Milliseconds() {
		return core.Ticker{}, false
	}
	return t, true
}

// SafeMapOrderStatus maps a venue-specific order status to the shared status
func (b *Adapter) SafeMapOrderStatus(rawStatus string) core.OrderStatus {
	if b.MapOrderStatus != nil {
		return b.MapOrderStatus(rawStatus)
	}
	// Default mapping if not set
	return core.OrderStatusUnknown
}

// ParseDecimal safely parses a string to decimal
func (b *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseMillis safely parses a millisecond timestamp string
func (b *Adapter) ParseMillis(s string) int64 {
	if s == "" {
		return 0
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		b.Logger.Warn("failed to parse timestamp", "value", s, "error", err)
		return 0
	}
	return ms
}
