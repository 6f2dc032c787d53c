// Package paper provides an in-memory venue for dry runs and tests. Prices,
// books, balances, and positions are seeded by the caller; market orders fill
// instantly at the seeded top of book.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	apperrors "cross_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

const syntheticBookLevels = 20

// Venue implements core.IVenue against in-memory state.
type Venue struct {
	name   string
	logger core.ILogger

	mu             sync.RWMutex
	connected      bool
	tickers        map[string]core.Ticker
	books          map[string]core.OrderBook
	klines         map[string][]core.Kline
	balance        decimal.Decimal
	positions      map[string][]core.Position
	orders         map[string]*core.OrderResult
	clientOrderMap map[string]string
	requests       []core.OrderRequest
	orderIDCounter int64
	takerFee       decimal.Decimal
	leverage       map[string]int
	marginMode     map[string]string

	// Test hooks
	healthErr     error
	failNextPlace error
	failNextQuery error
	placeDelay    time.Duration
	stayOpen      bool
	partialRatio  decimal.Decimal
}

var _ core.IVenue = (*Venue)(nil)

// New creates a paper venue. cfg may be nil; only the taker fee rate is read
// from it.
func New(name string, cfg *config.VenueConfig, logger core.ILogger) *Venue {
	fee := decimal.NewFromFloat(0.0006)
	if cfg != nil && cfg.TakerFeeRate > 0 {
		fee = decimal.NewFromFloat(cfg.TakerFeeRate)
	}
	return &Venue{
		name:           name,
		logger:         logger.WithField("venue", name),
		tickers:        make(map[string]core.Ticker),
		books:          make(map[string]core.OrderBook),
		klines:         make(map[string][]core.Kline),
		balance:        decimal.NewFromInt(10000),
		positions:      make(map[string][]core.Position),
		orders:         make(map[string]*core.OrderResult),
		clientOrderMap: make(map[string]string),
		orderIDCounter: 1000,
		takerFee:       fee,
		leverage:       make(map[string]int),
		marginMode:     make(map[string]string),
	}
}

// SetTicker seeds the top of book for a symbol.
func (v *Venue) SetTicker(symbol string, bid, ask decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickers[symbol] = core.Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Ts:     time.Now().UnixMilli(),
	}
}

// SetOrderBook seeds a full order book for a symbol.
func (v *Venue) SetOrderBook(book core.OrderBook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.books[book.Symbol] = book
}

// SetKlines seeds candles for a symbol and interval.
func (v *Venue) SetKlines(symbol, interval string, klines []core.Kline) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.klines[symbol+"|"+interval] = klines
}

// SetBalance seeds the free quote balance.
func (v *Venue) SetBalance(balance decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = balance
}

// SetPosition seeds an open position for a symbol.
func (v *Venue) SetPosition(symbol string, side string, qty, entryPrice decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if qty.IsZero() {
		delete(v.positions, symbol)
		return
	}
	v.positions[symbol] = []core.Position{{
		Venue:      v.name,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: entryPrice,
	}}
}

// SetHealthError makes CheckHealth fail until cleared with nil.
func (v *Venue) SetHealthError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.healthErr = err
}

// FailNextPlace makes the next PlaceOrder call return err.
func (v *Venue) FailNextPlace(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNextPlace = err
}

// FailNextQuery makes the next GetOrderStatus call return err.
func (v *Venue) FailNextQuery(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNextQuery = err
}

// SetPlaceDelay delays PlaceOrder by d, honoring context cancellation.
func (v *Venue) SetPlaceDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeDelay = d
}

// StayOpen leaves market orders resting with zero fill instead of filling
// them instantly. Used to exercise leg timeouts.
func (v *Venue) StayOpen(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stayOpen = on
}

// SetPartialFillRatio fills market orders at ratio of the requested quantity.
func (v *Venue) SetPartialFillRatio(ratio decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.partialRatio = ratio
}

// PlacedRequests returns every order request seen, in order.
func (v *Venue) PlacedRequests() []core.OrderRequest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]core.OrderRequest, len(v.requests))
	copy(out, v.requests)
	return out
}

func (v *Venue) GetName() string {
	return v.name
}

func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = true
	v.logger.Info("paper venue connected")
	return nil
}

func (v *Venue) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = false
	return nil
}

func (v *Venue) IsConnected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

func (v *Venue) CheckHealth(ctx context.Context) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.connected {
		return fmt.Errorf("%s: %w", v.name, apperrors.ErrNotConnected)
	}
	return v.healthErr
}

func (v *Venue) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := v.ensureConnected(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker seeded for %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	t.Ts = time.Now().UnixMilli()
	return &t, nil
}

// GetOrderBook returns the seeded book, or a synthetic book built around the
// seeded ticker when no book was set.
func (v *Venue) GetOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	if err := v.ensureConnected(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	if book, ok := v.books[symbol]; ok {
		out := core.OrderBook{Symbol: symbol, Ts: time.Now().UnixMilli()}
		out.Bids = append(out.Bids, book.Bids...)
		out.Asks = append(out.Asks, book.Asks...)
		if depth > 0 && len(out.Bids) > depth {
			out.Bids = out.Bids[:depth]
		}
		if depth > 0 && len(out.Asks) > depth {
			out.Asks = out.Asks[:depth]
		}
		return &out, nil
	}

	t, ok := v.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no book or ticker seeded for %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}
	return syntheticBook(symbol, t, depth), nil
}

// syntheticBook fans out levels around the top of book with a fixed size per
// level so depth checks have something to sum.
func syntheticBook(symbol string, t core.Ticker, depth int) *core.OrderBook {
	levels := syntheticBookLevels
	if depth > 0 && depth < levels {
		levels = depth
	}
	tick := t.Ask.Sub(t.Bid).Div(decimal.NewFromInt(2))
	if tick.IsZero() {
		tick = t.Ask.Mul(decimal.NewFromFloat(0.0001))
	}
	size := decimal.NewFromInt(1)

	book := &core.OrderBook{Symbol: symbol, Ts: time.Now().UnixMilli()}
	for i := 0; i < levels; i++ {
		offset := tick.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, core.OrderBookLevel{Price: t.Bid.Sub(offset), Quantity: size})
		book.Asks = append(book.Asks, core.OrderBookLevel{Price: t.Ask.Add(offset), Quantity: size})
	}
	return book
}

func (v *Venue) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	if err := v.ensureConnected(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	if seeded, ok := v.klines[symbol+"|"+interval]; ok {
		if limit > 0 && len(seeded) > limit {
			return seeded[len(seeded)-limit:], nil
		}
		out := make([]core.Kline, len(seeded))
		copy(out, seeded)
		return out, nil
	}

	t, ok := v.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no klines seeded for %s: %w", symbol, apperrors.ErrInvalidSymbol)
	}

	// Flat synthetic series at the last price.
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UnixMilli()
	out := make([]core.Kline, 0, limit)
	for i := limit; i > 0; i-- {
		out = append(out, core.Kline{
			Ts:     now - int64(i)*60_000,
			Open:   t.Last,
			High:   t.Last,
			Low:    t.Last,
			Close:  t.Last,
			Volume: decimal.NewFromInt(100),
		})
	}
	return out, nil
}

func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := v.ensureConnected(); err != nil {
		return decimal.Zero, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balance, nil
}

func (v *Venue) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	if err := v.ensureConnected(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]core.Position, 0, len(v.positions[symbol]))
	out = append(out, v.positions[symbol]...)
	return out, nil
}

// PlaceOrder places an order into the paper venue. Placing with a client
// order ID already seen returns the existing order.
func (v *Venue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if err := v.ensureConnected(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	delay := v.placeDelay
	v.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failNextPlace != nil {
		err := v.failNextPlace
		v.failNextPlace = nil
		return nil, err
	}

	// Idempotency: a client order ID already seen returns the existing order
	if req.ClientOrderID != "" {
		if existingID, exists := v.clientOrderMap[req.ClientOrderID]; exists {
			if existing, ok := v.orders[existingID]; ok {
				cp := *existing
				return &cp, nil
			}
		}
	}

	t, ok := v.tickers[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker seeded for %s: %w", req.Symbol, apperrors.ErrInvalidSymbol)
	}

	v.orderIDCounter++
	id := fmt.Sprintf("%d", v.orderIDCounter)

	fillPrice := t.Ask
	if req.Side == core.OrderSideSell {
		fillPrice = t.Bid
	}
	if req.Type == core.OrderTypeLimit {
		fillPrice = req.Price
	}

	executedQty := decimal.Zero
	status := core.OrderStatusNew
	if req.Type == core.OrderTypeMarket && !v.stayOpen {
		executedQty = req.Quantity
		status = core.OrderStatusFilled
		if v.partialRatio.IsPositive() && v.partialRatio.LessThan(decimal.NewFromInt(1)) {
			executedQty = req.Quantity.Mul(v.partialRatio)
			status = core.OrderStatusPartiallyFilled
		}
	}

	fee := executedQty.Mul(fillPrice).Mul(v.takerFee)
	result := &core.OrderResult{
		Success:     true,
		OrderID:     id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    req.Quantity,
		ExecutedQty: executedQty,
		AvgPrice:    fillPrice,
		Fee:         fee,
		Status:      status,
		Ts:          time.Now().UnixMilli(),
	}

	v.orders[id] = result
	if req.ClientOrderID != "" {
		v.clientOrderMap[req.ClientOrderID] = id
	}
	v.requests = append(v.requests, *req)
	v.applyFillLocked(req, executedQty, fillPrice)

	cp := *result
	return &cp, nil
}

// applyFillLocked updates the seeded position and balance for a fill.
func (v *Venue) applyFillLocked(req *core.OrderRequest, qty, price decimal.Decimal) {
	if qty.IsZero() {
		return
	}

	signed := qty
	if req.Side == core.OrderSideSell {
		signed = qty.Neg()
	}

	current := decimal.Zero
	entry := price
	if ps := v.positions[req.Symbol]; len(ps) > 0 {
		current = ps[0].Quantity
		if ps[0].Side == "short" {
			current = current.Neg()
		}
		entry = ps[0].EntryPrice
	}
	next := current.Add(signed)

	switch {
	case next.IsZero():
		delete(v.positions, req.Symbol)
	case next.IsPositive():
		v.positions[req.Symbol] = []core.Position{{
			Venue: v.name, Symbol: req.Symbol, Side: "long", Quantity: next, EntryPrice: entry,
		}}
	default:
		v.positions[req.Symbol] = []core.Position{{
			Venue: v.name, Symbol: req.Symbol, Side: "short", Quantity: next.Neg(), EntryPrice: entry,
		}}
	}

	notional := qty.Mul(price)
	if req.Side == core.OrderSideBuy {
		v.balance = v.balance.Sub(notional)
	} else {
		v.balance = v.balance.Add(notional)
	}
}

func (v *Venue) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.OrderResult, error) {
	if err := v.ensureConnected(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failNextQuery != nil {
		err := v.failNextQuery
		v.failNextQuery = nil
		return nil, err
	}

	order, exists := v.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	cp := *order
	return &cp, nil
}

func (v *Venue) OpenLong(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	return v.openMarket(ctx, symbol, core.OrderSideBuy, quoteAmount)
}

func (v *Venue) OpenShort(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	return v.openMarket(ctx, symbol, core.OrderSideSell, quoteAmount)
}

func (v *Venue) openMarket(ctx context.Context, symbol string, side core.OrderSide, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	t, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ref := t.Ask
	if side == core.OrderSideSell {
		ref = t.Bid
	}
	if ref.IsZero() {
		return nil, fmt.Errorf("zero reference price for %s", symbol)
	}
	return v.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     core.OrderTypeMarket,
		Quantity: quoteAmount.Div(ref),
	})
}

func (v *Venue) ClosePosition(ctx context.Context, symbol string) (*core.OrderResult, error) {
	v.mu.RLock()
	ps := v.positions[symbol]
	v.mu.RUnlock()
	if len(ps) == 0 {
		return nil, fmt.Errorf("no open position for %s", symbol)
	}

	side := core.OrderSideSell
	if ps[0].Side == "short" {
		side = core.OrderSideBuy
	}
	return v.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       core.OrderTypeMarket,
		Quantity:   ps[0].Quantity,
		ReduceOnly: true,
	})
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, lev int) error {
	if err := v.ensureConnected(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage[symbol] = lev
	return nil
}

func (v *Venue) SetMarginMode(ctx context.Context, symbol, mode string) error {
	if err := v.ensureConnected(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marginMode[symbol] = mode
	return nil
}

func (v *Venue) FetchExchangeInfo(ctx context.Context) error {
	return v.ensureConnected()
}

func (v *Venue) ensureConnected() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.connected {
		return fmt.Errorf("%s: %w", v.name, apperrors.ErrNotConnected)
	}
	return nil
}
