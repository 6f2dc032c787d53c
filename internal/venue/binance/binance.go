// Package binance provides the Binance USD-M futures venue implementation
// built on the go-binance SDK.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/venue/base"
	apperrors "cross_arb/pkg/errors"
	"cross_arb/pkg/retry"
	"cross_arb/pkg/tradingutils"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultTakerFeeRate = 0.0005

type symbolInfo struct {
	pricePrecision    int
	quantityPrecision int
	quoteAsset        string
}

// Venue implements core.IVenue for Binance USD-M futures. Transport belongs
// to the SDK, so the adapter carries its own client-side throttle instead of
// the shared REST client.
type Venue struct {
	*base.Adapter
	client  *futures.Client
	limiter *rate.Limiter

	takerFeeRate decimal.Decimal
	quoteAsset   string

	infoMu sync.RWMutex
	info   map[string]symbolInfo
}

// New creates a new Binance venue instance
func New(cfg *config.VenueConfig, logger core.ILogger) *Venue {
	if cfg.Testnet {
		futures.UseTestnet = true
	}

	client := futures.NewClient(string(cfg.APIKey), string(cfg.APISecret))
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	feeRate := cfg.TakerFeeRate
	if feeRate <= 0 {
		feeRate = defaultTakerFeeRate
	}

	perSec, burst := base.RateLimit(cfg)
	v := &Venue{
		client:       client,
		limiter:      rate.NewLimiter(rate.Limit(perSec), burst),
		takerFeeRate: decimal.NewFromFloat(feeRate),
		quoteAsset:   "USDT",
		info:         make(map[string]symbolInfo),
	}
	v.Adapter = base.NewAdapter("binance", cfg, logger, nil)
	v.SetMapOrderStatus(mapOrderStatus)
	return v
}

// classifyError maps SDK errors onto the shared sentinels. Non-API errors
// count as network failures.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("binance: %w: %v", apperrors.ErrNetwork, err)
	}

	// https://developers.binance.com/docs/derivatives/usds-margined-futures/error-code
	switch apiErr.Code {
	case -1003, -1015:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	case -1022, -2014, -2015:
		return apperrors.ErrAuthenticationFailed
	case -2013:
		return apperrors.ErrOrderNotFound
	case -2018, -2019:
		return apperrors.ErrInsufficientFunds
	case -2010:
		if strings.Contains(apiErr.Message, "Duplicate") {
			return apperrors.ErrDuplicateOrder
		}
		return apperrors.ErrOrderRejected
	case -2022:
		return apperrors.ErrOrderRejected
	case -1111, -4003, -4164:
		return apperrors.ErrInvalidOrderParameter
	case -1001:
		return apperrors.ErrSystemOverload
	}

	return fmt.Errorf("binance error: %s (%d)", apiErr.Message, apiErr.Code)
}

func mapOrderStatus(rawStatus string) core.OrderStatus {
	switch futures.OrderStatusType(rawStatus) {
	case futures.OrderStatusTypeNew:
		return core.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return core.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return core.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return core.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return core.OrderStatusRejected
	default:
		return core.OrderStatusUnknown
	}
}

func (v *Venue) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return core.KindOf(err).Retryable() || errors.Is(err, apperrors.ErrSystemOverload)
}

// throttle applies the client-side rate limit before an SDK call.
func (v *Venue) throttle(ctx context.Context) error {
	if err := v.EnsureConnected(); err != nil {
		return err
	}
	return v.limiter.Wait(ctx)
}

// Connect syncs server time and loads symbol precision. The SDK signs with
// a local timestamp, so the offset sync runs first.
func (v *Venue) Connect(ctx context.Context) error {
	v.MarkConnected()
	if _, err := v.client.NewSetServerTimeService().Do(ctx); err != nil {
		v.MarkDisconnected()
		return fmt.Errorf("binance connect: %w", classifyError(err))
	}
	if err := v.FetchExchangeInfo(ctx); err != nil {
		v.MarkDisconnected()
		return fmt.Errorf("binance connect: %w", err)
	}
	v.Logger.Info("connected")
	return nil
}

func (v *Venue) Disconnect() error {
	v.MarkDisconnected()
	return nil
}

func (v *Venue) CheckHealth(ctx context.Context) error {
	if err := v.EnsureConnected(); err != nil {
		return err
	}
	if !v.Healthy() {
		return fmt.Errorf("binance: %w", apperrors.ErrAuthenticationFailed)
	}
	if err := v.client.NewPingService().Do(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

// GetTicker returns the best bid/ask from the book ticker. The endpoint has
// no last-trade field; the mid price stands in for Last.
func (v *Venue) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := v.throttle(ctx); err != nil {
		return nil, err
	}

	tickers, err := v.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("binance ticker %s: empty response", symbol)
	}

	raw := tickers[0]
	bid := v.ParseDecimal(raw.BidPrice)
	ask := v.ParseDecimal(raw.AskPrice)
	return &core.Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Ts:     time.Now().UnixMilli(),
	}, nil
}

func (v *Venue) GetOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	if err := v.throttle(ctx); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 20
	}

	res, err := v.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	ts := res.Time
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	book := &core.OrderBook{
		Symbol: symbol,
		Bids:   make([]core.OrderBookLevel, 0, len(res.Bids)),
		Asks:   make([]core.OrderBookLevel, 0, len(res.Asks)),
		Ts:     ts,
	}
	for _, level := range res.Bids {
		book.Bids = append(book.Bids, core.OrderBookLevel{
			Price:    v.ParseDecimal(level.Price),
			Quantity: v.ParseDecimal(level.Quantity),
		})
	}
	for _, level := range res.Asks {
		book.Asks = append(book.Asks, core.OrderBookLevel{
			Price:    v.ParseDecimal(level.Price),
			Quantity: v.ParseDecimal(level.Quantity),
		})
	}
	return book, nil
}

func (v *Venue) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]core.Kline, error) {
	if err := v.throttle(ctx); err != nil {
		return nil, err
	}

	raw, err := v.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	klines := make([]core.Kline, 0, len(raw))
	for _, k := range raw {
		klines = append(klines, core.Kline{
			Ts:     k.OpenTime,
			Open:   v.ParseDecimal(k.Open),
			High:   v.ParseDecimal(k.High),
			Low:    v.ParseDecimal(k.Low),
			Close:  v.ParseDecimal(k.Close),
			Volume: v.ParseDecimal(k.Volume),
		})
	}
	return klines, nil
}

// GetBalance returns the free quote-asset balance from the futures wallet.
func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := v.throttle(ctx); err != nil {
		return decimal.Zero, err
	}

	balances, err := v.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		err = classifyError(err)
		v.NoteError(err)
		return decimal.Zero, err
	}

	for _, b := range balances {
		if b.Asset == v.quoteAsset {
			return v.ParseDecimal(b.AvailableBalance), nil
		}
	}
	return decimal.Zero, nil
}

func (v *Venue) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	if err := v.throttle(ctx); err != nil {
		return nil, err
	}

	risks, err := v.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	positions := make([]core.Position, 0, len(risks))
	for _, pos := range risks {
		amt := v.ParseDecimal(pos.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := "long"
		if amt.IsNegative() {
			side = "short"
		}
		positions = append(positions, core.Position{
			Venue:      v.GetName(),
			Symbol:     pos.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: v.ParseDecimal(pos.EntryPrice),
		})
	}
	return positions, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if err := v.throttle(ctx); err != nil {
		return nil, err
	}

	var result *core.OrderResult
	err := retry.Do(ctx, retry.VenuePolicy, v.isTransientError, func() error {
		var err error
		result, err = v.placeOrderOnce(ctx, req)
		if err != nil && errors.Is(err, apperrors.ErrDuplicateOrder) && req.ClientOrderID != "" {
			existing, fetchErr := v.getOrderByClientID(ctx, req.Symbol, req.ClientOrderID)
			if fetchErr == nil {
				result = existing
				return nil
			}
		}
		return err
	})
	if err != nil {
		v.NoteError(err)
		return &core.OrderResult{
			Success:   false,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Quantity:  req.Quantity,
			ErrorKind: core.KindOf(err),
			ErrorMsg:  err.Error(),
			Ts:        time.Now().UnixMilli(),
		}, err
	}
	return result, nil
}

func (v *Venue) placeOrderOnce(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == core.OrderSideSell {
		side = futures.SideTypeSell
	}

	svc := v.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(v.formatQty(req.Symbol, req.Quantity)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.Type == core.OrderTypeLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(v.formatPrice(req.Symbol, req.Price))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	executed := v.ParseDecimal(resp.ExecutedQuantity)
	avgPrice := v.ParseDecimal(resp.AvgPrice)
	return &core.OrderResult{
		Success:     true,
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    v.ParseDecimal(resp.OrigQuantity),
		ExecutedQty: executed,
		AvgPrice:    avgPrice,
		Fee:         v.estimateFee(avgPrice, executed),
		Status:      mapOrderStatus(string(resp.Status)),
		Ts:          resp.UpdateTime,
	}, nil
}

func (v *Venue) GetOrderStatus(ctx context.Context, symbol string, orderID string) (*core.OrderResult, error) {
	if err := v.throttle(ctx); err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance order id %q: %w", orderID, apperrors.ErrValidation)
	}

	order, err := v.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		err = classifyError(err)
		return &core.OrderResult{
			Success:   false,
			OrderID:   orderID,
			Symbol:    symbol,
			ErrorKind: core.KindOf(err),
			ErrorMsg:  err.Error(),
			Ts:        time.Now().UnixMilli(),
		}, err
	}
	return v.toOrderResult(order), nil
}

func (v *Venue) getOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	order, err := v.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	return v.toOrderResult(order), nil
}

func (v *Venue) toOrderResult(order *futures.Order) *core.OrderResult {
	side := core.OrderSideBuy
	if order.Side == futures.SideTypeSell {
		side = core.OrderSideSell
	}
	executed := v.ParseDecimal(order.ExecutedQuantity)
	avgPrice := v.ParseDecimal(order.AvgPrice)
	return &core.OrderResult{
		Success:     true,
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Side:        side,
		Price:       v.ParseDecimal(order.Price),
		Quantity:    v.ParseDecimal(order.OrigQuantity),
		ExecutedQty: executed,
		AvgPrice:    avgPrice,
		Fee:         v.estimateFee(avgPrice, executed),
		Status:      mapOrderStatus(string(order.Status)),
		Ts:          order.UpdateTime,
	}
}

// estimateFee approximates the taker fee from the filled notional. The order
// endpoints report no commission, so the configured rate stands in.
func (v *Venue) estimateFee(avgPrice, executedQty decimal.Decimal) decimal.Decimal {
	if avgPrice.IsZero() || executedQty.IsZero() {
		return decimal.Zero
	}
	return avgPrice.Mul(executedQty).Mul(v.takerFeeRate)
}

func (v *Venue) OpenLong(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	ticker, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if ticker.Ask.IsZero() {
		return nil, fmt.Errorf("binance open long %s: no ask price", symbol)
	}
	return v.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:   symbol,
		Side:     core.OrderSideBuy,
		Type:     core.OrderTypeMarket,
		Quantity: quoteAmount.Div(ticker.Ask),
	})
}

func (v *Venue) OpenShort(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	ticker, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if ticker.Bid.IsZero() {
		return nil, fmt.Errorf("binance open short %s: no bid price", symbol)
	}
	return v.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:   symbol,
		Side:     core.OrderSideSell,
		Type:     core.OrderTypeMarket,
		Quantity: quoteAmount.Div(ticker.Bid),
	})
}

func (v *Venue) ClosePosition(ctx context.Context, symbol string) (*core.OrderResult, error) {
	positions, err := v.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("binance close %s: no open position: %w", symbol, apperrors.ErrPrecondition)
	}

	pos := positions[0]
	side := core.OrderSideSell
	if pos.Side == "short" {
		side = core.OrderSideBuy
	}
	return v.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       core.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := v.throttle(ctx); err != nil {
		return err
	}
	_, err := v.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return classifyError(err)
	}
	return nil
}

func (v *Venue) SetMarginMode(ctx context.Context, symbol string, mode string) error {
	if err := v.throttle(ctx); err != nil {
		return err
	}

	marginType := futures.MarginTypeCrossed
	if mode == "isolated" {
		marginType = futures.MarginTypeIsolated
	}
	err := v.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
	if err != nil {
		// -4046: margin type already matches.
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -4046 {
			return nil
		}
		return classifyError(err)
	}
	return nil
}

func (v *Venue) FetchExchangeInfo(ctx context.Context) error {
	info, err := v.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return classifyError(err)
	}

	v.infoMu.Lock()
	for _, s := range info.Symbols {
		v.info[s.Symbol] = symbolInfo{
			pricePrecision:    s.PricePrecision,
			quantityPrecision: s.QuantityPrecision,
			quoteAsset:        s.QuoteAsset,
		}
	}
	v.infoMu.Unlock()

	v.Logger.Info("symbol metadata loaded", "symbols", len(info.Symbols))
	return nil
}

func (v *Venue) formatQty(symbol string, qty decimal.Decimal) string {
	v.infoMu.RLock()
	info, ok := v.info[symbol]
	v.infoMu.RUnlock()
	if !ok {
		return qty.String()
	}
	return tradingutils.RoundQuantity(qty, info.quantityPrecision).String()
}

func (v *Venue) formatPrice(symbol string, price decimal.Decimal) string {
	v.infoMu.RLock()
	info, ok := v.info[symbol]
	v.infoMu.RUnlock()
	if !ok {
		return price.String()
	}
	return tradingutils.RoundPrice(price, info.pricePrecision).String()
}

var _ core.IVenue = (*Venue)(nil)
