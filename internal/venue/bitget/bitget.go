// Package bitget provides the Bitget venue implementation
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/venue/base"
	apperrors "cross_arb/pkg/errors"
	vhttp "cross_arb/pkg/http"
	"cross_arb/pkg/retry"
	"cross_arb/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

const (
	defaultBitgetURL = "https://api.bitget.com"
	defaultBitgetWS  = "wss://ws.bitget.com/v2/ws/public"
)

type contractInfo struct {
	pricePlace  int
	volumePlace int
	minTradeNum decimal.Decimal
}

// Venue implements core.IVenue for Bitget USDT-margined futures.
type Venue struct {
	*base.Adapter
	productType string
	marginCoin  string
	posMode     string

	infoMu sync.RWMutex
	info   map[string]contractInfo
}

// New creates a new Bitget venue instance
func New(cfg *config.VenueConfig, logger core.ILogger) *Venue {
	v := &Venue{
		productType: "USDT-FUTURES",
		marginCoin:  "USDT",
		info:        make(map[string]contractInfo),
	}
	if cfg.Testnet {
		v.productType = "SUSDT-FUTURES"
		v.marginCoin = "SUSDT"
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBitgetURL
	}

	perSec, burst := base.RateLimit(cfg)
	rest := vhttp.NewClient(baseURL, 10*time.Second,
		vhttp.WithSigner(v),
		vhttp.WithRateLimit(perSec, burst),
	)

	v.Adapter = base.NewAdapter("bitget", cfg, logger, rest)
	v.SetParseError(v.parseError)
	v.SetMapOrderStatus(v.mapOrderStatus)
	return v
}

// SignRequest adds authentication headers to the request. The prehash is
// timestamp + method + path(+query) + body, HMAC-SHA256, base64 encoded.
func (v *Venue) SignRequest(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	message := timestamp + req.Method + path + string(body)
	mac := hmac.New(sha256.New, []byte(v.Cfg.APISecret))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", string(v.Cfg.APIKey))
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", string(v.Cfg.Passphrase))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	return nil
}

func (v *Venue) parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("bitget error (unmarshal failed): %s", string(body))
	}

	// https://www.bitget.com/api-doc/common/error-code
	switch errResp.Code {
	case "", "00000":
		return nil
	case "40006", "40008":
		return apperrors.ErrTimestampOutOfBounds
	case "40009", "40012", "40014", "40037":
		return apperrors.ErrAuthenticationFailed
	case "40003", "40018", "429":
		return apperrors.ErrRateLimitExceeded
	case "43009", "43012", "40754", "40762":
		return apperrors.ErrInsufficientFunds
	case "40029", "43001":
		return apperrors.ErrOrderNotFound
	case "40786":
		return apperrors.ErrDuplicateOrder
	case "40034", "45110", "45111":
		return apperrors.ErrInvalidOrderParameter
	case "40725", "40200":
		return apperrors.ErrSystemOverload
	}

	return fmt.Errorf("bitget error: %s (%s)", errResp.Msg, errResp.Code)
}

func (v *Venue) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "new", "live":
		return core.OrderStatusNew
	case "partially_filled", "partial-fill":
		return core.OrderStatusPartiallyFilled
	case "filled":
		return core.OrderStatusFilled
	case "cancelled", "canceled":
		return core.OrderStatusCanceled
	case "rejected":
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

// Connect marks the venue live and loads contract metadata. Failure to load
// contracts rolls the venue back to disconnected.
func (v *Venue) Connect(ctx context.Context) error {
	v.MarkConnected()
	if err := v.FetchExchangeInfo(ctx); err != nil {
		v.MarkDisconnected()
		return fmt.Errorf("bitget connect: %w", err)
	}
	v.Logger.Info("connected", "product_type", v.productType)
	return nil
}

func (v *Venue) Disconnect() error {
	v.StopStream()
	v.MarkDisconnected()
	return nil
}

// CheckHealth probes the public time endpoint. An adapter that saw an
// authentication failure stays unhealthy until reconnected.
func (v *Venue) CheckHealth(ctx context.Context) error {
	if err := v.EnsureConnected(); err != nil {
		return err
	}
	if !v.Healthy() {
		return fmt.Errorf("bitget: %w", apperrors.ErrAuthenticationFailed)
	}
	_, err := v.Request(ctx, http.MethodGet, "/api/v2/public/time", nil, nil)
	return err
}

func (v *Venue) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := v.EnsureConnected(); err != nil {
		return nil, err
	}
	if t, ok := v.CachedTicker(symbol); ok {
		return &t, nil
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v2/mix/market/ticker", map[string]string{
		"symbol":      symbol,
		"productType": v.productType,
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data []struct {
			Symbol string `json:"symbol"`
			LastPr string `json:"lastPr"`
			AskPr  string `json:"askPr"`
			BidPr  string `json:"bidPr"`
			Ts     string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("bitget ticker: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("bitget ticker %s: empty response", symbol)
	}

	raw := response.Data[0]
	return &core.Ticker{
		Symbol: symbol,
		Bid:    v.ParseDecimal(raw.BidPr),
		Ask:    v.ParseDecimal(raw.AskPr),
		Last:   v.ParseDecimal(raw.LastPr),
		Ts:     v.ParseMillis(raw.Ts),
	}, nil
}

func (v *Venue) GetOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v2/mix/market/merge-depth", map[string]string{
		"symbol":      symbol,
		"productType": v.productType,
		"limit":       strconv.Itoa(depth),
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data struct {
			Asks [][]string `json:"asks"`
			Bids [][]string `json:"bids"`
			Ts   string     `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("bitget depth: %w", err)
	}

	book := &core.OrderBook{
		Symbol: symbol,
		Bids:   make([]core.OrderBookLevel, 0, len(response.Data.Bids)),
		Asks:   make([]core.OrderBookLevel, 0, len(response.Data.Asks)),
		Ts:     v.ParseMillis(response.Data.Ts),
	}
	for _, level := range response.Data.Bids {
		if len(level) < 2 {
			continue
		}
		book.Bids = append(book.Bids, core.OrderBookLevel{
			Price:    v.ParseDecimal(level[0]),
			Quantity: v.ParseDecimal(level[1]),
		})
	}
	for _, level := range response.Data.Asks {
		if len(level) < 2 {
			continue
		}
		book.Asks = append(book.Asks, core.OrderBookLevel{
			Price:    v.ParseDecimal(level[0]),
			Quantity: v.ParseDecimal(level[1]),
		})
	}
	return book, nil
}

func (v *Venue) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]core.Kline, error) {
	gran := interval
	switch interval {
	case "1h":
		gran = "1H"
	case "4h":
		gran = "4H"
	case "1d":
		gran = "1D"
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v2/mix/market/candles", map[string]string{
		"symbol":      symbol,
		"productType": v.productType,
		"granularity": gran,
		"limit":       strconv.Itoa(limit),
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data [][]string `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("bitget candles: %w", err)
	}

	klines := make([]core.Kline, 0, len(response.Data))
	for _, item := range response.Data {
		if len(item) < 6 {
			continue
		}
		klines = append(klines, core.Kline{
			Ts:     v.ParseMillis(item[0]),
			Open:   v.ParseDecimal(item[1]),
			High:   v.ParseDecimal(item[2]),
			Low:    v.ParseDecimal(item[3]),
			Close:  v.ParseDecimal(item[4]),
			Volume: v.ParseDecimal(item[5]),
		})
	}
	return klines, nil
}

// GetBalance returns the free margin-coin balance.
func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := v.Request(ctx, http.MethodGet, "/api/v2/mix/account/account", map[string]string{
		"productType": v.productType,
		"marginCoin":  v.marginCoin,
	}, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var response struct {
		Data struct {
			Available string `json:"available"`
			PosMode   string `json:"posMode"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return decimal.Zero, fmt.Errorf("bitget account: %w", err)
	}

	v.posMode = response.Data.PosMode
	return v.ParseDecimal(response.Data.Available), nil
}

func (v *Venue) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	body, err := v.Request(ctx, http.MethodGet, "/api/v2/mix/position/single-position", map[string]string{
		"symbol":      symbol,
		"productType": v.productType,
		"marginCoin":  v.marginCoin,
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data []struct {
			Symbol           string `json:"symbol"`
			HoldSide         string `json:"holdSide"`
			Total            string `json:"total"`
			AverageOpenPrice string `json:"averageOpenPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("bitget positions: %w", err)
	}

	positions := make([]core.Position, 0, len(response.Data))
	for _, item := range response.Data {
		size := v.ParseDecimal(item.Total)
		if size.IsZero() {
			continue
		}
		positions = append(positions, core.Position{
			Venue:      v.GetName(),
			Symbol:     item.Symbol,
			Side:       item.HoldSide,
			Quantity:   size,
			EntryPrice: v.ParseDecimal(item.AverageOpenPrice),
		})
	}
	return positions, nil
}

// PlaceOrder submits an order, retrying transient failures. Duplicate-order
// responses resolve to the already-placed order via the client order ID.
func (v *Venue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if err := v.EnsureConnected(); err != nil {
		return nil, err
	}

	var result *core.OrderResult
	err := retry.Do(ctx, retry.VenuePolicy, v.isTransientError, func() error {
		var err error
		result, err = v.placeOrderOnce(ctx, req)
		if err != nil && errors.Is(err, apperrors.ErrDuplicateOrder) && req.ClientOrderID != "" {
			existing, fetchErr := v.getOrder(ctx, req.Symbol, "", req.ClientOrderID)
			if fetchErr == nil {
				result = existing
				return nil
			}
		}
		return err
	})
	if err != nil {
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
	side := "buy"
	if req.Side == core.OrderSideSell {
		side = "sell"
	}

	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": v.productType,
		"marginCoin":  v.marginCoin,
		"marginMode":  "crossed",
		"side":        side,
		"orderType":   string(req.Type),
		"size":        v.formatQty(req.Symbol, req.Quantity),
	}
	if req.Type == core.OrderTypeLimit {
		body["price"] = v.formatPrice(req.Symbol, req.Price)
		body["force"] = "gtc"
	}
	if req.ClientOrderID != "" {
		body["clientOid"] = req.ClientOrderID
	}

	// Hedge-mode accounts address position sides through tradeSide; one-way
	// accounts use reduceOnly.
	if v.posMode == "hedge_mode" {
		if req.ReduceOnly {
			body["tradeSide"] = "close"
		} else {
			body["tradeSide"] = "open"
		}
	} else if req.ReduceOnly {
		body["reduceOnly"] = "YES"
	}

	respBody, err := v.Request(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data struct {
			OrderID   string `json:"orderId"`
			ClientOid string `json:"clientOid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("bitget place order: %w", err)
	}

	return &core.OrderResult{
		Success:  true,
		OrderID:  response.Data.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   core.OrderStatusNew,
		Ts:       time.Now().UnixMilli(),
	}, nil
}

// GetOrderStatus queries a single order. Unknown IDs come back as a failed
// result with the order error kind; callers decide whether to keep polling.
func (v *Venue) GetOrderStatus(ctx context.Context, symbol string, orderID string) (*core.OrderResult, error) {
	result, err := v.getOrder(ctx, symbol, orderID, "")
	if err != nil {
		return &core.OrderResult{
			Success:   false,
			OrderID:   orderID,
			Symbol:    symbol,
			ErrorKind: core.KindOf(err),
			ErrorMsg:  err.Error(),
			Ts:        time.Now().UnixMilli(),
		}, err
	}
	return result, nil
}

func (v *Venue) getOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.OrderResult, error) {
	params := map[string]string{
		"symbol":      symbol,
		"productType": v.productType,
	}
	if orderID != "" {
		params["orderId"] = orderID
	} else if clientOrderID != "" {
		params["clientOid"] = clientOrderID
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v2/mix/order/detail", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data struct {
			Symbol    string `json:"symbol"`
			Size      string `json:"size"`
			OrderID   string `json:"orderId"`
			ClientOID string `json:"clientOid"`
			FilledQty string `json:"baseVolume"`
			Fee       string `json:"fee"`
			Price     string `json:"price"`
			AvgPrice  string `json:"priceAvg"`
			Side      string `json:"side"`
			Status    string `json:"status"`
			UTime     string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("bitget order detail: %w", err)
	}

	raw := response.Data
	if raw.OrderID == "" {
		return nil, fmt.Errorf("bitget order detail: %w", apperrors.ErrOrderNotFound)
	}

	return &core.OrderResult{
		Success:     true,
		OrderID:     raw.OrderID,
		Symbol:      raw.Symbol,
		Side:        core.OrderSide(raw.Side),
		Price:       v.ParseDecimal(raw.Price),
		Quantity:    v.ParseDecimal(raw.Size),
		ExecutedQty: v.ParseDecimal(raw.FilledQty),
		AvgPrice:    v.ParseDecimal(raw.AvgPrice),
		Fee:         v.ParseDecimal(raw.Fee).Abs(),
		Status:      v.SafeMapOrderStatus(raw.Status),
		Ts:          v.ParseMillis(raw.UTime),
	}, nil
}

// OpenLong market-buys quoteAmount worth of the symbol, converting at the
// current ask.
func (v *Venue) OpenLong(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	ticker, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if ticker.Ask.IsZero() {
		return nil, fmt.Errorf("bitget open long %s: no ask price", symbol)
	}
	return v.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:   symbol,
		Side:     core.OrderSideBuy,
		Type:     core.OrderTypeMarket,
		Quantity: quoteAmount.Div(ticker.Ask),
	})
}

// OpenShort market-sells quoteAmount worth of the symbol, converting at the
// current bid.
func (v *Venue) OpenShort(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	ticker, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if ticker.Bid.IsZero() {
		return nil, fmt.Errorf("bitget open short %s: no bid price", symbol)
	}
	return v.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:   symbol,
		Side:     core.OrderSideSell,
		Type:     core.OrderTypeMarket,
		Quantity: quoteAmount.Div(ticker.Bid),
	})
}

// ClosePosition flattens the open position on symbol with a reduce-only
// market order.
func (v *Venue) ClosePosition(ctx context.Context, symbol string) (*core.OrderResult, error) {
	positions, err := v.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("bitget close %s: no open position: %w", symbol, apperrors.ErrPrecondition)
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
	_, err := v.Request(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", nil, map[string]interface{}{
		"symbol":      symbol,
		"productType": v.productType,
		"marginCoin":  v.marginCoin,
		"leverage":    strconv.Itoa(leverage),
	})
	return err
}

func (v *Venue) SetMarginMode(ctx context.Context, symbol string, mode string) error {
	marginMode := mode
	if mode == "cross" {
		marginMode = "crossed"
	}
	_, err := v.Request(ctx, http.MethodPost, "/api/v2/mix/account/set-margin-mode", nil, map[string]interface{}{
		"symbol":      symbol,
		"productType": v.productType,
		"marginCoin":  v.marginCoin,
		"marginMode":  marginMode,
	})
	return err
}

// FetchExchangeInfo loads price and size precision for all contracts of the
// product type.
func (v *Venue) FetchExchangeInfo(ctx context.Context) error {
	body, err := v.Request(ctx, http.MethodGet, "/api/v2/mix/market/contracts", map[string]string{
		"productType": v.productType,
	}, nil)
	if err != nil {
		return err
	}

	var response struct {
		Data []struct {
			Symbol      string `json:"symbol"`
			PricePlace  string `json:"pricePlace"`
			VolumePlace string `json:"volumePlace"`
			MinTradeNum string `json:"minTradeNum"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("bitget contracts: %w", err)
	}

	v.infoMu.Lock()
	for _, item := range response.Data {
		pricePlace, _ := strconv.Atoi(item.PricePlace)
		volumePlace, _ := strconv.Atoi(item.VolumePlace)
		v.info[item.Symbol] = contractInfo{
			pricePlace:  pricePlace,
			volumePlace: volumePlace,
			minTradeNum: v.ParseDecimal(item.MinTradeNum),
		}
	}
	v.infoMu.Unlock()

	v.Logger.Info("contract metadata loaded", "contracts", len(response.Data))
	return nil
}

// StreamTickers subscribes to the public ticker channel and keeps the base
// ticker cache warm so GetTicker avoids REST round trips.
func (v *Venue) StreamTickers(ctx context.Context, symbols []string) {
	wsURL := v.Cfg.WSURL
	if wsURL == "" {
		wsURL = defaultBitgetWS
	}

	v.StartTickerStream(ctx, wsURL, func(message []byte) {
		if string(message) == "pong" {
			return
		}

		var event struct {
			Action string `json:"action"`
			Arg    struct {
				Channel string `json:"channel"`
				InstID  string `json:"instId"`
			} `json:"arg"`
			Data []struct {
				InstID string `json:"instId"`
				LastPr string `json:"lastPr"`
				BidPr  string `json:"bidPr"`
				AskPr  string `json:"askPr"`
				Ts     string `json:"ts"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			v.Logger.Error("failed to unmarshal ticker message", "error", err)
			return
		}
		if event.Action != "snapshot" && event.Action != "update" {
			return
		}
		if event.Arg.Channel != "ticker" {
			return
		}

		for _, data := range event.Data {
			v.CacheTicker(core.Ticker{
				Symbol: data.InstID,
				Bid:    v.ParseDecimal(data.BidPr),
				Ask:    v.ParseDecimal(data.AskPr),
				Last:   v.ParseDecimal(data.LastPr),
				Ts:     v.ParseMillis(data.Ts),
			})
		}
	}, func() {
		args := make([]map[string]string, len(symbols))
		for i, symbol := range symbols {
			args[i] = map[string]string{
				"instType": v.productType,
				"channel":  "ticker",
				"instId":   symbol,
			}
		}
		sub := map[string]interface{}{
			"op":   "subscribe",
			"args": args,
		}
		if err := v.StreamSend(sub); err != nil {
			v.Logger.Error("failed to send ticker subscription", "error", err)
		}
	}, "bitget ticker")
}

func (v *Venue) formatQty(symbol string, qty decimal.Decimal) string {
	v.infoMu.RLock()
	info, ok := v.info[symbol]
	v.infoMu.RUnlock()
	if !ok {
		return qty.String()
	}
	return tradingutils.RoundQuantity(qty, info.volumePlace).String()
}

func (v *Venue) formatPrice(symbol string, price decimal.Decimal) string {
	v.infoMu.RLock()
	info, ok := v.info[symbol]
	v.infoMu.RUnlock()
	if !ok {
		return price.String()
	}
	return tradingutils.RoundPrice(price, info.pricePlace).String()
}

var _ core.IVenue = (*Venue)(nil)
