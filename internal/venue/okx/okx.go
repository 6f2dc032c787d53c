// Package okx provides the OKX venue implementation
package okx

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
	"strings"
	"sync"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/internal/venue/base"
	apperrors "cross_arb/pkg/errors"
	vhttp "cross_arb/pkg/http"
	"cross_arb/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	defaultOKXURL = "https://www.okx.com"
	defaultOKXWS  = "wss://ws.okx.com:8443/ws/v5/public"
)

type instrumentInfo struct {
	tickSz decimal.Decimal
	lotSz  decimal.Decimal
	minSz  decimal.Decimal
}

// Venue implements core.IVenue for OKX perpetual swaps.
type Venue struct {
	*base.Adapter
	tdMode string

	infoMu sync.RWMutex
	info   map[string]instrumentInfo
}

// New creates a new OKX venue instance
func New(cfg *config.VenueConfig, logger core.ILogger) *Venue {
	v := &Venue{
		tdMode: "cross",
		info:   make(map[string]instrumentInfo),
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOKXURL
	}

	perSec, burst := base.RateLimit(cfg)
	rest := vhttp.NewClient(baseURL, 10*time.Second,
		vhttp.WithSigner(v),
		vhttp.WithRateLimit(perSec, burst),
	)

	v.Adapter = base.NewAdapter("okx", cfg, logger, rest)
	v.SetParseError(v.parseError)
	v.SetMapOrderStatus(v.mapOrderStatus)
	return v
}

// toInstID maps a shared symbol like BTCUSDT onto the OKX swap instrument
// BTC-USDT-SWAP. Symbols that already carry dashes pass through untouched.
func toInstID(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote) + "-" + quote + "-SWAP"
		}
	}
	return symbol
}

// SignRequest adds authentication headers to the request. Timestamp is ISO
// 8601; the prehash is timestamp + method + path(+query) + body.
func (v *Venue) SignRequest(req *http.Request, body []byte) error {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	message := timestamp + req.Method + path + string(body)
	mac := hmac.New(sha256.New, []byte(v.Cfg.APISecret))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("OK-ACCESS-KEY", string(v.Cfg.APIKey))
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", string(v.Cfg.Passphrase))
	req.Header.Set("Content-Type", "application/json")
	if v.Cfg.Testnet {
		req.Header.Set("x-simulated-trading", "1")
	}
	return nil
}

func (v *Venue) parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("okx error (unmarshal failed): %s", string(body))
	}

	// https://www.okx.com/docs-v5/en/#error-code-details
	switch errResp.Code {
	case "", "0":
		return nil
	case "50004", "50027", "51116":
		return apperrors.ErrInvalidOrderParameter
	case "50005", "50013", "50111", "50113":
		return apperrors.ErrAuthenticationFailed
	case "50102":
		return apperrors.ErrTimestampOutOfBounds
	case "50011", "50014":
		return apperrors.ErrRateLimitExceeded
	case "51000", "51008":
		return apperrors.ErrInsufficientFunds
	case "51401", "51603":
		return apperrors.ErrOrderNotFound
	case "51016":
		return apperrors.ErrDuplicateOrder
	case "51020":
		return apperrors.ErrOrderRejected
	case "50001", "50026":
		return apperrors.ErrSystemOverload
	}

	return fmt.Errorf("okx error: %s (%s)", errResp.Msg, errResp.Code)
}

func (v *Venue) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "live":
		return core.OrderStatusNew
	case "partially_filled":
		return core.OrderStatusPartiallyFilled
	case "filled":
		return core.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return core.OrderStatusCanceled
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

func (v *Venue) Connect(ctx context.Context) error {
	v.MarkConnected()
	if err := v.FetchExchangeInfo(ctx); err != nil {
		v.MarkDisconnected()
		return fmt.Errorf("okx connect: %w", err)
	}
	v.Logger.Info("connected", "td_mode", v.tdMode)
	return nil
}

func (v *Venue) Disconnect() error {
	v.StopStream()
	v.MarkDisconnected()
	return nil
}

func (v *Venue) CheckHealth(ctx context.Context) error {
	if err := v.EnsureConnected(); err != nil {
		return err
	}
	if !v.Healthy() {
		return fmt.Errorf("okx: %w", apperrors.ErrAuthenticationFailed)
	}
	_, err := v.Request(ctx, http.MethodGet, "/api/v5/public/time", nil, nil)
	return err
}

func (v *Venue) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := v.EnsureConnected(); err != nil {
		return nil, err
	}
	if t, ok := v.CachedTicker(symbol); ok {
		return &t, nil
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v5/market/ticker", map[string]string{
		"instId": toInstID(symbol),
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data []struct {
			InstID string `json:"instId"`
			Last   string `json:"last"`
			AskPx  string `json:"askPx"`
			BidPx  string `json:"bidPx"`
			Ts     string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("okx ticker: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("okx ticker %s: empty response", symbol)
	}

	raw := response.Data[0]
	return &core.Ticker{
		Symbol: symbol,
		Bid:    v.ParseDecimal(raw.BidPx),
		Ask:    v.ParseDecimal(raw.AskPx),
		Last:   v.ParseDecimal(raw.Last),
		Ts:     v.ParseMillis(raw.Ts),
	}, nil
}

func (v *Venue) GetOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v5/market/books", map[string]string{
		"instId": toInstID(symbol),
		"sz":     strconv.Itoa(depth),
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data []struct {
			Asks [][]string `json:"asks"`
			Bids [][]string `json:"bids"`
			Ts   string     `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("okx books: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("okx books %s: empty response", symbol)
	}

	raw := response.Data[0]
	book := &core.OrderBook{
		Symbol: symbol,
		Bids:   make([]core.OrderBookLevel, 0, len(raw.Bids)),
		Asks:   make([]core.OrderBookLevel, 0, len(raw.Asks)),
		Ts:     v.ParseMillis(raw.Ts),
	}
	for _, level := range raw.Bids {
		if len(level) < 2 {
			continue
		}
		book.Bids = append(book.Bids, core.OrderBookLevel{
			Price:    v.ParseDecimal(level[0]),
			Quantity: v.ParseDecimal(level[1]),
		})
	}
	for _, level := range raw.Asks {
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

// GetKlines returns candles in ascending time order. OKX serves newest
// first, so the response is reversed.
func (v *Venue) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]core.Kline, error) {
	bar := interval
	switch interval {
	case "1h":
		bar = "1H"
	case "4h":
		bar = "4H"
	case "1d":
		bar = "1D"
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v5/market/candles", map[string]string{
		"instId": toInstID(symbol),
		"bar":    bar,
		"limit":  strconv.Itoa(limit),
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data [][]string `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("okx candles: %w", err)
	}

	klines := make([]core.Kline, 0, len(response.Data))
	for i := len(response.Data) - 1; i >= 0; i-- {
		item := response.Data[i]
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

// GetBalance returns the free USDT balance from the unified account.
func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := v.Request(ctx, http.MethodGet, "/api/v5/account/balance", map[string]string{
		"ccy": "USDT",
	}, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var response struct {
		Data []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				AvailBal string `json:"availBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return decimal.Zero, fmt.Errorf("okx balance: %w", err)
	}

	for _, data := range response.Data {
		for _, detail := range data.Details {
			if detail.Ccy == "USDT" {
				return v.ParseDecimal(detail.AvailBal), nil
			}
		}
	}
	return decimal.Zero, nil
}

func (v *Venue) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	body, err := v.Request(ctx, http.MethodGet, "/api/v5/account/positions", map[string]string{
		"instId": toInstID(symbol),
	}, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data []struct {
			InstID  string `json:"instId"`
			PosSide string `json:"posSide"`
			Pos     string `json:"pos"`
			AvgPx   string `json:"avgPx"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("okx positions: %w", err)
	}

	positions := make([]core.Position, 0, len(response.Data))
	for _, item := range response.Data {
		size := v.ParseDecimal(item.Pos)
		if size.IsZero() {
			continue
		}

		// Net mode reports direction through the sign of pos.
		side := item.PosSide
		if side == "net" || side == "" {
			side = "long"
			if size.IsNegative() {
				side = "short"
			}
		}
		positions = append(positions, core.Position{
			Venue:      v.GetName(),
			Symbol:     symbol,
			Side:       side,
			Quantity:   size.Abs(),
			EntryPrice: v.ParseDecimal(item.AvgPx),
		})
	}
	return positions, nil
}

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
		"instId":  toInstID(req.Symbol),
		"tdMode":  v.tdMode,
		"side":    side,
		"ordType": string(req.Type),
		"sz":      v.formatQty(req.Symbol, req.Quantity),
	}
	if req.Type == core.OrderTypeLimit {
		body["px"] = v.formatPrice(req.Symbol, req.Price)
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	respBody, err := v.Request(ctx, http.MethodPost, "/api/v5/trade/order", nil, body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data []struct {
			OrdID   string `json:"ordId"`
			ClOrdID string `json:"clOrdId"`
			SCode   string `json:"sCode"`
			SMsg    string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("okx place order: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("okx place order: no data returned")
	}

	data := response.Data[0]
	if data.SCode != "" && data.SCode != "0" {
		// Per-order codes share the envelope code table.
		errJSON := fmt.Sprintf(`{"code":%q,"msg":%q}`, data.SCode, data.SMsg)
		if parsed := v.parseError([]byte(errJSON)); parsed != nil {
			v.NoteError(parsed)
			return nil, parsed
		}
	}

	return &core.OrderResult{
		Success:  true,
		OrderID:  data.OrdID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   core.OrderStatusNew,
		Ts:       time.Now().UnixMilli(),
	}, nil
}

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
		"instId": toInstID(symbol),
	}
	if orderID != "" {
		params["ordId"] = orderID
	} else if clientOrderID != "" {
		params["clOrdId"] = clientOrderID
	}

	body, err := v.Request(ctx, http.MethodGet, "/api/v5/trade/order", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data []struct {
			OrdID     string `json:"ordId"`
			ClOrdID   string `json:"clOrdId"`
			Px        string `json:"px"`
			Sz        string `json:"sz"`
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
			Fee       string `json:"fee"`
			Side      string `json:"side"`
			State     string `json:"state"`
			UTime     string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("okx order detail: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("okx order detail: %w", apperrors.ErrOrderNotFound)
	}

	raw := response.Data[0]
	return &core.OrderResult{
		Success:     true,
		OrderID:     raw.OrdID,
		Symbol:      symbol,
		Side:        core.OrderSide(raw.Side),
		Price:       v.ParseDecimal(raw.Px),
		Quantity:    v.ParseDecimal(raw.Sz),
		ExecutedQty: v.ParseDecimal(raw.AccFillSz),
		AvgPrice:    v.ParseDecimal(raw.AvgPx),
		Fee:         v.ParseDecimal(raw.Fee).Abs(),
		Status:      v.SafeMapOrderStatus(raw.State),
		Ts:          v.ParseMillis(raw.UTime),
	}, nil
}

func (v *Venue) OpenLong(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*core.OrderResult, error) {
	ticker, err := v.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if ticker.Ask.IsZero() {
		return nil, fmt.Errorf("okx open long %s: no ask price", symbol)
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
		return nil, fmt.Errorf("okx open short %s: no bid price", symbol)
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
		return nil, fmt.Errorf("okx close %s: no open position: %w", symbol, apperrors.ErrPrecondition)
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
	_, err := v.Request(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, map[string]interface{}{
		"instId":  toInstID(symbol),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": v.tdMode,
	})
	return err
}

// SetMarginMode records the trade mode used on subsequent orders. OKX sets
// margin mode per order through tdMode rather than per account.
func (v *Venue) SetMarginMode(ctx context.Context, symbol string, mode string) error {
	switch mode {
	case "cross", "crossed":
		v.tdMode = "cross"
	case "isolated":
		v.tdMode = "isolated"
	default:
		return fmt.Errorf("okx margin mode %q: %w", mode, apperrors.ErrValidation)
	}
	v.Logger.Info("margin mode set", "td_mode", v.tdMode)
	return nil
}

func (v *Venue) FetchExchangeInfo(ctx context.Context) error {
	body, err := v.Request(ctx, http.MethodGet, "/api/v5/public/instruments", map[string]string{
		"instType": "SWAP",
	}, nil)
	if err != nil {
		return err
	}

	var response struct {
		Data []struct {
			InstID string `json:"instId"`
			TickSz string `json:"tickSz"`
			LotSz  string `json:"lotSz"`
			MinSz  string `json:"minSz"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("okx instruments: %w", err)
	}

	v.infoMu.Lock()
	for _, item := range response.Data {
		v.info[item.InstID] = instrumentInfo{
			tickSz: v.ParseDecimal(item.TickSz),
			lotSz:  v.ParseDecimal(item.LotSz),
			minSz:  v.ParseDecimal(item.MinSz),
		}
	}
	v.infoMu.Unlock()

	v.Logger.Info("instrument metadata loaded", "instruments", len(response.Data))
	return nil
}

// StreamTickers subscribes to the public tickers channel and keeps the base
// ticker cache warm.
func (v *Venue) StreamTickers(ctx context.Context, symbols []string) {
	wsURL := v.Cfg.WSURL
	if wsURL == "" {
		wsURL = defaultOKXWS
	}

	v.StartTickerStream(ctx, wsURL, func(message []byte) {
		if string(message) == "pong" {
			return
		}

		var event struct {
			Arg struct {
				Channel string `json:"channel"`
				InstID  string `json:"instId"`
			} `json:"arg"`
			Data []struct {
				InstID string `json:"instId"`
				Last   string `json:"last"`
				AskPx  string `json:"askPx"`
				BidPx  string `json:"bidPx"`
				Ts     string `json:"ts"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			v.Logger.Error("failed to unmarshal ticker message", "error", err)
			return
		}
		if event.Arg.Channel != "tickers" {
			return
		}

		for _, data := range event.Data {
			v.CacheTicker(core.Ticker{
				Symbol: fromInstID(data.InstID),
				Bid:    v.ParseDecimal(data.BidPx),
				Ask:    v.ParseDecimal(data.AskPx),
				Last:   v.ParseDecimal(data.Last),
				Ts:     v.ParseMillis(data.Ts),
			})
		}
	}, func() {
		args := make([]map[string]string, len(symbols))
		for i, symbol := range symbols {
			args[i] = map[string]string{
				"channel": "tickers",
				"instId":  toInstID(symbol),
			}
		}
		sub := map[string]interface{}{
			"op":   "subscribe",
			"args": args,
		}
		if err := v.StreamSend(sub); err != nil {
			v.Logger.Error("failed to send tickers subscription", "error", err)
		}
	}, "okx ticker")
}

// fromInstID maps BTC-USDT-SWAP back to the shared symbol BTCUSDT.
func fromInstID(instID string) string {
	return strings.ReplaceAll(strings.TrimSuffix(instID, "-SWAP"), "-", "")
}

// formatQty floors the quantity to the instrument's lot size so orders never
// exceed the intended base amount.
func (v *Venue) formatQty(symbol string, qty decimal.Decimal) string {
	v.infoMu.RLock()
	info, ok := v.info[toInstID(symbol)]
	v.infoMu.RUnlock()
	if !ok || info.lotSz.IsZero() {
		return qty.String()
	}
	return qty.Div(info.lotSz).Floor().Mul(info.lotSz).String()
}

func (v *Venue) formatPrice(symbol string, price decimal.Decimal) string {
	v.infoMu.RLock()
	info, ok := v.info[toInstID(symbol)]
	v.infoMu.RUnlock()
	if !ok || info.tickSz.IsZero() {
		return price.String()
	}
	return price.Div(info.tickSz).Round(0).Mul(info.tickSz).String()
}

var _ core.IVenue = (*Venue)(nil)
