// Package core defines the shared domain types and interfaces used across
// the platform. Components depend on these contracts, never on each other's
// concrete types.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// Ticker is a best bid/ask snapshot for a symbol. Ts is in milliseconds.
type Ticker struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Ts     int64
}

// OrderBookLevel is a single price level of an order book.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook holds bids (descending) and asks (ascending) for a symbol.
type OrderBook struct {
	Symbol string
	Bids   []OrderBookLevel
	Asks   []OrderBookLevel
	Ts     int64
}

// Kline is one OHLCV candle. Ts is the candle open time in milliseconds.
type Kline struct {
	Ts     int64
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Position is a venue-reported open position.
type Position struct {
	Venue      string
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// OrderRequest describes an order to be placed on a venue.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
	ClientOrderID string
	ReduceOnly    bool
}

// OrderResult is the outcome of placing or querying an order. When Success
// is false, ErrorKind and ErrorMsg carry the classified venue error so
// callers can branch without unwrapping.
type OrderResult struct {
	Success     bool
	OrderID     string
	Symbol      string
	Side        OrderSide
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
	Status      OrderStatus
	ErrorKind   ErrorKind
	ErrorMsg    string
	Ts          int64
}

// Filled reports whether the order has any executed quantity.
func (r *OrderResult) Filled() bool {
	return r != nil && r.ExecutedQty.IsPositive()
}

// SpreadEntry is one directional cross-venue spread observation: buying on
// BuyVenue at its ask and selling on SellVenue at its bid.
type SpreadEntry struct {
	BuyVenue  string
	SellVenue string
	Symbol    string
	BuyAsk    decimal.Decimal
	SellBid   decimal.Decimal
	SpreadPct decimal.Decimal
	Ts        int64
}

// DirectionKey identifies the ring buffer this entry belongs to.
func (s SpreadEntry) DirectionKey() string {
	return "buy:" + s.BuyVenue + "|sell:" + s.SellVenue + "|" + s.Symbol
}

// Opportunity is a sized, costed arbitrage candidate.
type Opportunity struct {
	BuyVenue    string
	SellVenue   string
	Symbol      string
	BuyPrice    decimal.Decimal
	SellPrice   decimal.Decimal
	SpreadPct   decimal.Decimal
	Amount      decimal.Decimal
	GrossProfit decimal.Decimal
	NetProfit   decimal.Decimal
	BuyFee      decimal.Decimal
	SellFee     decimal.Decimal
	EstBuySlip  decimal.Decimal
	EstSellSlip decimal.Decimal
	BuyDepth    decimal.Decimal
	SellDepth   decimal.Decimal
	RiskScore   decimal.Decimal
	Ts          int64
}

// TradeStatus is the state machine state of an arbitrage trade.
type TradeStatus string

const (
	TradePending       TradeStatus = "PENDING"
	TradeExecutingBuy  TradeStatus = "EXECUTING_BUY"
	TradeExecutingSell TradeStatus = "EXECUTING_SELL"
	TradeRollingBack   TradeStatus = "ROLLING_BACK"
	TradeCompleted     TradeStatus = "COMPLETED"
	TradeFailed        TradeStatus = "FAILED"
)

// Trade is the record of one two-legged arbitrage execution. Pointer fields
// stay nil until the corresponding leg happened.
type Trade struct {
	ID             string
	BuyVenue       string
	SellVenue      string
	Symbol         string
	Amount         decimal.Decimal
	Status         TradeStatus
	BuyOrderID     string
	SellOrderID    string
	BuyPrice       decimal.Decimal
	SellPrice      decimal.Decimal
	ExpectedPnl    decimal.Decimal
	ActualPnl      *decimal.Decimal
	FailureReason  string
	BuyExecTime    int64 // milliseconds
	SellExecTime   int64
	TotalExecTime  int64
	CreatedAt      time.Time
	BuyExecutedAt  *time.Time
	SellExecutedAt *time.Time
	CompletedAt    *time.Time
}

// TradeOutcome is the closed-trade summary consumed by the circuit breaker
// and the config rollback manager.
type TradeOutcome struct {
	TradeID  string
	Pnl      decimal.Decimal
	ClosedAt time.Time
}

// SignalKind is the direction a strategy signal proposes.
type SignalKind string

const (
	SignalLong    SignalKind = "long"
	SignalShort   SignalKind = "short"
	SignalNeutral SignalKind = "neutral"
)

// Indicators is the indicator snapshot attached to a signal.
type Indicators struct {
	RSI      float64
	MACD     float64
	ADX      float64
	EMAFast  float64
	EMASlow  float64
	ATR      float64
	Volume   float64
	VolumeMA float64
}

// Signal is one strategy signal entering the decision pipeline.
type Signal struct {
	Ts            time.Time
	TradeID       string
	Strategy      string
	Kind          SignalKind
	Strength      float64
	Confidence    float64
	Price         decimal.Decimal
	Indicators    Indicators
	SpreadPct     float64
	VolumeRatio   float64
	ATRSpikeRatio float64
}

// AdvisorVerdict is the advisor's validated answer for one signal.
type AdvisorVerdict struct {
	Execute       bool     `json:"execute"`
	Confidence    float64  `json:"confidence"`
	Regime        string   `json:"regime"`
	SignalQuality float64  `json:"signal_quality"`
	RiskFlags     []string `json:"risk_flags,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// PipelineDecision is the per-signal audit row: every stage's counterfactual
// outcome plus, when the trade actually ran, its realized result.
type PipelineDecision struct {
	ID         int64
	Ts         time.Time
	TradeID    string
	Price      decimal.Decimal
	Regime     string
	Volatility float64
	Strategy   string
	Signal     SignalKind
	Strength   float64
	Confidence float64

	WouldExecuteStrategy     bool
	WouldExecuteAfterTrend   bool
	WouldExecuteAfterAdvisor bool
	WouldExecuteAfterExec    bool
	FinalWouldExecute        bool
	RejectionStage           string
	RejectionReason          string

	TrendFilterPass   bool
	TrendFilterReason string

	AdvisorEnabled       bool
	AdvisorPass          bool
	AdvisorConfidence    float64
	AdvisorRegime        string
	AdvisorSignalQuality float64
	AdvisorRiskFlags     string

	ExecFilterPass   bool
	ExecFilterReason string
	SpreadPct        float64
	VolumeRatio      float64
	ATRSpikeRatio    float64

	BasePositionPct          float64
	AdjustedPositionPct      float64
	PositionAdjustmentFactor float64

	ActuallyExecuted bool
	ActualEntryPrice *decimal.Decimal
	ActualExitPrice  *decimal.Decimal
	ActualPnl        *decimal.Decimal
	ActualPnlPct     *float64
}
