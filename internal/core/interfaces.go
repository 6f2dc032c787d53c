// Package core defines the core interfaces for the arbitrage platform
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IVenue defines the interface for cryptocurrency venues
type IVenue interface {
	// Identity and lifecycle
	GetName() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	CheckHealth(ctx context.Context) error

	// Market data
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]Kline, error)

	// Account operations
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)

	// Order operations
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol string, orderID string) (*OrderResult, error)
	OpenLong(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*OrderResult, error)
	OpenShort(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (*OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)

	// Contract setup
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode string) error
	FetchExchangeInfo(ctx context.Context) error
}

// IVenueRegistry manages the set of configured venues and the active one
type IVenueRegistry interface {
	Initialize(ctx context.Context, activeName string) error
	Get(ctx context.Context, name string) (IVenue, error)
	Active() IVenue
	Switch(ctx context.Context, name string) error
	All(ctx context.Context) []IVenue
	DisconnectAll()
}

// ISpreadMonitor defines the interface for cross-venue spread monitoring
type ISpreadMonitor interface {
	Start(ctx context.Context) error
	Stop() error
	Latest() []SpreadEntry
	History(directionKey string) []SpreadEntry
	Subscribe() <-chan []SpreadEntry
	CheckHealth() error
}

// IOpportunityDetector ranks spread observations into executable candidates
type IOpportunityDetector interface {
	Detect(ctx context.Context, spreads []SpreadEntry, amount decimal.Decimal) []Opportunity
}

// IRiskGate is the pre-trade admission check for arbitrage executions
type IRiskGate interface {
	Check(ctx context.Context, opp *Opportunity, amount decimal.Decimal) error
	RecordTradeStart(opp *Opportunity, amount decimal.Decimal)
	RecordTradeComplete(opp *Opportunity, amount decimal.Decimal, success bool)
}

// ILedger tracks locally-known inventory per venue and symbol
type ILedger interface {
	ApplyFill(venue, symbol string, side OrderSide, qty decimal.Decimal, tradeID string)
	Quantity(venue, symbol string) decimal.Decimal
	Exposure(venue string) decimal.Decimal
	Snapshot() map[string]map[string]decimal.Decimal
	History() []Mutation
}

// ITradeExecutor runs the two-legged execution state machine
type ITradeExecutor interface {
	Execute(ctx context.Context, opp *Opportunity, amount decimal.Decimal) *Trade
}

// ICircuitBreaker defines the interface for loss-based trading pauses
type ICircuitBreaker interface {
	RecordTrade(pnl decimal.Decimal, balance decimal.Decimal)
	Allowed(now time.Time) bool
	Trip(reason string, duration time.Duration)
	Reset()
	ResetDaily(balance decimal.Decimal)
	Status() BreakerStatus
}

// BreakerStatus is a copy of the breaker's current state.
type BreakerStatus struct {
	Paused            bool
	PauseUntil        time.Time
	PauseReason       string
	ConsecutiveLosses int
	DailyPnl          decimal.Decimal
}

// Mutation is one append-only ledger history entry.
type Mutation struct {
	Venue   string
	Symbol  string
	Side    OrderSide
	Qty     decimal.Decimal
	TradeID string
	Ts      time.Time
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IStateStore defines the interface for named JSON state documents
type IStateStore interface {
	SaveStateDoc(ctx context.Context, name string, doc any) error
	LoadStateDoc(ctx context.Context, name string, doc any) error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
