// Package core defines the shared types and interfaces of the signal bridge
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IFuturesClient wraps the venue's USDT-M perpetual REST surface plus the
// user-data stream handshake. Implementations must honor a task-scoped
// credential override on the context so one instance can serve many tenants.
type IFuturesClient interface {
	// Account reads
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// Order writes
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	// PlaceProtectiveOrder retries transport failures with an idempotent
	// client order id; any HTTP response ends the retry.
	PlaceProtectiveOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// Account setup
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	SetPositionMode(ctx context.Context, dualSide bool) error

	// User data stream handshake
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// ITradeStore is the repository contract for trades, trade events and the
// signal audit trail. A tenantID of "" selects the unscoped (single-tenant)
// query flavor. Mutating operations cover the trade write and its event
// appends in one transaction.
type ITradeStore interface {
	FindOpenTrade(ctx context.Context, tenantID, symbol string) (*Trade, error)
	FindAllOpenTrades(ctx context.Context, tenantID string) ([]*Trade, error)
	FindTrade(ctx context.Context, tenantID, tradeID string) (*Trade, error)
	DCACount(ctx context.Context, tenantID, symbol string) (int, error)
	ClosedTradesBetween(ctx context.Context, tenantID string, from, to time.Time) ([]*Trade, error)
	TodayRealizedLoss(ctx context.Context, tenantID string, now time.Time) (decimal.Decimal, error)
	ExistsBySignalHashSince(ctx context.Context, hash string, cutoff time.Time) (bool, error)
	ListEvents(ctx context.Context, tradeID string) ([]*TradeEvent, error)

	RecordEntry(ctx context.Context, trade *Trade, events []*TradeEvent) error
	RecordDCAEntry(ctx context.Context, trade *Trade, event *TradeEvent) error
	RecordMoveSL(ctx context.Context, tenantID, symbol string, newStopLoss decimal.Decimal, event *TradeEvent) error
	RecordClose(ctx context.Context, trade *Trade, event *TradeEvent) error
	RecordPartialClose(ctx context.Context, trade *Trade, event *TradeEvent) error
	RecordCancel(ctx context.Context, trade *Trade, event *TradeEvent) error
	RecordOrderEvent(ctx context.Context, event *TradeEvent) error
	CleanupStaleTrades(ctx context.Context, tenantID string, hasPosition func(symbol string) bool) (int, error)

	RecordSignal(ctx context.Context, rec *SignalRecord) error
}

// INotifier is the fire-and-forget notification sink. Failures never
// propagate into the caller's control flow. tenantID is "" in
// single-tenant mode.
type INotifier interface {
	Notify(ctx context.Context, tenantID, title, message string, severity Severity)
}

// ISymbolLocks serializes every mutation of exchange or persistence state
// for one symbol. Shared between the execution engine and the stream
// reconciler.
type ISymbolLocks interface {
	Lock(symbol string)
	Unlock(symbol string)
}

// IConfigResolver produces the effective per-trade configuration for a
// tenant, falling back to the global configuration field by field.
type IConfigResolver interface {
	Resolve(tenantID string) TradeConfig
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
