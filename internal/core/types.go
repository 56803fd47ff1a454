package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignalAction identifies what a parsed signal asks the engine to do
type SignalAction string

const (
	ActionEntry  SignalAction = "ENTRY"
	ActionDCA    SignalAction = "DCA"
	ActionClose  SignalAction = "CLOSE"
	ActionMoveSL SignalAction = "MOVE_SL"
	ActionCancel SignalAction = "CANCEL"
	ActionInfo   SignalAction = "INFO"
)

// PositionSide is the direction of a position
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
	SideNone  PositionSide = ""
)

// OrderSide is the exchange-level order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType covers the conventional futures order-type set used by the bridge
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// SignalSource records where a signal came from
type SignalSource struct {
	Platform    string `json:"platform"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	GuildID     string `json:"guild_id,omitempty"`
	AuthorName  string `json:"author_name,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// TradeSignal is the normalized, already-parsed description of what the
// upstream producer wants executed. It is ephemeral: built at intake,
// consumed by the engine, audited separately.
type TradeSignal struct {
	Action         SignalAction
	Symbol         string
	Side           PositionSide
	EntryPriceLow  decimal.Decimal
	EntryPriceHigh decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfits    []decimal.Decimal
	CloseRatio     decimal.Decimal // zero means "not set"; CLOSE defaults it to 1
	NewStopLoss    decimal.Decimal
	NewTakeProfit  decimal.Decimal
	IsDCA          bool
	RawMessage     string
	Source         *SignalSource
}

// Hash derives the dedup identity of a signal: SHA-256 over
// symbol|side|entryLow|stopLoss, with the side replaced by the literal
// "DCA" when absent.
func (s *TradeSignal) Hash() string {
	side := string(s.Side)
	if side == "" {
		side = "DCA"
	}
	payload := fmt.Sprintf("%s|%s|%s|%s", s.Symbol, side, s.EntryPriceLow.String(), s.StopLoss.String())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// EffectiveCloseRatio returns the close ratio with the CLOSE default applied
func (s *TradeSignal) EffectiveCloseRatio() decimal.Decimal {
	if s.CloseRatio.IsZero() {
		return decimal.NewFromInt(1)
	}
	return s.CloseRatio
}

// Validate enforces per-action signal invariants
func (s *TradeSignal) Validate() error {
	if s.Symbol == "" && s.Action != ActionInfo {
		return fmt.Errorf("signal has no symbol")
	}
	switch s.Action {
	case ActionEntry, ActionDCA:
		if s.StopLoss.IsZero() {
			return fmt.Errorf("entry signal has no stop loss")
		}
		if s.EntryPriceLow.IsZero() {
			return fmt.Errorf("entry signal has no entry price")
		}
		switch s.Side {
		case SideLong:
			if s.StopLoss.GreaterThanOrEqual(s.EntryPriceLow) {
				return fmt.Errorf("stop loss %s must be below entry %s for LONG", s.StopLoss, s.EntryPriceLow)
			}
		case SideShort:
			if s.StopLoss.LessThanOrEqual(s.EntryPriceLow) {
				return fmt.Errorf("stop loss %s must be above entry %s for SHORT", s.StopLoss, s.EntryPriceLow)
			}
		case SideNone:
			if !s.IsDCA {
				return fmt.Errorf("entry signal has no side")
			}
			// DCA side may be inferred from the existing position later
		}
	case ActionClose:
		ratio := s.EffectiveCloseRatio()
		if ratio.LessThanOrEqual(decimal.Zero) || ratio.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("close ratio %s out of range (0,1]", ratio)
		}
	case ActionMoveSL:
		if s.NewStopLoss.IsZero() && s.NewTakeProfit.IsZero() {
			return fmt.Errorf("move-sl signal carries neither a stop loss nor a take profit")
		}
	}
	return nil
}

// TradeStatus is the lifecycle state of a persisted trade
type TradeStatus string

const (
	StatusOpen      TradeStatus = "OPEN"
	StatusClosed    TradeStatus = "CLOSED"
	StatusCancelled TradeStatus = "CANCELLED"
)

// Trade is the persistent record of one logical position owned by one tenant.
// At most one OPEN trade exists per (tenant, symbol) at any instant.
type Trade struct {
	ID       string
	TenantID string
	Symbol   string
	Side     PositionSide

	EntryPrice      decimal.Decimal // size-weighted average across DCA layers
	EntryQuantity   decimal.Decimal
	EntryTime       time.Time
	EntryOrderID    int64
	StopLoss        decimal.Decimal
	TakeProfits     string // serialized price list
	Leverage        int
	RiskAmount      decimal.Decimal
	EntryCommission decimal.Decimal
	SignalHash      string

	Status   TradeStatus
	DCACount int

	TotalClosedQuantity decimal.Decimal
	RemainingQuantity   decimal.Decimal

	ExitPrice    decimal.Decimal
	ExitQuantity decimal.Decimal
	ExitTime     time.Time
	ExitOrderID  int64
	ExitReason   string

	GrossProfit decimal.Decimal
	Commission  decimal.Decimal
	NetProfit   decimal.Decimal

	SourcePlatform string
	SourceChannel  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveQuantity is the quantity still on the books: the remainder after
// partial closes, or the full entry quantity when none happened.
func (t *Trade) EffectiveQuantity() decimal.Decimal {
	if t.RemainingQuantity.IsPositive() {
		return t.RemainingQuantity
	}
	return t.EntryQuantity
}

// EventType classifies trade events
type EventType string

const (
	EventEntryPlaced        EventType = "ENTRY_PLACED"
	EventSLPlaced           EventType = "SL_PLACED"
	EventTPPlaced           EventType = "TP_PLACED"
	EventDCAEntry           EventType = "DCA_ENTRY"
	EventMoveSL             EventType = "MOVE_SL"
	EventPartialClose       EventType = "PARTIAL_CLOSE"
	EventClosePlaced        EventType = "CLOSE_PLACED"
	EventStreamClose        EventType = "STREAM_CLOSE"
	EventStreamPartialClose EventType = "STREAM_PARTIAL_CLOSE"
	EventSLLost             EventType = "SL_LOST"
	EventTPLost             EventType = "TP_LOST"
	EventSLPartialFill      EventType = "SL_PARTIAL_FILL"
	EventTPPartialFill      EventType = "TP_PARTIAL_FILL"
	EventFailSafe           EventType = "FAIL_SAFE"
	EventCancel             EventType = "CANCEL"
)

// TradeEvent is an append-only log entry tied to a trade
type TradeEvent struct {
	ID           int64
	TradeID      string
	EventType    EventType
	OrderID      int64
	Side         OrderSide
	OrderType    OrderType
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Success      bool
	ErrorMessage string
	Detail       string
	Timestamp    time.Time
}

// ExecutionStatus is the resolved outcome of an inbound signal
type ExecutionStatus string

const (
	ExecutionExecuted ExecutionStatus = "EXECUTED"
	ExecutionRejected ExecutionStatus = "REJECTED"
	ExecutionIgnored  ExecutionStatus = "IGNORED"
	ExecutionFailed   ExecutionStatus = "FAILED"
)

// SignalRecord is the fire-and-forget audit entry for an inbound signal
type SignalRecord struct {
	ID              int64
	TenantID        string
	SignalHash      string
	Action          SignalAction
	Symbol          string
	RawMessage      string
	ExecutionStatus ExecutionStatus
	RejectionReason string
	TradeID         string
	Timestamp       time.Time
}

// OrderResult reports one exchange call attempted by an engine operation
type OrderResult struct {
	Success       bool
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Message       string
}

// FailedResult builds a single failed OrderResult with an explanatory message
func FailedResult(symbol, message string) OrderResult {
	return OrderResult{Success: false, Symbol: symbol, Message: message}
}

// Order is a normalized exchange order
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        string
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	UpdateTime    int64
}

// Position is a normalized exchange position; Size is signed
// (positive long, negative short).
type Position struct {
	Symbol           string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
	MarginType       string
	LiquidationPrice decimal.Decimal
}

// Direction maps the position sign to a side
func (p *Position) Direction() PositionSide {
	switch {
	case p.Size.IsPositive():
		return SideLong
	case p.Size.IsNegative():
		return SideShort
	default:
		return SideNone
	}
}

// PlaceOrderRequest describes one order to be placed
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// SymbolInfo carries the per-symbol tick rules from exchange info
type SymbolInfo struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
	MinNotional       decimal.Decimal
}

// OrderUpdate is one ORDER_TRADE_UPDATE event from the user data stream
type OrderUpdate struct {
	Symbol          string
	OrderID         int64
	ClientOrderID   string
	Side            OrderSide
	Type            OrderType
	Status          string
	AvgPrice        decimal.Decimal
	FilledQty       decimal.Decimal
	OrigQty         decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	RealizedProfit  decimal.Decimal
	TransactTime    int64
}

// TradeConfig is the resolved, non-null bundle of per-trade parameters.
// In multi-tenant mode it is produced by merging a tenant override onto the
// global configuration field by field.
type TradeConfig struct {
	RiskPercent       decimal.Decimal
	MaxPositionUSDT   decimal.Decimal
	MaxDailyLossUSDT  decimal.Decimal
	MaxDCAPerSymbol   int
	DCARiskMultiplier decimal.Decimal
	FixedLeverage     int
	AllowedSymbols    []string
	DedupEnabled      bool
	DefaultSymbol     string
}

// SymbolAllowed reports whether the symbol is whitelisted. An empty
// whitelist allows everything.
func (c *TradeConfig) SymbolAllowed(symbol string) bool {
	if len(c.AllowedSymbols) == 0 {
		return true
	}
	for _, s := range c.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Severity grades notifications
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)
