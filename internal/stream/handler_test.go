package stream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbridge/internal/core"
	"signalbridge/internal/logging"
	"signalbridge/internal/mock"
	"signalbridge/internal/store"
	"signalbridge/internal/symlock"
)

type note struct {
	title    string
	severity core.Severity
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *recordingNotifier) Notify(_ context.Context, _, title, _ string, severity core.Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{title: title, severity: severity})
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func (n *recordingNotifier) has(severity core.Severity) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, nt := range n.notes {
		if nt.severity == severity {
			return true
		}
	}
	return false
}

func newTestReconciler(t *testing.T, wsBase string, opts ...Option) (*Reconciler, *mock.Exchange, *store.SQLiteStore, *recordingNotifier) {
	t.Helper()

	ex := mock.NewExchange()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	notifier := &recordingNotifier{}
	r := NewReconciler(ex, st, symlock.NewRegistry(), notifier, wsBase, logging.NopLogger{}, opts...)
	return r, ex, st, notifier
}

func openLongTrade(t *testing.T, st *store.SQLiteStore, qty int64) *core.Trade {
	t.Helper()
	trade := &core.Trade{
		ID:                "trade-1",
		Symbol:            "BTCUSDT",
		Side:              core.SideLong,
		EntryPrice:        decimal.NewFromInt(100),
		EntryQuantity:     decimal.NewFromInt(qty),
		EntryTime:         time.Now(),
		StopLoss:          decimal.NewFromInt(95),
		Status:            core.StatusOpen,
		RemainingQuantity: decimal.NewFromInt(qty),
	}
	require.NoError(t, st.RecordEntry(context.Background(), trade, nil))
	return trade
}

func TestStopLossFillClosesTrade(t *testing.T) {
	r, ex, st, notifier := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	// A take profit still rests; the close must sweep it.
	tp, err := ex.PlaceProtectiveOrder(context.Background(), &core.PlaceOrderRequest{
		Symbol:    "BTCUSDT",
		Side:      core.OrderSideSell,
		Type:      core.OrderTypeTakeProfitMarket,
		StopPrice: decimal.NewFromInt(110),
		Quantity:  decimal.NewFromInt(20),
	})
	require.NoError(t, err)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:          "BTCUSDT",
		OrderID:         555,
		Side:            core.OrderSideSell,
		Type:            core.OrderTypeStopMarket,
		Status:          "FILLED",
		AvgPrice:        decimal.NewFromInt(95),
		FilledQty:       decimal.NewFromInt(20),
		OrigQty:         decimal.NewFromInt(20),
		Commission:      decimal.NewFromFloat(0.5),
		CommissionAsset: "USDT",
		RealizedProfit:  decimal.NewFromInt(-100),
		TransactTime:    time.Now().UnixMilli(),
	}, logging.NopLogger{})

	open, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, open)

	trade, err := st.FindTrade(context.Background(), "", "trade-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, trade.Status)
	assert.Equal(t, "SL_HIT", trade.ExitReason)
	assert.True(t, trade.GrossProfit.Equal(decimal.NewFromInt(-100)), trade.GrossProfit.String())
	assert.True(t, trade.NetProfit.Equal(decimal.NewFromFloat(-100.5)), trade.NetProfit.String())

	assert.Contains(t, ex.CancelledOrders, tp.OrderID)
	assert.True(t, notifier.has(core.SeverityWarning))
}

func TestTakeProfitPartialFillRecordsPartialClose(t *testing.T) {
	r, _, st, notifier := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:          "BTCUSDT",
		OrderID:         556,
		Side:            core.OrderSideSell,
		Type:            core.OrderTypeTakeProfitMarket,
		Status:          "FILLED",
		AvgPrice:        decimal.NewFromInt(110),
		FilledQty:       decimal.NewFromInt(10),
		OrigQty:         decimal.NewFromInt(10),
		CommissionAsset: "USDT",
		RealizedProfit:  decimal.NewFromInt(100),
		TransactTime:    time.Now().UnixMilli(),
	}, logging.NopLogger{})

	trade, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, trade.RemainingQuantity.Equal(decimal.NewFromInt(10)), trade.RemainingQuantity.String())
	assert.True(t, trade.TotalClosedQuantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "TP_HIT", trade.ExitReason)
	assert.Equal(t, 1, notifier.count())
}

func TestPartiallyFilledStatusOnlyLogsEvent(t *testing.T) {
	r, _, st, _ := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:       "BTCUSDT",
		OrderID:      557,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeStopMarket,
		Status:       "PARTIALLY_FILLED",
		AvgPrice:     decimal.NewFromInt(95),
		FilledQty:    decimal.NewFromInt(5),
		OrigQty:      decimal.NewFromInt(20),
		TransactTime: time.Now().UnixMilli(),
	}, logging.NopLogger{})

	trade, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, trade.RemainingQuantity.Equal(decimal.NewFromInt(20)))

	events, err := st.ListEvents(context.Background(), "trade-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventSLPartialFill, events[0].EventType)
}

func TestEntryFillCapturesCommission(t *testing.T) {
	r, _, st, _ := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:          "BTCUSDT",
		OrderID:         558,
		Side:            core.OrderSideBuy,
		Type:            core.OrderTypeLimit,
		Status:          "FILLED",
		AvgPrice:        decimal.NewFromInt(100),
		FilledQty:       decimal.NewFromInt(20),
		OrigQty:         decimal.NewFromInt(20),
		Commission:      decimal.NewFromFloat(0.8),
		CommissionAsset: "USDT",
		TransactTime:    time.Now().UnixMilli(),
	}, logging.NopLogger{})

	trade, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, trade.EntryCommission.Equal(decimal.NewFromFloat(0.8)), trade.EntryCommission.String())
	assert.Equal(t, core.StatusOpen, trade.Status)
}

func TestUpdateWithoutTrackedTradeIsIgnored(t *testing.T) {
	r, ex, st, notifier := newTestReconciler(t, "")

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:    "ETHUSDT",
		Side:      core.OrderSideSell,
		Type:      core.OrderTypeStopMarket,
		Status:    "FILLED",
		FilledQty: decimal.NewFromInt(1),
	}, logging.NopLogger{})

	trades, err := st.FindAllOpenTrades(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Empty(t, ex.CancelledOrders)
	assert.Equal(t, 0, notifier.count())
}

func TestCancelledStopLossRecordsProtectionLost(t *testing.T) {
	r, _, st, notifier := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:       "BTCUSDT",
		OrderID:      560,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeStopMarket,
		Status:       "CANCELED",
		OrigQty:      decimal.NewFromInt(20),
		TransactTime: time.Now().UnixMilli(),
	}, logging.NopLogger{})

	trade, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade, "an unprotected position stays tracked")

	events, err := st.ListEvents(context.Background(), "trade-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventSLLost, events[0].EventType)
	assert.True(t, notifier.has(core.SeverityCritical))
}

func TestExpiredTakeProfitWarnsWithoutCompensation(t *testing.T) {
	r, ex, st, notifier := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:       "BTCUSDT",
		OrderID:      561,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeTakeProfitMarket,
		Status:       "EXPIRED",
		OrigQty:      decimal.NewFromInt(20),
		TransactTime: time.Now().UnixMilli(),
	}, logging.NopLogger{})

	events, err := st.ListEvents(context.Background(), "trade-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventTPLost, events[0].EventType)
	assert.True(t, notifier.has(core.SeverityWarning))
	assert.Empty(t, ex.PlacedOrders, "no replacement is placed")
}

func TestReplacedStopCancelIsNotProtectionLost(t *testing.T) {
	r, ex, st, notifier := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	// A fresh stop already rests: the cancel came from a stop move.
	replacement, err := ex.PlaceProtectiveOrder(context.Background(), &core.PlaceOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.OrderSideSell,
		Type:          core.OrderTypeStopMarket,
		StopPrice:     decimal.NewFromInt(98),
		ClosePosition: true,
	})
	require.NoError(t, err)
	require.NotZero(t, replacement.OrderID)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:       "BTCUSDT",
		OrderID:      562,
		Side:         core.OrderSideSell,
		Type:         core.OrderTypeStopMarket,
		Status:       "CANCELED",
		OrigQty:      decimal.NewFromInt(20),
		TransactTime: time.Now().UnixMilli(),
	}, logging.NopLogger{})

	events, err := st.ListEvents(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 0, notifier.count())
}

func TestEngineCloseEchoIsNotRebooked(t *testing.T) {
	r, _, st, notifier := newTestReconciler(t, "")
	trade := openLongTrade(t, st, 20)

	// The engine booked its own partial close of 10 against the trade.
	trade.TotalClosedQuantity = decimal.NewFromInt(10)
	trade.RemainingQuantity = decimal.NewFromInt(10)
	trade.GrossProfit = decimal.NewFromFloat(98.9)
	trade.NetProfit = decimal.NewFromFloat(98.9)
	require.NoError(t, st.RecordPartialClose(context.Background(), trade, &core.TradeEvent{
		EventType: core.EventPartialClose,
		Quantity:  decimal.NewFromInt(10),
		Success:   true,
	}))

	// The venue echoes the engine's reduce-only limit order filling.
	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:         "BTCUSDT",
		OrderID:        570,
		Side:           core.OrderSideSell,
		Type:           core.OrderTypeLimit,
		Status:         "FILLED",
		AvgPrice:       decimal.NewFromInt(110),
		FilledQty:      decimal.NewFromInt(10),
		OrigQty:        decimal.NewFromInt(10),
		RealizedProfit: decimal.NewFromFloat(98.9),
		TransactTime:   time.Now().UnixMilli(),
	}, logging.NopLogger{})

	got, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got, "half the position is still live")
	assert.Equal(t, core.StatusOpen, got.Status)
	assert.True(t, got.TotalClosedQuantity.Equal(decimal.NewFromInt(10)), got.TotalClosedQuantity.String())
	assert.True(t, got.GrossProfit.Equal(decimal.NewFromFloat(98.9)), got.GrossProfit.String())
	assert.Equal(t, 0, notifier.count())
}

func TestNonUSDTCommissionFallsBackToEstimate(t *testing.T) {
	r, _, st, _ := newTestReconciler(t, "")
	openLongTrade(t, st, 20)

	r.handleOrderUpdate(context.Background(), "", &core.OrderUpdate{
		Symbol:          "BTCUSDT",
		OrderID:         559,
		Side:            core.OrderSideSell,
		Type:            core.OrderTypeStopMarket,
		Status:          "FILLED",
		AvgPrice:        decimal.NewFromInt(95),
		FilledQty:       decimal.NewFromInt(20),
		OrigQty:         decimal.NewFromInt(20),
		Commission:      decimal.NewFromFloat(0.01),
		CommissionAsset: "BNB",
		TransactTime:    time.Now().UnixMilli(),
	}, logging.NopLogger{})

	trade, err := st.FindTrade(context.Background(), "", "trade-1")
	require.NoError(t, err)
	// taker estimate: 95 * 20 * 0.0004 = 0.76
	assert.True(t, trade.Commission.Equal(decimal.NewFromFloat(0.76)), trade.Commission.String())
}
