package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbridge/internal/core"
	"signalbridge/internal/logging"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleTrade(id, tenantID, symbol string) *core.Trade {
	return &core.Trade{
		ID:                id,
		TenantID:          tenantID,
		Symbol:            symbol,
		Side:              core.SideLong,
		EntryPrice:        decimal.NewFromInt(100),
		EntryQuantity:     decimal.NewFromInt(20),
		EntryTime:         time.Now(),
		EntryOrderID:      1001,
		StopLoss:          decimal.NewFromInt(95),
		TakeProfits:       "110,120",
		Leverage:          10,
		RiskAmount:        decimal.NewFromInt(100),
		SignalHash:        "hash-" + id,
		Status:            core.StatusOpen,
		RemainingQuantity: decimal.NewFromInt(20),
	}
}

func TestRecordEntryRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade := sampleTrade("t1", "", "BTCUSDT")
	events := []*core.TradeEvent{
		{EventType: core.EventEntryPlaced, OrderID: 1001, Success: true},
		{EventType: core.EventSLPlaced, OrderID: 1002, Success: true, Price: decimal.NewFromInt(95)},
	}
	require.NoError(t, st.RecordEntry(ctx, trade, events))

	got, err := st.FindOpenTrade(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, core.SideLong, got.Side)
	assert.True(t, got.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.StopLoss.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, "110,120", got.TakeProfits)
	assert.Equal(t, 10, got.Leverage)
	assert.Equal(t, core.StatusOpen, got.Status)

	gotEvents, err := st.ListEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, gotEvents, 2)
	assert.Equal(t, core.EventEntryPlaced, gotEvents[0].EventType)
	assert.Equal(t, "t1", gotEvents[0].TradeID)
	assert.True(t, gotEvents[1].Price.Equal(decimal.NewFromInt(95)))
}

func TestFindOpenTradeScopesByTenant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t1", "alice", "BTCUSDT"), nil))

	got, err := st.FindOpenTrade(ctx, "bob", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = st.FindOpenTrade(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Empty tenant is the unscoped single-tenant flavor.
	got, err = st.FindOpenTrade(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRecordDCAEntryUpdatesTrade(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade := sampleTrade("t1", "", "BTCUSDT")
	require.NoError(t, st.RecordEntry(ctx, trade, nil))

	trade.EntryPrice = decimal.NewFromFloat(96.67)
	trade.EntryQuantity = decimal.NewFromInt(30)
	trade.RemainingQuantity = decimal.NewFromInt(30)
	trade.StopLoss = decimal.NewFromInt(85)
	trade.DCACount = 1
	require.NoError(t, st.RecordDCAEntry(ctx, trade, &core.TradeEvent{EventType: core.EventDCAEntry, Success: true}))

	got, err := st.FindOpenTrade(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, got.DCACount)
	assert.True(t, got.EntryQuantity.Equal(decimal.NewFromInt(30)))
	assert.True(t, got.StopLoss.Equal(decimal.NewFromInt(85)))

	count, err := st.DCACount(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordMoveSL(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t1", "", "BTCUSDT"), nil))
	require.NoError(t, st.RecordMoveSL(ctx, "", "BTCUSDT", decimal.NewFromInt(98),
		&core.TradeEvent{TradeID: "t1", EventType: core.EventMoveSL, Success: true}))

	got, err := st.FindOpenTrade(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.StopLoss.Equal(decimal.NewFromInt(98)))
}

func TestRecordCloseLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade := sampleTrade("t1", "", "BTCUSDT")
	require.NoError(t, st.RecordEntry(ctx, trade, nil))

	trade.ExitPrice = decimal.NewFromInt(110)
	trade.ExitQuantity = decimal.NewFromInt(20)
	trade.ExitTime = time.Now()
	trade.ExitReason = "TP_HIT"
	trade.TotalClosedQuantity = decimal.NewFromInt(20)
	trade.RemainingQuantity = decimal.Zero
	trade.GrossProfit = decimal.NewFromInt(200)
	trade.Commission = decimal.NewFromInt(1)
	trade.NetProfit = decimal.NewFromInt(199)
	require.NoError(t, st.RecordClose(ctx, trade, &core.TradeEvent{EventType: core.EventStreamClose, Success: true}))

	open, err := st.FindOpenTrade(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, open)

	got, err := st.FindTrade(ctx, "", "t1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, got.Status)
	assert.Equal(t, "TP_HIT", got.ExitReason)
	assert.True(t, got.NetProfit.Equal(decimal.NewFromInt(199)))
	assert.False(t, got.ExitTime.IsZero())
}

func TestRecordPartialCloseKeepsTradeOpen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade := sampleTrade("t1", "", "BTCUSDT")
	require.NoError(t, st.RecordEntry(ctx, trade, nil))

	trade.TotalClosedQuantity = decimal.NewFromInt(10)
	trade.RemainingQuantity = decimal.NewFromInt(10)
	trade.NetProfit = decimal.NewFromInt(50)
	require.NoError(t, st.RecordPartialClose(ctx, trade, &core.TradeEvent{EventType: core.EventPartialClose, Success: true}))

	got, err := st.FindOpenTrade(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.RemainingQuantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.NetProfit.Equal(decimal.NewFromInt(50)))
}

func TestRecordCancel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade := sampleTrade("t1", "", "BTCUSDT")
	require.NoError(t, st.RecordEntry(ctx, trade, nil))

	trade.ExitReason = "CANCEL_SIGNAL"
	require.NoError(t, st.RecordCancel(ctx, trade, &core.TradeEvent{EventType: core.EventCancel, Success: true}))

	got, err := st.FindTrade(ctx, "", "t1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
	assert.Equal(t, "CANCEL_SIGNAL", got.ExitReason)
}

func TestTodayRealizedLoss(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	closeWithProfit := func(id string, net int64) {
		trade := sampleTrade(id, "", "SYM"+id)
		require.NoError(t, st.RecordEntry(ctx, trade, nil))
		trade.NetProfit = decimal.NewFromInt(net)
		trade.ExitTime = now
		require.NoError(t, st.RecordClose(ctx, trade, &core.TradeEvent{EventType: core.EventStreamClose, Success: true}))
	}

	closeWithProfit("t1", -30)
	closeWithProfit("t2", 10)

	loss, err := st.TodayRealizedLoss(ctx, "", now)
	require.NoError(t, err)
	assert.True(t, loss.Equal(decimal.NewFromInt(20)), loss.String())

	closeWithProfit("t3", 100)
	loss, err = st.TodayRealizedLoss(ctx, "", now)
	require.NoError(t, err)
	assert.True(t, loss.IsZero(), loss.String())
}

func TestExistsBySignalHashSince(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t1", "", "BTCUSDT"), nil))

	exists, err := st.ExistsBySignalHashSince(ctx, "hash-t1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = st.ExistsBySignalHashSince(ctx, "hash-t1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = st.ExistsBySignalHashSince(ctx, "other-hash", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanupStaleTrades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t1", "", "BTCUSDT"), nil))
	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t2", "", "ETHUSDT"), nil))

	closed, err := st.CleanupStaleTrades(ctx, "", func(symbol string) bool {
		return symbol == "BTCUSDT"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := st.FindTrade(ctx, "", "t2")
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, got.Status)
	assert.Equal(t, "STALE_CLEANUP", got.ExitReason)

	stillOpen, err := st.FindOpenTrade(ctx, "", "BTCUSDT")
	require.NoError(t, err)
	assert.NotNil(t, stillOpen)
}

func TestRecordSignal(t *testing.T) {
	st := newTestStore(t)

	err := st.RecordSignal(context.Background(), &core.SignalRecord{
		SignalHash:      "abc",
		Action:          core.ActionEntry,
		Symbol:          "BTCUSDT",
		ExecutionStatus: core.ExecutionExecuted,
		TradeID:         "t1",
	})
	require.NoError(t, err)
}

func TestFindAllOpenTrades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t1", "alice", "BTCUSDT"), nil))
	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t2", "alice", "ETHUSDT"), nil))
	require.NoError(t, st.RecordEntry(ctx, sampleTrade("t3", "bob", "BTCUSDT"), nil))

	trades, err := st.FindAllOpenTrades(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	trades, err = st.FindAllOpenTrades(ctx, "")
	require.NoError(t, err)
	assert.Len(t, trades, 3)
}
