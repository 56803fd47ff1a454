package fanout

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbridge/internal/core"
	"signalbridge/internal/dedup"
	"signalbridge/internal/engine"
	"signalbridge/internal/logging"
	"signalbridge/internal/mock"
	"signalbridge/internal/store"
	"signalbridge/internal/symlock"
	"signalbridge/internal/tenant"
	"signalbridge/pkg/concurrency"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string, core.Severity) {}

type staticResolver struct {
	cfg core.TradeConfig
}

func (r staticResolver) Resolve(string) core.TradeConfig { return r.cfg }

func newTestBroadcaster(t *testing.T, tenants []TenantEntry) (*Broadcaster, *store.SQLiteStore) {
	t.Helper()

	ex := mock.NewExchange()
	ex.SetMarkPrice("BTCUSDT", decimal.NewFromInt(100))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := core.TradeConfig{
		RiskPercent:       decimal.NewFromInt(1),
		MaxDCAPerSymbol:   2,
		DCARiskMultiplier: decimal.NewFromFloat(0.5),
		FixedLeverage:     10,
	}
	eng := engine.New(ex, st, symlock.NewRegistry(), dedup.NewCache(), nopNotifier{}, staticResolver{cfg}, logging.NopLogger{})

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "fanout-test",
		MaxWorkers:  4,
		MaxCapacity: 16,
		NonBlocking: true,
	}, logging.NopLogger{})

	b := NewBroadcaster(eng, pool, func() []TenantEntry { return tenants }, 5*time.Second, logging.NopLogger{})
	return b, st
}

func entrySignal() *core.TradeSignal {
	return &core.TradeSignal{
		Action:        core.ActionEntry,
		Symbol:        "BTCUSDT",
		Side:          core.SideLong,
		EntryPriceLow: decimal.NewFromInt(100),
		StopLoss:      decimal.NewFromInt(95),
		TakeProfits:   []decimal.Decimal{decimal.NewFromInt(110)},
	}
}

func TestBroadcastSkipsIneligibleTenants(t *testing.T) {
	tenantsList := []TenantEntry{
		{ID: "alice", Enabled: true, AutoTradeEnabled: true, Credentials: credentials("ak", "as")},
		{ID: "bob", Enabled: true, AutoTradeEnabled: true, Credentials: credentials("bk", "bs")},
		{ID: "carol", Enabled: false, AutoTradeEnabled: true, Credentials: credentials("ck", "cs")},
		{ID: "dave", Enabled: true, AutoTradeEnabled: true},
	}
	b, st := newTestBroadcaster(t, tenantsList)

	// Broadcast waits for the tenant jobs, so the summary reflects what
	// actually happened: the shared mock venue lets only the first entry
	// through, the second sees it resting.
	summary := b.Broadcast(entrySignal())
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Cancelled)

	trades, err := st.FindAllOpenTrades(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Contains(t, []string{"alice", "bob"}, trades[0].TenantID)

	b.Stop()
}

func TestBroadcastSkipsAutoTradeDisabled(t *testing.T) {
	b, _ := newTestBroadcaster(t, []TenantEntry{
		{ID: "alice", Enabled: true, AutoTradeEnabled: false, Credentials: credentials("ak", "as")},
	})

	summary := b.Broadcast(entrySignal())
	assert.Equal(t, 0, summary.Executed)
	assert.Equal(t, 1, summary.Skipped)
	b.Stop()
}

func TestCopySignalIsolatesTenantJobs(t *testing.T) {
	orig := entrySignal()
	orig.Source = &core.SignalSource{Platform: "discord", ChannelID: "c1"}

	cp := copySignal(orig)
	cp.Side = core.SideShort
	cp.TakeProfits[0] = decimal.NewFromInt(999)
	cp.Source.Platform = "telegram"

	assert.Equal(t, core.SideLong, orig.Side)
	assert.True(t, orig.TakeProfits[0].Equal(decimal.NewFromInt(110)))
	assert.Equal(t, "discord", orig.Source.Platform)
}

func credentials(key, secret string) tenant.Credentials {
	return tenant.Credentials{APIKey: key, SecretKey: secret}
}
