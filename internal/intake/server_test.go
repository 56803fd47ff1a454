package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

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
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string, core.Severity) {}

type staticResolver struct {
	cfg core.TradeConfig
}

func (r staticResolver) Resolve(string) core.TradeConfig { return r.cfg }

func newTestServer(t *testing.T, token string) (*Server, *mock.Exchange, *store.SQLiteStore) {
	return newTestServerWithConfig(t, token, core.TradeConfig{
		RiskPercent:       decimal.NewFromInt(1),
		MaxDCAPerSymbol:   2,
		DCARiskMultiplier: decimal.NewFromFloat(0.5),
		FixedLeverage:     10,
		DedupEnabled:      true,
	})
}

func newTestServerWithConfig(t *testing.T, token string, cfg core.TradeConfig) (*Server, *mock.Exchange, *store.SQLiteStore) {
	t.Helper()

	ex := mock.NewExchange()
	ex.SetMarkPrice("BTCUSDT", decimal.NewFromInt(100))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	resolver := staticResolver{cfg}
	eng := engine.New(ex, st, symlock.NewRegistry(), dedup.NewCache(), nopNotifier{}, resolver, logging.NopLogger{})

	s := NewServer(":0", eng, nil, st, dedup.NewCache(), resolver, token, logging.NopLogger{})
	return s, ex, st
}

func postSignal(t *testing.T, s *Server, token string, payload map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/signal", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func entryPayload() map[string]interface{} {
	return map[string]interface{}{
		"action":       "ENTRY",
		"symbol":       "BTCUSDT",
		"side":         "LONG",
		"entry_price":  100,
		"stop_loss":    95,
		"take_profits": []int{110, 120},
	}
}

func TestSignalEndpointExecutesEntry(t *testing.T) {
	s, ex, st := newTestServer(t, "")

	rec := postSignal(t, s, "", entryPayload())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(core.ExecutionExecuted), resp["status"])
	assert.NotEmpty(t, resp["trade_id"])

	assert.NotEmpty(t, ex.PlacedOrders)

	trade, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
}

func TestSignalEndpointRequiresToken(t *testing.T) {
	s, _, _ := newTestServer(t, "secret-token")

	rec := postSignal(t, s, "", entryPayload())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postSignal(t, s, "wrong", entryPayload())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postSignal(t, s, "secret-token", entryPayload())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignalEndpointRejectsUnknownAction(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	rec := postSignal(t, s, "", map[string]interface{}{"action": "YOLO", "symbol": "BTCUSDT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown action")
}

func TestSignalEndpointRejectsMalformedBody(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/signal", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignalEndpointRejectsBadDecimal(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	payload := entryPayload()
	payload["stop_loss"] = "not-a-number"
	rec := postSignal(t, s, "", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid number")
}

func TestSignalEndpointDecodesSingleTakeProfit(t *testing.T) {
	s, ex, st := newTestServer(t, "")

	rec := postSignal(t, s, "", map[string]interface{}{
		"action":      "ENTRY",
		"symbol":      "BTCUSDT",
		"side":        "LONG",
		"entry_price": 100.5,
		"stop_loss":   95,
		"take_profit": 110,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(core.ExecutionExecuted), resp["status"])
	assert.NotEmpty(t, ex.PlacedOrders)

	trade, err := st.FindOpenTrade(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, "110", trade.TakeProfits)
	assert.True(t, trade.EntryPrice.Equal(decimal.NewFromFloat(100.5)), trade.EntryPrice.String())
}

func TestSignalEndpointAcceptsQuotedNumbers(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	rec := postSignal(t, s, "", map[string]interface{}{
		"action":      "ENTRY",
		"symbol":      "BTCUSDT",
		"side":        "LONG",
		"entry_price": "100",
		"stop_loss":   "95",
		"take_profit": "110",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), string(core.ExecutionExecuted))
}

func TestSignalEndpointDropsDuplicates(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	rec := postSignal(t, s, "", entryPayload())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postSignal(t, s, "", entryPayload())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")
}

func TestDedupDisabledLetsRepeatsThrough(t *testing.T) {
	s, _, _ := newTestServerWithConfig(t, "", core.TradeConfig{
		RiskPercent:   decimal.NewFromInt(1),
		FixedLeverage: 10,
	})

	rec := postSignal(t, s, "", entryPayload())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The replay reaches the engine instead of dying at the dedup gate;
	// the engine rejects it on its own terms.
	rec = postSignal(t, s, "", entryPayload())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "duplicate")
	assert.Contains(t, rec.Body.String(), "already pending")
}

func TestSignalEndpointDropsRepeatedCancels(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	cancel := map[string]interface{}{"action": "CANCEL", "symbol": "BTCUSDT"}

	// No open trade: the first cancel reaches the engine and is rejected
	// there; the replay dies at the dedup gate.
	rec := postSignal(t, s, "", cancel)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "REJECTED")

	rec = postSignal(t, s, "", cancel)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")
}

func TestSignalEndpointRejectsGet(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/signal", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestDCAActionForcesFlag(t *testing.T) {
	payload := &signalPayload{Action: "DCA", Symbol: "BTCUSDT", EntryPrice: "100", StopLoss: "95"}
	sig, err := payload.toSignal()
	require.NoError(t, err)
	assert.True(t, sig.IsDCA)
	assert.Equal(t, core.ActionDCA, sig.Action)
}
