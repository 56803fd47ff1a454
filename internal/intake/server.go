// Package intake exposes the webhook that upstream signal producers post
// parsed signals to. It normalizes the payload, applies signal-level dedup,
// audits every arrival, and hands execution to the engine (single-tenant)
// or the broadcaster (multi-tenant).
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
	"signalbridge/internal/dedup"
	"signalbridge/internal/engine"
	"signalbridge/internal/fanout"
	"signalbridge/internal/telemetry"
)

// signalPayload is the canonical webhook body. Price fields are JSON
// numbers; take_profits extends the single take_profit for ladder signals.
type signalPayload struct {
	Action        string             `json:"action"`
	Symbol        string             `json:"symbol"`
	Side          string             `json:"side,omitempty"`
	EntryPrice    json.Number        `json:"entry_price,omitempty"`
	StopLoss      json.Number        `json:"stop_loss,omitempty"`
	TakeProfit    json.Number        `json:"take_profit,omitempty"`
	TakeProfits   []json.Number      `json:"take_profits,omitempty"`
	CloseRatio    json.Number        `json:"close_ratio,omitempty"`
	NewStopLoss   json.Number        `json:"new_stop_loss,omitempty"`
	NewTakeProfit json.Number        `json:"new_take_profit,omitempty"`
	IsDCA         bool               `json:"is_dca,omitempty"`
	RawMessage    string             `json:"raw_message,omitempty"`
	Source        *core.SignalSource `json:"source,omitempty"`
}

// Server is the intake HTTP endpoint
type Server struct {
	engine      *engine.Engine
	broadcaster *fanout.Broadcaster
	store       core.ITradeStore
	cache       *dedup.Cache
	resolver    core.IConfigResolver
	logger      core.ILogger
	token       string
	srv         *http.Server
}

// NewServer creates the intake server. broadcaster is nil in single-tenant
// mode; engine is then called synchronously.
func NewServer(addr string, eng *engine.Engine, broadcaster *fanout.Broadcaster,
	store core.ITradeStore, cache *dedup.Cache, resolver core.IConfigResolver,
	token string, logger core.ILogger) *Server {
	s := &Server{
		engine:      eng,
		broadcaster: broadcaster,
		store:       store,
		cache:       cache,
		resolver:    resolver,
		logger:      logger.WithField("component", "intake"),
		token:       token,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", s.handleSignal)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	s.logger.Info("Intake server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload signalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	sig, err := payload.toSignal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	telemetry.SignalsReceived.WithLabelValues(string(sig.Action)).Inc()
	log := s.logger.WithFields(map[string]interface{}{"action": sig.Action, "symbol": sig.Symbol})

	// Signal-level dedup: one representative per hash enters execution.
	// CANCEL carries its own shorter window keyed by symbol. When dedup is
	// switched off globally, every signal passes straight through.
	if s.resolver.Resolve("").DedupEnabled {
		if sig.Action == core.ActionCancel {
			if s.cache.SeenCancel(sig.Symbol) {
				log.Info("Duplicate cancel dropped")
				s.audit(sig, core.ExecutionIgnored, "duplicate cancel within window", "")
				writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
				return
			}
		} else if sig.Action == core.ActionEntry || sig.Action == core.ActionDCA {
			if s.cache.Seen(sig.Hash()) {
				log.Info("Duplicate signal dropped")
				telemetry.SignalsRejected.WithLabelValues("duplicate").Inc()
				s.audit(sig, core.ExecutionIgnored, "duplicate signal within window", "")
				writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
				return
			}
		}
	}

	if s.broadcaster != nil {
		// Broadcast waits for every tenant job, so the summary reports
		// completed outcomes rather than queue admissions.
		summary := s.broadcaster.Broadcast(sig)
		s.audit(sig, core.ExecutionExecuted, "", "")
		writeJSON(w, http.StatusOK, summary)
		return
	}

	res := s.engine.Execute(r.Context(), sig)
	s.audit(sig, res.Status, res.Reason, res.TradeID)

	status := http.StatusOK
	if res.Status == core.ExecutionFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{
		"status":   string(res.Status),
		"trade_id": res.TradeID,
		"reason":   res.Reason,
	})
}

// audit records the signal outcome without blocking the response path
func (s *Server) audit(sig *core.TradeSignal, status core.ExecutionStatus, reason, tradeID string) {
	rec := &core.SignalRecord{
		SignalHash:      sig.Hash(),
		Action:          sig.Action,
		Symbol:          sig.Symbol,
		RawMessage:      sig.RawMessage,
		ExecutionStatus: status,
		RejectionReason: reason,
		TradeID:         tradeID,
		Timestamp:       time.Now(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.RecordSignal(ctx, rec); err != nil {
			s.logger.Error("Failed to audit signal", "hash", rec.SignalHash, "error", err)
		}
	}()
}

func (p *signalPayload) toSignal() (*core.TradeSignal, error) {
	sig := &core.TradeSignal{
		Action:     core.SignalAction(p.Action),
		Symbol:     p.Symbol,
		Side:       core.PositionSide(p.Side),
		IsDCA:      p.IsDCA,
		RawMessage: p.RawMessage,
		Source:     p.Source,
	}

	switch sig.Action {
	case core.ActionEntry, core.ActionDCA, core.ActionClose, core.ActionMoveSL, core.ActionCancel, core.ActionInfo:
	default:
		return nil, fmt.Errorf("unknown action: %q", p.Action)
	}
	if sig.Action == core.ActionDCA {
		sig.IsDCA = true
	}

	var err error
	if sig.EntryPriceLow, err = parseDec(p.EntryPrice); err != nil {
		return nil, fmt.Errorf("entry_price: %w", err)
	}
	sig.EntryPriceHigh = sig.EntryPriceLow
	if sig.StopLoss, err = parseDec(p.StopLoss); err != nil {
		return nil, fmt.Errorf("stop_loss: %w", err)
	}
	if sig.CloseRatio, err = parseDec(p.CloseRatio); err != nil {
		return nil, fmt.Errorf("close_ratio: %w", err)
	}
	if sig.NewStopLoss, err = parseDec(p.NewStopLoss); err != nil {
		return nil, fmt.Errorf("new_stop_loss: %w", err)
	}
	if sig.NewTakeProfit, err = parseDec(p.NewTakeProfit); err != nil {
		return nil, fmt.Errorf("new_take_profit: %w", err)
	}

	tps := p.TakeProfits
	if len(tps) == 0 && p.TakeProfit != "" {
		tps = []json.Number{p.TakeProfit}
	}
	for i, tp := range tps {
		d, err := parseDec(tp)
		if err != nil {
			return nil, fmt.Errorf("take_profits[%d]: %w", i, err)
		}
		sig.TakeProfits = append(sig.TakeProfits, d)
	}

	return sig, nil
}

func parseDec(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
