// Package stream maintains one user data stream per tenant and reconciles
// exchange-side fills (stop loss, take profit, manual closes) back into the
// trade store. It is the authority for exits the engine did not initiate.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
	"signalbridge/internal/telemetry"
	"signalbridge/internal/tenant"
)

const (
	defaultPingInterval      = 20 * time.Second
	defaultKeepaliveInterval = 30 * time.Minute
	defaultPongWait          = 75 * time.Second
	defaultMaxReconnects     = 20
)

// Reconciler owns the per-tenant stream contexts
type Reconciler struct {
	client   core.IFuturesClient
	store    core.ITradeStore
	locks    core.ISymbolLocks
	notifier core.INotifier
	logger   core.ILogger

	wsBase            string
	dialer            *websocket.Dialer
	pingInterval      time.Duration
	keepaliveInterval time.Duration
	maxReconnects     int

	mu      sync.Mutex
	tenants map[string]*tenantStream
	wg      sync.WaitGroup
}

// Option tunes a Reconciler
type Option func(*Reconciler)

// WithTimings overrides the ping and keepalive intervals
func WithTimings(ping, keepalive time.Duration) Option {
	return func(r *Reconciler) {
		if ping > 0 {
			r.pingInterval = ping
		}
		if keepalive > 0 {
			r.keepaliveInterval = keepalive
		}
	}
}

// WithMaxReconnects overrides the reconnect attempt cap
func WithMaxReconnects(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxReconnects = n
		}
	}
}

// NewReconciler creates a stream reconciler rooted at the websocket base URL
func NewReconciler(client core.IFuturesClient, store core.ITradeStore, locks core.ISymbolLocks,
	notifier core.INotifier, wsBase string, logger core.ILogger, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:            client,
		store:             store,
		locks:             locks,
		notifier:          notifier,
		logger:            logger.WithField("component", "stream"),
		wsBase:            wsBase,
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval:      defaultPingInterval,
		keepaliveInterval: defaultKeepaliveInterval,
		maxReconnects:     defaultMaxReconnects,
		tenants:           make(map[string]*tenantStream),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// tenantStream is one tenant's live connection state
type tenantStream struct {
	tenantID string
	ctx      context.Context
	cancel   context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	// listenKey is guarded by connMu: the connect path rewrites it while
	// the keepalive loop and StopAll read it.
	listenKey string

	connected   atomic.Bool
	lastMessage atomic.Int64
	selfClose   atomic.Bool
	backoff     *backoff.Backoff
}

// StartTenant opens and maintains the user data stream for one tenant.
// creds may be zero in single-tenant mode; the client falls back to its
// default keys.
func (r *Reconciler) StartTenant(ctx context.Context, tenantID string, creds tenant.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tenants[tenantID]; exists {
		return fmt.Errorf("stream already running for tenant %q", tenantID)
	}

	tctx := tenant.WithID(ctx, tenantID)
	if creds.APIKey != "" {
		tctx = tenant.WithCredentials(tctx, creds)
	}
	tctx, cancel := context.WithCancel(tctx)

	ts := &tenantStream{
		tenantID: tenantID,
		ctx:      tctx,
		cancel:   cancel,
		backoff: &backoff.Backoff{
			Min:    1 * time.Second,
			Max:    60 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
	r.tenants[tenantID] = ts

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ts)
	}()

	return nil
}

// StopAll tears down every tenant stream and releases the listen keys
func (r *Reconciler) StopAll() {
	r.mu.Lock()
	streams := make([]*tenantStream, 0, len(r.tenants))
	for _, ts := range r.tenants {
		streams = append(streams, ts)
	}
	r.mu.Unlock()

	for _, ts := range streams {
		ts.selfClose.Store(true)
		ts.cancel()
		ts.closeConn()

		if key := ts.getListenKey(); key != "" {
			// Release on a fresh context: the tenant context is cancelled.
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			closeCtx = tenant.WithID(closeCtx, ts.tenantID)
			if creds, ok := tenant.CredentialsFrom(ts.ctx); ok {
				closeCtx = tenant.WithCredentials(closeCtx, creds)
			}
			if err := r.client.CloseListenKey(closeCtx, key); err != nil {
				r.logger.Warn("Failed to close listen key", "tenant", ts.tenantID, "error", err)
			}
			cancel()
		}
	}

	r.wg.Wait()
}

// Connected reports whether the tenant's stream is currently up
func (r *Reconciler) Connected(tenantID string) bool {
	r.mu.Lock()
	ts, ok := r.tenants[tenantID]
	r.mu.Unlock()
	return ok && ts.connected.Load()
}

func (ts *tenantStream) closeConn() {
	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	if ts.conn != nil {
		_ = ts.conn.Close()
		ts.conn = nil
	}
}

func (ts *tenantStream) setConn(conn *websocket.Conn) {
	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	ts.conn = conn
}

func (ts *tenantStream) setListenKey(key string) {
	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	ts.listenKey = key
}

func (ts *tenantStream) getListenKey() string {
	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	return ts.listenKey
}

// run is the connect-read-reconnect loop for one tenant
func (r *Reconciler) run(ts *tenantStream) {
	log := r.logger.WithField("tenant", ts.tenantID)

	for {
		if ts.ctx.Err() != nil {
			return
		}

		if err := r.connectAndServe(ts, log); err != nil {
			if ts.ctx.Err() != nil || ts.selfClose.Load() {
				return
			}

			attempt := int(ts.backoff.Attempt()) + 1
			telemetry.StreamReconnects.WithLabelValues(ts.tenantID).Inc()
			telemetry.StreamConnected.WithLabelValues(ts.tenantID).Set(0)

			if attempt >= r.maxReconnects {
				r.notifier.Notify(ts.ctx, ts.tenantID, "User data stream down",
					fmt.Sprintf("Stream failed %d consecutive reconnect attempts (last error: %v). "+
						"Stop losses still rest on the exchange, but fills are no longer reconciled.", attempt, err),
					core.SeverityCritical)
				log.Error("Reconnect attempts exhausted, stream stopped", "attempts", attempt)
				return
			}

			wait := ts.backoff.Duration()
			log.Warn("Stream disconnected, reconnecting", "attempt", attempt, "wait", wait, "error", err)

			select {
			case <-ts.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (r *Reconciler) connectAndServe(ts *tenantStream, log core.ILogger) error {
	listenKey, err := r.client.CreateListenKey(ts.ctx)
	if err != nil {
		return fmt.Errorf("listen key creation failed: %w", err)
	}
	ts.setListenKey(listenKey)

	conn, _, err := r.dialer.DialContext(ts.ctx, r.wsBase+"/ws/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	ts.setConn(conn)
	ts.connected.Store(true)
	ts.lastMessage.Store(time.Now().UnixMilli())
	ts.backoff.Reset()
	telemetry.StreamConnected.WithLabelValues(ts.tenantID).Set(1)
	log.Info("User data stream connected")

	defer func() {
		ts.connected.Store(false)
		telemetry.StreamConnected.WithLabelValues(ts.tenantID).Set(0)
		ts.closeConn()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(defaultPongWait))

	serveCtx, cancelServe := context.WithCancel(ts.ctx)
	defer cancelServe()

	go r.pingLoop(serveCtx, ts, conn)
	go r.keepaliveLoop(serveCtx, ts, log)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		ts.lastMessage.Store(time.Now().UnixMilli())
		r.handleMessage(ts, message, log)
	}
}

func (r *Reconciler) pingLoop(ctx context.Context, ts *tenantStream, conn *websocket.Conn) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.connMu.Lock()
			// The connection may have been swapped by a reconnect; only
			// ping the socket this loop was started for.
			if ts.conn != conn {
				ts.connMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			ts.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// keepaliveLoop extends the listen key. An expiry or auth failure forces a
// full reconnect with a fresh key.
func (r *Reconciler) keepaliveLoop(ctx context.Context, ts *tenantStream, log core.ILogger) {
	ticker := time.NewTicker(r.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.KeepAliveListenKey(ts.ctx, ts.getListenKey()); err != nil {
				log.Warn("Listen key keepalive failed, forcing reconnect", "error", err)
				ts.closeConn()
				return
			}
			log.Debug("Listen key extended")
		}
	}
}

// streamEvent is the envelope of user data stream messages
type streamEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		Type            string `json:"o"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		OrigQty         string `json:"q"`
		AvgPrice        string `json:"ap"`
		FilledQty       string `json:"z"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		RealizedProfit  string `json:"rp"`
		TradeTime       int64  `json:"T"`
	} `json:"o"`
}

func (r *Reconciler) handleMessage(ts *tenantStream, message []byte, log core.ILogger) {
	var event streamEvent
	if err := json.Unmarshal(message, &event); err != nil {
		log.Error("Failed to unmarshal stream event", "error", err)
		return
	}

	switch event.EventType {
	case "ORDER_TRADE_UPDATE":
		o := event.Order
		avgPrice, _ := decimal.NewFromString(o.AvgPrice)
		filledQty, _ := decimal.NewFromString(o.FilledQty)
		origQty, _ := decimal.NewFromString(o.OrigQty)
		commission, _ := decimal.NewFromString(o.Commission)
		realized, _ := decimal.NewFromString(o.RealizedProfit)

		update := &core.OrderUpdate{
			Symbol:          o.Symbol,
			OrderID:         o.OrderID,
			ClientOrderID:   o.ClientOrderID,
			Side:            core.OrderSide(o.Side),
			Type:            core.OrderType(o.Type),
			Status:          o.Status,
			AvgPrice:        avgPrice,
			FilledQty:       filledQty,
			OrigQty:         origQty,
			Commission:      commission,
			CommissionAsset: o.CommissionAsset,
			RealizedProfit:  realized,
			TransactTime:    o.TradeTime,
		}
		r.handleOrderUpdate(ts.ctx, ts.tenantID, update, log)

	case "listenKeyExpired":
		log.Warn("Listen key expired, forcing reconnect")
		ts.closeConn()
	}
}
