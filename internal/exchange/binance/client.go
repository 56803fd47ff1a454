// Package binance provides Binance USDT-M futures connectivity
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"signalbridge/internal/core"
	"signalbridge/internal/tenant"
	"signalbridge/pkg/apperrors"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	defaultFuturesWS  = "wss://fstream.binance.com"
)

// Client implements core.IFuturesClient against the fapi REST surface.
// One instance serves all tenants: a credential pair bound to the context
// overrides the default keys for that call.
type Client struct {
	baseURL   string
	wsURL     string
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     core.ILogger

	// protective orders retry transport failures with an idempotent
	// client order id; an HTTP response of any status ends the retry
	protective failsafe.Executor[*core.Order]

	mu         sync.RWMutex
	symbolInfo map[string]*core.SymbolInfo
}

// NewClient creates a futures client with the given default credentials
func NewClient(baseURL, wsURL, apiKey, secretKey string, logger core.ILogger) *Client {
	if baseURL == "" {
		baseURL = defaultFuturesURL
	}
	if wsURL == "" {
		wsURL = defaultFuturesWS
	}

	retryPolicy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && errors.Is(err, apperrors.ErrNetwork)
		}).
		WithBackoff(1*time.Second, 3*time.Second).
		WithMaxRetries(2).
		Build()

	return &Client{
		baseURL:    baseURL,
		wsURL:      wsURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		logger:     logger.WithField("component", "binance_client"),
		protective: failsafe.With[*core.Order](retryPolicy),
		symbolInfo: make(map[string]*core.SymbolInfo),
	}
}

// WSURL returns the websocket base for the user data stream
func (c *Client) WSURL() string {
	return c.wsURL
}

func (c *Client) credentials(ctx context.Context) (tenant.Credentials, error) {
	if creds, ok := tenant.CredentialsFrom(ctx); ok && creds.APIKey != "" {
		return creds, nil
	}
	if c.apiKey == "" || c.secretKey == "" {
		return tenant.Credentials{}, apperrors.ErrNoCredentials
	}
	return tenant.Credentials{APIKey: c.apiKey, SecretKey: c.secretKey}, nil
}

func (c *Client) signRequest(req *http.Request, creds tenant.Credentials) {
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()
}

func (c *Client) parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("binance error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -2010:
		return apperrors.ErrInsufficientFunds
	case -2011:
		return apperrors.ErrOrderNotFound
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2012:
		return apperrors.ErrDuplicateOrder
	case -1125:
		return apperrors.ErrListenKeyExpired
	}

	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

// doSigned executes a signed request and returns the response body.
// Transport failures are wrapped with ErrNetwork so callers can tell them
// apart from venue rejections.
func (c *Client) doSigned(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	c.signRequest(req, creds)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(body)
	}

	return body, nil
}

// doKeyed executes a request carrying only the API key header. The listen
// key endpoints do not take a signature.
func (c *Client) doKeyed(ctx context.Context, method, path string) ([]byte, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(body)
	}

	return body, nil
}

func (c *Client) doPublic(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(body)
	}

	return body, nil
}

// GetBalance returns the available USDT balance
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.doSigned(ctx, "GET", "/fapi/v2/balance", nil)
	if err != nil {
		return decimal.Zero, err
	}

	var assets []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &assets); err != nil {
		return decimal.Zero, err
	}

	for _, a := range assets {
		if a.Asset == "USDT" {
			return decimal.NewFromString(a.AvailableBalance)
		}
	}

	return decimal.Zero, nil
}

// GetPosition returns the live position for the symbol, or a zero-size
// position when flat
func (c *Client) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	body, err := c.doSigned(ctx, "GET", "/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}

	var rawPositions []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		MarginType       string `json:"marginType"`
		LiquidationPrice string `json:"liquidationPrice"`
	}
	if err := json.Unmarshal(body, &rawPositions); err != nil {
		return nil, err
	}

	for _, p := range rawPositions {
		if p.Symbol != symbol {
			continue
		}
		amt, _ := decimal.NewFromString(p.PositionAmt)
		ep, _ := decimal.NewFromString(p.EntryPrice)
		mp, _ := decimal.NewFromString(p.MarkPrice)
		upnl, _ := decimal.NewFromString(p.UnRealizedProfit)
		lev, _ := decimal.NewFromString(p.Leverage)
		lp, _ := decimal.NewFromString(p.LiquidationPrice)

		return &core.Position{
			Symbol:           p.Symbol,
			Size:             amt,
			EntryPrice:       ep,
			MarkPrice:        mp,
			UnrealizedPnL:    upnl,
			Leverage:         int(lev.IntPart()),
			MarginType:       p.MarginType,
			LiquidationPrice: lp,
		}, nil
	}

	return &core.Position{Symbol: symbol}, nil
}

// GetOpenOrders lists open orders for the symbol
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	body, err := c.doSigned(ctx, "GET", "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}

	var rawOrders []rawOrder
	if err := json.Unmarshal(body, &rawOrders); err != nil {
		return nil, err
	}

	orders := make([]*core.Order, 0, len(rawOrders))
	for i := range rawOrders {
		orders = append(orders, rawOrders[i].toOrder())
	}
	return orders, nil
}

// GetMarkPrice returns the current mark price for the symbol
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex?symbol="+symbol)
	if err != nil {
		return decimal.Zero, err
	}

	var data struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromString(data.MarkPrice)
}

// GetSymbolInfo returns the tick rules for the symbol, fetching exchange
// info on a cache miss
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	c.mu.RLock()
	info, ok := c.symbolInfo[symbol]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	if err := c.fetchExchangeInfo(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	info, ok = c.symbolInfo[symbol]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	return nil, fmt.Errorf("symbol not found: %s", symbol)
}

func (c *Client) fetchExchangeInfo(ctx context.Context) error {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo")
	if err != nil {
		return err
	}

	var res struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range res.Symbols {
		info := &core.SymbolInfo{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				info.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "MIN_NOTIONAL":
				info.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		c.symbolInfo[s.Symbol] = info
	}

	return nil
}

// PlaceOrder places a single order
func (c *Client) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	return c.placeOrderOnce(ctx, req)
}

// PlaceProtectiveOrder places a stop-loss or take-profit order, retrying
// transport failures under one idempotent client order id. A venue
// rejection is final.
func (c *Client) PlaceProtectiveOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = ProtectiveClientOrderID(req.Type)
	}

	return c.protective.GetWithExecution(func(_ failsafe.Execution[*core.Order]) (*core.Order, error) {
		order, err := c.placeOrderOnce(ctx, req)
		if err != nil && errors.Is(err, apperrors.ErrDuplicateOrder) {
			// A previous attempt landed; the duplicate rejection is success.
			c.logger.Warn("Protective order already placed", "clientOrderId", req.ClientOrderID)
			return &core.Order{
				ClientOrderID: req.ClientOrderID,
				Symbol:        req.Symbol,
				Side:          req.Side,
				Type:          req.Type,
				Status:        "NEW",
				StopPrice:     req.StopPrice,
				Quantity:      req.Quantity,
			}, nil
		}
		return order, err
	})
}

// ProtectiveClientOrderID derives an idempotent id for a protective order
func ProtectiveClientOrderID(orderType core.OrderType) string {
	prefix := "SL"
	if orderType == core.OrderTypeTakeProfitMarket {
		prefix = "TP"
	}
	return fmt.Sprintf("%s-%d-%06x", prefix, time.Now().UnixMilli(), rand.Intn(1<<24))
}

func (c *Client) placeOrderOnce(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	params := map[string]string{
		"symbol": req.Symbol,
		"side":   string(req.Side),
	}

	switch req.Type {
	case core.OrderTypeLimit:
		params["type"] = "LIMIT"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
		params["quantity"] = req.Quantity.String()
	case core.OrderTypeMarket:
		params["type"] = "MARKET"
		params["quantity"] = req.Quantity.String()
	case core.OrderTypeStopMarket, core.OrderTypeTakeProfitMarket:
		params["type"] = string(req.Type)
		params["stopPrice"] = req.StopPrice.String()
		if req.ClosePosition {
			params["closePosition"] = "true"
		} else {
			params["quantity"] = req.Quantity.String()
		}
	default:
		return nil, fmt.Errorf("invalid order type: %s", req.Type)
	}

	if req.ReduceOnly && !req.ClosePosition {
		params["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := c.doSigned(ctx, "POST", "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	return raw.toOrder(), nil
}

// CancelOrder cancels one order by id
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.doSigned(ctx, "DELETE", "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": fmt.Sprintf("%d", orderID),
	})
	return err
}

// CancelAllOrders cancels every open order for the symbol
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := c.doSigned(ctx, "DELETE", "/fapi/v1/allOpenOrders", map[string]string{
		"symbol": symbol,
	})
	return err
}

// SetLeverage sets the symbol's leverage
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.doSigned(ctx, "POST", "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": fmt.Sprintf("%d", leverage),
	})
	return err
}

// SetMarginType sets ISOLATED or CROSSED margin for the symbol. "No need
// to change" is not an error.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	_, err := c.doSigned(ctx, "POST", "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": marginType,
	})
	if err != nil && strings.Contains(err.Error(), "No need to change") {
		return nil
	}
	return err
}

// SetPositionMode switches between one-way and hedge mode
func (c *Client) SetPositionMode(ctx context.Context, dualSide bool) error {
	_, err := c.doSigned(ctx, "POST", "/fapi/v1/positionSide/dual", map[string]string{
		"dualSidePosition": fmt.Sprintf("%t", dualSide),
	})
	if err != nil && strings.Contains(err.Error(), "No need to change") {
		return nil
	}
	return err
}

// CreateListenKey opens a user data stream
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, "POST", "/fapi/v1/listenKey")
	if err != nil {
		return "", err
	}

	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", err
	}
	return res.ListenKey, nil
}

// KeepAliveListenKey extends the stream's validity
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, "PUT", "/fapi/v1/listenKey")
	return err
}

// CloseListenKey closes the user data stream
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, "DELETE", "/fapi/v1/listenKey")
	return err
}

// rawOrder is the venue's order shape
type rawOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r *rawOrder) toOrder() *core.Order {
	price, _ := decimal.NewFromString(r.Price)
	stopPrice, _ := decimal.NewFromString(r.StopPrice)
	qty, _ := decimal.NewFromString(r.OrigQty)
	execQty, _ := decimal.NewFromString(r.ExecutedQty)
	avgPrice, _ := decimal.NewFromString(r.AvgPrice)

	return &core.Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.OrderSide(r.Side),
		Type:          core.OrderType(r.Type),
		Status:        r.Status,
		Price:         price,
		StopPrice:     stopPrice,
		Quantity:      qty,
		ExecutedQty:   execQty,
		AvgPrice:      avgPrice,
		ReduceOnly:    r.ReduceOnly,
		UpdateTime:    r.UpdateTime,
	}
}
