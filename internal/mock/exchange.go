// Package mock provides an in-memory futures client for tests
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
)

// Exchange implements core.IFuturesClient for testing. It records every
// order it sees and supports per-method failure injection.
type Exchange struct {
	mu sync.Mutex

	Balance    decimal.Decimal
	MarkPrices map[string]decimal.Decimal
	Positions  map[string]*core.Position
	Infos      map[string]*core.SymbolInfo

	orders         map[int64]*core.Order
	clientOrderMap map[string]int64
	orderIDCounter int64

	// FailOn injects an error for the named method ("PlaceOrder",
	// "PlaceProtectiveOrder", "GetBalance", ...)
	FailOn map[string]error

	PlacedOrders    []*core.PlaceOrderRequest
	CancelledOrders []int64
	CancelAllCalls  []string
	LeverageCalls   map[string]int
	ListenKeys      []string
	keyCounter      int
}

// NewExchange creates a mock with a funded account and sane tick rules
func NewExchange() *Exchange {
	return &Exchange{
		Balance:    decimal.NewFromInt(10000),
		MarkPrices: make(map[string]decimal.Decimal),
		Positions:  make(map[string]*core.Position),
		Infos:      make(map[string]*core.SymbolInfo),

		orders:         make(map[int64]*core.Order),
		clientOrderMap: make(map[string]int64),
		orderIDCounter: 1000,

		FailOn:        make(map[string]error),
		LeverageCalls: make(map[string]int),
	}
}

// SetPosition installs a live position
func (m *Exchange) SetPosition(symbol string, size, entryPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions[symbol] = &core.Position{
		Symbol:     symbol,
		Size:       size,
		EntryPrice: entryPrice,
		MarkPrice:  m.MarkPrices[symbol],
	}
}

// SetMarkPrice installs a mark price
func (m *Exchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkPrices[symbol] = price
}

// SetSymbolInfo installs tick rules
func (m *Exchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Infos[info.Symbol] = info
}

// OpenOrders returns the currently resting orders
func (m *Exchange) OpenOrders() []*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Order
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

func (m *Exchange) fail(method string) error {
	if err, ok := m.FailOn[method]; ok {
		return err
	}
	return nil
}

func (m *Exchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetBalance"); err != nil {
		return decimal.Zero, err
	}
	return m.Balance, nil
}

func (m *Exchange) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetPosition"); err != nil {
		return nil, err
	}
	if p, ok := m.Positions[symbol]; ok {
		return p, nil
	}
	return &core.Position{Symbol: symbol}, nil
}

func (m *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOpenOrders"); err != nil {
		return nil, err
	}
	var out []*core.Order
	for _, o := range m.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetMarkPrice"); err != nil {
		return decimal.Zero, err
	}
	if p, ok := m.MarkPrices[symbol]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("no mark price for %s", symbol)
}

func (m *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetSymbolInfo"); err != nil {
		return nil, err
	}
	if info, ok := m.Infos[symbol]; ok {
		return info, nil
	}
	return &core.SymbolInfo{
		Symbol:            symbol,
		PricePrecision:    2,
		QuantityPrecision: 3,
		TickSize:          decimal.NewFromFloat(0.01),
		StepSize:          decimal.NewFromFloat(0.001),
	}, nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceOrder"); err != nil {
		return nil, err
	}
	return m.placeLocked(req)
}

func (m *Exchange) PlaceProtectiveOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PlaceProtectiveOrder"); err != nil {
		return nil, err
	}
	return m.placeLocked(req)
}

func (m *Exchange) placeLocked(req *core.PlaceOrderRequest) (*core.Order, error) {
	// Idempotency on client order id, matching the venue's behavior
	if req.ClientOrderID != "" {
		if existingID, exists := m.clientOrderMap[req.ClientOrderID]; exists {
			if existing, ok := m.orders[existingID]; ok {
				return existing, nil
			}
		}
	}

	m.orderIDCounter++
	order := &core.Order{
		OrderID:       m.orderIDCounter,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "NEW",
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
	}
	m.orders[order.OrderID] = order
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = order.OrderID
	}

	reqCopy := *req
	m.PlacedOrders = append(m.PlacedOrders, &reqCopy)
	return order, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelOrder"); err != nil {
		return err
	}
	delete(m.orders, orderID)
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}

func (m *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CancelAllOrders"); err != nil {
		return err
	}
	for id, o := range m.orders {
		if o.Symbol == symbol {
			delete(m.orders, id)
		}
	}
	m.CancelAllCalls = append(m.CancelAllCalls, symbol)
	return nil
}

func (m *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetLeverage"); err != nil {
		return err
	}
	m.LeverageCalls[symbol] = leverage
	return nil
}

func (m *Exchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("SetMarginType")
}

func (m *Exchange) SetPositionMode(ctx context.Context, dualSide bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("SetPositionMode")
}

func (m *Exchange) CreateListenKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateListenKey"); err != nil {
		return "", err
	}
	m.keyCounter++
	key := fmt.Sprintf("listen-key-%d", m.keyCounter)
	m.ListenKeys = append(m.ListenKeys, key)
	return key, nil
}

func (m *Exchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("KeepAliveListenKey")
}

func (m *Exchange) CloseListenKey(ctx context.Context, listenKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail("CloseListenKey")
}
