// Package engine turns validated trade signals into exchange orders and
// persisted trades. Every operation runs under the symbol's lock and is
// scoped to the tenant bound to the context.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
	"signalbridge/internal/dedup"
	"signalbridge/internal/telemetry"
	"signalbridge/internal/tenant"
)

// maxEntryDeviation rejects entries whose price has drifted too far from
// the live mark by the time the signal arrives
var maxEntryDeviation = decimal.NewFromFloat(0.10)

// Engine executes signals against one exchange account per call
type Engine struct {
	client   core.IFuturesClient
	store    core.ITradeStore
	locks    core.ISymbolLocks
	cache    *dedup.Cache
	notifier core.INotifier
	resolver core.IConfigResolver
	logger   core.ILogger
	now      func() time.Time
}

// New creates an execution engine
func New(client core.IFuturesClient, store core.ITradeStore, locks core.ISymbolLocks,
	cache *dedup.Cache, notifier core.INotifier, resolver core.IConfigResolver, logger core.ILogger) *Engine {
	return &Engine{
		client:   client,
		store:    store,
		locks:    locks,
		cache:    cache,
		notifier: notifier,
		resolver: resolver,
		logger:   logger.WithField("component", "engine"),
		now:      time.Now,
	}
}

// Result is the resolved outcome of one signal
type Result struct {
	Status  core.ExecutionStatus
	TradeID string
	Reason  string
	// Orders reports the exchange orders the operation attempted, in the
	// order they were placed.
	Orders []core.OrderResult
}

// orderResults projects order events onto the result's order report
func orderResults(symbol string, events []*core.TradeEvent) []core.OrderResult {
	out := make([]core.OrderResult, 0, len(events))
	for _, ev := range events {
		msg := ev.Detail
		if !ev.Success {
			msg = ev.ErrorMessage
		}
		out = append(out, core.OrderResult{
			Success:  ev.Success,
			OrderID:  ev.OrderID,
			Symbol:   symbol,
			Side:     ev.Side,
			Type:     ev.OrderType,
			Price:    ev.Price,
			Quantity: ev.Quantity,
			Message:  msg,
		})
	}
	return out
}

func rejected(reason string) Result {
	return Result{Status: core.ExecutionRejected, Reason: reason}
}

func ignored(reason string) Result {
	return Result{Status: core.ExecutionIgnored, Reason: reason}
}

func failed(reason string) Result {
	return Result{Status: core.ExecutionFailed, Reason: reason}
}

// Execute runs one signal to completion for the tenant bound to ctx
func (e *Engine) Execute(ctx context.Context, sig *core.TradeSignal) Result {
	tenantID := tenant.ID(ctx)
	cfg := e.resolver.Resolve(tenantID)

	if sig.Symbol == "" && cfg.DefaultSymbol != "" {
		sig.Symbol = cfg.DefaultSymbol
	}

	if err := sig.Validate(); err != nil {
		return rejected(err.Error())
	}

	log := e.logger.WithFields(map[string]interface{}{
		"tenant": tenantID,
		"symbol": sig.Symbol,
		"action": sig.Action,
	})

	e.locks.Lock(sig.Symbol)
	defer e.locks.Unlock(sig.Symbol)

	var res Result
	switch sig.Action {
	case core.ActionEntry, core.ActionDCA:
		res = e.executeEntry(ctx, tenantID, &cfg, sig, log)
	case core.ActionClose:
		res = e.executeClose(ctx, tenantID, &cfg, sig, log)
	case core.ActionMoveSL:
		res = e.executeMoveSL(ctx, tenantID, sig, log)
	case core.ActionCancel:
		res = e.executeCancel(ctx, tenantID, sig, log)
	default:
		res = ignored(fmt.Sprintf("action %s carries no execution", sig.Action))
	}

	log.Info("Signal resolved", "status", res.Status, "reason", res.Reason, "tradeId", res.TradeID)
	return res
}

func (e *Engine) executeEntry(ctx context.Context, tenantID string, cfg *core.TradeConfig, sig *core.TradeSignal, log core.ILogger) Result {
	if !cfg.SymbolAllowed(sig.Symbol) {
		return rejected(fmt.Sprintf("symbol %s not in whitelist", sig.Symbol))
	}

	if cfg.DedupEnabled {
		hash := sig.Hash()
		if e.cache.SeenForTenant(tenantID, hash) {
			telemetry.SignalsRejected.WithLabelValues("duplicate").Inc()
			return rejected("duplicate signal within dedup window")
		}
		exists, err := e.store.ExistsBySignalHashSince(ctx, hash, e.now().Add(-dedup.DefaultWindow))
		if err != nil {
			log.Error("Dedup persistence check failed", "error", err)
		} else if exists {
			e.cache.Record(dedup.TenantKey(tenantID, hash))
			telemetry.SignalsRejected.WithLabelValues("duplicate").Inc()
			return rejected("signal already produced a trade")
		}
	}

	balance, err := e.client.GetBalance(ctx)
	if err != nil {
		return failed(fmt.Sprintf("balance check failed: %v", err))
	}
	if !balance.IsPositive() {
		return rejected("no available balance")
	}

	if cfg.MaxDailyLossUSDT.IsPositive() {
		loss, err := e.store.TodayRealizedLoss(ctx, tenantID, e.now())
		if err != nil {
			return failed(fmt.Sprintf("daily loss check failed: %v", err))
		}
		if loss.GreaterThanOrEqual(cfg.MaxDailyLossUSDT) {
			e.notifier.Notify(ctx, tenantID, "Daily loss limit reached",
				fmt.Sprintf("Realized loss %s USDT hit the %s USDT limit; entries are paused until tomorrow.",
					loss, cfg.MaxDailyLossUSDT), core.SeverityWarning)
			telemetry.SignalsRejected.WithLabelValues("daily_loss_limit").Inc()
			return rejected("daily loss limit reached")
		}
	}

	position, err := e.client.GetPosition(ctx, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("position check failed: %v", err))
	}

	if !position.Size.IsZero() {
		if sig.IsDCA {
			if sig.Side == core.SideNone {
				sig.Side = position.Direction()
			}
			if sig.Side != position.Direction() {
				return rejected("dca side conflicts with live position")
			}
			return e.executeDCA(ctx, tenantID, cfg, sig, position, balance, log)
		}
		if position.Direction() == sig.Side {
			return rejected("position already open on this side")
		}
		return rejected("opposite position already open")
	}

	if sig.IsDCA {
		return rejected("dca signal without a live position")
	}

	openOrders, err := e.client.GetOpenOrders(ctx, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("open order check failed: %v", err))
	}
	for _, o := range openOrders {
		if o.Type == core.OrderTypeLimit && !o.ReduceOnly {
			return rejected("entry order already pending for symbol")
		}
	}

	mark, err := e.client.GetMarkPrice(ctx, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("mark price check failed: %v", err))
	}
	if mark.IsPositive() {
		deviation := sig.EntryPriceLow.Sub(mark).Abs().Div(mark)
		if deviation.GreaterThan(maxEntryDeviation) {
			telemetry.SignalsRejected.WithLabelValues("price_deviation").Inc()
			return rejected(fmt.Sprintf("entry price %s deviates %s%% from mark %s",
				sig.EntryPriceLow, deviation.Mul(decimal.NewFromInt(100)).Round(1), mark))
		}
	}

	// Margin type is best effort: the venue rejects the call when the
	// symbol already carries the mode or an open position.
	if err := e.client.SetMarginType(ctx, sig.Symbol, "ISOLATED"); err != nil {
		log.Warn("Failed to set isolated margin", "error", err)
	}
	if err := e.client.SetLeverage(ctx, sig.Symbol, cfg.FixedLeverage); err != nil {
		return failed(fmt.Sprintf("leverage setup failed: %v", err))
	}

	info, err := e.client.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("symbol info lookup failed: %v", err))
	}

	entryPrice := formatPrice(sig.EntryPriceLow, info)
	qty, riskAmount, err := computeQuantity(cfg, balance, entryPrice, sig.StopLoss, info, 0)
	if err != nil {
		telemetry.SignalsRejected.WithLabelValues("sizing").Inc()
		return rejected(err.Error())
	}

	entrySide := core.OrderSideBuy
	if sig.Side == core.SideShort {
		entrySide = core.OrderSideSell
	}

	entryOrder, err := e.client.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:   sig.Symbol,
		Side:     entrySide,
		Type:     core.OrderTypeLimit,
		Price:    entryPrice,
		Quantity: qty,
	})
	if err != nil {
		telemetry.OrdersPlaced.WithLabelValues("LIMIT", "failed").Inc()
		return Result{Status: core.ExecutionFailed,
			Reason: fmt.Sprintf("entry order failed: %v", err),
			Orders: []core.OrderResult{core.FailedResult(sig.Symbol, err.Error())}}
	}
	telemetry.OrdersPlaced.WithLabelValues("LIMIT", "ok").Inc()

	events := []*core.TradeEvent{{
		EventType: core.EventEntryPlaced,
		OrderID:   entryOrder.OrderID,
		Side:      entrySide,
		OrderType: core.OrderTypeLimit,
		Price:     entryPrice,
		Quantity:  qty,
		Success:   true,
		Timestamp: e.now(),
	}}

	protEvents, err := e.placeProtectiveOrders(ctx, sig.Symbol, sig.Side, sig.StopLoss, sig.TakeProfits, qty, info)
	events = append(events, protEvents...)
	if err != nil {
		// The position must never sit without a stop. Undo the entry and
		// flatten whatever filled in the meantime.
		e.failSafe(ctx, tenantID, sig.Symbol, sig.Side, entryOrder.OrderID, log)
		return Result{Status: core.ExecutionFailed,
			Reason: fmt.Sprintf("stop loss placement failed, entry rolled back: %v", err),
			Orders: orderResults(sig.Symbol, events)}
	}

	trade := &core.Trade{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Symbol:            sig.Symbol,
		Side:              sig.Side,
		EntryPrice:        entryPrice,
		EntryQuantity:     qty,
		EntryTime:         e.now(),
		EntryOrderID:      entryOrder.OrderID,
		StopLoss:          sig.StopLoss,
		TakeProfits:       serializeTPs(sig.TakeProfits),
		Leverage:          cfg.FixedLeverage,
		RiskAmount:        riskAmount,
		SignalHash:        sig.Hash(),
		Status:            core.StatusOpen,
		RemainingQuantity: qty,
	}
	if sig.Source != nil {
		trade.SourcePlatform = sig.Source.Platform
		trade.SourceChannel = sig.Source.ChannelName
	}

	if err := e.store.RecordEntry(ctx, trade, events); err != nil {
		log.Error("Failed to persist entry", "tradeId", trade.ID, "error", err)
		e.notifier.Notify(ctx, tenantID, "Persistence failure",
			fmt.Sprintf("Entry on %s executed but could not be persisted: %v", sig.Symbol, err), core.SeverityError)
		return Result{Status: core.ExecutionExecuted, TradeID: trade.ID,
			Reason: "executed, persistence failed", Orders: orderResults(sig.Symbol, events)}
	}

	telemetry.OpenTrades.Inc()
	e.notifier.Notify(ctx, tenantID, "Entry placed",
		fmt.Sprintf("%s %s %s @ %s, SL %s", sig.Symbol, sig.Side, qty, entryPrice, sig.StopLoss), core.SeverityInfo)

	return Result{Status: core.ExecutionExecuted, TradeID: trade.ID, Orders: orderResults(sig.Symbol, events)}
}

// executeDCA adds a layer to the live position: new entry order, protective
// orders re-placed for the combined quantity, weighted-average bookkeeping.
func (e *Engine) executeDCA(ctx context.Context, tenantID string, cfg *core.TradeConfig, sig *core.TradeSignal,
	position *core.Position, balance decimal.Decimal, log core.ILogger) Result {

	trade, err := e.store.FindOpenTrade(ctx, tenantID, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("trade lookup failed: %v", err))
	}
	if trade == nil {
		return rejected("live position has no tracked trade")
	}

	dcaCount, err := e.store.DCACount(ctx, tenantID, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("dca count lookup failed: %v", err))
	}
	// The initial entry occupies one slot, so averaging stops one layer
	// short of the configured cap.
	if cfg.MaxDCAPerSymbol > 0 && dcaCount >= cfg.MaxDCAPerSymbol-1 {
		telemetry.SignalsRejected.WithLabelValues("dca_limit").Inc()
		return rejected(fmt.Sprintf("dca limit %d reached", cfg.MaxDCAPerSymbol))
	}

	info, err := e.client.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("symbol info lookup failed: %v", err))
	}

	entryPrice := formatPrice(sig.EntryPriceLow, info)
	qty, riskAmount, err := computeQuantity(cfg, balance, entryPrice, sig.StopLoss, info, trade.DCACount+1)
	if err != nil {
		return rejected(err.Error())
	}

	entrySide := core.OrderSideBuy
	if trade.Side == core.SideShort {
		entrySide = core.OrderSideSell
	}

	entryOrder, err := e.client.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:   sig.Symbol,
		Side:     entrySide,
		Type:     core.OrderTypeLimit,
		Price:    entryPrice,
		Quantity: qty,
	})
	if err != nil {
		telemetry.OrdersPlaced.WithLabelValues("LIMIT", "failed").Inc()
		return Result{Status: core.ExecutionFailed,
			Reason: fmt.Sprintf("dca entry order failed: %v", err),
			Orders: []core.OrderResult{core.FailedResult(sig.Symbol, err.Error())}}
	}
	telemetry.OrdersPlaced.WithLabelValues("LIMIT", "ok").Inc()

	if err := e.cancelProtectiveOrders(ctx, sig.Symbol, log); err != nil {
		log.Warn("Failed to cancel protective orders before dca", "error", err)
	}

	prevQty := trade.EffectiveQuantity()
	combinedQty := prevQty.Add(qty)
	weightedEntry := trade.EntryPrice.Mul(prevQty).Add(entryPrice.Mul(qty)).Div(combinedQty)

	newSL := sig.StopLoss
	if newSL.IsZero() {
		newSL = trade.StopLoss
	}
	tps := sig.TakeProfits
	if len(tps) == 0 {
		tps = parseTPs(trade.TakeProfits)
	}

	protEvents, err := e.placeProtectiveOrders(ctx, sig.Symbol, trade.Side, newSL, tps, combinedQty, info)
	if err != nil {
		e.failSafe(ctx, tenantID, sig.Symbol, trade.Side, entryOrder.OrderID, log)
		return Result{Status: core.ExecutionFailed,
			Reason: fmt.Sprintf("stop loss replacement failed during dca: %v", err),
			Orders: orderResults(sig.Symbol, protEvents)}
	}

	trade.EntryPrice = weightedEntry
	trade.EntryQuantity = trade.EntryQuantity.Add(qty)
	trade.RemainingQuantity = combinedQty
	trade.StopLoss = newSL
	trade.DCACount++
	trade.RiskAmount = trade.RiskAmount.Add(riskAmount)

	event := &core.TradeEvent{
		EventType: core.EventDCAEntry,
		OrderID:   entryOrder.OrderID,
		Side:      entrySide,
		OrderType: core.OrderTypeLimit,
		Price:     entryPrice,
		Quantity:  qty,
		Success:   true,
		Detail:    fmt.Sprintf("layer %d, combined %s @ %s", trade.DCACount, combinedQty, weightedEntry.Round(int32(info.PricePrecision))),
		Timestamp: e.now(),
	}

	if err := e.store.RecordDCAEntry(ctx, trade, event); err != nil {
		log.Error("Failed to persist dca entry", "tradeId", trade.ID, "error", err)
	}

	e.notifier.Notify(ctx, tenantID, "DCA entry placed",
		fmt.Sprintf("%s layer %d: +%s @ %s, avg %s", sig.Symbol, trade.DCACount, qty, entryPrice, weightedEntry.Round(4)), core.SeverityInfo)

	return Result{Status: core.ExecutionExecuted, TradeID: trade.ID,
		Orders: orderResults(sig.Symbol, append([]*core.TradeEvent{event}, protEvents...))}
}

// placeProtectiveOrders places the stop loss and the take-profit ladder.
// The stop loss covers the whole position; take profits split the quantity
// evenly with the last level taking the remainder. A stop loss failure is
// fatal; a take-profit failure is logged and reported per event.
func (e *Engine) placeProtectiveOrders(ctx context.Context, symbol string, side core.PositionSide,
	stopLoss decimal.Decimal, takeProfits []decimal.Decimal, qty decimal.Decimal, info *core.SymbolInfo) ([]*core.TradeEvent, error) {

	exitSide := core.OrderSideSell
	if side == core.SideShort {
		exitSide = core.OrderSideBuy
	}

	var events []*core.TradeEvent

	slOrder, err := e.client.PlaceProtectiveOrder(ctx, &core.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          exitSide,
		Type:          core.OrderTypeStopMarket,
		StopPrice:     formatPrice(stopLoss, info),
		ClosePosition: true,
	})
	if err != nil {
		telemetry.OrdersPlaced.WithLabelValues("STOP_MARKET", "failed").Inc()
		events = append(events, &core.TradeEvent{
			EventType:    core.EventSLPlaced,
			Side:         exitSide,
			OrderType:    core.OrderTypeStopMarket,
			Price:        stopLoss,
			Success:      false,
			ErrorMessage: err.Error(),
			Timestamp:    e.now(),
		})
		return events, err
	}
	telemetry.OrdersPlaced.WithLabelValues("STOP_MARKET", "ok").Inc()
	events = append(events, &core.TradeEvent{
		EventType: core.EventSLPlaced,
		OrderID:   slOrder.OrderID,
		Side:      exitSide,
		OrderType: core.OrderTypeStopMarket,
		Price:     stopLoss,
		Success:   true,
		Timestamp: e.now(),
	})

	if len(takeProfits) == 0 {
		return events, nil
	}

	slice := formatQuantity(qty.Div(decimal.NewFromInt(int64(len(takeProfits)))), info)
	remaining := qty
	for i, tp := range takeProfits {
		tpQty := slice
		if i == len(takeProfits)-1 {
			tpQty = remaining
		}
		if !tpQty.IsPositive() {
			continue
		}
		remaining = remaining.Sub(tpQty)

		tpOrder, err := e.client.PlaceProtectiveOrder(ctx, &core.PlaceOrderRequest{
			Symbol:     symbol,
			Side:       exitSide,
			Type:       core.OrderTypeTakeProfitMarket,
			StopPrice:  formatPrice(tp, info),
			Quantity:   tpQty,
			ReduceOnly: true,
		})
		if err != nil {
			telemetry.OrdersPlaced.WithLabelValues("TAKE_PROFIT_MARKET", "failed").Inc()
			e.logger.Error("Take profit placement failed", "symbol", symbol, "price", tp, "error", err)
			events = append(events, &core.TradeEvent{
				EventType:    core.EventTPPlaced,
				Side:         exitSide,
				OrderType:    core.OrderTypeTakeProfitMarket,
				Price:        tp,
				Quantity:     tpQty,
				Success:      false,
				ErrorMessage: err.Error(),
				Timestamp:    e.now(),
			})
			continue
		}
		telemetry.OrdersPlaced.WithLabelValues("TAKE_PROFIT_MARKET", "ok").Inc()
		events = append(events, &core.TradeEvent{
			EventType: core.EventTPPlaced,
			OrderID:   tpOrder.OrderID,
			Side:      exitSide,
			OrderType: core.OrderTypeTakeProfitMarket,
			Price:     tp,
			Quantity:  tpQty,
			Success:   true,
			Timestamp: e.now(),
		})
	}

	return events, nil
}

// cancelProtectiveOrders cancels the symbol's STOP_MARKET and
// TAKE_PROFIT_MARKET orders, leaving entry orders alone
func (e *Engine) cancelProtectiveOrders(ctx context.Context, symbol string, log core.ILogger) error {
	orders, err := e.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	var firstErr error
	for _, o := range orders {
		if o.Type != core.OrderTypeStopMarket && o.Type != core.OrderTypeTakeProfitMarket {
			continue
		}
		if err := e.client.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			log.Warn("Failed to cancel protective order", "orderId", o.OrderID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// failSafe unwinds a partially executed entry: cancel the resting entry
// order, flatten any filled quantity at market, raise a critical alert.
func (e *Engine) failSafe(ctx context.Context, tenantID, symbol string, side core.PositionSide, entryOrderID int64, log core.ILogger) {
	log.Error("Fail-safe engaged", "symbol", symbol, "entryOrderId", entryOrderID)

	if err := e.client.CancelOrder(ctx, symbol, entryOrderID); err != nil {
		log.Error("Fail-safe could not cancel entry order", "orderId", entryOrderID, "error", err)
	}

	position, err := e.client.GetPosition(ctx, symbol)
	if err != nil {
		log.Error("Fail-safe could not read position", "error", err)
		e.notifier.Notify(ctx, tenantID, "FAIL-SAFE: manual intervention required",
			fmt.Sprintf("%s: stop loss missing, position state unknown (%v). Check the account now.", symbol, err),
			core.SeverityCritical)
		return
	}

	if !position.Size.IsZero() {
		exitSide := core.OrderSideSell
		if position.Size.IsNegative() {
			exitSide = core.OrderSideBuy
		}
		if _, err := e.client.PlaceOrder(ctx, &core.PlaceOrderRequest{
			Symbol:     symbol,
			Side:       exitSide,
			Type:       core.OrderTypeMarket,
			Quantity:   position.Size.Abs(),
			ReduceOnly: true,
		}); err != nil {
			log.Error("Fail-safe market flatten failed", "error", err)
			e.notifier.Notify(ctx, tenantID, "FAIL-SAFE: manual intervention required",
				fmt.Sprintf("%s: unprotected position of %s could not be flattened (%v). Close it manually.",
					symbol, position.Size, err), core.SeverityCritical)
			return
		}
	}

	_ = e.store.RecordOrderEvent(ctx, &core.TradeEvent{
		TradeID:   fmt.Sprintf("failsafe-%s-%d", strings.ToLower(symbol), e.now().UnixMilli()),
		EventType: core.EventFailSafe,
		OrderID:   entryOrderID,
		Success:   true,
		Detail:    "entry rolled back after stop loss placement failure",
		Timestamp: e.now(),
	})

	e.notifier.Notify(ctx, tenantID, "Fail-safe executed",
		fmt.Sprintf("%s: stop loss could not be placed; the entry was cancelled and any filled quantity flattened.", symbol),
		core.SeverityCritical)
}

func serializeTPs(tps []decimal.Decimal) string {
	if len(tps) == 0 {
		return ""
	}
	parts := make([]string, len(tps))
	for i, tp := range tps {
		parts[i] = tp.String()
	}
	return strings.Join(parts, ",")
}

func parseTPs(s string) []decimal.Decimal {
	if s == "" {
		return nil
	}
	var tps []decimal.Decimal
	for _, part := range strings.Split(s, ",") {
		if tp, err := decimal.NewFromString(strings.TrimSpace(part)); err == nil {
			tps = append(tps, tp)
		}
	}
	return tps
}
