package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
	"signalbridge/internal/telemetry"
)

// closeSlippage prices the aggressive limit close just through the mark so
// it fills like a taker without paying market-order slippage on thin books
var closeSlippage = decimal.NewFromFloat(0.001)

// resolveOpenTrade finds the symbol's open trade. The producer sometimes
// names the wrong symbol on CLOSE and MOVE_SL; when exactly one trade is
// open the intent is unambiguous and the signal is redirected to it. A
// redirect takes the actual symbol's lock; release undoes it.
func (e *Engine) resolveOpenTrade(ctx context.Context, tenantID string, sig *core.TradeSignal, log core.ILogger) (*core.Trade, func(), error) {
	release := func() {}
	trade, err := e.store.FindOpenTrade(ctx, tenantID, sig.Symbol)
	if err != nil {
		return nil, release, fmt.Errorf("trade lookup failed: %w", err)
	}
	if trade != nil {
		return trade, release, nil
	}

	all, err := e.store.FindAllOpenTrades(ctx, tenantID)
	if err != nil {
		return nil, release, fmt.Errorf("trade lookup failed: %w", err)
	}
	if len(all) != 1 {
		return nil, release, nil
	}
	trade = all[0]
	if trade.Symbol != sig.Symbol {
		log.Warn("Signal redirected to the only open trade",
			"action", sig.Action, "requested", sig.Symbol, "actual", trade.Symbol)
		e.locks.Lock(trade.Symbol)
		release = func() { e.locks.Unlock(trade.Symbol) }
	}
	return trade, release, nil
}

func (e *Engine) executeClose(ctx context.Context, tenantID string, cfg *core.TradeConfig, sig *core.TradeSignal, log core.ILogger) Result {
	trade, release, err := e.resolveOpenTrade(ctx, tenantID, sig, log)
	if err != nil {
		return failed(err.Error())
	}
	defer release()
	if trade == nil {
		return rejected(fmt.Sprintf("no open trade for %s", sig.Symbol))
	}

	position, err := e.client.GetPosition(ctx, trade.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("position check failed: %v", err))
	}

	if position.Size.IsZero() {
		// Already flat on the exchange; reconcile the books.
		if err := e.client.CancelAllOrders(ctx, trade.Symbol); err != nil {
			log.Warn("Failed to cancel orders for flat symbol", "error", err)
		}
		trade.ExitReason = "CLOSE_SIGNAL_NO_POSITION"
		trade.ExitTime = e.now()
		if err := e.store.RecordClose(ctx, trade, &core.TradeEvent{
			EventType: core.EventClosePlaced,
			Success:   true,
			Detail:    "close signal arrived with no live position; trade record reconciled",
			Timestamp: e.now(),
		}); err != nil {
			return failed(fmt.Sprintf("failed to reconcile flat trade: %v", err))
		}
		telemetry.OpenTrades.Dec()
		return Result{Status: core.ExecutionExecuted, TradeID: trade.ID}
	}

	info, err := e.client.GetSymbolInfo(ctx, trade.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("symbol info lookup failed: %v", err))
	}

	mark, err := e.client.GetMarkPrice(ctx, trade.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("mark price lookup failed: %v", err))
	}

	liveQty := position.Size.Abs()
	ratio := sig.EffectiveCloseRatio()
	closeQty := formatQuantity(liveQty.Mul(ratio), info)
	fullClose := ratio.Equal(decimal.NewFromInt(1)) || closeQty.GreaterThanOrEqual(liveQty) ||
		liveQty.Sub(closeQty).Mul(mark).LessThan(minNotionalUSDT)
	if fullClose {
		closeQty = liveQty
	}
	if !closeQty.IsPositive() {
		return rejected("close quantity rounds to zero")
	}

	exitSide := core.OrderSideSell
	exitPrice := mark.Mul(decimal.NewFromInt(1).Sub(closeSlippage))
	if trade.Side == core.SideShort {
		exitSide = core.OrderSideBuy
		exitPrice = mark.Mul(decimal.NewFromInt(1).Add(closeSlippage))
	}
	exitPrice = formatPrice(exitPrice, info)

	// Protective orders must not fight the close, so everything resting is
	// swept; on a partial close their prices are snapshotted first and the
	// remainder is re-protected afterwards.
	var slSnapshot, tpSnapshot decimal.Decimal
	if !fullClose {
		orders, err := e.client.GetOpenOrders(ctx, trade.Symbol)
		if err != nil {
			return failed(fmt.Sprintf("open order snapshot failed: %v", err))
		}
		for _, o := range orders {
			switch o.Type {
			case core.OrderTypeStopMarket:
				slSnapshot = o.StopPrice
			case core.OrderTypeTakeProfitMarket:
				tpSnapshot = o.StopPrice
			}
		}
	}
	if err := e.client.CancelAllOrders(ctx, trade.Symbol); err != nil {
		log.Warn("Failed to cancel protective orders before close", "error", err)
	}

	closeOrder, err := e.client.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       exitSide,
		Type:       core.OrderTypeLimit,
		Price:      exitPrice,
		Quantity:   closeQty,
		ReduceOnly: true,
	})
	if err != nil {
		telemetry.OrdersPlaced.WithLabelValues("LIMIT", "failed").Inc()
		return failed(fmt.Sprintf("close order failed: %v", err))
	}
	telemetry.OrdersPlaced.WithLabelValues("LIMIT", "ok").Inc()

	pnl := ComputePnL(trade, exitPrice, closeQty, decimal.Zero)

	trade.TotalClosedQuantity = trade.TotalClosedQuantity.Add(closeQty)
	trade.RemainingQuantity = liveQty.Sub(closeQty)
	trade.ExitPrice = exitPrice
	trade.ExitQuantity = closeQty
	trade.ExitTime = e.now()
	trade.ExitOrderID = closeOrder.OrderID
	trade.GrossProfit = trade.GrossProfit.Add(pnl.GrossProfit)
	trade.Commission = trade.Commission.Add(pnl.Commission)
	trade.NetProfit = trade.NetProfit.Add(pnl.NetProfit)

	event := &core.TradeEvent{
		EventType: core.EventClosePlaced,
		OrderID:   closeOrder.OrderID,
		Side:      exitSide,
		OrderType: core.OrderTypeLimit,
		Price:     exitPrice,
		Quantity:  closeQty,
		Success:   true,
		Detail:    fmt.Sprintf("ratio %s, net %s (estimated)", ratio, pnl.NetProfit),
		Timestamp: e.now(),
	}

	if fullClose {
		trade.ExitReason = "CLOSE_SIGNAL"
		if err := e.store.RecordClose(ctx, trade, event); err != nil {
			return failed(fmt.Sprintf("failed to persist close: %v", err))
		}
		telemetry.OpenTrades.Dec()
		e.notifier.Notify(ctx, tenantID, "Position closed",
			fmt.Sprintf("%s %s closed %s @ %s, est. net %s USDT", trade.Symbol, trade.Side, closeQty, exitPrice, pnl.NetProfit),
			core.SeverityInfo)
	} else {
		event.EventType = core.EventPartialClose
		if err := e.store.RecordPartialClose(ctx, trade, event); err != nil {
			return failed(fmt.Sprintf("failed to persist partial close: %v", err))
		}
		e.reprotectRemainder(ctx, tenantID, trade, sig, info, exitSide, slSnapshot, tpSnapshot, log)
		e.notifier.Notify(ctx, tenantID, "Position partially closed",
			fmt.Sprintf("%s %s closed %s of %s @ %s, est. net %s USDT", trade.Symbol, trade.Side, closeQty, liveQty, exitPrice, pnl.NetProfit),
			core.SeverityInfo)
	}

	return Result{Status: core.ExecutionExecuted, TradeID: trade.ID}
}

// reprotectRemainder puts protection back on what is left after a partial
// close. Stop price preference: the signal's new stop, the pre-cancel stop,
// break-even at entry. Take profit: the signal's new target, then the
// pre-cancel one.
func (e *Engine) reprotectRemainder(ctx context.Context, tenantID string, trade *core.Trade, sig *core.TradeSignal,
	info *core.SymbolInfo, exitSide core.OrderSide, slSnapshot, tpSnapshot decimal.Decimal, log core.ILogger) {

	slPrice := sig.NewStopLoss
	if slPrice.IsZero() {
		slPrice = slSnapshot
	}
	if slPrice.IsZero() {
		slPrice = trade.EntryPrice
	}

	if slPrice.IsZero() {
		e.notifier.Notify(ctx, tenantID, "Position unprotected after partial close",
			fmt.Sprintf("%s %s: no stop price could be derived for the remaining %s",
				trade.Symbol, trade.Side, trade.RemainingQuantity), core.SeverityWarning)
	} else {
		slOrder, err := e.client.PlaceProtectiveOrder(ctx, &core.PlaceOrderRequest{
			Symbol:        trade.Symbol,
			Side:          exitSide,
			Type:          core.OrderTypeStopMarket,
			StopPrice:     formatPrice(slPrice, info),
			ClosePosition: true,
		})
		if err != nil {
			telemetry.OrdersPlaced.WithLabelValues("STOP_MARKET", "failed").Inc()
			e.notifier.Notify(ctx, tenantID, "Stop loss re-placement failed",
				fmt.Sprintf("%s %s: remaining %s has no stop after partial close: %v",
					trade.Symbol, trade.Side, trade.RemainingQuantity, err), core.SeverityCritical)
		} else {
			telemetry.OrdersPlaced.WithLabelValues("STOP_MARKET", "ok").Inc()
			_ = e.store.RecordOrderEvent(ctx, &core.TradeEvent{
				TradeID:   trade.ID,
				EventType: core.EventSLPlaced,
				OrderID:   slOrder.OrderID,
				Side:      exitSide,
				OrderType: core.OrderTypeStopMarket,
				Price:     slPrice,
				Success:   true,
				Detail:    "stop re-placed after partial close",
				Timestamp: e.now(),
			})
		}
	}

	tpPrice := sig.NewTakeProfit
	if tpPrice.IsZero() {
		tpPrice = tpSnapshot
	}
	if tpPrice.IsZero() {
		return
	}

	tpOrder, err := e.client.PlaceProtectiveOrder(ctx, &core.PlaceOrderRequest{
		Symbol:     trade.Symbol,
		Side:       exitSide,
		Type:       core.OrderTypeTakeProfitMarket,
		StopPrice:  formatPrice(tpPrice, info),
		Quantity:   formatQuantity(trade.RemainingQuantity, info),
		ReduceOnly: true,
	})
	if err != nil {
		telemetry.OrdersPlaced.WithLabelValues("TAKE_PROFIT_MARKET", "failed").Inc()
		log.Warn("Take profit re-placement failed after partial close", "symbol", trade.Symbol, "error", err)
		return
	}
	telemetry.OrdersPlaced.WithLabelValues("TAKE_PROFIT_MARKET", "ok").Inc()
	_ = e.store.RecordOrderEvent(ctx, &core.TradeEvent{
		TradeID:   trade.ID,
		EventType: core.EventTPPlaced,
		OrderID:   tpOrder.OrderID,
		Side:      exitSide,
		OrderType: core.OrderTypeTakeProfitMarket,
		Price:     tpPrice,
		Quantity:  trade.RemainingQuantity,
		Success:   true,
		Detail:    "take profit re-placed after partial close",
		Timestamp: e.now(),
	})
}

func (e *Engine) executeMoveSL(ctx context.Context, tenantID string, sig *core.TradeSignal, log core.ILogger) Result {
	trade, release, err := e.resolveOpenTrade(ctx, tenantID, sig, log)
	if err != nil {
		return failed(err.Error())
	}
	defer release()
	if trade == nil {
		return rejected(fmt.Sprintf("no open trade for %s", sig.Symbol))
	}

	position, err := e.client.GetPosition(ctx, trade.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("position check failed: %v", err))
	}
	if position.Size.IsZero() {
		return rejected("no live position to protect")
	}

	info, err := e.client.GetSymbolInfo(ctx, trade.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("symbol info lookup failed: %v", err))
	}

	mark, err := e.client.GetMarkPrice(ctx, trade.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("mark price lookup failed: %v", err))
	}

	exitSide := core.OrderSideSell
	if trade.Side == core.SideShort {
		exitSide = core.OrderSideBuy
	}

	if !sig.NewStopLoss.IsZero() {
		// A stop on the wrong side of the mark would trigger immediately.
		if trade.Side == core.SideLong && sig.NewStopLoss.GreaterThanOrEqual(mark) {
			return rejected(fmt.Sprintf("new stop %s is above mark %s for LONG", sig.NewStopLoss, mark))
		}
		if trade.Side == core.SideShort && sig.NewStopLoss.LessThanOrEqual(mark) {
			return rejected(fmt.Sprintf("new stop %s is below mark %s for SHORT", sig.NewStopLoss, mark))
		}

		if err := e.cancelOrdersOfType(ctx, trade.Symbol, core.OrderTypeStopMarket, log); err != nil {
			log.Warn("Failed to cancel old stop loss", "error", err)
		}

		slOrder, err := e.client.PlaceProtectiveOrder(ctx, &core.PlaceOrderRequest{
			Symbol:        trade.Symbol,
			Side:          exitSide,
			Type:          core.OrderTypeStopMarket,
			StopPrice:     formatPrice(sig.NewStopLoss, info),
			ClosePosition: true,
		})
		if err != nil {
			telemetry.OrdersPlaced.WithLabelValues("STOP_MARKET", "failed").Inc()
			e.notifier.Notify(ctx, tenantID, "Stop loss move failed",
				fmt.Sprintf("%s: the old stop was cancelled but the new stop at %s could not be placed: %v",
					trade.Symbol, sig.NewStopLoss, err), core.SeverityCritical)
			return failed(fmt.Sprintf("new stop loss placement failed: %v", err))
		}
		telemetry.OrdersPlaced.WithLabelValues("STOP_MARKET", "ok").Inc()

		event := &core.TradeEvent{
			TradeID:   trade.ID,
			EventType: core.EventMoveSL,
			OrderID:   slOrder.OrderID,
			Side:      exitSide,
			OrderType: core.OrderTypeStopMarket,
			Price:     sig.NewStopLoss,
			Success:   true,
			Detail:    fmt.Sprintf("moved from %s", trade.StopLoss),
			Timestamp: e.now(),
		}
		if err := e.store.RecordMoveSL(ctx, tenantID, trade.Symbol, sig.NewStopLoss, event); err != nil {
			log.Error("Failed to persist stop loss move", "tradeId", trade.ID, "error", err)
		}

		e.notifier.Notify(ctx, tenantID, "Stop loss moved",
			fmt.Sprintf("%s: stop moved %s → %s", trade.Symbol, trade.StopLoss, sig.NewStopLoss), core.SeverityInfo)
	}

	// Some producers still send the target in the take-profit list instead
	// of new_take_profit.
	tpTarget := sig.NewTakeProfit
	if tpTarget.IsZero() && len(sig.TakeProfits) > 0 {
		tpTarget = sig.TakeProfits[0]
	}

	if !tpTarget.IsZero() {
		if err := e.cancelOrdersOfType(ctx, trade.Symbol, core.OrderTypeTakeProfitMarket, log); err != nil {
			log.Warn("Failed to cancel old take profits", "error", err)
		}

		tpOrder, err := e.client.PlaceProtectiveOrder(ctx, &core.PlaceOrderRequest{
			Symbol:     trade.Symbol,
			Side:       exitSide,
			Type:       core.OrderTypeTakeProfitMarket,
			StopPrice:  formatPrice(tpTarget, info),
			Quantity:   position.Size.Abs(),
			ReduceOnly: true,
		})
		if err != nil {
			telemetry.OrdersPlaced.WithLabelValues("TAKE_PROFIT_MARKET", "failed").Inc()
			return failed(fmt.Sprintf("new take profit placement failed: %v", err))
		}
		telemetry.OrdersPlaced.WithLabelValues("TAKE_PROFIT_MARKET", "ok").Inc()

		_ = e.store.RecordOrderEvent(ctx, &core.TradeEvent{
			TradeID:   trade.ID,
			EventType: core.EventTPPlaced,
			OrderID:   tpOrder.OrderID,
			Side:      exitSide,
			OrderType: core.OrderTypeTakeProfitMarket,
			Price:     tpTarget,
			Quantity:  position.Size.Abs(),
			Success:   true,
			Detail:    "take profit replaced by move signal",
			Timestamp: e.now(),
		})
	}

	return Result{Status: core.ExecutionExecuted, TradeID: trade.ID}
}

// executeCancel withdraws a pending entry that has not produced a position.
// Once quantity is filled the cancel no longer applies.
func (e *Engine) executeCancel(ctx context.Context, tenantID string, sig *core.TradeSignal, log core.ILogger) Result {
	trade, err := e.store.FindOpenTrade(ctx, tenantID, sig.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("trade lookup failed: %v", err))
	}
	if trade == nil {
		return rejected(fmt.Sprintf("no open trade for %s", sig.Symbol))
	}

	position, err := e.client.GetPosition(ctx, trade.Symbol)
	if err != nil {
		return failed(fmt.Sprintf("position check failed: %v", err))
	}
	if !position.Size.IsZero() {
		return ignored("entry already filled; cancel signal skipped")
	}

	if err := e.client.CancelAllOrders(ctx, trade.Symbol); err != nil {
		return failed(fmt.Sprintf("order cancellation failed: %v", err))
	}

	trade.ExitReason = "CANCEL_SIGNAL"
	event := &core.TradeEvent{
		EventType: core.EventCancel,
		Success:   true,
		Detail:    "entry withdrawn before fill",
		Timestamp: e.now(),
	}
	if err := e.store.RecordCancel(ctx, trade, event); err != nil {
		return failed(fmt.Sprintf("failed to persist cancel: %v", err))
	}

	telemetry.OpenTrades.Dec()
	e.notifier.Notify(ctx, tenantID, "Entry cancelled",
		fmt.Sprintf("%s: pending entry withdrawn before any fill", trade.Symbol), core.SeverityInfo)

	return Result{Status: core.ExecutionExecuted, TradeID: trade.ID}
}

func (e *Engine) cancelOrdersOfType(ctx context.Context, symbol string, orderType core.OrderType, log core.ILogger) error {
	orders, err := e.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	var firstErr error
	for _, o := range orders {
		if o.Type != orderType {
			continue
		}
		if err := e.client.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			log.Warn("Failed to cancel order", "orderId", o.OrderID, "type", orderType, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
