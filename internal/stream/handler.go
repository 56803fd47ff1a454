package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
	"signalbridge/internal/engine"
	"signalbridge/internal/telemetry"
)

// partialTolerance treats a fill within 0.1% of the tracked quantity as a
// full close, absorbing step-size rounding between us and the venue
var partialTolerance = decimal.NewFromFloat(0.999)

// handleOrderUpdate reconciles one ORDER_TRADE_UPDATE into the trade store.
// Runs under the symbol's lock so it never races the execution engine.
func (r *Reconciler) handleOrderUpdate(ctx context.Context, tenantID string, u *core.OrderUpdate, log core.ILogger) {
	protective := u.Type == core.OrderTypeStopMarket || u.Type == core.OrderTypeTakeProfitMarket
	lost := protective && (u.Status == "CANCELED" || u.Status == "EXPIRED")
	if !lost && u.Status != "FILLED" && u.Status != "PARTIALLY_FILLED" {
		return
	}

	r.locks.Lock(u.Symbol)
	defer r.locks.Unlock(u.Symbol)

	trade, err := r.store.FindOpenTrade(ctx, tenantID, u.Symbol)
	if err != nil {
		log.Error("Trade lookup failed during reconciliation", "symbol", u.Symbol, "error", err)
		return
	}
	if trade == nil {
		return
	}

	exitSide := core.OrderSideSell
	if trade.Side == core.SideShort {
		exitSide = core.OrderSideBuy
	}

	if lost {
		if u.Side == exitSide {
			r.handleProtectionLost(ctx, tenantID, trade, u, log)
		}
		return
	}

	if u.Side != exitSide {
		r.handleEntryFill(ctx, trade, u, log)
		return
	}

	// Exit fills of non-protective orders are the engine's own closes
	// (reduce-only limits, fail-safe market flattens) echoed back on the
	// stream; the engine already booked those against the trade.
	if !protective {
		log.Debug("Ignoring exit fill of engine-placed order",
			"symbol", u.Symbol, "orderId", u.OrderID, "type", u.Type)
		return
	}

	if u.Status == "PARTIALLY_FILLED" {
		eventType := core.EventSLPartialFill
		if u.Type == core.OrderTypeTakeProfitMarket {
			eventType = core.EventTPPartialFill
		}
		_ = r.store.RecordOrderEvent(ctx, &core.TradeEvent{
			TradeID:   trade.ID,
			EventType: eventType,
			OrderID:   u.OrderID,
			Side:      u.Side,
			OrderType: u.Type,
			Price:     u.AvgPrice,
			Quantity:  u.FilledQty,
			Success:   true,
			Detail:    fmt.Sprintf("partial fill %s of %s", u.FilledQty, u.OrigQty),
			Timestamp: time.UnixMilli(u.TransactTime),
		})
		return
	}

	r.handleExitFill(ctx, tenantID, trade, u, log)
}

// handleEntryFill records the entry (or DCA) order filling and captures the
// actual entry commission
func (r *Reconciler) handleEntryFill(ctx context.Context, trade *core.Trade, u *core.OrderUpdate, log core.ILogger) {
	if u.Status != "FILLED" {
		return
	}

	commission := normalizeCommission(u, log)
	if commission.IsPositive() {
		trade.EntryCommission = trade.EntryCommission.Add(commission)
		if err := r.store.RecordDCAEntry(ctx, trade, &core.TradeEvent{
			EventType: core.EventEntryPlaced,
			OrderID:   u.OrderID,
			Side:      u.Side,
			OrderType: u.Type,
			Price:     u.AvgPrice,
			Quantity:  u.FilledQty,
			Success:   true,
			Detail:    fmt.Sprintf("entry filled, commission %s", commission),
			Timestamp: time.UnixMilli(u.TransactTime),
		}); err != nil {
			log.Error("Failed to record entry fill", "tradeId", trade.ID, "error", err)
		}
		return
	}

	_ = r.store.RecordOrderEvent(ctx, &core.TradeEvent{
		TradeID:   trade.ID,
		EventType: core.EventEntryPlaced,
		OrderID:   u.OrderID,
		Side:      u.Side,
		OrderType: u.Type,
		Price:     u.AvgPrice,
		Quantity:  u.FilledQty,
		Success:   true,
		Detail:    "entry filled",
		Timestamp: time.UnixMilli(u.TransactTime),
	})
}

// handleExitFill closes (or partially closes) the tracked trade from a
// protective order filling on the exchange.
func (r *Reconciler) handleExitFill(ctx context.Context, tenantID string, trade *core.Trade, u *core.OrderUpdate, log core.ILogger) {
	effQty := trade.EffectiveQuantity()
	exitQty := u.FilledQty
	exitPrice := u.AvgPrice

	commission := normalizeCommission(u, log)
	pnl := engine.ComputePnL(trade, exitPrice, exitQty, commission)
	if !u.RealizedProfit.IsZero() {
		// The venue's realized figure is authoritative for the gross side.
		pnl.GrossProfit = u.RealizedProfit.Round(2)
		pnl.NetProfit = pnl.GrossProfit.Sub(pnl.Commission)
	}

	exitReason := "SL_HIT"
	if u.Type == core.OrderTypeTakeProfitMarket {
		exitReason = "TP_HIT"
	}

	trade.TotalClosedQuantity = trade.TotalClosedQuantity.Add(exitQty)
	trade.ExitPrice = exitPrice
	trade.ExitQuantity = exitQty
	trade.ExitTime = time.UnixMilli(u.TransactTime)
	trade.ExitOrderID = u.OrderID
	trade.ExitReason = exitReason
	trade.GrossProfit = trade.GrossProfit.Add(pnl.GrossProfit)
	trade.Commission = trade.Commission.Add(pnl.Commission)
	trade.NetProfit = trade.NetProfit.Add(pnl.NetProfit)

	partial := exitQty.LessThan(effQty.Mul(partialTolerance))

	if partial {
		trade.RemainingQuantity = effQty.Sub(exitQty)
		event := &core.TradeEvent{
			EventType: core.EventStreamPartialClose,
			OrderID:   u.OrderID,
			Side:      u.Side,
			OrderType: u.Type,
			Price:     exitPrice,
			Quantity:  exitQty,
			Success:   true,
			Detail:    fmt.Sprintf("%s filled %s of %s, net %s", exitReason, exitQty, effQty, pnl.NetProfit),
			Timestamp: time.UnixMilli(u.TransactTime),
		}
		if err := r.store.RecordPartialClose(ctx, trade, event); err != nil {
			log.Error("Failed to record stream partial close", "tradeId", trade.ID, "error", err)
			return
		}

		r.notifier.Notify(ctx, tenantID, "Position partially closed by "+exitReason,
			fmt.Sprintf("%s %s: %s of %s filled @ %s, net %s USDT",
				trade.Symbol, trade.Side, exitQty, effQty, exitPrice, pnl.NetProfit), core.SeverityInfo)
		return
	}

	trade.RemainingQuantity = decimal.Zero
	event := &core.TradeEvent{
		EventType: core.EventStreamClose,
		OrderID:   u.OrderID,
		Side:      u.Side,
		OrderType: u.Type,
		Price:     exitPrice,
		Quantity:  exitQty,
		Success:   true,
		Detail:    fmt.Sprintf("%s, net %s", exitReason, pnl.NetProfit),
		Timestamp: time.UnixMilli(u.TransactTime),
	}
	if err := r.store.RecordClose(ctx, trade, event); err != nil {
		log.Error("Failed to record stream close", "tradeId", trade.ID, "error", err)
		return
	}
	telemetry.OpenTrades.Dec()

	// The counterpart protective order is still resting; clean it up.
	if err := r.cancelRemainingOrders(ctx, trade.Symbol, u.OrderID); err != nil {
		log.Warn("Failed to cancel leftover protective orders", "symbol", trade.Symbol, "error", err)
	}

	severity := core.SeverityInfo
	if exitReason == "SL_HIT" {
		severity = core.SeverityWarning
	}
	r.notifier.Notify(ctx, tenantID, "Position closed by "+exitReason,
		fmt.Sprintf("%s %s closed %s @ %s, net %s USDT",
			trade.Symbol, trade.Side, exitQty, exitPrice, pnl.NetProfit), severity)
}

// handleProtectionLost records a protective order disappearing without a
// fill. A replacement of the same type resting on the venue means the stop
// was moved, not lost, so only an orphaned cancel counts.
func (r *Reconciler) handleProtectionLost(ctx context.Context, tenantID string, trade *core.Trade, u *core.OrderUpdate, log core.ILogger) {
	orders, err := r.client.GetOpenOrders(ctx, u.Symbol)
	if err != nil {
		log.Warn("Open order check failed after protective cancel", "symbol", u.Symbol, "error", err)
	}
	for _, o := range orders {
		if o.Type == u.Type && o.OrderID != u.OrderID {
			log.Debug("Protective order replaced, position still covered",
				"symbol", u.Symbol, "orderId", o.OrderID)
			return
		}
	}

	eventType := core.EventSLLost
	severity := core.SeverityCritical
	label := "Stop loss"
	if u.Type == core.OrderTypeTakeProfitMarket {
		eventType = core.EventTPLost
		severity = core.SeverityWarning
		label = "Take profit"
	}

	if err := r.store.RecordOrderEvent(ctx, &core.TradeEvent{
		TradeID:   trade.ID,
		EventType: eventType,
		OrderID:   u.OrderID,
		Side:      u.Side,
		OrderType: u.Type,
		Quantity:  u.OrigQty,
		Success:   false,
		Detail:    fmt.Sprintf("order %s without filling", strings.ToLower(u.Status)),
		Timestamp: time.UnixMilli(u.TransactTime),
	}); err != nil {
		log.Error("Failed to record protection loss", "tradeId", trade.ID, "error", err)
	}

	r.notifier.Notify(ctx, tenantID, label+" order lost",
		fmt.Sprintf("%s %s: %s order %d was %s and no replacement is resting",
			trade.Symbol, trade.Side, label, u.OrderID, strings.ToLower(u.Status)), severity)
}

func (r *Reconciler) cancelRemainingOrders(ctx context.Context, symbol string, filledOrderID int64) error {
	orders, err := r.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	var firstErr error
	for _, o := range orders {
		if o.OrderID == filledOrderID {
			continue
		}
		if o.Type != core.OrderTypeStopMarket && o.Type != core.OrderTypeTakeProfitMarket {
			continue
		}
		if err := r.client.CancelOrder(ctx, symbol, o.OrderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// normalizeCommission converts the fill's commission to USDT terms. Fees
// paid in other assets (BNB discounts) cannot be valued from the stream
// alone, so those fall back to the taker-fee estimate downstream.
func normalizeCommission(u *core.OrderUpdate, log core.ILogger) decimal.Decimal {
	if u.Commission.IsZero() {
		return decimal.Zero
	}
	if u.CommissionAsset == "" || u.CommissionAsset == "USDT" {
		return u.Commission
	}
	log.Debug("Commission paid in non-USDT asset, using estimate", "asset", u.CommissionAsset)
	return decimal.Zero
}
