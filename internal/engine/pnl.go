package engine

import (
	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
)

// takerFeeRate estimates the exit commission when the stream did not report
// an actual fee
var takerFeeRate = decimal.NewFromFloat(0.0004)

// PnLBreakdown is the realized outcome of one (partial) exit
type PnLBreakdown struct {
	GrossProfit decimal.Decimal
	Commission  decimal.Decimal
	NetProfit   decimal.Decimal
}

// ComputePnL realizes the P&L of closing qty at exitPrice against the
// trade's weighted entry. entryCommission is the slice of the entry fee
// attributable to this quantity; exitCommission of zero falls back to a
// taker-fee estimate. All money rounds to 2 decimal places.
func ComputePnL(trade *core.Trade, exitPrice, qty, exitCommission decimal.Decimal) PnLBreakdown {
	var gross decimal.Decimal
	if trade.Side == core.SideLong {
		gross = exitPrice.Sub(trade.EntryPrice).Mul(qty)
	} else {
		gross = trade.EntryPrice.Sub(exitPrice).Mul(qty)
	}

	entryCommission := decimal.Zero
	if trade.EntryQuantity.IsPositive() {
		entryCommission = trade.EntryCommission.Mul(qty).Div(trade.EntryQuantity)
	}

	if exitCommission.IsZero() {
		exitCommission = exitPrice.Mul(qty).Mul(takerFeeRate)
	}

	// Round gross and commission once; net is their exact difference so
	// the three figures always reconcile.
	gross = gross.Round(2)
	commission := entryCommission.Add(exitCommission).Round(2)

	return PnLBreakdown{
		GrossProfit: gross,
		Commission:  commission,
		NetProfit:   gross.Sub(commission),
	}
}
