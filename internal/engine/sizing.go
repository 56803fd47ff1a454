package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
)

// minNotionalUSDT is the venue's floor for order value
var minNotionalUSDT = decimal.NewFromInt(5)

// marginHeadroom keeps sizing under the account's full margin capacity
var marginHeadroom = decimal.NewFromFloat(0.9)

// computeQuantity sizes an entry from the risk budget, then applies the
// position cap, the margin cap and the venue's step size. Returns the
// formatted quantity and the risk amount actually committed.
func computeQuantity(cfg *core.TradeConfig, balance, entryPrice, stopLoss decimal.Decimal, info *core.SymbolInfo, dcaLayer int) (decimal.Decimal, decimal.Decimal, error) {
	riskAmount := balance.Mul(cfg.RiskPercent).Div(decimal.NewFromInt(100))
	// Every averaging layer carries the same scaled-down risk budget; the
	// multiplier does not compound across layers.
	if dcaLayer > 0 {
		riskAmount = riskAmount.Mul(cfg.DCARiskMultiplier)
	}

	stopDistance := entryPrice.Sub(stopLoss).Abs()
	if stopDistance.IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("stop loss equals entry price")
	}

	qty := riskAmount.Div(stopDistance)

	// Position value cap
	if cfg.MaxPositionUSDT.IsPositive() {
		maxQty := cfg.MaxPositionUSDT.Div(entryPrice)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
		}
	}

	// Margin cap: the order must fit in 90% of what the balance can carry
	// at the configured leverage
	leverage := decimal.NewFromInt(int64(cfg.FixedLeverage))
	maxByMargin := balance.Mul(leverage).Mul(marginHeadroom).Div(entryPrice)
	if qty.GreaterThan(maxByMargin) {
		qty = maxByMargin
	}

	qty = formatQuantity(qty, info)

	notional := qty.Mul(entryPrice)
	if notional.LessThan(minNotionalUSDT) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("order notional %s below venue minimum %s", notional.Round(2), minNotionalUSDT)
	}
	if info.MinNotional.IsPositive() && notional.LessThan(info.MinNotional) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("order notional %s below symbol minimum %s", notional.Round(2), info.MinNotional)
	}

	return qty, riskAmount, nil
}

// formatQuantity floors the quantity onto the symbol's step grid
func formatQuantity(qty decimal.Decimal, info *core.SymbolInfo) decimal.Decimal {
	if info.StepSize.IsPositive() {
		return qty.Div(info.StepSize).Floor().Mul(info.StepSize)
	}
	return qty.RoundDown(int32(info.QuantityPrecision))
}

// formatPrice snaps a price onto the symbol's tick grid
func formatPrice(price decimal.Decimal, info *core.SymbolInfo) decimal.Decimal {
	if info.TickSize.IsPositive() {
		return price.Div(info.TickSize).Round(0).Mul(info.TickSize)
	}
	return price.Round(int32(info.PricePrecision))
}
