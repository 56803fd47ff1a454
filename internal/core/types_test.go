package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSignalHashIsStable(t *testing.T) {
	a := &TradeSignal{Symbol: "BTCUSDT", Side: SideLong, EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	b := &TradeSignal{Symbol: "BTCUSDT", Side: SideLong, EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	assert.Equal(t, a.Hash(), b.Hash())

	c := &TradeSignal{Symbol: "BTCUSDT", Side: SideShort, EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	assert.NotEqual(t, a.Hash(), c.Hash())

	d := &TradeSignal{Symbol: "BTCUSDT", Side: SideLong, EntryPriceLow: decimal.NewFromInt(101), StopLoss: decimal.NewFromInt(95)}
	assert.NotEqual(t, a.Hash(), d.Hash())
}

func TestSignalHashSidelessUsesDCAPlaceholder(t *testing.T) {
	sideless := &TradeSignal{Symbol: "BTCUSDT", EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	long := &TradeSignal{Symbol: "BTCUSDT", Side: SideLong, EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	assert.NotEqual(t, sideless.Hash(), long.Hash())
	assert.Equal(t, sideless.Hash(), sideless.Hash())
}

func TestValidateEntry(t *testing.T) {
	valid := &TradeSignal{Action: ActionEntry, Symbol: "BTCUSDT", Side: SideLong,
		EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	assert.NoError(t, valid.Validate())

	noStop := &TradeSignal{Action: ActionEntry, Symbol: "BTCUSDT", Side: SideLong, EntryPriceLow: decimal.NewFromInt(100)}
	assert.Error(t, noStop.Validate())

	stopAbove := &TradeSignal{Action: ActionEntry, Symbol: "BTCUSDT", Side: SideLong,
		EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(105)}
	assert.Error(t, stopAbove.Validate())

	shortStopBelow := &TradeSignal{Action: ActionEntry, Symbol: "BTCUSDT", Side: SideShort,
		EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	assert.Error(t, shortStopBelow.Validate())

	noSide := &TradeSignal{Action: ActionEntry, Symbol: "BTCUSDT",
		EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	assert.Error(t, noSide.Validate())

	// A DCA may come in sideless; the direction comes from the position.
	sidelessDCA := &TradeSignal{Action: ActionDCA, Symbol: "BTCUSDT", IsDCA: true,
		EntryPriceLow: decimal.NewFromInt(100), StopLoss: decimal.NewFromInt(95)}
	assert.NoError(t, sidelessDCA.Validate())
}

func TestValidateClose(t *testing.T) {
	assert.NoError(t, (&TradeSignal{Action: ActionClose, Symbol: "BTCUSDT"}).Validate())
	assert.NoError(t, (&TradeSignal{Action: ActionClose, Symbol: "BTCUSDT", CloseRatio: decimal.NewFromFloat(0.5)}).Validate())
	assert.Error(t, (&TradeSignal{Action: ActionClose, Symbol: "BTCUSDT", CloseRatio: decimal.NewFromFloat(1.5)}).Validate())
	assert.Error(t, (&TradeSignal{Action: ActionClose, Symbol: "BTCUSDT", CloseRatio: decimal.NewFromFloat(-0.5)}).Validate())
}

func TestValidateMoveSL(t *testing.T) {
	assert.Error(t, (&TradeSignal{Action: ActionMoveSL, Symbol: "BTCUSDT"}).Validate())
	assert.NoError(t, (&TradeSignal{Action: ActionMoveSL, Symbol: "BTCUSDT", NewStopLoss: decimal.NewFromInt(98)}).Validate())
	assert.NoError(t, (&TradeSignal{Action: ActionMoveSL, Symbol: "BTCUSDT", NewTakeProfit: decimal.NewFromInt(120)}).Validate())
}

func TestValidateRequiresSymbol(t *testing.T) {
	assert.Error(t, (&TradeSignal{Action: ActionClose}).Validate())
	assert.NoError(t, (&TradeSignal{Action: ActionInfo}).Validate())
}

func TestEffectiveCloseRatio(t *testing.T) {
	sig := &TradeSignal{}
	assert.True(t, sig.EffectiveCloseRatio().Equal(decimal.NewFromInt(1)))

	sig.CloseRatio = decimal.NewFromFloat(0.25)
	assert.True(t, sig.EffectiveCloseRatio().Equal(decimal.NewFromFloat(0.25)))
}

func TestPositionDirection(t *testing.T) {
	assert.Equal(t, SideLong, (&Position{Size: decimal.NewFromInt(1)}).Direction())
	assert.Equal(t, SideShort, (&Position{Size: decimal.NewFromInt(-1)}).Direction())
	assert.Equal(t, SideNone, (&Position{}).Direction())
}

func TestEffectiveQuantity(t *testing.T) {
	trade := &Trade{EntryQuantity: decimal.NewFromInt(20)}
	assert.True(t, trade.EffectiveQuantity().Equal(decimal.NewFromInt(20)))

	trade.RemainingQuantity = decimal.NewFromInt(8)
	assert.True(t, trade.EffectiveQuantity().Equal(decimal.NewFromInt(8)))
}

func TestSymbolAllowed(t *testing.T) {
	open := &TradeConfig{}
	assert.True(t, open.SymbolAllowed("BTCUSDT"))

	scoped := &TradeConfig{AllowedSymbols: []string{"BTCUSDT", "ETHUSDT"}}
	assert.True(t, scoped.SymbolAllowed("ETHUSDT"))
	assert.False(t, scoped.SymbolAllowed("DOGEUSDT"))
}
