// Package strategy contains the trading state machines. Strategies own
// their positions exclusively: risk and execution communicate through
// immutable decisions and order events, never by direct mutation.
package strategy

import (
	"time"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/risk"
)

// ContractSource resolves listed option contracts. The live engine
// backs this with the scrip master catalog; backtests use a synthetic
// resolver.
type ContractSource interface {
	FindOption(index models.Index, expiry time.Time, strike int, optType models.OptionType) (models.OptionContract, error)
}

// Strategy is the capability interface every trading strategy
// implements. Evaluate runs on the serialized tick stream and returns
// leg intents for the execution manager; OnOrderUpdate feeds order
// state back in on the same stream.
type Strategy interface {
	Name() string
	Evaluate(now time.Time, snap *models.OptionChainSnapshot, decision risk.Decision, entryAllowed bool) []models.LegIntent
	OnOrderUpdate(order models.Order)
	Position() *models.Position
}
