// Package risk evaluates open positions against configured limits.
// Evaluation is a pure function of the position, the chain snapshot and
// the limits, so live trading and backtests behave identically.
package risk

import (
	"math"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/resilience"
)

// Action is the kind of decision the risk manager returns.
type Action string

const (
	ActionContinue  Action = "CONTINUE"
	ActionHedge     Action = "HEDGE"
	ActionForceExit Action = "FORCE_EXIT"
)

// Decision reasons.
const (
	ReasonStopLoss     = "StopLossBreached"
	ReasonTakeProfit   = "TakeProfitHit"
	ReasonShortLegStop = "ShortLegStopBreached"
	ReasonMaxPositions = "MaxPositionsExceeded"
	ReasonFeedStale    = "FeedStale"
)

// Decision is an immutable instruction to the strategy. ForceExit is
// mandatory; the strategy must not refuse it.
type Decision struct {
	Action Action
	Leg    models.LegRole // set for Hedge
	Reason string
	PnL    float64 // total mark-to-market at decision time
}

// Resumed positions keep stale entry marks from before the restart, so
// their premium stops sit wider than fresh ones.
const resumedStopRelax = 0.5

// AllowEntry reports whether a new position may be opened. Max-position
// and feed-staleness limits block entries without touching open
// positions.
func AllowEntry(openPositions int, limits config.RiskLimits, feed resilience.FeedState) (bool, string) {
	if feed != resilience.FeedHealthy {
		return false, ReasonFeedStale
	}
	if openPositions >= limits.MaxPositions {
		return false, ReasonMaxPositions
	}
	return true, ""
}

// Evaluate inspects one open position against the current snapshot.
// Loss and profit limits always apply; hedge suggestions are suppressed
// while the feed is unhealthy because a hedge adds risk on prices that
// cannot be trusted.
func Evaluate(pos *models.Position, snap *models.OptionChainSnapshot, limits config.RiskLimits, feed resilience.FeedState) Decision {
	if pos == nil || !pos.IsOpen() {
		return Decision{Action: ActionContinue}
	}

	total := pos.RealizedPnL + UnrealizedPnL(pos, snap)

	if total <= -limits.StopLossPct*limits.MaxLossPerPosition {
		return Decision{Action: ActionForceExit, Reason: ReasonStopLoss, PnL: total}
	}
	if limits.TakeProfit > 0 && total >= limits.TakeProfit {
		return Decision{Action: ActionForceExit, Reason: ReasonTakeProfit, PnL: total}
	}

	if limits.ShortLegStopMult > 0 {
		mult := limits.ShortLegStopMult
		if pos.Resumed {
			mult += resumedStopRelax
		}
		for i := range pos.Legs {
			leg := &pos.Legs[i]
			if !leg.IsShort() || !leg.Filled || leg.Closed || leg.EntryPrice <= 0 {
				continue
			}
			entry, ok := snap.Entry(leg.Contract.Strike, leg.Contract.OptionType)
			if !ok {
				continue
			}
			if entry.Price >= leg.EntryPrice*mult {
				return Decision{Action: ActionForceExit, Reason: ReasonShortLegStop, PnL: total}
			}
		}
	}

	if feed == resilience.FeedHealthy && pos.State == models.PositionEntered {
		if role, ok := worstDeltaBreach(pos, snap, limits.HedgeTriggerDelta); ok {
			return Decision{Action: ActionHedge, Leg: role, PnL: total}
		}
	}

	return Decision{Action: ActionContinue, PnL: total}
}

// UnrealizedPnL marks every filled, still-open leg to the snapshot.
// Legs without a quote contribute their last known value of zero change
// rather than poisoning the total.
func UnrealizedPnL(pos *models.Position, snap *models.OptionChainSnapshot) float64 {
	var pnl float64
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if !leg.Filled || leg.Closed {
			continue
		}
		entry, ok := snap.Entry(leg.Contract.Strike, leg.Contract.OptionType)
		if !ok {
			continue
		}
		diff := entry.Price - leg.EntryPrice
		if leg.IsShort() {
			diff = -diff
		}
		pnl += diff * float64(leg.Quantity)
	}
	return pnl
}

// worstDeltaBreach finds the short leg whose delta moved furthest past
// the hedge trigger. When several breach at once the largest absolute
// breach wins; the rest are reevaluated after it resolves.
func worstDeltaBreach(pos *models.Position, snap *models.OptionChainSnapshot, trigger float64) (models.LegRole, bool) {
	var (
		worst       models.LegRole
		worstExcess = -1.0
	)
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if !leg.IsShort() || !leg.Filled || leg.Closed {
			continue
		}
		entry, ok := snap.Entry(leg.Contract.Strike, leg.Contract.OptionType)
		if !ok {
			continue
		}
		excess := math.Abs(entry.Greeks.Delta) - trigger
		if excess >= 0 && excess > worstExcess {
			worstExcess = excess
			worst = leg.Role
		}
	}
	return worst, worstExcess >= 0
}
