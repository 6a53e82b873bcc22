package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/logging"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/risk"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

// condorLegs holds the four resolved contracts of a candidate condor.
type condorLegs struct {
	shortCall models.OptionContract
	longCall  models.OptionContract
	shortPut  models.OptionContract
	longPut   models.OptionContract
}

func (c condorLegs) contract(role models.LegRole) models.OptionContract {
	switch role {
	case models.LegShortCall:
		return c.shortCall
	case models.LegLongCall:
		return c.longCall
	case models.LegShortPut:
		return c.shortPut
	}
	return c.longPut
}

// rollState tracks an in-flight roll of one short leg: the old contract
// is bought back and a further strike sold in its place.
type rollState struct {
	role      models.LegRole
	contract  models.OptionContract
	closeDone bool
	openDone  bool
	openPrice float64
}

// IronCondor is the four-leg short premium strategy. The position is
// owned and mutated exclusively here; all methods run on the serialized
// tick stream and never concurrently.
type IronCondor struct {
	cfg       config.StrategyConfig
	index     models.Index
	lots      int
	contracts ContractSource
	logger    zerolog.Logger

	entryAfter  config.Clock
	entryBefore config.Clock
	eodExit     config.Clock

	vwap      NetCreditVWAP
	candidate *condorLegs

	pos       *models.Position
	rollsUsed int
	roll      *rollState
	pending   []models.LegIntent
	counter   int
}

// NewIronCondor creates the strategy. Clock strings are validated at
// config load time.
func NewIronCondor(cfg config.StrategyConfig, index models.Index, lots int, contracts ContractSource, logger zerolog.Logger) *IronCondor {
	entryAfter, _ := config.ParseClock(cfg.EntryAfter)
	entryBefore, _ := config.ParseClock(cfg.EntryBefore)
	eodExit, _ := config.ParseClock(cfg.EODExit)

	return &IronCondor{
		cfg:         cfg,
		index:       index,
		lots:        lots,
		contracts:   contracts,
		logger:      logger,
		entryAfter:  entryAfter,
		entryBefore: entryBefore,
		eodExit:     eodExit,
	}
}

// Name returns the strategy identifier used in position records.
func (s *IronCondor) Name() string {
	return "iron-condor"
}

// Position returns the currently managed position, nil before the first
// entry. Callers must treat it as read-only.
func (s *IronCondor) Position() *models.Position {
	return s.pos
}

// Resume adopts a position rebuilt from the archive and broker state
// after a restart. Resumed positions carry wider premium stops.
func (s *IronCondor) Resume(pos *models.Position) {
	pos.Resumed = true
	s.pos = pos
	s.logger.Warn().
		Str("position_id", pos.ID).
		Str("state", string(pos.State)).
		Msg("Resumed open position from previous session")
}

// Evaluate advances the state machine for one chain update. The risk
// decision is mandatory: a ForceExit is always honored.
func (s *IronCondor) Evaluate(now time.Time, snap *models.OptionChainSnapshot, decision risk.Decision, entryAllowed bool) []models.LegIntent {
	intents := s.pending
	s.pending = nil

	if s.pos != nil && s.pos.IsOpen() {
		s.pos.UnrealizedPnL = risk.UnrealizedPnL(s.pos, snap)

		switch {
		case s.pos.State == models.PositionExiting:
			// Close orders in flight; nothing to decide.
			intents = withoutRolls(intents)
		case decision.Action == risk.ActionForceExit:
			logging.LogRisk(s.logger, s.pos.ID, string(decision.Action), decision.Reason, decision.PnL)
			intents = append(withoutRolls(intents), s.beginExit(now, decision.Reason)...)
		case s.timeExitDue(now, snap):
			intents = append(withoutRolls(intents), s.beginExit(now, "TimeExit")...)
		case decision.Action == risk.ActionHedge && s.pos.State == models.PositionEntered:
			intents = append(intents, s.beginRoll(now, decision.Leg)...)
		}
		return intents
	}

	if !entryAllowed || !s.inEntryWindow(now) {
		return intents
	}
	if snap.SpotPrice <= 0 || snap.IVRank < s.cfg.EntryIVRankMin || snap.DaysToExpiry() < s.cfg.MinDaysToExpiry {
		return intents
	}

	if s.candidate == nil {
		legs, err := s.selectCandidate(snap)
		if err != nil {
			s.logger.Debug().Err(err).Msg("No viable condor strikes yet")
			return intents
		}
		s.candidate = legs
	}

	if s.cfg.UseVWAPFilter {
		credit, volume, ok := s.candidateCredit(snap)
		if !ok {
			return intents
		}
		if !s.vwap.Track(credit, volume) {
			return intents
		}
		s.logger.Info().
			Float64("net_credit", credit).
			Float64("vwap", s.vwap.VWAP()).
			Msg("Net credit crossed below VWAP, entering")
	}

	return append(intents, s.openPosition(now)...)
}

func (s *IronCondor) inEntryWindow(now time.Time) bool {
	ist := now.In(utils.IST)
	mins := ist.Hour()*60 + ist.Minute()
	return mins >= s.entryAfter.Minutes() && mins < s.entryBefore.Minutes()
}

func (s *IronCondor) timeExitDue(now time.Time, snap *models.OptionChainSnapshot) bool {
	ist := now.In(utils.IST)
	if ist.Hour()*60+ist.Minute() >= s.eodExit.Minutes() {
		return true
	}
	if s.cfg.ExitBeforeExpiry > 0 && snap.Expiry.Sub(now) <= s.cfg.ExitBeforeExpiry {
		return true
	}
	return false
}

// selectCandidate picks strikes and resolves the four contracts,
// preferring the chain's own registrations and falling back to the
// catalog for wing strikes outside the registered window.
func (s *IronCondor) selectCandidate(snap *models.OptionChainSnapshot) (*condorLegs, error) {
	strikes, err := SelectStrikes(snap, s.cfg)
	if err != nil {
		return nil, err
	}

	resolve := func(strike int, typ models.OptionType) (models.OptionContract, error) {
		if entry, ok := snap.Entry(strike, typ); ok {
			return entry.Contract, nil
		}
		return s.contracts.FindOption(s.index, snap.Expiry, strike, typ)
	}

	legs := &condorLegs{}
	if legs.shortCall, err = resolve(strikes.ShortCall, models.OptionCall); err != nil {
		return nil, err
	}
	if legs.longCall, err = resolve(strikes.LongCall, models.OptionCall); err != nil {
		return nil, err
	}
	if legs.shortPut, err = resolve(strikes.ShortPut, models.OptionPut); err != nil {
		return nil, err
	}
	if legs.longPut, err = resolve(strikes.LongPut, models.OptionPut); err != nil {
		return nil, err
	}
	return legs, nil
}

// candidateCredit computes the live net credit and combined volume of
// the candidate legs. All four quotes must be present.
func (s *IronCondor) candidateCredit(snap *models.OptionChainSnapshot) (credit, volume float64, ok bool) {
	legs := []struct {
		contract models.OptionContract
		short    bool
	}{
		{s.candidate.shortCall, true},
		{s.candidate.shortPut, true},
		{s.candidate.longCall, false},
		{s.candidate.longPut, false},
	}
	for _, leg := range legs {
		entry, found := snap.Entry(leg.contract.Strike, leg.contract.OptionType)
		if !found || entry.Price <= 0 {
			return 0, 0, false
		}
		if leg.short {
			credit += entry.Price
		} else {
			credit -= entry.Price
		}
		volume += float64(entry.Volume)
	}
	return credit, volume, true
}

// openPosition creates the position and emits the four entry intents.
// Hedge legs go first so the account is never short without protection.
func (s *IronCondor) openPosition(now time.Time) []models.LegIntent {
	s.counter++
	qty := s.lots * s.index.LotSize()
	id := fmt.Sprintf("%s-%s-%d", s.Name(), now.In(utils.IST).Format("20060102"), s.counter)

	pos := &models.Position{
		ID:           id,
		StrategyName: s.Name(),
		Index:        s.index,
		State:        models.PositionEvaluating,
	}
	for _, role := range models.IronCondorRoles {
		side := models.OrderSideSell
		if role == models.LegLongCall || role == models.LegLongPut {
			side = models.OrderSideBuy
		}
		pos.Legs = append(pos.Legs, models.OptionLeg{
			Role:     role,
			Contract: s.candidate.contract(role),
			Side:     side,
			Quantity: qty,
		})
	}

	s.pos = pos
	s.rollsUsed = 0
	s.roll = nil
	s.candidate = nil

	logging.LogTransition(s.logger, pos.ID, string(models.PositionIdle), string(models.PositionEvaluating), "entry conditions met")

	intents := make([]models.LegIntent, 0, 4)
	for _, role := range []models.LegRole{models.LegLongCall, models.LegLongPut, models.LegShortCall, models.LegShortPut} {
		leg := pos.Leg(role)
		intents = append(intents, models.LegIntent{
			PositionID: pos.ID,
			Role:       role,
			Kind:       models.IntentEntry,
			Contract:   leg.Contract,
			Side:       leg.Side,
			Quantity:   leg.Quantity,
			OrderType:  models.OrderTypeMarket,
			Tag:        string(role),
		})
	}
	return intents
}

// withoutRolls drops queued roll intents. Once an exit is decided no
// replacement short may be sold.
func withoutRolls(intents []models.LegIntent) []models.LegIntent {
	kept := intents[:0]
	for _, intent := range intents {
		if intent.Kind != models.IntentRoll {
			kept = append(kept, intent)
		}
	}
	return kept
}

// beginExit moves the position to EXITING and emits close intents for
// every opened leg. Legs never opened are marked closed in place; their
// outstanding orders are cancelled by the engine.
func (s *IronCondor) beginExit(now time.Time, reason string) []models.LegIntent {
	from := s.pos.State
	s.pos.State = models.PositionExiting
	s.pos.ExitReason = reason
	s.roll = nil
	logging.LogTransition(s.logger, s.pos.ID, string(from), string(models.PositionExiting), reason)

	var intents []models.LegIntent
	for i := range s.pos.Legs {
		leg := &s.pos.Legs[i]
		if leg.Closed {
			continue
		}
		if !leg.Filled {
			leg.Closed = true
			continue
		}
		intents = append(intents, s.exitIntent(leg))
	}

	if s.pos.AllClosed() {
		s.finalize(now)
	}
	return intents
}

func (s *IronCondor) exitIntent(leg *models.OptionLeg) models.LegIntent {
	return models.LegIntent{
		PositionID: s.pos.ID,
		Role:       leg.Role,
		Kind:       models.IntentExit,
		Contract:   leg.Contract,
		Side:       leg.Side.Opposite(),
		Quantity:   leg.Quantity,
		OrderType:  models.OrderTypeMarket,
		Tag:        string(leg.Role),
	}
}

// beginRoll starts rolling a breached short leg: buy back the old
// strike first, then sell a further one once the buyback fills. The
// legs run sequentially so at most one roll order is ever in flight
// and a failure never strands a filled replacement short.
// An exhausted retry budget converts the breach into a full exit.
func (s *IronCondor) beginRoll(now time.Time, role models.LegRole) []models.LegIntent {
	if s.rollsUsed >= s.cfg.RollRetryBudget {
		return s.beginExit(now, "RollBudgetExhausted")
	}

	leg := s.pos.Leg(role)
	if leg == nil || !leg.IsShort() {
		return nil
	}

	step := s.index.StrikeStep()
	newStrike := leg.Contract.Strike + s.cfg.RollSteps*step
	if leg.Contract.OptionType == models.OptionPut {
		newStrike = leg.Contract.Strike - s.cfg.RollSteps*step
	}

	contract, err := s.contracts.FindOption(s.index, leg.Contract.Expiry, newStrike, leg.Contract.OptionType)
	if err != nil {
		s.logger.Error().Err(err).
			Str("position_id", s.pos.ID).
			Int("strike", newStrike).
			Msg("Roll target strike not listed")
		return nil
	}

	s.rollsUsed++
	s.roll = &rollState{role: role, contract: contract}
	s.pos.State = models.PositionAdjusting
	logging.LogTransition(s.logger, s.pos.ID, string(models.PositionEntered), string(models.PositionAdjusting),
		fmt.Sprintf("rolling %s to %d", role, newStrike))

	return []models.LegIntent{{
		PositionID: s.pos.ID,
		Role:       role,
		Kind:       models.IntentRoll,
		Contract:   leg.Contract,
		Side:       models.OrderSideBuy,
		Quantity:   leg.Quantity,
		OrderType:  models.OrderTypeMarket,
		Tag:        string(role) + "-close",
	}}
}

// OnOrderUpdate feeds a terminal order state back into the machine.
// Called on the serialized stream, never concurrently with Evaluate.
func (s *IronCondor) OnOrderUpdate(order models.Order) {
	if s.pos == nil || order.PositionID != s.pos.ID || !order.Status.IsTerminal() {
		return
	}
	leg := s.pos.Leg(order.Role)
	if leg == nil {
		return
	}

	switch order.Kind {
	case models.IntentEntry:
		s.onEntryUpdate(leg, order)
	case models.IntentExit:
		s.onExitUpdate(leg, order)
	case models.IntentRoll:
		s.onRollUpdate(leg, order)
	}
}

func (s *IronCondor) onEntryUpdate(leg *models.OptionLeg, order models.Order) {
	switch order.Status {
	case models.OrderFilled:
		leg.Filled = true
		leg.EntryPrice = order.AveragePrice

		if s.pos.State == models.PositionExiting {
			// Fill raced the cancel. Unwind it immediately.
			leg.Closed = false
			s.pending = append(s.pending, s.exitIntent(leg))
			return
		}

		if s.pos.AllFilled() {
			from := s.pos.State
			s.pos.State = models.PositionEntered
			s.pos.EntryTime = order.UpdatedAt
			logging.LogTransition(s.logger, s.pos.ID, string(from), string(models.PositionEntered), "all legs filled")
		} else if s.pos.State == models.PositionEvaluating {
			s.pos.State = models.PositionAdjusting
			logging.LogTransition(s.logger, s.pos.ID, string(models.PositionEvaluating), string(models.PositionAdjusting), "partial entry")
		}

	case models.OrderRejected, models.OrderCancelled:
		if s.pos.State == models.PositionExiting {
			leg.Closed = true
			if s.pos.AllClosed() {
				s.finalize(order.UpdatedAt)
			}
			return
		}
		leg.Closed = true // never opened
		s.pending = append(s.pending, s.beginExit(order.UpdatedAt, "EntryAborted")...)
	}
}

func (s *IronCondor) onExitUpdate(leg *models.OptionLeg, order models.Order) {
	switch order.Status {
	case models.OrderFilled:
		leg.ExitPrice = order.AveragePrice
		leg.Closed = true
		s.pos.RealizedPnL += legPnL(leg) * float64(leg.Quantity)
		if s.pos.AllClosed() {
			s.finalize(order.UpdatedAt)
		}
	case models.OrderRejected, models.OrderCancelled:
		// A position must not stay half-closed. Keep trying.
		s.logger.Error().
			Str("position_id", s.pos.ID).
			Str("role", string(leg.Role)).
			Str("reason", order.RejectReason).
			Msg("Exit order failed, requeueing")
		s.pending = append(s.pending, s.exitIntent(leg))
	}
}

func (s *IronCondor) onRollUpdate(leg *models.OptionLeg, order models.Order) {
	if s.roll == nil || s.roll.role != order.Role {
		return
	}

	switch order.Status {
	case models.OrderFilled:
		if order.Side == models.OrderSideBuy {
			// Old short bought back; now the replacement can be sold.
			leg.ExitPrice = order.AveragePrice
			leg.Closed = true
			s.pos.RealizedPnL += (leg.EntryPrice - order.AveragePrice) * float64(leg.Quantity)
			s.roll.closeDone = true
			s.pending = append(s.pending, models.LegIntent{
				PositionID: s.pos.ID,
				Role:       leg.Role,
				Kind:       models.IntentRoll,
				Contract:   s.roll.contract,
				Side:       models.OrderSideSell,
				Quantity:   leg.Quantity,
				OrderType:  models.OrderTypeMarket,
				Tag:        string(leg.Role) + "-open",
			})
		} else {
			s.roll.openDone = true
			s.roll.openPrice = order.AveragePrice
		}
		if s.roll.closeDone && s.roll.openDone {
			s.completeRoll(leg)
		}
	case models.OrderRejected, models.OrderCancelled:
		s.pending = append(s.pending, s.beginExit(order.UpdatedAt, "RollFailed")...)
	}
}

func (s *IronCondor) completeRoll(leg *models.OptionLeg) {
	leg.Contract = s.roll.contract
	leg.EntryPrice = s.roll.openPrice
	leg.ExitPrice = 0
	leg.Filled = true
	leg.Closed = false
	s.roll = nil

	if s.pos.State == models.PositionAdjusting {
		s.pos.State = models.PositionEntered
		logging.LogTransition(s.logger, s.pos.ID, string(models.PositionAdjusting), string(models.PositionEntered), "roll filled")
	}
}

func legPnL(leg *models.OptionLeg) float64 {
	if leg.IsShort() {
		return leg.EntryPrice - leg.ExitPrice
	}
	return leg.ExitPrice - leg.EntryPrice
}

func (s *IronCondor) finalize(at time.Time) {
	s.pos.State = models.PositionClosed
	s.pos.ExitTime = at
	s.pos.UnrealizedPnL = 0
	s.roll = nil
	logging.LogTransition(s.logger, s.pos.ID, string(models.PositionExiting), string(models.PositionClosed),
		fmt.Sprintf("realized %.2f", s.pos.RealizedPnL))
}

// SeedVWAP pre-fills the entry filter from historical bars, mirroring a
// mid-session start.
func (s *IronCondor) SeedVWAP(ohlc4, volume float64) {
	s.vwap.SeedBar(ohlc4, volume)
}

// Ensure IronCondor implements Strategy interface
var _ Strategy = (*IronCondor)(nil)
