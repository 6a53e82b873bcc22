// Package backtest replays recorded candle data through the live
// decision stack. The chain, strategy, risk and execution code paths
// are the same ones the live engine runs; only the feed and the broker
// are simulated, so a backtest exercises the exact production logic.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/broker"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/chain"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/execution"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/resilience"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/risk"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/store"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/strategy"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

// Engine replays one session of recorded candles.
type Engine struct {
	cfg     *config.Config
	store   store.DataStore
	catalog *broker.ContractCatalog
	logger  zerolog.Logger
}

// New creates a backtest engine. The catalog must already be loaded.
func New(cfg *config.Config, dataStore store.DataStore, catalog *broker.ContractCatalog, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   dataStore,
		catalog: catalog,
		logger:  logger,
	}
}

// Result summarizes one backtest run.
type Result struct {
	Date          time.Time
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	MaxDrawdown   float64
	Trades        []TradeSummary
	EquityCurve   []EquityPoint
}

// TradeSummary is one completed position.
type TradeSummary struct {
	PositionID string
	EntryTime  time.Time
	ExitTime   time.Time
	ExitReason string
	PnL        float64
}

// EquityPoint is a mark-to-market sample of cumulative P&L.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// replayTick is a candle flattened into the tick shape the chain
// consumes. Volume is cumulative per token, matching the live feed.
type replayTick struct {
	tick models.Tick
	spot bool
}

// Run replays the session for the configured date. Candles must have
// been recorded beforehand with the data fetch command.
func (e *Engine) Run(ctx context.Context, date time.Time) (*Result, error) {
	index := models.Index(e.cfg.Trading.Index)
	if !utils.IsTradingDay(date) {
		return nil, fmt.Errorf("%s is not a trading day", date.Format("2006-01-02"))
	}

	expiry, err := e.catalog.NextExpiry(index, date, int(e.cfg.Strategy.MinDaysToExpiry))
	if err != nil {
		return nil, fmt.Errorf("resolving expiry: %w", err)
	}

	spotToken, _, err := broker.SpotInstrument(index)
	if err != nil {
		return nil, err
	}

	interval := e.cfg.Backtest.BarInterval
	if interval == "" {
		interval = "ONE_MINUTE"
	}

	from := utils.MarketOpen(date)
	to := utils.MarketClose(date)

	spotCandles, err := e.store.GetCandles(ctx, spotToken, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading spot candles: %w", err)
	}
	if len(spotCandles) == 0 {
		return nil, fmt.Errorf("no spot candles recorded for %s, run the data fetch command first", date.Format("2006-01-02"))
	}

	book := chain.NewBook(index, utils.MarketClose(expiry), spotToken, e.cfg.Trading.RiskFree)

	contracts, err := e.registerWindow(book, index, expiry, spotCandles[0].Close)
	if err != nil {
		return nil, err
	}

	ticks, err := e.buildTickStream(ctx, spotToken, string(index), contracts, interval, from, to)
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("no candles recorded for %s", date.Format("2006-01-02"))
	}

	return e.replay(ctx, index, book, ticks, date)
}

// registerWindow registers every listed strike a condor could use for
// the session, mirroring the live engine's subscription window.
func (e *Engine) registerWindow(book *chain.Book, index models.Index, expiry time.Time, spot float64) ([]models.OptionContract, error) {
	step := index.StrikeStep()
	steps := e.cfg.Strategy.OffsetPoints/step +
		e.cfg.Strategy.WingWidthSteps +
		e.cfg.Strategy.RollSteps*e.cfg.Strategy.RollRetryBudget + 10
	low := int(spot) - steps*step
	high := int(spot) + steps*step

	var contracts []models.OptionContract
	for _, strike := range e.catalog.Strikes(index, expiry) {
		if strike < low || strike > high {
			continue
		}
		for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
			contract, err := e.catalog.FindOption(index, expiry, strike, typ)
			if err != nil {
				continue
			}
			book.Register(contract)
			contracts = append(contracts, contract)
		}
	}

	if len(contracts) == 0 {
		return nil, fmt.Errorf("no contracts listed around spot %.0f for %s", spot, broker.FormatExpiry(expiry))
	}
	return contracts, nil
}

// buildTickStream flattens spot and option candles into one
// time-ordered stream. At equal timestamps spot sorts first so option
// Greeks are computed against the current underlying level.
func (e *Engine) buildTickStream(ctx context.Context, spotToken, spotSymbol string, contracts []models.OptionContract, interval string, from, to time.Time) ([]replayTick, error) {
	var ticks []replayTick

	spotCandles, err := e.store.GetCandles(ctx, spotToken, interval, from, to)
	if err != nil {
		return nil, err
	}
	for _, c := range spotCandles {
		ticks = append(ticks, replayTick{
			tick: models.Tick{Token: spotToken, Symbol: spotSymbol, LTP: c.Close, Timestamp: c.Timestamp},
			spot: true,
		})
	}

	covered := 0
	for _, contract := range contracts {
		candles, err := e.store.GetCandles(ctx, contract.Token, interval, from, to)
		if err != nil {
			return nil, err
		}
		if len(candles) > 0 {
			covered++
		}
		var cumVolume int64
		for _, c := range candles {
			cumVolume += c.Volume
			ticks = append(ticks, replayTick{
				tick: models.Tick{
					Token:     contract.Token,
					Symbol:    contract.Symbol,
					LTP:       c.Close,
					BidPrice:  c.Close,
					AskPrice:  c.Close,
					Volume:    cumVolume,
					Timestamp: c.Timestamp,
				},
			})
		}
	}

	e.logger.Info().
		Int("contracts", len(contracts)).
		Int("with_data", covered).
		Int("ticks", len(ticks)).
		Msg("Replay stream built")

	sort.SliceStable(ticks, func(i, j int) bool {
		if ticks[i].tick.Timestamp.Equal(ticks[j].tick.Timestamp) {
			return ticks[i].spot && !ticks[j].spot
		}
		return ticks[i].tick.Timestamp.Before(ticks[j].tick.Timestamp)
	})

	return ticks, nil
}

// replay drives the decision stack tick by tick under a simulated
// clock.
func (e *Engine) replay(ctx context.Context, index models.Index, book *chain.Book, ticks []replayTick, date time.Time) (*Result, error) {
	now := ticks[0].tick.Timestamp
	clock := func() time.Time { return now }

	slippage := e.cfg.Backtest.Slippage
	if slippage == 0 {
		slippage = e.cfg.Execution.Slippage
	}
	sim := broker.NewSimBroker(broker.SimBrokerConfig{Slippage: slippage})
	sim.SetClock(clock)

	var pendingFills []models.FillEvent
	sim.OnFill(func(event models.FillEvent) {
		pendingFills = append(pendingFills, event)
	})

	executor := execution.New(sim, e.store, e.cfg.Execution, e.logger)
	executor.SetClock(clock)

	health := resilience.NewFeedHealth(e.cfg.Risk.FeedStaleAfter)
	health.SetClock(clock)
	health.MarkConnected()

	strat := strategy.NewIronCondor(e.cfg.Strategy, index, e.cfg.Trading.Lots, e.catalog, e.logger)

	result := &Result{Date: date}
	recorded := make(map[string]bool)
	cancelled := make(map[string]bool)
	realized := 0.0
	peak := 0.0

	evaluate := func(snap *models.OptionChainSnapshot, at time.Time) {
		pos := strat.Position()
		open := 0
		if pos != nil && pos.IsOpen() {
			open = 1
		}
		feedState := health.State()
		entryAllowed, _ := risk.AllowEntry(open, e.cfg.Risk, feedState)
		decision := risk.Evaluate(pos, snap, e.cfg.Risk, feedState)

		for _, intent := range strat.Evaluate(at, snap, decision, entryAllowed) {
			if intent.Kind == models.IntentExit && !cancelled[intent.PositionID] {
				cancelled[intent.PositionID] = true
				executor.CancelPosition(ctx, intent.PositionID)
			}
			if order := executor.Submit(ctx, intent); order != nil && order.Status.IsTerminal() {
				strat.OnOrderUpdate(*order)
			}
		}
	}

	drainFills := func(snap *models.OptionChainSnapshot, at time.Time) {
		for len(pendingFills) > 0 {
			event := pendingFills[0]
			pendingFills = pendingFills[1:]
			if order, ok := executor.ApplyFill(event); ok {
				strat.OnOrderUpdate(order)
			}
			// A fill may queue unwind intents; flush them before the
			// next market event.
			evaluate(snap, at)
		}
	}

	var lastSnap *models.OptionChainSnapshot
	for _, rt := range ticks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now = rt.tick.Timestamp
		health.MarkTick(now)

		sim.ProcessTick(rt.tick)
		book.ApplyTick(rt.tick)

		snap := book.Snapshot(now)
		lastSnap = snap

		evaluate(snap, now)
		drainFills(snap, now)

		if pos := strat.Position(); pos != nil {
			if pos.State == models.PositionClosed && !recorded[pos.ID] {
				recorded[pos.ID] = true
				realized += pos.RealizedPnL
				result.Trades = append(result.Trades, TradeSummary{
					PositionID: pos.ID,
					EntryTime:  pos.EntryTime,
					ExitTime:   pos.ExitTime,
					ExitReason: pos.ExitReason,
					PnL:        pos.RealizedPnL,
				})
				if err := e.store.SavePosition(ctx, pos); err != nil {
					e.logger.Warn().Err(err).Str("position_id", pos.ID).Msg("Archiving backtest position failed")
				}
			}
		}

		if rt.spot {
			equity := realized
			if pos := strat.Position(); pos != nil && pos.IsOpen() {
				equity += pos.RealizedPnL + pos.UnrealizedPnL
			}
			if equity > peak {
				peak = equity
			}
			if dd := peak - equity; dd > result.MaxDrawdown {
				result.MaxDrawdown = dd
			}
			result.EquityCurve = append(result.EquityCurve, EquityPoint{Timestamp: now, Equity: equity})
		}
	}

	// A position still open at the end of data exits at the last marks.
	if pos := strat.Position(); pos != nil && pos.IsOpen() && lastSnap != nil {
		decision := risk.Decision{Action: risk.ActionForceExit, Reason: "EndOfData"}
		for _, intent := range strat.Evaluate(now, lastSnap, decision, false) {
			if order := executor.Submit(ctx, intent); order != nil && order.Status.IsTerminal() {
				strat.OnOrderUpdate(*order)
			}
		}
		drainFills(lastSnap, now)
		if pos.State == models.PositionClosed && !recorded[pos.ID] {
			recorded[pos.ID] = true
			realized += pos.RealizedPnL
			result.Trades = append(result.Trades, TradeSummary{
				PositionID: pos.ID,
				EntryTime:  pos.EntryTime,
				ExitTime:   pos.ExitTime,
				ExitReason: pos.ExitReason,
				PnL:        pos.RealizedPnL,
			})
			if err := e.store.SavePosition(ctx, pos); err != nil {
				e.logger.Warn().Err(err).Str("position_id", pos.ID).Msg("Archiving backtest position failed")
			}
		}
	}

	result.TotalPnL = realized
	result.TotalTrades = len(result.Trades)
	for _, trade := range result.Trades {
		if trade.PnL > 0 {
			result.WinningTrades++
		} else {
			result.LosingTrades++
		}
	}
	if result.TotalTrades > 0 {
		result.WinRate = float64(result.WinningTrades) / float64(result.TotalTrades) * 100
	}

	e.logger.Info().
		Int("trades", result.TotalTrades).
		Float64("pnl", result.TotalPnL).
		Float64("max_drawdown", result.MaxDrawdown).
		Msg("Backtest complete")

	return result, nil
}
