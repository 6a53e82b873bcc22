package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// The replay scenario: spot pinned at 22000, an offset-300 condor
// with 50-point wings entered after 09:30 and closed by the EOD exit.
// Strikes the strategy will pick: 22300/22500 calls, 21700/21500 puts.

const (
	btSpotToken = "99926000"
	btExpiryStr = "27NOV2025"
)

var btLegStrikes = []int{21500, 21700, 22300, 22500}

// writeScripMaster drops a scrip master cache the catalog will accept
// without hitting the network (the freshness check is mtime-based).
func writeScripMaster(t *testing.T) string {
	t.Helper()

	type row struct {
		Token          string `json:"token"`
		Symbol         string `json:"symbol"`
		Name           string `json:"name"`
		Expiry         string `json:"expiry"`
		Strike         string `json:"strike"`
		LotSize        string `json:"lotsize"`
		InstrumentType string `json:"instrumenttype"`
		ExchSeg        string `json:"exch_seg"`
	}

	var rows []row
	token := 50000
	for _, strike := range btLegStrikes {
		for _, typ := range []string{"CE", "PE"} {
			rows = append(rows, row{
				Token:          fmt.Sprintf("%d", token),
				Symbol:         fmt.Sprintf("NIFTY27NOV25%d%s", strike, typ),
				Name:           "NIFTY",
				Expiry:         btExpiryStr,
				Strike:         fmt.Sprintf("%d00.000000", strike),
				LotSize:        "75",
				InstrumentType: "OPTIDX",
				ExchSeg:        "NFO",
			})
			token++
		}
	}

	data, err := json.Marshal(rows)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "scrip_master.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func loadTestCatalog(t *testing.T) *broker.ContractCatalog {
	t.Helper()
	catalog := broker.NewContractCatalog(writeScripMaster(t), zerolog.Nop())
	require.NoError(t, catalog.Load(context.Background()))
	return catalog
}

func newTestDataStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "backtest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func backtestConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Mode:     "backtest",
			Index:    "NIFTY",
			Lots:     1,
			RiskFree: 0.065,
		},
		Risk: config.RiskLimits{
			MaxLossPerPosition: 1_000_000,
			MaxPositions:       1,
			StopLossPct:        1.0,
			HedgeTriggerDelta:  0.99,
			FeedStaleAfter:     5 * time.Minute,
		},
		Strategy: config.StrategyConfig{
			StrikeMode:      "offset",
			OffsetPoints:    300,
			WingWidthSteps:  4,
			EntryAfter:      "09:30",
			EntryBefore:     "14:00",
			EODExit:         "14:50",
			RollSteps:       2,
			RollRetryBudget: 2,
		},
		Execution: config.ExecutionConfig{
			MaxRetries:    2,
			AckTimeout:    5 * time.Second,
			RetryBaseWait: time.Second,
		},
	}
}

// legPrices is the quoted close per strike at one bar; shorts decay
// faster than the hedges so the condor finishes in profit.
type bar struct {
	clock  string
	prices map[int]float64
}

func seedSession(t *testing.T, s *store.SQLiteStore, catalog *broker.ContractCatalog, date time.Time, bars []bar) {
	t.Helper()
	ctx := context.Background()
	expiry, err := broker.ParseExpiry(btExpiryStr)
	require.NoError(t, err)

	var spotCandles []models.Candle
	legCandles := make(map[string][]models.Candle)

	for _, b := range bars {
		clock, err := config.ParseClock(b.clock)
		require.NoError(t, err)
		ts := utils.AtClock(date, clock.Hour, clock.Minute)

		spotCandles = append(spotCandles, models.Candle{
			Timestamp: ts, Open: 22000, High: 22000, Low: 22000, Close: 22000, Volume: 0,
		})

		for strike, price := range b.prices {
			typ := models.OptionCall
			if strike < 22000 {
				typ = models.OptionPut
			}
			contract, err := catalog.FindOption(models.IndexNifty, expiry, strike, typ)
			require.NoError(t, err)
			legCandles[contract.Token] = append(legCandles[contract.Token], models.Candle{
				Timestamp: ts, Open: price, High: price, Low: price, Close: price, Volume: 500,
			})
		}
	}

	require.NoError(t, s.SaveCandles(ctx, btSpotToken, "ONE_MINUTE", spotCandles))
	for token, candles := range legCandles {
		require.NoError(t, s.SaveCandles(ctx, token, "ONE_MINUTE", candles))
	}
}

func TestRun_CondorEntersAndTimeExits(t *testing.T) {
	catalog := loadTestCatalog(t)
	dataStore := newTestDataStore(t)
	cfg := backtestConfig()

	date := time.Date(2025, 11, 25, 0, 0, 0, 0, utils.IST)
	seedSession(t, dataStore, catalog, date, []bar{
		{clock: "09:15", prices: map[int]float64{22300: 90, 22500: 40, 21700: 85, 21500: 35}},
		{clock: "09:45", prices: map[int]float64{22300: 90, 22500: 40, 21700: 85, 21500: 35}},
		{clock: "11:00", prices: map[int]float64{22300: 70, 22500: 30, 21700: 65, 21500: 25}},
		{clock: "13:00", prices: map[int]float64{22300: 70, 22500: 30, 21700: 65, 21500: 25}},
		{clock: "14:55", prices: map[int]float64{22300: 50, 22500: 20, 21700: 45, 21500: 15}},
	})

	engine := New(cfg, dataStore, catalog, zerolog.Nop())
	result, err := engine.Run(context.Background(), date)
	require.NoError(t, err)

	require.Equal(t, 1, result.TotalTrades)
	trade := result.Trades[0]
	assert.Equal(t, "TimeExit", trade.ExitReason)
	assert.False(t, trade.EntryTime.IsZero())
	assert.True(t, trade.ExitTime.After(trade.EntryTime))

	// Entry fills at the 09:15 marks (no slippage); the EOD exit at
	// 14:55 fills at the last prices the sim saw, the 13:00 closes.
	// Shorts: (90-70)+(85-65), hedges: (30-40)+(25-35), 20 per unit
	// on one 75-lot.
	assert.InDelta(t, 20*75.0, trade.PnL, 1e-9)
	assert.InDelta(t, 20*75.0, result.TotalPnL, 1e-9)

	assert.Equal(t, 1, result.WinningTrades)
	assert.Zero(t, result.LosingTrades)
	assert.InDelta(t, 100.0, result.WinRate, 1e-9)

	// One equity sample per spot bar, ending at the realized P&L.
	require.Len(t, result.EquityCurve, 5)
	assert.Zero(t, result.EquityCurve[0].Equity)
	assert.InDelta(t, 20*75.0, result.EquityCurve[4].Equity, 1e-9)
	assert.Zero(t, result.MaxDrawdown)

	// Closed positions are archived for later reporting.
	positions, err := dataStore.GetPositions(context.Background(), store.PositionFilter{})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.PositionClosed, positions[0].State)
}

func TestRun_OpenPositionForceExitsAtEndOfData(t *testing.T) {
	catalog := loadTestCatalog(t)
	dataStore := newTestDataStore(t)
	cfg := backtestConfig()

	date := time.Date(2025, 11, 25, 0, 0, 0, 0, utils.IST)
	// Data stops at 13:00, before the EOD exit clock.
	seedSession(t, dataStore, catalog, date, []bar{
		{clock: "09:15", prices: map[int]float64{22300: 90, 22500: 40, 21700: 85, 21500: 35}},
		{clock: "09:45", prices: map[int]float64{22300: 90, 22500: 40, 21700: 85, 21500: 35}},
		{clock: "13:00", prices: map[int]float64{22300: 80, 22500: 35, 21700: 75, 21500: 30}},
	})

	engine := New(cfg, dataStore, catalog, zerolog.Nop())
	result, err := engine.Run(context.Background(), date)
	require.NoError(t, err)

	require.Equal(t, 1, result.TotalTrades)
	assert.Equal(t, "EndOfData", result.Trades[0].ExitReason)
	// Exit fills at the 13:00 marks: shorts (90-80)+(85-75), hedges
	// (35-40)+(30-35), 10 per unit.
	assert.InDelta(t, 10*75.0, result.TotalPnL, 1e-9)
}

func TestRun_RejectsNonTradingDay(t *testing.T) {
	engine := New(backtestConfig(), newTestDataStore(t), loadTestCatalog(t), zerolog.Nop())

	sunday := time.Date(2025, 11, 23, 0, 0, 0, 0, utils.IST)
	_, err := engine.Run(context.Background(), sunday)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a trading day")
}

func TestRun_RequiresRecordedCandles(t *testing.T) {
	engine := New(backtestConfig(), newTestDataStore(t), loadTestCatalog(t), zerolog.Nop())

	date := time.Date(2025, 11, 24, 0, 0, 0, 0, utils.IST)
	_, err := engine.Run(context.Background(), date)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no spot candles recorded")
}

// buildReplayTicks flattens bars into the same time-ordered stream the
// replay engine builds: spot first at each timestamp, option ticks with
// cumulative volume and Bid/Ask pinned to the close.
func buildReplayTicks(t *testing.T, catalog *broker.ContractCatalog, date time.Time, bars []bar) []models.Tick {
	t.Helper()

	expiry, err := broker.ParseExpiry(btExpiryStr)
	require.NoError(t, err)

	cumVolume := make(map[string]int64)
	var ticks []models.Tick
	for _, b := range bars {
		clock, err := config.ParseClock(b.clock)
		require.NoError(t, err)
		ts := utils.AtClock(date, clock.Hour, clock.Minute)

		ticks = append(ticks, models.Tick{Token: btSpotToken, Symbol: "NIFTY", LTP: 22000, Timestamp: ts})
		for strike, price := range b.prices {
			typ := models.OptionCall
			if strike < 22000 {
				typ = models.OptionPut
			}
			contract, err := catalog.FindOption(models.IndexNifty, expiry, strike, typ)
			require.NoError(t, err)
			cumVolume[contract.Token] += 500
			ticks = append(ticks, models.Tick{
				Token:     contract.Token,
				Symbol:    contract.Symbol,
				LTP:       price,
				BidPrice:  price,
				AskPrice:  price,
				Volume:    cumVolume[contract.Token],
				Timestamp: ts,
			})
		}
	}
	return ticks
}

// runLaggedLive drives the live decision stack over a tick stream with
// fill events delivered one tick after the order that caused them, the
// way a real feed surfaces them. Returns the final position and the
// deduplicated sequence of states it moved through.
func runLaggedLive(t *testing.T, cfg *config.Config, catalog *broker.ContractCatalog, date time.Time, bars []bar) (*models.Position, []models.PositionState) {
	t.Helper()
	ctx := context.Background()

	expiry, err := catalog.NextExpiry(models.IndexNifty, date, int(cfg.Strategy.MinDaysToExpiry))
	require.NoError(t, err)

	ticks := buildReplayTicks(t, catalog, date, bars)
	now := ticks[0].Timestamp
	clock := func() time.Time { return now }

	sim := broker.NewSimBroker(broker.SimBrokerConfig{Slippage: cfg.Execution.Slippage})
	sim.SetClock(clock)
	var arrivals []models.FillEvent
	sim.OnFill(func(event models.FillEvent) { arrivals = append(arrivals, event) })

	executor := execution.New(sim, newTestDataStore(t), cfg.Execution, zerolog.Nop())
	executor.SetClock(clock)

	health := resilience.NewFeedHealth(cfg.Risk.FeedStaleAfter)
	health.SetClock(clock)
	health.MarkConnected()

	book := chain.NewBook(models.IndexNifty, utils.MarketClose(expiry), btSpotToken, cfg.Trading.RiskFree)
	for _, strike := range catalog.Strikes(models.IndexNifty, expiry) {
		for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
			contract, err := catalog.FindOption(models.IndexNifty, expiry, strike, typ)
			require.NoError(t, err)
			book.Register(contract)
		}
	}

	strat := strategy.NewIronCondor(cfg.Strategy, models.IndexNifty, cfg.Trading.Lots, catalog, zerolog.Nop())
	cancelled := make(map[string]bool)

	var states []models.PositionState
	record := func() {
		pos := strat.Position()
		if pos == nil {
			return
		}
		if len(states) == 0 || states[len(states)-1] != pos.State {
			states = append(states, pos.State)
		}
	}

	evaluate := func() {
		snap := book.Snapshot(now)
		pos := strat.Position()
		open := 0
		if pos != nil && pos.IsOpen() {
			open = 1
		}
		feedState := health.State()
		entryAllowed, _ := risk.AllowEntry(open, cfg.Risk, feedState)
		decision := risk.Evaluate(pos, snap, cfg.Risk, feedState)

		for _, intent := range strat.Evaluate(now, snap, decision, entryAllowed) {
			if intent.Kind == models.IntentExit && !cancelled[intent.PositionID] {
				cancelled[intent.PositionID] = true
				executor.CancelPosition(ctx, intent.PositionID)
			}
			if order := executor.Submit(ctx, intent); order != nil && order.Status.IsTerminal() {
				strat.OnOrderUpdate(*order)
			}
		}
		record()
	}

	deliver := func(mail []models.FillEvent) {
		for _, event := range mail {
			if order, ok := executor.ApplyFill(event); ok {
				strat.OnOrderUpdate(order)
			}
			record()
		}
		if len(mail) > 0 {
			evaluate()
		}
	}

	var mailbox []models.FillEvent
	for _, tk := range ticks {
		now = tk.Timestamp
		health.MarkTick(now)
		sim.ProcessTick(tk)
		book.ApplyTick(tk)

		// Decide first: fills from the previous tick have not landed
		// yet, so orders in flight must still hold the slot.
		evaluate()

		mail := mailbox
		mailbox = nil
		deliver(mail)

		mailbox = append(mailbox, arrivals...)
		arrivals = nil
	}
	for len(mailbox) > 0 {
		mail := mailbox
		mailbox = nil
		deliver(mail)
		mailbox = append(mailbox, arrivals...)
		arrivals = nil
	}

	return strat.Position(), states
}

func TestRun_MatchesLiveTrajectoryWithLaggedFills(t *testing.T) {
	catalog := loadTestCatalog(t)
	cfg := backtestConfig()

	date := time.Date(2025, 11, 25, 0, 0, 0, 0, utils.IST)
	bars := []bar{
		{clock: "09:15", prices: map[int]float64{22300: 90, 22500: 40, 21700: 85, 21500: 35}},
		{clock: "09:45", prices: map[int]float64{22300: 90, 22500: 40, 21700: 85, 21500: 35}},
		{clock: "11:00", prices: map[int]float64{22300: 70, 22500: 30, 21700: 65, 21500: 25}},
		{clock: "13:00", prices: map[int]float64{22300: 70, 22500: 30, 21700: 65, 21500: 25}},
		{clock: "14:55", prices: map[int]float64{22300: 50, 22500: 20, 21700: 45, 21500: 15}},
	}

	btStore := newTestDataStore(t)
	seedSession(t, btStore, catalog, date, bars)
	result, err := New(cfg, btStore, catalog, zerolog.Nop()).Run(context.Background(), date)
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalTrades)

	archived, err := btStore.GetPositions(context.Background(), store.PositionFilter{})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	btPos := archived[0]

	livePos, states := runLaggedLive(t, cfg, catalog, date, bars)
	require.NotNil(t, livePos)

	// Delayed fills must not change what gets traded or earned. The
	// same trade comes out of both runs.
	assert.Equal(t, btPos.ID, livePos.ID)
	assert.Equal(t, models.PositionClosed, livePos.State)
	assert.Equal(t, btPos.ExitReason, livePos.ExitReason)
	assert.InDelta(t, btPos.RealizedPnL, livePos.RealizedPnL, 1e-9)
	assert.InDelta(t, result.TotalPnL, livePos.RealizedPnL, 1e-9)

	require.Len(t, livePos.Legs, len(btPos.Legs))
	for i := range btPos.Legs {
		assert.Equal(t, btPos.Legs[i].Role, livePos.Legs[i].Role)
		assert.Equal(t, btPos.Legs[i].Contract.Strike, livePos.Legs[i].Contract.Strike)
		assert.InDelta(t, btPos.Legs[i].EntryPrice, livePos.Legs[i].EntryPrice, 1e-9)
		assert.InDelta(t, btPos.Legs[i].ExitPrice, livePos.Legs[i].ExitPrice, 1e-9)
		assert.True(t, livePos.Legs[i].Closed)
	}

	// Entry orders stay in flight across the ticks between decision
	// and fill, so the trajectory passes through every state once.
	assert.Equal(t, []models.PositionState{
		models.PositionEvaluating,
		models.PositionAdjusting,
		models.PositionEntered,
		models.PositionExiting,
		models.PositionClosed,
	}, states)
}
