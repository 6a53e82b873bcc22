// Package engine wires the feed, chain, strategy, risk and execution
// layers into the live trading loop. One goroutine consumes ticks and
// serializes every chain update and position decision; fill events
// funnel back into the same loop so positions are mutated by exactly
// one goroutine.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/broker"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/chain"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/execution"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/resilience"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/risk"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/store"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/strategy"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

// tickProcessor is implemented by brokers that synthesize fills from
// the tick stream (the simulated broker).
type tickProcessor interface {
	ProcessTick(models.Tick)
}

// fillEmitter is implemented by brokers that push fill events.
type fillEmitter interface {
	OnFill(func(models.FillEvent))
}

// symbolRegistrar is implemented by tickers that map feed tokens to
// trading symbols.
type symbolRegistrar interface {
	RegisterSymbol(token, symbol string)
}

// resumer is implemented by strategies that can adopt a position
// rebuilt from the archive after a restart.
type resumer interface {
	Resume(*models.Position)
}

// Options holds the engine's collaborators.
type Options struct {
	Config  *config.Config
	Broker  broker.Broker
	Ticker  broker.Ticker
	Catalog *broker.ContractCatalog
	Store   store.DataStore
	Logger  zerolog.Logger
}

// Engine runs the live trading loop.
type Engine struct {
	cfg     *config.Config
	broker  broker.Broker
	ticker  broker.Ticker
	catalog *broker.ContractCatalog
	store   store.DataStore
	logger  zerolog.Logger

	index    models.Index
	book     *chain.Book
	strat    strategy.Strategy
	executor *execution.Executor
	health   *resilience.FeedHealth

	ticks  chan models.Tick
	fills  chan models.FillEvent
	resync chan struct{}
	fatal  chan error

	lastSnap     *models.OptionChainSnapshot
	registered   bool
	cancelled    map[string]bool // positions whose open orders were cancelled
	persistState models.PositionState
	dropped      int
}

// New builds an engine for the configured index and expiry. The scrip
// master must already be loaded into the catalog.
func New(opts Options) (*Engine, error) {
	index := models.Index(opts.Config.Trading.Index)

	expiry, err := resolveExpiry(opts.Config, opts.Catalog, index)
	if err != nil {
		return nil, err
	}

	spotToken, _, err := broker.SpotInstrument(index)
	if err != nil {
		return nil, err
	}

	// Options settle at the close of the expiry session.
	expiryAt := utils.MarketClose(expiry)

	e := &Engine{
		cfg:       opts.Config,
		broker:    opts.Broker,
		ticker:    opts.Ticker,
		catalog:   opts.Catalog,
		store:     opts.Store,
		logger:    opts.Logger,
		index:     index,
		book:      chain.NewBook(index, expiryAt, spotToken, opts.Config.Trading.RiskFree),
		executor:  execution.New(opts.Broker, opts.Store, opts.Config.Execution, opts.Logger),
		health:    resilience.NewFeedHealth(opts.Config.Risk.FeedStaleAfter),
		ticks:     make(chan models.Tick, 4096),
		fills:     make(chan models.FillEvent, 256),
		resync:    make(chan struct{}, 1),
		fatal:     make(chan error, 1),
		cancelled: make(map[string]bool),
	}

	e.strat = strategy.NewIronCondor(
		opts.Config.Strategy,
		index,
		opts.Config.Trading.Lots,
		opts.Catalog,
		opts.Logger,
	)

	if emitter, ok := opts.Broker.(fillEmitter); ok {
		emitter.OnFill(func(event models.FillEvent) {
			select {
			case e.fills <- event:
			default:
				e.logger.Error().Str("broker_order_id", event.BrokerOrderID).Msg("Fill channel full, event dropped")
			}
		})
	}

	return e, nil
}

func resolveExpiry(cfg *config.Config, catalog *broker.ContractCatalog, index models.Index) (time.Time, error) {
	if cfg.Trading.Expiry != "" {
		return broker.ParseExpiry(cfg.Trading.Expiry)
	}
	return catalog.NextExpiry(index, time.Now(), int(cfg.Strategy.MinDaysToExpiry))
}

// Run starts the engine and blocks until the context is cancelled or a
// fatal feed/auth error occurs. A nil return is a normal shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recoverPosition(ctx); err != nil {
		return err
	}

	e.wireTicker()

	if err := e.ticker.Connect(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrFeedUnavailable, err.Error())
	}
	defer e.ticker.Disconnect()

	spotToken, spotExchange, _ := broker.SpotInstrument(e.index)
	if err := e.ticker.Subscribe([]broker.TokenSub{{
		Exchange: spotExchange,
		Token:    spotToken,
		Mode:     broker.TickModeLTP,
	}}); err != nil {
		return apperrors.Wrap(apperrors.ErrFeedUnavailable, err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(gctx)
	})

	err := g.Wait()
	e.shutdown(context.Background())
	return err
}

func (e *Engine) wireTicker() {
	e.ticker.OnTick(func(tick models.Tick) {
		select {
		case e.ticks <- tick:
		default:
			e.dropped++
		}
	})
	e.ticker.OnConnect(func() {
		e.health.MarkConnected()
		e.logger.Info().Msg("Feed connected")
	})
	e.ticker.OnDisconnect(func() {
		e.health.MarkDisconnected()
	})
	e.ticker.OnReconnect(func() {
		e.health.MarkConnected()
		select {
		case e.resync <- struct{}{}:
		default:
		}
	})
	e.ticker.OnError(func(err error) {
		var feedErr *apperrors.FeedError
		if apperrors.As(err, &feedErr) && feedErr.Fatal {
			select {
			case e.fatal <- err:
			default:
			}
			return
		}
		e.logger.Warn().Err(err).Msg("Feed error")
	})
}

// loop is the single writer: every chain mutation and every position
// decision happens here.
func (e *Engine) loop(ctx context.Context) error {
	execTicker := time.NewTicker(time.Second)
	defer execTicker.Stop()

	pollInterval := e.cfg.Execution.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-e.fatal:
			e.logger.Error().Err(err).Msg("Fatal feed failure")
			return err

		case tick := <-e.ticks:
			e.handleTick(ctx, tick)

		case event := <-e.fills:
			e.handleOrderUpdates(ctx, e.applyFill(event))

		case <-e.resync:
			// Prices may have gapped while disconnected; reconcile
			// orders before the next decision.
			e.handleOrderUpdates(ctx, e.executor.Reconcile(ctx))

		case now := <-execTicker.C:
			e.handleOrderUpdates(ctx, e.executor.Tick(ctx, now))

		case <-pollTicker.C:
			if len(e.executor.Open()) > 0 {
				e.handleOrderUpdates(ctx, e.executor.Reconcile(ctx))
			}
		}
	}
}

func (e *Engine) handleTick(ctx context.Context, tick models.Tick) {
	e.health.MarkTick(tick.Timestamp)

	if proc, ok := e.broker.(tickProcessor); ok {
		proc.ProcessTick(tick)
	}

	e.book.ApplyTick(tick)

	if !e.registered {
		if spot, ok := e.book.Spot(); ok {
			e.registerStrikeWindow(spot)
		}
		return
	}

	if !e.book.Registered(tick.Token) {
		return
	}

	snap := e.book.Snapshot(tick.Timestamp)
	e.lastSnap = snap
	e.evaluate(ctx, snap, tick.Timestamp)
}

// registerStrikeWindow registers and subscribes every listed strike a
// condor could plausibly use this session: selection distance plus
// wings plus the full roll budget, with margin for spot drift.
func (e *Engine) registerStrikeWindow(spot float64) {
	step := e.index.StrikeStep()
	steps := e.cfg.Strategy.OffsetPoints/step +
		e.cfg.Strategy.WingWidthSteps +
		e.cfg.Strategy.RollSteps*e.cfg.Strategy.RollRetryBudget + 10
	low := int(spot) - steps*step
	high := int(spot) + steps*step

	snap := e.book.Snapshot(time.Now())
	var subs []broker.TokenSub
	for _, strike := range e.catalog.Strikes(e.index, snap.Expiry) {
		if strike < low || strike > high {
			continue
		}
		for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
			contract, err := e.catalog.FindOption(e.index, snap.Expiry, strike, typ)
			if err != nil {
				continue
			}
			e.book.Register(contract)
			if reg, ok := e.ticker.(symbolRegistrar); ok {
				reg.RegisterSymbol(contract.Token, contract.Symbol)
			}
			subs = append(subs, broker.TokenSub{
				Exchange: contract.Exchange,
				Token:    contract.Token,
				Mode:     broker.TickModeQuote,
			})
		}
	}

	if len(subs) == 0 {
		e.logger.Error().Float64("spot", spot).Msg("No strikes to register around spot")
		return
	}

	if err := e.ticker.Subscribe(subs); err != nil {
		e.logger.Error().Err(err).Msg("Chain subscription failed")
		return
	}

	e.registered = true
	e.logger.Info().
		Int("contracts", len(subs)).
		Int("low", low).
		Int("high", high).
		Msg("Option chain subscribed")
}

func (e *Engine) evaluate(ctx context.Context, snap *models.OptionChainSnapshot, now time.Time) {
	pos := e.strat.Position()
	open := 0
	if pos != nil && pos.IsOpen() {
		open = 1
	}

	feedState := e.health.State()
	entryAllowed, _ := risk.AllowEntry(open, e.cfg.Risk, feedState)
	decision := risk.Evaluate(pos, snap, e.cfg.Risk, feedState)

	intents := e.strat.Evaluate(now, snap, decision, entryAllowed)
	e.dispatch(ctx, intents)
	e.persistPosition(ctx)
}

// dispatch submits intents to the execution manager. The first exit
// intent for a position cancels its outstanding open orders first.
func (e *Engine) dispatch(ctx context.Context, intents []models.LegIntent) {
	for _, intent := range intents {
		if intent.Kind == models.IntentExit && !e.cancelled[intent.PositionID] {
			e.cancelled[intent.PositionID] = true
			e.executor.CancelPosition(ctx, intent.PositionID)
		}

		e.subscribeContract(intent.Contract)

		order := e.executor.Submit(ctx, intent)
		if order != nil && order.Status.IsTerminal() {
			e.strat.OnOrderUpdate(*order)
		}
	}
}

// subscribeContract makes sure a roll target outside the initial window
// still gets quotes.
func (e *Engine) subscribeContract(contract models.OptionContract) {
	if e.book.Registered(contract.Token) {
		return
	}
	e.book.Register(contract)
	if reg, ok := e.ticker.(symbolRegistrar); ok {
		reg.RegisterSymbol(contract.Token, contract.Symbol)
	}
	if err := e.ticker.Subscribe([]broker.TokenSub{{
		Exchange: contract.Exchange,
		Token:    contract.Token,
		Mode:     broker.TickModeQuote,
	}}); err != nil {
		e.logger.Warn().Err(err).Str("symbol", contract.Symbol).Msg("Subscription failed")
	}
}

func (e *Engine) applyFill(event models.FillEvent) []models.Order {
	if order, ok := e.executor.ApplyFill(event); ok {
		return []models.Order{order}
	}
	return nil
}

// handleOrderUpdates feeds terminal orders back to the strategy and
// re-evaluates so queued unwind intents go out immediately.
func (e *Engine) handleOrderUpdates(ctx context.Context, orders []models.Order) {
	if len(orders) == 0 {
		return
	}
	for _, order := range orders {
		e.strat.OnOrderUpdate(order)
	}
	if e.lastSnap != nil {
		e.evaluate(ctx, e.lastSnap, time.Now())
	} else {
		e.persistPosition(ctx)
	}
}

// persistPosition archives the position whenever its state changed.
func (e *Engine) persistPosition(ctx context.Context) {
	pos := e.strat.Position()
	if pos == nil || pos.State == e.persistState {
		return
	}
	if err := e.store.SavePosition(ctx, pos); err != nil {
		e.logger.Error().Err(err).Str("position_id", pos.ID).Msg("Position archive failed")
		return
	}
	e.persistState = pos.State
}

// recoverPosition rebuilds an in-flight position from the archive and
// verifies it against the broker's open positions before resuming.
func (e *Engine) recoverPosition(ctx context.Context) error {
	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reading position archive: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	pos := positions[0]

	netPositions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions for recovery: %w", err)
	}

	live := make(map[string]int, len(netPositions))
	for _, np := range netPositions {
		live[np.Token] = np.NetQty
	}

	anyLive := false
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		if qty := live[leg.Contract.Token]; qty != 0 {
			anyLive = true
		} else if leg.Filled && !leg.Closed {
			// Closed outside this process; trust the broker.
			leg.Closed = true
		}
	}

	if !anyLive {
		pos.State = models.PositionClosed
		pos.ExitReason = "ClosedExternally"
		if err := e.store.SavePosition(ctx, &pos); err != nil {
			e.logger.Warn().Err(err).Msg("Archiving externally closed position failed")
		}
		e.logger.Info().Str("position_id", pos.ID).Msg("Archived position was closed at the broker; starting flat")
		return nil
	}

	if r, ok := e.strat.(resumer); ok {
		r.Resume(&pos)
		e.persistState = pos.State
	}
	return nil
}

// shutdown flushes state on the way out: archives the position
// best-effort and leaves open orders to the broker's day validity.
func (e *Engine) shutdown(ctx context.Context) {
	if pos := e.strat.Position(); pos != nil {
		if err := e.store.SavePosition(ctx, pos); err != nil {
			e.logger.Error().Err(err).Msg("Final position snapshot failed")
		}
	}
	if e.dropped > 0 {
		e.logger.Warn().Int("dropped", e.dropped).Msg("Ticks dropped under backpressure")
	}
	e.logger.Info().Msg("Engine stopped")
}
