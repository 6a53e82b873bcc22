package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

// SimBroker implements the Broker interface with synthesized fills.
// It backs both paper trading against the live feed and the backtest
// engine, which drives it with replayed ticks.
type SimBroker struct {
	slippage float64       // applied against the taker, in price units
	latency  time.Duration // optional artificial fill delay

	orders  map[string]*simOrder
	prices  map[string]float64 // by token
	counter int
	seq     int

	onFill func(models.FillEvent)

	clock func() time.Time

	mu sync.Mutex
}

type simOrder struct {
	req      OrderRequest
	id       string
	status   string
	filled   int
	avgPrice float64
	reason   string
	placedAt time.Time
	updated  time.Time
}

// SimBrokerConfig holds configuration for the simulated broker.
type SimBrokerConfig struct {
	Slippage float64
	Latency  time.Duration
}

// NewSimBroker creates a simulated broker.
func NewSimBroker(cfg SimBrokerConfig) *SimBroker {
	return &SimBroker{
		slippage: cfg.Slippage,
		latency:  cfg.Latency,
		orders:   make(map[string]*simOrder),
		prices:   make(map[string]float64),
		clock:    time.Now,
	}
}

// SetClock overrides the time source, used by the backtest engine to
// stamp fills with simulated time.
func (s *SimBroker) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// OnFill sets the fill event handler. Events carry monotonically
// increasing sequence numbers per broker order.
func (s *SimBroker) OnFill(handler func(models.FillEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFill = handler
}

// Login is a no-op for simulation.
func (s *SimBroker) Login(ctx context.Context) error { return nil }

// Logout is a no-op for simulation.
func (s *SimBroker) Logout(ctx context.Context) error { return nil }

// IsAuthenticated always returns true for simulation.
func (s *SimBroker) IsAuthenticated() bool { return true }

// ProcessTick updates the price cache and fills any resting limit
// orders that have become marketable.
func (s *SimBroker) ProcessTick(tick models.Tick) {
	s.mu.Lock()
	s.prices[tick.Token] = tick.LTP

	var fills []models.FillEvent
	for _, order := range s.orders {
		if order.status != "open" || order.req.Token != tick.Token {
			continue
		}
		if !limitMarketable(order.req, tick.LTP) {
			continue
		}
		fills = append(fills, s.fillLocked(order, order.req.Price))
	}
	s.mu.Unlock()

	s.emit(fills)
}

// PlaceOrder simulates order placement. Market orders fill at the last
// price adjusted for slippage; limit orders fill when marketable.
func (s *SimBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.latency):
		}
	}

	s.mu.Lock()
	s.counter++
	now := s.clock()
	order := &simOrder{
		req:      req,
		id:       fmt.Sprintf("SIM%d%06d", now.Unix(), s.counter),
		status:   "open",
		placedAt: now,
		updated:  now,
	}
	s.orders[order.id] = order

	price, known := s.prices[req.Token]
	var fills []models.FillEvent
	switch {
	case !known:
		order.status = "rejected"
		order.reason = "no market price"
	case req.Type == models.OrderTypeMarket:
		fills = append(fills, s.fillLocked(order, s.slip(price, req.Side)))
	case limitMarketable(req, price):
		fills = append(fills, s.fillLocked(order, req.Price))
	}
	id := order.id
	rejected := order.status == "rejected"
	reason := order.reason
	s.mu.Unlock()

	if rejected {
		return "", apperrors.NewOrderError(id, req.Symbol, "place", apperrors.RejectInvalidOrder, fmt.Errorf("%s", reason))
	}

	s.emit(fills)
	return id, nil
}

func (s *SimBroker) slip(price float64, side models.OrderSide) float64 {
	if side == models.OrderSideBuy {
		return price + s.slippage
	}
	slipped := price - s.slippage
	if slipped < 0.05 {
		slipped = 0.05
	}
	return slipped
}

func limitMarketable(req OrderRequest, market float64) bool {
	if req.Type != models.OrderTypeLimit {
		return false
	}
	if req.Side == models.OrderSideBuy {
		return market <= req.Price
	}
	return market >= req.Price
}

// fillLocked completes an order; callers hold the mutex.
func (s *SimBroker) fillLocked(order *simOrder, price float64) models.FillEvent {
	s.seq++
	order.status = "complete"
	order.filled = order.req.Quantity
	order.avgPrice = price
	order.updated = s.clock()

	return models.FillEvent{
		BrokerOrderID: order.id,
		Sequence:      s.seq,
		Status:        models.OrderFilled,
		FilledQty:     order.filled,
		AveragePrice:  price,
		Timestamp:     order.updated,
	}
}

func (s *SimBroker) emit(fills []models.FillEvent) {
	s.mu.Lock()
	handler := s.onFill
	s.mu.Unlock()
	if handler == nil {
		return
	}
	for _, fill := range fills {
		handler(fill)
	}
}

// ModifyOrder adjusts price and quantity of a resting order.
func (s *SimBroker) ModifyOrder(ctx context.Context, brokerOrderID string, req OrderRequest) error {
	s.mu.Lock()
	order, ok := s.orders[brokerOrderID]
	if !ok {
		s.mu.Unlock()
		return apperrors.ErrOrderNotFound
	}
	if order.status != "open" {
		s.mu.Unlock()
		return apperrors.NewOrderError(brokerOrderID, order.req.Symbol, "modify", apperrors.RejectInvalidOrder,
			fmt.Errorf("order is %s", order.status))
	}
	order.req.Price = req.Price
	order.req.Quantity = req.Quantity
	order.updated = s.clock()

	var fills []models.FillEvent
	if price, known := s.prices[order.req.Token]; known && limitMarketable(order.req, price) {
		fills = append(fills, s.fillLocked(order, order.req.Price))
	}
	s.mu.Unlock()

	s.emit(fills)
	return nil
}

// CancelOrder cancels a resting order.
func (s *SimBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[brokerOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if order.status != "open" {
		return apperrors.NewOrderError(brokerOrderID, order.req.Symbol, "cancel", apperrors.RejectInvalidOrder,
			fmt.Errorf("order is %s", order.status))
	}
	order.status = "cancelled"
	order.updated = s.clock()
	return nil
}

func (o *simOrder) toRecord() OrderStatusRecord {
	return OrderStatusRecord{
		BrokerOrderID: o.id,
		Symbol:        o.req.Symbol,
		Status:        o.status,
		FilledQty:     o.filled,
		Quantity:      o.req.Quantity,
		AveragePrice:  o.avgPrice,
		RejectReason:  o.reason,
		UpdatedAt:     o.updated,
	}
}

// OrderStatus returns the status of one simulated order.
func (s *SimBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[brokerOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	record := order.toRecord()
	return &record, nil
}

// OrderBook returns all simulated orders.
func (s *SimBroker) OrderBook(ctx context.Context) ([]OrderStatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]OrderStatusRecord, 0, len(s.orders))
	for _, order := range s.orders {
		records = append(records, order.toRecord())
	}
	return records, nil
}

// GetLTP returns the last cached price for a token.
func (s *SimBroker) GetLTP(ctx context.Context, exchange models.Exchange, symbol, token string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[token]
	if !ok {
		return 0, apperrors.Wrapf(apperrors.ErrContractNotFound, "no price for %s", symbol)
	}
	return price, nil
}

// GetCandles is unsupported in simulation; historical data comes from
// the store or the live broker.
func (s *SimBroker) GetCandles(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	return nil, apperrors.Wrap(apperrors.ErrFeedUnavailable, "simulated broker has no historical data")
}

// GetPositions derives net positions from completed orders.
func (s *SimBroker) GetPositions(ctx context.Context) ([]NetPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type acc struct {
		pos       NetPosition
		buyQty    int
		sellQty   int
		buyValue  float64
		sellValue float64
	}
	byToken := make(map[string]*acc)

	for _, order := range s.orders {
		if order.status != "complete" {
			continue
		}
		a, ok := byToken[order.req.Token]
		if !ok {
			a = &acc{pos: NetPosition{
				Symbol:   order.req.Symbol,
				Token:    order.req.Token,
				Exchange: order.req.Exchange,
			}}
			byToken[order.req.Token] = a
		}
		if order.req.Side == models.OrderSideBuy {
			a.buyQty += order.filled
			a.buyValue += order.avgPrice * float64(order.filled)
		} else {
			a.sellQty += order.filled
			a.sellValue += order.avgPrice * float64(order.filled)
		}
	}

	positions := make([]NetPosition, 0, len(byToken))
	for _, a := range byToken {
		net := a.buyQty - a.sellQty
		if net == 0 {
			continue
		}
		a.pos.NetQty = net
		if a.buyQty > 0 {
			a.pos.BuyAvgPrice = a.buyValue / float64(a.buyQty)
		}
		if a.sellQty > 0 {
			a.pos.SellAvgPrice = a.sellValue / float64(a.sellQty)
		}
		positions = append(positions, a.pos)
	}
	return positions, nil
}

// Reset clears all simulated state.
func (s *SimBroker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders = make(map[string]*simOrder)
	s.prices = make(map[string]float64)
	s.counter = 0
	s.seq = 0
}

// Ensure SimBroker implements Broker interface
var _ Broker = (*SimBroker)(nil)
