// Package execution turns leg intents into broker orders and owns the
// order lifecycle: placement, retries, reconciliation and the audit
// log. Retry state lives on the order record and is advanced by a
// scheduler tick, never by blocking loops.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/broker"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/logging"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/resilience"
	"github.com/vishalchandrola20/angel-quant-trading-bot/pkg/utils"
)

// EventSink receives append-only order audit records.
type EventSink interface {
	AppendOrderEvent(event models.OrderEvent) error
}

// Executor implements the order execution manager.
type Executor struct {
	broker  broker.Broker
	breaker *resilience.CircuitBreaker
	sink    EventSink
	logger  zerolog.Logger
	cfg     config.ExecutionConfig
	clock   func() time.Time

	orders   map[string]*models.Order // by internal id
	byBroker map[string]*models.Order
	seen     map[string]map[int]bool // fill dedupe: broker id -> sequence
	counter  int

	mu sync.Mutex
}

// New creates an executor. The sink may be nil in tests.
func New(b broker.Broker, sink EventSink, cfg config.ExecutionConfig, logger zerolog.Logger) *Executor {
	return &Executor{
		broker: b,
		breaker: resilience.NewCircuitBreaker("broker-orders", resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}),
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		clock:    time.Now,
		orders:   make(map[string]*models.Order),
		byBroker: make(map[string]*models.Order),
		seen:     make(map[string]map[int]bool),
	}
}

// SetClock overrides the time source for deterministic tests and
// backtests.
func (e *Executor) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// Submit creates an order for the intent and attempts immediate
// placement. A transient placement failure leaves the order pending
// with retry state set; the next Tick picks it up.
func (e *Executor) Submit(ctx context.Context, intent models.LegIntent) *models.Order {
	e.mu.Lock()
	e.counter++
	now := e.clock()
	order := &models.Order{
		ID:         fmt.Sprintf("ord-%d-%d", now.Unix(), e.counter),
		PositionID: intent.PositionID,
		Role:       intent.Role,
		Kind:       intent.Kind,
		Contract:   intent.Contract,
		Side:       intent.Side,
		Quantity:   intent.Quantity,
		Type:       intent.OrderType,
		LimitPrice: intent.LimitPrice,
		Status:     models.OrderPending,
		UpdatedAt:  now,
	}
	e.orders[order.ID] = order
	e.mu.Unlock()

	e.place(ctx, order)

	return e.snapshot(order.ID)
}

// place attempts one broker placement and updates the order's state
// under the lock. Callers must not hold the lock.
func (e *Executor) place(ctx context.Context, order *models.Order) {
	e.mu.Lock()
	req := broker.OrderRequest{
		Symbol:   order.Contract.Symbol,
		Token:    order.Contract.Token,
		Exchange: order.Contract.Exchange,
		Side:     order.Side,
		Type:     order.Type,
		Quantity: order.Quantity,
		Price:    order.LimitPrice,
		Tag:      order.ID,
	}
	e.mu.Unlock()

	var brokerID string
	err := e.breaker.Execute(func() error {
		var placeErr error
		brokerID, placeErr = e.broker.PlaceOrder(ctx, req)
		return placeErr
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	order.UpdatedAt = now

	if err == nil {
		order.Status = models.OrderPlaced
		order.BrokerOrderID = brokerID
		order.PlacedAt = now
		e.byBroker[brokerID] = order
		e.appendEvent(order, "placed")
		logging.LogOrder(e.logger, order.ID, order.Contract.Symbol, string(order.Side), string(order.Status))
		return
	}

	if retryable(err) && order.Retries < e.cfg.MaxRetries {
		order.Retries++
		order.NextRetryAt = now.Add(backoff(e.cfg.RetryBaseWait, order.Retries))
		e.appendEvent(order, fmt.Sprintf("retry %d scheduled: %v", order.Retries, err))
		e.logger.Warn().
			Str("order_id", order.ID).
			Int("retries", order.Retries).
			Err(err).
			Msg("Placement failed, retry scheduled")
		return
	}

	order.Status = models.OrderRejected
	order.RejectReason = err.Error()
	e.appendEvent(order, "rejected: "+err.Error())
	e.logger.Error().Str("order_id", order.ID).Err(err).Msg("Order rejected")
}

func retryable(err error) bool {
	var orderErr *apperrors.OrderError
	if apperrors.As(err, &orderErr) {
		return orderErr.Retryable()
	}
	return apperrors.Is(err, apperrors.ErrTimeout) ||
		apperrors.Is(err, apperrors.ErrRateLimited) ||
		apperrors.Is(err, apperrors.ErrConnectionFailed) ||
		apperrors.Is(err, resilience.ErrCircuitOpen) ||
		apperrors.Is(err, context.DeadlineExceeded)
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	return utils.CalculateBackoff(attempt-1, base, 30*time.Second, 2)
}

// Tick advances retry and ack-timeout state. It returns copies of
// orders that reached a terminal state on this tick so the caller can
// feed them back to the strategy.
func (e *Executor) Tick(ctx context.Context, now time.Time) []models.Order {
	e.mu.Lock()
	var due, acked []*models.Order
	for _, order := range e.orders {
		switch order.Status {
		case models.OrderPending:
			if !order.NextRetryAt.IsZero() && !now.Before(order.NextRetryAt) {
				due = append(due, order)
			}
		case models.OrderPlaced:
			if e.cfg.AckTimeout > 0 && now.Sub(order.PlacedAt) >= e.cfg.AckTimeout {
				acked = append(acked, order)
			}
		}
	}
	e.mu.Unlock()

	var terminal []models.Order

	for _, order := range due {
		e.place(ctx, order)
		if copy, ok := e.terminalSnapshot(order.ID); ok {
			terminal = append(terminal, copy)
		}
	}

	for _, order := range acked {
		if t, ok := e.resolveUnacked(ctx, order, now); ok {
			terminal = append(terminal, t)
		}
	}

	return terminal
}

// resolveUnacked handles an order with no fill inside the ack window:
// poll its status, apply a terminal result, otherwise cancel and
// reschedule within the retry budget.
func (e *Executor) resolveUnacked(ctx context.Context, order *models.Order, now time.Time) (models.Order, bool) {
	record, err := e.broker.OrderStatus(ctx, order.BrokerOrderID)
	if err == nil && record != nil {
		switch {
		case record.IsComplete():
			return e.applyStatus(order, models.OrderFilled, record.FilledQty, record.AveragePrice, "")
		case record.IsRejected():
			return e.applyStatus(order, models.OrderRejected, 0, 0, record.RejectReason)
		case record.IsCancelled():
			return e.applyStatus(order, models.OrderCancelled, 0, 0, record.RejectReason)
		}
	}

	// Still unacknowledged. Cancel best-effort and retry or give up.
	_ = e.broker.CancelOrder(ctx, order.BrokerOrderID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if order.Status != models.OrderPlaced {
		return models.Order{}, false
	}

	if order.Retries < e.cfg.MaxRetries {
		order.Retries++
		order.Status = models.OrderPending
		order.NextRetryAt = now.Add(backoff(e.cfg.RetryBaseWait, order.Retries))
		order.UpdatedAt = now
		e.appendEvent(order, fmt.Sprintf("ack timeout, retry %d scheduled", order.Retries))
		return models.Order{}, false
	}

	order.Status = models.OrderRejected
	order.RejectReason = string(apperrors.RejectTimeout)
	order.UpdatedAt = now
	e.appendEvent(order, "rejected: ack timeout, retry budget exhausted")
	return *order, true
}

// ApplyFill applies one broker fill event. Events are deduplicated by
// (broker order id, sequence); replaying an event is a no-op. A fill
// for an unknown order is a reconciliation conflict: logged, dropped,
// never applied.
func (e *Executor) ApplyFill(event models.FillEvent) (models.Order, bool) {
	e.mu.Lock()

	order, ok := e.byBroker[event.BrokerOrderID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn().
			Str("broker_order_id", event.BrokerOrderID).
			Int("sequence", event.Sequence).
			Err(apperrors.ErrReconciliationConflict).
			Msg("Fill for unknown order dropped")
		return models.Order{}, false
	}

	seqs := e.seen[event.BrokerOrderID]
	if seqs == nil {
		seqs = make(map[int]bool)
		e.seen[event.BrokerOrderID] = seqs
	}
	if seqs[event.Sequence] {
		e.mu.Unlock()
		return models.Order{}, false
	}
	seqs[event.Sequence] = true

	if order.Status.IsTerminal() {
		e.mu.Unlock()
		return models.Order{}, false
	}

	order.Status = event.Status
	order.FilledQty = event.FilledQty
	order.AveragePrice = event.AveragePrice
	order.RejectReason = event.Reason
	order.UpdatedAt = event.Timestamp
	e.appendEvent(order, fmt.Sprintf("fill seq %d", event.Sequence))
	copy := *order
	e.mu.Unlock()

	logging.LogFill(e.logger, event.BrokerOrderID, event.Sequence, event.FilledQty, event.AveragePrice)
	return copy, true
}

// Reconcile polls the broker order book and applies any terminal state
// the push channel missed. Used as a fallback when the feed is degraded
// and at startup.
func (e *Executor) Reconcile(ctx context.Context) []models.Order {
	records, err := e.broker.OrderBook(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Order book poll failed")
		return nil
	}

	var changed []models.Order
	for i := range records {
		record := &records[i]

		e.mu.Lock()
		order, ok := e.byBroker[record.BrokerOrderID]
		known := ok && !order.Status.IsTerminal()
		e.mu.Unlock()
		if !known {
			continue
		}

		var (
			copy models.Order
			done bool
		)
		switch {
		case record.IsComplete():
			copy, done = e.applyStatus(order, models.OrderFilled, record.FilledQty, record.AveragePrice, "")
		case record.IsRejected():
			copy, done = e.applyStatus(order, models.OrderRejected, 0, 0, record.RejectReason)
		case record.IsCancelled():
			copy, done = e.applyStatus(order, models.OrderCancelled, 0, 0, record.RejectReason)
		}
		if done {
			changed = append(changed, copy)
		}
	}
	return changed
}

func (e *Executor) applyStatus(order *models.Order, status models.OrderStatus, filled int, avg float64, reason string) (models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if order.Status.IsTerminal() {
		return models.Order{}, false
	}
	order.Status = status
	order.FilledQty = filled
	order.AveragePrice = avg
	order.RejectReason = reason
	order.UpdatedAt = e.clock()
	e.appendEvent(order, "reconciled to "+string(status))
	return *order, true
}

// Cancel cancels one order at the broker and marks it cancelled.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return apperrors.ErrOrderNotFound
	}
	if order.Status.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	brokerID := order.BrokerOrderID
	e.mu.Unlock()

	if brokerID != "" {
		if err := e.broker.CancelOrder(ctx, brokerID); err != nil && !apperrors.Is(err, apperrors.ErrOrderNotFound) {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !order.Status.IsTerminal() {
		order.Status = models.OrderCancelled
		order.UpdatedAt = e.clock()
		e.appendEvent(order, "cancelled")
	}
	return nil
}

// CancelPosition cancels every live order belonging to a position,
// invoked when the position moves to EXITING.
func (e *Executor) CancelPosition(ctx context.Context, positionID string) {
	e.mu.Lock()
	var ids []string
	for id, order := range e.orders {
		if order.PositionID == positionID && !order.Status.IsTerminal() && order.Kind != models.IntentExit {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.Cancel(ctx, id); err != nil {
			e.logger.Warn().Str("order_id", id).Err(err).Msg("Cancel failed")
		}
	}
}

// Open reports whether any non-terminal orders remain.
func (e *Executor) Open() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var open []models.Order
	for _, order := range e.orders {
		if !order.Status.IsTerminal() {
			open = append(open, *order)
		}
	}
	return open
}

func (e *Executor) snapshot(orderID string) *models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order, ok := e.orders[orderID]; ok {
		copy := *order
		return &copy
	}
	return nil
}

func (e *Executor) terminalSnapshot(orderID string) (models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order, ok := e.orders[orderID]; ok && order.Status.IsTerminal() {
		return *order, true
	}
	return models.Order{}, false
}

// appendEvent writes one audit record; callers hold the lock.
func (e *Executor) appendEvent(order *models.Order, detail string) {
	if e.sink == nil {
		return
	}
	err := e.sink.AppendOrderEvent(models.OrderEvent{
		OrderID:       order.ID,
		PositionID:    order.PositionID,
		BrokerOrderID: order.BrokerOrderID,
		Status:        order.Status,
		FilledQty:     order.FilledQty,
		AveragePrice:  order.AveragePrice,
		Detail:        detail,
		Timestamp:     order.UpdatedAt,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("order_id", order.ID).Msg("Order event append failed")
	}
}
