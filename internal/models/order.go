package models

import "time"

// OrderStatus represents the lifecycle status of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPlaced          OrderStatus = "PLACED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// LegIntentKind classifies why a leg order is being placed.
type LegIntentKind string

const (
	IntentEntry LegIntentKind = "ENTRY"
	IntentExit  LegIntentKind = "EXIT"
	IntentRoll  LegIntentKind = "ROLL"
)

// LegIntent is an immutable instruction from the strategy or risk layer
// to the execution manager: trade one leg of one position.
type LegIntent struct {
	PositionID string
	Role       LegRole
	Kind       LegIntentKind
	Contract   OptionContract
	Side       OrderSide
	Quantity   int
	OrderType  OrderType
	LimitPrice float64
	Tag        string
}

// Order tracks one broker order for one leg of one position. Retry state
// is carried explicitly so a scheduler tick can advance it without
// blocking loops.
type Order struct {
	ID            string
	PositionID    string
	Role          LegRole
	Kind          LegIntentKind
	Contract      OptionContract
	Side          OrderSide
	Quantity      int
	Type          OrderType
	LimitPrice    float64
	Status        OrderStatus
	BrokerOrderID string
	FilledQty     int
	AveragePrice  float64
	RejectReason  string
	Retries       int
	NextRetryAt   time.Time
	PlacedAt      time.Time
	UpdatedAt     time.Time
}

// FillEvent is a fill or rejection reported by the broker. Events are
// deduplicated by (BrokerOrderID, Sequence).
type FillEvent struct {
	BrokerOrderID string
	Sequence      int
	Status        OrderStatus
	FilledQty     int
	AveragePrice  float64
	Reason        string
	Timestamp     time.Time
}

// OrderEvent is one append-only audit record of an order state
// transition, persisted for crash recovery.
type OrderEvent struct {
	ID            int64
	OrderID       string
	PositionID    string
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     int
	AveragePrice  float64
	Detail        string
	Timestamp     time.Time
}
