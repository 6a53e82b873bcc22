// Package broker provides brokerage venue integration: the Angel One
// SmartAPI REST client, the SmartAPI WebSocket market feed, scrip master
// contract resolution, and a simulated broker for backtests.
package broker

import (
	"context"
	"time"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

// Broker defines the interface for broker operations.
type Broker interface {
	// Session
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, req OrderRequest) error
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatusRecord, error)
	OrderBook(ctx context.Context) ([]OrderStatusRecord, error)

	// Market data
	GetLTP(ctx context.Context, exchange models.Exchange, symbol, token string) (float64, error)
	GetCandles(ctx context.Context, req HistoricalRequest) ([]models.Candle, error)

	// Positions (crash-resume)
	GetPositions(ctx context.Context) ([]NetPosition, error)
}

// Ticker defines the interface for real-time market data streaming.
type Ticker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(tokens []TokenSub) error
	Unsubscribe(tokens []TokenSub) error
	OnTick(handler func(models.Tick))
	OnError(handler func(error))
	OnConnect(handler func())
	OnReconnect(handler func()) // resync signal: snapshot refresh needed
	OnDisconnect(handler func())
	IsConnected() bool
}

// TickMode represents the subscription mode for ticks.
type TickMode int

const (
	TickModeLTP       TickMode = 1
	TickModeQuote     TickMode = 2
	TickModeSnapQuote TickMode = 3
)

// TokenSub is one instrument subscription.
type TokenSub struct {
	Exchange models.Exchange
	Token    string
	Mode     TickMode
}

// OrderRequest is the broker-facing order payload.
type OrderRequest struct {
	Symbol       string
	Token        string
	Exchange     models.Exchange
	Side         models.OrderSide
	Type         models.OrderType
	Quantity     int
	Price        float64
	TriggerPrice float64
	Tag          string
}

// OrderStatusRecord is one row of the broker order book.
type OrderStatusRecord struct {
	BrokerOrderID string
	Symbol        string
	Status        string // broker-native status text
	FilledQty     int
	Quantity      int
	AveragePrice  float64
	RejectReason  string
	UpdatedAt     time.Time
}

// IsComplete reports whether the broker considers the order fully filled.
func (r *OrderStatusRecord) IsComplete() bool {
	return r.Status == "complete"
}

// IsRejected reports whether the broker rejected the order.
func (r *OrderStatusRecord) IsRejected() bool {
	return r.Status == "rejected"
}

// IsCancelled reports whether the order was cancelled.
func (r *OrderStatusRecord) IsCancelled() bool {
	return r.Status == "cancelled"
}

// HistoricalRequest represents a request for historical candle data.
type HistoricalRequest struct {
	Exchange models.Exchange
	Token    string
	Interval string // ONE_MINUTE, FIVE_MINUTE, ...
	From     time.Time
	To       time.Time
}

// NetPosition is a broker-reported net position, used on startup to
// resume management of a position that survived a crash.
type NetPosition struct {
	Symbol       string
	Token        string
	Exchange     models.Exchange
	NetQty       int // positive long, negative short
	BuyAvgPrice  float64
	SellAvgPrice float64
}
