// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

// DataStore defines the interface for trading persistence: the
// append-only order-event log, the position archive and the candle
// cache. The core writes during trading and reads back only on
// crash-recovery startup and in backtests.
type DataStore interface {
	// Order event log (append-only)
	AppendOrderEvent(event models.OrderEvent) error
	GetOrderEvents(ctx context.Context, positionID string) ([]models.OrderEvent, error)

	// Position archive
	SavePosition(ctx context.Context, pos *models.Position) error
	GetOpenPositions(ctx context.Context) ([]models.Position, error)
	GetPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)

	// Candle cache
	SaveCandles(ctx context.Context, token, interval string, candles []models.Candle) error
	GetCandles(ctx context.Context, token, interval string, from, to time.Time) ([]models.Candle, error)

	// Lifecycle
	Close() error
}

// PositionFilter represents filters for querying archived positions.
type PositionFilter struct {
	Strategy  string
	Index     string
	State     models.PositionState
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}
