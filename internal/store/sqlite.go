// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Append-only order event log for audit and crash recovery
	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		position_id TEXT NOT NULL,
		broker_order_id TEXT,
		status TEXT NOT NULL,
		filled_qty INTEGER NOT NULL DEFAULT 0,
		average_price REAL NOT NULL DEFAULT 0,
		detail TEXT,
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Position archive; legs stored as JSON
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		market_index TEXT NOT NULL,
		state TEXT NOT NULL,
		resumed INTEGER DEFAULT 0,
		legs TEXT NOT NULL,
		entry_time DATETIME,
		exit_time DATETIME,
		exit_reason TEXT,
		realized_pnl REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Candle cache for backtests and VWAP seeding
	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL,
		interval TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(token, interval, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_order_events_position ON order_events(position_id);
	CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);
	CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);
	CREATE INDEX IF NOT EXISTS idx_candles_token ON candles(token, interval, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AppendOrderEvent appends one audit record. Events are never updated
// or deleted.
func (s *SQLiteStore) AppendOrderEvent(event models.OrderEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO order_events (order_id, position_id, broker_order_id, status, filled_qty, average_price, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.OrderID, event.PositionID, event.BrokerOrderID, string(event.Status),
		event.FilledQty, event.AveragePrice, event.Detail, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("appending order event: %w", err)
	}
	return nil
}

// GetOrderEvents returns all events for a position in append order.
func (s *SQLiteStore) GetOrderEvents(ctx context.Context, positionID string) ([]models.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, position_id, broker_order_id, status, filled_qty, average_price, detail, timestamp
		FROM order_events WHERE position_id = ? ORDER BY id ASC`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.OrderEvent
	for rows.Next() {
		var e models.OrderEvent
		var status string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.PositionID, &e.BrokerOrderID, &status,
			&e.FilledQty, &e.AveragePrice, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Status = models.OrderStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SavePosition inserts or updates the archived form of a position.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *models.Position) error {
	legs, err := json.Marshal(pos.Legs)
	if err != nil {
		return fmt.Errorf("encoding legs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, strategy, market_index, state, resumed, legs, entry_time, exit_time, exit_reason, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			resumed = excluded.resumed,
			legs = excluded.legs,
			entry_time = excluded.entry_time,
			exit_time = excluded.exit_time,
			exit_reason = excluded.exit_reason,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP`,
		pos.ID, pos.StrategyName, string(pos.Index), string(pos.State), boolInt(pos.Resumed),
		string(legs), nullTime(pos.EntryTime), nullTime(pos.ExitTime), pos.ExitReason, pos.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("saving position %s: %w", pos.ID, err)
	}
	return nil
}

// GetOpenPositions returns positions whose last persisted state is
// still live, used to resume management after a crash.
func (s *SQLiteStore) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	return s.queryPositions(ctx,
		`SELECT id, strategy, market_index, state, resumed, legs, entry_time, exit_time, exit_reason, realized_pnl
		 FROM positions WHERE state IN ('EVALUATING', 'ENTERED', 'ADJUSTING', 'EXITING') ORDER BY created_at ASC`)
}

// GetPositions returns archived positions matching the filter.
func (s *SQLiteStore) GetPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := `SELECT id, strategy, market_index, state, resumed, legs, entry_time, exit_time, exit_reason, realized_pnl
		FROM positions WHERE 1=1`
	var args []interface{}

	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Index != "" {
		query += " AND market_index = ?"
		args = append(args, filter.Index)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if !filter.StartDate.IsZero() {
		query += " AND entry_time >= ?"
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		query += " AND entry_time <= ?"
		args = append(args, filter.EndDate)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryPositions(ctx, query, args...)
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...interface{}) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var (
			pos                  models.Position
			index, state, legs   string
			resumed              int
			entryTime, exitTime  sql.NullTime
		)
		if err := rows.Scan(&pos.ID, &pos.StrategyName, &index, &state, &resumed, &legs,
			&entryTime, &exitTime, &pos.ExitReason, &pos.RealizedPnL); err != nil {
			return nil, err
		}
		pos.Index = models.Index(index)
		pos.State = models.PositionState(state)
		pos.Resumed = resumed != 0
		if entryTime.Valid {
			pos.EntryTime = entryTime.Time
		}
		if exitTime.Valid {
			pos.ExitTime = exitTime.Time
		}
		if err := json.Unmarshal([]byte(legs), &pos.Legs); err != nil {
			return nil, fmt.Errorf("decoding legs for %s: %w", pos.ID, err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// SaveCandles upserts candle bars into the cache.
func (s *SQLiteStore) SaveCandles(ctx context.Context, token, interval string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO candles (token, interval, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token, interval, timestamp) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(token, interval, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetCandles returns cached candles in time order.
func (s *SQLiteStore) GetCandles(ctx context.Context, token, interval string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM candles
		WHERE token = ? AND interval = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`, token, interval, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ DataStore = (*SQLiteStore)(nil)
