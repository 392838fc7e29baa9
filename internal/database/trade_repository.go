package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// TradeStore is the ledger surface workers and the recovery pass depend
// on. PostgresTradeStore is the production implementation; tests use
// MemoryTradeStore.
type TradeStore interface {
	// SaveTrade inserts a new ACTIVE row and fills in ID and timestamps.
	SaveTrade(ctx context.Context, trade *Trade) error

	// UpdateTradeEntry rewrites entry price, quantity and averaging count
	// after an averaging order changed the effective position.
	UpdateTradeEntry(ctx context.Context, id int64, entryPrice, quantity float64, averagingCount int) error

	// CloseTrade marks a row CLOSED with its exit details.
	CloseTrade(ctx context.Context, id int64, exitPrice, pnl float64, reason string) error

	// GetActiveTrade returns the ACTIVE row for one slot, or nil when the
	// slot has no open trade.
	GetActiveTrade(ctx context.Context, userID, symbol string, priority int) (*Trade, error)

	// GetActiveTrades returns all ACTIVE rows for a user.
	GetActiveTrades(ctx context.Context, userID string) ([]*Trade, error)

	// GetUserStats aggregates closed-trade performance for a user.
	GetUserStats(ctx context.Context, userID string) (*UserStats, error)
}

// PostgresTradeStore implements TradeStore on the trades table.
type PostgresTradeStore struct {
	db *DB
}

// NewPostgresTradeStore creates the production ledger.
func NewPostgresTradeStore(db *DB) *PostgresTradeStore {
	return &PostgresTradeStore{db: db}
}

func (s *PostgresTradeStore) SaveTrade(ctx context.Context, trade *Trade) error {
	if trade.Status == "" {
		trade.Status = TradeStatusActive
	}
	if trade.EntryTime.IsZero() {
		trade.EntryTime = time.Now()
	}
	query := `
		INSERT INTO trades (user_id, symbol, priority, chain_id, side, entry_price, quantity, averaging_count, entry_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	return s.db.Pool.QueryRow(
		ctx, query,
		trade.UserID, trade.Symbol, trade.Priority, trade.ChainID, trade.Side,
		trade.EntryPrice, trade.Quantity, trade.AveragingCount, trade.EntryTime, trade.Status,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
}

func (s *PostgresTradeStore) UpdateTradeEntry(ctx context.Context, id int64, entryPrice, quantity float64, averagingCount int) error {
	query := `
		UPDATE trades
		SET entry_price = $2, quantity = $3, averaging_count = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := s.db.Pool.Exec(ctx, query, id, entryPrice, quantity, averagingCount)
	return err
}

func (s *PostgresTradeStore) CloseTrade(ctx context.Context, id int64, exitPrice, pnl float64, reason string) error {
	query := `
		UPDATE trades
		SET status = $2, exit_price = $3, exit_time = $4, pnl = $5, close_reason = $6, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $7
	`
	_, err := s.db.Pool.Exec(ctx, query, id, TradeStatusClosed, exitPrice, time.Now(), pnl, reason, TradeStatusActive)
	return err
}

func (s *PostgresTradeStore) GetActiveTrade(ctx context.Context, userID, symbol string, priority int) (*Trade, error) {
	query := `
		SELECT id, user_id, symbol, priority, chain_id, side, entry_price, exit_price, quantity,
		       averaging_count, entry_time, exit_time, pnl, COALESCE(close_reason, ''), status, created_at, updated_at
		FROM trades
		WHERE user_id = $1 AND symbol = $2 AND priority = $3 AND status = $4
		ORDER BY entry_time DESC
		LIMIT 1
	`
	trade := &Trade{}
	err := s.db.Pool.QueryRow(ctx, query, userID, symbol, priority, TradeStatusActive).Scan(
		&trade.ID, &trade.UserID, &trade.Symbol, &trade.Priority, &trade.ChainID, &trade.Side,
		&trade.EntryPrice, &trade.ExitPrice, &trade.Quantity, &trade.AveragingCount,
		&trade.EntryTime, &trade.ExitTime, &trade.PnL, &trade.CloseReason, &trade.Status,
		&trade.CreatedAt, &trade.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return trade, nil
}

func (s *PostgresTradeStore) GetActiveTrades(ctx context.Context, userID string) ([]*Trade, error) {
	query := `
		SELECT id, user_id, symbol, priority, chain_id, side, entry_price, exit_price, quantity,
		       averaging_count, entry_time, exit_time, pnl, COALESCE(close_reason, ''), status, created_at, updated_at
		FROM trades
		WHERE user_id = $1 AND status = $2
		ORDER BY entry_time DESC
	`
	rows, err := s.db.Pool.Query(ctx, query, userID, TradeStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		if err := rows.Scan(
			&trade.ID, &trade.UserID, &trade.Symbol, &trade.Priority, &trade.ChainID, &trade.Side,
			&trade.EntryPrice, &trade.ExitPrice, &trade.Quantity, &trade.AveragingCount,
			&trade.EntryTime, &trade.ExitTime, &trade.PnL, &trade.CloseReason, &trade.Status,
			&trade.CreatedAt, &trade.UpdatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (s *PostgresTradeStore) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE pnl > 0),
		       COUNT(*) FILTER (WHERE pnl <= 0),
		       COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE user_id = $1 AND status = $2
	`
	stats := &UserStats{UserID: userID}
	err := s.db.Pool.QueryRow(ctx, query, userID, TradeStatusClosed).Scan(
		&stats.TotalTrades, &stats.Wins, &stats.Losses, &stats.TotalPnL,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

var _ TradeStore = (*PostgresTradeStore)(nil)
