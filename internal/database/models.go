package database

import "time"

// Trade status values.
const (
	TradeStatusActive = "ACTIVE"
	TradeStatusClosed = "CLOSED"
)

// Close reasons recorded on the ledger row.
const (
	CloseReasonTrailing   = "trailing_profit"
	CloseReasonHardStop   = "hard_stop_loss"
	CloseReasonSignalFlip = "signal_flip"
	CloseReasonManual     = "manual"
	CloseReasonRecovery   = "recovery_reset"
)

// Trade is one ledger row. A trade belongs to exactly one priority slot of
// one (user, symbol) pair; ChainID groups the trades of a single averaged
// position across restarts.
type Trade struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"user_id"`
	Symbol         string     `json:"symbol"`
	Priority       int        `json:"priority"`
	ChainID        string     `json:"chain_id"`
	Side           string     `json:"side"` // LONG or SHORT
	EntryPrice     float64    `json:"entry_price"`
	ExitPrice      *float64   `json:"exit_price,omitempty"`
	Quantity       float64    `json:"quantity"`
	AveragingCount int        `json:"averaging_count"`
	EntryTime      time.Time  `json:"entry_time"`
	ExitTime       *time.Time `json:"exit_time,omitempty"`
	PnL            *float64   `json:"pnl,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// UserStats aggregates closed-trade performance for one user.
type UserStats struct {
	UserID      string  `json:"user_id"`
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalPnL    float64 `json:"total_pnl"`
}
