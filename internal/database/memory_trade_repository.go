package database

import (
	"context"
	"sync"
	"time"
)

// MemoryTradeStore is an in-memory TradeStore for tests and paper mode
// without a database.
type MemoryTradeStore struct {
	mu     sync.RWMutex
	nextID int64
	trades map[int64]*Trade
}

// NewMemoryTradeStore creates an empty in-memory ledger.
func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{
		nextID: 1,
		trades: make(map[int64]*Trade),
	}
}

func (s *MemoryTradeStore) SaveTrade(ctx context.Context, trade *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trade.Status == "" {
		trade.Status = TradeStatusActive
	}
	if trade.EntryTime.IsZero() {
		trade.EntryTime = time.Now()
	}
	trade.ID = s.nextID
	s.nextID++
	trade.CreatedAt = time.Now()
	trade.UpdatedAt = trade.CreatedAt

	cp := *trade
	s.trades[trade.ID] = &cp
	return nil
}

func (s *MemoryTradeStore) UpdateTradeEntry(ctx context.Context, id int64, entryPrice, quantity float64, averagingCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.trades[id]; ok {
		t.EntryPrice = entryPrice
		t.Quantity = quantity
		t.AveragingCount = averagingCount
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryTradeStore) CloseTrade(ctx context.Context, id int64, exitPrice, pnl float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok || t.Status != TradeStatusActive {
		return nil
	}
	now := time.Now()
	t.Status = TradeStatusClosed
	t.ExitPrice = &exitPrice
	t.ExitTime = &now
	t.PnL = &pnl
	t.CloseReason = reason
	t.UpdatedAt = now
	return nil
}

func (s *MemoryTradeStore) GetActiveTrade(ctx context.Context, userID, symbol string, priority int) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Trade
	for _, t := range s.trades {
		if t.UserID != userID || t.Symbol != symbol || t.Priority != priority || t.Status != TradeStatusActive {
			continue
		}
		if latest == nil || t.EntryTime.After(latest.EntryTime) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryTradeStore) GetActiveTrades(ctx context.Context, userID string) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []*Trade
	for _, t := range s.trades {
		if t.UserID == userID && t.Status == TradeStatusActive {
			cp := *t
			trades = append(trades, &cp)
		}
	}
	return trades, nil
}

func (s *MemoryTradeStore) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &UserStats{UserID: userID}
	for _, t := range s.trades {
		if t.UserID != userID || t.Status != TradeStatusClosed || t.PnL == nil {
			continue
		}
		stats.TotalTrades++
		if *t.PnL > 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
		stats.TotalPnL += *t.PnL
	}
	return stats, nil
}

var _ TradeStore = (*MemoryTradeStore)(nil)
