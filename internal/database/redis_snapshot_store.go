package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// snapshotKeyPrefix namespaces position snapshot keys.
	// Format: failover:position:{userID}:{symbol}:{priority}
	snapshotKeyPrefix = "failover:position"

	// SnapshotTTL keeps snapshots around well past any realistic position
	// lifetime so restarts always find state.
	SnapshotTTL = 7 * 24 * time.Hour
)

// PositionSnapshot is the monitoring state that must survive restarts.
// Peak PnL and the highest trailing level reached cannot be recomputed
// from the exchange, so they are persisted on every change.
type PositionSnapshot struct {
	Symbol           string    `json:"symbol"`
	Priority         int       `json:"priority"`
	Side             string    `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	Quantity         float64   `json:"quantity"`
	AveragingCount   int       `json:"averaging_count"`
	PeakPnL          float64   `json:"peak_pnl"`
	MaxTrailingLevel int       `json:"max_trailing_level"`
	SavedAt          time.Time `json:"saved_at"`
}

// SnapshotStore persists position snapshots in Redis with an in-memory
// fallback so monitoring continues when Redis is down.
type SnapshotStore struct {
	client         *redis.Client
	cache          map[string]*PositionSnapshot
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
	logger         zerolog.Logger
}

// NewSnapshotStore creates a snapshot store. A nil client means
// memory-only operation.
func NewSnapshotStore(client *redis.Client, logger zerolog.Logger) *SnapshotStore {
	s := &SnapshotStore{
		client: client,
		cache:  make(map[string]*PositionSnapshot),
		logger: logger.With().Str("component", "SnapshotStore").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("redis unavailable at startup, using in-memory cache")
		} else {
			s.logger.Info().Msg("redis connected")
			s.redisAvailable.Store(true)
		}
	} else {
		s.logger.Info().Msg("no redis client, using in-memory cache only")
	}

	return s
}

func snapshotKey(userID, symbol string, priority int) string {
	return fmt.Sprintf("%s:%s:%s:%d", snapshotKeyPrefix, userID, symbol, priority)
}

// Save writes a snapshot, always to the cache and to Redis when available.
func (s *SnapshotStore) Save(ctx context.Context, userID string, snap *PositionSnapshot) error {
	if snap == nil {
		return fmt.Errorf("cannot save nil snapshot")
	}
	snap.SavedAt = time.Now()
	key := snapshotKey(userID, snap.Symbol, snap.Priority)

	cp := *snap
	s.cacheMu.Lock()
	s.cache[key] = &cp
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, key, data, SnapshotTTL).Err(); err != nil {
		if s.redisAvailable.CompareAndSwap(true, false) {
			s.logger.Warn().Err(err).Msg("redis write failed, falling back to in-memory cache")
		}
		return nil
	}
	s.markAvailable()
	return nil
}

// Load reads the snapshot for one slot. Missing snapshots return nil.
func (s *SnapshotStore) Load(ctx context.Context, userID, symbol string, priority int) (*PositionSnapshot, error) {
	key := snapshotKey(userID, symbol, priority)

	if s.client != nil {
		data, err := s.client.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			s.markAvailable()
			return nil, nil
		case err != nil:
			if s.redisAvailable.CompareAndSwap(true, false) {
				s.logger.Warn().Err(err).Msg("redis read failed, serving from in-memory cache")
			}
		default:
			s.markAvailable()
			var snap PositionSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			return &snap, nil
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if snap, ok := s.cache[key]; ok {
		cp := *snap
		return &cp, nil
	}
	return nil, nil
}

// Delete removes the snapshot for one slot after its position closes.
func (s *SnapshotStore) Delete(ctx context.Context, userID, symbol string, priority int) error {
	key := snapshotKey(userID, symbol, priority)

	s.cacheMu.Lock()
	delete(s.cache, key)
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		if s.redisAvailable.CompareAndSwap(true, false) {
			s.logger.Warn().Err(err).Msg("redis delete failed")
		}
		return nil
	}
	s.markAvailable()
	return nil
}

// Available reports whether Redis is currently reachable.
func (s *SnapshotStore) Available() bool {
	return s.redisAvailable.Load()
}

func (s *SnapshotStore) markAvailable() {
	if s.redisAvailable.CompareAndSwap(false, true) {
		s.logger.Info().Msg("redis available again")
	}
}
