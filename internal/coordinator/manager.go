package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"failover-trading-bot/internal/locks"
)

// Manager tracks all coordinators of a deployment, one per (user, symbol).
type Manager struct {
	mu           sync.RWMutex
	coordinators map[string]*Coordinator
	registry     *locks.Registry
	logger       zerolog.Logger
}

// NewManager creates an empty coordinator manager.
func NewManager(registry *locks.Registry, logger zerolog.Logger) *Manager {
	return &Manager{
		coordinators: make(map[string]*Coordinator),
		registry:     registry,
		logger:       logger.With().Str("component", "CoordinatorManager").Logger(),
	}
}

// Add registers a coordinator under its rotation lock. Adding a
// duplicate (user, symbol) fails.
func (m *Manager) Add(ctx context.Context, c *Coordinator) error {
	key := locks.CoordinatorKey(c.userID, c.symbol)

	return m.registry.WithLock(ctx, key, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, exists := m.coordinators[key]; exists {
			return fmt.Errorf("coordinator already registered for %s", key)
		}
		m.coordinators[key] = c
		return nil
	})
}

// Get returns the coordinator for a (user, symbol), or nil.
func (m *Manager) Get(userID, symbol string) *Coordinator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coordinators[locks.CoordinatorKey(userID, symbol)]
}

// Remove unregisters a coordinator under its rotation lock, then stops
// it. Stopping happens outside the lock: the coordinator releases the
// same key on its way down.
func (m *Manager) Remove(ctx context.Context, userID, symbol string) error {
	key := locks.CoordinatorKey(userID, symbol)

	var c *Coordinator
	err := m.registry.WithLock(ctx, key, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		c = m.coordinators[key]
		delete(m.coordinators, key)
		return nil
	})
	if err != nil {
		return err
	}
	if c != nil {
		c.Stop()
	}
	return nil
}

// StartAll starts every registered coordinator, each under its own
// rotation lock.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	coords := make(map[string]*Coordinator, len(m.coordinators))
	for key, c := range m.coordinators {
		coords[key] = c
	}
	m.mu.RUnlock()

	for key, c := range coords {
		err := m.registry.WithLock(ctx, key, func() error { return c.Start(ctx) })
		if err != nil {
			return fmt.Errorf("failed to start coordinator %s: %w", key, err)
		}
	}
	m.logger.Info().Int("count", len(coords)).Msg("all coordinators started")
	return nil
}

// StopAll stops every registered coordinator.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.coordinators {
		c.Stop()
	}
	m.logger.Info().Msg("all coordinators stopped")
}

// Snapshots reports the state of every coordinator, for the status API.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		snaps = append(snaps, c.Snapshot())
	}
	return snaps
}

// UserSnapshots reports the coordinators belonging to one user.
func (m *Manager) UserSnapshots(userID string) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]Snapshot, 0)
	for _, c := range m.coordinators {
		if c.userID == userID {
			snaps = append(snaps, c.Snapshot())
		}
	}
	return snaps
}
