// Package locks provides a registry of keyed asynchronous mutexes.
//
// Every critical section in the system is serialized by key: user-level
// operations lock on the user ID, coordinator decisions lock on
// "userID:symbol". Locks are created lazily on first use and evicted by a
// periodic sweep once idle, so the registry stays bounded no matter how
// many users and symbols come and go.
package locks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SweepInterval is how often the background sweep runs.
	SweepInterval = time.Hour

	// LockTTL is how long a lock may sit unused before eviction.
	LockTTL = 2 * time.Hour
)

// keyedLock is a mutex with acquisition implemented over a channel so a
// pending acquire can be abandoned on context cancellation.
type keyedLock struct {
	ch       chan struct{} // capacity 1, full while held
	lastUsed atomic.Int64  // unix nano
	waiters  atomic.Int32
}

func (l *keyedLock) held() bool {
	return len(l.ch) == 1
}

func (l *keyedLock) touch() {
	l.lastUsed.Store(time.Now().UnixNano())
}

// ScopedLock is a held keyed lock. Release is idempotent and must be
// called on every exit path, typically via defer.
type ScopedLock struct {
	lock     *keyedLock
	released atomic.Bool
}

// Release returns the lock to the registry.
func (s *ScopedLock) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.lock.touch()
		<-s.lock.ch
	}
}

// Registry owns all keyed locks for one deployment scope.
type Registry struct {
	mu     sync.RWMutex // bootstrap lock guarding the map only
	locks  map[string]*keyedLock
	logger zerolog.Logger

	sweepInterval time.Duration
	lockTTL       time.Duration
}

// Stats reports registry usage.
type Stats struct {
	TotalLocks int `json:"total_locks"`
	HeldLocks  int `json:"held_locks"`
}

// NewRegistry creates an empty lock registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		locks:         make(map[string]*keyedLock),
		logger:        logger.With().Str("component", "LockRegistry").Logger(),
		sweepInterval: SweepInterval,
		lockTTL:       LockTTL,
	}
}

// CoordinatorKey builds the lock key for a (user, symbol) pair.
func CoordinatorKey(userID, symbol string) string {
	return fmt.Sprintf("%s:%s", userID, symbol)
}

// get returns the lock for key, creating it if absent. The fast path takes
// only the read lock; creation re-checks under the write lock so two
// concurrent callers for a new key always end up with the same instance.
func (r *Registry) get(key string) *keyedLock {
	r.mu.RLock()
	l, ok := r.locks[key]
	r.mu.RUnlock()
	if ok {
		l.touch()
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.locks[key]; ok {
		l.touch()
		return l
	}

	l = &keyedLock{ch: make(chan struct{}, 1)}
	l.touch()
	r.locks[key] = l
	r.logger.Debug().Str("key", key).Msg("created keyed lock")
	return l
}

// Acquire blocks until the lock for key is held or ctx is cancelled.
// Cancellation while waiting never leaks ownership.
func (r *Registry) Acquire(ctx context.Context, key string) (*ScopedLock, error) {
	l := r.get(key)

	l.waiters.Add(1)
	defer l.waiters.Add(-1)

	select {
	case l.ch <- struct{}{}:
		l.touch()
		return &ScopedLock{lock: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithLock runs fn while holding the lock for key.
func (r *Registry) WithLock(ctx context.Context, key string, fn func() error) error {
	lock, err := r.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// Sweep evicts locks that are unheld, unwaited and idle past the TTL.
// A held lock is never removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.lockTTL).UnixNano()
	removed := 0
	for key, l := range r.locks {
		if l.held() || l.waiters.Load() > 0 {
			continue
		}
		if l.lastUsed.Load() < cutoff {
			delete(r.locks, key)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("swept idle locks")
	}
	return removed
}

// ForceRelease removes the lock for key when its owning entity is torn
// down. A held lock is left in place and a warning is logged instead.
func (r *Registry) ForceRelease(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		return true
	}
	if l.held() || l.waiters.Load() > 0 {
		r.logger.Warn().Str("key", key).Msg("lock is busy, skipping removal")
		return false
	}

	delete(r.locks, key)
	r.logger.Debug().Str("key", key).Msg("released keyed lock")
	return true
}

// Stats returns current registry usage.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{TotalLocks: len(r.locks)}
	for _, l := range r.locks {
		if l.held() {
			s.HeldLocks++
		}
	}
	return s
}

// RunSweeper evicts idle locks on a timer until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// SetSweepParams overrides sweep timing, used by tests.
func (r *Registry) SetSweepParams(interval, ttl time.Duration) {
	r.sweepInterval = interval
	r.lockTTL = ttl
}
