package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"failover-trading-bot/internal/locks"
)

func TestManagerRejectsDuplicate(t *testing.T) {
	m := NewManager(locks.NewRegistry(zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	c1, _ := testCoordinator(t)
	c2, _ := testCoordinator(t)
	if err := m.Add(ctx, c1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := m.Add(ctx, c2); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if m.Get("u1", "BTCUSDT") != c1 {
		t.Error("first registration must win")
	}
}

func TestManagerAddWaitsForRotationLock(t *testing.T) {
	registry := locks.NewRegistry(zerolog.Nop())
	m := NewManager(registry, zerolog.Nop())
	c, _ := testCoordinator(t)

	held, err := registry.Acquire(context.Background(), locks.CoordinatorKey("u1", "BTCUSDT"))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Add(ctx, c); err == nil {
		t.Fatal("Add must block behind a held rotation lock")
	}

	held.Release()
	if err := m.Add(context.Background(), c); err != nil {
		t.Fatalf("Add after release failed: %v", err)
	}
}

func TestManagerRemoveStopsCoordinator(t *testing.T) {
	registry := locks.NewRegistry(zerolog.Nop())
	m := NewManager(registry, zerolog.Nop())
	ctx := context.Background()

	c, _ := testCoordinator(t)
	if err := m.Add(ctx, c); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := m.Remove(ctx, "u1", "BTCUSDT"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if m.Get("u1", "BTCUSDT") != nil {
		t.Error("removed coordinator must not be found")
	}

	// Removing again is a no-op.
	if err := m.Remove(ctx, "u1", "BTCUSDT"); err != nil {
		t.Errorf("second Remove must be a no-op, got %v", err)
	}
}
