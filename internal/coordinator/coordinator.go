// Package coordinator rotates trading across three redundant priority
// slots per (user, symbol). Slot 1 trades by default; when its position
// gets stuck underwater the next slot takes over, and trading falls back
// to the highest-priority slot as soon as it is flat again.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/exchange"
	"failover-trading-bot/internal/locks"
	"failover-trading-bot/internal/notification"
	"failover-trading-bot/internal/worker"
)

// NumSlots is the fixed number of redundant priority slots.
const NumSlots = 3

// Status of one priority slot.
type Status string

const (
	StatusFree   Status = "free"
	StatusActive Status = "active"
	StatusStuck  Status = "stuck"
)

// SlotInfo is a point-in-time view of one slot, served by the status API.
type SlotInfo struct {
	Priority        int     `json:"priority"`
	Status          Status  `json:"status"`
	PnLPercent      float64 `json:"pnl_percent"`
	TradingEnabled  bool    `json:"trading_enabled"`
	WaitingForTrade bool    `json:"waiting_for_trade"`
	DegradedPrice   bool    `json:"degraded_price"`
}

// Snapshot is a point-in-time view of one coordinator.
type Snapshot struct {
	UserID         string     `json:"user_id"`
	Symbol         string     `json:"symbol"`
	ActivePriority int        `json:"active_priority"`
	Slots          []SlotInfo `json:"slots"`
}

// Coordinator owns the three workers of one (user, symbol) pair and runs
// the escalation and reclaim passes.
type Coordinator struct {
	userID string
	symbol string
	cfg    config.CoordinatorConfig

	workers   [NumSlots]worker.Worker
	exchanges [NumSlots]exchange.Exchange // per-slot accounts, for flat double-checks
	registry  *locks.Registry
	notifier  *notification.Manager
	logger    zerolog.Logger

	mu             sync.Mutex
	activePriority int
	notStarted     map[int]bool // slots whose Start failed, retried every pass

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator. workers and exchanges are indexed by slot,
// priority n at index n-1.
func New(userID, symbol string, cfg config.CoordinatorConfig, workers [NumSlots]worker.Worker, exchanges [NumSlots]exchange.Exchange, registry *locks.Registry, notifier *notification.Manager, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		userID:    userID,
		symbol:    symbol,
		cfg:       cfg,
		workers:   workers,
		exchanges: exchanges,
		registry:  registry,
		notifier:  notifier,
		logger: logger.With().
			Str("component", "FailoverCoordinator").
			Str("user_id", userID).
			Str("symbol", symbol).
			Logger(),
		activePriority: 1,
		notStarted:     make(map[int]bool),
	}
}

// lockKey is the per-(user, symbol) rotation lock.
func (c *Coordinator) lockKey() string {
	return locks.CoordinatorKey(c.userID, c.symbol)
}

// Start launches all workers, enables slot 1 and begins monitoring.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already running")
	}
	c.running = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i, w := range c.workers {
		if err := w.Start(runCtx); err != nil {
			c.logger.Error().Err(err).Int("priority", i+1).Msg("worker failed to start, will retry")
			c.mu.Lock()
			c.notStarted[i+1] = true
			c.mu.Unlock()
		}
	}
	c.workerAt(1).SetTradingEnabled(true)

	c.wg.Add(1)
	go c.monitorLoop(runCtx)

	c.logger.Info().Dur("interval", c.cfg.MonitorInterval).Msg("coordinator started")
	return nil
}

// Stop halts monitoring and all workers, and releases the rotation lock.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	for _, w := range c.workers {
		w.Stop()
	}
	c.registry.ForceRelease(c.lockKey())
	c.logger.Info().Msg("coordinator stopped")
}

func (c *Coordinator) workerAt(priority int) worker.Worker {
	return c.workers[priority-1]
}

func (c *Coordinator) monitorLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runPass(ctx)
		}
	}
}

// slotStatus classifies one worker. A position below the stuck threshold
// makes the slot stuck; the comparison is strict, the boundary is active.
func (c *Coordinator) slotStatus(w worker.Worker) Status {
	if !w.PositionActive() {
		return StatusFree
	}
	if w.PnLPercent() < c.cfg.StuckThresholdPercent {
		return StatusStuck
	}
	return StatusActive
}

// runPass executes one escalation/reclaim evaluation under the rotation
// lock.
func (c *Coordinator) runPass(ctx context.Context) {
	err := c.registry.WithLock(ctx, c.lockKey(), func() error {
		c.retryFailedStarts(ctx)
		c.escalationPass()
		c.reclaimPass()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Msg("monitor pass failed")
	}
}

func (c *Coordinator) retryFailedStarts(ctx context.Context) {
	c.mu.Lock()
	pending := make([]int, 0, len(c.notStarted))
	for p := range c.notStarted {
		pending = append(pending, p)
	}
	c.mu.Unlock()

	for _, p := range pending {
		if err := c.workerAt(p).Start(ctx); err != nil {
			c.logger.Warn().Err(err).Int("priority", p).Msg("worker start retry failed")
			continue
		}
		c.logger.Info().Int("priority", p).Msg("worker started on retry")
		c.mu.Lock()
		delete(c.notStarted, p)
		c.mu.Unlock()
	}
}

// escalationPass hands trading to the next slot when the active one is
// stuck. Escalation only moves forward, 1 to 2 and 2 to 3.
func (c *Coordinator) escalationPass() {
	c.mu.Lock()
	active := c.activePriority
	c.mu.Unlock()

	if active >= NumSlots {
		return
	}

	w := c.workerAt(active)
	if c.slotStatus(w) != StatusStuck {
		return
	}

	next := active + 1
	pnl := w.PnLPercent()
	w.SetTradingEnabled(false)
	c.workerAt(next).SetTradingEnabled(true)

	c.mu.Lock()
	c.activePriority = next
	c.mu.Unlock()

	c.logger.Warn().
		Int("from", active).
		Int("to", next).
		Float64("pnl_percent", pnl).
		Msg("slot stuck, escalated trading to next priority")
	c.notifier.SendRotation(c.symbol, active, next, pnl, "escalation")
}

// reclaimPass hands trading to the highest-priority free slot. Lower
// slots that are free and still enabled stand down; slots holding
// positions keep whatever enabled state they have until they close.
// Skipped entirely while any worker has an order in flight.
func (c *Coordinator) reclaimPass() {
	for _, w := range c.workers {
		if w.IsWaitingForTrade() {
			c.logger.Debug().Msg("order in flight, skipping reclaim")
			return
		}
	}

	// The first free slot by priority is the reclaim target. Its claim
	// of being flat is double-checked against the venue.
	target := 0
	for p := 1; p <= NumSlots; p++ {
		if c.workerAt(p).PositionActive() {
			continue
		}
		if !c.confirmFlat(p) {
			c.logger.Warn().Int("priority", p).Msg("venue still reports a position, skipping reclaim")
			return
		}
		target = p
		break
	}
	if target == 0 {
		return
	}

	c.mu.Lock()
	active := c.activePriority
	c.mu.Unlock()

	if target > active {
		// Escalation is the only move down the priority order.
		return
	}

	c.workerAt(target).SetTradingEnabled(true)
	for p := target + 1; p <= NumSlots; p++ {
		w := c.workerAt(p)
		if w.PositionActive() || !w.TradingEnabled() {
			continue
		}
		if !c.confirmFlat(p) {
			continue
		}
		w.SetTradingEnabled(false)
	}

	if target == active {
		return
	}

	pnl := c.workerAt(active).PnLPercent()
	c.mu.Lock()
	c.activePriority = target
	c.mu.Unlock()

	c.logger.Info().Int("from", active).Int("to", target).Msg("reclaimed trading for higher priority slot")
	c.notifier.SendRotation(c.symbol, active, target, pnl, "reclaim")
}

// confirmFlat verifies against the slot's exchange account that no
// position exists for the symbol.
func (c *Coordinator) confirmFlat(priority int) bool {
	exch := c.exchanges[priority-1]
	if exch == nil {
		return true
	}
	pos, err := exch.GetPositionBySymbol(c.symbol)
	if err != nil {
		// Cannot verify: err on the side of not rotating.
		c.logger.Warn().Err(err).Int("priority", priority).Msg("flat check failed")
		return false
	}
	return pos.PositionAmt == 0
}

// CloseSlot force-closes the position of one slot, for operator
// intervention through the API. Runs under the rotation lock so it
// cannot race an escalation or reclaim pass.
func (c *Coordinator) CloseSlot(ctx context.Context, priority int, reason string) error {
	if priority < 1 || priority > NumSlots {
		return fmt.Errorf("priority %d out of range", priority)
	}
	return c.registry.WithLock(ctx, c.lockKey(), func() error {
		return c.workerAt(priority).ClosePosition(ctx, reason)
	})
}

// ActivePriority returns the slot currently allowed to open trades.
func (c *Coordinator) ActivePriority() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePriority
}

// Snapshot reports the current state of all slots.
func (c *Coordinator) Snapshot() Snapshot {
	snap := Snapshot{
		UserID:         c.userID,
		Symbol:         c.symbol,
		ActivePriority: c.ActivePriority(),
		Slots:          make([]SlotInfo, 0, NumSlots),
	}
	for p := 1; p <= NumSlots; p++ {
		w := c.workerAt(p)
		snap.Slots = append(snap.Slots, SlotInfo{
			Priority:        p,
			Status:          c.slotStatus(w),
			PnLPercent:      w.PnLPercent(),
			TradingEnabled:  w.TradingEnabled(),
			WaitingForTrade: w.IsWaitingForTrade(),
			DegradedPrice:   w.UsingDegradedPrice(),
		})
	}
	return snap
}
