// Package worker runs one trading bot per priority slot. A worker owns at
// most one position on its (user, symbol, priority) slot, monitors it
// through the position engine and reports its health to the coordinator.
package worker

import "context"

// Worker is the surface the failover coordinator manages slots through.
type Worker interface {
	UserID() string
	Symbol() string
	Priority() int

	// Start begins consuming price ticks. Stop is idempotent.
	Start(ctx context.Context) error
	Stop()

	// SetTradingEnabled controls whether the worker may open new
	// positions. Monitoring of an existing position continues either way.
	SetTradingEnabled(enabled bool)
	TradingEnabled() bool

	// PositionActive reports whether the worker currently holds a position.
	PositionActive() bool

	// PnLPercent is the margin-relative PnL of the held position at the
	// last seen price, 0 when flat.
	PnLPercent() float64

	// IsWaitingForTrade reports whether an entry or averaging order is in
	// flight. The coordinator must not rotate slots while any worker is
	// in this state.
	IsWaitingForTrade() bool

	// UsingDegradedPrice reports whether the price source is stale.
	UsingDegradedPrice() bool

	// ClosePosition force-closes the held position, used by operator
	// actions through the coordinator. Closing a flat worker is a no-op.
	ClosePosition(ctx context.Context, reason string) error
}
