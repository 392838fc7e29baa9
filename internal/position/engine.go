// Package position implements per-position health monitoring: directional
// PnL, averaging down, six-level trailing profit protection and the hard
// dollar stop. The engine is a pure state machine; the owning worker feeds
// it prices and executes the decisions it returns.
package position

import (
	"fmt"
	"sync"
	"time"
)

// Side of the monitored position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Action is what the worker must do after an evaluation.
type Action int

const (
	ActionNone Action = iota
	ActionAverage
	ActionClose
)

// Close reasons surfaced in decisions. The strings land verbatim in the
// ledger and in notifications.
const (
	ReasonHardStop     = "hard_stop_loss"
	ReasonTrailingStop = "trailing_profit"
)

// Decision is the outcome of one price evaluation.
type Decision struct {
	Action     Action
	Reason     string
	PnL        float64
	PnLPercent float64
	Level      int
	PeakPnL    float64
}

// Config is the subset of strategy settings the engine needs.
type Config struct {
	OrderAmountUSD              float64
	Leverage                    int
	HardStopLossUSD             float64   // negative, e.g. -15
	TrailingLevelPercents       []float64 // six fractions of entry notional
	PullbackFraction            float64   // e.g. 0.20
	AveragingEnabled            bool
	AveragingTriggerLossPercent float64 // positive, e.g. 15
	AveragingMultiplier         float64
	MaxAveragingCount           int
}

// State is the persistable engine state. Peak PnL and the highest trailing
// level reached are monotonic and cannot be rebuilt from the exchange.
type State struct {
	Side             Side
	EntryPrice       float64
	Quantity         float64
	AveragingCount   int
	PeakPnL          float64
	MaxTrailingLevel int
	OpenedAt         time.Time
}

// Engine monitors the health of one open position.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	side           Side
	entryPrice     float64 // effective entry after averaging
	quantity       float64 // effective size after averaging
	averagingCount int

	peakPnL          float64
	maxTrailingLevel int
	closed           bool
	degradedPrice    bool
	openedAt         time.Time
}

// NewEngine creates an engine for a freshly opened position.
func NewEngine(cfg Config, side Side, entryPrice, quantity float64) *Engine {
	return &Engine{
		cfg:        cfg,
		side:       side,
		entryPrice: entryPrice,
		quantity:   quantity,
		openedAt:   time.Now(),
	}
}

// Restore rebuilds an engine from persisted state, keeping the monotonic
// fields the snapshot carried.
func Restore(cfg Config, st State) *Engine {
	return &Engine{
		cfg:              cfg,
		side:             st.Side,
		entryPrice:       st.EntryPrice,
		quantity:         st.Quantity,
		averagingCount:   st.AveragingCount,
		peakPnL:          st.PeakPnL,
		maxTrailingLevel: st.MaxTrailingLevel,
		openedAt:         st.OpenedAt,
	}
}

// pnlAt computes the directional dollar PnL at a price.
func (e *Engine) pnlAt(price float64) float64 {
	if e.side == SideLong {
		return (price - e.entryPrice) * e.quantity
	}
	return (e.entryPrice - price) * e.quantity
}

// pnlPercentAt computes return on the margin backing the position.
func (e *Engine) pnlPercentAt(price float64) float64 {
	margin := e.entryPrice * e.quantity
	if e.cfg.Leverage > 0 {
		margin /= float64(e.cfg.Leverage)
	}
	if margin == 0 {
		return 0
	}
	return e.pnlAt(price) / margin * 100
}

// Evaluate records a new price and returns what the worker must do.
// Decisions come out at most once: an emitted close marks the engine
// closed, so a slow close order cannot be doubled.
func (e *Engine) Evaluate(price float64) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Decision{Action: ActionNone, Reason: "position closed"}
	}

	pnl := e.pnlAt(price)
	pnlPercent := e.pnlPercentAt(price)

	if e.degradedPrice {
		// Stale or fallback price: keep observing but never act on it.
		return Decision{Action: ActionNone, Reason: "degraded price", PnL: pnl, PnLPercent: pnlPercent, Level: e.maxTrailingLevel, PeakPnL: e.peakPnL}
	}

	// Hard stop fires before anything else.
	if pnl <= e.cfg.HardStopLossUSD {
		e.closed = true
		return Decision{Action: ActionClose, Reason: ReasonHardStop, PnL: pnl, PnLPercent: pnlPercent, Level: e.maxTrailingLevel, PeakPnL: e.peakPnL}
	}

	if pnl > e.peakPnL {
		e.peakPnL = pnl
	}

	// Trailing levels are dollar thresholds derived from entry notional.
	notional := e.entryPrice * e.quantity
	for lvl := e.maxTrailingLevel; lvl < len(e.cfg.TrailingLevelPercents); lvl++ {
		if e.peakPnL >= notional*e.cfg.TrailingLevelPercents[lvl] {
			e.maxTrailingLevel = lvl + 1
		} else {
			break
		}
	}

	// Once any level is armed, a pullback beyond the fraction from peak
	// locks the profit in.
	if e.maxTrailingLevel >= 1 && e.peakPnL > 0 {
		if (e.peakPnL-pnl)/e.peakPnL > e.cfg.PullbackFraction {
			e.closed = true
			return Decision{Action: ActionClose, Reason: ReasonTrailingStop, PnL: pnl, PnLPercent: pnlPercent, Level: e.maxTrailingLevel, PeakPnL: e.peakPnL}
		}
	}

	if e.cfg.AveragingEnabled &&
		e.averagingCount < e.cfg.MaxAveragingCount &&
		pnlPercent <= -e.cfg.AveragingTriggerLossPercent {
		return Decision{Action: ActionAverage, Reason: "averaging trigger", PnL: pnl, PnLPercent: pnlPercent, Level: e.maxTrailingLevel, PeakPnL: e.peakPnL}
	}

	return Decision{Action: ActionNone, PnL: pnl, PnLPercent: pnlPercent, Level: e.maxTrailingLevel, PeakPnL: e.peakPnL}
}

// AveragingQuantity returns the size of the next averaging order at the
// given fill price. The add is sized from the configured order notional,
// not the current position size.
func (e *Engine) AveragingQuantity(price float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if price <= 0 {
		return 0
	}
	notional := e.cfg.OrderAmountUSD * float64(e.cfg.Leverage)
	return notional * e.cfg.AveragingMultiplier / price
}

// ApplyAveraging folds an averaging fill into the effective entry price and
// size with a weighted average, and returns the new values.
func (e *Engine) ApplyAveraging(fillPrice, addQty float64) (newEntry, newQty float64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, 0, fmt.Errorf("position already closed")
	}
	if e.averagingCount >= e.cfg.MaxAveragingCount {
		return 0, 0, fmt.Errorf("averaging cap reached (%d)", e.cfg.MaxAveragingCount)
	}
	if addQty <= 0 || fillPrice <= 0 {
		return 0, 0, fmt.Errorf("invalid averaging fill: qty=%v price=%v", addQty, fillPrice)
	}

	total := e.quantity + addQty
	e.entryPrice = (e.entryPrice*e.quantity + fillPrice*addQty) / total
	e.quantity = total
	e.averagingCount++

	return e.entryPrice, e.quantity, nil
}

// SetDegradedPrice flags the price source as unreliable. While set, the
// engine observes but never emits averaging or close actions.
func (e *Engine) SetDegradedPrice(degraded bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degradedPrice = degraded
}

// DegradedPrice reports whether the degraded flag is set.
func (e *Engine) DegradedPrice() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degradedPrice
}

// MarkClosed sets the close-once guard directly, for closes decided outside
// the engine (signal flips, rotation, recovery). It reports whether this
// call won the guard.
func (e *Engine) MarkClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	return true
}

// ReopenCloseGuard clears the guard after a close order failed to execute,
// so the next evaluation can retry the exit.
func (e *Engine) ReopenCloseGuard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = false
}

// Closed reports whether a close has been decided.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// PnL returns the dollar PnL at a price.
func (e *Engine) PnL(price float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pnlAt(price)
}

// PnLPercent returns the margin-relative PnL at a price.
func (e *Engine) PnLPercent(price float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pnlPercentAt(price)
}

// Snapshot returns the persistable state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Side:             e.side,
		EntryPrice:       e.entryPrice,
		Quantity:         e.quantity,
		AveragingCount:   e.averagingCount,
		PeakPnL:          e.peakPnL,
		MaxTrailingLevel: e.maxTrailingLevel,
		OpenedAt:         e.openedAt,
	}
}

// Side returns the position direction.
func (e *Engine) Side() Side {
	return e.side
}

// EntryPrice returns the effective entry after averaging.
func (e *Engine) EntryPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entryPrice
}

// Quantity returns the effective size after averaging.
func (e *Engine) Quantity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quantity
}

// AveragingCount returns how many averaging orders have been folded in.
func (e *Engine) AveragingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.averagingCount
}
