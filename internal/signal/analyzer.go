// Package signal produces directional trade signals from price action.
package signal

import (
	"sync"
	"time"
)

// Direction is the side a signal recommends.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionHold  Direction = "HOLD"
)

// Signal is one analyzer verdict for a symbol.
type Signal struct {
	Symbol    string
	Direction Direction
	Reason    string
	Timestamp time.Time
}

// Analyzer turns a stream of prices into directional signals. Implementations
// must be safe for concurrent use.
type Analyzer interface {
	// Analyze records a new price and returns the current verdict.
	Analyze(symbol string, price float64) Signal
}

// MomentumAnalyzer signals in the direction of short-term momentum. It
// compares the latest price against a lookback window and requires the move
// to exceed a threshold fraction before leaving HOLD.
type MomentumAnalyzer struct {
	mu        sync.Mutex
	window    int
	threshold float64
	history   map[string][]float64
}

// NewMomentumAnalyzer creates an analyzer with the given lookback window
// and move threshold (e.g. 0.001 for 0.1%).
func NewMomentumAnalyzer(window int, threshold float64) *MomentumAnalyzer {
	if window < 2 {
		window = 2
	}
	return &MomentumAnalyzer{
		window:    window,
		threshold: threshold,
		history:   make(map[string][]float64),
	}
}

func (a *MomentumAnalyzer) Analyze(symbol string, price float64) Signal {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := append(a.history[symbol], price)
	if len(h) > a.window {
		h = h[len(h)-a.window:]
	}
	a.history[symbol] = h

	sig := Signal{Symbol: symbol, Direction: DirectionHold, Timestamp: time.Now()}
	if len(h) < a.window {
		sig.Reason = "warming up"
		return sig
	}

	oldest := h[0]
	if oldest <= 0 {
		sig.Reason = "invalid reference price"
		return sig
	}

	move := (price - oldest) / oldest
	switch {
	case move >= a.threshold:
		sig.Direction = DirectionLong
		sig.Reason = "upward momentum"
	case move <= -a.threshold:
		sig.Direction = DirectionShort
		sig.Reason = "downward momentum"
	default:
		sig.Reason = "no clear momentum"
	}
	return sig
}

// ScriptedAnalyzer replays a fixed sequence of directions, used by tests to
// drive workers deterministically. After the script is exhausted it holds.
type ScriptedAnalyzer struct {
	mu     sync.Mutex
	script []Direction
	pos    int
}

// NewScriptedAnalyzer creates an analyzer that emits the given directions
// in order.
func NewScriptedAnalyzer(script ...Direction) *ScriptedAnalyzer {
	return &ScriptedAnalyzer{script: script}
}

func (a *ScriptedAnalyzer) Analyze(symbol string, price float64) Signal {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := DirectionHold
	if a.pos < len(a.script) {
		dir = a.script[a.pos]
		a.pos++
	}
	return Signal{Symbol: symbol, Direction: dir, Reason: "scripted", Timestamp: time.Now()}
}
