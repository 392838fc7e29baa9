package position

import (
	"testing"
)

func testConfig() Config {
	return Config{
		OrderAmountUSD:              25,
		Leverage:                    2,
		HardStopLossUSD:             -15,
		TrailingLevelPercents:       []float64{0.0025, 0.0045, 0.0085, 0.0130, 0.0185, 0.0250},
		PullbackFraction:            0.20,
		AveragingEnabled:            true,
		AveragingTriggerLossPercent: 15,
		AveragingMultiplier:         1,
		MaxAveragingCount:           1,
	}
}

func TestDirectionalPnL(t *testing.T) {
	long := NewEngine(testConfig(), SideLong, 100, 2)
	if pnl := long.PnL(105); pnl != 10 {
		t.Errorf("long pnl at 105: expected 10, got %v", pnl)
	}
	if pnl := long.PnL(95); pnl != -10 {
		t.Errorf("long pnl at 95: expected -10, got %v", pnl)
	}

	short := NewEngine(testConfig(), SideShort, 100, 2)
	if pnl := short.PnL(95); pnl != 10 {
		t.Errorf("short pnl at 95: expected 10, got %v", pnl)
	}
	if pnl := short.PnL(105); pnl != -10 {
		t.Errorf("short pnl at 105: expected -10, got %v", pnl)
	}

	// Margin-relative percent: notional 200 at 2x leverage backs 100 USD.
	if pct := long.PnLPercent(105); pct != 10 {
		t.Errorf("expected 10%%, got %v", pct)
	}
}

func TestHardStop(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 2)

	d := e.Evaluate(92.6) // pnl -14.8, just above the stop
	if d.Action != ActionNone {
		t.Fatalf("expected no action at -14.8, got %v (%s)", d.Action, d.Reason)
	}

	d = e.Evaluate(92.5) // pnl -15 exactly
	if d.Action != ActionClose || d.Reason != "hard_stop_loss" {
		t.Fatalf("expected hard stop at -15, got %v (%s)", d.Action, d.Reason)
	}

	// Close-once: further evaluations stay quiet.
	if d := e.Evaluate(90); d.Action != ActionNone {
		t.Errorf("expected no action after close, got %v", d.Action)
	}
}

func TestPeakAndLevelsAreMonotonic(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 2)
	// Notional 200: level thresholds 0.5, 0.9, 1.7, 2.6, 3.7, 5.0 USD.

	d := e.Evaluate(100.3) // pnl 0.6, clears level 1
	if d.Level != 1 || d.PeakPnL != 0.6 {
		t.Fatalf("expected level 1 peak 0.6, got level %d peak %v", d.Level, d.PeakPnL)
	}

	d = e.Evaluate(101) // pnl 2.0, clears levels 2 and 3
	if d.Level != 3 || d.PeakPnL != 2.0 {
		t.Fatalf("expected level 3 peak 2.0, got level %d peak %v", d.Level, d.PeakPnL)
	}

	// A dip must not lower peak or level.
	d = e.Evaluate(100.9) // pnl 1.8, pullback 10%
	if d.Action != ActionNone {
		t.Fatalf("10%% pullback must not close, got %v", d.Action)
	}
	if d.Level != 3 || d.PeakPnL != 2.0 {
		t.Errorf("monotonic fields regressed: level %d peak %v", d.Level, d.PeakPnL)
	}
}

func TestTrailingCloseOnPullback(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 2)

	e.Evaluate(101) // peak 2.0, level 3

	d := e.Evaluate(100.7) // pnl 1.4, pullback 30% from peak
	if d.Action != ActionClose || d.Reason != "trailing_profit" {
		t.Fatalf("expected trailing close, got %v (%s)", d.Action, d.Reason)
	}
}

func TestNoTrailingCloseBeforeFirstLevel(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 2)

	e.Evaluate(100.2)       // pnl 0.4, below level 1 threshold 0.5
	d := e.Evaluate(100.05) // pullback 75% from peak, but nothing armed
	if d.Action != ActionNone {
		t.Errorf("pullback before level 1 must not close, got %v (%s)", d.Action, d.Reason)
	}
}

func TestAveragingTriggerAndRecompute(t *testing.T) {
	// Notional 50 at 2x backs 25 USD margin, so -15% is only -3.75 USD
	// and fires well before the -15 hard stop.
	e := NewEngine(testConfig(), SideLong, 100, 0.5)

	d := e.Evaluate(93) // pnl -3.5 = -14%
	if d.Action != ActionNone {
		t.Fatalf("expected no action at -14%%, got %v (%s)", d.Action, d.Reason)
	}

	d = e.Evaluate(92.5) // pnl -3.75 = -15%
	if d.Action != ActionAverage {
		t.Fatalf("expected averaging at -15%%, got %v (%s)", d.Action, d.Reason)
	}

	// Notional 50 again, at the current price 92.5.
	if qty := e.AveragingQuantity(92.5); qty != 50/92.5 {
		t.Fatalf("expected averaging qty %v, got %v", 50/92.5, qty)
	}

	newEntry, newQty, err := e.ApplyAveraging(92.5, 0.5)
	if err != nil {
		t.Fatalf("ApplyAveraging failed: %v", err)
	}
	if newEntry != 96.25 || newQty != 1 {
		t.Errorf("expected entry 96.25 qty 1, got entry %v qty %v", newEntry, newQty)
	}
	if e.AveragingCount() != 1 {
		t.Errorf("expected count 1, got %d", e.AveragingCount())
	}

	// Cap reached: deeper losses no longer average.
	if d := e.Evaluate(80); d.Action == ActionAverage {
		t.Error("averaging must stop at the cap")
	}
	if _, _, err := e.ApplyAveraging(80, 0.5); err == nil {
		t.Error("expected error past averaging cap")
	}
}

func TestAveragingSizedFromOrderAmount(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 0.5)

	// The add tracks the configured order notional, not how large the
	// position has grown.
	if qty := e.AveragingQuantity(100); qty != 0.5 {
		t.Errorf("expected 0.5 at entry price, got %v", qty)
	}
	if qty := e.AveragingQuantity(50); qty != 1 {
		t.Errorf("expected 1 at half price, got %v", qty)
	}
	if qty := e.AveragingQuantity(0); qty != 0 {
		t.Errorf("expected 0 for invalid price, got %v", qty)
	}
}

func TestDegradedPriceSuppressesActions(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 2)
	e.SetDegradedPrice(true)

	if d := e.Evaluate(80); d.Action != ActionNone {
		t.Errorf("degraded price must suppress hard stop, got %v", d.Action)
	}

	e.SetDegradedPrice(false)
	if d := e.Evaluate(80); d.Action != ActionClose {
		t.Errorf("expected hard stop after flag cleared, got %v", d.Action)
	}
}

func TestMarkClosedGuard(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 2)

	if !e.MarkClosed() {
		t.Fatal("first MarkClosed must win")
	}
	if e.MarkClosed() {
		t.Error("second MarkClosed must lose")
	}
	if _, _, err := e.ApplyAveraging(90, 1); err == nil {
		t.Error("averaging after close must fail")
	}
}

func TestRestoreKeepsMonotonicState(t *testing.T) {
	e := NewEngine(testConfig(), SideLong, 100, 2)
	e.Evaluate(101) // peak 2.0, level 3

	st := e.Snapshot()
	restored := Restore(testConfig(), st)

	// The restored engine still trails off the old peak.
	d := restored.Evaluate(100.7)
	if d.Action != ActionClose || d.Reason != ReasonTrailingStop {
		t.Fatalf("expected trailing close from restored peak, got %v (%s)", d.Action, d.Reason)
	}
}
