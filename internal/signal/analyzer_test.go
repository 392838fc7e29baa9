package signal

import "testing"

func TestMomentumWarmup(t *testing.T) {
	a := NewMomentumAnalyzer(3, 0.001)

	if sig := a.Analyze("BTCUSDT", 100); sig.Direction != DirectionHold {
		t.Errorf("expected HOLD during warmup, got %s", sig.Direction)
	}
	if sig := a.Analyze("BTCUSDT", 101); sig.Direction != DirectionHold {
		t.Errorf("expected HOLD during warmup, got %s", sig.Direction)
	}
}

func TestMomentumDirections(t *testing.T) {
	a := NewMomentumAnalyzer(3, 0.001)

	a.Analyze("BTCUSDT", 100)
	a.Analyze("BTCUSDT", 100.5)
	if sig := a.Analyze("BTCUSDT", 101); sig.Direction != DirectionLong {
		t.Errorf("expected LONG on rising prices, got %s", sig.Direction)
	}

	a.Analyze("ETHUSDT", 100)
	a.Analyze("ETHUSDT", 99.5)
	if sig := a.Analyze("ETHUSDT", 99); sig.Direction != DirectionShort {
		t.Errorf("expected SHORT on falling prices, got %s", sig.Direction)
	}

	a.Analyze("XRPUSDT", 100)
	a.Analyze("XRPUSDT", 100)
	if sig := a.Analyze("XRPUSDT", 100.01); sig.Direction != DirectionHold {
		t.Errorf("expected HOLD below threshold, got %s", sig.Direction)
	}
}

func TestScriptedAnalyzer(t *testing.T) {
	a := NewScriptedAnalyzer(DirectionLong, DirectionShort)

	if sig := a.Analyze("BTCUSDT", 1); sig.Direction != DirectionLong {
		t.Errorf("expected LONG, got %s", sig.Direction)
	}
	if sig := a.Analyze("BTCUSDT", 1); sig.Direction != DirectionShort {
		t.Errorf("expected SHORT, got %s", sig.Direction)
	}
	if sig := a.Analyze("BTCUSDT", 1); sig.Direction != DirectionHold {
		t.Errorf("expected HOLD after script end, got %s", sig.Direction)
	}
}
