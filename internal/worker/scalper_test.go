package worker

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/database"
	"failover-trading-bot/internal/events"
	"failover-trading-bot/internal/exchange"
	"failover-trading-bot/internal/notification"
	"failover-trading-bot/internal/position"
	"failover-trading-bot/internal/signal"
)

type testRig struct {
	worker *ScalperWorker
	exch   *exchange.PaperClient
	ledger *database.MemoryTradeStore
	price  float64
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		OrderAmountUSD:              50,
		Leverage:                    2,
		HardStopLossUSD:             -15,
		TrailingLevelPercents:       config.DefaultTrailingLevelPercents(),
		PullbackFraction:            0.20,
		AveragingEnabled:            true,
		AveragingTriggerLossPercent: 15,
		AveragingMultiplier:         1,
		MaxAveragingCount:           1,
		RequiredConfirmations:       2,
		CooldownSeconds:             60,
	}
}

func newTestRig(t *testing.T, analyzer signal.Analyzer) *testRig {
	t.Helper()
	rig := &testRig{price: 100}
	rig.exch = exchange.NewPaperClient(func(string) (float64, error) { return rig.price, nil })
	rig.ledger = database.NewMemoryTradeStore()

	rig.worker = NewScalperWorker("u1", "BTCUSDT", 1, testStrategyConfig(), Deps{
		Exchange:  rig.exch,
		Analyzer:  analyzer,
		Ledger:    rig.ledger,
		Snapshots: database.NewSnapshotStore(nil, zerolog.Nop()),
		Bus:       events.NewBus(),
		Notifier:  notification.NewManager(),
		Logger:    zerolog.Nop(),
	})
	return rig
}

// tick feeds one price through the worker as if it arrived from the feed.
func (r *testRig) tick(price float64) {
	r.price = price
	r.worker.onPrice(context.Background(), price)
}

func TestEntryNeedsConfirmations(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(
		signal.DirectionLong, signal.DirectionShort, signal.DirectionLong, signal.DirectionLong,
	))
	rig.worker.SetTradingEnabled(true)

	rig.tick(100) // LONG x1
	rig.tick(100) // SHORT resets
	rig.tick(100) // LONG x1
	if rig.worker.PositionActive() {
		t.Fatal("flip-flopping signals must not open a position")
	}

	rig.tick(100) // LONG x2, opens
	if !rig.worker.PositionActive() {
		t.Fatal("expected position after two confirmations")
	}

	trade, err := rig.ledger.GetActiveTrade(context.Background(), "u1", "BTCUSDT", 1)
	if err != nil || trade == nil {
		t.Fatalf("expected ledger row, got %v %v", trade, err)
	}
	if trade.Side != "LONG" || trade.EntryPrice != 100 || trade.Quantity != 1 {
		t.Errorf("unexpected trade: %+v", trade)
	}
	if trade.ChainID == "" {
		t.Error("expected chain ID assigned")
	}
}

func TestDisabledWorkerDoesNotTrade(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(
		signal.DirectionLong, signal.DirectionLong, signal.DirectionLong,
	))

	rig.tick(100)
	rig.tick(100)
	rig.tick(100)
	if rig.worker.PositionActive() {
		t.Fatal("disabled worker must not open positions")
	}
}

func TestTrailingCloseWritesLedger(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(signal.DirectionLong, signal.DirectionLong))
	rig.worker.SetTradingEnabled(true)

	rig.tick(100)
	rig.tick(100) // opens 1 BTCUSDT long at 100, notional 100

	rig.tick(100.3) // pnl 0.3, arms level 1 (threshold 0.25)
	rig.tick(100.2) // pullback 33% from peak, closes

	if rig.worker.PositionActive() {
		t.Fatal("expected position closed on pullback")
	}

	stats, _ := rig.ledger.GetUserStats(context.Background(), "u1")
	if stats.TotalTrades != 1 || stats.Wins != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if rig.worker.PnLPercent() != 0 {
		t.Errorf("flat worker must report 0%%, got %v", rig.worker.PnLPercent())
	}
}

func TestHardStopClose(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(signal.DirectionLong, signal.DirectionLong))
	rig.worker.SetTradingEnabled(true)

	rig.tick(100)
	rig.tick(100) // opens 1 long at 100

	rig.tick(84) // pnl -16, through the -15 stop
	if rig.worker.PositionActive() {
		t.Fatal("expected hard stop close")
	}

	stats, _ := rig.ledger.GetUserStats(context.Background(), "u1")
	if stats.Losses != 1 {
		t.Errorf("expected one losing trade, got %+v", stats)
	}
}

func TestAveragingUpdatesLedger(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(signal.DirectionLong, signal.DirectionLong))
	rig.worker.SetTradingEnabled(true)

	rig.tick(100)
	rig.tick(100) // opens 1 long at 100, margin 50

	rig.tick(92.5) // pnl -7.5 = -15% of margin, averages

	trade, _ := rig.ledger.GetActiveTrade(context.Background(), "u1", "BTCUSDT", 1)
	if trade == nil {
		t.Fatal("expected active trade")
	}
	if trade.AveragingCount != 1 {
		t.Fatalf("expected averaging recorded, got %+v", trade)
	}
	// The add is the order notional at the fill price: 100/92.5.
	wantQty := 1 + 100/92.5
	if math.Abs(trade.Quantity-wantQty) > 1e-9 {
		t.Errorf("expected qty %v, got %v", wantQty, trade.Quantity)
	}
	if trade.EntryPrice <= 92.5 || trade.EntryPrice >= 100 {
		t.Errorf("expected averaged entry between the fills, got %v", trade.EntryPrice)
	}
}

// flagSamplingExchange wraps the paper client and records the worker's
// in-flight flag at the moment each order is placed.
type flagSamplingExchange struct {
	*exchange.PaperClient
	sample func()
}

func (f *flagSamplingExchange) PlaceMarketOrder(p exchange.OrderParams) (*exchange.OrderResult, error) {
	f.sample()
	return f.PaperClient.PlaceMarketOrder(p)
}

func TestAveragingOrderMarksTradeInFlight(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(signal.DirectionLong, signal.DirectionLong))

	var seen []bool
	wrapped := &flagSamplingExchange{PaperClient: rig.exch}
	wrapped.sample = func() { seen = append(seen, rig.worker.IsWaitingForTrade()) }
	rig.worker.exch = wrapped
	rig.worker.SetTradingEnabled(true)

	rig.tick(100)
	rig.tick(100)  // entry order
	rig.tick(92.5) // averaging order

	if len(seen) != 2 {
		t.Fatalf("expected two orders, got %d", len(seen))
	}
	if !seen[0] || !seen[1] {
		t.Errorf("orders must be flagged in flight, got entry=%v averaging=%v", seen[0], seen[1])
	}
	if rig.worker.IsWaitingForTrade() {
		t.Error("flag must clear once the fill is folded in")
	}
}

func TestCooldownBlocksReentry(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(
		signal.DirectionLong, signal.DirectionLong,
		signal.DirectionLong, signal.DirectionLong, signal.DirectionLong,
	))
	rig.worker.SetTradingEnabled(true)

	rig.tick(100)
	rig.tick(100) // opens
	rig.tick(84)  // hard stop close, cooldown starts

	rig.tick(100)
	rig.tick(100)
	if rig.worker.PositionActive() {
		t.Fatal("cooldown must block immediate re-entry")
	}
}

func TestClosePositionIsIdempotent(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(signal.DirectionLong, signal.DirectionLong))
	rig.worker.SetTradingEnabled(true)
	ctx := context.Background()

	rig.tick(100)
	rig.tick(100)

	if err := rig.worker.ClosePosition(ctx, database.CloseReasonManual); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if err := rig.worker.ClosePosition(ctx, database.CloseReasonManual); err != nil {
		t.Fatalf("second ClosePosition must be a no-op, got %v", err)
	}

	stats, _ := rig.ledger.GetUserStats(ctx, "u1")
	if stats.TotalTrades != 1 {
		t.Errorf("expected exactly one closed trade, got %+v", stats)
	}
}

func TestAdoptPositionResumesMonitoring(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer())

	trade := &database.Trade{
		ID: 7, UserID: "u1", Symbol: "BTCUSDT", Priority: 1,
		ChainID: "c", Side: "LONG", EntryPrice: 100, Quantity: 1,
		Status: database.TradeStatusActive,
	}
	rig.exch.SeedPosition("BTCUSDT", 1, 100)
	rig.worker.AdoptPosition(trade, position.State{
		Side: position.SideLong, EntryPrice: 100, Quantity: 1,
		PeakPnL: 0.5, MaxTrailingLevel: 2,
	})

	if !rig.worker.PositionActive() {
		t.Fatal("expected adopted position active")
	}

	// The restored peak still governs the trailing stop.
	rig.tick(100.3) // pnl 0.3, pullback 40% from restored peak 0.5
	if rig.worker.PositionActive() {
		t.Fatal("expected trailing close off restored peak")
	}
}

func TestAdoptedPositionDegradedUntilFirstTick(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer())

	trade := &database.Trade{
		ID: 9, UserID: "u1", Symbol: "BTCUSDT", Priority: 1,
		ChainID: "c", Side: "LONG", EntryPrice: 100, Quantity: 1,
		Status: database.TradeStatusActive,
	}
	rig.worker.AdoptPosition(trade, position.State{
		Side: position.SideLong, EntryPrice: 100, Quantity: 1,
	})

	if !rig.worker.UsingDegradedPrice() {
		t.Fatal("adopted position must report degraded price before any tick")
	}

	rig.tick(100)
	if rig.worker.UsingDegradedPrice() {
		t.Error("first tick must clear the degraded flag")
	}
	if !rig.worker.PositionActive() {
		t.Error("adopted position must stay active through the tick")
	}
}

func TestOrderFillsPublished(t *testing.T) {
	rig := newTestRig(t, signal.NewScriptedAnalyzer(signal.DirectionLong, signal.DirectionLong))
	rig.worker.SetTradingEnabled(true)

	var fills []events.OrderFilled
	rig.worker.bus.Subscribe(events.EventOrderFilled, func(e events.Event) {
		if e.Fill != nil {
			fills = append(fills, *e.Fill)
		}
	})

	rig.tick(100)
	rig.tick(100)  // entry fill
	rig.tick(92.5) // averaging fill
	if err := rig.worker.ClosePosition(context.Background(), database.CloseReasonManual); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	if len(fills) != 3 {
		t.Fatalf("expected 3 fills on the bus, got %d", len(fills))
	}
	if fills[0].Side != "BUY" || fills[2].Side != "SELL" {
		t.Errorf("unexpected fill sides: %+v", fills)
	}
	for _, f := range fills {
		if f.Symbol != "BTCUSDT" || f.BotPriority != 1 {
			t.Errorf("unexpected fill: %+v", f)
		}
	}
}
