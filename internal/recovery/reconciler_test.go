package recovery

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/database"
	"failover-trading-bot/internal/exchange"
	"failover-trading-bot/internal/notification"
	"failover-trading-bot/internal/position"
)

type adoptingWorker struct {
	priority int
	adopted  []position.State
	trades   []*database.Trade
}

func (a *adoptingWorker) Priority() int { return a.priority }

func (a *adoptingWorker) AdoptPosition(trade *database.Trade, st position.State) {
	a.trades = append(a.trades, trade)
	a.adopted = append(a.adopted, st)
}

func recoveryConfig() config.StrategyConfig {
	return config.StrategyConfig{
		OrderAmountUSD:    50,
		Leverage:          2,
		MaxAveragingCount: 1,
	}
}

func newReconciler(paper bool, ledger database.TradeStore, snaps *database.SnapshotStore) *Reconciler {
	return New("u1", "BTCUSDT", recoveryConfig(), paper, ledger, snaps,
		notification.NewManager(), zerolog.Nop())
}

func TestResumesTrackedPosition(t *testing.T) {
	ctx := context.Background()
	ledger := database.NewMemoryTradeStore()
	snaps := database.NewSnapshotStore(nil, zerolog.Nop())

	trade := &database.Trade{
		UserID: "u1", Symbol: "BTCUSDT", Priority: 1, ChainID: "c1",
		Side: "LONG", EntryPrice: 100, Quantity: 1,
	}
	if err := ledger.SaveTrade(ctx, trade); err != nil {
		t.Fatal(err)
	}
	snaps.Save(ctx, "u1", &database.PositionSnapshot{
		Symbol: "BTCUSDT", Priority: 1, Side: "LONG",
		EntryPrice: 100, Quantity: 1, PeakPnL: 2.5, MaxTrailingLevel: 3,
	})

	exch := exchange.NewPaperClient(func(string) (float64, error) { return 100, nil })
	exch.SeedPosition("BTCUSDT", 1, 100)

	w := &adoptingWorker{priority: 1}
	if err := newReconciler(false, ledger, snaps).ReconcileSlot(ctx, 1, exch, w); err != nil {
		t.Fatalf("ReconcileSlot failed: %v", err)
	}

	if len(w.adopted) != 1 {
		t.Fatalf("expected one adoption, got %d", len(w.adopted))
	}
	st := w.adopted[0]
	if st.PeakPnL != 2.5 || st.MaxTrailingLevel != 3 {
		t.Errorf("snapshot state not restored: %+v", st)
	}
	if st.EntryPrice != 100 || st.Quantity != 1 {
		t.Errorf("venue state not used: %+v", st)
	}
}

func TestTrueUpLedgerWhenVenueDiffers(t *testing.T) {
	ctx := context.Background()
	ledger := database.NewMemoryTradeStore()
	snaps := database.NewSnapshotStore(nil, zerolog.Nop())

	trade := &database.Trade{
		UserID: "u1", Symbol: "BTCUSDT", Priority: 1, ChainID: "c1",
		Side: "LONG", EntryPrice: 100, Quantity: 1,
	}
	ledger.SaveTrade(ctx, trade)

	// Crash landed between the averaging fill and the ledger update.
	exch := exchange.NewPaperClient(func(string) (float64, error) { return 95, nil })
	exch.SeedPosition("BTCUSDT", 2, 96.25)

	w := &adoptingWorker{priority: 1}
	if err := newReconciler(false, ledger, snaps).ReconcileSlot(ctx, 1, exch, w); err != nil {
		t.Fatal(err)
	}

	row, _ := ledger.GetActiveTrade(ctx, "u1", "BTCUSDT", 1)
	if row.EntryPrice != 96.25 || row.Quantity != 2 {
		t.Errorf("ledger not trued up: %+v", row)
	}
	if w.adopted[0].Quantity != 2 {
		t.Errorf("adoption must use venue size, got %v", w.adopted[0].Quantity)
	}
}

func TestStaleRowLiveResetsToFlat(t *testing.T) {
	ctx := context.Background()
	ledger := database.NewMemoryTradeStore()
	snaps := database.NewSnapshotStore(nil, zerolog.Nop())

	trade := &database.Trade{
		UserID: "u1", Symbol: "BTCUSDT", Priority: 2, ChainID: "c2",
		Side: "SHORT", EntryPrice: 100, Quantity: 1,
	}
	ledger.SaveTrade(ctx, trade)

	exch := exchange.NewPaperClient(func(string) (float64, error) { return 100, nil })

	w := &adoptingWorker{priority: 2}
	if err := newReconciler(false, ledger, snaps).ReconcileSlot(ctx, 2, exch, w); err != nil {
		t.Fatal(err)
	}

	if len(w.adopted) != 0 {
		t.Error("stale row on a live venue must not be adopted")
	}
	if row, _ := ledger.GetActiveTrade(ctx, "u1", "BTCUSDT", 2); row != nil {
		t.Errorf("expected row settled, got %+v", row)
	}
}

func TestStaleRowPaperTrustsLedger(t *testing.T) {
	ctx := context.Background()
	ledger := database.NewMemoryTradeStore()
	snaps := database.NewSnapshotStore(nil, zerolog.Nop())

	trade := &database.Trade{
		UserID: "u1", Symbol: "BTCUSDT", Priority: 1, ChainID: "c1",
		Side: "LONG", EntryPrice: 100, Quantity: 1, AveragingCount: 1,
	}
	ledger.SaveTrade(ctx, trade)

	// Paper venue forgets its positions on restart.
	exch := exchange.NewPaperClient(func(string) (float64, error) { return 100, nil })

	w := &adoptingWorker{priority: 1}
	if err := newReconciler(true, ledger, snaps).ReconcileSlot(ctx, 1, exch, w); err != nil {
		t.Fatal(err)
	}

	if len(w.adopted) != 1 {
		t.Fatal("paper venue must trust the ledger row")
	}
	if w.adopted[0].AveragingCount != 1 {
		t.Errorf("averaging count lost: %+v", w.adopted[0])
	}
	if row, _ := ledger.GetActiveTrade(ctx, "u1", "BTCUSDT", 1); row == nil {
		t.Error("ledger row must stay active")
	}
}

func TestPhantomAdoption(t *testing.T) {
	ctx := context.Background()
	ledger := database.NewMemoryTradeStore()
	snaps := database.NewSnapshotStore(nil, zerolog.Nop())

	// Base size at entry 100 is 50*2/100 = 1. Venue holds 2, well past
	// the 1.1x cutoff, so one averaging is assumed.
	exch := exchange.NewPaperClient(func(string) (float64, error) { return 100, nil })
	exch.SeedPosition("BTCUSDT", -2, 100)

	w := &adoptingWorker{priority: 3}
	if err := newReconciler(false, ledger, snaps).ReconcileSlot(ctx, 3, exch, w); err != nil {
		t.Fatal(err)
	}

	if len(w.adopted) != 1 {
		t.Fatal("expected phantom position adopted")
	}
	st := w.adopted[0]
	if st.Side != position.SideShort || st.Quantity != 2 {
		t.Errorf("unexpected adoption: %+v", st)
	}
	if st.AveragingCount != 1 {
		t.Errorf("expected averaging estimated, got %d", st.AveragingCount)
	}

	row, _ := ledger.GetActiveTrade(ctx, "u1", "BTCUSDT", 3)
	if row == nil || row.Side != "SHORT" || row.ChainID == "" {
		t.Errorf("expected ledger row created, got %+v", row)
	}
}

func TestPhantomNearBaseSizeHasNoAveraging(t *testing.T) {
	ctx := context.Background()
	ledger := database.NewMemoryTradeStore()
	snaps := database.NewSnapshotStore(nil, zerolog.Nop())

	exch := exchange.NewPaperClient(func(string) (float64, error) { return 100, nil })
	exch.SeedPosition("BTCUSDT", 1.05, 100) // within 1.1x of base

	w := &adoptingWorker{priority: 1}
	if err := newReconciler(false, ledger, snaps).ReconcileSlot(ctx, 1, exch, w); err != nil {
		t.Fatal(err)
	}
	if w.adopted[0].AveragingCount != 0 {
		t.Errorf("expected no averaging estimate, got %d", w.adopted[0].AveragingCount)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := database.NewMemoryTradeStore()
	snaps := database.NewSnapshotStore(nil, zerolog.Nop())

	exch := exchange.NewPaperClient(func(string) (float64, error) { return 100, nil })
	exch.SeedPosition("BTCUSDT", 2, 100)

	r := newReconciler(false, ledger, snaps)

	w1 := &adoptingWorker{priority: 1}
	if err := r.ReconcileSlot(ctx, 1, exch, w1); err != nil {
		t.Fatal(err)
	}
	row1, _ := ledger.GetActiveTrade(ctx, "u1", "BTCUSDT", 1)

	// Second run finds the row the first run created and resumes it
	// instead of adopting again.
	w2 := &adoptingWorker{priority: 1}
	if err := r.ReconcileSlot(ctx, 1, exch, w2); err != nil {
		t.Fatal(err)
	}
	row2, _ := ledger.GetActiveTrade(ctx, "u1", "BTCUSDT", 1)

	if row1 == nil || row2 == nil || row1.ID != row2.ID {
		t.Fatalf("second run must reuse the same row: %+v vs %+v", row1, row2)
	}
	if len(w2.adopted) != 1 || w2.adopted[0].Quantity != 2 {
		t.Errorf("second run adoption differs: %+v", w2.adopted)
	}
}
