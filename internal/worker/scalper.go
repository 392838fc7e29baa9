package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/database"
	"failover-trading-bot/internal/events"
	"failover-trading-bot/internal/exchange"
	"failover-trading-bot/internal/notification"
	"failover-trading-bot/internal/position"
	"failover-trading-bot/internal/signal"
)

const (
	// stalePriceAfter marks the feed degraded when no tick arrives.
	stalePriceAfter = 10 * time.Second

	// priceBuffer absorbs bursts from the feed; the loop processes ticks
	// in order and drops when hopelessly backlogged.
	priceBuffer = 64

	dbTimeout = 5 * time.Second
)

// ScalperWorker trades one (user, symbol, priority) slot on momentum
// signals with confirmation and cooldown, and delegates position health to
// the engine.
type ScalperWorker struct {
	userID   string
	symbol   string
	priority int
	cfg      config.StrategyConfig

	exch      exchange.Exchange
	analyzer  signal.Analyzer
	ledger    database.TradeStore
	snapshots *database.SnapshotStore
	bus       *events.Bus
	notifier  *notification.Manager
	logger    zerolog.Logger

	mu            sync.Mutex
	engine        *position.Engine
	trade         *database.Trade
	pendingDir    signal.Direction
	confirmations int
	cooldownUntil time.Time
	lastPrice     float64
	lastPriceAt   time.Time
	lastSavedPeak float64
	lastSavedLvl  int

	tradingEnabled  atomic.Bool
	waitingForTrade atomic.Bool
	degradedPrice   atomic.Bool
	running         atomic.Bool

	prices chan float64
	sub    events.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the collaborators a scalper worker needs.
type Deps struct {
	Exchange  exchange.Exchange
	Analyzer  signal.Analyzer
	Ledger    database.TradeStore
	Snapshots *database.SnapshotStore
	Bus       *events.Bus
	Notifier  *notification.Manager
	Logger    zerolog.Logger
}

// NewScalperWorker creates a worker for one slot. It starts disabled; the
// coordinator enables trading on the slot it activates.
func NewScalperWorker(userID, symbol string, priority int, cfg config.StrategyConfig, deps Deps) *ScalperWorker {
	return &ScalperWorker{
		userID:    userID,
		symbol:    symbol,
		priority:  priority,
		cfg:       cfg,
		exch:      deps.Exchange,
		analyzer:  deps.Analyzer,
		ledger:    deps.Ledger,
		snapshots: deps.Snapshots,
		bus:       deps.Bus,
		notifier:  deps.Notifier,
		logger: deps.Logger.With().
			Str("component", "ScalperWorker").
			Str("user_id", userID).
			Str("symbol", symbol).
			Int("priority", priority).
			Logger(),
		prices: make(chan float64, priceBuffer),
	}
}

func (w *ScalperWorker) UserID() string { return w.userID }

func (w *ScalperWorker) Symbol() string { return w.symbol }

func (w *ScalperWorker) Priority() int { return w.priority }

func (w *ScalperWorker) SetTradingEnabled(enabled bool) {
	w.tradingEnabled.Store(enabled)
	if !enabled {
		w.mu.Lock()
		w.pendingDir = signal.DirectionHold
		w.confirmations = 0
		w.mu.Unlock()
	}
}

func (w *ScalperWorker) TradingEnabled() bool { return w.tradingEnabled.Load() }

func (w *ScalperWorker) IsWaitingForTrade() bool { return w.waitingForTrade.Load() }

func (w *ScalperWorker) UsingDegradedPrice() bool { return w.degradedPrice.Load() }

func (w *ScalperWorker) PositionActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.engine != nil
}

func (w *ScalperWorker) PnLPercent() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.engine == nil || w.lastPrice <= 0 {
		return 0
	}
	return w.engine.PnLPercent(w.lastPrice)
}

// Start subscribes to the price feed and runs the processing loop.
func (w *ScalperWorker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.sub = w.bus.Subscribe(events.EventPriceUpdate, func(ev events.Event) {
		if ev.Price == nil || ev.Price.Symbol != w.symbol {
			return
		}
		select {
		case w.prices <- ev.Price.Price:
		default:
			// Backlogged: the loop is behind, newer ticks will follow.
		}
	})

	w.wg.Add(1)
	go w.run(runCtx)

	w.logger.Info().Msg("worker started")
	return nil
}

// Stop unsubscribes and waits for the loop to exit.
func (w *ScalperWorker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.bus.Unsubscribe(events.EventPriceUpdate, w.sub)
	w.cancel()
	w.wg.Wait()
	w.logger.Info().Msg("worker stopped")
}

func (w *ScalperWorker) run(ctx context.Context) {
	defer w.wg.Done()

	staleCheck := time.NewTicker(time.Second)
	defer staleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case price := <-w.prices:
			w.onPrice(ctx, price)
		case <-staleCheck.C:
			w.checkStaleness()
		}
	}
}

func (w *ScalperWorker) checkStaleness() {
	w.mu.Lock()
	stale := !w.lastPriceAt.IsZero() && time.Since(w.lastPriceAt) > stalePriceAfter
	engine := w.engine
	w.mu.Unlock()

	if stale && w.degradedPrice.CompareAndSwap(false, true) {
		w.logger.Warn().Msg("price feed stale, suppressing position actions")
		if engine != nil {
			engine.SetDegradedPrice(true)
		}
	}
}

func (w *ScalperWorker) onPrice(ctx context.Context, price float64) {
	if price <= 0 {
		return
	}

	w.mu.Lock()
	w.lastPrice = price
	w.lastPriceAt = time.Now()
	engine := w.engine
	w.mu.Unlock()

	if w.degradedPrice.CompareAndSwap(true, false) {
		w.logger.Info().Msg("price feed recovered")
		if engine != nil {
			engine.SetDegradedPrice(false)
		}
	}

	if engine != nil {
		w.monitorPosition(ctx, engine, price)
		return
	}
	w.tryEntry(ctx, price)
}

// ==================== POSITION MONITORING ====================

func (w *ScalperWorker) monitorPosition(ctx context.Context, engine *position.Engine, price float64) {
	decision := engine.Evaluate(price)

	switch decision.Action {
	case position.ActionAverage:
		w.averageDown(ctx, engine, price)
	case position.ActionClose:
		if err := w.executeClose(ctx, engine, decision.Reason); err != nil {
			w.logger.Error().Err(err).Str("reason", decision.Reason).Msg("close order failed, will retry")
			engine.ReopenCloseGuard()
		}
	default:
		w.persistProgress(ctx, engine, decision)
	}
}

// persistProgress saves a snapshot whenever the monotonic fields advanced.
func (w *ScalperWorker) persistProgress(ctx context.Context, engine *position.Engine, d position.Decision) {
	w.mu.Lock()
	advanced := d.PeakPnL > w.lastSavedPeak || d.Level > w.lastSavedLvl
	if advanced {
		w.lastSavedPeak = d.PeakPnL
		w.lastSavedLvl = d.Level
	}
	w.mu.Unlock()

	if advanced {
		w.saveSnapshot(ctx, engine)
	}
}

func (w *ScalperWorker) saveSnapshot(ctx context.Context, engine *position.Engine) {
	st := engine.Snapshot()
	snap := &database.PositionSnapshot{
		Symbol:           w.symbol,
		Priority:         w.priority,
		Side:             string(st.Side),
		EntryPrice:       st.EntryPrice,
		Quantity:         st.Quantity,
		AveragingCount:   st.AveragingCount,
		PeakPnL:          st.PeakPnL,
		MaxTrailingLevel: st.MaxTrailingLevel,
	}
	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	if err := w.snapshots.Save(dbCtx, w.userID, snap); err != nil {
		w.logger.Warn().Err(err).Msg("failed to save position snapshot")
	}
}

func (w *ScalperWorker) averageDown(ctx context.Context, engine *position.Engine, price float64) {
	// The averaging order counts as an in-flight trade: the coordinator
	// must not rotate slots while it executes.
	w.waitingForTrade.Store(true)
	defer w.waitingForTrade.Store(false)

	addQty := engine.AveragingQuantity(price)
	side := exchange.SideBuy
	if engine.Side() == position.SideShort {
		side = exchange.SideSell
	}

	fill, err := w.exch.PlaceMarketOrder(exchange.OrderParams{
		Symbol:   w.symbol,
		Side:     side,
		Quantity: addQty,
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("averaging order failed")
		return
	}
	w.publishFill(side, fill)

	newEntry, newQty, err := engine.ApplyAveraging(fill.AvgPrice, fill.Quantity)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to fold in averaging fill")
		return
	}

	w.mu.Lock()
	trade := w.trade
	w.mu.Unlock()

	if trade != nil {
		dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
		if err := w.ledger.UpdateTradeEntry(dbCtx, trade.ID, newEntry, newQty, engine.AveragingCount()); err != nil {
			w.logger.Error().Err(err).Msg("failed to update ledger after averaging")
		}
		cancel()
	}
	w.saveSnapshot(ctx, engine)

	w.logger.Info().
		Float64("fill_price", fill.AvgPrice).
		Float64("new_entry", newEntry).
		Float64("new_qty", newQty).
		Int("count", engine.AveragingCount()).
		Msg("averaged down")
	w.notifier.SendAveraging(w.symbol, w.priority, engine.AveragingCount(), fill.AvgPrice, newEntry, newQty)
}

func (w *ScalperWorker) executeClose(ctx context.Context, engine *position.Engine, reason string) error {
	side := exchange.SideSell
	if engine.Side() == position.SideShort {
		side = exchange.SideBuy
	}

	fill, err := w.exch.PlaceMarketOrder(exchange.OrderParams{
		Symbol:     w.symbol,
		Side:       side,
		Quantity:   engine.Quantity(),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("close order failed: %w", err)
	}
	w.publishFill(side, fill)

	pnl := engine.PnL(fill.AvgPrice)
	entry := engine.EntryPrice()

	w.mu.Lock()
	trade := w.trade
	w.trade = nil
	w.engine = nil
	w.lastSavedPeak = 0
	w.lastSavedLvl = 0
	w.cooldownUntil = time.Now().Add(time.Duration(w.cfg.CooldownSeconds) * time.Second)
	w.mu.Unlock()

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	if trade != nil {
		if err := w.ledger.CloseTrade(dbCtx, trade.ID, fill.AvgPrice, pnl, reason); err != nil {
			w.logger.Error().Err(err).Msg("failed to close ledger row")
		}
	}
	if err := w.snapshots.Delete(dbCtx, w.userID, w.symbol, w.priority); err != nil {
		w.logger.Warn().Err(err).Msg("failed to delete snapshot")
	}

	w.logger.Info().
		Str("reason", reason).
		Float64("exit_price", fill.AvgPrice).
		Float64("pnl", pnl).
		Msg("position closed")
	w.notifier.SendTradeClose(w.symbol, w.priority, entry, fill.AvgPrice, pnl, reason)
	w.bus.PublishTradeClosed(w.symbol, reason, fill.AvgPrice, pnl)
	return nil
}

// ClosePosition force-closes the held position.
func (w *ScalperWorker) ClosePosition(ctx context.Context, reason string) error {
	w.mu.Lock()
	engine := w.engine
	w.mu.Unlock()

	if engine == nil {
		return nil
	}
	if !engine.MarkClosed() {
		// A close is already in flight.
		return nil
	}
	if err := w.executeClose(ctx, engine, reason); err != nil {
		engine.ReopenCloseGuard()
		return err
	}
	return nil
}

// ==================== ENTRIES ====================

func (w *ScalperWorker) tryEntry(ctx context.Context, price float64) {
	// Analyzer warms up on every tick even when entries are disabled.
	sig := w.analyzer.Analyze(w.symbol, price)

	if !w.tradingEnabled.Load() || w.waitingForTrade.Load() {
		return
	}

	w.mu.Lock()
	inCooldown := time.Now().Before(w.cooldownUntil)
	if !inCooldown && sig.Direction != signal.DirectionHold {
		if sig.Direction == w.pendingDir {
			w.confirmations++
		} else {
			w.pendingDir = sig.Direction
			w.confirmations = 1
		}
	}
	ready := !inCooldown && w.pendingDir != signal.DirectionHold && w.confirmations >= w.cfg.RequiredConfirmations
	dir := w.pendingDir
	if ready {
		w.pendingDir = signal.DirectionHold
		w.confirmations = 0
	}
	w.mu.Unlock()

	if ready {
		w.openPosition(ctx, dir, price)
	}
}

func (w *ScalperWorker) openPosition(ctx context.Context, dir signal.Direction, price float64) {
	w.waitingForTrade.Store(true)
	defer w.waitingForTrade.Store(false)

	notional := w.cfg.OrderAmountUSD * float64(w.cfg.Leverage)
	qty := notional / price

	side := exchange.SideBuy
	posSide := position.SideLong
	if dir == signal.DirectionShort {
		side = exchange.SideSell
		posSide = position.SideShort
	}

	fill, err := w.exch.PlaceMarketOrder(exchange.OrderParams{
		Symbol:   w.symbol,
		Side:     side,
		Quantity: qty,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("direction", string(dir)).Msg("entry order failed")
		return
	}
	w.publishFill(side, fill)

	engine := position.NewEngine(w.engineConfig(), posSide, fill.AvgPrice, fill.Quantity)
	trade := &database.Trade{
		UserID:     w.userID,
		Symbol:     w.symbol,
		Priority:   w.priority,
		ChainID:    uuid.New().String(),
		Side:       string(posSide),
		EntryPrice: fill.AvgPrice,
		Quantity:   fill.Quantity,
		EntryTime:  time.Now(),
	}

	dbCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	if err := w.ledger.SaveTrade(dbCtx, trade); err != nil {
		w.logger.Error().Err(err).Msg("failed to record trade, closing position")
		// Without a ledger row the position would be orphaned on restart.
		if _, closeErr := w.exch.PlaceMarketOrder(exchange.OrderParams{
			Symbol:     w.symbol,
			Side:       side.Opposite(),
			Quantity:   fill.Quantity,
			ReduceOnly: true,
		}); closeErr != nil {
			w.logger.Error().Err(closeErr).Msg("failed to unwind unrecorded position")
		}
		return
	}

	w.mu.Lock()
	w.engine = engine
	w.trade = trade
	w.mu.Unlock()

	w.saveSnapshot(ctx, engine)

	w.logger.Info().
		Str("direction", string(dir)).
		Float64("entry", fill.AvgPrice).
		Float64("qty", fill.Quantity).
		Msg("position opened")
	w.notifier.SendTradeOpen(w.symbol, string(posSide), w.priority, fill.AvgPrice, fill.Quantity)
	w.bus.PublishTradeOpened(w.symbol, string(posSide), fill.AvgPrice, fill.Quantity)
}

// publishFill puts an execution report on the bus.
func (w *ScalperWorker) publishFill(side exchange.Side, fill *exchange.OrderResult) {
	w.bus.PublishOrderFilled(events.OrderFilled{
		OrderID:     strconv.FormatInt(fill.OrderID, 10),
		Symbol:      w.symbol,
		Side:        string(side),
		Qty:         fill.Quantity,
		Price:       fill.AvgPrice,
		BotPriority: w.priority,
	})
}

// AdoptPosition installs a position restored by the recovery pass. No
// tick has been seen for the position yet, so it comes up in degraded
// price mode until the feed delivers one.
func (w *ScalperWorker) AdoptPosition(trade *database.Trade, st position.State) {
	engine := position.Restore(w.engineConfig(), st)
	engine.SetDegradedPrice(true)
	w.degradedPrice.Store(true)

	w.mu.Lock()
	w.engine = engine
	w.trade = trade
	w.lastSavedPeak = st.PeakPnL
	w.lastSavedLvl = st.MaxTrailingLevel
	w.mu.Unlock()

	w.logger.Info().
		Float64("entry", st.EntryPrice).
		Float64("qty", st.Quantity).
		Int("averaging_count", st.AveragingCount).
		Msg("adopted recovered position")
}

func (w *ScalperWorker) engineConfig() position.Config {
	return position.Config{
		OrderAmountUSD:              w.cfg.OrderAmountUSD,
		Leverage:                    w.cfg.Leverage,
		HardStopLossUSD:             w.cfg.HardStopLossUSD,
		TrailingLevelPercents:       w.cfg.TrailingLevelPercents,
		PullbackFraction:            w.cfg.PullbackFraction,
		AveragingEnabled:            w.cfg.AveragingEnabled,
		AveragingTriggerLossPercent: w.cfg.AveragingTriggerLossPercent,
		AveragingMultiplier:         w.cfg.AveragingMultiplier,
		MaxAveragingCount:           w.cfg.MaxAveragingCount,
	}
}

var _ Worker = (*ScalperWorker)(nil)
