// Package recovery reconciles the trade ledger against the exchange after
// a restart, so every slot resumes in a state consistent with what the
// venue actually holds. The pass is idempotent: running it twice changes
// nothing the first run did not already settle.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/database"
	"failover-trading-bot/internal/exchange"
	"failover-trading-bot/internal/notification"
	"failover-trading-bot/internal/position"
)

// phantomAveragingFactor: an exchange position larger than this multiple
// of the configured base size is assumed to have been averaged once.
const phantomAveragingFactor = 1.1

// SlotWorker is what the reconciler needs from a worker to hand it a
// recovered position.
type SlotWorker interface {
	Priority() int
	AdoptPosition(trade *database.Trade, st position.State)
}

// Reconciler resolves ledger and exchange state for one (user, symbol)
// across all priority slots.
type Reconciler struct {
	userID string
	symbol string
	cfg    config.StrategyConfig
	paper  bool

	ledger    database.TradeStore
	snapshots *database.SnapshotStore
	notifier  *notification.Manager
	logger    zerolog.Logger
}

// New creates a reconciler. paper marks a simulated venue whose positions
// do not survive restarts.
func New(userID, symbol string, cfg config.StrategyConfig, paper bool, ledger database.TradeStore, snapshots *database.SnapshotStore, notifier *notification.Manager, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		userID:    userID,
		symbol:    symbol,
		cfg:       cfg,
		paper:     paper,
		ledger:    ledger,
		snapshots: snapshots,
		notifier:  notifier,
		logger: logger.With().
			Str("component", "RecoveryReconciler").
			Str("user_id", userID).
			Str("symbol", symbol).
			Logger(),
	}
}

// ReconcileSlot resolves one priority slot against its exchange account
// and hands any surviving position to the worker. Resolution always lands
// in a definite state; when in doubt the slot comes up flat.
func (r *Reconciler) ReconcileSlot(ctx context.Context, priority int, exch exchange.Exchange, w SlotWorker) error {
	trade, err := r.ledger.GetActiveTrade(ctx, r.userID, r.symbol, priority)
	if err != nil {
		return fmt.Errorf("ledger lookup failed for slot %d: %w", priority, err)
	}

	pos, err := exch.GetPositionBySymbol(r.symbol)
	if err != nil {
		// Cannot see the venue: leave the ledger untouched and the slot
		// flat rather than guessing.
		r.logger.Error().Err(err).Int("priority", priority).Msg("exchange unreachable, slot stays flat")
		return fmt.Errorf("exchange lookup failed for slot %d: %w", priority, err)
	}
	onExchange := pos.PositionAmt != 0

	switch {
	case trade != nil && onExchange:
		r.adoptTracked(ctx, priority, trade, pos, w)
	case trade != nil && !onExchange:
		r.resolveStaleRow(ctx, priority, trade, w)
	case trade == nil && onExchange:
		r.adoptPhantom(ctx, priority, pos, w)
	default:
		// Flat on both sides, nothing to do.
	}
	return nil
}

// adoptTracked resumes a position present in both ledger and venue. The
// venue is the source of truth for size and entry; the snapshot restores
// what the venue cannot know, peak PnL and the trailing level.
func (r *Reconciler) adoptTracked(ctx context.Context, priority int, trade *database.Trade, pos *exchange.Position, w SlotWorker) {
	st := position.State{
		Side:       position.Side(trade.Side),
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Qty(),
		OpenedAt:   trade.EntryTime,
	}

	snap, err := r.snapshots.Load(ctx, r.userID, r.symbol, priority)
	if err != nil {
		r.logger.Warn().Err(err).Int("priority", priority).Msg("snapshot load failed, monitoring restarts cold")
	}
	if snap != nil {
		st.PeakPnL = snap.PeakPnL
		st.MaxTrailingLevel = snap.MaxTrailingLevel
		st.AveragingCount = snap.AveragingCount
	} else {
		st.AveragingCount = trade.AveragingCount
	}

	// The venue may have a different size than the ledger row when an
	// averaging fill landed right before the crash.
	if pos.Qty() != trade.Quantity || pos.EntryPrice != trade.EntryPrice {
		if err := r.ledger.UpdateTradeEntry(ctx, trade.ID, pos.EntryPrice, pos.Qty(), st.AveragingCount); err != nil {
			r.logger.Warn().Err(err).Int("priority", priority).Msg("failed to true up ledger row")
		}
		trade.EntryPrice = pos.EntryPrice
		trade.Quantity = pos.Qty()
	}

	w.AdoptPosition(trade, st)
	r.logger.Info().Int("priority", priority).Float64("entry", st.EntryPrice).Float64("qty", st.Quantity).Msg("resumed tracked position")
	r.notifier.SendRecovery(r.symbol, priority, "resumed tracked position")
}

// resolveStaleRow handles an ACTIVE ledger row with no venue position.
// A paper venue loses its positions on restart, so there the row is
// trusted and the position recreated in monitoring; a live venue closed
// the position behind our back, so the row is settled at its last known
// state and the slot comes up flat.
func (r *Reconciler) resolveStaleRow(ctx context.Context, priority int, trade *database.Trade, w SlotWorker) {
	if r.paper {
		st := position.State{
			Side:           position.Side(trade.Side),
			EntryPrice:     trade.EntryPrice,
			Quantity:       trade.Quantity,
			AveragingCount: trade.AveragingCount,
			OpenedAt:       trade.EntryTime,
		}
		if snap, _ := r.snapshots.Load(ctx, r.userID, r.symbol, priority); snap != nil {
			st.PeakPnL = snap.PeakPnL
			st.MaxTrailingLevel = snap.MaxTrailingLevel
		}
		w.AdoptPosition(trade, st)
		r.logger.Info().Int("priority", priority).Msg("restored paper position from ledger")
		r.notifier.SendRecovery(r.symbol, priority, "restored paper position from ledger")
		return
	}

	if err := r.ledger.CloseTrade(ctx, trade.ID, trade.EntryPrice, 0, database.CloseReasonRecovery); err != nil {
		r.logger.Error().Err(err).Int("priority", priority).Msg("failed to settle stale ledger row")
		return
	}
	if err := r.snapshots.Delete(ctx, r.userID, r.symbol, priority); err != nil {
		r.logger.Warn().Err(err).Int("priority", priority).Msg("failed to drop stale snapshot")
	}
	r.logger.Warn().Int("priority", priority).Int64("trade_id", trade.ID).Msg("ledger row had no venue position, settled and reset to flat")
	r.notifier.SendRecovery(r.symbol, priority, "stale ledger row settled, slot reset to flat")
}

// adoptPhantom takes over a venue position the ledger knows nothing
// about. Size well past the configured base order suggests the lost state
// included an averaging fill, which matters for the remaining averaging
// budget.
func (r *Reconciler) adoptPhantom(ctx context.Context, priority int, pos *exchange.Position, w SlotWorker) {
	side := position.SideLong
	tradeSide := "LONG"
	if !pos.IsLong() {
		side = position.SideShort
		tradeSide = "SHORT"
	}

	averagingCount := 0
	baseQty := r.baseQuantity(pos.EntryPrice)
	if baseQty > 0 && pos.Qty() > baseQty*phantomAveragingFactor {
		averagingCount = 1
		if averagingCount > r.cfg.MaxAveragingCount {
			averagingCount = r.cfg.MaxAveragingCount
		}
	}

	trade := &database.Trade{
		UserID:         r.userID,
		Symbol:         r.symbol,
		Priority:       priority,
		ChainID:        uuid.New().String(),
		Side:           tradeSide,
		EntryPrice:     pos.EntryPrice,
		Quantity:       pos.Qty(),
		AveragingCount: averagingCount,
		EntryTime:      time.Now(),
	}
	if err := r.ledger.SaveTrade(ctx, trade); err != nil {
		r.logger.Error().Err(err).Int("priority", priority).Msg("failed to record phantom position, slot stays flat")
		return
	}

	w.AdoptPosition(trade, position.State{
		Side:           side,
		EntryPrice:     pos.EntryPrice,
		Quantity:       pos.Qty(),
		AveragingCount: averagingCount,
		OpenedAt:       trade.EntryTime,
	})
	r.logger.Warn().
		Int("priority", priority).
		Float64("entry", pos.EntryPrice).
		Float64("qty", pos.Qty()).
		Int("averaging_count", averagingCount).
		Msg("adopted untracked venue position")
	r.notifier.SendRecovery(r.symbol, priority, "adopted untracked venue position")
}

// baseQuantity is the size a fresh entry would have at the given price.
func (r *Reconciler) baseQuantity(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return r.cfg.OrderAmountUSD * float64(r.cfg.Leverage) / price
}
