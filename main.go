package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/api"
	"failover-trading-bot/internal/apikeys"
	"failover-trading-bot/internal/coordinator"
	"failover-trading-bot/internal/database"
	"failover-trading-bot/internal/events"
	"failover-trading-bot/internal/exchange"
	"failover-trading-bot/internal/locks"
	"failover-trading-bot/internal/logging"
	"failover-trading-bot/internal/market"
	"failover-trading-bot/internal/notification"
	"failover-trading-bot/internal/recovery"
	signalpkg "failover-trading-bot/internal/signal"
	"failover-trading-bot/internal/worker"
)

// Momentum analyzer parameters shared by all workers.
const (
	momentumWindow    = 12
	momentumThreshold = 0.0015
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.New(cfg.LoggingConfig)
	if err := cfg.ValidateStrategy(); err != nil {
		logger.Fatal().Err(err).Msg("invalid strategy configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("user_id", cfg.BotConfig.UserID).
		Strs("symbols", cfg.BotConfig.Symbols).
		Bool("paper", cfg.ExchangeConfig.PaperTrading).
		Msg("starting failover trading bot")

	// Trade ledger: PostgreSQL, or in-memory for local paper runs.
	var ledger database.TradeStore
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		ledger = database.NewPostgresTradeStore(db)
	} else {
		logger.Warn().Msg("database disabled, trade ledger is in-memory only")
		ledger = database.NewMemoryTradeStore()
	}

	// Snapshot store: Redis when enabled, in-memory fallback otherwise.
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer redisClient.Close()
	}
	snapshots := database.NewSnapshotStore(redisClient, logger)

	keys, err := apikeys.NewService(cfg.VaultConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault setup failed")
	}

	notifier := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				Enabled:  true,
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			}))
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				Enabled:    true,
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			}))
		}
	}

	bus := events.NewBus()
	registry := locks.NewRegistry(logger)
	go registry.RunSweeper(ctx)

	// Paper clients need a live price source; track the last tick per
	// symbol off the bus.
	tracker := newPriceTracker(bus)

	manager := coordinator.NewManager(registry, logger)
	userID := cfg.BotConfig.UserID
	for _, symbol := range cfg.BotConfig.Symbols {
		coord, err := buildCoordinator(ctx, cfg, userID, symbol, buildDeps{
			ledger:    ledger,
			snapshots: snapshots,
			keys:      keys,
			notifier:  notifier,
			bus:       bus,
			registry:  registry,
			tracker:   tracker,
			logger:    logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("symbol", symbol).Msg("coordinator setup failed")
		}
		if err := manager.Add(ctx, coord); err != nil {
			logger.Fatal().Err(err).Str("symbol", symbol).Msg("coordinator registration failed")
		}
	}

	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start coordinators")
	}

	var wg sync.WaitGroup

	feed := market.NewFeed(cfg.ExchangeConfig.WSURL, cfg.BotConfig.Symbols, bus, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		feed.Run(ctx)
	}()

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(cfg.ServerConfig, cfg.AuthConfig, manager, ledger, snapshots, registry, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("status API stopped")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	manager.StopAll()
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

// buildDeps bundles the shared collaborators for coordinator assembly.
type buildDeps struct {
	ledger    database.TradeStore
	snapshots *database.SnapshotStore
	keys      *apikeys.Service
	notifier  *notification.Manager
	bus       *events.Bus
	registry  *locks.Registry
	tracker   *priceTracker
	logger    zerolog.Logger
}

// buildCoordinator assembles the three slots of one (user, symbol) pair
// and reconciles each against its venue before anything starts trading.
func buildCoordinator(ctx context.Context, cfg *config.Config, userID, symbol string, deps buildDeps) (*coordinator.Coordinator, error) {
	paper := cfg.ExchangeConfig.PaperTrading

	rec := recovery.New(userID, symbol, cfg.StrategyConfig, paper,
		deps.ledger, deps.snapshots, deps.notifier, deps.logger)

	var workers [coordinator.NumSlots]worker.Worker
	var exchanges [coordinator.NumSlots]exchange.Exchange
	for p := 1; p <= coordinator.NumSlots; p++ {
		exch, err := buildExchange(ctx, cfg, deps, userID, p)
		if err != nil {
			return nil, err
		}

		w := worker.NewScalperWorker(userID, symbol, p, cfg.StrategyConfig, worker.Deps{
			Exchange:  exch,
			Analyzer:  signalpkg.NewMomentumAnalyzer(momentumWindow, momentumThreshold),
			Ledger:    deps.ledger,
			Snapshots: deps.snapshots,
			Bus:       deps.bus,
			Notifier:  deps.notifier,
			Logger:    deps.logger,
		})

		if err := rec.ReconcileSlot(ctx, p, exch, w); err != nil {
			// The slot comes up flat; the worker finds out on its next
			// order attempt if the venue is truly unreachable.
			deps.logger.Error().Err(err).Str("symbol", symbol).Int("priority", p).Msg("recovery incomplete, slot starts flat")
		}

		workers[p-1] = w
		exchanges[p-1] = exch
	}

	return coordinator.New(userID, symbol, cfg.CoordinatorConfig,
		workers, exchanges, deps.registry, deps.notifier, deps.logger), nil
}

// buildExchange creates the venue client for one slot. Live slots each
// trade on their own account, with credentials from Vault.
func buildExchange(ctx context.Context, cfg *config.Config, deps buildDeps, userID string, priority int) (exchange.Exchange, error) {
	if cfg.ExchangeConfig.PaperTrading {
		return exchange.NewPaperClient(deps.tracker.price), nil
	}

	creds, err := deps.keys.Get(ctx, userID, priority)
	if err != nil {
		return nil, err
	}
	return exchange.NewBinanceClient(*creds, cfg.ExchangeConfig.TestNet, deps.logger), nil
}

// priceTracker remembers the last published price per symbol so paper
// clients can fill orders at it.
type priceTracker struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func newPriceTracker(bus *events.Bus) *priceTracker {
	t := &priceTracker{prices: make(map[string]float64)}
	bus.Subscribe(events.EventPriceUpdate, func(e events.Event) {
		if e.Price == nil {
			return
		}
		t.mu.Lock()
		t.prices[e.Price.Symbol] = e.Price.Price
		t.mu.Unlock()
	})
	return t
}

func (t *priceTracker) price(symbol string) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price seen yet for %s", symbol)
	}
	return p, nil
}
