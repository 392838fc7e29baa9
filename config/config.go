package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	BotConfig          BotConfig          `json:"bot"`
	StrategyConfig     StrategyConfig     `json:"strategy"`
	CoordinatorConfig  CoordinatorConfig  `json:"coordinator"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// ExchangeConfig holds exchange connectivity settings.
// API keys are per (user, account priority) and live in Vault, not here.
type ExchangeConfig struct {
	Name        string `json:"name"`     // "bybit", "binance"
	BaseURL     string `json:"base_url"`
	WSURL       string `json:"ws_url"`
	TestNet     bool   `json:"testnet"`
	PaperTrading bool  `json:"paper_trading"` // Simulated fills, no real orders
}

// BotConfig names the deployment: which user trades which symbols.
// Each (user, symbol) pair gets its own coordinator with three slots.
type BotConfig struct {
	UserID  string   `json:"user_id"`
	Symbols []string `json:"symbols"`
}

// StrategyConfig holds the signal scalper strategy parameters.
// These are read live on every evaluation, never cached inside the engine.
type StrategyConfig struct {
	OrderAmountUSD  float64 `json:"order_amount_usd"`
	Leverage        int     `json:"leverage"`
	HardStopLossUSD float64 `json:"hard_stop_loss_usd"` // Negative, e.g. -15

	// Trailing stop: six increasing profit tiers as fractions of notional
	// (order amount x leverage). Must be strictly increasing.
	TrailingLevelPercents []float64 `json:"trailing_level_percents"`
	PullbackFraction      float64   `json:"pullback_fraction"` // e.g. 0.20 = close on 20% pullback from peak

	// Averaging (adding to a losing position once, at a worse price)
	AveragingEnabled            bool    `json:"averaging_enabled"`
	AveragingTriggerLossPercent float64 `json:"averaging_trigger_loss_percent"` // Loss as % of margin
	AveragingMultiplier         float64 `json:"averaging_multiplier"`
	MaxAveragingCount           int     `json:"max_averaging_count"`

	// Entry gating
	RequiredConfirmations int `json:"required_confirmations"`
	CooldownSeconds       int `json:"cooldown_seconds"`
}

// CoordinatorConfig holds failover coordinator settings.
type CoordinatorConfig struct {
	MonitorInterval       time.Duration `json:"monitor_interval"`
	StuckThresholdPercent float64       `json:"stuck_threshold_percent"` // Negative, e.g. -4
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for position state snapshots.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for per-account API keys.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig holds the status API server configuration.
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds status API authentication configuration.
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	OperatorSecretHash  string        `json:"operator_secret_hash"` // bcrypt hash of the operator secret
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output vs console writer
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// No config file is fine, environment fills the gaps
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	// Exchange
	cfg.ExchangeConfig.Name = getEnvOrDefault("EXCHANGE_NAME", cfg.ExchangeConfig.Name)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.WSURL = getEnvOrDefault("EXCHANGE_WS_URL", cfg.ExchangeConfig.WSURL)
	cfg.ExchangeConfig.TestNet = getEnvOrDefault("EXCHANGE_TESTNET", "false") == "true"
	if v := os.Getenv("EXCHANGE_PAPER_TRADING"); v != "" {
		cfg.ExchangeConfig.PaperTrading = v == "true"
	}

	// Bot
	cfg.BotConfig.UserID = getEnvOrDefault("BOT_USER_ID", cfg.BotConfig.UserID)
	if v := os.Getenv("BOT_SYMBOLS"); v != "" {
		cfg.BotConfig.Symbols = splitAndTrim(v)
	}

	// Strategy
	cfg.StrategyConfig.OrderAmountUSD = getEnvFloatOrDefault("STRATEGY_ORDER_AMOUNT_USD", cfg.StrategyConfig.OrderAmountUSD)
	cfg.StrategyConfig.Leverage = getEnvIntOrDefault("STRATEGY_LEVERAGE", cfg.StrategyConfig.Leverage)
	cfg.StrategyConfig.HardStopLossUSD = getEnvFloatOrDefault("STRATEGY_HARD_STOP_LOSS_USD", cfg.StrategyConfig.HardStopLossUSD)
	cfg.StrategyConfig.PullbackFraction = getEnvFloatOrDefault("STRATEGY_PULLBACK_FRACTION", cfg.StrategyConfig.PullbackFraction)
	cfg.StrategyConfig.AveragingTriggerLossPercent = getEnvFloatOrDefault("STRATEGY_AVERAGING_TRIGGER_LOSS_PERCENT", cfg.StrategyConfig.AveragingTriggerLossPercent)
	cfg.StrategyConfig.AveragingMultiplier = getEnvFloatOrDefault("STRATEGY_AVERAGING_MULTIPLIER", cfg.StrategyConfig.AveragingMultiplier)
	cfg.StrategyConfig.MaxAveragingCount = getEnvIntOrDefault("STRATEGY_MAX_AVERAGING_COUNT", cfg.StrategyConfig.MaxAveragingCount)
	if v := os.Getenv("STRATEGY_AVERAGING_ENABLED"); v != "" {
		cfg.StrategyConfig.AveragingEnabled = v == "true"
	}

	// Coordinator
	cfg.CoordinatorConfig.MonitorInterval = getEnvDurationOrDefault("COORDINATOR_MONITOR_INTERVAL", cfg.CoordinatorConfig.MonitorInterval)
	cfg.CoordinatorConfig.StuckThresholdPercent = getEnvFloatOrDefault("COORDINATOR_STUCK_THRESHOLD_PERCENT", cfg.CoordinatorConfig.StuckThresholdPercent)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", "false") == "true" || cfg.DatabaseConfig.Enabled
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Server
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorSecretHash = getEnvOrDefault("AUTH_OPERATOR_SECRET_HASH", cfg.AuthConfig.OperatorSecretHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.Name == "" {
		cfg.ExchangeConfig.Name = "binance"
	}
	if cfg.ExchangeConfig.WSURL == "" {
		cfg.ExchangeConfig.WSURL = "wss://fstream.binance.com"
	}
	if cfg.BotConfig.UserID == "" {
		cfg.BotConfig.UserID = "default"
	}
	if len(cfg.BotConfig.Symbols) == 0 {
		cfg.BotConfig.Symbols = []string{"BTCUSDT"}
	}
	if cfg.StrategyConfig.OrderAmountUSD == 0 {
		cfg.StrategyConfig.OrderAmountUSD = 200
	}
	if cfg.StrategyConfig.Leverage == 0 {
		cfg.StrategyConfig.Leverage = 2
	}
	if cfg.StrategyConfig.HardStopLossUSD == 0 {
		cfg.StrategyConfig.HardStopLossUSD = -15
	}
	if len(cfg.StrategyConfig.TrailingLevelPercents) == 0 {
		cfg.StrategyConfig.TrailingLevelPercents = DefaultTrailingLevelPercents()
	}
	if cfg.StrategyConfig.PullbackFraction == 0 {
		cfg.StrategyConfig.PullbackFraction = 0.20
	}
	if cfg.StrategyConfig.AveragingTriggerLossPercent == 0 {
		cfg.StrategyConfig.AveragingTriggerLossPercent = 15
	}
	if cfg.StrategyConfig.AveragingMultiplier == 0 {
		cfg.StrategyConfig.AveragingMultiplier = 1
	}
	if cfg.StrategyConfig.MaxAveragingCount == 0 {
		cfg.StrategyConfig.MaxAveragingCount = 1
	}
	if cfg.StrategyConfig.RequiredConfirmations == 0 {
		cfg.StrategyConfig.RequiredConfirmations = 2
	}
	if cfg.StrategyConfig.CooldownSeconds == 0 {
		cfg.StrategyConfig.CooldownSeconds = 60
	}
	if cfg.CoordinatorConfig.MonitorInterval == 0 {
		cfg.CoordinatorConfig.MonitorInterval = 5 * time.Second
	}
	if cfg.CoordinatorConfig.StuckThresholdPercent == 0 {
		cfg.CoordinatorConfig.StuckThresholdPercent = -4
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "trading-bot/api-keys"
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
	if cfg.AuthConfig.AccessTokenDuration == 0 {
		cfg.AuthConfig.AccessTokenDuration = 15 * time.Minute
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// DefaultTrailingLevelPercents returns the six profit tier fractions
// applied to position notional (order amount x leverage).
func DefaultTrailingLevelPercents() []float64 {
	return []float64{0.0025, 0.0045, 0.0085, 0.0130, 0.0185, 0.0250}
}

// ValidateStrategy checks the parameters a worker cannot start without.
func (c *Config) ValidateStrategy() error {
	s := c.StrategyConfig
	if s.OrderAmountUSD <= 0 {
		return fmt.Errorf("strategy config: order_amount_usd must be positive, got %v", s.OrderAmountUSD)
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("strategy config: leverage must be positive, got %v", s.Leverage)
	}
	if s.HardStopLossUSD >= 0 {
		return fmt.Errorf("strategy config: hard_stop_loss_usd must be negative, got %v", s.HardStopLossUSD)
	}
	if len(s.TrailingLevelPercents) != 6 {
		return fmt.Errorf("strategy config: expected 6 trailing level percents, got %d", len(s.TrailingLevelPercents))
	}
	for i := 1; i < len(s.TrailingLevelPercents); i++ {
		if s.TrailingLevelPercents[i] <= s.TrailingLevelPercents[i-1] {
			return fmt.Errorf("strategy config: trailing level percents must be strictly increasing")
		}
	}
	if s.PullbackFraction <= 0 || s.PullbackFraction >= 1 {
		return fmt.Errorf("strategy config: pullback_fraction must be in (0, 1), got %v", s.PullbackFraction)
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
