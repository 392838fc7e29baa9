// Package apikeys serves exchange credentials per (user, priority slot)
// from HashiCorp Vault. Each of the three priority slots trades on its
// own exchange account, so each slot has its own key pair.
package apikeys

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/exchange"
)

// Service reads slot credentials from Vault KV v2 and caches them so a
// Vault hiccup does not interrupt trading.
type Service struct {
	client *api.Client
	cfg    config.VaultConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*exchange.Credentials
}

// NewService creates the credentials service. With Vault disabled only
// keys stored via Store are served, which is enough for paper trading.
func NewService(cfg config.VaultConfig, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		cache:  make(map[string]*exchange.Credentials),
		logger: logger.With().Str("component", "APIKeyService").Logger(),
	}
	if !cfg.Enabled {
		s.logger.Info().Msg("vault disabled, serving credentials from memory only")
		return s, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	s.client = client
	return s, nil
}

// Get returns the credentials for one slot. Vault is the source of
// truth; the last value read is served from cache when Vault is down.
func (s *Service) Get(ctx context.Context, userID string, priority int) (*exchange.Credentials, error) {
	key := s.cacheKey(userID, priority)

	if !s.cfg.Enabled {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if creds, ok := s.cache[key]; ok {
			cp := *creds
			return &cp, nil
		}
		return nil, fmt.Errorf("no credentials for %s and vault is disabled", key)
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(userID, priority))
	if err != nil {
		s.mu.RLock()
		cached, ok := s.cache[key]
		s.mu.RUnlock()
		if ok {
			s.logger.Warn().Err(err).Str("slot", key).Msg("vault read failed, serving cached credentials")
			cp := *cached
			return &cp, nil
		}
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for %s", key)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format for %s", key)
	}
	creds := &exchange.Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials for %s", key)
	}

	s.mu.Lock()
	s.cache[key] = creds
	s.mu.Unlock()

	cp := *creds
	return &cp, nil
}

// Store writes credentials for one slot, to Vault when enabled and
// always to the cache.
func (s *Service) Store(ctx context.Context, userID string, priority int, creds exchange.Credentials) error {
	key := s.cacheKey(userID, priority)

	s.mu.Lock()
	s.cache[key] = &creds
	s.mu.Unlock()

	if !s.cfg.Enabled {
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	}
	if _, err := s.client.Logical().WriteWithContext(ctx, s.secretPath(userID, priority), payload); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}
	s.logger.Info().Str("slot", key).Msg("credentials stored")
	return nil
}

// Delete removes the credentials for one slot.
func (s *Service) Delete(ctx context.Context, userID string, priority int) error {
	key := s.cacheKey(userID, priority)

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if !s.cfg.Enabled {
		return nil
	}
	if _, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPath(userID, priority)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// Health checks the Vault connection.
func (s *Service) Health() error {
	if !s.cfg.Enabled {
		return nil
	}
	health, err := s.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (s *Service) secretPath(userID string, priority int) string {
	return fmt.Sprintf("%s/data/%s/%s/slot%d", s.cfg.MountPath, s.cfg.SecretPath, userID, priority)
}

func (s *Service) metadataPath(userID string, priority int) string {
	return fmt.Sprintf("%s/metadata/%s/%s/slot%d", s.cfg.MountPath, s.cfg.SecretPath, userID, priority)
}

func (s *Service) cacheKey(userID string, priority int) string {
	return fmt.Sprintf("%s/slot%d", userID, priority)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
