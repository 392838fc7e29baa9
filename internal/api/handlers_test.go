package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"failover-trading-bot/config"
	"failover-trading-bot/internal/auth"
	"failover-trading-bot/internal/coordinator"
	"failover-trading-bot/internal/database"
	"failover-trading-bot/internal/locks"
)

func testServer(t *testing.T, authEnabled bool) (*Server, *database.MemoryTradeStore) {
	t.Helper()

	ledger := database.NewMemoryTradeStore()
	registry := locks.NewRegistry(zerolog.Nop())
	manager := coordinator.NewManager(registry, zerolog.Nop())
	snapshots := database.NewSnapshotStore(nil, zerolog.Nop())

	authCfg := config.AuthConfig{Enabled: false}
	if authEnabled {
		hash, err := auth.HashOperatorSecret("open-sesame-123")
		if err != nil {
			t.Fatal(err)
		}
		authCfg = config.AuthConfig{
			Enabled:             true,
			JWTSecret:           "test-secret",
			OperatorSecretHash:  hash,
			AccessTokenDuration: 15 * time.Minute,
		}
	}

	s := NewServer(config.ServerConfig{AllowedOrigins: "*"}, authCfg,
		manager, ledger, snapshots, registry, zerolog.Nop())
	return s, ledger
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := testServer(t, true)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusRequiresToken(t *testing.T) {
	s, _ := testServer(t, true)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestLoginAndStatus(t *testing.T) {
	s, _ := testServer(t, true)

	body := strings.NewReader(`{"operator":"ops","secret":"open-sesame-123"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestLoginRejectsWrongSecret(t *testing.T) {
	s, _ := testServer(t, true)

	body := strings.NewReader(`{"operator":"ops","secret":"wrong"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUserStatsWithAuthDisabled(t *testing.T) {
	s, ledger := testServer(t, false)
	ctx := context.Background()

	trade := &database.Trade{UserID: "u1", Symbol: "BTCUSDT", Priority: 1, Side: "LONG", EntryPrice: 100, Quantity: 1}
	ledger.SaveTrade(ctx, trade)
	ledger.CloseTrade(ctx, trade.ID, 105, 5, database.CloseReasonTrailing)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats/u1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats database.UserStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalTrades != 1 || stats.Wins != 1 || stats.TotalPnL != 5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestClosePositionValidation(t *testing.T) {
	s, _ := testServer(t, false)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/close/u1/BTCUSDT/nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric priority, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/close/u1/BTCUSDT/1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown coordinator, got %d", rec.Code)
	}
}

func TestUserTrades(t *testing.T) {
	s, ledger := testServer(t, false)

	ledger.SaveTrade(context.Background(), &database.Trade{
		UserID: "u1", Symbol: "BTCUSDT", Priority: 2, Side: "SHORT", EntryPrice: 100, Quantity: 1,
	})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/trades/u1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Trades []database.Trade `json:"trades"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Trades) != 1 || resp.Trades[0].Priority != 2 {
		t.Errorf("unexpected trades: %+v", resp.Trades)
	}
}
