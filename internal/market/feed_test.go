package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"failover-trading-bot/internal/events"
)

func TestStreamURL(t *testing.T) {
	f := NewFeed("wss://fstream.binance.com", []string{"BTCUSDT", "ETHUSDT"}, events.NewBus(), zerolog.Nop())

	got := f.streamURL()
	want := "wss://fstream.binance.com/stream?streams=btcusdt@markPrice@1s/ethusdt@markPrice@1s"
	if got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}

func TestHandleMessagePublishesPrice(t *testing.T) {
	bus := events.NewBus()
	f := NewFeed("wss://example", []string{"BTCUSDT"}, bus, zerolog.Nop())

	var mu sync.Mutex
	var got []events.PriceUpdate
	bus.Subscribe(events.EventPriceUpdate, func(e events.Event) {
		mu.Lock()
		got = append(got, *e.Price)
		mu.Unlock()
	})

	f.handleMessage([]byte(`{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"42000.50"}}`))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Symbol != "BTCUSDT" || got[0].Price != 42000.50 {
		t.Errorf("unexpected updates: %+v", got)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	bus := events.NewBus()
	f := NewFeed("wss://example", []string{"BTCUSDT"}, bus, zerolog.Nop())

	count := 0
	bus.Subscribe(events.EventPriceUpdate, func(events.Event) { count++ })

	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"stream":"x","data":{"e":"other","s":"BTCUSDT","p":"1"}}`))
	f.handleMessage([]byte(`{"stream":"x","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"-5"}}`))
	f.handleMessage([]byte(`{"stream":"x","data":{"e":"markPriceUpdate","s":"","p":"1"}}`))

	if count != 0 {
		t.Errorf("expected no updates, got %d", count)
	}
}

func TestRunReceivesFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"stream":"btcusdt@markPrice@1s","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"100.5"}}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	bus := events.NewBus()
	prices := make(chan float64, 1)
	bus.Subscribe(events.EventPriceUpdate, func(e events.Event) {
		select {
		case prices <- e.Price.Price:
		default:
		}
	})

	f := NewFeed(strings.Replace(srv.URL, "http", "ws", 1), []string{"BTCUSDT"}, bus, zerolog.Nop())
	// The test server serves the stream on any path.
	f.dial = func(string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(srv.URL, "http", "ws", 1), nil)
		return conn, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case p := <-prices:
		if p != 100.5 {
			t.Errorf("expected 100.5, got %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for price update")
	}
}
