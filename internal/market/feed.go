// Package market streams mark prices from the exchange websocket and
// publishes them as price updates on the event bus.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"failover-trading-bot/internal/events"
)

const (
	// reconnectBaseDelay grows exponentially up to reconnectMaxDelay
	// between connection attempts.
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	readTimeout = 90 * time.Second
)

// markPriceEvent is one message of the <symbol>@markPrice stream.
type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
}

// combinedStreamMessage wraps events on the combined stream endpoint.
type combinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Feed maintains one websocket connection for all subscribed symbols
// and reconnects with backoff when it drops.
type Feed struct {
	wsURL   string
	symbols []string
	bus     *events.Bus
	logger  zerolog.Logger

	dial func(url string) (*websocket.Conn, error)
}

// NewFeed creates a price feed for the given symbols. wsURL is the
// exchange websocket base, e.g. wss://fstream.binance.com.
func NewFeed(wsURL string, symbols []string, bus *events.Bus, logger zerolog.Logger) *Feed {
	return &Feed{
		wsURL:   wsURL,
		symbols: symbols,
		bus:     bus,
		logger:  logger.With().Str("component", "MarketFeed").Logger(),
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// streamURL builds the combined stream endpoint for all symbols.
func (f *Feed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.wsURL, strings.Join(streams, "/"))
}

// Run connects and pumps prices until the context is cancelled. Each
// dropped connection is retried with exponential backoff.
func (f *Feed) Run(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := f.dial(f.streamURL())
		if err != nil {
			f.logger.Warn().Err(err).Dur("retry_in", delay).Msg("feed connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		f.logger.Info().Int("symbols", len(f.symbols)).Msg("feed connected")
		delay = reconnectBaseDelay

		err = f.pump(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn().Err(err).Msg("feed disconnected, reconnecting")
	}
}

// pump reads messages until the connection fails or the context ends.
func (f *Feed) pump(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var wrapped combinedStreamMessage
	if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.Data == nil {
		return
	}

	var ev markPriceEvent
	if err := json.Unmarshal(wrapped.Data, &ev); err != nil {
		f.logger.Debug().Err(err).Msg("unparseable feed message")
		return
	}
	if ev.EventType != "markPriceUpdate" || ev.Symbol == "" {
		return
	}

	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	f.bus.PublishPriceUpdate(ev.Symbol, price)
}
