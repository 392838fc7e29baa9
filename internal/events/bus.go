// Package events provides the in-process publish/subscribe bus that
// connects the price feed, workers and the coordinator.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPriceUpdate EventType = "PRICE_UPDATE"
	EventOrderFilled EventType = "ORDER_FILLED"
	EventTradeOpened EventType = "TRADE_OPENED"
	EventTradeClosed EventType = "TRADE_CLOSED"
	EventBotStarted  EventType = "BOT_STARTED"
	EventBotStopped  EventType = "BOT_STOPPED"
	EventError       EventType = "ERROR"
)

// PriceUpdate carries a single ticker price for a symbol.
type PriceUpdate struct {
	Symbol string
	Price  float64
	At     time.Time
}

// OrderFilled carries an order execution report.
type OrderFilled struct {
	OrderID     string
	Symbol      string
	Side        string // "Buy" or "Sell"
	Qty         float64
	Price       float64
	Fee         float64
	BotPriority int // Which redundant account the order belongs to, 0 = any
}

// Event represents a system event
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Exactly one of the payloads below is set, matching Type.
	Price *PriceUpdate
	Fill  *OrderFilled
	Data  map[string]interface{} // Free-form payload for the remaining types
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Subscription identifies a registered subscriber so it can be removed.
type Subscription int64

// Bus manages event publishing and subscriptions.
//
// Dispatch is synchronous: a worker must observe price ticks in the order
// they arrived, otherwise peak tracking drifts. Subscribers must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID Subscription
	subs   map[EventType]map[Subscription]Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[EventType]map[Subscription]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[Subscription]Subscriber)
	}
	b.subs[eventType][id] = subscriber
	return id
}

// Unsubscribe removes a previously registered subscriber.
func (b *Bus) Unsubscribe(eventType EventType, id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[eventType], id)
}

// Publish sends an event to all subscribers of its type.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Subscriber, 0, len(b.subs[event.Type]))
	for _, sub := range b.subs[event.Type] {
		handlers = append(handlers, sub)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// PublishPriceUpdate publishes a price tick.
func (b *Bus) PublishPriceUpdate(symbol string, price float64) {
	b.Publish(Event{
		Type:  EventPriceUpdate,
		Price: &PriceUpdate{Symbol: symbol, Price: price, At: time.Now()},
	})
}

// PublishOrderFilled publishes an order execution report.
func (b *Bus) PublishOrderFilled(fill OrderFilled) {
	b.Publish(Event{
		Type: EventOrderFilled,
		Fill: &fill,
	})
}

// PublishTradeOpened publishes a trade opened event.
func (b *Bus) PublishTradeOpened(symbol, side string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event.
func (b *Bus) PublishTradeClosed(symbol, reason string, exitPrice, pnl float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"reason":     reason,
			"exit_price": exitPrice,
			"pnl":        pnl,
		},
	})
}

// PublishError publishes an error event.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
