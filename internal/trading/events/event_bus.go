package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is the envelope for everything published on the bus
type Event struct {
	Topic     string    `json:"topic"` // e.g. "trade", "order", "balance"
	Type      string    `json:"type"`  // e.g. "TRADE_EXECUTED", "ORDER_CANCELLED"
	Key       string    `json:"key"`   // partitioning key: pair or user id
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// EventHandler handles an event. It should be fast and non-blocking.
// If it panics, the bus will recover and log.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the interface for publishing and subscribing to events
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler EventHandler)
}

// TopicAll subscribes a handler to every topic.
const TopicAll = "*"

// InMemoryEventBus delivers events synchronously, in publish order, to the
// handlers of the event's topic followed by the TopicAll handlers.
type InMemoryEventBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]EventHandler

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

var _ EventBus = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		logger: logger,
		subs:   make(map[string][]EventHandler),
	}
}

// Publish delivers an event to all subscribers of the topic
func (bus *InMemoryEventBus) Publish(ctx context.Context, event Event) {
	bus.published.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	bus.mu.RLock()
	handlers := append(append([]EventHandler{}, bus.subs[event.Topic]...), bus.subs[TopicAll]...)
	bus.mu.RUnlock()
	for _, h := range handlers {
		bus.deliver(ctx, h, event)
	}
}

func (bus *InMemoryEventBus) deliver(ctx context.Context, h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			bus.failed.Add(1)
			bus.logger.Error("event handler panic",
				zap.Any("recover", r),
				zap.String("topic", event.Topic),
				zap.String("type", event.Type))
		}
	}()
	h(ctx, event)
	bus.delivered.Add(1)
}

// Subscribe registers a handler for a topic
func (bus *InMemoryEventBus) Subscribe(topic string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.subs[topic] = append(bus.subs[topic], handler)
	bus.logger.Debug("subscribed handler to topic", zap.String("topic", topic))
}

type EventBusMetrics struct {
	Published int64
	Delivered int64
	Failed    int64
}

// Metrics returns current event bus metrics
func (bus *InMemoryEventBus) Metrics() EventBusMetrics {
	return EventBusMetrics{
		Published: bus.published.Load(),
		Delivered: bus.delivered.Load(),
		Failed:    bus.failed.Load(),
	}
}
