package messaging

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/trading/events"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublisherForwardsBusEvents(t *testing.T) {
	w := &fakeWriter{}
	cfg := DefaultKafkaConfig()
	p := NewPublisher(w, cfg, zap.NewNop())
	bus := events.NewInMemoryEventBus(zap.NewNop())
	p.Attach(bus)

	bus.Publish(context.Background(), events.Event{Topic: events.TopicTrade, Type: events.TypeTradeExecuted, Key: "BTC/USDT", Payload: map[string]string{"price": "100"}})
	bus.Publish(context.Background(), events.Event{Topic: events.TopicBalance, Type: events.TypeBalanceChanged, Key: "u1"})
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 2)
	assert.True(t, w.closed)
	assert.Equal(t, "pincex.trade", w.msgs[0].Topic)
	assert.Equal(t, []byte("BTC/USDT"), w.msgs[0].Key)
	assert.Equal(t, "pincex.balance", w.msgs[1].Topic)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, events.TypeTradeExecuted, decoded.Type)
}

func TestPublisherSurvivesWriteErrors(t *testing.T) {
	w := &fakeWriter{err: stderrors.New("broker down")}
	p := NewPublisher(w, KafkaConfig{QueueSize: 8, BatchSize: 4}, zap.NewNop())
	p.Handle(context.Background(), events.Event{Topic: events.TopicOrder})
	require.NoError(t, p.Close())
	assert.Len(t, w.msgs, 1)
	assert.Equal(t, "order", w.msgs[0].Topic)

	p.Handle(context.Background(), events.Event{Topic: events.TopicOrder})
	assert.Len(t, w.msgs, 1)
}

func TestNewKafkaWriter(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.Brokers = []string{"localhost:9092"}
	w := NewKafkaWriter(cfg)
	assert.Equal(t, kafka.Snappy, w.Compression)
	assert.Empty(t, w.Topic)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
}
