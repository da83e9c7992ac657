package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/trading/events"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig contains configuration options for the Kafka publisher
type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
	RetryMax     int
	QueueSize    int
}

// DefaultKafkaConfig returns low-latency settings for exchange events
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		TopicPrefix:  "pincex",
		BatchSize:    100,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
		Compression:  "snappy",
		RetryMax:     3,
		QueueSize:    4096,
	}
}

// NewKafkaWriter builds a writer for cfg. Topics are set per message.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.RetryMax,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	case "none":
	default:
		w.Compression = kafka.Snappy
	}
	return w
}

// Publisher forwards bus events to Kafka. Events are queued and written by a
// background goroutine so publishing never blocks the matching path; when
// the queue is full the event is dropped and logged.
type Publisher struct {
	writer Writer
	prefix string
	logger *zap.Logger

	queue chan kafka.Message
	wg    sync.WaitGroup
	mu    sync.RWMutex
	closed bool
}

func NewPublisher(writer Writer, cfg KafkaConfig, logger *zap.Logger) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultKafkaConfig().QueueSize
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	p := &Publisher{
		writer: writer,
		prefix: cfg.TopicPrefix,
		logger: logger,
		queue:  make(chan kafka.Message, size),
	}
	p.wg.Add(1)
	go p.run(batch)
	return p
}

// Attach subscribes the publisher to every topic on bus.
func (p *Publisher) Attach(bus events.EventBus) {
	bus.Subscribe(events.TopicAll, p.Handle)
}

// TopicFor maps a bus topic to a Kafka topic.
func (p *Publisher) TopicFor(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Handle is the bus handler.
func (p *Publisher) Handle(_ context.Context, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("topic", e.Topic), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Topic: p.TopicFor(e.Topic),
		Key:   []byte(e.Key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte("matching-engine")},
			{Key: "type", Value: []byte(e.Type)},
		},
		Time: e.Timestamp,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn("kafka queue full, dropping event",
			zap.String("topic", e.Topic), zap.String("type", e.Type), zap.String("key", e.Key))
	}
}

func (p *Publisher) run(batchSize int) {
	defer p.wg.Done()
	batch := make([]kafka.Message, 0, batchSize)
	for msg := range p.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < batchSize {
			select {
			case m, ok := <-p.queue:
				if !ok {
					break fill
				}
				batch = append(batch, m)
			default:
				break fill
			}
		}
		p.write(batch)
	}
}

func (p *Publisher) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		p.logger.Error("failed to publish events to kafka",
			zap.Int("count", len(batch)),
			zap.String("first_topic", batch[0].Topic),
			zap.Error(err))
	}
}

// Close drains queued events and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
