package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/lotwise/ledger/internal/metrics"
	"github.com/lotwise/ledger/internal/model"
)

// Publisher hands persisted trades to the stream worker.
type Publisher interface {
	PublishTrade(ctx context.Context, t model.Trade) error
	Healthy() bool
	Close() error
}

// JSONPublisher sends arbitrary JSON values to a topic.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) error
}

// KafkaPublisher publishes trades through a synchronous sarama producer.
// After a failed send it reports itself unhealthy for a cooldown period.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	unhealthyUntil time.Time
}

// NewKafkaPublisher connects an idempotent producer to the cluster.
func NewKafkaPublisher(c Config, cooldown time.Duration, logger *slog.Logger) (*KafkaPublisher, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	cfg := c.saramaConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaPublisher(producer, c.Topic, cooldown, logger), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string, cooldown time.Duration, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// PublishTrade sends t keyed by its symbol.
func (p *KafkaPublisher) PublishTrade(ctx context.Context, t model.Trade) error {
	return p.PublishJSON(ctx, p.topic, t.Symbol, NewTradeMessage(t))
}

func (p *KafkaPublisher) PublishJSON(ctx context.Context, topic, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.PublishTotal.WithLabelValues("error").Inc()
		p.markUnhealthy()
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "err", err)
		return fmt.Errorf("kafka publish failed: %w", err)
	}

	metrics.PublishTotal.WithLabelValues("success").Inc()
	p.logger.Debug("kafka published", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return nil
}

// Healthy reports false while a recent failure's cooldown is running.
func (p *KafkaPublisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.now().Before(p.unhealthyUntil)
}

func (p *KafkaPublisher) markUnhealthy() {
	p.mu.Lock()
	p.unhealthyUntil = p.now().Add(p.cooldown)
	p.mu.Unlock()
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
