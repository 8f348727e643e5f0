package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// MessageHandler settles one consumed message. Returning nil or a *DLQError
// lets the consumer commit the offset; any other error leaves it unmarked.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// KafkaConsumer runs a consumer group over the trades topic. A message is
// marked consumed only after its handler returns nil or a *DLQError.
type KafkaConsumer struct {
	group    sarama.ConsumerGroup
	dlq      JSONPublisher
	dlqTopic string
	logger   *slog.Logger
}

// NewKafkaConsumer joins the configured consumer group. dlq may be nil, in
// which case terminal failures are only logged.
func NewKafkaConsumer(c Config, dlq JSONPublisher, logger *slog.Logger) (*KafkaConsumer, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := c.saramaConfig()
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &KafkaConsumer{
		group:    group,
		dlq:      dlq,
		dlqTopic: c.DeadLetterTopic,
		logger:   logger,
	}, nil
}

// Consume blocks, rejoining the group after every rebalance, until ctx is
// cancelled.
func (c *KafkaConsumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("kafka consumer group error", "err", err)
		}
	}()

	cgHandler := &consumerGroupHandler{
		handler:  handler,
		dlq:      c.dlq,
		dlqTopic: c.dlqTopic,
		logger:   c.logger,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "err", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *KafkaConsumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler  MessageHandler
	dlq      JSONPublisher
	dlqTopic string
	logger   *slog.Logger
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(ctx, msg)

		var dlqErr *DLQError
		switch {
		case err == nil:
		case errors.As(err, &dlqErr):
			h.deadLetter(ctx, msg, dlqErr)
		default:
			// Unmarked: the next session redelivers from this offset.
			h.logger.Warn("kafka message left unacknowledged",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
			return nil
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err *DLQError) {
	if h.dlq == nil || h.dlqTopic == "" {
		return
	}
	payload := BuildDLQPayload(msg, err)
	if pubErr := h.dlq.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("dead-letter publish failed",
			"topic", h.dlqTopic, "offset", msg.Offset, "err", pubErr)
	}
}
