package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubSession struct {
	ctx    context.Context
	marked []int64
}

func (s *stubSession) Context() context.Context                         { return s.ctx }
func (s *stubSession) Claims() map[string][]int32                       { return map[string][]int32{} }
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}
func (s *stubSession) Commit() {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "trades" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

type publishCall struct {
	topic string
	key   string
	value any
}

type stubJSONPublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (s *stubJSONPublisher) PublishJSON(_ context.Context, topic, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	return nil
}

func claimOf(msgs ...*sarama.ConsumerMessage) *stubClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &stubClaim{msgCh: ch}
}

func TestConsumeClaimMarksHandledMessages(t *testing.T) {
	h := &consumerGroupHandler{
		handler: handlerFunc(func(context.Context, *sarama.ConsumerMessage) error { return nil }),
		logger:  slog.Default(),
	}
	session := &stubSession{ctx: context.Background()}

	claim := claimOf(
		&sarama.ConsumerMessage{Topic: "trades", Offset: 1},
		&sarama.ConsumerMessage{Topic: "trades", Offset: 2},
	)
	require.NoError(t, h.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{1, 2}, session.marked)
}

func TestConsumeClaimDeadLettersTerminalFailures(t *testing.T) {
	dlq := &stubJSONPublisher{}
	h := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, msg *sarama.ConsumerMessage) error {
			if msg.Offset == 1 {
				return DLQ(errors.New("insufficient inventory"), "data_inconsistency")
			}
			return nil
		}),
		dlq:      dlq,
		dlqTopic: "trades.dlq",
		logger:   slog.Default(),
	}
	session := &stubSession{ctx: context.Background()}

	claim := claimOf(
		&sarama.ConsumerMessage{Topic: "trades", Offset: 1, Key: []byte("AAPL"), Value: []byte(`{"id":7}`)},
		&sarama.ConsumerMessage{Topic: "trades", Offset: 2, Key: []byte("MSFT")},
	)
	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 2}, session.marked, "a terminal failure must not halt the partition")
	require.Len(t, dlq.calls, 1)
	assert.Equal(t, "trades.dlq", dlq.calls[0].topic)
	assert.Equal(t, "AAPL", dlq.calls[0].key)

	payload, ok := dlq.calls[0].value.(DLQPayload)
	require.True(t, ok, "expected DLQPayload, got %T", dlq.calls[0].value)
	assert.Equal(t, "trades", payload.OriginalTopic)
	assert.Equal(t, int64(1), payload.Offset)
	assert.Equal(t, "data_inconsistency", payload.Reason)
	assert.Equal(t, "insufficient inventory", payload.Error)
	assert.NotEmpty(t, payload.Payload)
}

func TestConsumeClaimWithoutDLQStillAdvances(t *testing.T) {
	h := &consumerGroupHandler{
		handler: handlerFunc(func(context.Context, *sarama.ConsumerMessage) error {
			return DLQ(errors.New("bad payload"), "decode")
		}),
		logger: slog.Default(),
	}
	session := &stubSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 5})))
	assert.Equal(t, []int64{5}, session.marked)
}

func TestConsumeClaimLeavesUnresolvedMessageUnmarked(t *testing.T) {
	var seen []int64
	h := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, msg *sarama.ConsumerMessage) error {
			seen = append(seen, msg.Offset)
			if msg.Offset == 2 {
				return context.Canceled
			}
			return nil
		}),
		logger: slog.Default(),
	}
	session := &stubSession{ctx: context.Background()}

	claim := claimOf(
		&sarama.ConsumerMessage{Offset: 1},
		&sarama.ConsumerMessage{Offset: 2},
		&sarama.ConsumerMessage{Offset: 3},
	)
	require.NoError(t, h.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{1}, session.marked)
	assert.Equal(t, []int64{1, 2}, seen, "later messages wait for redelivery")
}
