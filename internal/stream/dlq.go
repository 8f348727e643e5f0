package stream

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a message handling failure as terminal: the consumer
// dead-letters the message and moves past it.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DLQ wraps err as a terminal failure. A nil err stays nil.
func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError) DLQPayload {
	var key, payload string
	if len(msg.Key) > 0 {
		key = string(msg.Key)
	}
	if len(msg.Value) > 0 {
		payload = base64.StdEncoding.EncodeToString(msg.Value)
	}
	var errMsg, reason string
	if err != nil {
		if err.Err != nil {
			errMsg = err.Err.Error()
		}
		reason = err.Reason
	}
	return DLQPayload{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           key,
		Error:         errMsg,
		Reason:        reason,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}
