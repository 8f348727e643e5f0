// Package stream carries trades from the ingestion front door to the stream
// worker over Kafka. Messages are keyed by symbol so every trade for a symbol
// lands on one partition and is delivered in publish order.
package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/model"
)

const (
	EventTradeSubmitted = "trade.submitted"
	tradeEventVersion   = 1
)

// Envelope is the metadata header shared by every event on the stream.
type Envelope struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeterministicEventID derives a stable event id from parts, so republishing
// the same trade yields the same id.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	return nil
}

// TradeMessage is the flat payload published for a persisted trade.
type TradeMessage struct {
	Envelope
	ID        int64           `json:"id"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"signed_quantity"`
	Price     decimal.Decimal `json:"price"`
	TradeTime time.Time       `json:"trade_time"`
}

// NewTradeMessage wraps a persisted trade for publishing.
func NewTradeMessage(t model.Trade) TradeMessage {
	return TradeMessage{
		Envelope: Envelope{
			EventID:      DeterministicEventID(EventTradeSubmitted, strconv.FormatInt(t.ID, 10)),
			EventType:    EventTradeSubmitted,
			EventVersion: tradeEventVersion,
			Timestamp:    time.Now().UTC(),
		},
		ID:        t.ID,
		Symbol:    t.Symbol,
		Quantity:  t.Quantity,
		Price:     t.Price,
		TradeTime: t.TradeTime,
	}
}

// DecodeTradeMessage parses and validates a trade message.
func DecodeTradeMessage(data []byte) (TradeMessage, error) {
	var msg TradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return TradeMessage{}, fmt.Errorf("decode trade message: %w", err)
	}
	if err := msg.Envelope.Validate(); err != nil {
		return TradeMessage{}, fmt.Errorf("invalid trade message: %w", err)
	}
	if msg.EventType != EventTradeSubmitted {
		return TradeMessage{}, fmt.Errorf("unexpected event_type %q", msg.EventType)
	}
	if msg.ID <= 0 {
		return TradeMessage{}, fmt.Errorf("invalid trade message: id must be positive")
	}
	return msg, nil
}
