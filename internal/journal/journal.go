// Package journal publishes order lifecycle events to Kafka so downstream
// consumers (risk, reporting, notifications) see every mutation the gateway
// performed. Publishing is fire-and-forget: a journal outage never delays or
// fails an order.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/realalgo/gateway/internal/config"
	"github.com/realalgo/gateway/pkg/metrics"
)

// OrderEvent is one journaled mutation outcome.
type OrderEvent struct {
	Event         string    `json:"event"`
	AccountID     string    `json:"account_id"`
	Broker        string    `json:"broker,omitempty"`
	Symbol        string    `json:"symbol,omitempty"`
	Exchange      string    `json:"exchange,omitempty"`
	Side          string    `json:"action,omitempty"`
	Quantity      int64     `json:"quantity,omitempty"`
	Status        string    `json:"status"`
	BrokerOrderID string    `json:"orderid,omitempty"`
	Message       string    `json:"message,omitempty"`
	ClientTag     string    `json:"strategy,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Event names.
const (
	EventOrderPlaced    = "order_placed"
	EventOrderModified  = "order_modified"
	EventOrderCancelled = "order_cancelled"
	EventCancelAll      = "cancel_all"
)

// Recorder accepts order events. Implementations must not block the caller.
type Recorder interface {
	Record(ev OrderEvent)
}

// Nop discards every event. Used when journaling is disabled.
type Nop struct{}

func (Nop) Record(OrderEvent) {}

// messageWriter is the slice of kafka.Writer the journal uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Journal writes order events to a single Kafka topic, keyed by account so
// one account's events stay ordered within a partition.
type Journal struct {
	log *zap.Logger
	w   messageWriter
}

// New builds a journal over the configured brokers and topic.
func New(log *zap.Logger, cfg config.KafkaConfig) *Journal {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.JournalErrors.Add(float64(len(msgs)))
				log.Warn("journal publish failed", zap.Error(err), zap.Int("count", len(msgs)))
			}
		},
	}
	return &Journal{log: log, w: w}
}

// Record enqueues one event. The async writer makes this non-blocking;
// failures are counted and logged, never returned.
func (j *Journal) Record(ev OrderEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.JournalErrors.Inc()
		j.log.Warn("journal marshal failed", zap.Error(err), zap.String("event", ev.Event))
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.AccountID),
		Value: payload,
		Time:  ev.Timestamp,
	}
	if err := j.w.WriteMessages(context.Background(), msg); err != nil {
		metrics.JournalErrors.Inc()
		j.log.Warn("journal write failed", zap.Error(err), zap.String("event", ev.Event))
	}
}

// Close flushes and closes the underlying writer.
func (j *Journal) Close() error {
	return j.w.Close()
}
