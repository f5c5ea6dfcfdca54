// Package events carries order lifecycle changes over Kafka.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/model"
)

var (
	publishSuccessCounter = metrics.GetOrCreateCounter(`order_events_published_total{result="success"}`)
	publishErrorCounter   = metrics.GetOrCreateCounter(`order_events_published_total{result="error"}`)
)

type Publisher interface {
	Publish(ctx context.Context, event string, order model.Order)
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, model.Order) {}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes events keyed by order id so that the events of one order
// stay in a single partition.
type Kafka struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

func NewKafka(writer messageWriter, logger *slog.Logger) *Kafka {
	return &Kafka{writer: writer, logger: logger, now: time.Now}
}

func NewWriter(cfg config.Kafka) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Broker.URL, ",")...),
		Topic:                  cfg.Topic.OrderEvents,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              cfg.Writer.BatchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(cfg.Writer.BatchTimeoutMs) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

// Publish never fails the caller: the order state is already committed and
// the event is informational.
func (k *Kafka) Publish(ctx context.Context, event string, order model.Order) {
	e := model.OrderEvent{
		ID:         uuid.New(),
		Event:      event,
		Payload:    order,
		OccurredAt: k.now().UTC(),
	}

	value, err := json.Marshal(e)
	if err != nil {
		k.logger.ErrorContext(ctx, "Error marshalling order event", "error", err)
		publishErrorCounter.Inc()
		return
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(order.ID), Value: value})
	if err != nil {
		k.logger.ErrorContext(ctx, "Error writing order event to Kafka", "event", event, "error", err)
		publishErrorCounter.Inc()
		return
	}

	k.logger.DebugContext(ctx, "Published order event", "event", event, "eventId", e.ID)
	publishSuccessCounter.Inc()
}
