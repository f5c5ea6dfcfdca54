package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/model"
)

var (
	readErrorCounter      = metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="order_event"}`)
	unmarshalErrorCounter = metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="order_event"}`)
	processErrorCounter   = metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="order_event"}`)
	readSuccessCounter    = metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="order_event"}`)
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func NewReader(cfg config.Kafka, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: groupID,
		Topic:   cfg.Topic.OrderEvents,
	})
}

// Consume reads order events until ctx is done. Bad messages are counted
// and skipped.
func Consume(ctx context.Context, reader messageReader, logger *slog.Logger, handle func(context.Context, model.OrderEvent) error) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "Context done, stopping order event consumer")
				return
			}
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			readErrorCounter.Inc()
			continue
		}

		var e model.OrderEvent
		if err := json.Unmarshal(m.Value, &e); err != nil {
			logger.ErrorContext(ctx, "Error unmarshalling message", "error", err, "offset", m.Offset)
			unmarshalErrorCounter.Inc()
			continue
		}

		if err := handle(ctx, e); err != nil {
			logger.ErrorContext(ctx, "Error processing message", "error", err, "eventId", e.ID)
			processErrorCounter.Inc()
			continue
		}
		readSuccessCounter.Inc()
	}
}
