package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"payment-orchestrator/internal/events"
	"payment-orchestrator/internal/logging"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/money"
)

func eventsCmd() *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the order event topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Kafka.Broker.URL == "" {
				return errors.New("kafka.broker.url is not set")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.GetLogger(cfg.Logs)
			reader := events.NewReader(cfg.Kafka, groupID)
			defer reader.Close()

			logger.Info("Consuming order events", "topic", cfg.Kafka.Topic.OrderEvents, "groupId", groupID)
			events.Consume(ctx, reader, logger, func(ctx context.Context, e model.OrderEvent) error {
				logger.InfoContext(ctx, "Order event",
					"event", e.Event,
					"eventId", e.ID,
					"orderId", e.Payload.ID,
					"status", e.Payload.Status,
					"method", e.Payload.Method,
					"amount", money.Format(e.Payload.Amount),
					"occurredAt", e.OccurredAt,
				)
				return nil
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group-id", "payment-orchestrator-events", "kafka consumer group")
	return cmd
}
