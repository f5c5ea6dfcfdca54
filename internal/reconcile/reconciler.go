// Package reconcile polls the gateways for orders whose callback never
// arrived, so that the ledger converges without waiting on the gateway.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/ledger"
	"payment-orchestrator/internal/logging"
	"payment-orchestrator/internal/model"
)

var (
	// run metrics
	runErrorFetchingCounter = metrics.GetOrCreateCounter(`reconciler_runs_total{result="fetching_failed"}`)
	runSuccessCounter       = metrics.GetOrCreateCounter(`reconciler_runs_total{result="success"}`)

	runDurationHistogram = metrics.GetOrCreateHistogram(`reconciler_run_duration_milliseconds`)

	// per order metrics
	ordersResolvedCounter = metrics.GetOrCreateCounter(`reconciler_orders_total{result="resolved"}`)
	ordersPendingCounter  = metrics.GetOrCreateCounter(`reconciler_orders_total{result="still_pending"}`)
	ordersErrorCounter    = metrics.GetOrCreateCounter(`reconciler_orders_total{result="error"}`)
)

// StatusQuerier is satisfied by *payment.Service.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, id string) (*model.Order, error)
}

type Reconciler struct {
	ledger          ledger.Ledger
	querier         StatusQuerier
	pollingInterval time.Duration
	fetchSize       int
	grace           time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

const defaultPollingInterval = 30 * time.Second

func NewReconciler(l ledger.Ledger, querier StatusQuerier, cfg config.Reconciler, logger *slog.Logger) *Reconciler {
	interval := time.Duration(cfg.PollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollingInterval
	}
	return &Reconciler{
		ledger:          l,
		querier:         querier,
		pollingInterval: interval,
		fetchSize:       cfg.FetchSize,
		grace:           time.Duration(cfg.GraceMs) * time.Millisecond,
		now:             time.Now,
		logger:          logger,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.process(ctx)
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping reconciler")
				return
			}
		}
	}()
}

func (r *Reconciler) process(ctx context.Context) {
	startTime := time.Now()

	// set runId as a correlation id for all logs in scope
	ctx = logging.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	orders, err := r.ledger.ListPending(ctx, r.now().Add(-r.grace), r.fetchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error fetching pending orders", "error", err)
		runErrorFetchingCounter.Inc()
		return
	}

	if len(orders) == 0 {
		r.logger.DebugContext(ctx, "No pending orders to reconcile")
		runSuccessCounter.Inc()
		return
	}

	r.logger.InfoContext(ctx, "Reconciling pending orders", "count", len(orders))
	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		orderCtx := logging.AppendCtx(ctx, slog.String("orderId", order.ID))

		updated, err := r.querier.QueryStatus(orderCtx, order.ID)
		switch {
		case err != nil:
			r.logger.ErrorContext(orderCtx, "Error querying order status", "error", err)
			ordersErrorCounter.Inc()
		case updated.Status.Terminal():
			r.logger.InfoContext(orderCtx, "Order resolved by reconciliation", "status", updated.Status)
			ordersResolvedCounter.Inc()
		default:
			ordersPendingCounter.Inc()
		}

		// moves the order behind every order not polled since
		if err := r.ledger.MarkPolled(orderCtx, order.ID, r.now()); err != nil {
			r.logger.ErrorContext(orderCtx, "Error recording poll time", "error", err)
			ordersErrorCounter.Inc()
		}
	}

	runSuccessCounter.Inc()
	runDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}
