// Package payment is the orchestrator: it creates orders, dispatches them to
// the right gateway, applies verified callbacks and reconciles pending orders
// by querying the gateway.
package payment

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/events"
	"payment-orchestrator/internal/gateway"
	"payment-orchestrator/internal/ledger"
	"payment-orchestrator/internal/logging"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/settings"
)

const maxIDAttempts = 5

var ErrOrderNotFound = errors.New("order not found")

// ValidationError is returned for requests rejected before anything is
// signed or stored.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

type CreateOrderRequest struct {
	UserID   string
	PlanID   string
	PlanName string
	Amount   int64 // minor units
	OpenID   string
	ClientIP string
	Mobile   bool
}

func (r CreateOrderRequest) validate() error {
	switch {
	case r.UserID == "":
		return &ValidationError{Reason: "userId is required"}
	case r.PlanID == "":
		return &ValidationError{Reason: "planId is required"}
	case r.PlanName == "":
		return &ValidationError{Reason: "planName is required"}
	case r.Amount <= 0:
		return &ValidationError{Reason: "amount must be positive"}
	}
	return nil
}

type CreateOrderResult struct {
	Order *model.Order
	gateway.CreateResult
}

type Health struct {
	Wechat bool `json:"wechat"`
	Alipay bool `json:"alipay"`
}

type Service struct {
	ledger    ledger.Ledger
	store     settings.Store
	publisher events.Publisher
	gateways  config.Gateways
	logger    *slog.Logger
	now       func() time.Time
	suffix    func() string

	httpClient *http.Client

	mu      sync.Mutex
	current settings.Settings
	clients map[model.Method]gateway.Client
}

func NewService(l ledger.Ledger, store settings.Store, publisher events.Publisher, gateways config.Gateways, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		ledger:     l,
		store:      store,
		publisher:  publisher,
		gateways:   gateways,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		suffix:     randomSuffix,
		httpClient: &http.Client{Timeout: time.Duration(gateways.TimeoutMs) * time.Millisecond},
	}
}

func (s *Service) CreateOrder(ctx context.Context, method model.Method, req CreateOrderRequest) (*CreateOrderResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	client, err := s.client(ctx, method)
	if err != nil {
		return nil, err
	}
	if !client.Configured() {
		return nil, &gateway.Error{Method: method, Kind: gateway.KindConfig, Reason: fmt.Sprintf("%s is not configured", method)}
	}

	order, err := s.createPending(ctx, method, req)
	if err != nil {
		return nil, err
	}
	ctx = logging.AppendCtx(ctx, slog.String("orderId", order.ID))
	s.logger.InfoContext(ctx, "Created pending order", "method", method, "amount", order.Amount)
	orderCounter(model.StatusPending, "create").Inc()
	s.publisher.Publish(ctx, model.EventOrderCreated, *order)

	created, err := client.CreateOrder(ctx, gateway.CreateRequest{
		OrderID:     order.ID,
		Description: req.PlanName,
		Amount:      req.Amount,
		OpenID:      req.OpenID,
		ClientIP:    req.ClientIP,
		Mobile:      req.Mobile,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Gateway rejected order creation", "error", err)
		s.markFailed(ctx, order.ID, err.Error(), "create")
		return nil, err
	}

	return &CreateOrderResult{Order: order, CreateResult: created}, nil
}

func (s *Service) createPending(ctx context.Context, method model.Method, req CreateOrderRequest) (*model.Order, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		now := s.now()
		order := &model.Order{
			ID:        fmt.Sprintf("%s%d%s", method.OrderPrefix(), now.UnixMilli(), s.suffix()),
			UserID:    req.UserID,
			PlanID:    req.PlanID,
			PlanName:  req.PlanName,
			Amount:    req.Amount,
			Status:    model.StatusPending,
			Method:    method,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err := s.ledger.Create(ctx, order)
		if errors.Is(err, ledger.ErrDuplicate) {
			s.logger.WarnContext(ctx, "Order id collision, retrying", "orderId", order.ID)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "create order")
		}
		return order, nil
	}
	return nil, errors.New("could not allocate a unique order id")
}

// HandleNotify authenticates a gateway callback and applies it. Once the
// signature has been verified the gateway always gets a positive ack, even
// when the order is unknown locally, so it stops retrying.
func (s *Service) HandleNotify(ctx context.Context, method model.Method, body []byte) gateway.Ack {
	client, err := s.client(ctx, method)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error loading gateway settings for notification", "method", method, "error", err)
		notifyCounter(method, "error").Inc()
		return gateway.AckFor(method, false)
	}

	n, err := client.ParseNotification(body)
	if err != nil {
		s.logger.WarnContext(ctx, "Rejected notification", "method", method, "kind", gateway.KindOf(err), "error", err)
		notifyCounter(method, "rejected").Inc()
		return client.Ack(false)
	}

	ctx = logging.AppendCtx(ctx, slog.String("orderId", n.OrderID))
	if n.Anomaly != "" {
		s.logger.ErrorContext(ctx, "Verified notification cannot be applied", "method", method, "anomaly", n.Anomaly)
		notifyCounter(method, "anomaly").Inc()
		return client.Ack(true)
	}
	s.logger.InfoContext(ctx, "Verified notification", "method", method, "tradeState", n.TradeState, "status", n.Status)

	order, err := s.ledger.Get(ctx, n.OrderID)
	if errors.Is(err, ledger.ErrNotFound) {
		s.logger.WarnContext(ctx, "Notification for unknown order")
		notifyCounter(method, "unknown_order").Inc()
		return client.Ack(true)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error loading order for notification", "error", err)
		notifyCounter(method, "error").Inc()
		return client.Ack(true)
	}

	switch n.Status {
	case model.StatusPaid:
		if n.Amount != 0 && n.Amount != order.Amount {
			s.logger.WarnContext(ctx, "Notification amount does not match order",
				"expected", order.Amount, "received", n.Amount)
			notifyCounter(method, "amount_mismatch").Inc()
			return client.Ack(true)
		}
		s.markPaid(ctx, order.ID, n.TransactionID, "notify")
	case model.StatusFailed:
		s.markFailed(ctx, order.ID, n.Reason, "notify")
	default:
		s.logger.InfoContext(ctx, "Notification reports no final state")
	}

	notifyCounter(method, "accepted").Inc()
	return client.Ack(true)
}

// QueryStatus returns the order, polling the gateway first when it is still
// pending. Gateway failures leave the order pending and are only logged.
func (s *Service) QueryStatus(ctx context.Context, id string) (*model.Order, error) {
	order, err := s.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if order.Status.Terminal() {
		return order, nil
	}

	ctx = logging.AppendCtx(ctx, slog.String("orderId", id))

	client, err := s.client(ctx, order.Method)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error loading gateway settings for query", "error", err)
		return order, nil
	}
	if !client.Configured() {
		s.logger.WarnContext(ctx, "Gateway not configured, skipping status query", "method", order.Method)
		return order, nil
	}

	result, err := client.QueryOrder(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "Status query failed", "kind", gateway.KindOf(err), "error", err)
		return order, nil
	}

	switch result.Status {
	case model.StatusPaid:
		if result.Amount != 0 && result.Amount != order.Amount {
			s.logger.ErrorContext(ctx, "Queried amount does not match order",
				"expected", order.Amount, "received", result.Amount)
			queryMismatchCounter(order.Method).Inc()
			return order, nil
		}
		s.markPaid(ctx, id, result.TransactionID, "query")
	case model.StatusFailed:
		s.markFailed(ctx, id, "trade state "+result.TradeState, "query")
	default:
		return order, nil
	}

	updated, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "reload order")
	}
	return updated, nil
}

func (s *Service) markPaid(ctx context.Context, id, transactionID, source string) {
	ok, err := s.ledger.MarkPaid(ctx, id, s.now(), transactionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking order paid", "error", err)
		return
	}
	if !ok {
		s.logger.InfoContext(ctx, "Order already final, paid transition skipped", "source", source)
		return
	}

	s.logger.InfoContext(ctx, "Order paid", "source", source, "transactionId", transactionID)
	orderCounter(model.StatusPaid, source).Inc()
	s.publishCurrent(ctx, model.EventOrderPaid, id)
}

func (s *Service) markFailed(ctx context.Context, id, reason, source string) {
	ok, err := s.ledger.MarkFailed(ctx, id, reason)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking order failed", "error", err)
		return
	}
	if !ok {
		s.logger.InfoContext(ctx, "Order already final, failed transition skipped", "source", source)
		return
	}

	s.logger.InfoContext(ctx, "Order failed", "source", source, "reason", reason)
	orderCounter(model.StatusFailed, source).Inc()
	s.publishCurrent(ctx, model.EventOrderFailed, id)
}

func (s *Service) publishCurrent(ctx context.Context, event, id string) {
	order, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error loading order for event", "event", event, "error", err)
		return
	}
	s.publisher.Publish(ctx, event, *order)
}

func (s *Service) Health(ctx context.Context) (Health, error) {
	current, err := s.store.Load(ctx)
	if err != nil {
		return Health{}, errors.Wrap(err, "load settings")
	}
	return Health{Wechat: current.Wechat.Configured(), Alipay: current.Alipay.Configured()}, nil
}

func (s *Service) Settings(ctx context.Context) (settings.View, error) {
	current, err := s.store.Load(ctx)
	if err != nil {
		return settings.View{}, errors.Wrap(err, "load settings")
	}
	return current.View(), nil
}

func (s *Service) UpdateSettings(ctx context.Context, u settings.Update) (settings.View, error) {
	merged, err := s.store.Update(ctx, u)
	if err != nil {
		return settings.View{}, errors.Wrap(err, "update settings")
	}
	s.logger.InfoContext(ctx, "Gateway settings updated")
	return merged.View(), nil
}

func randomSuffix() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1_000_000)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

func orderCounter(status model.Status, source string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`payment_orders_total{status=%q,source=%q}`, status, source))
}

func notifyCounter(method model.Method, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`payment_notifications_total{method=%q,result=%q}`, method, result))
}

func queryMismatchCounter(method model.Method) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`payment_query_amount_mismatch_total{method=%q}`, method))
}
