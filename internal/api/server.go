// Package api is the HTTP surface of the orchestrator.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/gateway"
	"payment-orchestrator/internal/logging"
	appmetrics "payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/payment"
	"payment-orchestrator/internal/settings"
)

const (
	maxJSONBody   = 64 << 10
	maxNotifyBody = 64 << 10
)

var (
	rateLimitedCounter  = metrics.GetOrCreateCounter(`http_rate_limited_total`)
	unauthorizedCounter = metrics.GetOrCreateCounter(`http_unauthorized_total`)
)

// Service is the part of *payment.Service the handlers depend on.
type Service interface {
	CreateOrder(ctx context.Context, method model.Method, req payment.CreateOrderRequest) (*payment.CreateOrderResult, error)
	HandleNotify(ctx context.Context, method model.Method, body []byte) gateway.Ack
	QueryStatus(ctx context.Context, id string) (*model.Order, error)
	Health(ctx context.Context) (payment.Health, error)
	Settings(ctx context.Context) (settings.View, error)
	UpdateSettings(ctx context.Context, u settings.Update) (settings.View, error)
}

type Server struct {
	svc      Service
	cfg      config.Server
	limiters *ipLimiters
	logger   *slog.Logger
}

func NewServer(svc Service, cfg config.Server, notify config.Notify, logger *slog.Logger) *Server {
	return &Server{
		svc:      svc,
		cfg:      cfg,
		limiters: newIPLimiters(notify.RatePerSecond, notify.Burst),
		logger:   logger,
	}
}

// Start runs background housekeeping until ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.limiters.startSweeper(ctx)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(capturePeer)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", appmetrics.Handler())

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Get("/settings", s.getSettings)
		r.Post("/settings", s.postSettings)
	})

	r.Post("/gateway-a/create", s.createWechat)
	r.Post("/gateway-b/create", s.createAlipay)

	r.Group(func(r chi.Router) {
		r.Use(s.limiters.middleware)
		r.Post("/gateway-a/notify", s.notify(model.MethodWechat))
		r.Post("/gateway-b/notify", s.notify(model.MethodAlipay))
	})

	r.Get("/order/{orderId}", s.getOrder)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.AppendCtx(r.Context(), slog.String("requestId", middleware.GetReqID(r.Context())))
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)

		s.logger.InfoContext(ctx, "HTTP request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"durationMs", duration.Milliseconds(),
		)
		observeRequest(r.Method, route, ww.Status(), duration)
	})
}

// adminOnly guards the settings routes when server.admin-token is set.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			unauthorizedCounter.Inc()
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
