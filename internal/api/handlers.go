package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-orchestrator/internal/gateway"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/money"
	"payment-orchestrator/internal/params"
	"payment-orchestrator/internal/payment"
	"payment-orchestrator/internal/settings"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// createRequest carries amounts in major units. OpenID is the payer's WeChat
// handle and selects in-app payment; IsMobile picks the Alipay mobile cashier.
type createRequest struct {
	UserID   string          `json:"userId"`
	PlanID   string          `json:"planId"`
	PlanName string          `json:"planName"`
	Amount   decimal.Decimal `json:"amount"`
	OpenID   string          `json:"openId"`
	IsMobile bool            `json:"isMobile"`
}

type createResponse struct {
	Success     bool          `json:"success"`
	OrderID     string        `json:"orderId"`
	Amount      json.Number   `json:"amount"`
	InApp       params.Params `json:"inApp,omitempty"`
	CodeURL     string        `json:"codeUrl,omitempty"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
}

type orderView struct {
	ID            string       `json:"id"`
	Status        model.Status `json:"status"`
	Amount        json.Number  `json:"amount"`
	Method        model.Method `json:"method"`
	UserID        string       `json:"userId"`
	PlanID        string       `json:"planId"`
	PlanName      string       `json:"planName"`
	TransactionID string       `json:"transactionId,omitempty"`
	FailureReason string       `json:"failureReason,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	PaidAt        *time.Time   `json:"paidAt,omitempty"`
}

type orderResponse struct {
	Success bool      `json:"success"`
	Order   orderView `json:"order"`
}

type healthResponse struct {
	Success bool `json:"success"`
	payment.Health
}

type settingsResponse struct {
	Success  bool          `json:"success"`
	Settings settings.View `json:"settings"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Success: true, Health: h})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Settings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Success: true, Settings: view})
}

func (s *Server) postSettings(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := decodeJSON(w, r, &u); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	view, err := s.svc.UpdateSettings(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Success: true, Settings: view})
}

func (s *Server) createWechat(w http.ResponseWriter, r *http.Request) {
	s.create(w, r, model.MethodWechat)
}

func (s *Server) createAlipay(w http.ResponseWriter, r *http.Request) {
	s.create(w, r, model.MethodAlipay)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, method model.Method) {
	var body createRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	amount, err := money.FromDecimal(body.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	req := payment.CreateOrderRequest{
		UserID:   body.UserID,
		PlanID:   body.PlanID,
		PlanName: body.PlanName,
		Amount:   amount,
		ClientIP: remoteIP(r),
	}
	switch method {
	case model.MethodWechat:
		req.OpenID = body.OpenID
	case model.MethodAlipay:
		req.Mobile = body.IsMobile
	}

	result, err := s.svc.CreateOrder(r.Context(), method, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, createResponse{
		Success:     true,
		OrderID:     result.Order.ID,
		Amount:      json.Number(money.Format(result.Order.Amount)),
		InApp:       result.InApp,
		CodeURL:     result.CodeURL,
		RedirectURL: result.RedirectURL,
	})
}

func (s *Server) notify(method model.Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotifyBody))
		if err != nil {
			s.logger.WarnContext(r.Context(), "Error reading notification body", "method", method, "error", err)
			writeAck(w, gateway.AckFor(method, false))
			return
		}

		writeAck(w, s.svc.HandleNotify(r.Context(), method, body))
	}
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.QueryStatus(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{Success: true, Order: orderView{
		ID:            order.ID,
		Status:        order.Status,
		Amount:        json.Number(money.Format(order.Amount)),
		Method:        order.Method,
		UserID:        order.UserID,
		PlanID:        order.PlanID,
		PlanName:      order.PlanName,
		TransactionID: order.TransactionID,
		FailureReason: order.FailureReason,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
		PaidAt:        order.PaidAt,
	}})
}

// writeError maps the error taxonomy onto status codes. Unexpected errors
// are logged and hidden behind a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *payment.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, payment.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		switch gateway.KindOf(err) {
		case gateway.KindConfig, gateway.KindValidation:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		case gateway.KindNetwork, gateway.KindGateway, gateway.KindSignature:
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		default:
			s.logger.ErrorContext(r.Context(), "Unhandled error", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAck(w http.ResponseWriter, ack gateway.Ack) {
	w.Header().Set("Content-Type", ack.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ack.Body)
}

func observeRequest(method, route string, status int, duration time.Duration) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`http_requests_total{method=%q,route=%q,status="%d"}`, method, route, status)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`http_request_duration_milliseconds{route=%q}`, route)).
		Update(float64(duration.Milliseconds()))
}
