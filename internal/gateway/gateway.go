// Package gateway talks to the two payment gateways. Each client builds and
// signs outbound requests, parses responses and authenticates callbacks.
// Failures are returned as *Error values; nothing is retried here.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/params"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
)

type ErrorKind string

const (
	KindConfig     ErrorKind = "config"
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
	KindGateway    ErrorKind = "gateway"
	KindSignature  ErrorKind = "signature"
)

type Error struct {
	Method model.Method
	Kind   ErrorKind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Method, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a gateway error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

type CreateRequest struct {
	OrderID     string
	Description string
	Amount      int64
	// OpenID is the payer's WeChat handle; when set the order is created
	// for in-app payment instead of a scannable code.
	OpenID   string
	ClientIP string
	// Mobile selects the Alipay mobile web cashier.
	Mobile bool
}

func (r CreateRequest) validate() string {
	switch {
	case r.OrderID == "":
		return "order id is required"
	case r.Description == "":
		return "description is required"
	case r.Amount <= 0:
		return "amount must be positive"
	}
	return ""
}

type CreateResult struct {
	InApp       params.Params `json:"inApp,omitempty"`
	CodeURL     string        `json:"codeUrl,omitempty"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
}

type QueryResult struct {
	Status        model.Status
	TradeState    string
	TransactionID string

	// Amount is the settled amount in minor units, zero when the gateway
	// did not report one.
	Amount int64
}

// Notification is a verified callback mapped onto the canonical statuses.
type Notification struct {
	OrderID       string
	TransactionID string
	Status        model.Status
	TradeState    string
	Amount        int64
	Reason        string

	// Anomaly is set when the callback verified but must not be applied.
	// The gateway is still acked so it stops redelivering.
	Anomaly string
}

// Ack is the gateway-specific reply to a callback.
type Ack struct {
	ContentType string
	Body        string
}

// Client is implemented by exactly two types, *WechatPay and *Alipay.
type Client interface {
	Method() model.Method
	Configured() bool
	CreateOrder(ctx context.Context, req CreateRequest) (CreateResult, error)
	QueryOrder(ctx context.Context, orderID string) (QueryResult, error)
	VerifyCallback(p params.Params) bool
	ParseNotification(body []byte) (Notification, error)
	Ack(ok bool) Ack

	sealed()
}

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
	Nonce      func() string
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Nonce == nil {
		o.Nonce = func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	return o
}

// AckFor renders the reply a gateway expects from a notify endpoint. It does
// not need credentials, so it also serves requests that fail before a
// client can be built.
func AckFor(method model.Method, ok bool) Ack {
	switch method {
	case model.MethodWechat:
		if ok {
			return Ack{ContentType: wechatContentType, Body: WechatAckSuccess}
		}
		return Ack{ContentType: wechatContentType, Body: wechatAckFail}
	default:
		if ok {
			return Ack{ContentType: alipayAckContentType, Body: "success"}
		}
		return Ack{ContentType: alipayAckContentType, Body: "fail"}
	}
}

func post(ctx context.Context, client *http.Client, method model.Method, url, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Method: method, Kind: KindNetwork, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Method: method, Kind: KindNetwork, Reason: "send request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Method: method, Kind: KindNetwork, Reason: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Method: method, Kind: KindGateway, Code: resp.Status, Reason: truncate(string(respBody), 256)}
	}

	return respBody, nil
}

func observe(method model.Method, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = string(KindOf(err))
		if result == "" {
			result = "error"
		}
	}

	metrics.GetOrCreateCounter(fmt.Sprintf(`gateway_requests_total{method=%q,op=%q,result=%q}`, method, op, result)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`gateway_request_duration_milliseconds{method=%q,op=%q}`, method, op)).
		Update(float64(time.Since(start).Milliseconds()))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
