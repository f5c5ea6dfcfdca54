package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/gateway"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/params"
	"payment-orchestrator/internal/payment"
	"payment-orchestrator/internal/settings"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeService struct {
	createReq    payment.CreateOrderRequest
	createMethod model.Method
	createErr    error
	notified     []byte
	order        *model.Order
	queryErr     error
	update       settings.Update
}

func (f *fakeService) CreateOrder(_ context.Context, method model.Method, req payment.CreateOrderRequest) (*payment.CreateOrderResult, error) {
	f.createMethod, f.createReq = method, req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &payment.CreateOrderResult{
		Order:        &model.Order{ID: "WX1714564800000000001", Amount: req.Amount},
		CreateResult: gateway.CreateResult{InApp: params.Params{"prepayId": "wx123"}},
	}, nil
}

func (f *fakeService) HandleNotify(_ context.Context, method model.Method, body []byte) gateway.Ack {
	f.notified = body
	return gateway.AckFor(method, true)
}

func (f *fakeService) QueryStatus(_ context.Context, _ string) (*model.Order, error) {
	return f.order, f.queryErr
}

func (f *fakeService) Health(context.Context) (payment.Health, error) {
	return payment.Health{Wechat: true}, nil
}

func (f *fakeService) Settings(context.Context) (settings.View, error) {
	return settings.Settings{Wechat: settings.Wechat{AppID: "wx1", APIKey: "secret"}}.View(), nil
}

func (f *fakeService) UpdateSettings(_ context.Context, u settings.Update) (settings.View, error) {
	f.update = u
	return settings.Settings{}.View(), nil
}

func newTestServer(svc Service, adminToken string, notify config.Notify) http.Handler {
	if notify.RatePerSecond == 0 {
		notify = config.Notify{RatePerSecond: 1000, Burst: 1000}
	}
	return NewServer(svc, config.Server{AdminToken: adminToken}, notify, discard).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doFrom(t, h, "", method, path, body, header)
}

// doFrom issues the request as if it arrived from the given socket address.
func doFrom(t *testing.T, h http.Handler, remoteAddr, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeService{}, "", config.Notify{}), http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"wechat":true,"alipay":false}`, rec.Body.String())
}

func TestLivenessAndMetrics(t *testing.T) {
	h := newTestServer(&fakeService{}, "", config.Notify{})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/liveness", "", nil).Code)

	do(t, h, http.MethodGet, "/health", "", nil)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/health",status="200"}`)
}

func TestSettings_AdminToken(t *testing.T) {
	h := newTestServer(&fakeService{}, "s3cret", config.Notify{})

	tests := []struct {
		name     string
		header   map[string]string
		expected int
	}{
		{"Missing", nil, http.StatusUnauthorized},
		{"Wrong", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"NotBearer", map[string]string{"Authorization": "s3cret"}, http.StatusUnauthorized},
		{"Valid", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/settings", "", tt.header)
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}

func TestSettings_HidesSecrets(t *testing.T) {
	rec := do(t, newTestServer(&fakeService{}, "", config.Notify{}), http.MethodGet, "/settings", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	body := decode(t, rec)
	wechat := body["settings"].(map[string]any)["wechat"].(map[string]any)
	assert.Equal(t, "wx1", wechat["appId"])
	assert.Equal(t, true, wechat["apiKeySet"])
}

func TestPostSettings(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, "", config.Notify{})

	rec := do(t, h, http.MethodPost, "/settings", `{"alipay":{"appId":"2021","sandbox":true}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.update.Alipay)
	assert.Equal(t, "2021", *svc.update.Alipay.AppID)
	assert.Nil(t, svc.update.Alipay.PrivateKey)
	assert.Nil(t, svc.update.Wechat)

	rec = do(t, h, http.MethodPost, "/settings", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreate(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, "", config.Notify{})

	rec := do(t, h, http.MethodPost, "/gateway-a/create",
		`{"userId":"u1","planId":"pro","planName":"Pro plan","amount":45.99,"openId":"o-1","isMobile":true}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.MethodWechat, svc.createMethod)
	assert.Equal(t, int64(4599), svc.createReq.Amount)
	assert.Equal(t, "o-1", svc.createReq.OpenID)
	assert.False(t, svc.createReq.Mobile)
	assert.NotEmpty(t, svc.createReq.ClientIP)
	assert.JSONEq(t, `{"success":true,"orderId":"WX1714564800000000001","amount":45.99,"inApp":{"prepayId":"wx123"}}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/gateway-b/create",
		`{"userId":"u1","planId":"pro","planName":"Pro plan","amount":"100","openId":"ignored","isMobile":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.MethodAlipay, svc.createMethod)
	assert.Equal(t, int64(10000), svc.createReq.Amount)
	assert.True(t, svc.createReq.Mobile)
	assert.Empty(t, svc.createReq.OpenID)
}

func TestCreate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		expected  int
		errorText string
	}{
		{
			name:     "FractionalCents",
			body:     `{"userId":"u","planId":"p","planName":"n","amount":45.999}`,
			expected: http.StatusBadRequest,
		},
		{
			name:     "MalformedBody",
			body:     `{"amount":`,
			expected: http.StatusBadRequest,
		},
		{
			name:      "Validation",
			body:      `{"planId":"p","planName":"n","amount":1}`,
			err:       &payment.ValidationError{Reason: "userId is required"},
			expected:  http.StatusBadRequest,
			errorText: "userId is required",
		},
		{
			name:     "NotConfigured",
			body:     `{"userId":"u","planId":"p","planName":"n","amount":1}`,
			err:      &gateway.Error{Method: model.MethodWechat, Kind: gateway.KindConfig, Reason: "wechat is not configured"},
			expected: http.StatusBadRequest,
		},
		{
			name:      "GatewayFailure",
			body:      `{"userId":"u","planId":"p","planName":"n","amount":1}`,
			err:       &gateway.Error{Method: model.MethodWechat, Kind: gateway.KindGateway, Code: "FAIL", Reason: "appid not exist"},
			expected:  http.StatusBadGateway,
			errorText: "appid not exist",
		},
		{
			name:      "Unexpected",
			body:      `{"userId":"u","planId":"p","planName":"n","amount":1}`,
			err:       errors.New("connection refused to ledger"),
			expected:  http.StatusInternalServerError,
			errorText: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeService{createErr: tt.err}, "", config.Notify{})

			rec := do(t, h, http.MethodPost, "/gateway-a/create", tt.body, nil)

			assert.Equal(t, tt.expected, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
			if tt.errorText != "" {
				assert.Contains(t, body["error"], tt.errorText)
			}
		})
	}
}

func TestNotify(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, "", config.Notify{})

	rec := do(t, h, http.MethodPost, "/gateway-a/notify", "<xml><return_code>SUCCESS</return_code></xml>", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gateway.WechatAckSuccess, rec.Body.String())
	assert.Equal(t, "<xml><return_code>SUCCESS</return_code></xml>", string(svc.notified))

	rec = do(t, h, http.MethodPost, "/gateway-b/notify", "out_trade_no=ALI1", nil)
	assert.Equal(t, "success", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestNotify_RateLimited(t *testing.T) {
	h := newTestServer(&fakeService{}, "", config.Notify{RatePerSecond: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/gateway-b/notify", "a=b", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/gateway-b/notify", "a=b", nil).Code)

	other := doFrom(t, h, "10.0.0.9:5555", http.MethodPost, "/gateway-b/notify", "a=b", nil)
	assert.Equal(t, http.StatusOK, other.Code)

	// create endpoints are not limited
	assert.NotEqual(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/gateway-b/create", "{}", nil).Code)
}

func TestNotify_ForwardedHeadersDoNotBypassLimit(t *testing.T) {
	srv := NewServer(&fakeService{}, config.Server{}, config.Notify{RatePerSecond: 0.001, Burst: 2}, discard)
	h := srv.Router()

	limited := 0
	for i := 0; i < 1000; i++ {
		forwarded := fmt.Sprintf("203.0.%d.%d", i/256, i%256)
		rec := doFrom(t, h, "198.51.100.7:40000", http.MethodPost, "/gateway-a/notify", "<xml/>", map[string]string{
			"X-Forwarded-For": forwarded,
			"X-Real-IP":       forwarded,
		})
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}

	assert.Equal(t, 998, limited)
	assert.Len(t, srv.limiters.limiters, 1)
	assert.Contains(t, srv.limiters.limiters, "198.51.100.7")
}

func TestGetOrder(t *testing.T) {
	paidAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := &fakeService{order: &model.Order{
		ID: "ALI1", Status: model.StatusPaid, Amount: 4599, Method: model.MethodAlipay,
		CreatedAt: paidAt.Add(-time.Minute), UpdatedAt: paidAt, PaidAt: &paidAt,
	}}

	rec := do(t, newTestServer(svc, "", config.Notify{}), http.MethodGet, "/order/ALI1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount":45.99`)

	order := decode(t, rec)["order"].(map[string]any)
	assert.Equal(t, "paid", order["status"])
	assert.Equal(t, "alipay", order["method"])
	assert.Equal(t, "2024-05-01T12:00:00Z", order["paidAt"])
}

func TestGetOrder_NotFound(t *testing.T) {
	svc := &fakeService{queryErr: payment.ErrOrderNotFound}

	rec := do(t, newTestServer(svc, "", config.Notify{}), http.MethodGet, "/order/WX404", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}

func TestIPLimiters_Sweep(t *testing.T) {
	l := newIPLimiters(1, 1)
	now := time.Now()

	l.allow("10.0.0.1", now.Add(-time.Hour))
	l.allow("10.0.0.2", now)
	l.sweep(now)

	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "10.0.0.2")
}

func TestIPLimiters_Capped(t *testing.T) {
	l := newIPLimiters(1, 1)
	l.max = 2
	now := time.Now()

	assert.True(t, l.allow("10.0.0.1", now.Add(-time.Hour)))
	assert.True(t, l.allow("10.0.0.2", now))
	// full, the idle entry is reclaimed
	assert.True(t, l.allow("10.0.0.3", now))
	// full, nothing idle
	assert.False(t, l.allow("10.0.0.4", now))

	assert.Len(t, l.limiters, 2)
	assert.NotContains(t, l.limiters, "10.0.0.4")
}
