package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"payment-orchestrator/internal/codec"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/money"
	"payment-orchestrator/internal/params"
	"payment-orchestrator/internal/settings"
	"payment-orchestrator/internal/signing"
)

const (
	alipayMethodPagePay = "alipay.trade.page.pay"
	alipayMethodWapPay  = "alipay.trade.wap.pay"
	alipayMethodQuery   = "alipay.trade.query"

	alipayProductPage = "FAST_INSTANT_TRADE_PAY"
	alipayProductWap  = "QUICK_WAP_WAY"

	alipayCodeSuccess    = "10000"
	alipayCodeBusiness   = "40004"
	alipayTradeNotExist  = "ACQ.TRADE_NOT_EXIST"
	alipayTimestampFmt   = "2006-01-02 15:04:05"
	alipayFormType       = "application/x-www-form-urlencoded; charset=utf-8"
	alipayAckContentType = "text/plain; charset=utf-8"
)

var alipayZone = time.FixedZone("CST", 8*60*60)

var alipayTradeStates = map[string]model.Status{
	"WAIT_BUYER_PAY": model.StatusPending,
	"TRADE_SUCCESS":  model.StatusPaid,
	"TRADE_FINISHED": model.StatusPaid,
	"TRADE_CLOSED":   model.StatusFailed,
}

// Alipay speaks the OpenAPI with RSA2 (SHA256withRSA) signatures. Orders are
// paid on Alipay's cashier page, so creation only builds a signed redirect.
type Alipay struct {
	cfg        settings.Alipay
	gatewayURL string
	private    *rsa.PrivateKey
	public     *rsa.PublicKey
	keyErr     error
	http       *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewAlipay(cfg settings.Alipay, gatewayURL string, opts Options) *Alipay {
	opts = opts.withDefaults()
	c := &Alipay{
		cfg:        cfg,
		gatewayURL: gatewayURL,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
		now:        opts.Now,
	}

	if cfg.Configured() {
		c.private, c.keyErr = signing.ParsePrivateKey(cfg.PrivateKey)
		if c.keyErr == nil {
			c.public, c.keyErr = signing.ParsePublicKey(cfg.PublicKey)
		}
	}
	return c
}

func (c *Alipay) sealed() {}

func (c *Alipay) Method() model.Method {
	return model.MethodAlipay
}

func (c *Alipay) Configured() bool {
	return c.cfg.Configured()
}

func (c *Alipay) ready() error {
	if !c.Configured() {
		return c.fail(KindConfig, "", "alipay is not configured")
	}
	if c.keyErr != nil {
		return &Error{Method: model.MethodAlipay, Kind: KindConfig, Reason: "invalid key material", Err: c.keyErr}
	}
	return nil
}

func (c *Alipay) common(method string) params.Params {
	return params.Params{
		"app_id":    c.cfg.AppID,
		"method":    method,
		"format":    "JSON",
		"charset":   "utf-8",
		"sign_type": "RSA2",
		"timestamp": c.now().In(alipayZone).Format(alipayTimestampFmt),
		"version":   "1.0",
	}
}

func (c *Alipay) sign(p params.Params) error {
	sig, err := signing.SignRSA(p, c.private)
	if err != nil {
		return &Error{Method: model.MethodAlipay, Kind: KindConfig, Reason: "sign request", Err: err}
	}
	p[signing.FieldSign] = sig
	return nil
}

func (c *Alipay) CreateOrder(ctx context.Context, req CreateRequest) (result CreateResult, err error) {
	defer func(start time.Time) { observe(model.MethodAlipay, "pay", start, err) }(time.Now())

	if err := c.ready(); err != nil {
		return result, err
	}
	if reason := req.validate(); reason != "" {
		return result, c.fail(KindValidation, "", reason)
	}

	method, product := alipayMethodPagePay, alipayProductPage
	if req.Mobile {
		method, product = alipayMethodWapPay, alipayProductWap
	}

	biz, err := json.Marshal(struct {
		OutTradeNo  string `json:"out_trade_no"`
		TotalAmount string `json:"total_amount"`
		Subject     string `json:"subject"`
		ProductCode string `json:"product_code"`
	}{req.OrderID, money.Format(req.Amount), req.Description, product})
	if err != nil {
		return result, &Error{Method: model.MethodAlipay, Kind: KindValidation, Reason: "encode biz_content", Err: err}
	}

	p := c.common(method)
	p["biz_content"] = string(biz)
	if c.cfg.NotifyURL != "" {
		p["notify_url"] = c.cfg.NotifyURL
	}
	if c.cfg.ReturnURL != "" {
		p["return_url"] = c.cfg.ReturnURL
	}
	if err := c.sign(p); err != nil {
		return result, err
	}

	c.logger.DebugContext(ctx, "Built alipay redirect", "method", method, "out_trade_no", req.OrderID)
	result.RedirectURL = c.gatewayURL + "?" + codec.EncodeForm(p)
	return result, nil
}

type alipayQueryResponse struct {
	Code          string `json:"code"`
	Msg           string `json:"msg"`
	SubCode       string `json:"sub_code"`
	SubMsg        string `json:"sub_msg"`
	TradeNo       string `json:"trade_no"`
	OutTradeNo    string `json:"out_trade_no"`
	TradeStatus   string `json:"trade_status"`
	TotalAmount   string `json:"total_amount"`
	BuyerLogonID  string `json:"buyer_logon_id"`
	SendPayDate   string `json:"send_pay_date"`
	ReceiptAmount string `json:"receipt_amount"`
}

func (c *Alipay) QueryOrder(ctx context.Context, orderID string) (result QueryResult, err error) {
	defer func(start time.Time) { observe(model.MethodAlipay, "query", start, err) }(time.Now())

	if err := c.ready(); err != nil {
		return result, err
	}

	biz, _ := json.Marshal(map[string]string{"out_trade_no": orderID})
	p := c.common(alipayMethodQuery)
	p["biz_content"] = string(biz)
	if err := c.sign(p); err != nil {
		return result, err
	}

	c.logger.DebugContext(ctx, "Calling alipay", "method", alipayMethodQuery, "out_trade_no", orderID)
	body, err := post(ctx, c.http, model.MethodAlipay, c.gatewayURL, alipayFormType, []byte(codec.EncodeForm(p)))
	if err != nil {
		return result, err
	}

	var envelope struct {
		Response json.RawMessage `json:"alipay_trade_query_response"`
		Sign     string          `json:"sign"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Response) == 0 {
		return result, &Error{Method: model.MethodAlipay, Kind: KindGateway, Reason: "malformed response", Err: err}
	}

	if !signing.VerifyRSAContent(string(envelope.Response), envelope.Sign, c.public) {
		return result, c.fail(KindSignature, "", "response signature mismatch")
	}

	var resp alipayQueryResponse
	if err := json.Unmarshal(envelope.Response, &resp); err != nil {
		return result, &Error{Method: model.MethodAlipay, Kind: KindGateway, Reason: "malformed response", Err: err}
	}

	switch {
	case resp.Code == alipayCodeSuccess:
		status, ok := alipayTradeStates[resp.TradeStatus]
		if !ok {
			return result, c.fail(KindGateway, resp.TradeStatus, "unknown trade_status")
		}
		result = QueryResult{Status: status, TradeState: resp.TradeStatus, TransactionID: resp.TradeNo}
		if resp.TotalAmount != "" {
			if result.Amount, err = money.Parse(resp.TotalAmount); err != nil {
				return QueryResult{}, &Error{Method: model.MethodAlipay, Kind: KindGateway, Reason: "total_amount", Err: err}
			}
		}
		return result, nil
	case resp.Code == alipayCodeBusiness && resp.SubCode == alipayTradeNotExist:
		// the buyer never opened the cashier page
		return QueryResult{Status: model.StatusPending, TradeState: resp.SubCode}, nil
	default:
		code := resp.SubCode
		if code == "" {
			code = resp.Code
		}
		reason := resp.SubMsg
		if reason == "" {
			reason = resp.Msg
		}
		return result, c.fail(KindGateway, code, reason)
	}
}

func (c *Alipay) VerifyCallback(p params.Params) bool {
	return signing.VerifyRSA(p, c.public)
}

func (c *Alipay) ParseNotification(body []byte) (Notification, error) {
	p, err := codec.DecodeForm(body)
	if err != nil {
		return Notification{}, &Error{Method: model.MethodAlipay, Kind: KindValidation, Reason: "malformed notification", Err: err}
	}
	if len(p) == 0 {
		return Notification{}, c.fail(KindValidation, "", "empty notification")
	}

	if !c.VerifyCallback(p) {
		return Notification{}, c.fail(KindSignature, "", "notification signature mismatch")
	}

	n := Notification{
		OrderID:       p["out_trade_no"],
		TransactionID: p["trade_no"],
		TradeState:    p["trade_status"],
		Status:        model.StatusPending,
	}
	if p["app_id"] != c.cfg.AppID {
		n.Anomaly = "app_id " + p["app_id"] + " does not match"
		return n, nil
	}
	if status, ok := alipayTradeStates[n.TradeState]; ok {
		n.Status = status
	}
	if n.Status == model.StatusFailed {
		n.Reason = strings.ToLower(n.TradeState)
	}

	if p["total_amount"] != "" {
		amount, err := money.Parse(p["total_amount"])
		if err != nil {
			n.Anomaly = "total_amount " + p["total_amount"] + " is not a valid amount"
			return n, nil
		}
		n.Amount = amount
	}

	return n, nil
}

func (c *Alipay) Ack(ok bool) Ack {
	return AckFor(model.MethodAlipay, ok)
}

func (c *Alipay) fail(kind ErrorKind, code, reason string) *Error {
	return &Error{Method: model.MethodAlipay, Kind: kind, Code: code, Reason: reason}
}
