package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payment-orchestrator/internal/codec"
	"payment-orchestrator/internal/model"
	"payment-orchestrator/internal/params"
	"payment-orchestrator/internal/settings"
	"payment-orchestrator/internal/signing"
)

const (
	wechatUnifiedOrderPath = "/pay/unifiedorder"
	wechatOrderQueryPath   = "/pay/orderquery"

	wechatSuccess     = "SUCCESS"
	wechatFail        = "FAIL"
	wechatContentType = "text/xml; charset=utf-8"

	tradeTypeJSAPI  = "JSAPI"
	tradeTypeNative = "NATIVE"

	defaultClientIP = "127.0.0.1"
)

// WechatAckSuccess is the exact document WeChat Pay expects back from a
// notify endpoint that accepted the callback.
const WechatAckSuccess = "<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>"

const wechatAckFail = "<xml><return_code><![CDATA[FAIL]]></return_code><return_msg><![CDATA[invalid notification]]></return_msg></xml>"

var wechatTradeStates = map[string]model.Status{
	"SUCCESS":    model.StatusPaid,
	"NOTPAY":     model.StatusPending,
	"USERPAYING": model.StatusPending,
	"REFUND":     model.StatusPaid,
	"CLOSED":     model.StatusFailed,
	"REVOKED":    model.StatusFailed,
	"PAYERROR":   model.StatusFailed,
}

// WechatPay speaks the v2 XML API: MD5 "key=" signatures over sorted
// parameters, CDATA-wrapped fields.
type WechatPay struct {
	cfg    settings.Wechat
	apiURL string
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
	nonce  func() string
}

func NewWechatPay(cfg settings.Wechat, apiURL string, opts Options) *WechatPay {
	opts = opts.withDefaults()
	return &WechatPay{
		cfg:    cfg,
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   opts.HTTPClient,
		logger: opts.Logger,
		now:    opts.Now,
		nonce:  opts.Nonce,
	}
}

func (c *WechatPay) sealed() {}

func (c *WechatPay) Method() model.Method {
	return model.MethodWechat
}

func (c *WechatPay) Configured() bool {
	return c.cfg.Configured()
}

func (c *WechatPay) CreateOrder(ctx context.Context, req CreateRequest) (result CreateResult, err error) {
	defer func(start time.Time) { observe(model.MethodWechat, "unifiedorder", start, err) }(time.Now())

	if !c.Configured() {
		return result, c.fail(KindConfig, "", "wechat pay is not configured")
	}
	if reason := req.validate(); reason != "" {
		return result, c.fail(KindValidation, "", reason)
	}

	tradeType := tradeTypeNative
	if req.OpenID != "" {
		tradeType = tradeTypeJSAPI
	}
	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = defaultClientIP
	}

	p := params.Params{
		"appid":            c.cfg.AppID,
		"mch_id":           c.cfg.MchID,
		"nonce_str":        c.nonce(),
		"body":             req.Description,
		"out_trade_no":     req.OrderID,
		"total_fee":        strconv.FormatInt(req.Amount, 10),
		"spbill_create_ip": clientIP,
		"notify_url":       c.cfg.NotifyURL,
		"trade_type":       tradeType,
		"openid":           req.OpenID,
	}

	resp, err := c.call(ctx, wechatUnifiedOrderPath, p)
	if err != nil {
		return result, err
	}

	if tradeType == tradeTypeNative {
		if resp["code_url"] == "" {
			return result, c.fail(KindGateway, "", "response has no code_url")
		}
		result.CodeURL = resp["code_url"]
		return result, nil
	}

	prepayID := resp["prepay_id"]
	if prepayID == "" {
		return result, c.fail(KindGateway, "", "response has no prepay_id")
	}

	inApp := params.Params{
		"appId":     c.cfg.AppID,
		"timeStamp": strconv.FormatInt(c.now().Unix(), 10),
		"nonceStr":  c.nonce(),
		"package":   "prepay_id=" + prepayID,
		"signType":  string(signing.MD5),
	}
	inApp["paySign"] = signing.SignMAC(inApp, c.cfg.APIKey, signing.MD5)
	inApp["prepayId"] = prepayID

	result.InApp = inApp
	return result, nil
}

func (c *WechatPay) QueryOrder(ctx context.Context, orderID string) (result QueryResult, err error) {
	defer func(start time.Time) { observe(model.MethodWechat, "orderquery", start, err) }(time.Now())

	if !c.Configured() {
		return result, c.fail(KindConfig, "", "wechat pay is not configured")
	}

	p := params.Params{
		"appid":        c.cfg.AppID,
		"mch_id":       c.cfg.MchID,
		"out_trade_no": orderID,
		"nonce_str":    c.nonce(),
	}

	resp, err := c.call(ctx, wechatOrderQueryPath, p)
	if err != nil {
		return result, err
	}

	state := resp["trade_state"]
	status, ok := wechatTradeStates[state]
	if !ok {
		return result, c.fail(KindGateway, state, "unknown trade_state")
	}

	result = QueryResult{
		Status:        status,
		TradeState:    state,
		TransactionID: resp["transaction_id"],
	}
	if resp["total_fee"] != "" {
		if result.Amount, err = strconv.ParseInt(resp["total_fee"], 10, 64); err != nil {
			return QueryResult{}, &Error{Method: model.MethodWechat, Kind: KindGateway, Reason: "total_fee is not an integer", Err: err}
		}
	}
	return result, nil
}

// call signs p, posts it as XML and returns the verified response fields
// once both return_code and result_code report SUCCESS.
func (c *WechatPay) call(ctx context.Context, path string, p params.Params) (params.Params, error) {
	p[signing.FieldSign] = signing.SignMAC(p, c.cfg.APIKey, signing.MD5)
	c.logger.DebugContext(ctx, "Calling wechat pay", "path", path, "out_trade_no", p["out_trade_no"])

	body, err := post(ctx, c.http, model.MethodWechat, c.apiURL+path, wechatContentType, codec.EncodeXML(p))
	if err != nil {
		return nil, err
	}

	resp, err := codec.DecodeXML(body)
	if err != nil {
		return nil, &Error{Method: model.MethodWechat, Kind: KindGateway, Reason: "malformed response", Err: err}
	}

	if resp["return_code"] != wechatSuccess {
		return nil, c.fail(KindGateway, resp["return_code"], resp["return_msg"])
	}
	if !signing.VerifyMAC(resp, c.cfg.APIKey) {
		return nil, c.fail(KindSignature, "", "response signature mismatch")
	}
	if resp["result_code"] != wechatSuccess {
		return nil, c.fail(KindGateway, resp["err_code"], resp["err_code_des"])
	}

	return resp, nil
}

func (c *WechatPay) VerifyCallback(p params.Params) bool {
	return signing.VerifyMAC(p, c.cfg.APIKey)
}

func (c *WechatPay) ParseNotification(body []byte) (Notification, error) {
	p, err := codec.DecodeXML(body)
	if err != nil {
		return Notification{}, &Error{Method: model.MethodWechat, Kind: KindValidation, Reason: "malformed notification", Err: err}
	}

	if !c.VerifyCallback(p) {
		return Notification{}, c.fail(KindSignature, "", "notification signature mismatch")
	}

	n := Notification{
		OrderID:       p["out_trade_no"],
		TransactionID: p["transaction_id"],
		TradeState:    p["result_code"],
		Status:        model.StatusPending,
	}

	if p["return_code"] != wechatSuccess {
		n.Reason = p["return_msg"]
		return n, nil
	}

	switch p["result_code"] {
	case wechatSuccess:
		n.Status = model.StatusPaid
	case wechatFail:
		n.Status = model.StatusFailed
		n.Reason = strings.TrimSpace(p["err_code"] + " " + p["err_code_des"])
	}

	if p["total_fee"] != "" {
		amount, err := strconv.ParseInt(p["total_fee"], 10, 64)
		if err != nil {
			n.Anomaly = "total_fee is not an integer"
			return n, nil
		}
		n.Amount = amount
	}

	return n, nil
}

func (c *WechatPay) Ack(ok bool) Ack {
	return AckFor(model.MethodWechat, ok)
}

func (c *WechatPay) fail(kind ErrorKind, code, reason string) *Error {
	return &Error{Method: model.MethodWechat, Kind: kind, Code: code, Reason: reason}
}
