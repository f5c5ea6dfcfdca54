// Package sandbox is a stand-in for both payment gateways. It accepts signed
// requests, answers with signed responses and builds signed callbacks, which
// is enough to drive the whole order lifecycle without real merchant accounts.
package sandbox

import (
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-orchestrator/internal/codec"
	"payment-orchestrator/internal/money"
	"payment-orchestrator/internal/params"
	"payment-orchestrator/internal/signing"
)

const (
	xmlContentType  = "text/xml; charset=utf-8"
	jsonContentType = "application/json; charset=utf-8"

	stateNotPay      = "NOTPAY"
	alipayQuery      = "alipay.trade.query"
	alipayQueryNode  = "alipay_trade_query_response"
	alipayNotifyType = "trade_status_sync"
)

type Config struct {
	WechatAPIKey string
	AlipayAppID  string
	// AlipayPrivateKey signs responses and callbacks as the platform.
	AlipayPrivateKey string
	// AlipayMerchantPublicKey, when set, is used to reject unsigned requests.
	AlipayMerchantPublicKey string
}

type trade struct {
	state         string
	transactionID string
	amount        int64
}

type Server struct {
	cfg         Config
	platformKey *rsa.PrivateKey
	merchantKey *rsa.PublicKey
	logger      *slog.Logger

	mu     sync.Mutex
	trades map[string]*trade
}

func New(cfg Config, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, trades: make(map[string]*trade)}

	if cfg.AlipayPrivateKey != "" {
		key, err := signing.ParsePrivateKey(cfg.AlipayPrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "sandbox alipay private key")
		}
		s.platformKey = key
	}
	if cfg.AlipayMerchantPublicKey != "" {
		key, err := signing.ParsePublicKey(cfg.AlipayMerchantPublicKey)
		if err != nil {
			return nil, errors.Wrap(err, "sandbox alipay merchant public key")
		}
		s.merchantKey = key
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(countMiddleware, loggingMiddleware(s.logger))

	r.Post("/pay/unifiedorder", s.wechatUnifiedOrder)
	r.Post("/pay/orderquery", s.wechatOrderQuery)
	r.Post("/gateway.do", s.alipayGateway)
	return r
}

// SetTradeState scripts what the next status query for orderID reports,
// e.g. "SUCCESS" or "TRADE_SUCCESS". A transaction id is assigned on first use.
func (s *Server) SetTradeState(orderID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tradeLocked(orderID)
	t.state = state
}

// SetTradeAmount overrides the amount, in minor units, that status queries
// report for orderID.
func (s *Server) SetTradeAmount(orderID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tradeLocked(orderID).amount = amount
}

// TradeState returns the scripted state and whether the order is known.
func (s *Server) TradeState(orderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[orderID]
	if !ok {
		return "", false
	}
	return t.state, true
}

func (s *Server) tradeLocked(orderID string) *trade {
	t, ok := s.trades[orderID]
	if !ok {
		t = &trade{transactionID: strings.ReplaceAll(uuid.NewString(), "-", "")[:28]}
		s.trades[orderID] = t
	}
	return t
}

// WechatNotification builds the XML body WeChat Pay posts to notify_url.
func (s *Server) WechatNotification(orderID string, amount int64, resultCode string) []byte {
	s.mu.Lock()
	t := s.tradeLocked(orderID)
	txID := t.transactionID
	s.mu.Unlock()

	p := params.Params{
		"return_code":    "SUCCESS",
		"result_code":    resultCode,
		"out_trade_no":   orderID,
		"transaction_id": txID,
		"total_fee":      strconv.FormatInt(amount, 10),
		"nonce_str":      nonce(),
		"trade_type":     "NATIVE",
	}
	if resultCode != "SUCCESS" {
		p["err_code"] = "PAYERROR"
		p["err_code_des"] = "payment declined"
	}
	p[signing.FieldSign] = signing.SignMAC(p, s.cfg.WechatAPIKey, signing.MD5)
	return codec.EncodeXML(p)
}

// AlipayNotification builds the form body Alipay posts to notify_url.
func (s *Server) AlipayNotification(orderID string, amount int64, tradeStatus string) ([]byte, error) {
	s.mu.Lock()
	t := s.tradeLocked(orderID)
	txID := t.transactionID
	s.mu.Unlock()

	p := params.Params{
		"app_id":       s.cfg.AlipayAppID,
		"notify_type":  alipayNotifyType,
		"notify_id":    nonce(),
		"out_trade_no": orderID,
		"trade_no":     txID,
		"trade_status": tradeStatus,
		"total_amount": money.Format(amount),
		"charset":      "utf-8",
		"sign_type":    "RSA2",
	}
	sig, err := signing.SignRSAContent(p.Canonical(signing.FieldSign, signing.FieldSignType), s.platformKey)
	if err != nil {
		return nil, err
	}
	p[signing.FieldSign] = sig
	return []byte(codec.EncodeForm(p)), nil
}

func (s *Server) wechatUnifiedOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readWechat(w, r)
	if !ok {
		return
	}

	amount, _ := strconv.ParseInt(req["total_fee"], 10, 64)
	s.mu.Lock()
	t := s.tradeLocked(req["out_trade_no"])
	if t.state == "" {
		t.state = stateNotPay
	}
	t.amount = amount
	s.mu.Unlock()

	prepayID := "wx" + nonce()
	resp := params.Params{
		"return_code": "SUCCESS",
		"return_msg":  "OK",
		"result_code": "SUCCESS",
		"appid":       req["appid"],
		"mch_id":      req["mch_id"],
		"nonce_str":   nonce(),
		"trade_type":  req["trade_type"],
		"prepay_id":   prepayID,
	}
	if req["trade_type"] == "NATIVE" {
		resp["code_url"] = "weixin://wxpay/bizpayurl?pr=" + prepayID[2:12]
	}
	s.writeWechat(w, resp)
}

func (s *Server) wechatOrderQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readWechat(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	t, found := s.trades[req["out_trade_no"]]
	var (
		state, txID string
		amount      int64
	)
	if found {
		state, txID, amount = t.state, t.transactionID, t.amount
	}
	s.mu.Unlock()

	resp := params.Params{
		"return_code":  "SUCCESS",
		"return_msg":   "OK",
		"appid":        req["appid"],
		"mch_id":       req["mch_id"],
		"nonce_str":    nonce(),
		"out_trade_no": req["out_trade_no"],
	}
	if !found {
		resp["result_code"] = "FAIL"
		resp["err_code"] = "ORDERNOTEXIST"
		resp["err_code_des"] = "order does not exist"
	} else {
		resp["result_code"] = "SUCCESS"
		resp["trade_state"] = state
		if state == "SUCCESS" {
			resp["transaction_id"] = txID
		}
		if amount > 0 {
			resp["total_fee"] = strconv.FormatInt(amount, 10)
		}
	}
	s.writeWechat(w, resp)
}

func (s *Server) readWechat(w http.ResponseWriter, r *http.Request) (params.Params, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	req, err := codec.DecodeXML(body)
	if err != nil {
		s.writeWechatRaw(w, params.Params{"return_code": "FAIL", "return_msg": "invalid xml"})
		return nil, false
	}
	if !signing.VerifyMAC(req, s.cfg.WechatAPIKey) {
		s.writeWechatRaw(w, params.Params{"return_code": "FAIL", "return_msg": "signature error"})
		return nil, false
	}
	return req, true
}

func (s *Server) writeWechat(w http.ResponseWriter, p params.Params) {
	p[signing.FieldSign] = signing.SignMAC(p, s.cfg.WechatAPIKey, signing.MD5)
	s.writeWechatRaw(w, p)
}

func (s *Server) writeWechatRaw(w http.ResponseWriter, p params.Params) {
	w.Header().Set("Content-Type", xmlContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(codec.EncodeXML(p))
}

type alipayQueryResponse struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	SubCode     string `json:"sub_code,omitempty"`
	SubMsg      string `json:"sub_msg,omitempty"`
	OutTradeNo  string `json:"out_trade_no,omitempty"`
	TradeNo     string `json:"trade_no,omitempty"`
	TradeStatus string `json:"trade_status,omitempty"`
	TotalAmount string `json:"total_amount,omitempty"`
}

func (s *Server) alipayGateway(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := codec.DecodeForm(body)
	if err != nil || req["method"] != alipayQuery {
		s.writeAlipay(w, alipayQueryResponse{Code: "40001", Msg: "Missing Required Arguments", SubCode: "isv.missing-method"})
		return
	}
	if s.merchantKey != nil && !signing.VerifyRSAContent(req.Canonical(signing.FieldSign), req[signing.FieldSign], s.merchantKey) {
		s.writeAlipay(w, alipayQueryResponse{Code: "40002", Msg: "Invalid Arguments", SubCode: "isv.invalid-signature"})
		return
	}

	var biz struct {
		OutTradeNo string `json:"out_trade_no"`
	}
	_ = json.Unmarshal([]byte(req["biz_content"]), &biz)

	s.mu.Lock()
	t, found := s.trades[biz.OutTradeNo]
	var resp alipayQueryResponse
	if !found || t.state == "" {
		resp = alipayQueryResponse{Code: "40004", Msg: "Business Failed", SubCode: "ACQ.TRADE_NOT_EXIST", SubMsg: "trade does not exist"}
	} else {
		resp = alipayQueryResponse{
			Code:        "10000",
			Msg:         "Success",
			OutTradeNo:  biz.OutTradeNo,
			TradeNo:     t.transactionID,
			TradeStatus: t.state,
		}
		if t.amount > 0 {
			resp.TotalAmount = money.Format(t.amount)
		}
	}
	s.mu.Unlock()

	s.writeAlipay(w, resp)
}

func (s *Server) writeAlipay(w http.ResponseWriter, resp alipayQueryResponse) {
	node, _ := json.Marshal(resp)

	var sig string
	if s.platformKey != nil {
		var err error
		sig, err = signing.SignRSAContent(string(node), s.platformKey)
		if err != nil {
			s.logger.Error("Error signing sandbox response", "error", err)
		}
	}

	// the signature covers the node bytes exactly as written
	envelope := `{"` + alipayQueryNode + `":` + string(node) + `,"sign":` + strconv.Quote(sig) + `}`

	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(envelope))
}

func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
