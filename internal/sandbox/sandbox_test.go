package sandbox

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/codec"
	"payment-orchestrator/internal/params"
	"payment-orchestrator/internal/signing"
	"payment-orchestrator/internal/testhelpers"
)

const testWechatKey = "192006250b4c09247ec02edce69f6a2d"

func newTestSandbox(t *testing.T) (*Server, *httptest.Server, *testhelpers.KeyPair, *testhelpers.KeyPair) {
	t.Helper()
	merchant, platform := testhelpers.RSAKeys(t)

	sb, err := New(Config{
		WechatAPIKey:            testWechatKey,
		AlipayAppID:             "2021000000000001",
		AlipayPrivateKey:        platform.PrivateMinify,
		AlipayMerchantPublicKey: merchant.PublicMinify,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(sb.Handler())
	t.Cleanup(srv.Close)
	return sb, srv, merchant, platform
}

func postWechat(t *testing.T, url string, p params.Params) params.Params {
	t.Helper()
	resp, err := http.Post(url, xmlContentType, strings.NewReader(string(codec.EncodeXML(p))))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out, err := codec.DecodeXML(body)
	require.NoError(t, err)
	return out
}

func signedWechat(p params.Params) params.Params {
	p[signing.FieldSign] = signing.SignMAC(p, testWechatKey, signing.MD5)
	return p
}

func TestWechatUnifiedOrder(t *testing.T) {
	sb, srv, _, _ := newTestSandbox(t)

	resp := postWechat(t, srv.URL+"/pay/unifiedorder", signedWechat(params.Params{
		"appid":        "wx1",
		"mch_id":       "1900000109",
		"nonce_str":    "abc",
		"out_trade_no": "WX1",
		"total_fee":    "4599",
		"trade_type":   "NATIVE",
	}))

	assert.Equal(t, "SUCCESS", resp["return_code"])
	assert.Equal(t, "SUCCESS", resp["result_code"])
	assert.True(t, strings.HasPrefix(resp["prepay_id"], "wx"))
	assert.True(t, strings.HasPrefix(resp["code_url"], "weixin://wxpay/bizpayurl?pr="))
	assert.True(t, signing.VerifyMAC(resp, testWechatKey))

	state, ok := sb.TradeState("WX1")
	assert.True(t, ok)
	assert.Equal(t, stateNotPay, state)
}

func TestWechat_RejectsBadSignature(t *testing.T) {
	_, srv, _, _ := newTestSandbox(t)

	p := params.Params{"appid": "wx1", "out_trade_no": "WX1", "total_fee": "1"}
	p[signing.FieldSign] = signing.SignMAC(p, "wrong-key", signing.MD5)

	resp := postWechat(t, srv.URL+"/pay/unifiedorder", p)
	assert.Equal(t, "FAIL", resp["return_code"])
	assert.Equal(t, "signature error", resp["return_msg"])
}

func TestWechatOrderQuery(t *testing.T) {
	sb, srv, _, _ := newTestSandbox(t)

	resp := postWechat(t, srv.URL+"/pay/orderquery", signedWechat(params.Params{"out_trade_no": "WX404", "nonce_str": "n"}))
	assert.Equal(t, "FAIL", resp["result_code"])
	assert.Equal(t, "ORDERNOTEXIST", resp["err_code"])

	sb.SetTradeState("WX2", "SUCCESS")
	resp = postWechat(t, srv.URL+"/pay/orderquery", signedWechat(params.Params{"out_trade_no": "WX2", "nonce_str": "n"}))
	assert.Equal(t, "SUCCESS", resp["trade_state"])
	assert.NotEmpty(t, resp["transaction_id"])
	assert.Empty(t, resp["total_fee"])
	assert.True(t, signing.VerifyMAC(resp, testWechatKey))

	sb.SetTradeAmount("WX2", 4599)
	resp = postWechat(t, srv.URL+"/pay/orderquery", signedWechat(params.Params{"out_trade_no": "WX2", "nonce_str": "n"}))
	assert.Equal(t, "4599", resp["total_fee"])
	assert.True(t, signing.VerifyMAC(resp, testWechatKey))
}

func TestWechatNotification(t *testing.T) {
	sb, _, _, _ := newTestSandbox(t)

	p, err := codec.DecodeXML(sb.WechatNotification("WX3", 4599, "FAIL"))
	require.NoError(t, err)

	assert.Equal(t, "FAIL", p["result_code"])
	assert.Equal(t, "4599", p["total_fee"])
	assert.Equal(t, "PAYERROR", p["err_code"])
	assert.True(t, signing.VerifyMAC(p, testWechatKey))
}

type alipayEnvelope struct {
	Node json.RawMessage `json:"alipay_trade_query_response"`
	Sign string          `json:"sign"`
}

func queryAlipay(t *testing.T, url string, merchant *testhelpers.KeyPair, orderID string) (alipayEnvelope, alipayQueryResponse) {
	t.Helper()
	p := params.Params{
		"app_id":      "2021000000000001",
		"method":      alipayQuery,
		"sign_type":   "RSA2",
		"biz_content": `{"out_trade_no":"` + orderID + `"}`,
	}
	if merchant != nil {
		sig, err := signing.SignRSA(p, merchant.Private)
		require.NoError(t, err)
		p[signing.FieldSign] = sig
	}

	resp, err := http.Post(url+"/gateway.do", "application/x-www-form-urlencoded", strings.NewReader(codec.EncodeForm(p)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env alipayEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	var node alipayQueryResponse
	require.NoError(t, json.Unmarshal(env.Node, &node))
	return env, node
}

func TestAlipayQuery(t *testing.T) {
	sb, srv, merchant, platform := newTestSandbox(t)
	platformPub, err := signing.ParsePublicKey(platform.PublicMinify)
	require.NoError(t, err)

	env, node := queryAlipay(t, srv.URL, merchant, "ALI1")
	assert.Equal(t, "40004", node.Code)
	assert.Equal(t, "ACQ.TRADE_NOT_EXIST", node.SubCode)
	assert.True(t, signing.VerifyRSAContent(string(env.Node), env.Sign, platformPub))

	sb.SetTradeState("ALI1", "TRADE_SUCCESS")
	env, node = queryAlipay(t, srv.URL, merchant, "ALI1")
	assert.Equal(t, "10000", node.Code)
	assert.Equal(t, "TRADE_SUCCESS", node.TradeStatus)
	assert.NotEmpty(t, node.TradeNo)
	assert.Empty(t, node.TotalAmount)
	assert.True(t, signing.VerifyRSAContent(string(env.Node), env.Sign, platformPub))
}

func TestAlipayQuery_RejectsUnsignedRequest(t *testing.T) {
	_, srv, _, _ := newTestSandbox(t)

	_, node := queryAlipay(t, srv.URL, nil, "ALI1")
	assert.Equal(t, "40002", node.Code)
	assert.Equal(t, "isv.invalid-signature", node.SubCode)
}

func TestAlipayNotification(t *testing.T) {
	sb, _, _, platform := newTestSandbox(t)
	platformPub, err := signing.ParsePublicKey(platform.PublicPEM)
	require.NoError(t, err)

	body, err := sb.AlipayNotification("ALI2", 4599, "TRADE_SUCCESS")
	require.NoError(t, err)
	p, err := codec.DecodeForm(body)
	require.NoError(t, err)

	assert.Equal(t, "45.99", p["total_amount"])
	assert.Equal(t, "2021000000000001", p["app_id"])
	assert.True(t, signing.VerifyRSA(p, platformPub))

	p["total_amount"] = "0.01"
	assert.False(t, signing.VerifyRSA(p, platformPub))
}
