package signing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"payment-orchestrator/internal/params"
)

type HashType string

const (
	MD5        HashType = "MD5"
	HMACSHA256 HashType = "HMAC-SHA256"
)

const (
	FieldSign     = "sign"
	FieldSignType = "sign_type"
)

// SignMAC signs p with the merchant key the way WeChat Pay v2 expects:
// canonical string, "&key=" + secret, digest, uppercase hex.
func SignMAC(p params.Params, secret string, hash HashType) string {
	content := p.Canonical(FieldSign) + "&key=" + secret

	var sum []byte
	switch hash {
	case HMACSHA256:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(content))
		sum = mac.Sum(nil)
	default:
		digest := md5.Sum([]byte(content))
		sum = digest[:]
	}

	return strings.ToUpper(hex.EncodeToString(sum))
}

// VerifyMAC recomputes the signature of p, selecting the hash from its
// sign_type field, and compares it with the received sign field.
func VerifyMAC(p params.Params, secret string) bool {
	received := p[FieldSign]
	if received == "" || secret == "" {
		return false
	}

	hash := MD5
	if strings.EqualFold(p[FieldSignType], string(HMACSHA256)) {
		hash = HMACSHA256
	}

	expected := SignMAC(p, secret, hash)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToUpper(received))) == 1
}
