package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"

	"payment-orchestrator/internal/params"
)

// SignRSA signs the canonical form of p (sign excluded, sign_type kept)
// with SHA256withRSA and returns the base64 signature.
func SignRSA(p params.Params, key *rsa.PrivateKey) (string, error) {
	return SignRSAContent(p.Canonical(FieldSign), key)
}

func SignRSAContent(content string, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", errors.New("private key not configured")
	}

	digest := sha256.Sum256([]byte(content))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", errors.Wrap(err, "rsa sign")
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRSA checks the sign field of an inbound notification. Both sign and
// sign_type are left out of the signed content.
func VerifyRSA(p params.Params, pub *rsa.PublicKey) bool {
	return VerifyRSAContent(p.Canonical(FieldSign, FieldSignType), p[FieldSign], pub)
}

// VerifyRSAContent never fails loudly: a missing key, bad base64 or a wrong
// signature all mean "not verified".
func VerifyRSAContent(content, signature string, pub *rsa.PublicKey) bool {
	if pub == nil || signature == "" {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256([]byte(content))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}
