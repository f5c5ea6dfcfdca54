package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"
	"testing"
)

// KeyPair is an RSA key rendered the way merchants usually paste it into
// the settings form: PEM bodies without headers or line breaks.
type KeyPair struct {
	Private       *rsa.PrivateKey
	PrivatePEM    string
	PrivateMinify string
	PublicPEM     string
	PublicMinify  string
}

var (
	keyOnce sync.Once
	keys    [2]*KeyPair
	keyErr  error
)

// RSAKeys returns two distinct cached key pairs: one for the merchant and
// one for the counterparty.
func RSAKeys(t *testing.T) (merchant, counterparty *KeyPair) {
	t.Helper()

	keyOnce.Do(func() {
		for i := range keys {
			keys[i], keyErr = newKeyPair()
			if keyErr != nil {
				return
			}
		}
	})
	if keyErr != nil {
		t.Fatalf("generate rsa key: %v", keyErr)
	}

	return keys[0], keys[1]
}

func newKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	return &KeyPair{
		Private:       key,
		PrivatePEM:    privPEM,
		PrivateMinify: minify(privPEM),
		PublicPEM:     pubPEM,
		PublicMinify:  minify(pubPEM),
	}, nil
}

func minify(pemText string) string {
	var b strings.Builder
	for _, line := range strings.Split(pemText, "\n") {
		if strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(strings.TrimSpace(line))
	}
	return b.String()
}
