package signing

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const pemLineWidth = 64

const (
	BlockPrivateKey    = "PRIVATE KEY"
	BlockRSAPrivateKey = "RSA PRIVATE KEY"
	BlockPublicKey     = "PUBLIC KEY"
)

var (
	pemMarker  = regexp.MustCompile(`-----(BEGIN|END) [A-Z ]+-----`)
	whitespace = regexp.MustCompile(`\s+`)

	privateKeys keyCache[*rsa.PrivateKey]
	publicKeys  keyCache[*rsa.PublicKey]
)

// keyCache remembers the most recently parsed key only. Rotated settings
// replace the entry instead of accumulating old material.
type keyCache[T any] struct {
	mu       sync.Mutex
	material string
	key      T
	ok       bool
}

func (c *keyCache[T]) load(material string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ok && c.material == material {
		return c.key, true
	}
	var zero T
	return zero, false
}

func (c *keyCache[T]) store(material string, key T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.material, c.key, c.ok = material, key, true
}

// NormalizePEM accepts key material pasted as a single line, with stray
// whitespace, with or without header and footer, and returns a well formed
// PEM block of the given type wrapped at 64 columns.
func NormalizePEM(material, blockType string) string {
	body := pemMarker.ReplaceAllString(material, "")
	body = whitespace.ReplaceAllString(body, "")

	var b strings.Builder
	b.WriteString("-----BEGIN " + blockType + "-----\n")
	for len(body) > pemLineWidth {
		b.WriteString(body[:pemLineWidth])
		b.WriteByte('\n')
		body = body[pemLineWidth:]
	}
	if body != "" {
		b.WriteString(body)
		b.WriteByte('\n')
	}
	b.WriteString("-----END " + blockType + "-----\n")
	return b.String()
}

func ParsePrivateKey(material string) (*rsa.PrivateKey, error) {
	if cached, ok := privateKeys.load(material); ok {
		return cached, nil
	}

	blockType := BlockPrivateKey
	if strings.Contains(material, BlockRSAPrivateKey) {
		blockType = BlockRSAPrivateKey
	}

	block, _ := pem.Decode([]byte(NormalizePEM(material, blockType)))
	if block == nil {
		return nil, errors.New("private key is not valid PEM")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not an RSA key")
		}
		key = rsaKey
	} else if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = rsaKey
	} else {
		return nil, errors.Wrap(err, "parse private key")
	}

	privateKeys.store(material, key)
	return key, nil
}

func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	if cached, ok := publicKeys.load(material); ok {
		return cached, nil
	}

	block, _ := pem.Decode([]byte(NormalizePEM(material, BlockPublicKey)))
	if block == nil {
		return nil, errors.New("public key is not valid PEM")
	}

	var key *rsa.PublicKey
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not an RSA key")
		}
		key = rsaKey
	} else if rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		key = rsaKey
	} else {
		return nil, errors.Wrap(err, "parse public key")
	}

	publicKeys.store(material, key)
	return key, nil
}
