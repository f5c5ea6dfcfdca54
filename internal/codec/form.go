package codec

import (
	"net/url"

	"github.com/pkg/errors"

	"payment-orchestrator/internal/params"
)

func EncodeForm(p params.Params) string {
	values := make(url.Values, len(p))
	for k, v := range p {
		values.Set(k, v)
	}
	return values.Encode()
}

// DecodeForm parses a query string or form body. When a key repeats, the
// first value wins.
func DecodeForm(data []byte) (params.Params, error) {
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return nil, errors.Wrap(err, "parse form")
	}

	out := make(params.Params, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}
