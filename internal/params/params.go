// Package params holds the flat string maps exchanged with payment gateways.
package params

import (
	"sort"
	"strings"
)

// Params is a single outbound or inbound gateway message before it is
// rendered to (or after it is parsed from) a wire format.
type Params map[string]string

func (p Params) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	// byte-wise ordering, never locale aware
	sort.Strings(keys)
	return keys
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Canonical returns the k=v&k=v string both parties sign: empty values and
// excluded keys are dropped and the remaining keys are sorted.
func (p Params) Canonical(exclude ...string) string {
	var b strings.Builder
	for _, k := range p.SortedKeys() {
		v := p[k]
		if v == "" || contains(exclude, k) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
