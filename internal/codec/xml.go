// Package codec converts gateway messages between params.Params and the two
// wire formats in use: flat CDATA XML and URL-encoded query strings.
package codec

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"payment-orchestrator/internal/params"
)

const (
	rootTag    = "xml"
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

var (
	openTag  = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_.\-]*)\s*>`)
	prolog   = regexp.MustCompile(`^\s*<\?xml[^>]*\?>`)
	entities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&#39;", "'", "&amp;", "&")
)

var ErrEmptyBody = errors.New("empty xml body")

// EncodeXML renders p as <xml><k><![CDATA[v]]></k>...</xml> in sorted key
// order. A "]]>" inside a value is split over two CDATA sections.
func EncodeXML(p params.Params) []byte {
	var b strings.Builder
	b.WriteString("<" + rootTag + ">")
	for _, k := range p.SortedKeys() {
		b.WriteString("<" + k + ">")
		b.WriteString(cdataOpen)
		b.WriteString(strings.ReplaceAll(p[k], cdataClose, "]]"+cdataClose+cdataOpen+">"))
		b.WriteString(cdataClose)
		b.WriteString("</" + k + ">")
	}
	b.WriteString("</" + rootTag + ">")
	return []byte(b.String())
}

// DecodeXML is deliberately lenient: it walks leaf elements under the root,
// accepts CDATA, plain text or a mix of both, and keeps unknown fields.
func DecodeXML(data []byte) (params.Params, error) {
	s := prolog.ReplaceAllString(string(data), "")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyBody
	}

	// unwrap the enclosing root when it wraps child elements
	if loc := openTag.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 {
		closing := "</" + s[loc[2]:loc[3]] + ">"
		if strings.HasSuffix(s, closing) {
			inner := strings.TrimSpace(s[loc[1] : len(s)-len(closing)])
			if inner == "" || openTag.MatchString(inner) && !strings.HasPrefix(inner, cdataOpen) {
				s = inner
			}
		}
	}

	out := params.Params{}
	for {
		loc := openTag.FindStringSubmatchIndex(s)
		if loc == nil {
			return out, nil
		}

		key := s[loc[2]:loc[3]]
		value, rest := readValue(s[loc[1]:], key)
		out[key] = value
		s = rest
	}
}

func readValue(s, key string) (string, string) {
	closing := "</" + key + ">"

	var value strings.Builder
	for s != "" {
		switch {
		case strings.HasPrefix(s, closing):
			return value.String(), s[len(closing):]
		case strings.HasPrefix(s, cdataOpen):
			end := strings.Index(s[len(cdataOpen):], cdataClose)
			if end < 0 {
				value.WriteString(s[len(cdataOpen):])
				return value.String(), ""
			}
			value.WriteString(s[len(cdataOpen) : len(cdataOpen)+end])
			s = s[len(cdataOpen)+end+len(cdataClose):]
		case s[0] == '<':
			// nested markup, keep it verbatim
			end := strings.Index(s, closing)
			if end < 0 {
				return value.String(), ""
			}
			value.WriteString(s[:end])
			s = s[end:]
		default:
			end := strings.IndexByte(s, '<')
			if end < 0 {
				value.WriteString(entities.Replace(s))
				return value.String(), ""
			}
			value.WriteString(entities.Replace(s[:end]))
			s = s[end:]
		}
	}
	return value.String(), ""
}
