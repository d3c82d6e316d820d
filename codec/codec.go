// Package codec converts between request paths and modifier sets.
//
// A request path has the shape /<modifiers>/<resource-id...>. The modifier
// segment is "_" (none) or a list of key/value pairs separated by "&" or ",",
// where each key is separated from its value by ":", "=" or "_".
package codec

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// NoModifiers is the sentinel segment for an empty modifier set.
const NoModifiers = "_"

const (
	CodeMissingModifiers = "IPX_MISSING_MODIFIERS"
	CodeMissingID        = "IPX_MISSING_ID"
)

func isPairSep(r rune) bool  { return r == '&' || r == ',' }
func isValueSep(r rune) bool { return r == ':' || r == '=' || r == '_' }

// Decode splits a raw (still percent-encoded) request path into its modifier
// set and resource id. Both a missing modifier segment and a missing id are
// 400 errors, told apart by their code.
func Decode(path string) (*core.Modifiers, string, error) {
	const op = "codec.Decode"

	path = strings.TrimPrefix(path, "/")
	segment, rest, _ := strings.Cut(path, "/")
	id := SafeString(unescape(rest))

	if segment == "" {
		return nil, "", apperrors.BadRequest(op, CodeMissingModifiers, "Modifiers are missing: "+id)
	}
	if id == "" || id == "/" {
		return nil, "", apperrors.BadRequest(op, CodeMissingID, "Resource id is missing: /"+SafeString(path))
	}
	return DecodeModifiers(segment), id, nil
}

// DecodeModifiers parses a modifier segment. Values are percent-decoded;
// keys and values are passed through SafeString.
func DecodeModifiers(segment string) *core.Modifiers {
	m := core.NewModifiers()
	if segment == NoModifiers {
		return m
	}
	for _, part := range splitFunc(segment, isPairSep) {
		if part == "" {
			continue
		}
		fields := splitFunc(part, isValueSep)
		key := SafeString(fields[0])
		values := make([]string, 0, len(fields)-1)
		for _, v := range fields[1:] {
			values = append(values, SafeString(unescape(v)))
		}
		m.Set(key, strings.Join(values, "_"))
	}
	return m
}

// Encode renders m as a modifier segment. It is the inverse of
// DecodeModifiers for keys without separator characters.
func Encode(m *core.Modifiers) string {
	if m.Len() == 0 {
		return NoModifiers
	}
	parts := make([]string, 0, m.Len())
	m.Each(func(key, value string) {
		if value == "" {
			parts = append(parts, key)
			return
		}
		parts = append(parts, key+"_"+escapeValue(value))
	})
	return strings.Join(parts, ",")
}

// EncodePath builds a request path for id with modifiers m.
func EncodePath(m *core.Modifiers, id string) string {
	segs := strings.Split(strings.TrimPrefix(id, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/" + Encode(m) + "/" + strings.Join(segs, "/")
}

// SafeString escapes control characters the way a JSON string literal does,
// so the result can be echoed into messages and headers. Quotes are left
// as-is and runs of backslashes collapse to one.
func SafeString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return ""
	}
	out := strings.TrimSuffix(buf.String(), "\n")
	out = strings.TrimPrefix(out, `"`)
	out = strings.TrimSuffix(out, `"`)
	out = collapseBackslashes(out)
	return strings.ReplaceAll(out, `\"`, `"`)
}

func collapseBackslashes(s string) string {
	if !strings.Contains(s, `\\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prev := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			if prev {
				continue
			}
			prev = true
		} else {
			prev = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// unescape percent-decodes s, leaving malformed escapes untouched.
func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}

// splitFunc splits s at every rune satisfying sep, keeping empty fields.
func splitFunc(s string, sep func(rune) bool) []string {
	var out []string
	start := 0
	for i, r := range s {
		if sep(r) {
			out = append(out, s[start:i])
			start = i + len(string(r))
		}
	}
	return append(out, s[start:])
}

var valueEscaper = strings.NewReplacer("&", "%26", ",", "%2C", ":", "%3A", "=", "%3D")

func escapeValue(v string) string {
	return valueEscaper.Replace(url.PathEscape(v))
}
