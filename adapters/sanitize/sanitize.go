// Package sanitize implements core.Sanitizer.
package sanitize

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

// Elements removed from SVG documents together with their children.
var blockedElements = map[string]bool{
	"script":        true,
	"foreignobject": true,
	"iframe":        true,
	"embed":         true,
	"object":        true,
	"handler":       true,
	"listener":      true,
}

// Sanitizer strips active content from SVG and markup from text.
type Sanitizer struct {
	text *bluemonday.Policy
}

var _ core.Sanitizer = (*Sanitizer)(nil)

func New() *Sanitizer {
	return &Sanitizer{text: bluemonday.StrictPolicy()}
}

// SanitizeText removes every tag from s.
func (s *Sanitizer) SanitizeText(in string) string {
	return s.text.Sanitize(in)
}

// SanitizeSVG re-serialises svg without scripts, event handler attributes,
// embedded documents and javascript: links. Element and attribute names keep
// their case.
func (s *Sanitizer) SanitizeSVG(svg []byte) ([]byte, error) {
	const op = "sanitize.svg"

	dec := xml.NewDecoder(bytes.NewReader(svg))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	var out bytes.Buffer
	skip := 0

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if skip > 0 || blockedElements[strings.ToLower(t.Name.Local)] {
				skip++
				continue
			}
			out.WriteByte('<')
			out.WriteString(qname(t.Name))
			for _, a := range cleanAttrs(t.Attr) {
				out.WriteByte(' ')
				out.WriteString(qname(a.Name))
				out.WriteString(`="`)
				_ = xml.EscapeText(&out, []byte(a.Value))
				out.WriteByte('"')
			}
			out.WriteByte('>')
		case xml.EndElement:
			if skip > 0 {
				skip--
				continue
			}
			out.WriteString("</" + qname(t.Name) + ">")
		case xml.CharData:
			if skip == 0 {
				_ = xml.EscapeText(&out, t)
			}
		case xml.Comment:
			if skip == 0 && !bytes.Contains(t, []byte("--")) {
				out.WriteString("<!--" + string(t) + "-->")
			}
		case xml.ProcInst:
			if skip == 0 && t.Target == "xml" {
				out.WriteString("<?xml " + string(t.Inst) + "?>")
			}
		}
		// Directives (DOCTYPE) are dropped: they may declare entities.
	}
	if out.Len() == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, op, fmt.Errorf("%w: empty svg", apperrors.ErrEmptyInput))
	}
	return out.Bytes(), nil
}

func qname(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func cleanAttrs(attrs []xml.Attr) []xml.Attr {
	kept := attrs[:0]
	for _, a := range attrs {
		name := strings.ToLower(a.Name.Local)
		if strings.HasPrefix(name, "on") {
			continue
		}
		if name == "href" || name == "src" {
			v := strings.ToLower(strings.Join(strings.Fields(a.Value), ""))
			if strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "data:text") {
				continue
			}
		}
		kept = append(kept, a)
	}
	return kept
}
