// Package negotiate picks an output image format from an HTTP Accept header.
package negotiate

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Skryldev/imageproxy/core"
)

var (
	// StillCandidates are tried, in priority order, for regular images.
	StillCandidates = []core.Format{
		core.FormatAVIF, core.FormatWebP, core.FormatJPEG, core.FormatPNG,
		core.FormatTIFF, core.FormatHEIF, core.FormatGIF,
	}
	// AnimatedCandidates are tried for animated images.
	AnimatedCandidates = []core.Format{core.FormatWebP, core.FormatGIF}
)

// Negotiator implements core.Negotiator over the fixed candidate lists.
type Negotiator struct {
	allow func(core.Format) bool
}

var _ core.Negotiator = Negotiator{}

// New returns a Negotiator that considers every candidate.
func New() Negotiator { return Negotiator{} }

// WithFilter returns a copy that only offers formats allow accepts, typically
// the engine's encoders.
func (n Negotiator) WithFilter(allow func(core.Format) bool) Negotiator {
	n.allow = allow
	return n
}

// PickFormat returns the best candidate the client accepts, or jpeg (gif when
// animated) when none matches.
func (n Negotiator) PickFormat(accept string, animated bool) core.Format {
	if animated {
		return Pick(accept, n.filter(AnimatedCandidates), core.FormatGIF)
	}
	return Pick(accept, n.filter(StillCandidates), core.FormatJPEG)
}

func (n Negotiator) filter(candidates []core.Format) []core.Format {
	if n.allow == nil {
		return candidates
	}
	out := make([]core.Format, 0, len(candidates))
	for _, f := range candidates {
		if n.allow(f) {
			out = append(out, f)
		}
	}
	return out
}

type directive struct {
	typ, sub string
	q        float64
	order    int
}

// specificity ranks exact types above "image/*" above "*/*".
func (d directive) specificity() int {
	switch {
	case d.typ == "*":
		return 0
	case d.sub == "*":
		return 1
	}
	return 2
}

func (d directive) matches(mime string) bool {
	typ, sub, _ := strings.Cut(mime, "/")
	return (d.typ == "*" || d.typ == typ) && (d.sub == "*" || d.sub == sub)
}

// Pick chooses among candidates using q-values. Each candidate takes the q of
// the most specific directive that matches it, so "image/*;q=0" with
// "image/webp" still allows webp. Ties go to the more specific directive,
// then the earlier directive, then the earlier candidate.
func Pick(accept string, candidates []core.Format, def core.Format) core.Format {
	dirs := parse(accept)
	if len(dirs) == 0 {
		return def
	}

	type scored struct {
		f    core.Format
		d    directive
		rank int
	}
	var best []scored
	for i, f := range candidates {
		mime := "image/" + string(f)
		var match *directive
		for j := range dirs {
			d := &dirs[j]
			if !d.matches(mime) {
				continue
			}
			if match == nil || d.specificity() > match.specificity() {
				match = d
			}
		}
		if match == nil || match.q <= 0 {
			continue
		}
		best = append(best, scored{f: f, d: *match, rank: i})
	}
	if len(best) == 0 {
		return def
	}
	sort.SliceStable(best, func(i, j int) bool {
		a, b := best[i], best[j]
		if a.d.q != b.d.q {
			return a.d.q > b.d.q
		}
		if a.d.specificity() != b.d.specificity() {
			return a.d.specificity() > b.d.specificity()
		}
		if a.d.order != b.d.order {
			return a.d.order < b.d.order
		}
		return a.rank < b.rank
	})
	return best[0].f
}

func parse(accept string) []directive {
	var out []directive
	for i, part := range strings.Split(accept, ",") {
		fields := strings.Split(part, ";")
		mime := strings.ToLower(strings.TrimSpace(fields[0]))
		typ, sub, ok := strings.Cut(mime, "/")
		if !ok || typ == "" || sub == "" {
			continue
		}
		d := directive{typ: typ, sub: sub, q: 1, order: i}
		valid := true
		for _, p := range fields[1:] {
			k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
			if strings.ToLower(strings.TrimSpace(k)) != "q" {
				continue
			}
			q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || q < 0 || q > 1 {
				valid = false
				break
			}
			d.q = q
		}
		if valid {
			out = append(out, d)
		}
	}
	return out
}
