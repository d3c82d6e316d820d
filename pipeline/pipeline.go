// Package pipeline maps modifier keys to handlers and applies them to an
// image in a deterministic order.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

const (
	CodeInvalidModifier     = "IPX_INVALID_MODIFIER"
	CodeUnsupportedModifier = "IPX_UNSUPPORTED_MODIFIER"
)

// Context is the per-request scratch state shared by handlers. Handlers with
// a negative order fill it in; resize handlers read it.
type Context struct {
	Quality    int
	Fit        core.Fit
	Position   string
	Background *core.Color
	Enlarge    bool
	Kernel     core.Kernel

	// Meta describes the source image before any handler ran.
	Meta core.Metadata
	// MaxDimension bounds decoded dimension arguments; 0 = unbounded.
	MaxDimension int
}

// Registry resolves modifier keys to handlers and folds them over an image.
// It holds no per-request state and is safe for concurrent use.
type Registry struct {
	maxDimension int
}

// New returns a Registry backed by the built-in handler table.
func New() *Registry { return &Registry{} }

// WithMaxDimension bounds every dimension argument to n pixels (0 = unbounded).
// Returns the same Registry for chaining.
func (r *Registry) WithMaxDimension(n int) *Registry {
	if n < 0 {
		n = 0
	}
	r.maxDimension = n
	return r
}

// Lookup returns the handler registered under name or one of its aliases.
func (r *Registry) Lookup(name string) (*Handler, bool) {
	return Lookup(name)
}

// Lookup resolves name against the static handler table.
func Lookup(name string) (*Handler, bool) {
	k, ok := index[name]
	if !ok {
		return nil, false
	}
	return &table[k], true
}

type step struct {
	key     string
	raw     string
	handler *Handler
}

// Plan resolves and orders the handlers for m. Unknown keys are dropped.
// The result is sorted by (order, canonical name); entries that compare
// equal keep their modifier order.
func (r *Registry) Plan(m *core.Modifiers) []string {
	steps := r.resolve(m)
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.handler.Name
	}
	return names
}

func (r *Registry) resolve(m *core.Modifiers) []step {
	steps := make([]step, 0, m.Len())
	m.Each(func(key, raw string) {
		if h, ok := Lookup(key); ok {
			steps = append(steps, step{key: key, raw: raw, handler: h})
		}
	})
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i].handler, steps[j].handler
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Name < b.Name
	})
	return steps
}

// ApplyAll applies every recognised modifier in m to img and returns the
// resulting image plus the encode options the context accumulated.
//
// A handler returning a nil image only touched the context; the last non-nil
// image is carried forward.
func (r *Registry) ApplyAll(img core.Image, m *core.Modifiers) (core.Image, core.EncodeOptions, error) {
	const op = "pipeline.ApplyAll"

	c := &Context{
		Meta:         img.Metadata(),
		MaxDimension: r.maxDimension,
	}
	current := img

	for _, s := range r.resolve(m) {
		args, err := decodeArgs(s.handler, s.raw, r.maxDimension)
		if err != nil {
			return nil, core.EncodeOptions{}, apperrors.BadRequest(op, CodeInvalidModifier,
				fmt.Sprintf("Invalid argument for %q: %s", s.key, s.raw))
		}
		next, err := s.handler.Apply(c, current, args)
		if err != nil {
			return nil, core.EncodeOptions{}, handlerError(s.handler.Name, s.key, err)
		}
		if next != nil {
			current = next
		}
	}
	return current, core.EncodeOptions{Quality: c.Quality}, nil
}

func decodeArgs(h *Handler, raw string, maxDim int) ([]Value, error) {
	if len(h.Args) == 0 {
		return nil, nil
	}
	parts := strings.Split(raw, "_")
	vals := make([]Value, len(h.Args))
	for i, dec := range h.Args {
		if i >= len(parts) || parts[i] == "" {
			continue
		}
		v, err := dec(parts[i], maxDim)
		if err != nil {
			return nil, err
		}
		v.Raw, v.Set = parts[i], true
		vals[i] = v
	}
	return vals, nil
}

func handlerError(name, key string, err error) error {
	var pe *apperrors.ProcessingError
	switch {
	case errors.Is(err, apperrors.ErrUnsupportedOperation):
		return apperrors.BadRequest(name, CodeUnsupportedModifier,
			fmt.Sprintf("Modifier %q is not supported by the image engine", key))
	case errors.Is(err, apperrors.ErrInvalidDimensions):
		return apperrors.BadRequest(name, CodeInvalidModifier,
			fmt.Sprintf("Invalid dimensions for %q", key))
	case errors.As(err, &pe):
		return err
	}
	return apperrors.New(apperrors.CategoryPipeline, name, err)
}
