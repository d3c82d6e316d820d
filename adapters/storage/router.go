package storage

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/Skryldev/imageproxy/core"
	apperrors "github.com/Skryldev/imageproxy/errors"
)

const (
	CodeUnknownSource = "IPX_UNKNOWN_SOURCE"
	CodeNoStorage     = "IPX_NO_STORAGE"
)

// protocolRE matches "scheme:/" and "scheme://" prefixes.
var protocolRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z\d+\-.]*:/`)

// HasProtocol reports whether id starts with a URL scheme.
func HasProtocol(id string) bool { return protocolRE.MatchString(id) }

type alias struct {
	prefix string
	target string
}

// Router picks the storage for an id. Aliases are applied first; an
// explicit source name wins, then ids with a scheme go to the remote backend
// (when configured), everything else to the default backend.
type Router struct {
	def     core.Storage
	remote  core.Storage
	named   map[string]core.Storage
	aliases []alias
}

var _ core.StorageResolver = (*Router)(nil)

// NewRouter creates a Router. def serves plain ids; remote, if non-nil, serves
// URL ids. At least one of them is required.
func NewRouter(def, remote core.Storage) (*Router, error) {
	if def == nil && remote == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "router.new", errors.New("no storage configured"))
	}
	r := &Router{def: def, remote: remote, named: make(map[string]core.Storage)}
	for _, s := range []core.Storage{def, remote} {
		if s != nil {
			r.named[s.Name()] = s
		}
	}
	return r, nil
}

// Register makes s addressable by name through the source tag.
func (r *Router) Register(name string, s core.Storage) *Router {
	r.named[name] = s
	return r
}

// WithAliases installs prefix rewrites such as "/picsum" -> "https://picsum.photos".
// Prefixes get a leading slash; longer prefixes are tried first.
func (r *Router) WithAliases(m map[string]string) *Router {
	r.aliases = r.aliases[:0]
	for prefix, target := range m {
		r.aliases = append(r.aliases, alias{prefix: withLeadingSlash(prefix), target: target})
	}
	sort.Slice(r.aliases, func(i, j int) bool {
		if len(r.aliases[i].prefix) != len(r.aliases[j].prefix) {
			return len(r.aliases[i].prefix) > len(r.aliases[j].prefix)
		}
		return r.aliases[i].prefix < r.aliases[j].prefix
	})
	return r
}

// Rewrite normalises id and applies the first matching alias.
func (r *Router) Rewrite(id string) string {
	if HasProtocol(id) {
		return id
	}
	id = withLeadingSlash(id)
	for _, a := range r.aliases {
		if strings.HasPrefix(id, a.prefix) {
			return joinURL(a.target, id[len(a.prefix):])
		}
	}
	return id
}

// Resolve returns the rewritten id and the storage that serves it.
func (r *Router) Resolve(id, source string) (string, core.Storage, error) {
	const op = "router.resolve"
	id = r.Rewrite(id)

	if source != "" {
		s, ok := r.named[source]
		if !ok {
			return "", nil, apperrors.BadRequest(op, CodeUnknownSource, "Unknown source: "+source)
		}
		return id, s, nil
	}
	if HasProtocol(id) && r.remote != nil {
		return id, r.remote, nil
	}
	if r.def != nil {
		return id, r.def, nil
	}
	return "", nil, apperrors.BadRequest(op, CodeNoStorage, "No storage configured for: "+id)
}

func withLeadingSlash(s string) string {
	if strings.HasPrefix(s, "/") {
		return s
	}
	return "/" + s
}

func joinURL(base, path string) string {
	if path == "" || path == "/" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
