package extract

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jc2409/jsonify/internal/logger"
)

// Unsupported is returned in place of text for types without a handler.
const Unsupported = "Text extraction not supported for this file type"

// Handler turns one staged file into text.
type Handler interface {
	Extract(ctx context.Context, path string) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, path string) (string, error)

func (f HandlerFunc) Extract(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

type prefixHandler struct {
	prefix  string
	handler Handler
}

// Registry dispatches on MIME type: exact matches first, then the longest registered prefix.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]Handler
	prefixes []prefixHandler
	limit    int
	log      logger.Logger
}

// NewRegistry creates an empty registry. limit caps output in runes; 0 keeps everything.
func NewRegistry(limit int, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{exact: make(map[string]Handler), limit: limit, log: log}
}

func (r *Registry) Register(mimeType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[stripParams(mimeType)] = h
}

func (r *Registry) RegisterPrefix(prefix string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix = strings.ToLower(prefix)
	for i := range r.prefixes {
		if r.prefixes[i].prefix == prefix {
			r.prefixes[i].handler = h
			return
		}
	}
	r.prefixes = append(r.prefixes, prefixHandler{prefix: prefix, handler: h})
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
}

// Lookup finds the handler for mimeType.
func (r *Registry) Lookup(mimeType string) (Handler, bool) {
	mt := stripParams(mimeType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.exact[mt]; ok {
		return h, true
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(mt, p.prefix) {
			return p.handler, true
		}
	}
	return nil, false
}

// Extract never fails: missing handlers and handler errors both yield Unsupported.
func (r *Registry) Extract(ctx context.Context, path, mimeType string) string {
	h, ok := r.Lookup(mimeType)
	if !ok {
		return Unsupported
	}
	text, err := h.Extract(ctx, path)
	if err != nil {
		r.log.Warn("text extraction failed", logger.String("mime_type", mimeType), logger.Error(err))
		return Unsupported
	}
	return truncate(text, r.limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
