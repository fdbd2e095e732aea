package httpx

import (
	"strings"
	"sync"
)

// HandlerResolver maps a request target to a handler. Lookup returns nil when
// nothing matches.
type HandlerResolver interface {
	Lookup(target string) Handler
}

// ResolverFunc adapts a function to HandlerResolver.
type ResolverFunc func(target string) Handler

func (f ResolverFunc) Lookup(target string) Handler { return f(target) }

// Registry is a pattern based HandlerResolver. A pattern is an exact path,
// "*", "prefix*" or "*suffix". Exact matches win; otherwise the longest
// matching pattern is used.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to pattern, replacing any previous binding.
func (r *Registry) Register(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[pattern] = h
}

func (r *Registry) Unregister(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, pattern)
}

func (r *Registry) Lookup(target string) Handler {
	path := targetPath(target)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[path]; ok {
		return h
	}
	var (
		best  string
		found Handler
	)
	for pattern, h := range r.handlers {
		if !matchPattern(pattern, path) {
			continue
		}
		if found == nil || len(pattern) > len(best) || (len(pattern) == len(best) && pattern < best) {
			best, found = pattern, h
		}
	}
	return found
}

func matchPattern(pattern, path string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(path, pattern[1:])
	default:
		return pattern == path
	}
}
