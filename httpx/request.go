package httpx

import (
	"context"
	"strings"
)

// Request represents an HTTP request.
//
// Body holds buffered content; a nil Body means the request carries no
// content at all, while an empty non-nil Body is sent with Content-Length: 0.
// Entity, when set, takes precedence over Body and streams content instead.
type Request struct {
	Method string
	// Target is the request-target as sent on the request line, usually an
	// origin-form path with optional query.
	Target string
	Proto  Version
	Header Header
	Body   []byte
	// Chunked selects chunked transfer coding for Body on HTTP/1.1.
	Chunked bool
	Entity  Entity
	// ExpectContinue makes the client send Expect: 100-continue and hold the
	// body until the server answers or the wait times out.
	ExpectContinue bool
	// RequestID is the server/client generated identifier for this request.
	RequestID string
	ctx       context.Context
}

// NewRequest returns an HTTP/1.1 request. A nil body means no content.
func NewRequest(method, target string, body []byte) *Request {
	return &Request{Method: method, Target: target, Proto: HTTP11, Body: body}
}

// Context returns the request's context. If nil, returns Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Path returns the path component of Target without query or fragment. An
// absolute-form target is reduced to its path.
func (r *Request) Path() string {
	return targetPath(r.Target)
}

func targetPath(target string) string {
	if i := strings.Index(target, "://"); i >= 0 {
		rest := target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			target = rest[j:]
		} else {
			target = "/"
		}
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	return target
}

func (r *Request) entity(chunkSize int) Entity {
	if r.Entity != nil {
		return r.Entity
	}
	if r.Body == nil {
		return nil
	}
	e := NewBytesEntity(r.Body, r.Chunked)
	e.ChunkSize = chunkSize
	return e
}
