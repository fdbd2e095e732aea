package httpx

import (
	"strconv"

	"dqx0.com/go/niohttp/httpx/internal/http1"
)

// Response is an HTTP response. On the client Body holds the received
// content unless the submitting Work consumed it incrementally.
type Response struct {
	Proto      Version
	StatusCode int
	Reason     string
	Header     Header
	Body       []byte
	// Chunked selects chunked transfer coding for Body when the peer speaks
	// HTTP/1.1.
	Chunked bool
	Entity  Entity
	// Trailer carries fields received after a chunked body.
	Trailer Header
}

// NewResponse returns a response with the given status and content. A nil
// body is sent as empty content.
func NewResponse(code int, body []byte) *Response {
	return &Response{StatusCode: code, Body: body}
}

// Status returns the status code and reason, e.g. "200 OK".
func (r *Response) Status() string {
	reason := r.Reason
	if reason == "" {
		reason = StatusText(r.StatusCode)
	}
	return strconv.Itoa(r.StatusCode) + " " + reason
}

func (r *Response) entity(chunkSize int) Entity {
	if r.Entity != nil {
		return r.Entity
	}
	if r.Body == nil && !r.Chunked {
		return nil
	}
	e := NewBytesEntity(r.Body, r.Chunked)
	e.ChunkSize = chunkSize
	return e
}

// StatusText returns the standard reason phrase for code.
func StatusText(code int) string { return http1.StatusText(code) }

func errorResponse(code int, msg string) *Response {
	resp := NewResponse(code, []byte(msg))
	resp.Header.Add("Content-Type", "text/plain; charset=utf-8")
	return resp
}
