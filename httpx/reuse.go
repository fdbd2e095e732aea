package httpx

import (
	"strings"

	"dqx0.com/go/niohttp/httpx/internal/http1"
)

// ReuseStrategy decides whether a connection may carry another exchange
// after resp.
type ReuseStrategy interface {
	KeepAlive(req *Request, resp *Response) bool
}

// ReuseStrategyFunc adapts a function to ReuseStrategy.
type ReuseStrategyFunc func(req *Request, resp *Response) bool

func (f ReuseStrategyFunc) KeepAlive(req *Request, resp *Response) bool { return f(req, resp) }

// DefaultReuseStrategy keeps connections alive unless either side asked
// for close, the response body is delimited by connection close, or the
// negotiated version is HTTP/1.0 without an explicit keep-alive.
type DefaultReuseStrategy struct{}

func (DefaultReuseStrategy) KeepAlive(req *Request, resp *Response) bool {
	if req != nil && req.Header.HasToken("Connection", "close") {
		return false
	}
	method := ""
	if req != nil {
		method = req.Method
	}
	if http1.BodyAllowed(method, resp.StatusCode) {
		if te := resp.Header.Values("Transfer-Encoding"); len(te) > 0 {
			if !lastTokenIs(te, "chunked") {
				return false
			}
		} else {
			cl := resp.Header.Values("Content-Length")
			if len(cl) != 1 {
				return false
			}
			if _, err := http1.ParseContentLength(cl[0]); err != nil {
				return false
			}
		}
	}
	if resp.Header.HasToken("Connection", "close") {
		return false
	}
	if resp.Header.HasToken("Connection", "keep-alive") {
		return true
	}
	return !resp.Proto.Less(HTTP11)
}

func lastTokenIs(values []string, token string) bool {
	last := values[len(values)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(last), token)
}
