package httpx

import (
	"context"
	"sync"
)

// Work is one client exchange. GenerateRequest runs on the connection's I/O
// loop when the connection becomes idle; Completed is called exactly once
// with the response or the failure.
type Work interface {
	GenerateRequest(ctx context.Context) (*Request, error)
	Completed(resp *Response, err error)
}

// ContentConsumer may be implemented by a Work to receive the response body
// incrementally instead of having it buffered into Response.Body. p is only
// valid during the call.
type ContentConsumer interface {
	ResponseReceived(resp *Response) error
	ConsumeContent(p []byte) error
}

// RequestWork sends a fixed request and records the outcome.
type RequestWork struct {
	req *Request

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

func NewRequestWork(req *Request) *RequestWork {
	return &RequestWork{req: req, done: make(chan struct{})}
}

func (w *RequestWork) GenerateRequest(context.Context) (*Request, error) { return w.req, nil }

func (w *RequestWork) Completed(resp *Response, err error) {
	w.once.Do(func() {
		w.resp, w.err = resp, err
		close(w.done)
	})
}

// Done is closed once the exchange has completed.
func (w *RequestWork) Done() <-chan struct{} { return w.done }

// Wait blocks until the exchange completes or ctx expires.
func (w *RequestWork) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-w.done:
		return w.resp, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WorkFuncs builds a Work from functions.
type WorkFuncs struct {
	Generate   func(ctx context.Context) (*Request, error)
	OnComplete func(resp *Response, err error)
}

func (f WorkFuncs) GenerateRequest(ctx context.Context) (*Request, error) {
	if f.Generate == nil {
		return nil, ErrNoRequest
	}
	return f.Generate(ctx)
}

func (f WorkFuncs) Completed(resp *Response, err error) {
	if f.OnComplete != nil {
		f.OnComplete(resp, err)
	}
}
