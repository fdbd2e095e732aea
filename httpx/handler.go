package httpx

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"dqx0.com/go/niohttp/httpx/internal/http1"
)

// Handler processes server exchanges as they progress. Callbacks run on the
// connection's I/O loop and must not block; long work belongs on another
// goroutine that later calls Exchange.SubmitResponse.
//
// ConsumeContent receives body bytes that are only valid during the call.
// Returning an error from any callback answers 500 unless a response has
// already started.
type Handler interface {
	RequestReceived(ex *Exchange) error
	ConsumeContent(ex *Exchange, p []byte) error
	RequestCompleted(ex *Exchange) error
	// Failed is called when the exchange ends abnormally.
	Failed(ex *Exchange, err error)
}

// SyncHandler produces a response for a fully received request.
type SyncHandler interface {
	Handle(req *Request, body []byte) (*Response, error)
}

// SyncHandlerFunc adapts a function to SyncHandler.
type SyncHandlerFunc func(req *Request, body []byte) (*Response, error)

func (f SyncHandlerFunc) Handle(req *Request, body []byte) (*Response, error) { return f(req, body) }

// BufferingHandler accumulates the request body and hands the complete
// request to a SyncHandler. If the wrapped handler implements
// ExpectationVerifier it is consulted for Expect: 100-continue.
type BufferingHandler struct {
	Handler SyncHandler
	// MaxBody limits the buffered body; 0 means no limit beyond the
	// connection's MaxBodyBytes.
	MaxBody int64
}

func NewBufferingHandler(h SyncHandler) *BufferingHandler {
	return &BufferingHandler{Handler: h}
}

func (b *BufferingHandler) RequestReceived(ex *Exchange) error {
	ex.SetAttachment(new(bytes.Buffer))
	return nil
}

func (b *BufferingHandler) ConsumeContent(ex *Exchange, p []byte) error {
	buf := ex.Attachment().(*bytes.Buffer)
	if b.MaxBody > 0 && int64(buf.Len()+len(p)) > b.MaxBody {
		return ErrBodyTooLarge
	}
	buf.Write(p)
	return nil
}

func (b *BufferingHandler) RequestCompleted(ex *Exchange) error {
	var body []byte
	if buf, ok := ex.Attachment().(*bytes.Buffer); ok {
		body = buf.Bytes()
	}
	req := ex.Request()
	if body != nil {
		req.Body = body
	}
	resp, err := b.Handler.Handle(req, body)
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("httpx: handler returned no response")
	}
	return ex.SubmitResponse(resp)
}

func (b *BufferingHandler) Failed(*Exchange, error) {}

func (b *BufferingHandler) Verify(ex *Exchange, d *ContinueDecision) {
	if v, ok := b.Handler.(ExpectationVerifier); ok {
		v.Verify(ex, d)
		return
	}
	d.Continue()
}

// HandlerFuncs is a Handler built from optional callbacks.
type HandlerFuncs struct {
	OnRequest  func(ex *Exchange) error
	OnContent  func(ex *Exchange, p []byte) error
	OnComplete func(ex *Exchange) error
	OnFailed   func(ex *Exchange, err error)
}

func (h HandlerFuncs) RequestReceived(ex *Exchange) error {
	if h.OnRequest == nil {
		return nil
	}
	return h.OnRequest(ex)
}

func (h HandlerFuncs) ConsumeContent(ex *Exchange, p []byte) error {
	if h.OnContent == nil {
		return nil
	}
	return h.OnContent(ex, p)
}

func (h HandlerFuncs) RequestCompleted(ex *Exchange) error {
	if h.OnComplete == nil {
		return nil
	}
	return h.OnComplete(ex)
}

func (h HandlerFuncs) Failed(ex *Exchange, err error) {
	if h.OnFailed != nil {
		h.OnFailed(ex, err)
	}
}

// ExpectationVerifier decides whether a request announcing
// Expect: 100-continue may send its body. Verify must eventually call
// exactly one of d.Continue or d.Reject, from any goroutine.
type ExpectationVerifier interface {
	Verify(ex *Exchange, d *ContinueDecision)
}

// VerifierFunc adapts a function to ExpectationVerifier.
type VerifierFunc func(ex *Exchange, d *ContinueDecision)

func (f VerifierFunc) Verify(ex *Exchange, d *ContinueDecision) { f(ex, d) }

// ContinueDecision is the pending answer to an Expect: 100-continue request.
type ContinueDecision struct {
	ex   *Exchange
	done atomic.Bool
}

// Continue sends 100 Continue and lets the body flow.
func (d *ContinueDecision) Continue() {
	if !d.done.CompareAndSwap(false, true) {
		return
	}
	c := d.ex.conn
	c.s.Execute(func() { c.continueRequest(d.ex) })
}

// Reject answers with resp instead of reading the body; nil sends
// 417 Expectation Failed. The connection is closed afterwards.
func (d *ContinueDecision) Reject(resp *Response) {
	if !d.done.CompareAndSwap(false, true) {
		return
	}
	if resp == nil {
		resp = errorResponse(417, "expectation failed")
	}
	c := d.ex.conn
	c.s.Execute(func() { c.rejectRequest(d.ex, resp) })
}

// Exchange is one request/response pair on a server connection.
type Exchange struct {
	id         string
	conn       *serverConn
	req        *Request
	handler    Handler
	attachment any
	ctx        context.Context
	span       trace.Span
	started    time.Time
	submitted  atomic.Bool

	// Owned by the I/O loop.
	requestDone     bool
	responseDone    bool
	headSent        bool
	completedCalled bool
	discard         bool
	forceClose      bool
	keepAlive       bool
	finished        bool
	bodyBytes       int64
	status          int
}

// ID returns the exchange's request ID.
func (ex *Exchange) ID() string { return ex.id }

// Request returns the received request. Its Body is nil; content arrives
// through ConsumeContent.
func (ex *Exchange) Request() *Request { return ex.req }

// Context carries the request ID and the server span.
func (ex *Exchange) Context() context.Context { return ex.ctx }

// Attachment returns handler state stored with SetAttachment. Only call from
// handler callbacks.
func (ex *Exchange) Attachment() any     { return ex.attachment }
func (ex *Exchange) SetAttachment(v any) { ex.attachment = v }

// SubmitResponse hands the response to the connection. It may be called
// from any goroutine, once; later calls return ErrResponseSubmitted.
func (ex *Exchange) SubmitResponse(resp *Response) error {
	if !ex.submitted.CompareAndSwap(false, true) {
		return ErrResponseSubmitted
	}
	c := ex.conn
	if !c.s.Execute(func() { c.responseReady(ex, resp) }) {
		return ErrConnectionClosed
	}
	return nil
}

// RequestOutput resumes a response entity that previously had nothing to
// write. Safe from any goroutine.
func (ex *Exchange) RequestOutput() {
	c := ex.conn
	c.s.Execute(func() {
		if c.ex == ex && c.state == WritingBody {
			c.produceOutput()
			c.updateInterest()
		}
	})
}

func expectsContinue(req *Request) bool {
	return !req.Proto.Less(http1.HTTP11) && req.Header.HasToken("Expect", "100-continue")
}
