package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dqx0.com/go/niohttp/httpx/internal/http1"
	"dqx0.com/go/niohttp/httpx/internal/reactor"
	"dqx0.com/go/niohttp/internal/obs"
)

// serverConn is the server side protocol state of one session. All methods
// run on the session's I/O loop.
type serverConn struct {
	srv *Server
	s   *reactor.Session

	state   State
	parser  http1.HeadParser
	ex      *Exchange
	decoder http1.Decoder
	encoder *contentEncoder
	entity  Entity

	inputClosed bool
	consuming   bool
}

func newServerConn(srv *Server, s *reactor.Session) *serverConn {
	return &serverConn{
		srv:   srv,
		s:     s,
		state: Idle,
		parser: http1.HeadParser{
			MaxLineLength:  srv.Config.MaxLineLength,
			MaxHeaderCount: srv.Config.MaxHeaderCount,
		},
	}
}

func (c *serverConn) inputReady() {
	_, err := c.s.Fill()
	if err != nil && err != io.EOF {
		c.s.CloseWithError(connectivityError("read", err))
		return
	}
	c.consumeInput()
	if err == io.EOF && c.s.IsOpen() {
		c.endOfInput()
	}
	c.updateInterest()
}

func (c *serverConn) outputReady() {
	if c.s.HasBufferedOutput() {
		if _, err := c.s.Flush(); err != nil {
			c.s.CloseWithError(connectivityError("write", err))
			return
		}
	}
	switch c.state {
	case WritingBody:
		c.produceOutput()
	case Flushing:
		if !c.s.HasBufferedOutput() {
			c.responseCompleted()
		}
	}
	c.updateInterest()
}

func (c *serverConn) timeout() {
	if c.ex == nil {
		c.srv.logf(obs.Debug, "httpx: session %d idle timeout", c.s.ID())
		c.s.Close()
		return
	}
	c.srv.logf(obs.Warn, "httpx: session %d timed out in state %s", c.s.ID(), c.state)
	c.s.CloseWithError(&ConnectivityError{Op: "timeout", Err: ErrTimeout})
}

func (c *serverConn) disconnected() {
	if ex := c.ex; ex != nil && !(ex.requestDone && ex.responseDone) {
		err := connectivityError("read", c.s.Err())
		c.notifyFailed(ex, err)
		c.finishExchange(ex, err)
	}
	c.ex = nil
	c.entity, c.encoder, c.decoder = nil, nil, nil
	c.state = Closed
}

// updateInterest derives the session's event mask from the protocol state.
func (c *serverConn) updateInterest() {
	if !c.s.IsOpen() || c.state == Closing {
		return
	}
	mask := 0
	if !c.inputClosed && (c.ex == nil || (!c.ex.requestDone && c.state != AwaitingContinueDecision)) {
		mask |= reactor.EventRead
	}
	if c.s.HasBufferedOutput() {
		mask |= reactor.EventWrite
	}
	c.s.SetEvents(mask)
}

// consumeInput runs the parser over buffered input until it needs more
// bytes or the current exchange stops accepting content.
func (c *serverConn) consumeInput() {
	if c.consuming {
		return
	}
	c.consuming = true
	defer func() { c.consuming = false }()
	for c.s.IsOpen() && c.state != Closing {
		switch {
		case c.ex == nil:
			if !c.readHead() {
				return
			}
		case c.state == AwaitingContinueDecision || c.ex.requestDone:
			return
		default:
			if !c.readBody() {
				return
			}
		}
	}
}

func (c *serverConn) readHead() bool {
	in := c.s.Input()
	if len(in) == 0 {
		return false
	}
	c.state = ReadingHeaders
	n, done, err := c.parser.Parse(in)
	c.s.Consume(n)
	if err != nil {
		c.protocolFailure(err)
		return false
	}
	if !done {
		return false
	}
	head := c.parser.Request()
	c.parser.Reset()
	c.requestReceived(head)
	return c.s.IsOpen()
}

func (c *serverConn) requestReceived(head http1.RequestHead) {
	req := &Request{
		Method: head.Method,
		Target: head.Target,
		Proto:  head.Version,
		Header: headerFrom(head.Fields),
	}
	ex := c.newExchange(req)
	c.ex = ex

	frame, err := http1.RequestFrame(req.Method, head.Fields)
	if err != nil {
		c.protocolFailure(err)
		return
	}
	c.decoder = http1.NewDecoder(frame, c.srv.Config.MaxLineLength)
	ex.handler = c.srv.lookup(req)

	if err := c.call(func() error { return ex.handler.RequestReceived(ex) }); err != nil {
		// The body is not read; the connection closes after the error
		// response.
		ex.requestDone = true
		ex.forceClose = true
		c.handlerFailure(ex, err)
		return
	}
	if c.decoder.Done() {
		c.requestCompleted()
		return
	}
	if expectsContinue(req) {
		if ex.submitted.Load() {
			// A response is already on its way; the client will not send
			// the body, so the connection cannot be reused.
			ex.requestDone = true
			ex.forceClose = true
			c.state = WritingHeaders
			return
		}
		c.state = AwaitingContinueDecision
		c.verify(ex)
		return
	}
	c.state = ReadingBody
}

func (c *serverConn) verify(ex *Exchange) {
	d := &ContinueDecision{ex: ex}
	v := c.srv.verifier(ex.handler)
	if v == nil {
		d.Continue()
		return
	}
	if err := c.call(func() error { v.Verify(ex, d); return nil }); err != nil {
		c.handlerFailure(ex, err)
	}
}

func (c *serverConn) continueRequest(ex *Exchange) {
	if c.ex != ex || c.state != AwaitingContinueDecision {
		return
	}
	c.s.Write(http1.AppendContinue(nil))
	c.state = ReadingBody
	c.consumeInput()
	c.updateInterest()
}

func (c *serverConn) rejectRequest(ex *Exchange, resp *Response) {
	if c.ex != ex || c.state != AwaitingContinueDecision {
		return
	}
	if !ex.submitted.CompareAndSwap(false, true) {
		return
	}
	c.srv.logf(obs.Debug, "httpx: exchange %s: expectation rejected with %d", ex.id, resp.StatusCode)
	c.responseReady(ex, resp)
}

func (c *serverConn) readBody() bool {
	ex := c.ex
	content, n, err := c.decoder.Decode(c.s.Input())
	if err != nil {
		c.protocolFailure(err)
		return false
	}
	c.s.Consume(n)
	if len(content) > 0 {
		ex.bodyBytes += int64(len(content))
		if limit := c.srv.Config.MaxBodyBytes; limit > 0 && ex.bodyBytes > limit {
			c.protocolFailure(ErrBodyTooLarge)
			return false
		}
		if !ex.discard {
			if err := c.call(func() error { return ex.handler.ConsumeContent(ex, content) }); err != nil {
				c.handlerFailure(ex, err)
				if !c.s.IsOpen() || c.ex != ex {
					return false
				}
			}
		}
	}
	if c.decoder.Done() {
		c.requestCompleted()
		return c.s.IsOpen()
	}
	return n > 0
}

func (c *serverConn) requestCompleted() {
	ex := c.ex
	ex.requestDone = true
	if ex.responseDone {
		c.exchangeCompleted()
		return
	}
	if !ex.discard && !ex.completedCalled {
		ex.completedCalled = true
		if err := c.call(func() error { return ex.handler.RequestCompleted(ex) }); err != nil {
			c.handlerFailure(ex, err)
			return
		}
	}
	if c.state == ReadingHeaders || c.state == ReadingBody {
		c.state = WritingHeaders
	}
}

func (c *serverConn) endOfInput() {
	c.inputClosed = true
	ex := c.ex
	switch {
	case ex == nil:
		c.s.Close()
	case !ex.requestDone:
		if c.decoder != nil {
			if err := c.decoder.EndOfInput(); err == nil && c.decoder.Done() {
				c.requestCompleted()
				return
			}
		}
		c.s.CloseWithError(&ConnectivityError{Op: "read", Err: io.ErrUnexpectedEOF})
	}
	// Otherwise the response is still pending; it is written and the
	// connection closed afterwards.
}

// responseReady starts writing resp. It runs on the loop after
// SubmitResponse or on a rejected expectation.
func (c *serverConn) responseReady(ex *Exchange, resp *Response) {
	if c.ex != ex || !c.s.IsOpen() || ex.headSent {
		return
	}
	if resp == nil || resp.StatusCode < 200 || resp.StatusCode > 999 {
		resp = errorResponse(500, "invalid response")
	}
	if c.state == AwaitingContinueDecision {
		ex.requestDone = true
		ex.forceClose = true
	}
	c.writeResponseHead(ex, resp)
}

func (c *serverConn) writeResponseHead(ex *Exchange, resp *Response) {
	req := ex.req
	proto := HTTP11
	if req.Proto.Less(HTTP11) {
		proto = req.Proto
	}
	hdr := resp.Header.Clone()
	hdr.Del("Content-Length")
	hdr.Del("Transfer-Encoding")
	if req.Header.HasToken("Connection", "close") {
		hdr.Set("Connection", "close")
	} else if proto.Less(HTTP11) && req.Header.HasToken("Connection", "keep-alive") && !hdr.Has("Connection") {
		hdr.Set("Connection", "keep-alive")
	}

	frame := http1.Frame{Kind: http1.FrameNone}
	entity := resp.entity(c.srv.Config.ChunkSize)
	switch {
	case !http1.BodyAllowed(req.Method, resp.StatusCode):
		if entity != nil && req.Method == "HEAD" && entity.ContentLength() >= 0 && !(entity.IsChunked() && !proto.Less(HTTP11)) {
			hdr.Add("Content-Length", strconv.FormatInt(entity.ContentLength(), 10))
		}
		entity = nil
	case entity == nil:
		hdr.Add("Content-Length", "0")
	case entity.IsChunked() || entity.ContentLength() < 0:
		if !proto.Less(HTTP11) {
			hdr.Add("Transfer-Encoding", "chunked")
			frame = http1.Frame{Kind: http1.FrameChunked}
		} else if n := entity.ContentLength(); n >= 0 {
			hdr.Add("Content-Length", strconv.FormatInt(n, 10))
			frame = http1.Frame{Kind: http1.FrameLength, Length: n}
		} else {
			frame = http1.Frame{Kind: http1.FrameUntilClose}
			ex.forceClose = true
		}
	default:
		n := entity.ContentLength()
		hdr.Add("Content-Length", strconv.FormatInt(n, 10))
		frame = http1.Frame{Kind: http1.FrameLength, Length: n}
	}

	final := &Response{Proto: proto, StatusCode: resp.StatusCode, Reason: resp.Reason, Header: hdr}
	keep := !ex.forceClose && !c.inputClosed && c.srv.Status() == Active && c.srv.Reuse.KeepAlive(req, final)
	if !keep && !hdr.HasToken("Connection", "close") {
		hdr.Del("Connection")
		hdr.Add("Connection", "close")
	}
	if !hdr.Has("Date") {
		hdr.Add("Date", time.Now().UTC().Format(http1.TimeFormat))
	}
	ex.keepAlive = keep
	ex.headSent = true
	ex.status = resp.StatusCode

	c.s.Write(http1.AppendResponseHead(nil, http1.ResponseHead{
		Version:    proto,
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Fields:     hdr.fields(),
	}))
	if entity == nil {
		c.state = Flushing
	} else {
		c.entity = entity
		c.encoder = newContentEncoder(frame, c.s, resp.Trailer)
		if n, ok := entity.(outputNotifier); ok {
			n.bind(ex.RequestOutput)
		}
		c.state = WritingBody
	}
	c.produceOutput()
	c.updateInterest()
}

// produceOutput asks the response entity for content while the output
// buffer is below the high water mark.
func (c *serverConn) produceOutput() {
	for c.state == WritingBody {
		if c.s.OutputLen() >= c.srv.Config.BufferSize {
			return
		}
		before := c.s.OutputLen()
		if err := c.entity.Produce(c.encoder); err != nil {
			c.outputFailure(err)
			return
		}
		if c.encoder.IsCompleted() {
			c.entity, c.encoder = nil, nil
			c.state = Flushing
			break
		}
		if c.s.OutputLen() == before {
			return
		}
	}
	if c.state == Flushing && !c.s.HasBufferedOutput() {
		c.responseCompleted()
	}
}

func (c *serverConn) outputFailure(err error) {
	ex := c.ex
	c.srv.logf(obs.Error, "httpx: exchange %s: response content failed: %v", ex.id, err)
	herr := &HandlerError{Err: err}
	c.notifyFailed(ex, herr)
	c.finishExchange(ex, herr)
	c.s.CloseWithError(herr)
}

func (c *serverConn) responseCompleted() {
	ex := c.ex
	ex.responseDone = true
	if !ex.keepAlive || c.inputClosed {
		c.finishExchange(ex, nil)
		c.state = Closing
		c.s.Shutdown()
		return
	}
	if !ex.requestDone {
		// Early response: read and drop the rest of the request body.
		ex.discard = true
		c.state = ReadingBody
		c.consumeInput()
		return
	}
	c.exchangeCompleted()
}

func (c *serverConn) exchangeCompleted() {
	ex := c.ex
	c.finishExchange(ex, nil)
	c.ex = nil
	c.decoder = nil
	if !ex.keepAlive {
		c.state = Closing
		c.s.Shutdown()
		return
	}
	c.state = Idle
	c.updateInterest()
	if c.s.HasBufferedInput() {
		c.consumeInput()
	}
}

// protocolFailure answers malformed input with an error response and
// closes the connection.
func (c *serverConn) protocolFailure(err error) {
	perr := protocolError(err)
	c.srv.logf(obs.Warn, "httpx: session %d: %v", c.s.ID(), perr)
	c.srv.Meter.Counter("httpx_server_errors_total", 1, obs.Label{Key: "kind", Value: "protocol"})
	ex := c.ex
	if ex != nil {
		c.notifyFailed(ex, perr)
		c.finishExchange(ex, perr)
		if ex.headSent {
			c.s.CloseWithError(perr)
			return
		}
	}
	resp := errorResponse(perr.Status, perr.Err.Error())
	hdr := resp.Header
	hdr.Add("Content-Length", strconv.Itoa(len(resp.Body)))
	hdr.Add("Connection", "close")
	head := http1.AppendResponseHead(nil, http1.ResponseHead{Version: HTTP11, StatusCode: perr.Status, Fields: hdr.fields()})
	c.s.Write(append(head, resp.Body...))
	c.ex = nil
	c.state = Closing
	c.s.Shutdown()
}

// handlerFailure answers 500 if nothing has been sent yet, otherwise drops
// the connection.
func (c *serverConn) handlerFailure(ex *Exchange, err error) {
	if errors.Is(err, ErrBodyTooLarge) {
		c.protocolFailure(err)
		return
	}
	herr := &HandlerError{Err: err}
	c.srv.logf(obs.Error, "httpx: exchange %s: %v", ex.id, herr)
	c.srv.Meter.Counter("httpx_server_errors_total", 1, obs.Label{Key: "kind", Value: "handler"})
	ex.discard = true
	if ex.span != nil {
		ex.span.RecordError(herr)
	}
	if ex.headSent {
		c.notifyFailed(ex, herr)
		c.finishExchange(ex, herr)
		c.s.CloseWithError(herr)
		return
	}
	if !ex.submitted.CompareAndSwap(false, true) {
		return
	}
	c.responseReady(ex, errorResponse(500, "internal server error"))
}

func (c *serverConn) notifyFailed(ex *Exchange, err error) {
	if ex.handler == nil || ex.finished {
		return
	}
	c.call(func() error { ex.handler.Failed(ex, err); return nil })
}

// call runs handler code, turning a panic into an error.
func (c *serverConn) call(f func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return f()
}

func (c *serverConn) newExchange(req *Request) *Exchange {
	id := req.Header.Get(HeaderRequestID)
	if id == "" {
		id = genID()
	}
	req.RequestID = id
	ctx := c.srv.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = WithRequestID(ctx, id)
	if corr := req.Header.Get(HeaderCorrelationID); corr != "" {
		ctx = WithCorrelationID(ctx, corr)
	}
	ctx = c.srv.Propagator.Extract(ctx, headerCarrier{h: &req.Header})
	ctx, span := c.srv.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path()),
			attribute.String("network.protocol.version", protoVersion(req.Proto)),
		))
	req.ctx = ctx
	c.srv.Meter.Counter("httpx_server_requests_total", 1, obs.Label{Key: "method", Value: req.Method})
	c.srv.logf(obs.Debug, "httpx: exchange %s: %s %s %s", id, req.Method, req.Target, req.Proto)
	return &Exchange{id: id, conn: c, req: req, ctx: ctx, span: span, started: time.Now()}
}

// finishExchange records the outcome of ex once.
func (c *serverConn) finishExchange(ex *Exchange, err error) {
	if ex == nil || ex.finished {
		return
	}
	ex.finished = true
	elapsed := time.Since(ex.started)
	code := ex.status
	if pe := (*ProtocolError)(nil); errors.As(err, &pe) && !ex.headSent {
		code = pe.Status
	}
	labels := []obs.Label{{Key: "code", Value: strconv.Itoa(code)}}
	c.srv.Meter.Counter("httpx_server_responses_total", 1, labels...)
	c.srv.Meter.Histogram("httpx_server_exchange_seconds", elapsed.Seconds(), labels...)
	if ex.span != nil {
		ex.span.SetAttributes(attribute.Int("http.response.status_code", code))
		if err != nil {
			ex.span.RecordError(err)
			ex.span.SetStatus(codes.Error, err.Error())
		} else if code >= 500 {
			ex.span.SetStatus(codes.Error, StatusText(code))
		}
		ex.span.End()
	}
	if err != nil {
		c.srv.logf(obs.Debug, "httpx: exchange %s failed after %s: %v", ex.id, elapsed, err)
		return
	}
	c.srv.logf(obs.Debug, "httpx: exchange %s completed %d in %s", ex.id, code, elapsed)
}

func protoVersion(v Version) string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}
