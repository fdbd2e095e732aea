package httpx

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dqx0.com/go/niohttp/httpx/internal/http1"
	"dqx0.com/go/niohttp/httpx/internal/reactor"
	"dqx0.com/go/niohttp/internal/obs"
)

// ClientConn is an established client connection. It runs one exchange at a
// time, taking work from its queue whenever it becomes idle.
type ClientConn struct {
	client *Client
	s      *reactor.Session
	addr   string
	queue  *Queue

	published atomic.Int32
	closed    atomic.Bool
	done      chan struct{}

	// Owned by the I/O loop.
	state        State
	parser       http1.HeadParser
	work         Work
	req          *Request
	resp         *Response
	consumer     ContentConsumer
	decoder      http1.Decoder
	encoder      *contentEncoder
	entity       Entity
	span         trace.Span
	started      time.Time
	savedTimeout time.Duration
	requestSent  bool
	forceClose   bool
	bodyBytes    int64
	consuming    bool
}

func newClientConn(c *Client, s *reactor.Session, a *connectAttempt) *ClientConn {
	cc := &ClientConn{
		client: c,
		s:      s,
		addr:   a.addr,
		queue:  a.queue,
		done:   make(chan struct{}),
		parser: http1.HeadParser{
			ParseResponse:  true,
			MaxLineLength:  c.Config.MaxLineLength,
			MaxHeaderCount: c.Config.MaxHeaderCount,
		},
	}
	cc.queue.attach()
	cc.setState(Idle)
	return cc
}

// Execute queues w on the connection's queue.
func (cc *ClientConn) Execute(w Work) error {
	if cc.closed.Load() {
		return ErrConnectionClosed
	}
	return cc.queue.Push(w)
}

// Close closes the connection, failing the exchange in progress.
func (cc *ClientConn) Close() {
	cc.s.Execute(func() { cc.s.Close() })
}

// Done is closed once the connection has been torn down.
func (cc *ClientConn) Done() <-chan struct{} { return cc.done }

// State reports the protocol state as last published by the I/O loop.
func (cc *ClientConn) State() State { return State(cc.published.Load()) }

func (cc *ClientConn) RemoteAddr() *net.TCPAddr { return cc.s.RemoteAddr() }
func (cc *ClientConn) Queue() *Queue            { return cc.queue }

func (cc *ClientConn) setState(st State) {
	cc.state = st
	cc.published.Store(int32(st))
}

func (cc *ClientConn) wake() {
	cc.s.Execute(cc.nextWork)
}

// nextWork starts the next queued unit if the connection is idle.
func (cc *ClientConn) nextWork() {
	for cc.state == Idle && cc.s.IsOpen() {
		w := cc.queue.poll(cc)
		if w == nil {
			return
		}
		if cc.startExchange(w) {
			return
		}
	}
}

// startExchange writes the request head for w. It reports false if w failed
// before anything was sent.
func (cc *ClientConn) startExchange(w Work) bool {
	req, err := cc.generate(w)
	if err == nil && req == nil {
		err = ErrNoRequest
	}
	if err != nil {
		cc.client.Meter.Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "generate"})
		cc.client.logf(obs.Warn, "httpx: session %d: generating request: %v", cc.s.ID(), err)
		cc.complete(w, nil, &HandlerError{Err: err})
		return false
	}

	out := *req
	if out.Method == "" {
		out.Method = "GET"
	}
	if out.Target == "" {
		out.Target = "/"
	}
	if out.Proto == (Version{}) {
		out.Proto = HTTP11
	}
	hdr := out.Header.Clone()
	if !hdr.Has("Host") {
		hdr.Add("Host", cc.addr)
	}
	hdr.Del("Content-Length")
	hdr.Del("Transfer-Encoding")

	frame := http1.Frame{Kind: http1.FrameNone}
	entity := out.entity(cc.client.Config.ChunkSize)
	if entity != nil {
		n := entity.ContentLength()
		switch {
		case (entity.IsChunked() || n < 0) && !out.Proto.Less(HTTP11):
			hdr.Add("Transfer-Encoding", "chunked")
			frame = http1.Frame{Kind: http1.FrameChunked}
		case n >= 0:
			hdr.Add("Content-Length", strconv.FormatInt(n, 10))
			frame = http1.Frame{Kind: http1.FrameLength, Length: n}
		default:
			cc.client.Meter.Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "generate"})
			cc.complete(w, nil, &ProtocolError{Status: 411, Err: http1.ErrLengthRequired})
			return false
		}
	}
	expect := entity != nil && out.ExpectContinue && !out.Proto.Less(HTTP11)
	if expect {
		hdr.Set("Expect", "100-continue")
	}
	if out.Proto.Less(HTTP11) && !hdr.Has("Connection") {
		hdr.Add("Connection", "keep-alive")
	}
	if out.RequestID == "" {
		out.RequestID = genID()
	}
	if !hdr.Has(HeaderRequestID) {
		hdr.Add(HeaderRequestID, out.RequestID)
	}
	if id, ok := CorrelationIDFrom(req.Context()); ok && !hdr.Has(HeaderCorrelationID) {
		hdr.Add(HeaderCorrelationID, id)
	}

	ctx := WithRequestID(req.Context(), out.RequestID)
	ctx, span := cc.client.tracer.Start(ctx, "HTTP "+out.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", out.Method),
			attribute.String("server.address", cc.addr),
			attribute.String("url.path", targetPath(out.Target)),
		))
	cc.client.Propagator.Inject(ctx, headerCarrier{h: &hdr})
	out.Header = hdr
	out.ctx = ctx

	cc.work, cc.req, cc.span, cc.started = w, &out, span, time.Now()
	cc.consumer, _ = w.(ContentConsumer)
	cc.client.Meter.Counter("httpx_client_requests_total", 1, obs.Label{Key: "method", Value: out.Method})
	cc.client.logf(obs.Debug, "httpx: session %d: %s %s %s", cc.s.ID(), out.Method, out.Target, out.Proto)

	cc.s.Write(http1.AppendRequestHead(nil, http1.RequestHead{
		Method:  out.Method,
		Target:  out.Target,
		Version: out.Proto,
		Fields:  hdr.fields(),
	}))
	if entity == nil {
		cc.requestSent = true
		cc.setState(ReadingHeaders)
		cc.updateInterest()
		return true
	}
	cc.entity = entity
	cc.encoder = newContentEncoder(frame, cc.s, nil)
	if n, ok := entity.(outputNotifier); ok {
		n.bind(cc.requestOutput)
	}
	if expect {
		cc.savedTimeout = cc.s.Timeout()
		cc.s.SetTimeout(cc.client.Config.WaitForContinue)
		cc.setState(AwaitingContinueDecision)
	} else {
		cc.setState(WritingBody)
		cc.produceOutput()
	}
	cc.updateInterest()
	return true
}

func (cc *ClientConn) generate(w Work) (req *Request, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return w.GenerateRequest(withClientConn(cc.client.ctx, cc))
}

// complete delivers the outcome of w to its owner.
func (cc *ClientConn) complete(w Work, resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			cc.client.logf(obs.Error, "httpx: session %d: work completion panic: %v", cc.s.ID(), v)
		}
	}()
	w.Completed(resp, err)
}

func (cc *ClientConn) requestOutput() {
	cc.s.Execute(func() {
		if cc.state == WritingBody {
			cc.produceOutput()
			cc.updateInterest()
		}
	})
}

func (cc *ClientConn) produceOutput() {
	for cc.state == WritingBody {
		if cc.s.OutputLen() >= cc.client.Config.BufferSize {
			return
		}
		before := cc.s.OutputLen()
		if err := cc.entity.Produce(cc.encoder); err != nil {
			cc.failExchange("send", &HandlerError{Err: err})
			return
		}
		if cc.encoder.IsCompleted() {
			cc.entity, cc.encoder = nil, nil
			cc.requestSent = true
			cc.setState(ReadingHeaders)
			return
		}
		if cc.s.OutputLen() == before {
			return
		}
	}
}

// continueReceived sends the held body after 100 Continue or once the wait
// for it has expired.
func (cc *ClientConn) continueReceived() {
	cc.s.SetTimeout(cc.savedTimeout)
	cc.setState(WritingBody)
	cc.produceOutput()
	cc.updateInterest()
}

// abortUpload stops sending the request body because a final response
// arrived first. The connection cannot be reused afterwards.
func (cc *ClientConn) abortUpload() {
	if cc.state == AwaitingContinueDecision {
		cc.s.SetTimeout(cc.savedTimeout)
	}
	cc.entity, cc.encoder = nil, nil
	cc.forceClose = true
}

func (cc *ClientConn) inputReady() {
	_, err := cc.s.Fill()
	if err != nil && err != io.EOF {
		cc.failExchange("read", connectivityError("read", err))
		return
	}
	cc.consumeInput()
	if err == io.EOF && cc.s.IsOpen() {
		cc.endOfInput()
	}
	cc.updateInterest()
}

func (cc *ClientConn) outputReady() {
	if cc.s.HasBufferedOutput() {
		if _, err := cc.s.Flush(); err != nil {
			cc.failExchange("send", connectivityError("write", err))
			return
		}
	}
	if cc.state == WritingBody {
		cc.produceOutput()
	}
	cc.updateInterest()
}

func (cc *ClientConn) consumeInput() {
	if cc.consuming {
		return
	}
	cc.consuming = true
	defer func() { cc.consuming = false }()
	for cc.s.IsOpen() && cc.s.HasBufferedInput() {
		switch {
		case cc.work == nil:
			cc.failExchange("read", protocolError(fmt.Errorf("%w: unsolicited response data", ErrProtocolViolation)))
			return
		case cc.decoder != nil:
			if !cc.readBody() {
				return
			}
		default:
			if !cc.readHead() {
				return
			}
		}
	}
}

func (cc *ClientConn) readHead() bool {
	n, done, err := cc.parser.Parse(cc.s.Input())
	cc.s.Consume(n)
	if err != nil {
		cc.failExchange("read", protocolError(err))
		return false
	}
	if !done {
		return false
	}
	head := cc.parser.Response()
	cc.parser.Reset()
	if http1.IsInterim(head.StatusCode) {
		if head.StatusCode == 100 && cc.state == AwaitingContinueDecision {
			cc.continueReceived()
		}
		return true
	}
	if cc.state == AwaitingContinueDecision || cc.state == WritingBody {
		cc.abortUpload()
	}
	frame, err := http1.ResponseFrame(cc.req.Method, head.StatusCode, head.Fields)
	if err != nil {
		cc.failExchange("read", protocolError(err))
		return false
	}
	if frame.Kind == http1.FrameUntilClose {
		cc.forceClose = true
	}
	cc.resp = &Response{
		Proto:      head.Version,
		StatusCode: head.StatusCode,
		Reason:     head.Reason,
		Header:     headerFrom(head.Fields),
	}
	if cc.consumer != nil {
		if err := cc.call(func() error { return cc.consumer.ResponseReceived(cc.resp) }); err != nil {
			cc.failExchange("consume", &HandlerError{Err: err})
			return false
		}
	}
	cc.decoder = http1.NewDecoder(frame, cc.client.Config.MaxLineLength)
	cc.setState(ReadingBody)
	if cc.decoder.Done() {
		cc.responseCompleted()
	}
	return cc.s.IsOpen()
}

func (cc *ClientConn) readBody() bool {
	content, n, err := cc.decoder.Decode(cc.s.Input())
	if err != nil {
		cc.failExchange("read", protocolError(err))
		return false
	}
	cc.s.Consume(n)
	if len(content) > 0 {
		cc.bodyBytes += int64(len(content))
		if limit := cc.client.Config.MaxBodyBytes; limit > 0 && cc.bodyBytes > limit {
			cc.failExchange("read", protocolError(ErrBodyTooLarge))
			return false
		}
		if cc.consumer != nil {
			if err := cc.call(func() error { return cc.consumer.ConsumeContent(content) }); err != nil {
				cc.failExchange("consume", &HandlerError{Err: err})
				return false
			}
		} else {
			cc.resp.Body = append(cc.resp.Body, content...)
		}
	}
	if cc.decoder.Done() {
		cc.responseCompleted()
		return cc.s.IsOpen()
	}
	return n > 0
}

func (cc *ClientConn) responseCompleted() {
	w, req, resp := cc.work, cc.req, cc.resp
	if tr := cc.decoder.Trailer(); len(tr) > 0 {
		resp.Trailer = headerFrom(tr)
	}
	keep := !cc.forceClose && cc.requestSent && cc.client.Reuse.KeepAlive(req, resp)
	cc.finish(resp.StatusCode, nil)
	cc.resetExchange()
	if keep {
		cc.setState(Idle)
	} else {
		cc.setState(Closing)
	}
	cc.complete(w, resp, nil)
	if !keep {
		cc.s.Shutdown()
		return
	}
	cc.nextWork()
}

func (cc *ClientConn) endOfInput() {
	if cc.work == nil {
		cc.s.Close()
		return
	}
	if cc.decoder != nil {
		if err := cc.decoder.EndOfInput(); err == nil && cc.decoder.Done() {
			cc.forceClose = true
			cc.responseCompleted()
			return
		}
	}
	cc.failExchange("read", &ConnectivityError{Op: "read", Err: io.ErrUnexpectedEOF})
}

func (cc *ClientConn) timeout() {
	switch {
	case cc.state == AwaitingContinueDecision:
		cc.client.logf(obs.Debug, "httpx: session %d: no 100 Continue, sending body", cc.s.ID())
		cc.continueReceived()
	case cc.work == nil:
		cc.s.Close()
	default:
		cc.failExchange("timeout", &ConnectivityError{Op: "timeout", Err: ErrTimeout})
	}
}

// failExchange closes the connection; disconnected reports err to the work
// in flight.
func (cc *ClientConn) failExchange(stage string, err error) {
	cc.client.Meter.Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: stage})
	cc.client.logf(obs.Warn, "httpx: session %d: %v", cc.s.ID(), err)
	cc.s.CloseWithError(err)
}

func (cc *ClientConn) disconnected() {
	cc.closed.Store(true)
	remaining := cc.queue.detach(cc)
	err := connectivityError("read", cc.s.Err())
	if w := cc.work; w != nil {
		cc.finish(0, err)
		cc.resetExchange()
		cc.complete(w, nil, err)
	}
	if remaining == 0 {
		for _, w := range cc.queue.drain() {
			cc.complete(w, nil, err)
		}
	}
	cc.setState(Closed)
	close(cc.done)
}

func (cc *ClientConn) updateInterest() {
	if !cc.s.IsOpen() {
		return
	}
	mask := reactor.EventRead
	if cc.s.HasBufferedOutput() {
		mask |= reactor.EventWrite
	}
	cc.s.SetEvents(mask)
}

func (cc *ClientConn) resetExchange() {
	cc.work, cc.req, cc.resp, cc.consumer = nil, nil, nil, nil
	cc.decoder, cc.encoder, cc.entity = nil, nil, nil
	cc.span = nil
	cc.requestSent, cc.forceClose = false, false
	cc.bodyBytes = 0
	cc.parser.Reset()
}

// finish records metrics and ends the span of the exchange in flight.
func (cc *ClientConn) finish(code int, err error) {
	elapsed := time.Since(cc.started)
	cc.client.Meter.Histogram("httpx_client_exchange_seconds", elapsed.Seconds(), obs.Label{Key: "code", Value: strconv.Itoa(code)})
	if cc.span == nil {
		return
	}
	if code > 0 {
		cc.span.SetAttributes(attribute.Int("http.response.status_code", code))
	}
	if err != nil {
		cc.span.RecordError(err)
		cc.span.SetStatus(codes.Error, err.Error())
	}
	cc.span.End()
}

func (cc *ClientConn) call(f func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return f()
}
