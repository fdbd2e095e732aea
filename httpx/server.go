package httpx

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"dqx0.com/go/niohttp/httpx/internal/reactor"
	"dqx0.com/go/niohttp/internal/obs"
)

// Status is the lifecycle state of a Server or Client.
type Status = reactor.Status

const (
	Inactive     = reactor.Inactive
	Active       = reactor.Active
	ShuttingDown = reactor.ShuttingDown
	ShutDown     = reactor.ShutDown
)

// ListenerEndpoint is a bound listening socket.
type ListenerEndpoint = reactor.ListenerEndpoint

const instrumentationName = "dqx0.com/go/niohttp/httpx"

// Server dispatches HTTP/1.x requests received on reactor sessions to
// handlers chosen by Resolver.
type Server struct {
	Config   Config
	Resolver HandlerResolver
	// Reuse decides keep-alive; nil uses DefaultReuseStrategy.
	Reuse ReuseStrategy
	// Verifier answers Expect: 100-continue for handlers that do not
	// implement ExpectationVerifier themselves. nil always continues.
	Verifier ExpectationVerifier

	Logger         obs.Logger
	Meter          obs.Meter
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator

	mu      sync.Mutex
	reactor *reactor.Reactor
	tracer  trace.Tracer
	ctx     context.Context
}

// Start launches the I/O loops. The server stops when ctx is cancelled or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactor != nil {
		return reactor.ErrStarted
	}
	if err := s.Config.Validate(); err != nil {
		return err
	}
	s.Config = s.Config.withDefaults()
	if s.Logger == nil {
		s.Logger = obs.NopLogger{}
	}
	if s.Meter == nil {
		s.Meter = obs.NopMeter{}
	}
	if s.TracerProvider == nil {
		s.TracerProvider = otel.GetTracerProvider()
	}
	if s.Propagator == nil {
		s.Propagator = otel.GetTextMapPropagator()
	}
	if s.Reuse == nil {
		s.Reuse = DefaultReuseStrategy{}
	}
	s.tracer = s.TracerProvider.Tracer(instrumentationName)
	s.ctx = ctx
	r := reactor.New(s.Config.reactorConfig(), serverEvents{s}, obs.Named(s.Logger, "reactor"), s.Meter)
	if err := r.Start(ctx); err != nil {
		return err
	}
	s.reactor = r
	return nil
}

// Listen binds addr and starts accepting connections.
func (s *Server) Listen(addr string) (*ListenerEndpoint, error) {
	r := s.getReactor()
	if r == nil {
		return nil, ErrNotActive
	}
	ep, err := r.Listen(addr)
	if errors.Is(err, reactor.ErrNotActive) {
		return nil, ErrNotActive
	}
	return ep, err
}

// ListenAndServe starts the server on addr and blocks until ctx is done,
// then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if _, err := s.Listen(addr); err != nil {
		s.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown closes all connections and stops the I/O loops, waiting at most
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	r := s.getReactor()
	if r == nil {
		return nil
	}
	err := r.Shutdown(ctx)
	s.Logger.Logf(obs.Info, "httpx: server shut down")
	return err
}

// Status reports the lifecycle state.
func (s *Server) Status() Status {
	r := s.getReactor()
	if r == nil {
		return Inactive
	}
	return r.Status()
}

func (s *Server) getReactor() *reactor.Reactor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reactor
}

func (s *Server) lookup(req *Request) Handler {
	if s.Resolver != nil {
		if h := s.Resolver.Lookup(req.Target); h != nil {
			return h
		}
	}
	return notFoundHandler{}
}

func (s *Server) verifier(h Handler) ExpectationVerifier {
	if v, ok := h.(ExpectationVerifier); ok {
		return v
	}
	return s.Verifier
}

func (s *Server) logf(level obs.Level, format string, args ...interface{}) {
	s.Logger.Logf(level, format, args...)
}

// notFoundHandler answers 404 once the request body has been read.
type notFoundHandler struct{}

func (notFoundHandler) RequestReceived(*Exchange) error        { return nil }
func (notFoundHandler) ConsumeContent(*Exchange, []byte) error { return nil }
func (notFoundHandler) RequestCompleted(ex *Exchange) error {
	return ex.SubmitResponse(errorResponse(404, "not found"))
}
func (notFoundHandler) Failed(*Exchange, error) {}

// serverEvents routes reactor callbacks to the connection attached to each
// session.
type serverEvents struct {
	srv *Server
}

func (e serverEvents) Connected(s *reactor.Session, _ any) {
	c := newServerConn(e.srv, s)
	s.SetAttachment(c)
	c.updateInterest()
}

func (e serverEvents) InputReady(s *reactor.Session) {
	if c, ok := s.Attachment().(*serverConn); ok {
		c.inputReady()
	}
}

func (e serverEvents) OutputReady(s *reactor.Session) {
	if c, ok := s.Attachment().(*serverConn); ok {
		c.outputReady()
	}
}

func (e serverEvents) Timeout(s *reactor.Session) {
	if c, ok := s.Attachment().(*serverConn); ok {
		c.timeout()
	}
}

func (e serverEvents) Disconnected(s *reactor.Session) {
	if c, ok := s.Attachment().(*serverConn); ok {
		c.disconnected()
	}
}
