package httpx

import (
	"context"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"dqx0.com/go/niohttp/httpx/internal/reactor"
	"dqx0.com/go/niohttp/internal/obs"
)

// Client runs client connections on its own reactor. Work is fed to
// connections through queues; each connection takes the next unit whenever
// it becomes idle.
type Client struct {
	Config Config
	// Reuse decides keep-alive; nil uses DefaultReuseStrategy.
	Reuse ReuseStrategy

	Logger         obs.Logger
	Meter          obs.Meter
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator

	mu       sync.Mutex
	reactor  *reactor.Reactor
	tracer   trace.Tracer
	ctx      context.Context
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// Start launches the I/O loops.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reactor != nil {
		return reactor.ErrStarted
	}
	if err := c.Config.Validate(); err != nil {
		return err
	}
	c.Config = c.Config.withDefaults()
	if c.Logger == nil {
		c.Logger = obs.NopLogger{}
	}
	if c.Meter == nil {
		c.Meter = obs.NopMeter{}
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Propagator == nil {
		c.Propagator = otel.GetTextMapPropagator()
	}
	if c.Reuse == nil {
		c.Reuse = DefaultReuseStrategy{}
	}
	c.tracer = c.TracerProvider.Tracer(instrumentationName)
	c.ctx = ctx
	c.breakers = make(map[string]*gobreaker.TwoStepCircuitBreaker)
	r := reactor.New(c.Config.reactorConfig(), clientEvents{c}, obs.Named(c.Logger, "reactor"), c.Meter)
	if err := r.Start(ctx); err != nil {
		return err
	}
	c.reactor = r
	return nil
}

// Shutdown closes every connection, failing in-flight work, and stops the
// I/O loops.
func (c *Client) Shutdown(ctx context.Context) error {
	r := c.getReactor()
	if r == nil {
		return nil
	}
	err := r.Shutdown(ctx)
	c.Logger.Logf(obs.Info, "httpx: client shut down")
	return err
}

func (c *Client) Status() Status {
	r := c.getReactor()
	if r == nil {
		return Inactive
	}
	return r.Status()
}

// Connect opens a connection to addr that serves work from q. A nil q gives
// the connection a private queue, reachable through ClientConn.Execute.
// Units left on a queue fail with a ConnectivityError once the last
// connection serving it closes.
func (c *Client) Connect(addr string, q *Queue) *SessionRequest {
	sr := newSessionRequest(addr)
	r := c.getReactor()
	if r == nil {
		sr.fail(ErrNotActive)
		return sr
	}
	done, err := c.breaker(addr).Allow()
	if err != nil {
		c.Meter.Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "connect"})
		sr.fail(&ConnectivityError{Op: "connect", Err: fmt.Errorf("%w: %s: %w", ErrCircuitOpen, addr, err)})
		return sr
	}
	a := &connectAttempt{addr: addr, queue: q, sr: sr, done: done}
	if q == nil {
		a.queue = NewQueue()
	}
	rq := r.Connect(addr, a)
	go func() {
		<-rq.Done()
		if err := rq.Err(); err != nil {
			a.finish(false)
			c.Meter.Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "connect"})
			c.logf(obs.Warn, "httpx: connect %s: %v", addr, err)
			sr.fail(&ConnectivityError{Op: "connect", Err: err})
		}
	}()
	return sr
}

// breaker returns the per-address connect breaker.
func (c *Client) breaker(addr string) *gobreaker.TwoStepCircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[addr]; ok {
		return cb
	}
	trip := c.Config.BreakerTripCount
	log := obs.Named(c.Logger, "breaker")
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    addr,
		Timeout: c.Config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				log.Logf(obs.Error, "httpx: connect circuit for %s has been opened", name)
			case gobreaker.StateHalfOpen:
				log.Logf(obs.Warn, "httpx: connect circuit for %s is half open", name)
			case gobreaker.StateClosed:
				log.Logf(obs.Info, "httpx: connect circuit for %s has been closed", name)
			}
		},
	})
	c.breakers[addr] = cb
	return cb
}

func (c *Client) getReactor() *reactor.Reactor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reactor
}

func (c *Client) logf(level obs.Level, format string, args ...interface{}) {
	c.Logger.Logf(level, format, args...)
}

// connectAttempt travels with a pending connect as the reactor attachment.
type connectAttempt struct {
	addr  string
	queue *Queue
	sr    *SessionRequest

	once sync.Once
	done func(success bool)
}

func (a *connectAttempt) finish(success bool) {
	a.once.Do(func() { a.done(success) })
}

// SessionRequest is a pending client connection.
type SessionRequest struct {
	addr string

	once sync.Once
	done chan struct{}
	conn *ClientConn
	err  error
}

func newSessionRequest(addr string) *SessionRequest {
	return &SessionRequest{addr: addr, done: make(chan struct{})}
}

func (r *SessionRequest) Addr() string          { return r.addr }
func (r *SessionRequest) Done() <-chan struct{} { return r.done }

// Conn returns the established connection once done, nil on failure.
func (r *SessionRequest) Conn() *ClientConn {
	select {
	case <-r.done:
		return r.conn
	default:
		return nil
	}
}

func (r *SessionRequest) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the connection is established, fails, or ctx expires.
func (r *SessionRequest) Wait(ctx context.Context) (*ClientConn, error) {
	select {
	case <-r.done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *SessionRequest) complete(cc *ClientConn) {
	r.once.Do(func() {
		r.conn = cc
		close(r.done)
	})
}

func (r *SessionRequest) fail(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// clientEvents routes reactor callbacks to the ClientConn attached to each
// session.
type clientEvents struct {
	c *Client
}

func (e clientEvents) Connected(s *reactor.Session, attachment any) {
	a, ok := attachment.(*connectAttempt)
	if !ok {
		s.Close()
		return
	}
	a.finish(true)
	cc := newClientConn(e.c, s, a)
	s.SetAttachment(cc)
	e.c.logf(obs.Debug, "httpx: session %d connected to %s", s.ID(), a.addr)
	a.sr.complete(cc)
	cc.updateInterest()
	cc.nextWork()
}

func (e clientEvents) InputReady(s *reactor.Session) {
	if cc, ok := s.Attachment().(*ClientConn); ok {
		cc.inputReady()
	}
}

func (e clientEvents) OutputReady(s *reactor.Session) {
	if cc, ok := s.Attachment().(*ClientConn); ok {
		cc.outputReady()
	}
}

func (e clientEvents) Timeout(s *reactor.Session) {
	if cc, ok := s.Attachment().(*ClientConn); ok {
		cc.timeout()
	}
}

func (e clientEvents) Disconnected(s *reactor.Session) {
	if cc, ok := s.Attachment().(*ClientConn); ok {
		cc.disconnected()
	}
}
