// Package reactor multiplexes non-blocking TCP sessions over a small fixed
// set of I/O loops. Each loop owns a poller and the sessions registered with
// it; every callback for a session runs on its owning loop.
package reactor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dqx0.com/go/niohttp/internal/obs"
)

// Interest bits for Session.SetEvents.
const (
	EventRead = 1 << iota
	EventWrite
)

// Status is the lifecycle state of a Reactor.
type Status int32

const (
	Inactive Status = iota
	Active
	ShuttingDown
	ShutDown
)

func (s Status) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Active:
		return "ACTIVE"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case ShutDown:
		return "SHUT_DOWN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotActive      = errors.New("reactor: not active")
	ErrStarted        = errors.New("reactor: already started")
	ErrSessionClosed  = errors.New("reactor: session closed")
	ErrConnectTimeout = errors.New("reactor: connect timed out")
	ErrTimeout        = errors.New("reactor: session timed out")
	ErrReset          = errors.New("reactor: connection reset by peer")
	ErrCancelled      = errors.New("reactor: request cancelled")
	ErrUnsupported    = errors.New("reactor: platform not supported")
)

// Config tunes a Reactor. Zero fields take defaults.
type Config struct {
	IOThreads      int
	SelectInterval time.Duration
	SocketTimeout  time.Duration
	ConnectTimeout time.Duration
	BufferSize     int
	Backlog        int
}

func (c Config) withDefaults() Config {
	if c.IOThreads <= 0 {
		c.IOThreads = 1
	}
	if c.SelectInterval <= 0 {
		c.SelectInterval = time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 8 << 10
	}
	if c.Backlog <= 0 {
		c.Backlog = 1024
	}
	return c
}

// EventHandler receives session events. All methods for a given session are
// invoked on the session's owning loop, never concurrently.
type EventHandler interface {
	// Connected is called once a session is registered. attachment is the
	// value passed to Connect, nil for accepted sessions.
	Connected(s *Session, attachment any)
	InputReady(s *Session)
	OutputReady(s *Session)
	// Timeout is called once per idle period longer than the session timeout.
	Timeout(s *Session)
	Disconnected(s *Session)
}

// Reactor owns the I/O loops.
type Reactor struct {
	cfg     Config
	handler EventHandler
	logger  obs.Logger
	meter   obs.Meter

	mu     sync.Mutex
	loops  []*loop
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	status atomic.Int32
	next   atomic.Uint64
	ids    atomic.Uint64
}

// New creates an inactive reactor dispatching to h.
func New(cfg Config, h EventHandler, logger obs.Logger, meter obs.Meter) *Reactor {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	if meter == nil {
		meter = obs.NopMeter{}
	}
	return &Reactor{
		cfg:     cfg.withDefaults(),
		handler: h,
		logger:  logger,
		meter:   meter,
		done:    make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (r *Reactor) Status() Status { return Status(r.status.Load()) }

// Config returns the effective configuration.
func (r *Reactor) Config() Config { return r.cfg }

// Start creates the loops and runs them in the background until ctx is
// cancelled or Shutdown is called.
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status() != Inactive {
		return ErrStarted
	}
	loops := make([]*loop, r.cfg.IOThreads)
	for i := range loops {
		l, err := newLoop(i, r)
		if err != nil {
			for _, prev := range loops[:i] {
				prev.p.close()
			}
			return err
		}
		loops[i] = l
	}
	r.loops = loops

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		l := l
		g.Go(func() error { return l.run(gctx) })
	}
	context.AfterFunc(gctx, func() {
		for _, l := range loops {
			l.wake()
		}
	})
	r.status.Store(int32(Active))
	r.logger.Logf(obs.Info, "reactor: started with %d I/O loops", len(loops))

	go func() {
		err := g.Wait()
		cancel()
		r.err = err
		r.status.Store(int32(ShutDown))
		close(r.done)
	}()
	return nil
}

// Run starts the reactor and blocks until it stops.
func (r *Reactor) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-r.done
	return r.err
}

// Shutdown closes every session and listener and stops the loops. It waits
// for the loops to exit or for ctx to expire.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	if r.Status() == Inactive {
		r.status.Store(int32(ShutDown))
		r.mu.Unlock()
		return nil
	}
	r.status.CompareAndSwap(int32(Active), int32(ShuttingDown))
	r.mu.Unlock()

	cancel()
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once all loops have exited.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Listen binds addr and starts accepting sessions. Accepted sessions are
// spread round-robin over the loops.
func (r *Reactor) Listen(addr string) (*ListenerEndpoint, error) {
	if r.Status() != Active {
		return nil, ErrNotActive
	}
	fd, laddr, err := listenTCP(addr, r.cfg.Backlog)
	if err != nil {
		return nil, err
	}
	l := r.nextLoop()
	ep := &ListenerEndpoint{fd: fd, addr: laddr, l: l, closed: make(chan struct{})}
	ok := l.execute(func() {
		if err := l.p.add(fd, EventRead); err != nil {
			ep.finish(err)
			return
		}
		l.listeners[fd] = ep
	})
	if !ok {
		closeFD(fd)
		return nil, ErrNotActive
	}
	r.logger.Logf(obs.Info, "reactor: listening on %s", laddr)
	return ep, nil
}

// Connect starts a non-blocking connect to addr. The returned request
// completes once the session is registered and Connected has been called
// with attachment, or fails.
func (r *Reactor) Connect(addr string, attachment any) *SessionRequest {
	req := newSessionRequest(addr, attachment)
	if r.Status() != Active {
		req.fail(ErrNotActive)
		return req
	}
	fd, raddr, err := dial(addr)
	if err != nil {
		req.fail(err)
		return req
	}
	l := r.nextLoop()
	ok := l.execute(func() { l.addPending(fd, raddr, req) })
	if !ok {
		closeFD(fd)
		req.fail(ErrNotActive)
	}
	return req
}

func (r *Reactor) nextLoop() *loop {
	n := r.next.Add(1) - 1
	return r.loops[n%uint64(len(r.loops))]
}

// ListenerEndpoint is a bound listening socket.
type ListenerEndpoint struct {
	fd     int
	addr   *net.TCPAddr
	l      *loop
	once   sync.Once
	closed chan struct{}
	err    error
}

// Addr returns the bound address, with the actual port when 0 was requested.
func (ep *ListenerEndpoint) Addr() *net.TCPAddr { return ep.addr }

// Close stops accepting. Established sessions are not affected.
func (ep *ListenerEndpoint) Close() error {
	ok := ep.l.execute(func() { ep.l.closeListener(ep, nil) })
	if !ok {
		ep.finish(ErrNotActive)
	}
	select {
	case <-ep.closed:
	case <-ep.l.r.done:
		ep.finish(ErrNotActive)
	}
	return nil
}

// Done is closed when the endpoint stops accepting.
func (ep *ListenerEndpoint) Done() <-chan struct{} { return ep.closed }

// Err returns why the endpoint stopped, nil after a plain Close.
func (ep *ListenerEndpoint) Err() error {
	select {
	case <-ep.closed:
		return ep.err
	default:
		return nil
	}
}

func (ep *ListenerEndpoint) finish(err error) {
	ep.once.Do(func() {
		closeFD(ep.fd)
		ep.err = err
		close(ep.closed)
	})
}

// SessionRequest tracks an outbound connect.
type SessionRequest struct {
	addr       string
	attachment any

	once      sync.Once
	done      chan struct{}
	cancelled atomic.Bool
	session   *Session
	err       error
}

func newSessionRequest(addr string, attachment any) *SessionRequest {
	return &SessionRequest{addr: addr, attachment: attachment, done: make(chan struct{})}
}

// Addr returns the requested remote address.
func (q *SessionRequest) Addr() string { return q.addr }

// Attachment returns the value passed to Connect.
func (q *SessionRequest) Attachment() any { return q.attachment }

// Done is closed on completion or failure.
func (q *SessionRequest) Done() <-chan struct{} { return q.done }

// Session returns the established session, nil until done or on failure.
func (q *SessionRequest) Session() *Session {
	select {
	case <-q.done:
		return q.session
	default:
		return nil
	}
}

// Err returns the failure cause once done.
func (q *SessionRequest) Err() error {
	select {
	case <-q.done:
		return q.err
	default:
		return nil
	}
}

// Wait blocks until the request completes or ctx expires.
func (q *SessionRequest) Wait(ctx context.Context) (*Session, error) {
	select {
	case <-q.done:
		return q.session, q.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the request. A session established afterwards is closed.
func (q *SessionRequest) Cancel() {
	q.cancelled.Store(true)
	q.fail(ErrCancelled)
}

func (q *SessionRequest) complete(s *Session) bool {
	ok := false
	q.once.Do(func() {
		q.session = s
		close(q.done)
		ok = true
	})
	return ok
}

func (q *SessionRequest) fail(err error) {
	q.once.Do(func() {
		q.err = err
		close(q.done)
	})
}
