package reactor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"dqx0.com/go/niohttp/internal/obs"
)

type pendingConnect struct {
	req      *SessionRequest
	remote   *net.TCPAddr
	deadline time.Time
}

// loop is one I/O thread. Everything except execute and wake must be called
// from the goroutine running run.
type loop struct {
	id int
	r  *Reactor
	p  *poller

	sessions   map[int]*Session
	listeners  map[int]*ListenerEndpoint
	connecting map[int]pendingConnect
	events     []event
	lastCheck  time.Time
	stopping   bool

	mu     sync.Mutex
	tasks  []func()
	closed bool
}

func newLoop(id int, r *Reactor) (*loop, error) {
	p, err := newPoller(256)
	if err != nil {
		return nil, err
	}
	return &loop{
		id:         id,
		r:          r,
		p:          p,
		sessions:   make(map[int]*Session),
		listeners:  make(map[int]*ListenerEndpoint),
		connecting: make(map[int]pendingConnect),
		events:     make([]event, 0, 256),
	}, nil
}

// execute queues f to run on the loop. It reports false once the loop has
// stopped accepting work.
func (l *loop) execute(f func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, f)
	l.p.wake()
	return true
}

func (l *loop) wake() {
	l.mu.Lock()
	if !l.closed {
		l.p.wake()
	}
	l.mu.Unlock()
}

func (l *loop) run(ctx context.Context) error {
	defer l.teardown()
	l.lastCheck = time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		evs, err := l.p.wait(l.events[:0], l.r.cfg.SelectInterval)
		if err != nil {
			l.r.logger.Logf(obs.Error, "reactor: loop %d: poll failed: %v", l.id, err)
			return fmt.Errorf("reactor: loop %d: %w", l.id, err)
		}
		for _, ev := range evs {
			l.dispatch(ev)
		}
		l.events = evs
		l.runTasks()
		l.checkTimeouts(time.Now())
	}
}

func (l *loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, f := range tasks {
		l.runTask(f)
	}
}

func (l *loop) runTask(f func()) {
	defer func() {
		if v := recover(); v != nil {
			l.r.logger.Logf(obs.Error, "reactor: loop %d: task panic: %v", l.id, v)
		}
	}()
	f()
}

func (l *loop) dispatch(ev event) {
	if ep, ok := l.listeners[ev.fd]; ok {
		l.acceptAll(ep)
		return
	}
	if pc, ok := l.connecting[ev.fd]; ok {
		l.finishConnect(ev.fd, pc)
		return
	}
	s, ok := l.sessions[ev.fd]
	if !ok {
		return
	}
	if ev.hangup && s.events == 0 {
		s.CloseWithError(ErrReset)
		return
	}
	if ev.readable && s.events&EventRead != 0 && s.status == sessionActive {
		l.safely(s, func() { l.r.handler.InputReady(s) })
	}
	if ev.writable && s.events&EventWrite != 0 && s.status != sessionClosed {
		if s.status == sessionClosing {
			s.flushClosing()
			return
		}
		l.safely(s, func() { l.r.handler.OutputReady(s) })
	}
}

func (l *loop) acceptAll(ep *ListenerEndpoint) {
	for {
		fd, remote, err := accept(ep.fd)
		if err != nil {
			l.r.logger.Logf(obs.Warn, "reactor: accept on %s: %v", ep.addr, err)
			return
		}
		if fd < 0 {
			return
		}
		target := l.r.nextLoop()
		if target == l {
			l.register(fd, remote, nil, nil, true)
			continue
		}
		if !target.execute(func() { target.register(fd, remote, nil, nil, true) }) {
			closeFD(fd)
		}
	}
}

func (l *loop) closeListener(ep *ListenerEndpoint, err error) {
	if _, ok := l.listeners[ep.fd]; ok {
		delete(l.listeners, ep.fd)
		l.p.del(ep.fd)
	}
	ep.finish(err)
}

func (l *loop) addPending(fd int, remote *net.TCPAddr, req *SessionRequest) {
	if l.stopping || req.cancelled.Load() {
		closeFD(fd)
		req.fail(ErrCancelled)
		return
	}
	if err := l.p.add(fd, EventWrite); err != nil {
		closeFD(fd)
		req.fail(err)
		return
	}
	pc := pendingConnect{req: req, remote: remote}
	if d := l.r.cfg.ConnectTimeout; d > 0 {
		pc.deadline = time.Now().Add(d)
	}
	l.connecting[fd] = pc
}

func (l *loop) finishConnect(fd int, pc pendingConnect) {
	delete(l.connecting, fd)
	if err := connectResult(fd); err != nil {
		l.p.del(fd)
		closeFD(fd)
		pc.req.fail(fmt.Errorf("reactor: connect %s: %w", pc.req.addr, err))
		return
	}
	if pc.req.cancelled.Load() {
		l.p.del(fd)
		closeFD(fd)
		return
	}
	s := l.register(fd, pc.remote, pc.req.attachment, pc.req, false)
	if s == nil {
		return
	}
	if s.status == sessionClosed || !pc.req.complete(s) {
		s.Close()
	}
}

// register creates a session for an established socket and announces it.
// fresh is true when fd is not yet known to the poller.
func (l *loop) register(fd int, remote *net.TCPAddr, attachment any, req *SessionRequest, fresh bool) *Session {
	var err error
	if l.stopping {
		err = ErrNotActive
	} else if fresh {
		err = l.p.add(fd, EventRead)
	} else {
		err = l.p.mod(fd, EventRead)
	}
	if err != nil {
		if !fresh {
			l.p.del(fd)
		}
		closeFD(fd)
		if req != nil {
			req.fail(err)
		}
		return nil
	}
	s := newSession(l, fd, remote)
	s.events = EventRead
	l.sessions[fd] = s
	side := "accepted"
	if req != nil {
		side = "connected"
	}
	l.r.meter.Counter("httpx_reactor_sessions_total", 1, obs.Label{Key: "side", Value: side}, obs.Label{Key: "loop", Value: strconv.Itoa(l.id)})
	l.r.logger.Logf(obs.Debug, "reactor: session %d %s %s", s.id, side, remote)
	l.safely(s, func() { l.r.handler.Connected(s, attachment) })
	if s.status == sessionClosed && req != nil {
		err := s.err
		if err == nil {
			err = ErrSessionClosed
		}
		req.fail(err)
	}
	return s
}

// safely runs a handler callback, closing the session if it panics.
func (l *loop) safely(s *Session, f func()) {
	defer func() {
		if v := recover(); v != nil {
			l.r.logger.Logf(obs.Error, "reactor: session %d: handler panic: %v", s.id, v)
			s.CloseWithError(fmt.Errorf("reactor: handler panic: %v", v))
		}
	}()
	f()
}

func (l *loop) disconnected(s *Session) {
	defer func() {
		if v := recover(); v != nil {
			l.r.logger.Logf(obs.Error, "reactor: session %d: disconnect handler panic: %v", s.id, v)
		}
	}()
	l.r.handler.Disconnected(s)
}

func (l *loop) checkTimeouts(now time.Time) {
	if now.Sub(l.lastCheck) < l.r.cfg.SelectInterval {
		return
	}
	l.lastCheck = now
	for fd, pc := range l.connecting {
		if pc.deadline.IsZero() || now.Before(pc.deadline) {
			continue
		}
		delete(l.connecting, fd)
		l.p.del(fd)
		closeFD(fd)
		pc.req.fail(fmt.Errorf("reactor: connect %s: %w", pc.req.addr, ErrConnectTimeout))
	}
	for _, s := range l.sessions {
		if s.timeout <= 0 || s.status == sessionClosed {
			continue
		}
		if now.Sub(s.lastActive) < s.timeout {
			continue
		}
		s.lastActive = now
		if s.status == sessionClosing {
			s.CloseWithError(ErrTimeout)
			continue
		}
		l.safely(s, func() { l.r.handler.Timeout(s) })
	}
}

func (l *loop) teardown() {
	l.stopping = true
	for _, s := range l.sessions {
		s.CloseWithError(ErrSessionClosed)
	}
	for fd, pc := range l.connecting {
		delete(l.connecting, fd)
		l.p.del(fd)
		closeFD(fd)
		pc.req.fail(ErrNotActive)
	}
	for _, ep := range l.listeners {
		l.closeListener(ep, ErrNotActive)
	}

	l.mu.Lock()
	l.closed = true
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	// Queued work still runs so waiters observe the shutdown; session
	// tasks are skipped because every session is closed by now.
	for _, f := range tasks {
		l.runTask(f)
	}
	for _, ep := range l.listeners {
		l.closeListener(ep, ErrNotActive)
	}
	l.p.close()
	l.r.logger.Logf(obs.Debug, "reactor: loop %d stopped", l.id)
}
