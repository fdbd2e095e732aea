package reactor

import (
	"net"
	"time"
)

type sessionStatus int

const (
	sessionActive sessionStatus = iota
	sessionClosing
	sessionClosed
)

// Session is one registered connection. Apart from Execute, ID and the
// address accessors, its methods must only be called from the owning loop,
// that is from EventHandler callbacks or functions passed to Execute.
type Session struct {
	id     uint64
	l      *loop
	fd     int
	remote *net.TCPAddr
	local  *net.TCPAddr

	status     sessionStatus
	events     int
	timeout    time.Duration
	lastActive time.Time
	err        error
	attachment any

	in         []byte
	rpos, wpos int
	out        []byte
	opos       int
}

func newSession(l *loop, fd int, remote *net.TCPAddr) *Session {
	return &Session{
		id:         l.r.ids.Add(1),
		l:          l,
		fd:         fd,
		remote:     remote,
		local:      localAddr(fd),
		timeout:    l.r.cfg.SocketTimeout,
		lastActive: time.Now(),
	}
}

func (s *Session) ID() uint64               { return s.id }
func (s *Session) RemoteAddr() *net.TCPAddr { return s.remote }
func (s *Session) LocalAddr() *net.TCPAddr  { return s.local }
func (s *Session) Attachment() any          { return s.attachment }
func (s *Session) SetAttachment(v any)      { s.attachment = v }
func (s *Session) Timeout() time.Duration   { return s.timeout }
func (s *Session) IsOpen() bool             { return s.status == sessionActive }
func (s *Session) IsClosed() bool           { return s.status == sessionClosed }
func (s *Session) Events() int              { return s.events }
func (s *Session) Err() error               { return s.err }
func (s *Session) HasBufferedInput() bool   { return s.wpos > s.rpos }
func (s *Session) HasBufferedOutput() bool  { return len(s.out) > s.opos }
func (s *Session) OutputLen() int           { return len(s.out) - s.opos }
func (s *Session) Input() []byte            { return s.in[s.rpos:s.wpos] }

// SetTimeout changes the idle timeout and restarts the idle period.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
	s.lastActive = time.Now()
}

// Consume discards n bytes from the front of the input buffer.
func (s *Session) Consume(n int) {
	s.rpos += n
	if s.rpos >= s.wpos {
		s.rpos, s.wpos = 0, 0
	}
}

// SetEvents replaces the interest mask.
func (s *Session) SetEvents(mask int) {
	if s.status == sessionClosed || mask == s.events {
		return
	}
	if err := s.l.p.mod(s.fd, mask); err != nil {
		s.CloseWithError(err)
		return
	}
	s.events = mask
}

// Fill reads once from the socket into the input buffer. It returns the
// number of bytes read, 0 with a nil error if nothing was available.
// io.EOF signals the peer closed its side.
func (s *Session) Fill() (int, error) {
	if s.status == sessionClosed {
		return 0, ErrSessionClosed
	}
	size := s.l.r.cfg.BufferSize
	if s.in == nil {
		s.in = make([]byte, size)
	}
	if s.rpos > 0 && s.wpos == len(s.in) {
		n := copy(s.in, s.in[s.rpos:s.wpos])
		s.rpos, s.wpos = 0, n
	}
	if s.wpos == len(s.in) {
		grown := make([]byte, 2*len(s.in))
		copy(grown, s.in[:s.wpos])
		s.in = grown
	}
	n, err := readFD(s.fd, s.in[s.wpos:])
	if n > 0 {
		s.wpos += n
		s.lastActive = time.Now()
	}
	return n, err
}

// Write appends p to the output buffer and enables write interest. Bytes are
// sent from OutputReady via Flush, or by the loop for a closing session.
func (s *Session) Write(p []byte) (int, error) {
	if s.status == sessionClosed {
		return 0, ErrSessionClosed
	}
	if s.opos > 0 && s.opos == len(s.out) {
		s.out, s.opos = s.out[:0], 0
	}
	s.out = append(s.out, p...)
	if len(p) > 0 {
		s.SetEvents(s.events | EventWrite)
	}
	return len(p), nil
}

// Flush writes buffered output until the socket would block. Write interest
// is cleared once everything has been sent.
func (s *Session) Flush() (int, error) {
	if s.status == sessionClosed {
		return 0, ErrSessionClosed
	}
	total := 0
	for s.opos < len(s.out) {
		n, err := writeFD(s.fd, s.out[s.opos:])
		if n > 0 {
			s.opos += n
			total += n
			s.lastActive = time.Now()
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	s.out, s.opos = s.out[:0], 0
	if s.status == sessionActive {
		s.SetEvents(s.events &^ EventWrite)
	}
	return total, nil
}

// Execute runs f on the owning loop. f is skipped if the session has been
// closed by then. It reports false if the loop no longer accepts work.
func (s *Session) Execute(f func()) bool {
	return s.l.execute(func() {
		if s.status == sessionClosed {
			return
		}
		s.l.safely(s, f)
	})
}

// Shutdown closes the session once buffered output has been written. Input
// is no longer delivered.
func (s *Session) Shutdown() {
	if s.status != sessionActive {
		return
	}
	s.status = sessionClosing
	if !s.HasBufferedOutput() {
		s.CloseWithError(nil)
		return
	}
	s.SetEvents(EventWrite)
}

func (s *Session) flushClosing() {
	if _, err := s.Flush(); err != nil {
		s.CloseWithError(err)
		return
	}
	if !s.HasBufferedOutput() {
		s.CloseWithError(nil)
	}
}

// Close closes the session immediately, discarding buffered output.
func (s *Session) Close() { s.CloseWithError(nil) }

// CloseWithError closes the session and records err as the reason.
func (s *Session) CloseWithError(err error) {
	if s.status == sessionClosed {
		return
	}
	s.status = sessionClosed
	s.err = err
	s.l.p.del(s.fd)
	delete(s.l.sessions, s.fd)
	closeFD(s.fd)
	s.in, s.out = nil, nil
	s.rpos, s.wpos, s.opos = 0, 0, 0
	s.l.disconnected(s)
}
