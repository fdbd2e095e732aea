package httpx

import (
	"sync"

	"dqx0.com/go/niohttp/httpx/internal/http1"
)

// ContentEncoder receives body content while a message is being written.
// Writes are framed according to the transfer coding chosen for the message.
type ContentEncoder interface {
	Write(p []byte) (int, error)
	// Complete ends the content. Further writes fail.
	Complete() error
	IsCompleted() bool
}

// Entity produces outgoing message content. Produce is called on the
// connection's I/O loop whenever the output buffer has room; it writes what
// is available and calls Complete once done. An entity that has nothing to
// write yet returns without writing and is resumed after the exchange's
// RequestOutput is invoked.
type Entity interface {
	// ContentLength returns the content size, or -1 if unknown.
	ContentLength() int64
	IsChunked() bool
	Produce(enc ContentEncoder) error
}

// BytesEntity serves a byte slice, one piece of at most ChunkSize bytes per
// Produce call.
type BytesEntity struct {
	ChunkSize int

	data    []byte
	chunked bool
	off     int
}

func NewBytesEntity(p []byte, chunked bool) *BytesEntity {
	return &BytesEntity{data: p, chunked: chunked}
}

func NewStringEntity(s string, chunked bool) *BytesEntity {
	return NewBytesEntity([]byte(s), chunked)
}

// ContentLength reports the byte length even when the entity prefers chunked
// framing, so HTTP/1.0 peers can still be sent a Content-Length.
func (e *BytesEntity) ContentLength() int64 { return int64(len(e.data)) }

func (e *BytesEntity) IsChunked() bool { return e.chunked }

func (e *BytesEntity) Produce(enc ContentEncoder) error {
	size := e.ChunkSize
	if size <= 0 {
		size = 2048
	}
	if rest := len(e.data) - e.off; rest < size {
		size = rest
	}
	if size > 0 {
		n, err := enc.Write(e.data[e.off : e.off+size])
		e.off += n
		if err != nil {
			return err
		}
	}
	if e.off >= len(e.data) {
		return enc.Complete()
	}
	return nil
}

// StreamEntity is content written from other goroutines. Write and Close
// may be called concurrently with the I/O loop draining the entity.
type StreamEntity struct {
	mu      sync.Mutex
	buf     []byte
	closed  bool
	err     error
	notify  func()
	length  int64
	chunked bool
}

// NewStreamEntity returns a chunked stream, or a fixed-length one when
// length >= 0.
func NewStreamEntity(length int64) *StreamEntity {
	return &StreamEntity{length: length, chunked: length < 0}
}

func (e *StreamEntity) ContentLength() int64 { return e.length }
func (e *StreamEntity) IsChunked() bool      { return e.chunked }

// Write queues p for sending.
func (e *StreamEntity) Write(p []byte) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEntityClosed
	}
	e.buf = append(e.buf, p...)
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify()
	}
	return len(p), nil
}

// Close ends the stream once queued bytes are sent.
func (e *StreamEntity) Close() error { return e.CloseWithError(nil) }

// CloseWithError ends the stream. A non-nil err aborts the exchange.
func (e *StreamEntity) CloseWithError(err error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.err = err
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

func (e *StreamEntity) bind(notify func()) {
	e.mu.Lock()
	e.notify = notify
	e.mu.Unlock()
}

func (e *StreamEntity) Produce(enc ContentEncoder) error {
	e.mu.Lock()
	buf := e.buf
	e.buf = nil
	closed, err := e.closed, e.err
	e.mu.Unlock()
	if len(buf) > 0 {
		if _, werr := enc.Write(buf); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if closed {
		return enc.Complete()
	}
	return nil
}

// outputNotifier is implemented by entities that must be told how to wake
// their connection when new content arrives.
type outputNotifier interface {
	bind(notify func())
}

type contentEncoder struct {
	enc     http1.Encoder
	trailer []http1.Field
}

func newContentEncoder(f http1.Frame, w interface{ Write([]byte) (int, error) }, trailer Header) *contentEncoder {
	return &contentEncoder{enc: http1.NewEncoder(f, w), trailer: trailer.fields()}
}

func (e *contentEncoder) Write(p []byte) (int, error) { return e.enc.Write(p) }
func (e *contentEncoder) Complete() error             { return e.enc.Complete(e.trailer) }
func (e *contentEncoder) IsCompleted() bool           { return e.enc.Completed() }
