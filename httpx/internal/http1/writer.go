package http1

import (
	"errors"
	"io"
	"strconv"
)

var (
	ErrEncoderCompleted  = errors.New("http1: content already completed")
	ErrLengthExceeded    = errors.New("http1: content exceeds declared length")
	ErrIncompleteContent = errors.New("http1: content shorter than declared length")
)

// TimeFormat is the layout of the Date header.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// AppendRequestHead serializes a request line and header block.
func AppendRequestHead(dst []byte, h RequestHead) []byte {
	dst = append(dst, h.Method...)
	dst = append(dst, ' ')
	dst = append(dst, h.Target...)
	dst = append(dst, ' ')
	dst = append(dst, h.Version.String()...)
	dst = append(dst, '\r', '\n')
	dst = AppendFields(dst, h.Fields)
	return append(dst, '\r', '\n')
}

// AppendResponseHead serializes a status line and header block.
func AppendResponseHead(dst []byte, h ResponseHead) []byte {
	reason := h.Reason
	if reason == "" {
		reason = StatusText(h.StatusCode)
	}
	dst = append(dst, h.Version.String()...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(h.StatusCode), 10)
	dst = append(dst, ' ')
	dst = append(dst, SanitizeHeaderValue(reason)...)
	dst = append(dst, '\r', '\n')
	dst = AppendFields(dst, h.Fields)
	return append(dst, '\r', '\n')
}

// AppendFields writes fields in order. Fields with an invalid name are skipped.
func AppendFields(dst []byte, fields []Field) []byte {
	for _, f := range fields {
		if SanitizeHeaderKey(f.Name) == "" {
			continue
		}
		dst = append(dst, f.Name...)
		dst = append(dst, ':', ' ')
		dst = append(dst, SanitizeHeaderValue(f.Value)...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// Encoder writes body content with the framing chosen for the message.
type Encoder interface {
	Write(p []byte) (int, error)
	// Complete terminates the body. Trailers are only emitted by chunked
	// framing.
	Complete(trailer []Field) error
	Completed() bool
}

// NewEncoder returns an encoder writing framed content to w.
func NewEncoder(f Frame, w io.Writer) Encoder {
	switch f.Kind {
	case FrameLength:
		return &lengthEncoder{w: w, remain: f.Length}
	case FrameChunked:
		return &chunkedEncoder{w: w}
	case FrameUntilClose:
		return &closeEncoder{w: w}
	default:
		return &lengthEncoder{w: w}
	}
}

type lengthEncoder struct {
	w      io.Writer
	remain int64
	done   bool
}

func (e *lengthEncoder) Write(p []byte) (int, error) {
	if e.done {
		return 0, ErrEncoderCompleted
	}
	if int64(len(p)) > e.remain {
		return 0, ErrLengthExceeded
	}
	n, err := e.w.Write(p)
	e.remain -= int64(n)
	return n, err
}

func (e *lengthEncoder) Complete([]Field) error {
	if e.done {
		return nil
	}
	if e.remain != 0 {
		return ErrIncompleteContent
	}
	e.done = true
	return nil
}

func (e *lengthEncoder) Completed() bool { return e.done }

type closeEncoder struct {
	w    io.Writer
	done bool
}

func (e *closeEncoder) Write(p []byte) (int, error) {
	if e.done {
		return 0, ErrEncoderCompleted
	}
	return e.w.Write(p)
}

func (e *closeEncoder) Complete([]Field) error {
	e.done = true
	return nil
}

func (e *closeEncoder) Completed() bool { return e.done }

// StatusText returns the standard reason phrase for code, or "" if unknown.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 411:
		return "Length Required"
	case 413:
		return "Content Too Large"
	case 417:
		return "Expectation Failed"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return ""
	}
}
