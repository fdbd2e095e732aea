package http1

import (
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	ErrFramingConflict   = errors.New("http1: both Content-Length and Transfer-Encoding present")
	ErrBadContentLength  = errors.New("http1: invalid Content-Length")
	ErrLengthRequired    = errors.New("http1: length required")
	ErrUnsupportedCoding = errors.New("http1: unsupported transfer coding")
)

// FrameKind is how the end of a message body is determined.
type FrameKind int

const (
	FrameNone FrameKind = iota
	FrameLength
	FrameChunked
	FrameUntilClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameNone:
		return "none"
	case FrameLength:
		return "length"
	case FrameChunked:
		return "chunked"
	case FrameUntilClose:
		return "until-close"
	default:
		return "unknown"
	}
}

// Frame describes the body delimitation of one message.
type Frame struct {
	Kind   FrameKind
	Length int64
}

// RequestFrame derives the body framing of a request from its header fields.
func RequestFrame(method string, fields []Field) (Frame, error) {
	chunked, hasTE, err := transferCoding(fields)
	if err != nil {
		return Frame{}, err
	}
	n, hasCL, clErr := contentLength(fields)
	if hasTE && hasCL {
		return Frame{}, ErrFramingConflict
	}
	if hasTE {
		if !chunked {
			return Frame{}, ErrUnsupportedCoding
		}
		return Frame{Kind: FrameChunked}, nil
	}
	if clErr != nil {
		return Frame{}, clErr
	}
	if hasCL {
		return Frame{Kind: FrameLength, Length: n}, nil
	}
	if methodNeedsBody(method) {
		return Frame{}, ErrLengthRequired
	}
	return Frame{Kind: FrameNone}, nil
}

// ResponseFrame derives the body framing of a response to a request with the
// given method.
func ResponseFrame(method string, status int, fields []Field) (Frame, error) {
	if !BodyAllowed(method, status) {
		return Frame{Kind: FrameNone}, nil
	}
	chunked, hasTE, err := transferCoding(fields)
	if err != nil && !errors.Is(err, ErrUnsupportedCoding) {
		return Frame{}, err
	}
	n, hasCL, clErr := contentLength(fields)
	if hasTE && hasCL {
		return Frame{}, ErrFramingConflict
	}
	if hasTE {
		if chunked {
			return Frame{Kind: FrameChunked}, nil
		}
		return Frame{Kind: FrameUntilClose}, nil
	}
	if clErr != nil {
		return Frame{}, clErr
	}
	if hasCL {
		return Frame{Kind: FrameLength, Length: n}, nil
	}
	return Frame{Kind: FrameUntilClose}, nil
}

// BodyAllowed reports whether a response with status to method may carry content.
func BodyAllowed(method string, status int) bool {
	if method == "HEAD" || IsInterim(status) {
		return false
	}
	return status != 204 && status != 304
}

func methodNeedsBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// transferCoding reports whether chunked is the final coding and whether any
// Transfer-Encoding field is present at all.
func transferCoding(fields []Field) (chunked, present bool, err error) {
	var codings []string
	for _, f := range fields {
		if !strings.EqualFold(f.Name, "Transfer-Encoding") {
			continue
		}
		present = true
		for _, c := range strings.Split(f.Value, ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				codings = append(codings, c)
			}
		}
	}
	if !present {
		return false, false, nil
	}
	if len(codings) == 0 {
		return false, true, ErrUnsupportedCoding
	}
	for i, c := range codings {
		if c == "chunked" && i != len(codings)-1 {
			return false, true, ErrUnsupportedCoding
		}
	}
	return codings[len(codings)-1] == "chunked", true, nil
}

// contentLength folds every Content-Length field (and comma separated list
// member) into one value. Differing values are an error.
func contentLength(fields []Field) (int64, bool, error) {
	var (
		n       int64 = -1
		present bool
	)
	for _, f := range fields {
		if !strings.EqualFold(f.Name, "Content-Length") {
			continue
		}
		present = true
		for _, s := range strings.Split(f.Value, ",") {
			s = strings.TrimSpace(s)
			v, err := parseLength(s)
			if err != nil {
				return 0, true, err
			}
			if n >= 0 && v != n {
				return 0, true, ErrBadContentLength
			}
			n = v
		}
	}
	if !present {
		return 0, false, nil
	}
	return n, true, nil
}

// ParseContentLength parses a single Content-Length value.
func ParseContentLength(s string) (int64, error) {
	return parseLength(strings.TrimSpace(s))
}

func parseLength(s string) (int64, error) {
	if s == "" || len(s) > 18 {
		return 0, ErrBadContentLength
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, ErrBadContentLength
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrBadContentLength
	}
	return v, nil
}

// Decoder extracts body content from buffered input.
//
// Decode is given all unconsumed input. It returns content found at the front
// of it (aliasing in) together with the number of bytes consumed, which may
// exceed len(content) when framing bytes were read. consumed == 0 means more
// input is needed.
type Decoder interface {
	Decode(in []byte) (content []byte, consumed int, err error)
	// Done reports whether the body ended.
	Done() bool
	// EndOfInput is called when the peer closed its side. It returns nil if
	// the body legitimately ends there.
	EndOfInput() error
	// Trailer returns trailer fields of a chunked body.
	Trailer() []Field
}

// NewDecoder returns a decoder for the given framing.
func NewDecoder(f Frame, maxLine int) Decoder {
	switch f.Kind {
	case FrameLength:
		return &lengthDecoder{remain: f.Length}
	case FrameChunked:
		return &chunkedDecoder{maxLine: maxLine}
	case FrameUntilClose:
		return &closeDecoder{}
	default:
		return &lengthDecoder{}
	}
}

type lengthDecoder struct {
	remain int64
}

func (d *lengthDecoder) Decode(in []byte) ([]byte, int, error) {
	if d.remain == 0 || len(in) == 0 {
		return nil, 0, nil
	}
	n := int64(len(in))
	if n > d.remain {
		n = d.remain
	}
	d.remain -= n
	return in[:n], int(n), nil
}

func (d *lengthDecoder) Done() bool { return d.remain == 0 }

func (d *lengthDecoder) EndOfInput() error {
	if d.remain > 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (d *lengthDecoder) Trailer() []Field { return nil }

type closeDecoder struct {
	done bool
}

func (d *closeDecoder) Decode(in []byte) ([]byte, int, error) {
	if d.done || len(in) == 0 {
		return nil, 0, nil
	}
	return in, len(in), nil
}

func (d *closeDecoder) Done() bool { return d.done }

func (d *closeDecoder) EndOfInput() error {
	d.done = true
	return nil
}

func (d *closeDecoder) Trailer() []Field { return nil }
