package http1

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	ErrChunkFormat = errors.New("http1: invalid chunk format")
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkedDecoder decodes Transfer-Encoding: chunked from buffered input.
// It keeps its position across calls, so the body may arrive in any split.
type chunkedDecoder struct {
	state   chunkState
	remain  int64
	maxLine int // line limit for chunk header and trailer lines
	trailer []Field
}

func (d *chunkedDecoder) Decode(in []byte) ([]byte, int, error) {
	consumed := 0
	for {
		switch d.state {
		case chunkSize:
			line, n, err := d.readLine(in[consumed:])
			if err != nil || n == 0 {
				return nil, consumed, err
			}
			consumed += n
			size, err := parseChunkSize(line)
			if err != nil {
				return nil, consumed, err
			}
			if size == 0 {
				d.state = chunkTrailer
			} else {
				d.remain = size
				d.state = chunkData
			}
		case chunkData:
			avail := in[consumed:]
			if len(avail) == 0 {
				return nil, consumed, nil
			}
			k := int64(len(avail))
			if k > d.remain {
				k = d.remain
			}
			d.remain -= k
			if d.remain == 0 {
				d.state = chunkDataEnd
			}
			return avail[:k], consumed + int(k), nil
		case chunkDataEnd:
			line, n, err := d.readLine(in[consumed:])
			if err != nil || n == 0 {
				return nil, consumed, err
			}
			consumed += n
			if line != "" {
				return nil, consumed, ErrChunkFormat
			}
			d.state = chunkSize
		case chunkTrailer:
			line, n, err := d.readLine(in[consumed:])
			if err != nil || n == 0 {
				return nil, consumed, err
			}
			consumed += n
			if line == "" {
				d.state = chunkDone
				return nil, consumed, nil
			}
			f, err := parseField([]byte(line))
			if err != nil {
				return nil, consumed, err
			}
			d.trailer = append(d.trailer, f)
		default:
			return nil, consumed, nil
		}
	}
}

func (d *chunkedDecoder) Done() bool { return d.state == chunkDone }

func (d *chunkedDecoder) EndOfInput() error {
	if d.state != chunkDone {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (d *chunkedDecoder) Trailer() []Field { return d.trailer }

// readLine returns the next CRLF (or bare LF) terminated line without its
// terminator, and the bytes it spans. n == 0 means the line is incomplete.
func (d *chunkedDecoder) readLine(in []byte) (string, int, error) {
	i := bytes.IndexByte(in, '\n')
	if i < 0 {
		if d.maxLine > 0 && len(in) > d.maxLine {
			return "", 0, ErrLineTooLong
		}
		return "", 0, nil
	}
	line := in[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if d.maxLine > 0 && len(line) > d.maxLine {
		return "", 0, ErrLineTooLong
	}
	return string(line), i + 1, nil
}

func parseChunkSize(line string) (int64, error) {
	// Strip chunk extensions if any: "<hex>;<ext>"
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.Trim(line, " \t")
	if line == "" || len(line) > 15 {
		return 0, ErrChunkFormat
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, ErrChunkFormat
	}
	return n, nil
}

// chunkedEncoder emits one chunk per Write.
type chunkedEncoder struct {
	w    io.Writer
	buf  []byte
	done bool
}

func (e *chunkedEncoder) Write(p []byte) (int, error) {
	if e.done {
		return 0, ErrEncoderCompleted
	}
	if len(p) == 0 {
		return 0, nil
	}
	e.buf = strconv.AppendInt(e.buf[:0], int64(len(p)), 16)
	e.buf = append(e.buf, '\r', '\n')
	e.buf = append(e.buf, p...)
	e.buf = append(e.buf, '\r', '\n')
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (e *chunkedEncoder) Complete(trailer []Field) error {
	if e.done {
		return nil
	}
	e.done = true
	e.buf = append(e.buf[:0], '0', '\r', '\n')
	e.buf = AppendFields(e.buf, trailer)
	e.buf = append(e.buf, '\r', '\n')
	_, err := e.w.Write(e.buf)
	return err
}

func (e *chunkedEncoder) Completed() bool { return e.done }
