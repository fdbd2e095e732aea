package http1

import (
	"errors"
	"testing"
)

// readReq feeds raw to a request parser in one piece and decodes the body
// according to the resulting framing.
func readReq(t *testing.T, raw string, maxLine, maxFields int) (RequestHead, []byte, error) {
	t.Helper()
	p := &HeadParser{MaxLineLength: maxLine, MaxHeaderCount: maxFields}
	in := []byte(raw)
	n, done, err := p.Parse(in)
	if err != nil {
		return RequestHead{}, nil, err
	}
	if !done {
		t.Fatalf("head incomplete after %d bytes", n)
	}
	head := p.Request()
	f, err := RequestFrame(head.Method, head.Fields)
	if err != nil {
		return head, nil, err
	}
	dec := NewDecoder(f, maxLine)
	var body []byte
	in = in[n:]
	for !dec.Done() {
		content, k, err := dec.Decode(in)
		if err != nil {
			return head, body, err
		}
		if k == 0 {
			t.Fatalf("decoder stalled with %d bytes left", len(in))
		}
		body = append(body, content...)
		in = in[k:]
	}
	return head, body, nil
}

func TestReader_ContentLengthBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	head, body, err := readReq(t, raw, 8<<10, 100)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if head.Method != "POST" || head.Target != "/" || head.Version != HTTP11 {
		t.Fatalf("head=%+v", head)
	}
	if string(body) != "hello" {
		t.Fatalf("body=%q", string(body))
	}
}

func TestReader_ChunkedBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n"
	_, body, err := readReq(t, raw, 8<<10, 100)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if string(body) != "hey!!" {
		t.Fatalf("body=%q", string(body))
	}
}

func TestReader_CLTEConflict(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n"
	if _, _, err := readReq(t, raw, 8<<10, 100); !errors.Is(err, ErrFramingConflict) {
		t.Fatalf("expected framing conflict, got %v", err)
	}
}

func TestReader_MultipleContentLengthMismatch(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5, 6\r\n\r\n"
	if _, _, err := readReq(t, raw, 8<<10, 100); !errors.Is(err, ErrBadContentLength) {
		t.Fatalf("expected bad content length, got %v", err)
	}
}

func TestReader_RepeatedContentLengthAgreeing(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nok"
	_, body, err := readReq(t, raw, 8<<10, 100)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body=%q", string(body))
	}
}

func TestReader_InvalidHeaderName(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nBad( : v\r\n\r\n"
	if _, _, err := readReq(t, raw, 8<<10, 100); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected bad header, got %v", err)
	}
}

func TestReader_ObsFoldRejected(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nA: b\r\n  folded\r\n\r\n"
	if _, _, err := readReq(t, raw, 8<<10, 100); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected bad header, got %v", err)
	}
}

func TestReader_MaxHeaderCount(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nA: b\r\nC: d\r\nE: f\r\n\r\n"
	if _, _, err := readReq(t, raw, 8<<10, 2); !errors.Is(err, ErrTooManyHeaders) {
		t.Fatalf("expected too many headers, got %v", err)
	}
}

func TestReader_LineTooLong(t *testing.T) {
	raw := "GET /aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa HTTP/1.1\r\n\r\n"
	if _, _, err := readReq(t, raw, 16, 100); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected line too long, got %v", err)
	}
}

func TestReader_LineTooLongWithoutTerminator(t *testing.T) {
	p := &HeadParser{MaxLineLength: 8}
	if _, _, err := p.Parse([]byte("GET /abcdefghijk")); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected line too long, got %v", err)
	}
}

func TestReader_UnsupportedVersion(t *testing.T) {
	raw := "GET / HTTP/2.0\r\n\r\n"
	if _, _, err := readReq(t, raw, 8<<10, 100); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
}

func TestReader_BadRequestLine(t *testing.T) {
	for _, raw := range []string{
		"GET /\r\n\r\n",
		"GET / HTTP/1\r\n\r\n",
		"G(T / HTTP/1.1\r\n\r\n",
		"GET  HTTP/1.1\r\n\r\n",
	} {
		if _, _, err := readReq(t, raw, 8<<10, 100); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestReader_PostWithoutLength(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: x\r\n\r\n"
	if _, _, err := readReq(t, raw, 8<<10, 100); !errors.Is(err, ErrLengthRequired) {
		t.Fatalf("expected length required, got %v", err)
	}
}

func TestReader_LeadingEmptyLines(t *testing.T) {
	raw := "\r\n\r\nGET /x HTTP/1.0\r\n\r\n"
	head, body, err := readReq(t, raw, 8<<10, 100)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if head.Target != "/x" || head.Version != HTTP10 || len(body) != 0 {
		t.Fatalf("head=%+v body=%q", head, body)
	}
}

func TestReader_ByteAtATime(t *testing.T) {
	raw := []byte("PUT /a?b=c HTTP/1.1\r\nHost: x\r\nX-Dup: 1\r\nx-dup: 2\r\nContent-Length: 3\r\n\r\nabc")
	p := &HeadParser{MaxLineLength: 1024, MaxHeaderCount: 10}
	var (
		buf  []byte
		done bool
	)
	for i := 0; i < len(raw) && !done; i++ {
		buf = append(buf, raw[i])
		n, ok, err := p.Parse(buf)
		if err != nil {
			t.Fatalf("parse error at byte %d: %v", i, err)
		}
		buf = buf[n:]
		done = ok
	}
	if !done {
		t.Fatal("head never completed")
	}
	head := p.Request()
	if head.Method != "PUT" || head.Target != "/a?b=c" {
		t.Fatalf("head=%+v", head)
	}
	want := []Field{{"Host", "x"}, {"X-Dup", "1"}, {"x-dup", "2"}, {"Content-Length", "3"}}
	if len(head.Fields) != len(want) {
		t.Fatalf("fields=%v", head.Fields)
	}
	for i := range want {
		if head.Fields[i] != want[i] {
			t.Fatalf("field %d=%v want %v", i, head.Fields[i], want[i])
		}
	}
}

func TestReader_StatusLine(t *testing.T) {
	p := &HeadParser{ParseResponse: true}
	n, done, err := p.Parse([]byte("HTTP/1.0 404 Not Found\r\nContent-Length: 0\r\n\r\nrest"))
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if n != len("HTTP/1.0 404 Not Found\r\nContent-Length: 0\r\n\r\n") {
		t.Fatalf("consumed=%d", n)
	}
	h := p.Response()
	if h.StatusCode != 404 || h.Reason != "Not Found" || h.Version != HTTP10 {
		t.Fatalf("head=%+v", h)
	}

	p.Reset()
	if _, done, err = p.Parse([]byte("HTTP/1.1 204\r\n\r\n")); err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if h = p.Response(); h.StatusCode != 204 || h.Reason != "" {
		t.Fatalf("head=%+v", h)
	}
}
