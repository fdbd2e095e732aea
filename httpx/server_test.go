//go:build linux

package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"dqx0.com/go/niohttp/internal/obs"
)

func testConfig() Config {
	return Config{
		IOThreads:      2,
		SelectInterval: 20 * time.Millisecond,
		SocketTimeout:  5 * time.Second,
	}
}

// startServer runs a server on a loopback port with h registered for every
// target.
func startServer(t *testing.T, h Handler, opts ...func(*Server)) (*Server, string) {
	t.Helper()
	reg := NewRegistry()
	reg.Register("*", h)
	s := &Server{
		Config:   testConfig(),
		Resolver: reg,
		Logger:   obs.NewZapLogger(zaptest.NewLogger(t)),
	}
	for _, opt := range opts {
		opt(s)
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	ep, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	return s, ep.Addr().String()
}

func echoHandler() Handler {
	return NewBufferingHandler(SyncHandlerFunc(func(req *Request, body []byte) (*Response, error) {
		if body == nil {
			body = []byte(req.Method + " " + req.Path())
		}
		return NewResponse(200, body), nil
	}))
}

type rawConn struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return &rawConn{t: t, c: c, br: bufio.NewReader(c)}
}

func (r *rawConn) send(s string) {
	r.t.Helper()
	_, err := io.WriteString(r.c, s)
	require.NoError(r.t, err)
}

// read parses one response; method tells whether a body follows.
func (r *rawConn) read(method string) (*http.Response, string) {
	r.t.Helper()
	resp, err := http.ReadResponse(r.br, &http.Request{Method: method})
	require.NoError(r.t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(r.t, err)
	return resp, string(body)
}

func (r *rawConn) expectClosed() {
	r.t.Helper()
	_, err := r.br.ReadByte()
	assert.ErrorIs(r.t, err, io.EOF)
}

func TestServerKeepAlive(t *testing.T) {
	_, addr := startServer(t, echoHandler())

	t.Run("http11 connection is reused", func(t *testing.T) {
		rc := dialRaw(t, addr)
		for _, path := range []string{"/a", "/b", "/c"} {
			rc.send("GET " + path + " HTTP/1.1\r\nHost: x\r\n\r\n")
			resp, body := rc.read("GET")
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "GET "+path, body)
			assert.False(t, resp.Close)
			assert.NotEmpty(t, resp.Header.Get("Date"))
		}
	})

	t.Run("http10 without keep-alive is closed", func(t *testing.T) {
		rc := dialRaw(t, addr)
		rc.send("GET /old HTTP/1.0\r\n\r\n")
		resp, body := rc.read("GET")
		assert.Equal(t, "HTTP/1.0", resp.Proto)
		assert.Equal(t, "GET /old", body)
		assert.True(t, resp.Close)
		rc.expectClosed()
	})

	t.Run("http10 keep-alive is reused", func(t *testing.T) {
		rc := dialRaw(t, addr)
		for i := 0; i < 2; i++ {
			rc.send("GET /ka HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
			resp, body := rc.read("GET")
			assert.Equal(t, "HTTP/1.0", resp.Proto)
			assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
			assert.Equal(t, "GET /ka", body)
		}
	})

	t.Run("request close is honoured", func(t *testing.T) {
		rc := dialRaw(t, addr)
		rc.send("GET /bye HTTP/1.1\r\nConnection: close\r\n\r\n")
		resp, _ := rc.read("GET")
		assert.True(t, resp.Close)
		rc.expectClosed()
	})

	t.Run("pipelined requests answer in order", func(t *testing.T) {
		rc := dialRaw(t, addr)
		rc.send("GET /1 HTTP/1.1\r\nHost: x\r\n\r\nGET /2 HTTP/1.1\r\nHost: x\r\n\r\nPOST /3 HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc")
		for _, want := range []string{"GET /1", "GET /2", "abc"} {
			_, body := rc.read("GET")
			assert.Equal(t, want, body)
		}
	})

	t.Run("head answers without body", func(t *testing.T) {
		rc := dialRaw(t, addr)
		rc.send("HEAD /h HTTP/1.1\r\n\r\n")
		resp, body := rc.read("HEAD")
		assert.Equal(t, int64(len("HEAD /h")), resp.ContentLength)
		assert.Empty(t, body)
		rc.send("GET /after HTTP/1.1\r\n\r\n")
		_, body = rc.read("GET")
		assert.Equal(t, "GET /after", body)
	})
}

func TestServerRequestBodies(t *testing.T) {
	_, addr := startServer(t, echoHandler())

	t.Run("chunked request in fragments", func(t *testing.T) {
		rc := dialRaw(t, addr)
		raw := "POST /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nX-T: 1\r\n\r\n"
		for i := 0; i < len(raw); i += 7 {
			end := i + 7
			if end > len(raw) {
				end = len(raw)
			}
			rc.send(raw[i:end])
			time.Sleep(time.Millisecond)
		}
		resp, body := rc.read("POST")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "hello world", body)
	})

	t.Run("chunked response for chunked handler output", func(t *testing.T) {
		_, addr := startServer(t, NewBufferingHandler(SyncHandlerFunc(func(*Request, []byte) (*Response, error) {
			resp := NewResponse(200, []byte(strings.Repeat("z", 5000)))
			resp.Chunked = true
			return resp, nil
		})), func(s *Server) { s.Config.ChunkSize = 1024 })
		rc := dialRaw(t, addr)
		rc.send("GET / HTTP/1.1\r\n\r\n")
		resp, body := rc.read("GET")
		assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
		assert.Equal(t, 5000, len(body))

		rc = dialRaw(t, addr)
		rc.send("GET / HTTP/1.0\r\n\r\n")
		resp, body = rc.read("GET")
		assert.Empty(t, resp.TransferEncoding)
		assert.Equal(t, int64(5000), resp.ContentLength)
		assert.Equal(t, 5000, len(body))

		rc = dialRaw(t, addr)
		rc.send("HEAD / HTTP/1.1\r\n\r\n")
		resp, body = rc.read("HEAD")
		assert.Equal(t, int64(-1), resp.ContentLength)
		assert.Empty(t, body)
	})
}

func TestServerProtocolErrors(t *testing.T) {
	var failed atomic.Int32
	h := HandlerFuncs{
		OnComplete: func(ex *Exchange) error { return ex.SubmitResponse(NewResponse(200, nil)) },
		OnFailed:   func(*Exchange, error) { failed.Add(1) },
	}
	_, addr := startServer(t, h, func(s *Server) {
		s.Config.MaxLineLength = 128
		s.Config.MaxBodyBytes = 16
	})

	testCases := []struct {
		name   string
		raw    string
		status int
	}{
		{"bad request line", "NOT-A-REQUEST\r\n\r\n", 400},
		{"length and chunked", "POST / HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n", 400},
		{"conflicting lengths", "POST / HTTP/1.1\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\nabcd", 400},
		{"missing length", "POST / HTTP/1.1\r\nHost: x\r\n\r\n", 411},
		{"long header line", "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 200) + "\r\n\r\n", 431},
		{"unsupported coding", "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", 501},
		{"unsupported version", "GET / HTTP/2.0\r\n\r\n", 505},
		{"malformed chunk", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", 400},
		{"body too large", "POST / HTTP/1.1\r\nContent-Length: 20\r\n\r\n" + strings.Repeat("b", 20), 413},
		{"folded header", "GET / HTTP/1.1\r\nX-A: 1\r\n  2\r\n\r\n", 400},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rc := dialRaw(t, addr)
			rc.send(tc.raw)
			resp, body := rc.read("GET")
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.True(t, resp.Close, "error responses close the connection")
			assert.NotEmpty(t, body)
			rc.expectClosed()
		})
	}
	assert.Equal(t, int32(2), failed.Load(), "handlers see failures of exchanges they were given")
}

func TestServerHandlerFailures(t *testing.T) {
	t.Run("no handler", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register("/only", echoHandler())
		_, addr := startServer(t, echoHandler(), func(s *Server) { s.Resolver = reg })
		rc := dialRaw(t, addr)
		rc.send("POST /other HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi")
		resp, _ := rc.read("POST")
		assert.Equal(t, 404, resp.StatusCode)
		rc.send("GET /only HTTP/1.1\r\n\r\n")
		resp, body := rc.read("GET")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "GET /only", body)
	})

	t.Run("handler error", func(t *testing.T) {
		_, addr := startServer(t, HandlerFuncs{OnComplete: func(*Exchange) error { return errors.New("boom") }})
		rc := dialRaw(t, addr)
		rc.send("GET / HTTP/1.1\r\n\r\n")
		resp, _ := rc.read("GET")
		assert.Equal(t, 500, resp.StatusCode)
	})

	t.Run("handler panic keeps serving", func(t *testing.T) {
		var calls atomic.Int32
		_, addr := startServer(t, HandlerFuncs{OnComplete: func(ex *Exchange) error {
			if calls.Add(1) == 1 {
				panic("first request")
			}
			return ex.SubmitResponse(NewResponse(200, []byte("ok")))
		}})
		rc := dialRaw(t, addr)
		rc.send("GET / HTTP/1.1\r\n\r\n")
		resp, _ := rc.read("GET")
		assert.Equal(t, 500, resp.StatusCode)
		rc.send("GET / HTTP/1.1\r\n\r\n")
		resp, body := rc.read("GET")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "ok", body)
	})

	t.Run("error before the body closes after the response", func(t *testing.T) {
		_, addr := startServer(t, HandlerFuncs{OnRequest: func(*Exchange) error { return errors.New("refused") }})
		rc := dialRaw(t, addr)
		rc.send("POST / HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc")
		resp, _ := rc.read("POST")
		assert.Equal(t, 500, resp.StatusCode)
		assert.True(t, resp.Close)
		rc.expectClosed()
	})

	t.Run("buffering limit", func(t *testing.T) {
		h := NewBufferingHandler(SyncHandlerFunc(func(*Request, []byte) (*Response, error) {
			return NewResponse(200, nil), nil
		}))
		h.MaxBody = 4
		_, addr := startServer(t, h)
		rc := dialRaw(t, addr)
		rc.send("POST / HTTP/1.1\r\nContent-Length: 8\r\n\r\n12345678")
		resp, _ := rc.read("POST")
		assert.Equal(t, 413, resp.StatusCode)
	})
}

func TestServerExpectContinue(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		_, addr := startServer(t, echoHandler())
		rc := dialRaw(t, addr)
		rc.send("POST /e HTTP/1.1\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
		resp, _ := rc.read("POST")
		require.Equal(t, 100, resp.StatusCode)
		rc.send("hello")
		resp, body := rc.read("POST")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "hello", body)
	})

	t.Run("rejected", func(t *testing.T) {
		var content atomic.Int32
		h := HandlerFuncs{
			OnContent:  func(*Exchange, []byte) error { content.Add(1); return nil },
			OnComplete: func(ex *Exchange) error { return ex.SubmitResponse(NewResponse(200, nil)) },
		}
		verifier := VerifierFunc(func(ex *Exchange, d *ContinueDecision) {
			if ex.Request().Header.Get("X-Allow") == "yes" {
				d.Continue()
				return
			}
			go d.Reject(nil)
		})
		_, addr := startServer(t, h, func(s *Server) { s.Verifier = verifier })

		rc := dialRaw(t, addr)
		rc.send("POST / HTTP/1.1\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
		resp, _ := rc.read("POST")
		assert.Equal(t, 417, resp.StatusCode)
		assert.True(t, resp.Close)
		rc.expectClosed()
		assert.Zero(t, content.Load())

		rc = dialRaw(t, addr)
		rc.send("POST / HTTP/1.1\r\nContent-Length: 5\r\nExpect: 100-continue\r\nX-Allow: yes\r\n\r\n")
		resp, _ = rc.read("POST")
		require.Equal(t, 100, resp.StatusCode)
		rc.send("hello")
		resp, _ = rc.read("POST")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Positive(t, content.Load())
	})

	t.Run("ignored on http10", func(t *testing.T) {
		_, addr := startServer(t, echoHandler())
		rc := dialRaw(t, addr)
		rc.send("POST / HTTP/1.0\r\nContent-Length: 2\r\nExpect: 100-continue\r\n\r\nok")
		resp, body := rc.read("POST")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "ok", body)
	})
}

func TestServerAsyncResponses(t *testing.T) {
	t.Run("streamed from another goroutine", func(t *testing.T) {
		h := HandlerFuncs{OnComplete: func(ex *Exchange) error {
			go func() {
				e := NewStreamEntity(-1)
				if err := ex.SubmitResponse(&Response{StatusCode: 200, Entity: e}); err != nil {
					return
				}
				for _, part := range []string{"one ", "two ", "three"} {
					time.Sleep(5 * time.Millisecond)
					e.Write([]byte(part))
				}
				e.Close()
			}()
			return nil
		}}
		_, addr := startServer(t, h)
		rc := dialRaw(t, addr)
		rc.send("GET / HTTP/1.1\r\n\r\n")
		resp, body := rc.read("GET")
		assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
		assert.Equal(t, "one two three", body)
	})

	t.Run("early response drains the body", func(t *testing.T) {
		h := HandlerFuncs{
			OnRequest: func(ex *Exchange) error {
				return ex.SubmitResponse(NewResponse(200, []byte("early")))
			},
		}
		_, addr := startServer(t, h)
		rc := dialRaw(t, addr)
		rc.send("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\n")
		_, body := rc.read("POST")
		assert.Equal(t, "early", body)
		rc.send("hello")
		rc.send("GET / HTTP/1.1\r\n\r\n")
		_, body = rc.read("GET")
		assert.Equal(t, "early", body)
	})

	t.Run("submit twice", func(t *testing.T) {
		errs := make(chan error, 1)
		h := HandlerFuncs{OnComplete: func(ex *Exchange) error {
			if err := ex.SubmitResponse(NewResponse(204, nil)); err != nil {
				errs <- err
				return nil
			}
			errs <- ex.SubmitResponse(NewResponse(200, nil))
			return nil
		}}
		_, addr := startServer(t, h)
		rc := dialRaw(t, addr)
		rc.send("GET / HTTP/1.1\r\n\r\n")
		resp, _ := rc.read("GET")
		assert.Equal(t, 204, resp.StatusCode)
		assert.ErrorIs(t, <-errs, ErrResponseSubmitted)
	})
}

func TestServerTimeouts(t *testing.T) {
	_, addr := startServer(t, echoHandler(), func(s *Server) { s.Config.SocketTimeout = 100 * time.Millisecond })

	t.Run("idle connection", func(t *testing.T) {
		rc := dialRaw(t, addr)
		rc.send("GET / HTTP/1.1\r\n\r\n")
		rc.read("GET")
		start := time.Now()
		rc.expectClosed()
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("stalled body", func(t *testing.T) {
		rc := dialRaw(t, addr)
		rc.send("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc")
		_, err := rc.br.ReadByte()
		assert.Error(t, err)
	})
}

func TestServerObservability(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	ids := make(chan string, 2)
	h := HandlerFuncs{OnComplete: func(ex *Exchange) error {
		id, _ := RequestIDFrom(ex.Context())
		ids <- id
		return ex.SubmitResponse(NewResponse(200, []byte("ok")))
	}}
	_, addr := startServer(t, h, func(s *Server) {
		s.TracerProvider = tp
		s.Propagator = propagation.TraceContext{}
		s.Meter = obs.NewOtelMeter(mp, "test")
	})

	rc := dialRaw(t, addr)
	rc.send("GET /traced HTTP/1.1\r\nX-Request-ID: req-1\r\n" +
		"Traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01\r\n\r\n")
	resp, _ := rc.read("GET")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "req-1", <-ids)

	require.Eventually(t, func() bool { return len(sr.Ended()) == 1 }, 2*time.Second, 10*time.Millisecond)
	span := sr.Ended()[0]
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.Parent().TraceID().String())
	assert.True(t, span.Parent().IsRemote())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]float64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[float64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, 1.0, totals["httpx_server_requests_total"])
	assert.Equal(t, 1.0, totals["httpx_server_responses_total"])
	assert.Equal(t, 1.0, totals["httpx_reactor_sessions_total"])
}

func TestServerLifecycle(t *testing.T) {
	s := &Server{Config: testConfig()}
	assert.Equal(t, Inactive, s.Status())
	_, err := s.Listen("127.0.0.1:0")
	assert.ErrorIs(t, err, ErrNotActive)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	require.Eventually(t, func() bool { return s.Status() == Active }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
	assert.Equal(t, ShutDown, s.Status())

	bad := &Server{Config: Config{MaxLineLength: 10}}
	assert.Error(t, bad.Start(context.Background()))
}
