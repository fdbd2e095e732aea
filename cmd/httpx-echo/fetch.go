package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"dqx0.com/go/niohttp/httpx"
	"dqx0.com/go/niohttp/internal/obs"
)

type fetchOptions struct {
	addr     string
	conns    int
	requests int
	pattern  string
	method   string
	chunked  bool
	http10   bool
	expect   bool
}

func newFetchCmd(e *env) *cobra.Command {
	var o fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Send requests over a set of connections sharing one queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), e, o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "127.0.0.1:8080", "server address")
	f.IntVar(&o.conns, "conns", 3, "number of connections")
	f.IntVar(&o.requests, "requests", 60, "number of requests")
	f.StringVar(&o.pattern, "pattern", "0123456789ABCDEF", "response pattern")
	f.StringVar(&o.method, "method", "GET", "request method")
	f.BoolVar(&o.chunked, "chunked", false, "send request bodies chunked")
	f.BoolVar(&o.http10, "http10", false, "send HTTP/1.0 requests")
	f.BoolVar(&o.expect, "expect-continue", false, "send Expect: 100-continue")
	return cmd
}

// job is one request of the scenario and its expected body.
type job struct {
	target string
	want   []byte
	resp   *httpx.Response
	err    error
}

func runFetch(ctx context.Context, e *env, o fetchOptions, out io.Writer) error {
	if o.conns <= 0 || o.requests <= 0 {
		return errors.New("conns and requests must be positive")
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.WithoutCancel(ctx))

	client := &httpx.Client{
		Config: e.cfg,
		Logger: obs.NewZapLogger(e.log).Named("client"),
		Meter:  obs.NewOtelMeter(mp, "httpx-echo"),
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Shutdown(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	jobs := make([]*job, o.requests)
	q := httpx.NewQueue()
	for i := range jobs {
		count := 1 + i%20
		j := &job{
			target: fmt.Sprintf("/%sx%d", o.pattern, count),
			want:   bytes.Repeat([]byte(o.pattern), count),
		}
		jobs[i] = j
		wg.Add(1)
		q.Push(httpx.WorkFuncs{
			Generate: func(context.Context) (*httpx.Request, error) {
				var body []byte
				if o.method != "GET" && o.method != "HEAD" {
					body = j.want
				}
				req := httpx.NewRequest(o.method, j.target, body)
				req.Chunked = o.chunked
				req.ExpectContinue = o.expect
				if o.http10 {
					req.Proto = httpx.HTTP10
				}
				return req, nil
			},
			OnComplete: func(resp *httpx.Response, err error) {
				j.resp, j.err = resp, err
				wg.Done()
			},
		})
	}

	for i := 0; i < o.conns; i++ {
		if _, err := client.Connect(o.addr, q).Wait(ctx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	failed := 0
	for _, j := range jobs {
		switch {
		case j.err != nil:
			failed++
			fmt.Fprintf(out, "%s: %v\n", j.target, j.err)
		case j.resp.StatusCode != 200 || !bytes.Equal(j.resp.Body, j.want):
			failed++
			fmt.Fprintf(out, "%s: unexpected %s with %d bytes\n", j.target, j.resp.Status(), len(j.resp.Body))
		}
	}
	fmt.Fprintf(out, "%d requests over %d connections, %d failed\n", len(jobs), o.conns, failed)
	if err := printCounters(ctx, reader, out); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(jobs))
	}
	return nil
}

// printCounters writes the client's counter totals.
func printCounters(ctx context.Context, reader *sdkmetric.ManualReader, out io.Writer) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[float64])
			if !ok {
				continue
			}
			total := 0.0
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			lines = append(lines, fmt.Sprintf("%s %g", m.Name, total))
		}
	}
	sort.Strings(lines)
	_, err := fmt.Fprintln(out, strings.Join(lines, "\n"))
	return err
}
