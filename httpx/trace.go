package httpx

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// headerCarrier lets an OpenTelemetry propagator read and write traceparent
// and tracestate on a Header.
type headerCarrier struct {
	h *Header
}

func (c headerCarrier) Get(key string) string { return c.h.Get(key) }
func (c headerCarrier) Set(key, value string) { c.h.Set(key, value) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.h))
	seen := make(map[string]struct{}, len(*c.h))
	for _, f := range *c.h {
		if _, ok := seen[f.Name]; ok {
			continue
		}
		seen[f.Name] = struct{}{}
		keys = append(keys, f.Name)
	}
	return keys
}

// TraceIDFrom returns the hex trace ID of the span in ctx, if any. Exchange
// and request contexts carry the span of their exchange.
func TraceIDFrom(ctx context.Context) (string, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return "", false
	}
	return sc.TraceID().String(), true
}
