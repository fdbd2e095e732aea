package httpx

import "context"

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyCorrelationID
	ctxKeyClientConn
)

// Header fields carrying the identifiers stored in exchange contexts.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// WithRequestID attaches the ID of a single exchange to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	return stringValue(ctx, ctxKeyRequestID)
}

// WithCorrelationID attaches an ID shared by related exchanges. The server
// takes it from X-Correlation-ID; the client sends it for requests whose
// context carries one.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, id)
}

func CorrelationIDFrom(ctx context.Context) (string, bool) {
	return stringValue(ctx, ctxKeyCorrelationID)
}

// ClientConnFrom returns the connection that asked for a request. The
// context passed to Work.GenerateRequest carries it.
func ClientConnFrom(ctx context.Context) (*ClientConn, bool) {
	cc, ok := ctx.Value(ctxKeyClientConn).(*ClientConn)
	return cc, ok && cc != nil
}

func withClientConn(ctx context.Context, cc *ClientConn) context.Context {
	return context.WithValue(ctx, ctxKeyClientConn, cc)
}

func stringValue(ctx context.Context, key ctxKey) (string, bool) {
	s, _ := ctx.Value(key).(string)
	return s, s != ""
}
