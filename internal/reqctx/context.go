// Package reqctx carries per-request metadata explicitly through context.
// Every service entrypoint takes a context annotated here; background tasks
// spawned from a request copy the annotation into their own context.
package reqctx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type requestKey struct{}

// Request is the wide-event record attached to each inbound call.
type Request struct {
	RequestID        string
	PerformanceStart time.Time
}

// WithRequest annotates the context with request metadata, generating a
// request id when the caller did not supply one.
func WithRequest(ctx context.Context, req Request) context.Context {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.PerformanceStart.IsZero() {
		req.PerformanceStart = time.Now().UTC()
	}
	return context.WithValue(ctx, requestKey{}, req)
}

// FromContext returns the request metadata, if any.
func FromContext(ctx context.Context) (Request, bool) {
	if ctx == nil {
		return Request{}, false
	}
	req, ok := ctx.Value(requestKey{}).(Request)
	return req, ok
}

// Detach returns a fresh background context carrying the same request
// metadata, for work that must outlive the caller's deadline.
func Detach(ctx context.Context) context.Context {
	req, ok := FromContext(ctx)
	if !ok {
		return context.Background()
	}
	return context.WithValue(context.Background(), requestKey{}, req)
}

// Latency reports elapsed time since the request started.
func Latency(ctx context.Context, now time.Time) time.Duration {
	req, ok := FromContext(ctx)
	if !ok || req.PerformanceStart.IsZero() {
		return 0
	}
	return now.Sub(req.PerformanceStart)
}
