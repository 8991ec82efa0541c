package ctxlogger

import (
	"context"
	"sync/atomic"

	"github.com/smallbiznis/unprice/internal/reqctx"
	"go.uber.org/zap"
)

var serviceName atomic.Pointer[string]

// SetServiceName configures the service name added to every log entry.
func SetServiceName(name string) {
	serviceName.Store(&name)
}

// FromContext returns a logger enriched with request metadata from context.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext enriches the provided logger using metadata in the context.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}

	fields := make([]zap.Field, 0, 3)
	if req, ok := reqctx.FromContext(ctx); ok {
		fields = append(fields, zap.String("request_id", req.RequestID))
	}

	if namePtr := serviceName.Load(); namePtr != nil {
		fields = append(fields, zap.String("service", *namePtr))
	}

	return base.With(fields...)
}
