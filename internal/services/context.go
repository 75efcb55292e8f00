package services

import "context"

type contextKey string

const (
	jobIDKey     contextKey = "job_id"
	streamIDKey  contextKey = "stream_id"
	tenantIDKey  contextKey = "tenant_id"
	requestIDKey contextKey = "request_id"
)

// WithJobID annotates context with the analytics job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the job identifier if present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStreamID annotates context with the stream session identifier.
func WithStreamID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, streamIDKey, id)
}

// StreamIDFromContext returns the stream identifier if present.
func StreamIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(streamIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithTenantID annotates context with the calling tenant.
func WithTenantID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantIDFromContext returns the tenant identifier if present.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(tenantIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
