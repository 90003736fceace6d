// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	streamKey    ctxKey = "stream"
	sessionIDKey ctxKey = "session_id"
	taskIDKey    ctxKey = "task_id"
	requestIDKey ctxKey = "request_id"
)

// ContextWithStream stores the stream name in the context.
func ContextWithStream(ctx context.Context, stream string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, streamKey, stream)
}

// ContextWithSessionID stores the ingestion session ID in the context.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

// ContextWithTaskID stores the upload task ID in the context.
func ContextWithTaskID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, taskIDKey, id)
}

// ContextWithRequestID stores the HTTP request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// StreamFromContext extracts the stream name from context if present.
func StreamFromContext(ctx context.Context) string { return stringFrom(ctx, streamKey) }

// SessionIDFromContext extracts the ingestion session ID from context if present.
func SessionIDFromContext(ctx context.Context) string { return stringFrom(ctx, sessionIDKey) }

// TaskIDFromContext extracts the upload task ID from context if present.
func TaskIDFromContext(ctx context.Context) string { return stringFrom(ctx, taskIDKey) }

// RequestIDFromContext extracts the HTTP request ID from context if present.
func RequestIDFromContext(ctx context.Context) string { return stringFrom(ctx, requestIDKey) }

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if s := StreamFromContext(ctx); s != "" {
		builder = builder.Str(FieldStream, s)
		added = true
	}
	if sid := SessionIDFromContext(ctx); sid != "" {
		builder = builder.Str(FieldSessionID, sid)
		added = true
	}
	if tid := TaskIDFromContext(ctx); tid != "" {
		builder = builder.Str(FieldTaskID, tid)
		added = true
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		builder = builder.Str(FieldRequestID, rid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger annotated with the component
// name and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
