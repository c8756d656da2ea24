package common

import (
	"context"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRequestID    contextKey = "request_id"
	ContextKeyAPIKeyPrefix contextKey = "api_key_prefix"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// WithAPIKeyPrefix records which caller key authorised the request.
func WithAPIKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, ContextKeyAPIKeyPrefix, prefix)
}

func APIKeyPrefixFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(ContextKeyAPIKeyPrefix).(string); ok {
		return p
	}
	return ""
}

// KeyPrefix returns the loggable identifier of an API key.
func KeyPrefix(key string) string {
	if len(key) <= 12 {
		return key[:min(4, len(key))] + "..."
	}
	return key[:12] + "..."
}
