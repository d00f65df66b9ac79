package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns "" when ctx carries no id.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.NewString()
}

// RequestIDFromHeader keeps a well formed client supplied id, otherwise mints one.
func RequestIDFromHeader(h string) string {
	if _, err := uuid.Parse(h); err == nil {
		return h
	}
	return NewRequestID()
}
