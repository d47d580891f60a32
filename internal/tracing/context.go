package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies one pass of the agent loop over an inbound message
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey is the context key for session key
	SessionKeyKey ContextKey = "session_key"
	// ChannelKey is the context key for the originating channel name
	ChannelKey ContextKey = "channel"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
	Channel    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, RunIDKey, runID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return withValue(ctx, SessionKeyKey, sessionKey)
}

// WithChannel adds the originating channel to the context
func WithChannel(ctx context.Context, channel string) context.Context {
	return withValue(ctx, ChannelKey, channel)
}

func GetTraceID(ctx context.Context) string    { return stringValue(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string      { return stringValue(ctx, RunIDKey) }
func GetSessionKey(ctx context.Context) string { return stringValue(ctx, SessionKeyKey) }
func GetChannel(ctx context.Context) string    { return stringValue(ctx, ChannelKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		SessionKey: GetSessionKey(ctx),
		Channel:    GetChannel(ctx),
	}
}

// NewRequestContext creates a new context for a request with a new trace ID.
// An existing trace ID is kept.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext tags ctx with a fresh run ID plus the session and channel of the run.
func NewRunContext(ctx context.Context, channel, sessionKey string) context.Context {
	ctx = NewRequestContext(ctx)
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithSessionKey(ctx, sessionKey)
	return WithChannel(ctx, channel)
}
