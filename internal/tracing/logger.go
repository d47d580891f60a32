package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base enriched with the tracing fields carried by ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := base.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("session_key", tc.SessionKey)
	}
	if tc.Channel != "" {
		lc = lc.Str("channel", tc.Channel)
	}
	return lc.Logger()
}

// Detach returns a background context carrying the tracing values of ctx but
// none of its cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	out = WithTraceID(out, tc.TraceID)
	out = WithRunID(out, tc.RunID)
	out = WithSessionKey(out, tc.SessionKey)
	return WithChannel(out, tc.Channel)
}
