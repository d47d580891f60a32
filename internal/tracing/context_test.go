package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithSessionKey(ctx, "cli:local")
	ctx = WithChannel(ctx, "cli")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.RunID != "run-1" || tc.SessionKey != "cli:local" || tc.Channel != "cli" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
}

func TestEmptyValuesAreNotStored(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithTraceID(ctx, "")

	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("expected trace-1, got %q", got)
	}
}

func TestNewRequestContextKeepsExistingTrace(t *testing.T) {
	ctx := WithTraceID(context.Background(), "keep-me")
	ctx = NewRequestContext(ctx)

	if got := GetTraceID(ctx); got != "keep-me" {
		t.Errorf("expected existing trace to survive, got %q", got)
	}
}

func TestNewRunContext(t *testing.T) {
	ctx := NewRunContext(context.Background(), "telegram", "telegram:42")

	if GetTraceID(ctx) == "" {
		t.Error("expected trace id")
	}
	if GetRunID(ctx) == "" {
		t.Error("expected run id")
	}
	if GetSessionKey(ctx) != "telegram:42" {
		t.Errorf("unexpected session key %q", GetSessionKey(ctx))
	}
	if GetChannel(ctx) != "telegram" {
		t.Errorf("unexpected channel %q", GetChannel(ctx))
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(NewRunContext(context.Background(), "cli", "cli:me"))
	cancel()

	detached := Detach(parent)
	if detached.Err() != nil {
		t.Fatal("detached context must not inherit cancellation")
	}
	if GetSessionKey(detached) != "cli:me" || GetRunID(detached) != GetRunID(parent) {
		t.Error("detached context lost tracing values")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionKey(WithTraceID(context.Background(), "t-9"), "gateway:abc")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"t-9"`, `"session_key":"gateway:abc"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
	if strings.Contains(out, "run_id") {
		t.Errorf("unset fields should be omitted: %s", out)
	}
}

func TestStartSpanPropagatesTraceID(t *testing.T) {
	if err := InitOpenTelemetry(Telemetry{ServiceName: "convoy-test", ServiceVersion: "test"}); err != nil {
		t.Fatalf("init otel: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "convoy.test", "unit")
	defer span.End()

	if GetTraceID(ctx) == "" {
		t.Error("expected span trace id to be copied into context")
	}
}
