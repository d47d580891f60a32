package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// Telemetry identifies the process on every span it records.
type Telemetry struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the share of root traces kept; zero keeps all of them.
	SampleRatio float64
	// Attributes describe the deployment, e.g. session backend and channels.
	Attributes []attribute.KeyValue
}

// Resource builds the OpenTelemetry resource for t.
func (t Telemetry) Resource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(t.ServiceName)}
	if t.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(t.ServiceVersion))
	}
	attrs = append(attrs, t.Attributes...)
	return resource.New(context.Background(), resource.WithAttributes(attrs...))
}

func (t Telemetry) sampler() sdktrace.Sampler {
	ratio := t.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// InitOpenTelemetry installs the process-wide tracer provider. Only the
// first call takes effect.
func InitOpenTelemetry(t Telemetry) error {
	providerOnce.Do(func() {
		if t.ServiceName == "" {
			providerErr = fmt.Errorf("telemetry requires a service name")
			return
		}
		res, err := t.Resource()
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(t.sampler()),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and copies its trace ID into the context when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// FailSpan records err on span and marks it failed.
func FailSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
