// Package tracing wraps OpenTelemetry spans around orchestrator operations.
// Without a configured tracer provider the global no-op provider is used.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer obtained from the global provider.
const InstrumentationName = "github.com/leeforge/plugind"

// OrGlobal returns t, or the global provider's tracer when t is nil.
func OrGlobal(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return otel.Tracer(InstrumentationName)
}

// Start opens an internal span named "plugind.<op>".
func Start(ctx context.Context, t trace.Tracer, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, "plugind."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func PluginID(id string) attribute.KeyValue {
	return attribute.String("plugind.plugin_id", id)
}

func InstanceID(id string) attribute.KeyValue {
	return attribute.String("plugind.instance_id", id)
}

func MessageType(t string) attribute.KeyValue {
	return attribute.String("plugind.message_type", t)
}
