package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a span for an outgoing request
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	span.End()
}

var (
	AttrCacheName   = attribute.Key("lpdash.cache.name")
	AttrMethod      = attribute.Key("lpdash.method")
	AttrEndpoint    = attribute.Key("lpdash.endpoint")
	AttrEntityID    = attribute.Key("lpdash.entity.id")
	AttrRateLimited = attribute.Key("lpdash.rate_limited")
	AttrHTTPStatus  = attribute.Key("http.status_code")
)
