package orkestra

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ambiyansyah-risyal/orkestra"

// Tracer emits one span per invocation and a child span per attempt. A nil
// Tracer emits nothing.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracer returns a Tracer on tp. A nil tp uses the global provider.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{
		tracer:     tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version)),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}
}

func (t *Tracer) startInvocation(ctx context.Context, md OperationMetadata) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, md.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "orkestra"),
			attribute.String("rpc.service", md.Service),
			attribute.String("rpc.method", md.Operation),
		),
	)
}

func (t *Tracer) startAttempt(ctx context.Context, attempt int) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "Attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("orkestra.attempt", attempt)),
	)
}

// inject writes the span context of ctx into req's headers.
func (t *Tracer) inject(ctx context.Context, req *HTTPRequest) {
	if t == nil {
		return
	}
	t.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func endSpan(span trace.Span, statusCode int, err error) {
	if !span.IsRecording() {
		span.End()
		return
	}
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	if err != nil {
		var sdkErr *SdkError
		if errors.As(err, &sdkErr) {
			span.SetAttributes(attribute.String("orkestra.error_kind", sdkErr.Kind.String()))
			if sdkErr.RequestID != "" {
				span.SetAttributes(attribute.String("orkestra.request_id", sdkErr.RequestID))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
