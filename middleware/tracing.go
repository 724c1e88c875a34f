package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for escrow tracing.
const tracerName = "github.com/workmesh/escrow"

// Tracing returns middleware that wraps each operation in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: escrow.op, escrow.job.id, escrow.pool.id,
// escrow.actor. On error, the span status is set to codes.Error with the
// error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, op Op, next Handler) error {
		ctx, span := tracer.Start(ctx, op.Name,
			trace.WithAttributes(
				attribute.String("escrow.op", op.Name),
				attribute.Int64("escrow.job.id", int64(op.JobID)),
				attribute.String("escrow.pool.id", op.PoolID.String()),
				attribute.String("escrow.actor", op.Actor.String()),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
