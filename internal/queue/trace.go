package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceCarrier is implemented by deliveries that carry propagation headers
// alongside their payload.
type TraceCarrier interface {
	TraceHeaders() map[string]string
}

// InjectTrace encodes the span context of ctx with the global propagator.
// The result is empty when ctx carries no span.
func InjectTrace(ctx context.Context) map[string]string {
	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)
	return headers
}

// ExtractTrace returns ctx with the remote span context recorded on d, if any.
func ExtractTrace(ctx context.Context, d Delivery) context.Context {
	tc, ok := d.(TraceCarrier)
	if !ok {
		return ctx
	}
	headers := tc.TraceHeaders()
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
