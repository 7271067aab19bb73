package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// BaggageSpanProcessor copies the enrichment baggage keys onto every
// locally produced span so correlation survives into the sink.
type BaggageSpanProcessor struct{}

var _ sdktrace.SpanProcessor = BaggageSpanProcessor{}

func (BaggageSpanProcessor) OnStart(parent context.Context, span sdktrace.ReadWriteSpan) {
	bag := baggage.FromContext(parent)
	for _, key := range EnrichmentKeys {
		if member := bag.Member(key); member.Value() != "" {
			span.SetAttributes(attribute.String(key, member.Value()))
		}
	}
}

func (BaggageSpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (BaggageSpanProcessor) Shutdown(context.Context) error { return nil }

func (BaggageSpanProcessor) ForceFlush(context.Context) error { return nil }
