// Package events carries model lifecycle events from provider adapters to
// the usage aggregator over a lossy broadcast bus.
package events

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/langdb/aigateway/internal/schema"
)

// EventKind discriminates the ModelEvent payload.
type EventKind string

const (
	KindLlmStart              EventKind = "llm_start"
	KindLlmFirstToken         EventKind = "llm_first_token"
	KindLlmStop               EventKind = "llm_stop"
	KindToolStart             EventKind = "tool_start"
	KindToolResult            EventKind = "tool_result"
	KindImageGenerationFinish EventKind = "image_generation_finish"
)

// ModelEvent is one lifecycle event produced by an adapter during a request.
type ModelEvent struct {
	SpanContext trace.SpanContext
	Kind        EventKind
	Timestamp   time.Time

	Tenant   string
	Provider string
	Model    string

	// LlmStop fields.
	Usage        *schema.Usage
	FinishReason string

	// Tool fields.
	ToolName   string
	ToolCallID string

	// ImageGenerationFinish fields.
	Image *ImageUsage
}

// ImageUsage describes a finished image generation for cost accounting.
type ImageUsage struct {
	Quality     string
	Size        string
	ImagesCount int
	StepsCount  int
}

// LlmStop builds a completed-inference event.
func LlmStop(sc trace.SpanContext, tenant, provider, model, finishReason string, usage *schema.Usage) ModelEvent {
	return ModelEvent{
		SpanContext:  sc,
		Kind:         KindLlmStop,
		Timestamp:    time.Now(),
		Tenant:       tenant,
		Provider:     provider,
		Model:        model,
		Usage:        usage,
		FinishReason: finishReason,
	}
}

// ImageFinish builds an image-generation-finished event.
func ImageFinish(sc trace.SpanContext, tenant, provider, model string, image ImageUsage) ModelEvent {
	return ModelEvent{
		SpanContext: sc,
		Kind:        KindImageGenerationFinish,
		Timestamp:   time.Now(),
		Tenant:      tenant,
		Provider:    provider,
		Model:       model,
		Image:       &image,
	}
}
