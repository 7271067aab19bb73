// Package routing orchestrates a request across the catalog, limits,
// guards and provider adapters, and emits lifecycle events along the way.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/events"
	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/pricing"
	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/providers"
	"github.com/langdb/aigateway/internal/services/retry"
)

// DefaultTenant attributes usage when the request carries no tenant.
const DefaultTenant = "default"

// DefaultOutputWindow bounds how much assistant content output guards
// buffer before escalating.
const DefaultOutputWindow = 64 * 1024

// State names the per-request lifecycle phase, for logs and spans.
type State string

const (
	StateAdmitted      State = "admitted"
	StateInputGuarded  State = "input_guarded"
	StateDispatched    State = "dispatched"
	StateStreaming     State = "streaming"
	StateOutputGuarded State = "output_guarded"
	StateCompleted     State = "completed"
	StateRejected      State = "rejected"
	StateGuardFailed   State = "guard_failed"
	StateProviderError State = "provider_error"
	StateCancelled     State = "cancelled"
)

// AdapterSource yields the adapter serving an inference provider.
type AdapterSource interface {
	Adapter(provider, endpoint string) (providers.Adapter, error)
}

// Limiter decides whether a tenant may execute another request.
type Limiter interface {
	CanExecute(ctx context.Context, tenant string) (bool, error)
}

// GuardEngine evaluates configured guards around the provider call.
type GuardEngine interface {
	EvaluateInput(ctx context.Context, messages []schema.Message) error
	EvaluateOutput(ctx context.Context, messages []schema.Message, output string) error
	HasOutputGuards() bool
}

// Resolution identifies the catalog entry and adapter chosen for a
// request; the HTTP layer reflects it in response headers.
type Resolution struct {
	Model   *pricing.Model
	Adapter providers.Adapter
}

// ProviderName is the inference provider serving the request.
func (r *Resolution) ProviderName() string {
	return r.Model.InferenceProvider.Provider
}

// ModelName is the public model name from the catalog.
func (r *Resolution) ModelName() string {
	return r.Model.Model
}

// Router is the per-request orchestrator.
type Router struct {
	catalog      *pricing.Catalog
	adapters     AdapterSource
	limiter      Limiter
	guards       GuardEngine
	bus          *events.Bus
	tracer       trace.Tracer
	logger       *zap.Logger
	outputWindow int
}

// NewRouter creates a router. limiter and guardEngine may be nil to
// disable admission and guard checks.
func NewRouter(catalog *pricing.Catalog, adapters AdapterSource, limiter Limiter, guardEngine GuardEngine, bus *events.Bus, logger *zap.Logger) *Router {
	return &Router{
		catalog:      catalog,
		adapters:     adapters,
		limiter:      limiter,
		guards:       guardEngine,
		bus:          bus,
		tracer:       otel.Tracer("routing"),
		logger:       logger.Named("router"),
		outputWindow: DefaultOutputWindow,
	}
}

// SetGuardEngine installs the guard engine after construction. The
// engine's judge dispatches through this router, so the two are wired
// in sequence at startup.
func (r *Router) SetGuardEngine(engine GuardEngine) {
	r.guards = engine
}

// Models exposes the catalog for the listing endpoint.
func (r *Router) Models() []pricing.Model {
	return r.catalog.Models()
}

// Resolve maps a request model id to its catalog entry and adapter.
func (r *Router) Resolve(id string) (*Resolution, error) {
	model, ok := r.catalog.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrModelNotFound, id)
	}
	adapter, err := r.adapters.Adapter(model.InferenceProvider.Provider, model.InferenceProvider.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", model.InferenceProvider.Provider, err)
	}
	return &Resolution{Model: model, Adapter: adapter}, nil
}

// admit applies the spend cap check. Absent limiter admits everything.
func (r *Router) admit(ctx context.Context, tenant string) error {
	if r.limiter == nil {
		return nil
	}
	ok, err := r.limiter.CanExecute(ctx, tenant)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: tenant %s exceeded spend cap", gateway.ErrRateLimited, tenant)
	}
	return nil
}

func (r *Router) checkInput(ctx context.Context, messages []schema.Message) error {
	if r.guards == nil {
		return nil
	}
	return r.guards.EvaluateInput(ctx, messages)
}

func (r *Router) publish(event events.ModelEvent) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}

func (r *Router) logState(model string, state State) {
	r.logger.Debug("Request state",
		zap.String("model", model),
		zap.String("state", string(state)))
}

// prepare runs resolution, admission and input guards, shared by all
// operations.
func (r *Router) prepare(ctx context.Context, modelID string, messages []schema.Message) (*Resolution, error) {
	resolution, err := r.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	if err := r.admit(ctx, DefaultTenant); err != nil {
		r.logState(modelID, StateRejected)
		return nil, err
	}
	r.logState(modelID, StateAdmitted)

	if messages != nil {
		if err := r.checkInput(ctx, messages); err != nil {
			r.logState(modelID, StateGuardFailed)
			return nil, err
		}
		r.logState(modelID, StateInputGuarded)
	}

	return resolution, nil
}

// ChatCompletion serves a non-streaming chat request.
func (r *Router) ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, *Resolution, error) {
	resolution, err := r.prepare(ctx, request.Model, request.Messages)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := r.startModelSpan(ctx, resolution)
	defer span.End()

	response, err := r.dispatchChat(ctx, resolution, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, resolution, err
	}

	if r.guards != nil {
		output := ""
		if len(response.Choices) > 0 {
			output = response.Choices[0].Message.Text()
		}
		if err := r.guards.EvaluateOutput(ctx, request.Messages, output); err != nil {
			r.logState(request.Model, StateGuardFailed)
			return nil, resolution, err
		}
		r.logState(request.Model, StateOutputGuarded)
	}

	r.logState(request.Model, StateCompleted)
	return response, resolution, nil
}

// dispatchChat performs the provider call and emits lifecycle events.
// It bypasses guards and admission; callers own those.
func (r *Router) dispatchChat(ctx context.Context, resolution *Resolution, request *schema.ChatRequest) (*schema.ChatResponse, error) {
	sc := trace.SpanContextFromContext(ctx)
	provider := resolution.ProviderName()
	publicModel := resolution.ModelName()

	upstream := *request
	upstream.Model = resolution.Model.InferenceProvider.ModelName

	r.publish(events.ModelEvent{
		SpanContext: sc, Kind: events.KindLlmStart, Timestamp: time.Now(),
		Tenant: DefaultTenant, Provider: provider, Model: publicModel,
	})
	r.logState(publicModel, StateDispatched)

	response, err := resolution.Adapter.ChatCompletion(ctx, &upstream)
	if err != nil {
		r.publish(events.LlmStop(sc, DefaultTenant, provider, publicModel, "error", nil))
		r.logState(publicModel, StateProviderError)
		return nil, wrapUpstream(err)
	}

	response.Model = publicModel
	usage := response.Usage
	if usage == nil {
		usage = r.estimateUsage(request, responseText(response))
		response.Usage = usage
	}

	finish := "stop"
	if len(response.Choices) > 0 && response.Choices[0].FinishReason != "" {
		finish = response.Choices[0].FinishReason
	}
	r.publish(events.LlmStop(sc, DefaultTenant, provider, publicModel, finish, usage))
	return response, nil
}

// ChatCompletionStream serves a streaming chat request. The returned
// channel carries adapter chunks verbatim, with guard-injected terminal
// errors when an output guard rejects the accumulated content.
func (r *Router) ChatCompletionStream(ctx context.Context, request *schema.ChatRequest) (<-chan providers.StreamEvent, *Resolution, error) {
	resolution, err := r.prepare(ctx, request.Model, request.Messages)
	if err != nil {
		return nil, nil, err
	}

	sc := trace.SpanContextFromContext(ctx)
	provider := resolution.ProviderName()
	publicModel := resolution.ModelName()

	upstream := *request
	upstream.Model = resolution.Model.InferenceProvider.ModelName

	r.publish(events.ModelEvent{
		SpanContext: sc, Kind: events.KindLlmStart, Timestamp: time.Now(),
		Tenant: DefaultTenant, Provider: provider, Model: publicModel,
	})
	r.logState(publicModel, StateDispatched)

	adapterEvents, err := resolution.Adapter.ChatCompletionStream(ctx, &upstream)
	if err != nil {
		r.publish(events.LlmStop(sc, DefaultTenant, provider, publicModel, "error", nil))
		r.logState(publicModel, StateProviderError)
		return nil, resolution, wrapUpstream(err)
	}
	r.logState(publicModel, StateStreaming)

	out := make(chan providers.StreamEvent, 16)
	go r.interceptStream(ctx, resolution, request, adapterEvents, out)
	return out, resolution, nil
}

// interceptStream forwards adapter chunks, accumulates the assistant
// content in a bounded window, and runs output guards at stream end.
func (r *Router) interceptStream(ctx context.Context, resolution *Resolution, request *schema.ChatRequest, in <-chan providers.StreamEvent, out chan<- providers.StreamEvent) {
	defer close(out)

	sc := trace.SpanContextFromContext(ctx)
	provider := resolution.ProviderName()
	publicModel := resolution.ModelName()
	bufferContent := r.guards != nil && r.guards.HasOutputGuards()

	var content strings.Builder
	var usage *schema.Usage
	finish := "stop"
	sawFirstToken := false
	truncated := false

	emitStop := func(reason string) {
		if usage == nil {
			usage = r.estimateUsage(request, content.String())
		}
		r.publish(events.LlmStop(sc, DefaultTenant, provider, publicModel, reason, usage))
	}

	for event := range in {
		if ctx.Err() != nil {
			emitStop("cancelled")
			r.logState(publicModel, StateCancelled)
			return
		}

		if event.Err != nil {
			emitStop("error")
			r.logState(publicModel, StateProviderError)
			forward(ctx, out, event)
			return
		}

		chunk := event.Chunk
		chunk.Model = publicModel
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !sawFirstToken {
					sawFirstToken = true
					r.publish(events.ModelEvent{
						SpanContext: sc, Kind: events.KindLlmFirstToken, Timestamp: time.Now(),
						Tenant: DefaultTenant, Provider: provider, Model: publicModel,
					})
				}
				content.WriteString(choice.Delta.Content)
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}

		if bufferContent && content.Len() > r.outputWindow {
			truncated = true
			emitStop("error")
			r.logState(publicModel, StateGuardFailed)
			forward(ctx, out, providers.StreamEvent{Err: &gateway.GuardError{
				GuardID: "output",
				Message: "content too large to evaluate",
			}})
			break
		}

		if !forward(ctx, out, event) {
			emitStop("cancelled")
			r.logState(publicModel, StateCancelled)
			return
		}
	}

	if truncated {
		// Drain the adapter so its goroutine can exit.
		for range in {
		}
		return
	}

	if ctx.Err() != nil {
		emitStop("cancelled")
		r.logState(publicModel, StateCancelled)
		return
	}

	if bufferContent {
		if err := r.guards.EvaluateOutput(ctx, request.Messages, content.String()); err != nil {
			emitStop("error")
			r.logState(publicModel, StateGuardFailed)
			forward(ctx, out, providers.StreamEvent{Err: err})
			return
		}
		r.logState(publicModel, StateOutputGuarded)
	}

	emitStop(finish)
	r.logState(publicModel, StateCompleted)
}

func forward(ctx context.Context, out chan<- providers.StreamEvent, event providers.StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// Embeddings serves an embeddings request.
func (r *Router) Embeddings(ctx context.Context, request *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, *Resolution, error) {
	resolution, err := r.prepare(ctx, request.Model, nil)
	if err != nil {
		return nil, nil, err
	}

	sc := trace.SpanContextFromContext(ctx)
	provider := resolution.ProviderName()
	publicModel := resolution.ModelName()

	upstream := *request
	upstream.Model = resolution.Model.InferenceProvider.ModelName

	response, err := resolution.Adapter.Embeddings(ctx, &upstream)
	if err != nil {
		r.logState(publicModel, StateProviderError)
		return nil, resolution, wrapUpstream(err)
	}
	response.Model = publicModel

	r.publish(events.LlmStop(sc, DefaultTenant, provider, publicModel, "stop", &response.Usage))
	r.logState(publicModel, StateCompleted)
	return response, resolution, nil
}

// ImageGeneration serves an image generation request.
func (r *Router) ImageGeneration(ctx context.Context, request *schema.ImageRequest) (*schema.ImageResponse, *Resolution, error) {
	resolution, err := r.prepare(ctx, request.Model, nil)
	if err != nil {
		return nil, nil, err
	}

	sc := trace.SpanContextFromContext(ctx)
	provider := resolution.ProviderName()
	publicModel := resolution.ModelName()

	upstream := *request
	upstream.Model = resolution.Model.InferenceProvider.ModelName

	response, err := resolution.Adapter.ImageGeneration(ctx, &upstream)
	if err != nil {
		r.logState(publicModel, StateProviderError)
		return nil, resolution, wrapUpstream(err)
	}

	r.publish(events.ImageFinish(sc, DefaultTenant, provider, publicModel, events.ImageUsage{
		Quality:     request.Quality,
		Size:        request.Size,
		ImagesCount: request.Count(),
	}))
	r.logState(publicModel, StateCompleted)
	return response, resolution, nil
}

// Judge exposes guard-free chat completion for llm_judge guards. Judge
// calls resolve through the same catalog but skip admission and guards
// so a judge can never recurse into itself.
func (r *Router) Judge() *JudgeClient {
	return &JudgeClient{router: r}
}

// JudgeClient satisfies guards.JudgeClient.
type JudgeClient struct {
	router *Router
}

func (j *JudgeClient) ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error) {
	resolution, err := j.router.Resolve(request.Model)
	if err != nil {
		return nil, err
	}
	return j.router.dispatchChat(ctx, resolution, request)
}

func (r *Router) startModelSpan(ctx context.Context, resolution *Resolution) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "model_call", trace.WithAttributes(
		attribute.String("provider", resolution.ProviderName()),
		attribute.String("model", resolution.ModelName()),
	))
}

// estimateUsage approximates token counts when the provider omits them.
func (r *Router) estimateUsage(request *schema.ChatRequest, output string) *schema.Usage {
	prompt := providers.CountMessageTokens(request.Model, request.Messages)
	completion := providers.CountTextTokens(request.Model, output)
	return &schema.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func responseText(response *schema.ChatResponse) string {
	if len(response.Choices) == 0 {
		return ""
	}
	return response.Choices[0].Message.Text()
}

// wrapUpstream classifies adapter errors into the gateway taxonomy,
// preserving guard and input errors untouched. Upstream 401 means the
// provider rejected our credentials; 408 and 429 propagate as rate
// limits with the Retry-After hint intact.
func wrapUpstream(err error) error {
	switch {
	case err == nil:
		return nil
	case isTaxonomyError(err):
		return err
	}

	var se *retry.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", gateway.ErrUnauthorized, err)
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", gateway.ErrRateLimited, err)
		}
	}

	return fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
}

func isTaxonomyError(err error) bool {
	for _, sentinel := range []error{
		gateway.ErrModelNotFound,
		gateway.ErrUnsupportedInput,
		gateway.ErrUnauthorized,
		gateway.ErrRateLimited,
		gateway.ErrCalculation,
		gateway.ErrUpstream,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	var guardErr *gateway.GuardError
	return errors.As(err, &guardErr)
}
