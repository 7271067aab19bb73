package routing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/events"
	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/pricing"
	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/providers"
	"github.com/langdb/aigateway/internal/services/retry"
)

func routerCatalog() *pricing.Catalog {
	return pricing.NewCatalog([]pricing.Model{
		{
			Model:             "gpt-4o",
			InferenceProvider: pricing.InferenceProvider{Provider: "mock", ModelName: "gpt-4o-upstream"},
			Price:             pricing.Price{Type: pricing.PriceCompletion, PerInputToken: 0.001, PerOutputToken: 0.002},
		},
		{
			Model:             "dall-e-3",
			InferenceProvider: pricing.InferenceProvider{Provider: "mock", ModelName: "dall-e-3"},
			Price:             pricing.Price{Type: pricing.PriceImageGeneration},
		},
	})
}

type mockAdapter struct {
	mu          sync.Mutex
	chatCalls   int
	lastRequest *schema.ChatRequest

	response     *schema.ChatResponse
	streamEvents []providers.StreamEvent
	err          error
}

func (m *mockAdapter) Name() string { return "mock" }

func (m *mockAdapter) ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error) {
	m.mu.Lock()
	m.chatCalls++
	m.lastRequest = request
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) ChatCompletionStream(ctx context.Context, request *schema.ChatRequest) (<-chan providers.StreamEvent, error) {
	m.mu.Lock()
	m.chatCalls++
	m.lastRequest = request
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan providers.StreamEvent, len(m.streamEvents))
	for _, event := range m.streamEvents {
		ch <- event
	}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) Embeddings(ctx context.Context, request *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &schema.EmbeddingsResponse{
		Object: "list",
		Model:  request.Model,
		Data:   []schema.Embedding{{Object: "embedding", Embedding: []float32{0.1}}},
		Usage:  schema.Usage{PromptTokens: 4, TotalTokens: 4},
	}, nil
}

func (m *mockAdapter) ImageGeneration(ctx context.Context, request *schema.ImageRequest) (*schema.ImageResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &schema.ImageResponse{Created: time.Now().Unix(), Data: []schema.ImageData{{URL: "https://img"}}}, nil
}

func (m *mockAdapter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatCalls
}

func (m *mockAdapter) upstreamModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRequest == nil {
		return ""
	}
	return m.lastRequest.Model
}

type staticSource struct {
	adapter providers.Adapter
}

func (s staticSource) Adapter(provider, endpoint string) (providers.Adapter, error) {
	return s.adapter, nil
}

type allowLimiter bool

func (a allowLimiter) CanExecute(context.Context, string) (bool, error) {
	return bool(a), nil
}

type mockGuards struct {
	mu          sync.Mutex
	inputErr    error
	outputErr   error
	hasOutput   bool
	inputCalls  int
	outputCalls int
	lastOutput  string
}

func (g *mockGuards) EvaluateInput(ctx context.Context, messages []schema.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputCalls++
	return g.inputErr
}

func (g *mockGuards) EvaluateOutput(ctx context.Context, messages []schema.Message, output string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputCalls++
	g.lastOutput = output
	return g.outputErr
}

func (g *mockGuards) HasOutputGuards() bool { return g.hasOutput }

func newTestRouter(t *testing.T, adapter *mockAdapter, limiter Limiter, guardEngine GuardEngine) (*Router, <-chan events.ModelEvent) {
	t.Helper()
	bus := events.NewBus(events.DefaultCapacity, zap.NewNop())
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	router := NewRouter(routerCatalog(), staticSource{adapter}, limiter, guardEngine, bus, zap.NewNop())
	return router, ch
}

func nextEvent(t *testing.T, ch <-chan events.ModelEvent) events.ModelEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.ModelEvent{}
	}
}

func chatRequest() *schema.ChatRequest {
	return &schema.ChatRequest{
		Model:    "gpt-4o",
		Messages: []schema.Message{{Role: "user", Content: "Hello there"}},
	}
}

func TestChatCompletionDispatches(t *testing.T) {
	adapter := &mockAdapter{response: &schema.ChatResponse{
		ID:      "chatcmpl-1",
		Model:   "gpt-4o-upstream",
		Choices: []schema.Choice{{Message: schema.Message{Role: "assistant", Content: "Hi!"}, FinishReason: "stop"}},
		Usage:   &schema.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}}
	router, ch := newTestRouter(t, adapter, allowLimiter(true), nil)

	response, resolution, err := router.ChatCompletion(context.Background(), chatRequest())
	require.NoError(t, err)

	// The upstream call carries the inference model name, the response
	// the public catalog name.
	assert.Equal(t, "gpt-4o-upstream", adapter.upstreamModel())
	assert.Equal(t, "gpt-4o", response.Model)
	assert.Equal(t, "mock", resolution.ProviderName())
	assert.Equal(t, "gpt-4o", resolution.ModelName())

	start := nextEvent(t, ch)
	assert.Equal(t, events.KindLlmStart, start.Kind)
	stop := nextEvent(t, ch)
	assert.Equal(t, events.KindLlmStop, stop.Kind)
	assert.Equal(t, "stop", stop.FinishReason)
	require.NotNil(t, stop.Usage)
	assert.Equal(t, 7, stop.Usage.TotalTokens)
}

func TestChatCompletionEstimatesMissingUsage(t *testing.T) {
	adapter := &mockAdapter{response: &schema.ChatResponse{
		Choices: []schema.Choice{{Message: schema.Message{Role: "assistant", Content: "A longer reply with several words"}}},
	}}
	router, _ := newTestRouter(t, adapter, nil, nil)

	response, _, err := router.ChatCompletion(context.Background(), chatRequest())
	require.NoError(t, err)
	require.NotNil(t, response.Usage)
	assert.Greater(t, response.Usage.PromptTokens, 0)
	assert.Greater(t, response.Usage.CompletionTokens, 0)
	assert.Equal(t, response.Usage.PromptTokens+response.Usage.CompletionTokens, response.Usage.TotalTokens)
}

func TestChatCompletionUnknownModel(t *testing.T) {
	router, _ := newTestRouter(t, &mockAdapter{}, nil, nil)

	request := chatRequest()
	request.Model = "nope"
	_, _, err := router.ChatCompletion(context.Background(), request)
	assert.ErrorIs(t, err, gateway.ErrModelNotFound)
}

func TestChatCompletionDeniedByCap(t *testing.T) {
	adapter := &mockAdapter{}
	router, _ := newTestRouter(t, adapter, allowLimiter(false), nil)

	_, _, err := router.ChatCompletion(context.Background(), chatRequest())
	assert.ErrorIs(t, err, gateway.ErrRateLimited)
	assert.Equal(t, 0, adapter.calls())
}

func TestInputGuardShortCircuitsDispatch(t *testing.T) {
	adapter := &mockAdapter{}
	guardEngine := &mockGuards{inputErr: &gateway.GuardError{GuardID: "pii", Message: "blocked"}}
	router, _ := newTestRouter(t, adapter, nil, guardEngine)

	_, _, err := router.ChatCompletion(context.Background(), chatRequest())
	var guardErr *gateway.GuardError
	require.ErrorAs(t, err, &guardErr)
	assert.Equal(t, "pii", guardErr.GuardID)
	assert.Equal(t, 0, adapter.calls())
}

func TestOutputGuardBlocksResponse(t *testing.T) {
	adapter := &mockAdapter{response: &schema.ChatResponse{
		Choices: []schema.Choice{{Message: schema.Message{Role: "assistant", Content: "forbidden content"}}},
	}}
	guardEngine := &mockGuards{hasOutput: true, outputErr: &gateway.GuardError{GuardID: "toxicity", Message: "blocked"}}
	router, _ := newTestRouter(t, adapter, nil, guardEngine)

	_, _, err := router.ChatCompletion(context.Background(), chatRequest())
	var guardErr *gateway.GuardError
	require.ErrorAs(t, err, &guardErr)
	assert.Equal(t, "toxicity", guardErr.GuardID)
	assert.Equal(t, "forbidden content", guardEngine.lastOutput)
}

func TestUpstreamErrorsAreClassified(t *testing.T) {
	adapter := &mockAdapter{err: errors.New("connection reset")}
	router, ch := newTestRouter(t, adapter, nil, nil)

	_, _, err := router.ChatCompletion(context.Background(), chatRequest())
	assert.ErrorIs(t, err, gateway.ErrUpstream)

	start := nextEvent(t, ch)
	assert.Equal(t, events.KindLlmStart, start.Kind)
	stop := nextEvent(t, ch)
	assert.Equal(t, events.KindLlmStop, stop.Kind)
	assert.Equal(t, "error", stop.FinishReason)
}

func TestUpstreamStatusErrorsMapToTaxonomy(t *testing.T) {
	t.Run("401 becomes unauthorized", func(t *testing.T) {
		adapter := &mockAdapter{err: &retry.StatusError{StatusCode: http.StatusUnauthorized, Message: "invalid api key"}}
		router, _ := newTestRouter(t, adapter, nil, nil)

		_, _, err := router.ChatCompletion(context.Background(), chatRequest())
		assert.ErrorIs(t, err, gateway.ErrUnauthorized)
		assert.Equal(t, http.StatusUnauthorized, gateway.HTTPStatus(err))
	})

	t.Run("429 becomes rate limited with retry hint", func(t *testing.T) {
		adapter := &mockAdapter{err: &retry.StatusError{
			StatusCode: http.StatusTooManyRequests,
			Message:    "quota exceeded",
			RetryAfter: 30 * time.Second,
		}}
		router, _ := newTestRouter(t, adapter, nil, nil)

		_, _, err := router.ChatCompletion(context.Background(), chatRequest())
		assert.ErrorIs(t, err, gateway.ErrRateLimited)
		assert.Equal(t, http.StatusTooManyRequests, gateway.HTTPStatus(err))

		var se *retry.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 30*time.Second, se.RetryAfter)
	})

	t.Run("408 becomes rate limited", func(t *testing.T) {
		adapter := &mockAdapter{err: &retry.StatusError{StatusCode: http.StatusRequestTimeout}}
		router, _ := newTestRouter(t, adapter, nil, nil)

		_, _, err := router.ChatCompletion(context.Background(), chatRequest())
		assert.ErrorIs(t, err, gateway.ErrRateLimited)
	})

	t.Run("500 stays upstream error", func(t *testing.T) {
		adapter := &mockAdapter{err: &retry.StatusError{StatusCode: http.StatusInternalServerError}}
		router, _ := newTestRouter(t, adapter, nil, nil)

		_, _, err := router.ChatCompletion(context.Background(), chatRequest())
		assert.ErrorIs(t, err, gateway.ErrUpstream)
		assert.Equal(t, http.StatusBadGateway, gateway.HTTPStatus(err))
	})
}

func streamChunks(id string, parts ...string) []providers.StreamEvent {
	var out []providers.StreamEvent
	for _, part := range parts {
		chunk := schema.NewChunk(id, "gpt-4o-upstream", schema.MessageDelta{Content: part}, "")
		out = append(out, providers.StreamEvent{Chunk: &chunk})
	}
	final := schema.NewChunk(id, "gpt-4o-upstream", schema.MessageDelta{}, "stop")
	out = append(out, providers.StreamEvent{Chunk: &final})
	return out
}

func TestStreamPassesChunksThroughInOrder(t *testing.T) {
	adapter := &mockAdapter{streamEvents: streamChunks("chatcmpl-1", "Hel", "lo", " world")}
	router, ch := newTestRouter(t, adapter, allowLimiter(true), nil)

	out, resolution, err := router.ChatCompletionStream(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "mock", resolution.ProviderName())

	var content string
	var finish string
	for event := range out {
		require.NoError(t, event.Err)
		assert.Equal(t, "gpt-4o", event.Chunk.Model)
		for _, choice := range event.Chunk.Choices {
			content += choice.Delta.Content
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	assert.Equal(t, "Hello world", content)
	assert.Equal(t, "stop", finish)

	assert.Equal(t, events.KindLlmStart, nextEvent(t, ch).Kind)
	assert.Equal(t, events.KindLlmFirstToken, nextEvent(t, ch).Kind)
	stop := nextEvent(t, ch)
	assert.Equal(t, events.KindLlmStop, stop.Kind)
	assert.Equal(t, "stop", stop.FinishReason)
	require.NotNil(t, stop.Usage)
	assert.Greater(t, stop.Usage.CompletionTokens, 0)
}

func TestStreamUsesProviderUsageWhenPresent(t *testing.T) {
	id := "chatcmpl-1"
	chunks := streamChunks(id, "Hi")
	usageChunk := schema.ChatChunk{ID: id, Object: "chat.completion.chunk", Model: "gpt-4o-upstream",
		Usage: &schema.Usage{PromptTokens: 11, CompletionTokens: 3, TotalTokens: 14}}
	chunks = append(chunks, providers.StreamEvent{Chunk: &usageChunk})

	adapter := &mockAdapter{streamEvents: chunks}
	router, ch := newTestRouter(t, adapter, nil, nil)

	out, _, err := router.ChatCompletionStream(context.Background(), chatRequest())
	require.NoError(t, err)
	for range out {
	}

	assert.Equal(t, events.KindLlmStart, nextEvent(t, ch).Kind)
	assert.Equal(t, events.KindLlmFirstToken, nextEvent(t, ch).Kind)
	stop := nextEvent(t, ch)
	require.NotNil(t, stop.Usage)
	assert.Equal(t, 14, stop.Usage.TotalTokens)
}

func TestStreamOutputGuardFailureIsTerminal(t *testing.T) {
	adapter := &mockAdapter{streamEvents: streamChunks("chatcmpl-1", "something bad")}
	guardEngine := &mockGuards{hasOutput: true, outputErr: &gateway.GuardError{GuardID: "toxicity", Message: "blocked"}}
	router, _ := newTestRouter(t, adapter, nil, guardEngine)

	out, _, err := router.ChatCompletionStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var terminal error
	for event := range out {
		if event.Err != nil {
			terminal = event.Err
		}
	}
	var guardErr *gateway.GuardError
	require.ErrorAs(t, terminal, &guardErr)
	assert.Equal(t, "toxicity", guardErr.GuardID)
	assert.Equal(t, "something bad", guardEngine.lastOutput)
}

func TestStreamOverflowTruncates(t *testing.T) {
	adapter := &mockAdapter{streamEvents: streamChunks("chatcmpl-1", "0123456789", "0123456789")}
	guardEngine := &mockGuards{hasOutput: true}
	router, _ := newTestRouter(t, adapter, nil, guardEngine)
	router.outputWindow = 15

	out, _, err := router.ChatCompletionStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var terminal error
	for event := range out {
		if event.Err != nil {
			terminal = event.Err
		}
	}
	var guardErr *gateway.GuardError
	require.ErrorAs(t, terminal, &guardErr)
	assert.Contains(t, guardErr.Message, "content too large to evaluate")
	// The accumulated content was never handed to the guards.
	assert.Equal(t, 0, guardEngine.outputCalls)
}

func TestStreamCancellationEmitsCancelledStop(t *testing.T) {
	// An unbuffered hand-rolled stream that never closes forces the
	// interceptor to observe cancellation.
	blocked := make(chan providers.StreamEvent)
	adapter := &blockingAdapter{events: blocked}
	router, ch := newTestRouter(t, &mockAdapter{}, nil, nil)
	router.adapters = staticSource{adapter}

	ctx, cancel := context.WithCancel(context.Background())
	out, _, err := router.ChatCompletionStream(ctx, chatRequest())
	require.NoError(t, err)

	chunk := schema.NewChunk("chatcmpl-1", "gpt-4o-upstream", schema.MessageDelta{Content: "Hi"}, "")
	blocked <- providers.StreamEvent{Chunk: &chunk}
	<-out

	cancel()
	chunk2 := schema.NewChunk("chatcmpl-1", "gpt-4o-upstream", schema.MessageDelta{Content: "there"}, "")
	blocked <- providers.StreamEvent{Chunk: &chunk2}
	close(blocked)

	for range out {
	}

	assert.Equal(t, events.KindLlmStart, nextEvent(t, ch).Kind)
	assert.Equal(t, events.KindLlmFirstToken, nextEvent(t, ch).Kind)
	stop := nextEvent(t, ch)
	assert.Equal(t, events.KindLlmStop, stop.Kind)
	assert.Equal(t, "cancelled", stop.FinishReason)
}

type blockingAdapter struct {
	events chan providers.StreamEvent
}

func (b *blockingAdapter) Name() string { return "mock" }

func (b *blockingAdapter) ChatCompletion(context.Context, *schema.ChatRequest) (*schema.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingAdapter) ChatCompletionStream(context.Context, *schema.ChatRequest) (<-chan providers.StreamEvent, error) {
	return b.events, nil
}

func (b *blockingAdapter) Embeddings(context.Context, *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingAdapter) ImageGeneration(context.Context, *schema.ImageRequest) (*schema.ImageResponse, error) {
	return nil, errors.New("not implemented")
}

func TestEmbeddingsEmitsUsage(t *testing.T) {
	router, ch := newTestRouter(t, &mockAdapter{}, nil, nil)

	response, _, err := router.Embeddings(context.Background(), &schema.EmbeddingsRequest{Model: "gpt-4o", Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", response.Model)

	stop := nextEvent(t, ch)
	assert.Equal(t, events.KindLlmStop, stop.Kind)
	require.NotNil(t, stop.Usage)
	assert.Equal(t, 4, stop.Usage.TotalTokens)
}

func TestImageGenerationEmitsImageFinish(t *testing.T) {
	router, ch := newTestRouter(t, &mockAdapter{}, nil, nil)

	n := 2
	_, _, err := router.ImageGeneration(context.Background(), &schema.ImageRequest{
		Model: "dall-e-3", Prompt: "a fox", Size: "1024x1024", Quality: "hd", N: &n,
	})
	require.NoError(t, err)

	event := nextEvent(t, ch)
	assert.Equal(t, events.KindImageGenerationFinish, event.Kind)
	require.NotNil(t, event.Image)
	assert.Equal(t, "1024x1024", event.Image.Size)
	assert.Equal(t, "hd", event.Image.Quality)
	assert.Equal(t, 2, event.Image.ImagesCount)
}

func TestJudgeBypassesGuardsAndLimits(t *testing.T) {
	adapter := &mockAdapter{response: &schema.ChatResponse{
		Choices: []schema.Choice{{Message: schema.Message{Role: "assistant", Content: `{"passed":true}`}}},
	}}
	guardEngine := &mockGuards{
		inputErr:  &gateway.GuardError{GuardID: "x", Message: "blocked"},
		outputErr: &gateway.GuardError{GuardID: "x", Message: "blocked"},
		hasOutput: true,
	}
	router, _ := newTestRouter(t, adapter, allowLimiter(false), guardEngine)

	response, err := router.Judge().ChatCompletion(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"passed":true}`, response.Choices[0].Message.Text())
	assert.Equal(t, 0, guardEngine.inputCalls)
	assert.Equal(t, 0, guardEngine.outputCalls)
}

func TestModelsListsCatalog(t *testing.T) {
	router, _ := newTestRouter(t, &mockAdapter{}, nil, nil)
	models := router.Models()
	require.Len(t, models, 2)
}
