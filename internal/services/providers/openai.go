package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/retry"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter speaks the OpenAI REST API. Requests already use OpenAI
// shapes, so translation is limited to auth headers and the model name.
type OpenAIAdapter struct {
	apiKey  string
	baseURL string
	orgID   string
	client  *http.Client
}

// NewOpenAIAdapter creates an OpenAI adapter.
func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		orgID:   cfg.OrgID,
		client:  newHTTPClient(cfg.timeout()),
	}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.apiKey)
	// Some API keys have no org; sending an empty header is an error.
	if a.orgID != "" {
		h.Set("OpenAI-Organization", a.orgID)
	}
	return h
}

func (a *OpenAIAdapter) ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error) {
	var chatResp schema.ChatResponse
	err := retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		body, err := postJSON(ctx, a.client, a.baseURL+"/chat/completions", a.headers(), request)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &chatResp)
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return &chatResp, nil
}

func (a *OpenAIAdapter) ChatCompletionStream(ctx context.Context, request *schema.ChatRequest) (<-chan StreamEvent, error) {
	streamReq := *request
	streamReq.Stream = true

	// Establishing the stream follows the same retry policy as
	// non-streaming calls; once headers arrive the body is final.
	var resp *http.Response
	err := retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		var err error
		resp, err = openStream(ctx, a.client, a.baseURL+"/chat/completions", a.headers(), &streamReq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()
		parseSSEStream(ctx, resp.Body, events)
	}()
	return events, nil
}

func (a *OpenAIAdapter) Embeddings(ctx context.Context, request *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error) {
	var embResp schema.EmbeddingsResponse
	err := retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		body, err := postJSON(ctx, a.client, a.baseURL+"/embeddings", a.headers(), request)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &embResp)
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	return &embResp, nil
}

func (a *OpenAIAdapter) ImageGeneration(ctx context.Context, request *schema.ImageRequest) (*schema.ImageResponse, error) {
	var imgResp schema.ImageResponse
	err := retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		body, err := postJSON(ctx, a.client, a.baseURL+"/images/generations", a.headers(), request)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &imgResp)
	})
	if err != nil {
		return nil, fmt.Errorf("openai image generation: %w", err)
	}
	return &imgResp, nil
}

// parseSSEStream reads an OpenAI-format SSE body, decoding each data
// line into a chunk. Malformed lines are skipped; a read error is
// surfaced as the final event.
func parseSSEStream(ctx context.Context, body io.Reader, events chan<- StreamEvent) {
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				sendEvent(ctx, events, StreamEvent{Err: fmt.Errorf("failed to read stream: %w", err)})
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk schema.ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
			return
		}
	}
}

func sendEvent(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
