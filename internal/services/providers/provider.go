// Package providers adapts upstream LLM APIs to the gateway's OpenAI-style
// request and response types. Each adapter owns its wire translation; the
// router treats them uniformly through the Adapter interface.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/retry"
)

// StreamEvent is one element of a streaming response. Exactly one of
// Chunk and Err is set; the channel closes after the final event.
type StreamEvent struct {
	Chunk *schema.ChatChunk
	Err   error
}

// Adapter is the upstream contract. Operations an upstream does not
// offer return an error wrapping gateway.ErrUnsupportedInput.
type Adapter interface {
	Name() string

	ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, request *schema.ChatRequest) (<-chan StreamEvent, error)

	Embeddings(ctx context.Context, request *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error)
	ImageGeneration(ctx context.Context, request *schema.ImageRequest) (*schema.ImageResponse, error)
}

// Config carries the credentials and endpoint for one adapter instance.
type Config struct {
	APIKey  string
	BaseURL string
	OrgID   string

	// Bedrock credentials.
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	AssumeRoleARN   string

	Timeout time.Duration
}

// timeout caps a single upstream attempt; the per-request deadline is
// enforced separately at the HTTP layer.
func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 60 * time.Second
}

// New builds the adapter for an inference provider name.
func New(provider string, cfg Config) (Adapter, error) {
	switch provider {
	case "openai":
		return NewOpenAIAdapter(cfg), nil
	case "anthropic":
		return NewAnthropicAdapter(cfg), nil
	case "gemini":
		return NewGeminiAdapter(cfg), nil
	case "bedrock":
		return NewBedrockAdapter(cfg)
	case "proxy":
		return NewProxyAdapter(cfg)
	default:
		return nil, fmt.Errorf("unknown inference provider: %s", provider)
	}
}

// postJSON issues a JSON POST and returns the response body. Non-2xx
// responses become retry.StatusError so the retry policy can classify
// them and honor Retry-After.
func postJSON(ctx context.Context, client *http.Client, url string, headers http.Header, payload interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.NewStatusError(resp.StatusCode, upstreamErrorMessage(body, resp.StatusCode), resp.Header)
	}

	return body, nil
}

// openStream issues a JSON POST expecting an SSE body and returns the
// open response. The caller owns resp.Body.
func openStream(ctx context.Context, client *http.Client, url string, headers http.Header, payload interface{}) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, retry.NewStatusError(resp.StatusCode, upstreamErrorMessage(body, resp.StatusCode), resp.Header)
	}

	return resp, nil
}

// upstreamErrorMessage extracts the error message from an OpenAI-style
// error body, falling back to the raw body.
func upstreamErrorMessage(body []byte, statusCode int) string {
	var errResp schema.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	if len(body) > 0 {
		return fmt.Sprintf("upstream returned status %d: %s", statusCode, string(body))
	}
	return fmt.Sprintf("upstream returned status %d", statusCode)
}

// newHTTPClient builds the shared upstream client with streaming-safe
// timeouts: the dial and TLS phases are bounded while the body read is
// governed by the request context.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}
