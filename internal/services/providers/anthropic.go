package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/schema"
	"github.com/langdb/aigateway/internal/services/retry"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicAdapter translates between OpenAI chat shapes and the
// Anthropic Messages API.
type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropicAdapter creates an Anthropic adapter.
func NewAnthropicAdapter(cfg Config) *AnthropicAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  newHTTPClient(cfg.timeout()),
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) headers() http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

// Anthropic wire types.

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (a *AnthropicAdapter) buildRequest(request *schema.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:         request.Model,
		MaxTokens:     anthropicDefaultMaxTokens,
		Temperature:   request.Temperature,
		TopP:          request.TopP,
		StopSequences: request.Stop,
	}
	if request.MaxTokens != nil {
		out.MaxTokens = *request.MaxTokens
	}

	for _, tool := range request.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			// Anthropic takes the system prompt out of band.
			if out.System != "" {
				out.System += "\n"
			}
			out.System += msg.Text()
		case "tool":
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Text(),
				}},
			})
		case "assistant":
			blocks := assistantBlocks(msg)
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			blocks, err := userBlocks(msg)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: blocks})
		}
	}

	return out, nil
}

func assistantBlocks(msg schema.Message) []anthropicBlock {
	var blocks []anthropicBlock
	if text := msg.Text(); text != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
	}
	for _, call := range msg.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return blocks
}

func userBlocks(msg schema.Message) ([]anthropicBlock, error) {
	var blocks []anthropicBlock
	for _, part := range msg.Parts() {
		switch part.Type {
		case "text":
			blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			source, err := imageSource(part.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, anthropicBlock{Type: "image", Source: source})
		default:
			return nil, fmt.Errorf("%w: content part type %q", gateway.ErrUnsupportedInput, part.Type)
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: ""})
	}
	return blocks, nil
}

// imageSource converts an OpenAI image URL into an Anthropic source
// block. Data URLs become inline base64, everything else passes by URL.
func imageSource(url string) (*anthropicImageSource, error) {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		semi := strings.Index(rest, ";base64,")
		if semi < 0 {
			return nil, fmt.Errorf("%w: unsupported data url encoding", gateway.ErrUnsupportedInput)
		}
		return &anthropicImageSource{
			Type:      "base64",
			MediaType: rest[:semi],
			Data:      rest[semi+len(";base64,"):],
		}, nil
	}
	return &anthropicImageSource{Type: "url", URL: url}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (a *AnthropicAdapter) ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error) {
	payload, err := a.buildRequest(request)
	if err != nil {
		return nil, err
	}

	var upstream anthropicResponse
	err = retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		body, err := postJSON(ctx, a.client, a.baseURL+"/v1/messages", a.headers(), payload)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &upstream)
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic chat completion: %w", err)
	}

	message := schema.Message{Role: "assistant"}
	var text strings.Builder
	for _, block := range upstream.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, schema.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	message.Content = text.String()

	return &schema.ChatResponse{
		ID:      schema.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   request.Model,
		Choices: []schema.Choice{{
			Message:      message,
			FinishReason: mapStopReason(upstream.StopReason),
		}},
		Usage: &schema.Usage{
			PromptTokens:     upstream.Usage.InputTokens,
			CompletionTokens: upstream.Usage.OutputTokens,
			TotalTokens:      upstream.Usage.InputTokens + upstream.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicAdapter) ChatCompletionStream(ctx context.Context, request *schema.ChatRequest) (<-chan StreamEvent, error) {
	payload, err := a.buildRequest(request)
	if err != nil {
		return nil, err
	}
	payload.Stream = true

	var resp *http.Response
	err = retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		var err error
		resp, err = openStream(ctx, a.client, a.baseURL+"/v1/messages", a.headers(), payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic chat stream: %w", err)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()
		a.parseStream(ctx, resp.Body, request.Model, events)
	}()
	return events, nil
}

// parseStream converts Anthropic stream events into OpenAI chunks under
// a single completion id.
func (a *AnthropicAdapter) parseStream(ctx context.Context, body io.Reader, model string, events chan<- StreamEvent) {
	reader := bufio.NewReader(body)
	id := schema.NewCompletionID()
	var usage anthropicUsage
	toolIndex := -1

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

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}
			chunk := schema.NewChunk(id, model, schema.MessageDelta{Role: "assistant"}, "")
			if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
				return
			}
		case "content_block_start":
			if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
				continue
			}
			toolIndex++
			idx := toolIndex
			chunk := schema.NewChunk(id, model, schema.MessageDelta{
				ToolCalls: []schema.ToolCall{{
					Index:    &idx,
					ID:       event.ContentBlock.ID,
					Type:     "function",
					Function: schema.FunctionCall{Name: event.ContentBlock.Name},
				}},
			}, "")
			if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
				return
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			var delta schema.MessageDelta
			switch event.Delta.Type {
			case "text_delta":
				delta.Content = event.Delta.Text
			case "input_json_delta":
				idx := toolIndex
				delta.ToolCalls = []schema.ToolCall{{
					Index:    &idx,
					Function: schema.FunctionCall{Arguments: event.Delta.PartialJSON},
				}}
			default:
				continue
			}
			chunk := schema.NewChunk(id, model, delta, "")
			if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
				return
			}
		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				chunk := schema.NewChunk(id, model, schema.MessageDelta{}, mapStopReason(event.Delta.StopReason))
				if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
					return
				}
			}
		case "message_stop":
			final := schema.ChatChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []schema.ChunkChoice{},
				Usage: &schema.Usage{
					PromptTokens:     usage.InputTokens,
					CompletionTokens: usage.OutputTokens,
					TotalTokens:      usage.InputTokens + usage.OutputTokens,
				},
			}
			sendEvent(ctx, events, StreamEvent{Chunk: &final})
			return
		}
	}
}

func (a *AnthropicAdapter) Embeddings(_ context.Context, _ *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error) {
	return nil, fmt.Errorf("%w: anthropic does not serve embeddings", gateway.ErrUnsupportedInput)
}

func (a *AnthropicAdapter) ImageGeneration(_ context.Context, _ *schema.ImageRequest) (*schema.ImageResponse, error) {
	return nil, fmt.Errorf("%w: anthropic does not serve image generation", gateway.ErrUnsupportedInput)
}
