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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiAdapter translates between OpenAI chat shapes and the Google
// Generative Language API.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGeminiAdapter creates a Gemini adapter.
func NewGeminiAdapter(cfg Config) *GeminiAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  newHTTPClient(cfg.timeout()),
	}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) headers() http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", a.apiKey)
	return h
}

// Gemini wire types.

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	Tools             []geminiToolGroup `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
	FileData         *geminiFileData     `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiGenConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (a *GeminiAdapter) buildRequest(request *schema.ChatRequest) (*geminiRequest, error) {
	out := &geminiRequest{}

	if request.Temperature != nil || request.TopP != nil || request.MaxTokens != nil || len(request.Stop) > 0 {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:     request.Temperature,
			TopP:            request.TopP,
			MaxOutputTokens: request.MaxTokens,
			StopSequences:   request.Stop,
		}
	}

	if len(request.Tools) > 0 {
		group := geminiToolGroup{}
		for _, tool := range request.Tools {
			group.FunctionDeclarations = append(group.FunctionDeclarations, geminiFunctionDecl{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			})
		}
		out.Tools = []geminiToolGroup{group}
	}

	// Tool call ids are not part of the Gemini wire format; results are
	// matched back by function name.
	callNames := map[string]string{}

	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: msg.Text()})
		case "assistant":
			content := geminiContent{Role: "model"}
			if text := msg.Text(); text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: text})
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Function.Name
				args := json.RawMessage(call.Function.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: call.Function.Name, Args: args},
				})
			}
			out.Contents = append(out.Contents, content)
		case "tool":
			response, err := json.Marshal(map[string]string{"result": msg.Text()})
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool result: %w", err)
			}
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResp{
						Name:     callNames[msg.ToolCallID],
						Response: response,
					},
				}},
			})
		default:
			parts, err := geminiUserParts(msg)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})
		}
	}

	return out, nil
}

func geminiUserParts(msg schema.Message) ([]geminiPart, error) {
	var parts []geminiPart
	for _, part := range msg.Parts() {
		switch part.Type {
		case "text":
			parts = append(parts, geminiPart{Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			url := part.ImageURL.URL
			if strings.HasPrefix(url, "data:") {
				rest := strings.TrimPrefix(url, "data:")
				semi := strings.Index(rest, ";base64,")
				if semi < 0 {
					return nil, fmt.Errorf("%w: unsupported data url encoding", gateway.ErrUnsupportedInput)
				}
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{
					MimeType: rest[:semi],
					Data:     rest[semi+len(";base64,"):],
				}})
			} else {
				parts = append(parts, geminiPart{FileData: &geminiFileData{FileURI: url}})
			}
		default:
			return nil, fmt.Errorf("%w: content part type %q", gateway.ErrUnsupportedInput, part.Type)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, geminiPart{Text: ""})
	}
	return parts, nil
}

func mapGeminiFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

func (a *GeminiAdapter) ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error) {
	payload, err := a.buildRequest(request)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, request.Model)

	var upstream geminiResponse
	err = retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		body, err := postJSON(ctx, a.client, url, a.headers(), payload)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &upstream)
	})
	if err != nil {
		return nil, fmt.Errorf("gemini chat completion: %w", err)
	}

	if len(upstream.Candidates) == 0 {
		return nil, fmt.Errorf("%w: gemini returned no candidates", gateway.ErrUpstream)
	}
	candidate := upstream.Candidates[0]

	message := schema.Message{Role: "assistant"}
	var text strings.Builder
	for i, part := range candidate.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			message.ToolCalls = append(message.ToolCalls, schema.ToolCall{
				ID:   fmt.Sprintf("call_%d", i),
				Type: "function",
				Function: schema.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(part.FunctionCall.Args),
				},
			})
		}
	}
	message.Content = text.String()

	resp := &schema.ChatResponse{
		ID:      schema.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   request.Model,
		Choices: []schema.Choice{{
			Message:      message,
			FinishReason: mapGeminiFinishReason(candidate.FinishReason, len(message.ToolCalls) > 0),
		}},
	}
	if upstream.UsageMetadata != nil {
		resp.Usage = &schema.Usage{
			PromptTokens:     upstream.UsageMetadata.PromptTokenCount,
			CompletionTokens: upstream.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      upstream.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

func (a *GeminiAdapter) ChatCompletionStream(ctx context.Context, request *schema.ChatRequest) (<-chan StreamEvent, error) {
	payload, err := a.buildRequest(request)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, request.Model)
	var resp *http.Response
	err = retry.DoWithBackoff(ctx, func(ctx context.Context) error {
		var err error
		resp, err = openStream(ctx, a.client, url, a.headers(), payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gemini chat stream: %w", err)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()
		a.parseStream(ctx, resp.Body, request.Model, events)
	}()
	return events, nil
}

// parseStream converts Gemini SSE fragments into OpenAI chunks. Each
// data line is a full geminiResponse carrying an incremental candidate.
func (a *GeminiAdapter) parseStream(ctx context.Context, body io.Reader, model string, events chan<- StreamEvent) {
	reader := bufio.NewReader(body)
	id := schema.NewCompletionID()
	var usage *geminiUsage
	toolIndex := -1
	first := true

	flushUsage := func() {
		if usage == nil {
			return
		}
		final := schema.ChatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []schema.ChunkChoice{},
			Usage: &schema.Usage{
				PromptTokens:     usage.PromptTokenCount,
				CompletionTokens: usage.CandidatesTokenCount,
				TotalTokens:      usage.TotalTokenCount,
			},
		}
		sendEvent(ctx, events, StreamEvent{Chunk: &final})
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				flushUsage()
			} else if ctx.Err() == nil {
				sendEvent(ctx, events, StreamEvent{Err: fmt.Errorf("failed to read stream: %w", err)})
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var fragment geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &fragment); err != nil {
			continue
		}
		if fragment.UsageMetadata != nil {
			usage = fragment.UsageMetadata
		}
		if len(fragment.Candidates) == 0 {
			continue
		}
		candidate := fragment.Candidates[0]

		var delta schema.MessageDelta
		if first {
			delta.Role = "assistant"
			first = false
		}
		hasToolCall := false
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				delta.Content += part.Text
			}
			if part.FunctionCall != nil {
				hasToolCall = true
				toolIndex++
				idx := toolIndex
				delta.ToolCalls = append(delta.ToolCalls, schema.ToolCall{
					Index: &idx,
					ID:    fmt.Sprintf("call_%d", idx),
					Type:  "function",
					Function: schema.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(part.FunctionCall.Args),
					},
				})
			}
		}

		chunk := schema.NewChunk(id, model, delta, mapGeminiFinishReason(candidate.FinishReason, hasToolCall))
		if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
			return
		}
	}
}

func (a *GeminiAdapter) Embeddings(_ context.Context, _ *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error) {
	return nil, fmt.Errorf("%w: gemini embeddings are not routed through this gateway", gateway.ErrUnsupportedInput)
}

func (a *GeminiAdapter) ImageGeneration(_ context.Context, _ *schema.ImageRequest) (*schema.ImageResponse, error) {
	return nil, fmt.Errorf("%w: gemini does not serve image generation", gateway.ErrUnsupportedInput)
}
