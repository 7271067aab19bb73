package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/schema"
)

// BedrockAdapter serves chat completions through the AWS Bedrock
// Converse API.
type BedrockAdapter struct {
	client *bedrockruntime.Client
}

// NewBedrockAdapter creates a Bedrock adapter. Static credentials take
// precedence; otherwise the default AWS chain applies, optionally
// wrapped in an assumed role.
func NewBedrockAdapter(cfg Config) (*BedrockAdapter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		awsCfg.Credentials = aws.NewCredentialsCache(
			stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN))
	}

	return &BedrockAdapter{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

func (a *BedrockAdapter) Name() string { return "bedrock" }

func (a *BedrockAdapter) buildConverseInput(request *schema.ChatRequest) (*bedrockruntime.ConverseInput, error) {
	var messages []types.Message
	var system []types.SystemContentBlock

	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			system = append(system, &types.SystemContentBlockMemberText{Value: msg.Text()})
		case "tool":
			messages = append(messages, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
						ToolUseId: aws.String(msg.ToolCallID),
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: msg.Text()},
						},
					}},
				},
			})
		case "assistant":
			var blocks []types.ContentBlock
			if text := msg.Text(); text != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: text})
			}
			for _, call := range msg.ToolCalls {
				var input map[string]interface{}
				if call.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
						return nil, fmt.Errorf("%w: tool call arguments are not an object", gateway.ErrUnsupportedInput)
					}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Function.Name),
					Input:     document.NewLazyDocument(input),
				}})
			}
			messages = append(messages, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
		default:
			text := msg.Text()
			if text == "" && msg.Content != nil {
				return nil, fmt.Errorf("%w: bedrock accepts text content only", gateway.ErrUnsupportedInput)
			}
			messages = append(messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
			})
		}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(request.Model),
		Messages: messages,
		System:   system,
	}

	if request.Temperature != nil || request.TopP != nil || request.MaxTokens != nil || len(request.Stop) > 0 {
		inference := &types.InferenceConfiguration{
			Temperature:   request.Temperature,
			TopP:          request.TopP,
			StopSequences: request.Stop,
		}
		if request.MaxTokens != nil {
			inference.MaxTokens = aws.Int32(int32(*request.MaxTokens))
		}
		input.InferenceConfig = inference
	}

	if len(request.Tools) > 0 {
		toolConfig := &types.ToolConfiguration{}
		for _, tool := range request.Tools {
			toolConfig.Tools = append(toolConfig.Tools, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(tool.Function.Name),
					Description: aws.String(tool.Function.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{
						Value: document.NewLazyDocument(tool.Function.Parameters),
					},
				},
			})
		}
		input.ToolConfig = toolConfig
	}

	return input, nil
}

func mapBedrockStopReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return "stop"
	case types.StopReasonMaxTokens:
		return "length"
	case types.StopReasonToolUse:
		return "tool_calls"
	default:
		return string(reason)
	}
}

func (a *BedrockAdapter) ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error) {
	input, err := a.buildConverseInput(request)
	if err != nil {
		return nil, err
	}

	out, err := a.client.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}

	message := schema.Message{Role: "assistant"}
	var text strings.Builder
	if outMsg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				args := "{}"
				if b.Value.Input != nil {
					if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
						args = string(raw)
					}
				}
				message.ToolCalls = append(message.ToolCalls, schema.ToolCall{
					ID:   aws.ToString(b.Value.ToolUseId),
					Type: "function",
					Function: schema.FunctionCall{
						Name:      aws.ToString(b.Value.Name),
						Arguments: args,
					},
				})
			}
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
			FinishReason: mapBedrockStopReason(out.StopReason),
		}},
	}
	if out.Usage != nil {
		resp.Usage = &schema.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

func (a *BedrockAdapter) ChatCompletionStream(ctx context.Context, request *schema.ChatRequest) (<-chan StreamEvent, error) {
	input, err := a.buildConverseInput(request)
	if err != nil {
		return nil, err
	}

	streamInput := &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
		ToolConfig:      input.ToolConfig,
	}

	out, err := a.client.ConverseStream(ctx, streamInput)
	if err != nil {
		return nil, fmt.Errorf("bedrock converse stream: %w", err)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		stream := out.GetStream()
		defer func() { _ = stream.Close() }()

		id := schema.NewCompletionID()
		toolIndex := -1

		for event := range stream.Events() {
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberMessageStart:
				chunk := schema.NewChunk(id, request.Model, schema.MessageDelta{Role: "assistant"}, "")
				if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
					return
				}
			case *types.ConverseStreamOutputMemberContentBlockStart:
				start, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse)
				if !ok {
					continue
				}
				toolIndex++
				idx := toolIndex
				chunk := schema.NewChunk(id, request.Model, schema.MessageDelta{
					ToolCalls: []schema.ToolCall{{
						Index:    &idx,
						ID:       aws.ToString(start.Value.ToolUseId),
						Type:     "function",
						Function: schema.FunctionCall{Name: aws.ToString(start.Value.Name)},
					}},
				}, "")
				if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
					return
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				var delta schema.MessageDelta
				switch d := v.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					delta.Content = d.Value
				case *types.ContentBlockDeltaMemberToolUse:
					idx := toolIndex
					delta.ToolCalls = []schema.ToolCall{{
						Index:    &idx,
						Function: schema.FunctionCall{Arguments: aws.ToString(d.Value.Input)},
					}}
				default:
					continue
				}
				chunk := schema.NewChunk(id, request.Model, delta, "")
				if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
					return
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				chunk := schema.NewChunk(id, request.Model, schema.MessageDelta{}, mapBedrockStopReason(v.Value.StopReason))
				if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
					return
				}
			case *types.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage == nil {
					continue
				}
				final := schema.ChatChunk{
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: time.Now().Unix(),
					Model:   request.Model,
					Choices: []schema.ChunkChoice{},
					Usage: &schema.Usage{
						PromptTokens:     int(aws.ToInt32(v.Value.Usage.InputTokens)),
						CompletionTokens: int(aws.ToInt32(v.Value.Usage.OutputTokens)),
						TotalTokens:      int(aws.ToInt32(v.Value.Usage.TotalTokens)),
					},
				}
				if !sendEvent(ctx, events, StreamEvent{Chunk: &final}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			sendEvent(ctx, events, StreamEvent{Err: fmt.Errorf("bedrock stream: %w", err)})
		}
	}()
	return events, nil
}

func (a *BedrockAdapter) Embeddings(_ context.Context, _ *schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error) {
	return nil, fmt.Errorf("%w: bedrock embeddings are not routed through this gateway", gateway.ErrUnsupportedInput)
}

func (a *BedrockAdapter) ImageGeneration(_ context.Context, _ *schema.ImageRequest) (*schema.ImageResponse, error) {
	return nil, fmt.Errorf("%w: bedrock does not serve image generation", gateway.ErrUnsupportedInput)
}
