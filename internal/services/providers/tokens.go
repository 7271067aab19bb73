package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/langdb/aigateway/internal/schema"
)

const fallbackEncoding = "cl100k_base"

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil
		}
	}
	encodingCache[model] = enc
	return enc
}

// CountTextTokens estimates the token count of a plain string.
func CountTextTokens(model, text string) int {
	enc := encodingFor(model)
	if enc == nil {
		// Rough fallback when no encoding data is available.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessageTokens estimates prompt tokens for a chat request using
// the OpenAI per-message framing overhead.
func CountMessageTokens(model string, messages []schema.Message) int {
	const (
		tokensPerMessage = 3
		tokensPerName    = 1
		replyPriming     = 3
	)

	total := replyPriming
	for _, msg := range messages {
		total += tokensPerMessage
		total += CountTextTokens(model, msg.Role)
		total += CountTextTokens(model, msg.Text())
		if msg.Name != "" {
			total += tokensPerName + CountTextTokens(model, msg.Name)
		}
		for _, call := range msg.ToolCalls {
			total += CountTextTokens(model, call.Function.Name)
			total += CountTextTokens(model, call.Function.Arguments)
		}
	}
	return total
}
