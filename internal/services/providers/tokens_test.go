package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/langdb/aigateway/internal/schema"
)

func TestCountTextTokens(t *testing.T) {
	count := CountTextTokens("gpt-4o", "hello world")
	assert.Greater(t, count, 0)
	assert.Less(t, count, 10)
}

func TestCountTextTokensUnknownModelFallsBack(t *testing.T) {
	known := CountTextTokens("gpt-4o", "hello world")
	unknown := CountTextTokens("some-unreleased-model", "hello world")
	assert.Equal(t, known, unknown)
}

func TestCountMessageTokens(t *testing.T) {
	messages := []schema.Message{
		{Role: "system", Content: "you are a helpful assistant"},
		{Role: "user", Content: "what is the capital of france?"},
	}

	count := CountMessageTokens("gpt-4o", messages)
	// Two messages of framing overhead plus the reply priming.
	assert.Greater(t, count, 2*3+3)

	longer := append(messages, schema.Message{Role: "user", Content: "and of germany?"})
	assert.Greater(t, CountMessageTokens("gpt-4o", longer), count)
}

func TestCountMessageTokensMultimodal(t *testing.T) {
	messages := []schema.Message{{
		Role: "user",
		Content: []interface{}{
			map[string]interface{}{"type": "text", "text": "describe this"},
			map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "https://example.com/a.png"}},
		},
	}}

	// Image parts are skipped; only the text contributes.
	count := CountMessageTokens("gpt-4o", messages)
	assert.Greater(t, count, 0)
}
