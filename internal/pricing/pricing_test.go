package pricing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/schema"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	catalog, err := Parse(embeddedModels)
	require.NoError(t, err)
	assert.NotEmpty(t, catalog.Models())
}

func TestResolveCaseInsensitive(t *testing.T) {
	catalog, err := Parse(embeddedModels)
	require.NoError(t, err)

	m, ok := catalog.Resolve("GPT-4o")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", m.Model)
}

func TestResolveByInferenceProviderModelName(t *testing.T) {
	catalog, err := Parse(embeddedModels)
	require.NoError(t, err)

	m, ok := catalog.Resolve("claude-3-5-sonnet-20241022")
	require.True(t, ok)
	assert.Equal(t, "claude-3-5-sonnet", m.Model)
}

func TestResolveProviderQualified(t *testing.T) {
	catalog, err := Parse(embeddedModels)
	require.NoError(t, err)

	m, ok := catalog.Resolve("bedrock/claude-3-5-sonnet-bedrock")
	require.True(t, ok)
	assert.Equal(t, "bedrock", m.InferenceProvider.Provider)

	_, ok = catalog.Resolve("gemini/gpt-4o")
	assert.False(t, ok)
}

func TestResolveFirstEntryWins(t *testing.T) {
	catalog := NewCatalog([]Model{
		{Model: "shared", InferenceProvider: InferenceProvider{Provider: "openai", ModelName: "shared-a"}},
		{Model: "shared", InferenceProvider: InferenceProvider{Provider: "anthropic", ModelName: "shared-b"}},
	})

	m, ok := catalog.Resolve("shared")
	require.True(t, ok)
	assert.Equal(t, "openai", m.InferenceProvider.Provider)
}

func TestResolveUnknown(t *testing.T) {
	catalog, err := Parse(embeddedModels)
	require.NoError(t, err)

	_, ok := catalog.Resolve("no-such-model")
	assert.False(t, ok)
}

func TestParseEmptyCatalog(t *testing.T) {
	_, err := Parse([]byte("models: []"))
	assert.Error(t, err)
}

func TestCompletionCost(t *testing.T) {
	price := &Price{Type: PriceCompletion, PerInputToken: 0.000003, PerOutputToken: 0.000015}
	usage := &schema.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}

	cost, err := CompletionCost(price, usage)
	require.NoError(t, err)
	assert.InDelta(t, 0.003+0.0075, cost, 1e-12)
}

func TestCompletionCostNilUsage(t *testing.T) {
	price := &Price{Type: PriceCompletion, PerInputToken: 0.000003}

	cost, err := CompletionCost(price, nil)
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestEmbeddingCostIgnoresOutputTokens(t *testing.T) {
	price := &Price{Type: PriceEmbedding, PerInputToken: 0.00000002}
	usage := &schema.Usage{PromptTokens: 100000, CompletionTokens: 999}

	cost, err := EmbeddingCost(price, usage)
	require.NoError(t, err)
	assert.InDelta(t, 0.002, cost, 1e-12)
}

func TestCostVariantMismatch(t *testing.T) {
	price := &Price{Type: PriceEmbedding, PerInputToken: 0.00000002}

	_, err := CompletionCost(price, &schema.Usage{PromptTokens: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrCalculation))
}

func TestImageCostTypePrices(t *testing.T) {
	price := &Price{
		Type: PriceImageGeneration,
		TypePrices: map[string]map[string]float64{
			"1024x1024": {"standard": 0.04, "hd": 0.08},
		},
	}

	cost, err := ImageCost(price, ImageParams{Size: "1024x1024", Quality: "hd", Count: 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.16, cost, 1e-12)
}

func TestImageCostDefaultsQualityToStandard(t *testing.T) {
	price := &Price{
		Type: PriceImageGeneration,
		TypePrices: map[string]map[string]float64{
			"512x512": {"standard": 0.018},
		},
	}

	cost, err := ImageCost(price, ImageParams{Size: "512x512"})
	require.NoError(t, err)
	assert.InDelta(t, 0.018, cost, 1e-12)
}

func TestImageCostPerMegapixel(t *testing.T) {
	price := &Price{Type: PriceImageGeneration, PerMegapixel: 0.05}

	cost, err := ImageCost(price, ImageParams{Size: "1024x1024", Count: 3})
	require.NoError(t, err)
	assert.InDelta(t, 0.05*(1024*1024/1e6)*3, cost, 1e-12)
}

func TestImageCostFallsBackToDefault(t *testing.T) {
	price := &Price{Type: PriceImageGeneration}

	cost, err := ImageCost(price, ImageParams{Size: "oddly-shaped", Count: 2})
	require.NoError(t, err)
	assert.InDelta(t, 2*DefaultImagePrice, cost, 1e-12)
}

func TestImageCostUnknownSizeFallsThroughTable(t *testing.T) {
	price := &Price{
		Type: PriceImageGeneration,
		TypePrices: map[string]map[string]float64{
			"1024x1024": {"standard": 0.04},
		},
		PerMegapixel: 0.1,
	}

	cost, err := ImageCost(price, ImageParams{Size: "2048x2048", Count: 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.1*(2048*2048/1e6), cost, 1e-9)
}

func TestCostDispatch(t *testing.T) {
	model := &Model{
		Model: "dall-e-3",
		Price: Price{Type: PriceImageGeneration},
	}

	_, err := Cost(model, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrCalculation))

	cost, err := Cost(model, nil, &ImageParams{Size: "1024x1024"})
	require.NoError(t, err)
	assert.InDelta(t, DefaultImagePrice, cost, 1e-12)
}

func TestSplitModelID(t *testing.T) {
	provider, model := SplitModelID("openai/gpt-4o")
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "gpt-4o", model)

	provider, model = SplitModelID("gpt-4o")
	assert.Empty(t, provider)
	assert.Equal(t, "gpt-4o", model)
}
