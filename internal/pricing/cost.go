package pricing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/schema"
)

// DefaultImagePrice is charged per image when the schedule has neither a
// size/quality table nor a per-megapixel rate.
const DefaultImagePrice = 0.04

// ImageParams describes a finished image generation for pricing.
type ImageParams struct {
	Size    string
	Quality string
	Count   int
}

// CompletionCost prices token usage against a completion schedule.
func CompletionCost(price *Price, usage *schema.Usage) (float64, error) {
	if price.Type != PriceCompletion {
		return 0, fmt.Errorf("%w: model has %s pricing, completion usage given", gateway.ErrCalculation, price.Type)
	}
	if usage == nil {
		return 0, nil
	}
	return float64(usage.PromptTokens)*price.PerInputToken +
		float64(usage.CompletionTokens)*price.PerOutputToken, nil
}

// EmbeddingCost prices token usage against an embedding schedule. Only
// input tokens are charged.
func EmbeddingCost(price *Price, usage *schema.Usage) (float64, error) {
	if price.Type != PriceEmbedding {
		return 0, fmt.Errorf("%w: model has %s pricing, embedding usage given", gateway.ErrCalculation, price.Type)
	}
	if usage == nil {
		return 0, nil
	}
	return float64(usage.PromptTokens) * price.PerInputToken, nil
}

// ImageCost prices an image generation. The size/quality table is
// consulted first, then the per-megapixel rate, then the flat default.
func ImageCost(price *Price, params ImageParams) (float64, error) {
	if price.Type != PriceImageGeneration {
		return 0, fmt.Errorf("%w: model has %s pricing, image usage given", gateway.ErrCalculation, price.Type)
	}

	count := params.Count
	if count <= 0 {
		count = 1
	}

	if len(price.TypePrices) > 0 {
		if byQuality, ok := price.TypePrices[params.Size]; ok {
			quality := params.Quality
			if quality == "" {
				quality = "standard"
			}
			if perImage, ok := byQuality[quality]; ok {
				return perImage * float64(count), nil
			}
		}
	}

	if price.PerMegapixel > 0 {
		if mp, ok := megapixels(params.Size); ok {
			return price.PerMegapixel * mp * float64(count), nil
		}
	}

	return DefaultImagePrice * float64(count), nil
}

// megapixels parses a "WxH" size into millions of pixels.
func megapixels(size string) (float64, bool) {
	parts := strings.SplitN(strings.ToLower(size), "x", 2)
	if len(parts) != 2 {
		return 0, false
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	if w <= 0 || h <= 0 {
		return 0, false
	}
	return float64(w) * float64(h) / 1e6, true
}

// Cost dispatches on the model's schedule type. Image models require
// params; token models require usage.
func Cost(model *Model, usage *schema.Usage, params *ImageParams) (float64, error) {
	switch model.Price.Type {
	case PriceCompletion:
		return CompletionCost(&model.Price, usage)
	case PriceEmbedding:
		return EmbeddingCost(&model.Price, usage)
	case PriceImageGeneration:
		if params == nil {
			return 0, fmt.Errorf("%w: image model priced without image parameters", gateway.ErrCalculation)
		}
		return ImageCost(&model.Price, *params)
	default:
		return 0, fmt.Errorf("%w: unknown price type %q", gateway.ErrCalculation, model.Price.Type)
	}
}
