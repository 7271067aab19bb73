// Package pricing holds the model catalog: per-model price schedules,
// capability metadata and the cost calculator fed by usage events.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var embeddedModels []byte

// DefaultOverridePath is the user catalog location relative to $HOME.
const DefaultOverridePath = ".langdb/models.yaml"

// EmbeddedBundle returns the built-in catalog bytes, used by the update
// command to seed the user override.
func EmbeddedBundle() []byte {
	return embeddedModels
}

// ModelType classifies what a model produces.
type ModelType string

const (
	TypeCompletions     ModelType = "completions"
	TypeEmbedding       ModelType = "embedding"
	TypeImageGeneration ModelType = "image_generation"
)

// Price is the tagged price schedule for a model. Exactly one variant is
// populated, discriminated by Type.
type Price struct {
	Type string `yaml:"type" json:"type"`

	// Completion and embedding prices, dollars per token.
	PerInputToken  float64 `yaml:"per_input_token,omitempty" json:"per_input_token,omitempty"`
	PerOutputToken float64 `yaml:"per_output_token,omitempty" json:"per_output_token,omitempty"`

	// Image generation prices.
	TypePrices   map[string]map[string]float64 `yaml:"per_type_prices,omitempty" json:"per_type_prices,omitempty"`
	PerMegapixel float64                       `yaml:"per_megapixel,omitempty" json:"per_megapixel,omitempty"`

	ValidFrom *time.Time `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
}

const (
	PriceCompletion      = "completion"
	PriceEmbedding       = "embedding"
	PriceImageGeneration = "image_generation"
)

// InferenceProvider names the upstream that actually serves the model.
type InferenceProvider struct {
	Provider  string `yaml:"provider" json:"provider"`
	ModelName string `yaml:"model_name" json:"model_name"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Limits carries hard model limits.
type Limits struct {
	MaxContextSize int `yaml:"max_context_size" json:"max_context_size"`
}

// Model is one catalog entry.
type Model struct {
	Model             string                 `yaml:"model" json:"model"`
	ModelProvider     string                 `yaml:"model_provider" json:"model_provider"`
	InferenceProvider InferenceProvider      `yaml:"inference_provider" json:"inference_provider"`
	Price             Price                  `yaml:"price" json:"price"`
	InputFormats      []string               `yaml:"input_formats,omitempty" json:"input_formats,omitempty"`
	OutputFormats     []string               `yaml:"output_formats,omitempty" json:"output_formats,omitempty"`
	Capabilities      []string               `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Type              ModelType              `yaml:"type" json:"type"`
	Limits            Limits                 `yaml:"limits" json:"limits"`
	Parameters        map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// HasCapability reports whether the entry declares a capability.
func (m *Model) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

type catalogFile struct {
	Models []Model `yaml:"models"`
}

// Catalog is the immutable model lookup, loaded once at startup.
type Catalog struct {
	models []Model
}

// Load builds the catalog from the embedded bundle, replaced by the user
// override at $HOME/.langdb/models.yaml when that file exists. An empty
// effective catalog is a configuration error.
func Load() (*Catalog, error) {
	data := embeddedModels

	if home, err := os.UserHomeDir(); err == nil {
		override := filepath.Join(home, DefaultOverridePath)
		if content, err := os.ReadFile(override); err == nil {
			data = content
		}
	}

	return Parse(data)
}

// Parse decodes a models YAML document into a catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse models catalog: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("models catalog is empty")
	}
	return &Catalog{models: file.Models}, nil
}

// NewCatalog wraps an explicit model list, e.g. from the config file.
func NewCatalog(models []Model) *Catalog {
	return &Catalog{models: models}
}

// Models returns the catalog entries in file order.
func (c *Catalog) Models() []Model {
	return c.models
}

// Resolve finds a model by identifier. A "provider/model" identifier pins
// the provider; a bare identifier matches the model name alone. Matching is
// case-insensitive against both the public model name and the inference
// provider's model_name; when several entries tie, the earliest in file
// order wins.
func (c *Catalog) Resolve(id string) (*Model, bool) {
	provider, name := SplitModelID(id)

	for i := range c.models {
		m := &c.models[i]
		if provider != "" && !strings.EqualFold(m.InferenceProvider.Provider, provider) {
			continue
		}
		if strings.EqualFold(m.Model, name) || strings.EqualFold(m.InferenceProvider.ModelName, name) {
			return m, true
		}
	}
	return nil, false
}

// SplitModelID splits "provider/model" into its halves. Identifiers
// without a slash yield an empty provider.
func SplitModelID(id string) (provider, model string) {
	if idx := strings.Index(id, "/"); idx >= 0 {
		return id[:idx], id[idx+1:]
	}
	return "", id
}
