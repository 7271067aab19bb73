// Package guards evaluates configured content guards against request and
// response messages. Input guards short-circuit before dispatch; output
// guards all run so their results report together.
package guards

import (
	"fmt"
)

// Stage says when a guard runs relative to the provider call.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
	StageBoth   Stage = "both"
)

// AppliesTo reports whether the guard runs at the given phase.
func (s Stage) AppliesTo(phase Stage) bool {
	return s == phase || s == StageBoth
}

// Guard kinds.
const (
	TypeRegex     = "regex"
	TypeSchema    = "schema"
	TypeWordCount = "word_count"
	TypeLlmJudge  = "llm_judge"
	TypeDataset   = "dataset"
	TypePartner   = "partner"
)

// DatasetExample is one labeled reference text for the dataset guard.
type DatasetExample struct {
	Text  string `yaml:"text" json:"text" mapstructure:"text"`
	Label string `yaml:"label" json:"label" mapstructure:"label"`
}

// Guard is one configured guard. Type selects the evaluator; the other
// fields are the knobs of that kind.
type Guard struct {
	ID    string `yaml:"id" json:"id" mapstructure:"id"`
	Name  string `yaml:"name" json:"name" mapstructure:"name"`
	Type  string `yaml:"type" json:"type" mapstructure:"type"`
	Stage Stage  `yaml:"stage" json:"stage" mapstructure:"stage"`

	// regex
	Patterns  []string `yaml:"patterns,omitempty" json:"patterns,omitempty" mapstructure:"patterns"`
	MatchType string   `yaml:"match_type,omitempty" json:"match_type,omitempty" mapstructure:"match_type"`

	// schema
	Schema map[string]interface{} `yaml:"user_defined_schema,omitempty" json:"user_defined_schema,omitempty" mapstructure:"user_defined_schema"`

	// word_count
	MinWords    int    `yaml:"min_words,omitempty" json:"min_words,omitempty" mapstructure:"min_words"`
	MaxWords    int    `yaml:"max_words,omitempty" json:"max_words,omitempty" mapstructure:"max_words"`
	CountMethod string `yaml:"count_method,omitempty" json:"count_method,omitempty" mapstructure:"count_method"`

	// llm_judge
	Model          string                 `yaml:"model,omitempty" json:"model,omitempty" mapstructure:"model"`
	PromptTemplate string                 `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty" mapstructure:"prompt_template"`
	ResponseSchema map[string]interface{} `yaml:"response_schema,omitempty" json:"response_schema,omitempty" mapstructure:"response_schema"`
	Threshold      float64                `yaml:"threshold,omitempty" json:"threshold,omitempty" mapstructure:"threshold"`

	// dataset
	Examples []DatasetExample `yaml:"examples,omitempty" json:"examples,omitempty" mapstructure:"examples"`

	// partner
	Vendor string `yaml:"vendor,omitempty" json:"vendor,omitempty" mapstructure:"vendor"`

	// Open knobs for kinds that take free-form settings, e.g. judge
	// prompt variables.
	Parameters map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty" mapstructure:"parameters"`
}

// Validate checks the guard is well formed for its kind.
func (g *Guard) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("guard is missing an id")
	}
	switch g.Stage {
	case StageInput, StageOutput, StageBoth:
	case "":
		return fmt.Errorf("guard %s is missing a stage", g.ID)
	default:
		return fmt.Errorf("guard %s has unknown stage %q", g.ID, g.Stage)
	}

	switch g.Type {
	case TypeRegex:
		if len(g.Patterns) == 0 {
			return fmt.Errorf("regex guard %s has no patterns", g.ID)
		}
		switch g.MatchType {
		case "all", "any", "none":
		default:
			return fmt.Errorf("regex guard %s has unknown match_type %q", g.ID, g.MatchType)
		}
	case TypeSchema:
		if g.Schema == nil {
			return fmt.Errorf("schema guard %s has no schema", g.ID)
		}
	case TypeWordCount:
		if g.MaxWords > 0 && g.MinWords > g.MaxWords {
			return fmt.Errorf("word_count guard %s has min_words > max_words", g.ID)
		}
	case TypeLlmJudge:
		if g.Model == "" || g.PromptTemplate == "" {
			return fmt.Errorf("llm_judge guard %s needs a model and prompt_template", g.ID)
		}
	case TypeDataset:
		if len(g.Examples) == 0 {
			return fmt.Errorf("dataset guard %s has no examples", g.ID)
		}
	case TypePartner:
		if g.Vendor == "" {
			return fmt.Errorf("partner guard %s has no vendor", g.ID)
		}
	default:
		return fmt.Errorf("guard %s has unknown type %q", g.ID, g.Type)
	}
	return nil
}

// Evaluation is the outcome of running one guard.
type Evaluation struct {
	GuardID    string
	GuardName  string
	Passed     bool
	Confidence float64
	Text       string
	Details    map[string]interface{}
}
