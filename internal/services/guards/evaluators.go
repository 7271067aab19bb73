package guards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/langdb/aigateway/internal/schema"
)

var wordPattern = regexp.MustCompile(`\b\w+\b`)

func evaluateRegex(g *Guard, text string) (*Evaluation, error) {
	matched := 0
	var hits []string
	for _, raw := range g.Patterns {
		pattern, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("guard %s: invalid pattern %q: %w", g.ID, raw, err)
		}
		if pattern.MatchString(text) {
			matched++
			hits = append(hits, raw)
		}
	}

	var passed bool
	switch g.MatchType {
	case "all":
		passed = matched == len(g.Patterns)
	case "any":
		passed = matched > 0
	default: // none
		passed = matched == 0
	}

	eval := &Evaluation{GuardID: g.ID, GuardName: g.Name, Passed: passed, Confidence: 1.0}
	if len(hits) > 0 {
		eval.Details = map[string]interface{}{"matched_patterns": hits}
	}
	return eval, nil
}

func evaluateSchema(g *Guard, text string) (*Evaluation, error) {
	var value interface{}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return &Evaluation{
			GuardID:   g.ID,
			GuardName: g.Name,
			Passed:    false,
			Text:      fmt.Sprintf("content is not valid JSON: %v", err),
		}, nil
	}

	schemaJSON, err := json.Marshal(g.Schema)
	if err != nil {
		return nil, fmt.Errorf("guard %s: failed to encode schema: %w", g.ID, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("guard.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("guard %s: invalid schema: %w", g.ID, err)
	}
	compiled, err := compiler.Compile("guard.json")
	if err != nil {
		return nil, fmt.Errorf("guard %s: invalid schema: %w", g.ID, err)
	}

	if err := compiled.Validate(value); err != nil {
		return &Evaluation{
			GuardID:   g.ID,
			GuardName: g.Name,
			Passed:    false,
			Text:      err.Error(),
		}, nil
	}
	return &Evaluation{GuardID: g.ID, GuardName: g.Name, Passed: true}, nil
}

func evaluateWordCount(g *Guard, text string) (*Evaluation, error) {
	var count int
	if g.CountMethod == "regex" {
		count = len(wordPattern.FindAllString(text, -1))
	} else {
		count = len(strings.Fields(text))
	}

	passed := count >= g.MinWords
	if g.MaxWords > 0 && count > g.MaxWords {
		passed = false
	}

	return &Evaluation{
		GuardID:    g.ID,
		GuardName:  g.Name,
		Passed:     passed,
		Confidence: 1.0,
		Details:    map[string]interface{}{"word_count": count},
	}, nil
}

// JudgeClient is the chat surface the llm_judge guard calls. The router
// satisfies it so judges resolve through the same catalog as user
// traffic.
type JudgeClient interface {
	ChatCompletion(ctx context.Context, request *schema.ChatRequest) (*schema.ChatResponse, error)
}

type judgeVerdict struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

func evaluateLlmJudge(ctx context.Context, g *Guard, judge JudgeClient, messages []schema.Message) (*Evaluation, error) {
	if judge == nil {
		return nil, fmt.Errorf("guard %s: no judge client configured", g.ID)
	}

	tmpl, err := template.New(g.ID).Parse(g.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("guard %s: invalid prompt template: %w", g.ID, err)
	}

	var conversation strings.Builder
	for _, msg := range messages {
		conversation.WriteString(msg.Role)
		conversation.WriteString(": ")
		conversation.WriteString(msg.Text())
		conversation.WriteString("\n")
	}

	var prompt bytes.Buffer
	err = tmpl.Execute(&prompt, map[string]interface{}{
		"Conversation": conversation.String(),
		"Parameters":   g.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("guard %s: failed to render prompt: %w", g.ID, err)
	}

	resp, err := judge.ChatCompletion(ctx, &schema.ChatRequest{
		Model: g.Model,
		Messages: []schema.Message{
			{Role: "user", Content: prompt.String()},
		},
		ResponseFormat: &schema.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("guard %s: judge call failed: %w", g.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("guard %s: judge returned no choices", g.ID)
	}

	raw := resp.Choices[0].Message.Text()
	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return &Evaluation{
			GuardID:   g.ID,
			GuardName: g.Name,
			Passed:    false,
			Text:      fmt.Sprintf("judge response is not valid JSON: %v", err),
		}, nil
	}

	if g.ResponseSchema != nil {
		schemaEval, err := evaluateSchema(&Guard{ID: g.ID, Name: g.Name, Schema: g.ResponseSchema}, raw)
		if err != nil {
			return nil, err
		}
		if !schemaEval.Passed {
			schemaEval.Text = "judge response does not match response_schema: " + schemaEval.Text
			return schemaEval, nil
		}
	}

	return &Evaluation{
		GuardID:    g.ID,
		GuardName:  g.Name,
		Passed:     verdict.Passed && verdict.Confidence >= g.Threshold,
		Confidence: verdict.Confidence,
		Text:       verdict.Reason,
	}, nil
}

// tokenOverlap is the fraction of distinct whitespace tokens shared
// between two texts. A stand-in for embedding cosine similarity; real
// deployments should inject an embedding-backed comparator.
func tokenOverlap(a, b string) float64 {
	tokensA := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(a)) {
		tokensA[tok] = true
	}
	tokensB := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(b)) {
		tokensB[tok] = true
	}
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	shared := 0
	for tok := range tokensA {
		if tokensB[tok] {
			shared++
		}
	}
	union := len(tokensA) + len(tokensB) - shared
	return float64(shared) / float64(union)
}

func evaluateDataset(g *Guard, text string) (*Evaluation, error) {
	bestScore := 0.0
	var bestLabel string
	for _, example := range g.Examples {
		if score := tokenOverlap(text, example.Text); score > bestScore {
			bestScore = score
			bestLabel = example.Label
		}
	}

	if bestScore >= g.Threshold {
		return &Evaluation{
			GuardID:    g.ID,
			GuardName:  g.Name,
			Passed:     bestLabel != "fail" && bestLabel != "block",
			Confidence: bestScore,
			Details:    map[string]interface{}{"matched_label": bestLabel},
		}, nil
	}
	return &Evaluation{
		GuardID:    g.ID,
		GuardName:  g.Name,
		Passed:     true,
		Confidence: 1 - bestScore,
	}, nil
}

// ModerationVerdict is a partner vendor's view of one text.
type ModerationVerdict struct {
	Flagged    bool
	Categories map[string]bool
	Scores     map[string]float64
}

// ModerationClient calls an external moderation vendor.
type ModerationClient interface {
	Moderate(ctx context.Context, input string) (*ModerationVerdict, error)
}

func evaluatePartner(ctx context.Context, g *Guard, moderation ModerationClient, text string) (*Evaluation, error) {
	if moderation == nil {
		return nil, fmt.Errorf("guard %s: no moderation client for vendor %s", g.ID, g.Vendor)
	}

	verdict, err := moderation.Moderate(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("guard %s: moderation call failed: %w", g.ID, err)
	}

	confidence := 0.0
	for _, score := range verdict.Scores {
		if score > confidence {
			confidence = score
		}
	}

	eval := &Evaluation{
		GuardID:    g.ID,
		GuardName:  g.Name,
		Passed:     !verdict.Flagged,
		Confidence: confidence,
	}
	if verdict.Flagged {
		var flagged []string
		for category, hit := range verdict.Categories {
			if hit {
				flagged = append(flagged, category)
			}
		}
		eval.Details = map[string]interface{}{"flagged_categories": flagged}
	}
	return eval, nil
}
