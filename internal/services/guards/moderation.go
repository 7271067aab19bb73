package guards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultModerationBaseURL = "https://api.openai.com/v1"

// OpenAIModerationClient implements the partner guard against the
// OpenAI moderations endpoint.
type OpenAIModerationClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIModerationClient creates a moderation client.
func NewOpenAIModerationClient(apiKey, baseURL string) *OpenAIModerationClient {
	if baseURL == "" {
		baseURL = defaultModerationBaseURL
	}
	return &OpenAIModerationClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool               `json:"flagged"`
		Categories map[string]bool    `json:"categories"`
		Scores     map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

func (c *OpenAIModerationClient) Moderate(ctx context.Context, input string) (*ModerationVerdict, error) {
	payload, err := json.Marshal(moderationRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/moderations", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moderation request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out moderationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("moderation returned no results")
	}

	result := out.Results[0]
	return &ModerationVerdict{
		Flagged:    result.Flagged,
		Categories: result.Categories,
		Scores:     result.Scores,
	}, nil
}
