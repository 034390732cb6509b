// Package aiclient implements the solver boundary against an
// OpenAI-compatible chat completions endpoint. The model, key, and base
// URL come from daemon configuration.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/signet/internal/solver"
)

// DefaultBaseURL targets the hosted OpenAI API when no gateway is
// configured.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client calls a chat completions API and parses the reply into a
// suggestion.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// New creates a solver client. An empty baseURL falls back to the
// hosted endpoint.
func New(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

const visionPrompt = `You are looking at a check-in challenge image from a chat bot.
Pick the option that answers the challenge. Reply with JSON only:
{"kind":"click","label":"<option>"} to press a button, or
{"kind":"send","text":"<answer>"} to type an answer.`

const mathPrompt = `Compute the answer to the problem. Reply with JSON only:
{"kind":"send","text":"<numeric answer>"}.`

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// SolveVision sends the challenge image plus the visible options and
// expects a JSON suggestion back.
func (c *Client) SolveVision(ctx context.Context, imageRef string, options []string) (*solver.Suggestion, error) {
	prompt := visionPrompt
	if len(options) > 0 {
		prompt += "\nVisible options: " + strings.Join(options, ", ")
	}
	msg := message{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: imageRef}},
		},
	}
	return c.complete(ctx, msg)
}

// SolveMath sends a textual problem and expects a JSON suggestion back.
func (c *Client) SolveMath(ctx context.Context, problem string) (*solver.Suggestion, error) {
	msg := message{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: mathPrompt + "\nProblem: " + problem},
		},
	}
	return c.complete(ctx, msg)
}

func (c *Client) complete(ctx context.Context, msg message) (*solver.Suggestion, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"model":    c.model,
		"messages": []message{msg},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solver request: %w", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("solver status=%d body=%s", res.StatusCode, string(body))
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", solver.ErrBadSuggestion)
	}

	return parseSuggestion(payload.Choices[0].Message.Content)
}

// parseSuggestion extracts the JSON suggestion from the model reply,
// tolerating code fences and surrounding prose.
func parseSuggestion(content string) (*solver.Suggestion, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON in %q", solver.ErrBadSuggestion, content)
	}

	var sug solver.Suggestion
	if err := json.Unmarshal([]byte(content[start:end+1]), &sug); err != nil {
		return nil, fmt.Errorf("%w: %v", solver.ErrBadSuggestion, err)
	}
	if err := sug.Validate(); err != nil {
		return nil, err
	}
	return &sug, nil
}
