package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/BlackWatch0/avocado/internal/config"
)

const plannerTemperature = 0.2

// API is the model-facing surface the engine and admin endpoints use.
type API interface {
	IsConfigured() bool
	GenerateChanges(ctx context.Context, messages []openai.ChatCompletionMessage) (map[string]any, error)
	TestConnectivity(ctx context.Context) (bool, string)
	ListModels(ctx context.Context) []string
}

// chatAPI is the slice of the OpenAI client this package calls.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Client talks to any OpenAI-compatible chat endpoint.
type Client struct {
	cfg config.AIConfig
	api chatAPI
}

func NewClient(cfg config.AIConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	// Tolerate configs that point at the full completions endpoint.
	base = strings.TrimSuffix(base, "/chat/completions")

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base != "" {
		clientCfg.BaseURL = base
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 90
	}
	clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(timeout) * time.Second}

	return &Client{cfg: cfg, api: openai.NewClientWithConfig(clientCfg)}
}

// IsConfigured reports whether the client has enough config to call a model.
func (c *Client) IsConfigured() bool {
	return c.cfg.Configured()
}

// GenerateChanges sends the planning messages and returns the decoded JSON
// object. An unconfigured client proposes nothing rather than failing, so
// sync keeps working before the model is set up.
func (c *Client) GenerateChanges(ctx context.Context, messages []openai.ChatCompletionMessage) (map[string]any, error) {
	if !c.cfg.Configured() {
		return map[string]any{"changes": []any{}}, nil
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: plannerTemperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planner request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no choices")
	}

	jsonText, err := ExtractJSONPayload(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(jsonText), &result); err != nil {
		return nil, fmt.Errorf("decode planner response: %w", err)
	}
	if _, ok := result["changes"].([]any); !ok {
		result["changes"] = []any{}
	}
	return result, nil
}

// TestConnectivity fires a one-token prompt and reports what came back.
func (c *Client) TestConnectivity(ctx context.Context) (bool, string) {
	if !c.cfg.Configured() {
		return false, "AI config incomplete: base_url/api_key/model required."
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "Reply with: OK"}},
		MaxTokens: 8,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return false, fmt.Sprintf("HTTP %d: %s", apiErr.HTTPStatusCode, truncate(apiErr.Message, 300))
		}
		return false, err.Error()
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	content = strings.ReplaceAll(strings.TrimSpace(content), "\n", " ")
	return true, "Connected. Model response: " + truncate(content, 120)
}

// ListModels returns the model ids the endpoint advertises, deduplicated in
// listing order. Failures read as an empty list; this only feeds a dropdown.
func (c *Client) ListModels(ctx context.Context) []string {
	if !c.cfg.Configured() {
		return nil
	}
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(list.Models))
	var ids []string
	for _, m := range list.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
