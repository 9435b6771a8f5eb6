package vision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
	defaultAnthropicModel = "claude-3-5-haiku-latest"
)

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    anthropicBaseURL,
		model:      model,
		httpClient: newHTTPClient(),
	}
}

// WithBaseURL points the client at a custom base URL (for testing).
func (c *AnthropicClient) WithBaseURL(baseURL string) *AnthropicClient {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string           `json:"model"`
	Content []anthropicBlock `json:"content"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Analyze(ctx context.Context, img Image) (Result, error) {
	req := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxReplyTokens,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicBlock{
				{Type: "image", Source: &anthropicSource{Type: "base64", MediaType: mimeOf(img), Data: encodeImage(img)}},
				{Type: "text", Text: assessmentPrompt},
			},
		}},
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := postJSON(ctx, c.httpClient, c.Name(), c.baseURL+"/v1/messages", headers, req, &resp); err != nil {
		return Result{}, err
	}

	var text strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	if text.Len() == 0 {
		return Result{}, fmt.Errorf("anthropic: response has no text content")
	}

	a, err := ParseAssessment(text.String())
	if err != nil {
		return Result{}, fmt.Errorf("anthropic: %w", err)
	}

	res := Result{Assessment: a, Model: c.model}
	if resp.Model != "" {
		res.Model = resp.Model
	}
	if resp.Usage != nil {
		res.Usage = Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens, Reported: true}
	}
	return res, nil
}
