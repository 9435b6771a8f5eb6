package vision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	openRouterBaseURL  = "https://openrouter.ai/api/v1"
	defaultOpenAIModel = "gpt-4o-mini"
	defaultRouterModel = "google/gemini-2.0-flash-001"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// OpenRouter is served by the same client with a different base URL.
type OpenAIClient struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	headers    map[string]string
	httpClient *http.Client
}

// NewOpenAIClient creates a client for api.openai.com.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClient{
		name:       "openai",
		apiKey:     apiKey,
		baseURL:    openAIBaseURL,
		model:      model,
		httpClient: newHTTPClient(),
	}
}

// NewOpenRouterClient creates a client for openrouter.ai.
func NewOpenRouterClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = defaultRouterModel
	}
	return &OpenAIClient{
		name:    "openrouter",
		apiKey:  apiKey,
		baseURL: openRouterBaseURL,
		model:   model,
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/kalambet/ripewise",
			"X-Title":      "ripewise",
		},
		httpClient: newHTTPClient(),
	}
}

// WithBaseURL points the client at a custom base URL (for testing or proxies).
func (c *OpenAIClient) WithBaseURL(baseURL string) *OpenAIClient {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *OpenAIClient) Name() string { return c.name }

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Analyze(ctx context.Context, img Image) (Result, error) {
	req := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{{
			Role: "user",
			Content: []openAIContentPart{
				{Type: "text", Text: assessmentPrompt},
				{Type: "image_url", ImageURL: &openAIImageURL{URL: "data:" + mimeOf(img) + ";base64," + encodeImage(img)}},
			},
		}},
		MaxTokens:      maxReplyTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	for k, v := range c.headers {
		headers[k] = v
	}

	var resp openAIResponse
	if err := postJSON(ctx, c.httpClient, c.name, c.baseURL+"/chat/completions", headers, req, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%s: response has no choices", c.name)
	}

	a, err := ParseAssessment(resp.Choices[0].Message.Content)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", c.name, err)
	}

	res := Result{Assessment: a, Model: c.model}
	if resp.Model != "" {
		res.Model = resp.Model
	}
	if resp.Usage != nil {
		res.Usage = Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens, Reported: true}
	}
	return res, nil
}
