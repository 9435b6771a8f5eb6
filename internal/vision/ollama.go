package vision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llava"
)

// OllamaClient runs the assessment against a local Ollama vision model.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates a client targeting baseURL.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: newHTTPClient(),
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (c *OllamaClient) Analyze(ctx context.Context, img Image) (Result, error) {
	req := ollamaChatRequest{
		Model: c.model,
		Messages: []ollamaMessage{{
			Role:    "user",
			Content: assessmentPrompt,
			Images:  []string{encodeImage(img)},
		}},
		Stream: false,
		Format: "json",
	}

	var resp ollamaChatResponse
	if err := postJSON(ctx, c.httpClient, c.Name(), c.baseURL+"/api/chat", nil, req, &resp); err != nil {
		return Result{}, err
	}

	a, err := ParseAssessment(resp.Message.Content)
	if err != nil {
		return Result{}, fmt.Errorf("ollama: %w", err)
	}
	return Result{
		Assessment: a,
		Model:      c.model,
		Usage: Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
			Reported:     resp.PromptEvalCount > 0 || resp.EvalCount > 0,
		},
	}, nil
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *OllamaClient) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
