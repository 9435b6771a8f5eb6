package vision

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	geminiBaseURL      = "https://generativelanguage.googleapis.com"
	defaultGeminiModel = "gemini-2.0-flash"
)

// GeminiClient calls the Google Generative Language generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewGeminiClient(apiKey, model string) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    geminiBaseURL,
		model:      model,
		httpClient: newHTTPClient(),
	}
}

// WithBaseURL points the client at a custom base URL (for testing).
func (c *GeminiClient) WithBaseURL(baseURL string) *GeminiClient {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *GeminiClient) Name() string { return "gemini" }

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (c *GeminiClient) Analyze(ctx context.Context, img Image) (Result, error) {
	req := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: assessmentPrompt},
			{InlineData: &geminiInlineData{MIMEType: mimeOf(img), Data: encodeImage(img)}},
		}}},
		GenerationConfig: map[string]any{
			"responseMimeType": "application/json",
			"maxOutputTokens":  maxReplyTokens,
		},
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	headers := map[string]string{"x-goog-api-key": c.apiKey}

	var resp geminiResponse
	if err := postJSON(ctx, c.httpClient, c.Name(), endpoint, headers, req, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Candidates) == 0 {
		return Result{}, fmt.Errorf("gemini: response has no candidates")
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	a, err := ParseAssessment(text.String())
	if err != nil {
		return Result{}, fmt.Errorf("gemini: %w", err)
	}

	res := Result{Assessment: a, Model: c.model}
	if resp.ModelVersion != "" {
		res.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		res.Usage = Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			Reported:     true,
		}
	}
	return res, nil
}
