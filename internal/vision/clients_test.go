package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const assessmentJSON = `{"ripeness":"ripe","confidence":88,"sweetness":7,"variety":"hass avocado","surface_quality":"minor bruise","rationale":"yields to pressure"}`

var testImage = Image{Ref: "img-1", Data: []byte("\xff\xd8\xff\xe0fakejpeg"), MIMEType: "image/jpeg"}

func TestOpenAIClient_Analyze(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-4o-mini-2024",
			"choices": []map[string]any{{"message": map[string]any{"content": assessmentJSON}}},
			"usage":   map[string]int{"prompt_tokens": 120, "completion_tokens": 40},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", "").WithBaseURL(srv.URL)
	res, err := c.Analyze(context.Background(), testImage)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotReq.Model != defaultOpenAIModel {
		t.Errorf("model = %q, want %q", gotReq.Model, defaultOpenAIModel)
	}
	if url := gotReq.Messages[0].Content[1].ImageURL.URL; !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("image url = %q", url)
	}
	if res.Assessment.Ripeness != Ripe || res.Assessment.Sweetness != 7 {
		t.Errorf("assessment = %+v", res.Assessment)
	}
	if !res.Usage.Reported || res.Usage.InputTokens != 120 || res.Usage.OutputTokens != 40 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.Model != "gpt-4o-mini-2024" {
		t.Errorf("model = %q", res.Model)
	}
}

func TestOpenRouterClient_Headers(t *testing.T) {
	var gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("X-Title")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": assessmentJSON}}},
		})
	}))
	defer srv.Close()

	c := NewOpenRouterClient("sk-or-test", "").WithBaseURL(srv.URL)
	if c.Name() != "openrouter" {
		t.Errorf("Name() = %q", c.Name())
	}
	res, err := c.Analyze(context.Background(), testImage)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if gotTitle != "ripewise" {
		t.Errorf("X-Title = %q", gotTitle)
	}
	if res.Usage.Reported {
		t.Errorf("usage reported without usage block: %+v", res.Usage)
	}
}

func TestAnthropicClient_Analyze(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "```json\n" + assessmentJSON + "\n```"}},
			"usage":   map[string]int{"input_tokens": 300, "output_tokens": 50},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-ant-test", "").WithBaseURL(srv.URL)
	res, err := c.Analyze(context.Background(), testImage)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if gotKey != "sk-ant-test" || gotVersion == "" {
		t.Errorf("headers: key=%q version=%q", gotKey, gotVersion)
	}
	if res.Assessment.Variety != "hass avocado" || res.Usage.InputTokens != 300 {
		t.Errorf("result = %+v", res)
	}
}

func TestGeminiClient_Analyze(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"candidates":    []map[string]any{{"content": map[string]any{"parts": []map[string]string{{"text": assessmentJSON}}}}},
			"usageMetadata": map[string]int{"promptTokenCount": 258, "candidatesTokenCount": 61},
		})
	}))
	defer srv.Close()

	c := NewGeminiClient("AIza-test", "gemini-2.0-flash").WithBaseURL(srv.URL)
	res, err := c.Analyze(context.Background(), testImage)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if gotKey != "AIza-test" {
		t.Errorf("x-goog-api-key = %q", gotKey)
	}
	if gotPath != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if res.Usage.OutputTokens != 61 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestOllamaClient_Analyze(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": assessmentJSON},
			"prompt_eval_count": 20,
			"eval_count":        30,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "")
	res, err := c.Analyze(context.Background(), testImage)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if gotReq.Model != defaultOllamaModel || gotReq.Stream || gotReq.Format != "json" {
		t.Errorf("request = %+v", gotReq)
	}
	if len(gotReq.Messages) != 1 || len(gotReq.Messages[0].Images) != 1 {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
	if res.Usage.InputTokens != 20 || res.Usage.OutputTokens != 30 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		rateLimit bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewOpenAIClient("sk-x", "").WithBaseURL(srv.URL).Analyze(context.Background(), testImage)
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRateLimit(err) != tt.rateLimit {
				t.Errorf("IsRateLimit = %v, want %v (err=%v)", IsRateLimit(err), tt.rateLimit, err)
			}
			var se *StatusError
			if !tt.rateLimit && (!errors.As(err, &se) || se.Status != tt.status) {
				t.Errorf("err = %v, want StatusError %d", err, tt.status)
			}
		})
	}
}

func TestClient_UnparseableReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "I see a dog"}}},
		})
	}))
	defer srv.Close()

	_, err := NewOpenAIClient("sk-x", "").WithBaseURL(srv.URL).Analyze(context.Background(), testImage)
	if err == nil || !strings.Contains(err.Error(), "openai") {
		t.Errorf("err = %v, want openai parse error", err)
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOllamaClient(srv.URL, "").Analyze(ctx, testImage)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
