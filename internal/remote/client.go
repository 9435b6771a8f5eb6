// Package remote is the device-side client for the server's upload and
// analyze endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/ripewise/internal/storage"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4 << 10
)

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code    int
	Type    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to a ripewise server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request. Analyze waits for the server's whole
// provider chain, so d should cover its worst case. d <= 0 keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a client for the server at baseURL using a bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

type uploadResponse struct {
	Ref string `json:"ref"`
}

// Upload sends the image payload for owner and returns its reference.
func (c *Client) Upload(ctx context.Context, owner string, data []byte) (string, error) {
	q := url.Values{"owner_id": {owner}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads?"+q.Encode(), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(data))

	var out uploadResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("upload: server returned an empty reference")
	}
	return out.Ref, nil
}

type analyzeRequest struct {
	ImageRef string            `json:"image_ref"`
	OwnerID  string            `json:"owner_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Analyze asks the server to assess a previously uploaded image and returns
// the stored analysis.
func (c *Client) Analyze(ctx context.Context, ref, owner string, metadata map[string]string) (storage.Analysis, error) {
	body, err := json.Marshal(analyzeRequest{ImageRef: ref, OwnerID: owner, Metadata: metadata})
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("marshalling analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("creating analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out storage.Analysis
	if err := c.do(req, &out); err != nil {
		return storage.Analysis{}, fmt.Errorf("analyze: %w", err)
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &StatusError{Code: resp.StatusCode, Type: envelope.Error.Type, Message: envelope.Error.Message}
	}
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
