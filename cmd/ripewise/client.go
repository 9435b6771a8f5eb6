package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kalambet/ripewise/internal/config"
)

type apiClient struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
}

// apiError is the decoded error envelope returned by both servers.
type apiError struct {
	Status  int
	Message string
	Type    string
	Reason  string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s (%s: %s)", msg, e.Type, e.Reason)
	case e.Type != "":
		return fmt.Sprintf("%s (%s)", msg, e.Type)
	}
	return msg
}

func loadClient(name string, port func(config.Config) int) (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		name:       name,
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port(cfg)),
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout(cfg) + requestSlack},
	}, nil
}

// newServerClient talks to the analysis server. Tests replace it.
var newServerClient = func() (*apiClient, error) {
	return loadClient("server", func(c config.Config) int { return c.Server.Port })
}

// newAgentClient talks to the local device agent. Tests replace it.
var newAgentClient = func() (*apiClient, error) {
	return loadClient("agent", func(c config.Config) int { return c.Server.AgentPort })
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		name := c.name
		if name == "" {
			name = "server"
		}
		return nil, fmt.Errorf("%s not reachable, is ripewise %s running? (%w)", name, name, err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var env struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Reason  string `json:"reason"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
			return &apiError{Status: resp.StatusCode, Message: env.Error.Message, Type: env.Error.Type, Reason: env.Error.Reason}
		}
		return &apiError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
