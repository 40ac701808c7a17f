// Package assist proxies chat-completion requests to a hosted model
// provider. The API key never leaves the server; clients only see a
// success flag, the reply text, or a sanitized error string.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var ErrNotConfigured = errors.New("assistant is not configured")

// Known providers share the OpenAI chat-completions wire format and
// differ only in endpoint.
var providerEndpoints = map[string]string{
	"groq":   "https://api.groq.com/openai/v1/chat/completions",
	"openai": "https://api.openai.com/v1/chat/completions",
}

type Config struct {
	Provider string
	Endpoint string
	APIKey   string
	Model    string
}

type Client struct {
	cfg      Config
	endpoint string
	client   *http.Client
}

func New(cfg Config) (*Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = providerEndpoints[cfg.Provider]
	}
	if endpoint == "" {
		return nil, fmt.Errorf("unknown assistant provider %q and no endpoint set", cfg.Provider)
	}
	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the conversation to the provider and returns the
// assistant's reply. SystemPrompt, when set, is prepended as a system
// message. Error messages are safe to show to end users; provider
// details go to the log only.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage, systemPrompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}
	if len(messages) == 0 {
		return "", errors.New("no messages to send")
	}

	all := messages
	if systemPrompt != "" {
		all = append([]ChatMessage{{Role: "system", Content: systemPrompt}}, messages...)
	}

	reqBody, err := json.Marshal(completionRequest{
		Model:    c.cfg.Model,
		Messages: all,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("assistant request failed", "provider", c.cfg.Provider, "error", err)
		return "", errors.New("assistant is unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.New("failed to read assistant response")
	}

	var parsed completionResponse
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
		slog.Warn("assistant returned malformed body", "provider", c.cfg.Provider, "status", resp.StatusCode)
		return "", errors.New("assistant returned a malformed response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := ""
		if parsed.Error != nil {
			detail = parsed.Error.Message
		}
		slog.Warn("assistant returned error", "provider", c.cfg.Provider, "status", resp.StatusCode, "detail", detail)
		return "", fmt.Errorf("assistant returned status %d", resp.StatusCode)
	}

	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", errors.New("assistant returned an empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}
