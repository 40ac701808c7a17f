package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmailConfig points at a transactional-email REST provider.
type EmailConfig struct {
	Endpoint   string
	ServiceID  string
	TemplateID string
	PublicKey  string
}

type EmailClient struct {
	cfg    EmailConfig
	client *http.Client
}

func NewEmailClient(cfg EmailConfig) *EmailClient {
	return &EmailClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type emailRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	TemplateParams map[string]string `json:"template_params"`
}

// Send posts one templated email. A non-2xx or malformed provider
// response is returned as an error; the caller decides whether the
// whole run fails or just this recipient.
func (e *EmailClient) Send(ctx context.Context, params map[string]string) error {
	reqBody, err := json.Marshal(emailRequest{
		ServiceID:      e.cfg.ServiceID,
		TemplateID:     e.cfg.TemplateID,
		UserID:         e.cfg.PublicKey,
		TemplateParams: params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("email send failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email provider returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
