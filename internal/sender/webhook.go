package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// webhookRequest is the JSON body posted to the downstream delivery service.
type webhookRequest struct {
	Kind     string            `json:"kind"`
	Target   string            `json:"target"`
	Payload  string            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WebhookSender delivers items by POSTing them to an HTTP endpoint.
// The base URL is injected from config so tests can point to a local mock.
type WebhookSender struct {
	baseURL    string
	httpClient *http.Client
}

func NewWebhookSender(baseURL string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the item and expects a 2xx response. Anything else is a
// delivery failure for the retry scheduler to handle.
func (s *WebhookSender) Send(ctx context.Context, item *domain.QueueItem) error {
	body, err := json.Marshal(webhookRequest{
		Kind:     string(item.Kind),
		Target:   item.Target,
		Payload:  string(item.Payload),
		Metadata: item.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected delivery status: %d", resp.StatusCode)
	}
	return nil
}

// compile-time check that WebhookSender implements Sender
var _ Sender = (*WebhookSender)(nil)
