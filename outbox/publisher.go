package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Publisher delivers a domain fact to downstream subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// WebhookPublisher POSTs events to the platform event bus endpoint.
type WebhookPublisher struct {
	url    string
	client *http.Client
}

func NewWebhookPublisher(url string) *WebhookPublisher {
	return &WebhookPublisher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	body, err := json.Marshal(map[string]any{
		"topic":   topic,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("outbox: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("outbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox: post %s: %w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("outbox: post %s: status %d", topic, resp.StatusCode)
	}
	return nil
}

// LogPublisher writes events to the log only. Used when no webhook endpoint
// is configured, typically in development.
type LogPublisher struct {
	log *zap.SugaredLogger
}

func NewLogPublisher(log *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.log.Infow("event", "topic", topic, "payload", string(payload))
	return nil
}
