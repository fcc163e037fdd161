package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/viewmill/outbox-queue/internal/domain"
)

// envelope is the JSON body posted to the downstream endpoint. The payload
// travels base64-encoded; the queue never interprets it.
type envelope struct {
	ID            string    `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
}

// WebhookSink delivers entries by POSTing them to a fixed URL. The base URL
// is injected from config so tests can point at a local mock.
type WebhookSink struct {
	baseURL    string
	httpClient *http.Client
}

func NewWebhookSink(baseURL string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deliver posts the entry envelope and accepts any 2xx response.
func (s *WebhookSink) Deliver(ctx context.Context, e *domain.Entry) error {
	body, err := json.Marshal(envelope{
		ID:            e.ID,
		AggregateType: string(e.AggregateType),
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		CreatedAt:     e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected sink status: %d", resp.StatusCode)
	}
	return nil
}

// compile-time check that WebhookSink implements Sink
var _ Sink = (*WebhookSink)(nil)
