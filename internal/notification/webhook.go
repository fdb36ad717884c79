package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookSink POSTs trade events to a generic HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client

	// Channels selects which events are sent (see MatchChannel).
	// Defaults to trade lifecycle events only.
	Channels []string

	// OnError is called for every failed delivery (optional).
	OnError func(err error)
}

// NewWebhookSink creates a webhook sink.
// url: The HTTP endpoint to POST events to.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		Channels: []string{ChannelTradeExecuted, ChannelTradeSquaredOff},
	}
}

func (w *WebhookSink) Publish(ctx context.Context, ev Event) {
	if !w.wants(ev.Channel) {
		return
	}
	if err := w.Send(ctx, ev); err != nil {
		log.Printf("[webhook] %v", err)
		if w.OnError != nil {
			w.OnError(err)
		}
	}
}

func (w *WebhookSink) wants(channel string) bool {
	for _, f := range w.Channels {
		if MatchChannel(f, channel) {
			return true
		}
	}
	return false
}

// Send delivers one event synchronously.
func (w *WebhookSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"event":   ev.Channel,
		"payload": ev.Payload,
		"ts":      ev.TS.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
