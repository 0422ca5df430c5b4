package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
	"github.com/flashcastr/flashsync/internal/flashsync/metrics"
	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

// WebhookPublisher posts flashes to the bot endpoint. The endpoint is
// expected to deduplicate on flash_id; deliveries are retried with backoff
// and the final failure is returned to the caller for ledgering.
type WebhookPublisher struct {
	url         string
	apiKey      string
	maxAttempts uint
	client      *http.Client
	metrics     *metrics.Metrics
}

func NewWebhookPublisher(config configuration.WebhookConfig, m *metrics.Metrics) *WebhookPublisher {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &WebhookPublisher{
		url:         config.URL,
		apiKey:      config.APIKey,
		maxAttempts: maxAttempts,
		client:      &http.Client{Timeout: timeout},
		metrics:     m,
	}
}

func (w *WebhookPublisher) Publish(ctx context.Context, flash model.Flash) error {
	body, err := json.Marshal(map[string]interface{}{"flash": flash})
	if err != nil {
		return errors.WithStack(err)
	}

	err = retry.Do(
		func() error { return w.send(ctx, body) },
		retry.Attempts(w.maxAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		w.metrics.RecordPublishError(metrics.PublishErrorWebhook)
		return errors.WithMessagef(err, "posting flash %d to webhook", flash.FlashID)
	}
	return nil
}

func (w *WebhookPublisher) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/api/bot", bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func (w *WebhookPublisher) Close() {}
