package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pennylabs/penny"
)

// newWebhook posts processor events as JSON to url. Delivery is best-effort;
// the processor logs failures and never blocks a request on them.
func newWebhook(url string, logger *slog.Logger) penny.WebhookFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, event string, payload any) error {
		body, err := json.Marshal(map[string]any{
			"event":   event,
			"payload": payload,
			"sent_at": penny.NowUnix(),
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
		}
		logger.Debug("webhook delivered", "event", event, "url", url)
		return nil
	}
}
