package dispatchers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Webhook posts updates as JSON.
type Webhook struct {
	URL    string
	client *http.Client
}

// NewWebhook creates a webhook dispatcher posting to url.
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Handle posts u to the webhook URL. Any non-2xx status is an error.
func (w *Webhook) Handle(ctx context.Context, u Update) error {
	return postJSON(ctx, w.client, w.URL, u)
}

func postJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding update")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "creating webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting to %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("webhook %s returned %s: %s", url, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
