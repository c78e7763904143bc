package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// WebhookSender POSTs notification bodies to an HTTP endpoint.
type WebhookSender struct {
	Endpoint string
	Client   *http.Client
}

// NewWebhookSender returns a sender posting to the given endpoint.
func NewWebhookSender(endpoint string) *WebhookSender {
	return &WebhookSender{Endpoint: endpoint, Client: http.DefaultClient}
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return errors.Wrap(err, "error preparing notification")
	}

	req.Header.Set("Subject", msg.Subject)
	req.Header.Set("Severity", msg.Severity.String())
	req.Header.Set("Content-Type", "text/plain")

	resp, err := w.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error sending webhook notification")
	}

	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusMultipleChoices {
		return errors.Errorf("error sending webhook notification: %v", resp.Status)
	}

	return nil
}

// Summary implements Sender.
func (w *WebhookSender) Summary() string {
	return fmt.Sprintf("webhook %v", w.Endpoint)
}
