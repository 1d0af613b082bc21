// Package notify is the push-notification collaborator: a fire-and-forget
// call made after a successful send. Failures are swallowed after a log
// line — push delivery never affects the send path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// previewLimit caps the plaintext preview attached to a notification.
const previewLimit = 80

// Notifier is told about successful sends.
type Notifier interface {
	MessageSent(ctx context.Context, recipient, preview string)
}

// Nop discards all notifications. Used when no push endpoint is configured.
type Nop struct{}

func (Nop) MessageSent(context.Context, string, string) {}

// HTTP posts notifications to an external push service.
type HTTP struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func NewHTTP(endpoint string, log zerolog.Logger) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
	}
}

type pushPayload struct {
	Recipient string `json:"recipient"`
	Preview   string `json:"preview"`
}

func (h *HTTP) MessageSent(ctx context.Context, recipient, preview string) {
	body, err := json.Marshal(pushPayload{Recipient: recipient, Preview: Truncate(preview)})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build push notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Warn().Err(err).Str("recipient", recipient).Msg("Push notification failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		h.log.Warn().Int("status", resp.StatusCode).Str("recipient", recipient).
			Msg("Push notification rejected")
	}
}

// Truncate shortens a preview to the notification limit without splitting
// a rune.
func Truncate(preview string) string {
	runes := []rune(preview)
	if len(runes) <= previewLimit {
		return preview
	}
	return string(runes[:previewLimit]) + "…"
}
