package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Sink is a one-way notification channel. Implementations must never let a
// delivery failure surface to the caller; publishing outcomes do not depend
// on notifications going out.
type Sink interface {
	Notify(ctx context.Context, text string)
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Notify(_ context.Context, text string) {
	s.Log.Info().Str("channel", "notification").Msg(text)
}

// WebhookSink posts notifications to a configured webhook, asynchronously.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Log    zerolog.Logger
}

func NewWebhookSink(url string, logger zerolog.Logger) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Log:    logger,
	}
}

func (s *WebhookSink) Notify(_ context.Context, text string) {
	// Fire and forget; the publish path never waits on this.
	go func() {
		body, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return
		}
		resp, err := s.Client.Post(s.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			s.Log.Warn().Err(err).Msg("notification webhook failed")
			return
		}
		resp.Body.Close()
	}()
}
