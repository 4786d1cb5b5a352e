package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

//go:generate mockgen -destination=mocks/http_doer_mock.go -package=mocks github.com/user/release-sessions/pkg/mattermost HTTPDoer

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Webhook struct {
	url        string
	username   string
	channel    string
	httpClient HTTPDoer
}

type Option func(*Webhook)

// WithUsername overrides the poster name configured on the incoming webhook.
func WithUsername(name string) Option {
	return func(w *Webhook) { w.username = name }
}

// WithChannel posts to a channel other than the webhook's default.
func WithChannel(channel string) Option {
	return func(w *Webhook) { w.channel = channel }
}

func NewWebhook(url string, opts ...Option) *Webhook {
	return NewWebhookWithHTTP(url, &http.Client{}, opts...)
}

func NewWebhookWithHTTP(url string, httpClient HTTPDoer, opts ...Option) *Webhook {
	w := &Webhook{
		url:        url,
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

func (w *Webhook) Post(ctx context.Context, message string) error {
	payload := webhookPayload{Text: message, Username: w.username, Channel: w.channel}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook error: %d", resp.StatusCode)
	}

	return nil
}
