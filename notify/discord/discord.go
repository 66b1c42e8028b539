package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/notify"
)

// Discord embed limits.
const (
	maxTitleLength       = 256
	maxDescriptionLength = 4096
	maxFields            = 25
	maxFieldNameLength   = 256
	maxFieldValueLength  = 1024
)

var ErrRateLimited = errors.New("discord: rate limit reached, notification dropped")

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// Notifier posts notifications to a Discord webhook as embeds.
// It is safe for concurrent use: its fields are immutable after creation or
// concurrency safe themselves.
type Notifier struct {
	webhookURL     string
	sendTimeout    time.Duration
	logger         *slog.Logger
	httpClient     *http.Client
	apiRateLimiter *rate.Limiter
}

func New(cfg config.Discord, logger *slog.Logger) (*Notifier, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("discord: WebhookURL is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("discord: logger is required")
	}

	limit := rate.Every(2 * time.Second)
	if cfg.APIRateLimit.Duration > 0 {
		limit = rate.Every(cfg.APIRateLimit.Duration)
	}
	burst := cfg.APIBurst
	if burst <= 0 {
		burst = 5
	}
	sendTimeout := cfg.SendTimeout.Duration
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	return &Notifier{
		webhookURL:     cfg.WebhookURL,
		sendTimeout:    sendTimeout,
		logger:         logger.With("notifier", "discord"),
		apiRateLimiter: rate.NewLimiter(limit, burst),
		httpClient:     &http.Client{},
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func buildPayload(n notify.Notification) webhookPayload {
	e := embed{
		Title:       truncate(n.Title, maxTitleLength),
		Description: truncate(n.Description, maxDescriptionLength),
		Color:       n.Color,
	}
	if !n.Timestamp.IsZero() {
		e.Timestamp = n.Timestamp.UTC().Format(time.RFC3339)
	}
	if n.Source != "" {
		e.Footer = &embedFooter{Text: n.Source}
	}
	for _, f := range n.Fields {
		if len(e.Fields) == maxFields {
			break
		}
		if f.Name == "" || f.Value == "" {
			continue
		}
		e.Fields = append(e.Fields, embedField{
			Name:   truncate(f.Name, maxFieldNameLength),
			Value:  truncate(f.Value, maxFieldValueLength),
			Inline: f.Inline,
		})
	}
	return webhookPayload{Embeds: []embed{e}}
}

// Send posts n and waits for Discord's answer. When the local rate limit
// is exhausted the notification is dropped with ErrRateLimited.
func (dn *Notifier) Send(ctx context.Context, n notify.Notification) error {
	if !dn.apiRateLimiter.Allow() {
		dn.logger.Warn("discord: API rate limit reached or burst active, dropping notification",
			"source", n.Source, "title", n.Title)
		return ErrRateLimited
	}

	body, err := json.Marshal(buildPayload(n))
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, dn.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, dn.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := dn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests {
			dn.logger.Warn("discord: received 429 Too Many Requests, rate limit settings may need adjustment")
		}
		return fmt.Errorf("discord: unexpected status %d", resp.StatusCode)
	}

	dn.logger.Debug("sent notification to discord", "source", n.Source, "title", n.Title)
	return nil
}
