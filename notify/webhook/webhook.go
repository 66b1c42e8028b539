// Package webhook posts notifications as JSON to an arbitrary HTTP endpoint.
// Each endpoint sits behind its own circuit breaker so a dead sink fails
// fast instead of holding up the alert worker.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/notify"
)

const eventType = "threat_alert"

var ErrCircuitOpen = errors.New("webhook: circuit open, notification dropped")

// Payload is the JSON document sent to the endpoint.
type Payload struct {
	EventType    string              `json:"event_type"`
	Timestamp    string              `json:"timestamp"`
	Notification notify.Notification `json:"notification"`
}

type Notifier struct {
	name        string
	url         string
	headers     map[string]string
	sendTimeout time.Duration
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[struct{}]
	logger      *slog.Logger
}

func New(cfg config.Webhook, logger *slog.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: URL is required")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.URL
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	openTimeout := cfg.OpenTimeout.Duration
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}
	sendTimeout := cfg.SendTimeout.Duration
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	n := &Notifier{
		name:        name,
		url:         cfg.URL,
		headers:     headers,
		sendTimeout: sendTimeout,
		client:      &http.Client{},
		logger:      logger.With("notifier", "webhook", "name", name),
	}
	n.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webhook:" + name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			n.logger.Warn("webhook circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return n, nil
}

// State returns the circuit breaker state: "closed", "half-open" or "open".
func (n *Notifier) State() string {
	return n.breaker.State().String()
}

func (n *Notifier) Send(ctx context.Context, notif notify.Notification) error {
	ts := notif.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(Payload{
		EventType:    eventType,
		Timestamp:    ts.UTC().Format(time.RFC3339),
		Notification: notif,
	})
	if err != nil {
		return fmt.Errorf("webhook %s: marshal payload: %w", n.name, err)
	}

	_, err = n.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, n.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, n.name)
	}
	return err
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: create request: %w", n.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: send: %w", n.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", n.name, resp.StatusCode)
	}
	return nil
}
