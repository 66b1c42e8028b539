package notify

import (
	"context"
	"errors"
	"time"
)

// Field is one name/value line of a notification.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Notification is the sink independent alert payload.
type Notification struct {
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Color       int       `json:"color"`
	Fields      []Field   `json:"fields"`
}

// Notifier defines the contract for delivering notifications.
// Implementations are responsible for formatting and dispatching
// notifications to their respective backends.
// Implementations MUST be safe for concurrent use by multiple goroutines.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NilNotifier discards everything. Used when no sink is configured.
type NilNotifier struct{}

func NewNilNotifier() *NilNotifier {
	return &NilNotifier{}
}

func (n *NilNotifier) Send(ctx context.Context, _ Notification) error {
	return nil
}

// MultiNotifier sends to every notifier, even after a failure, and returns
// the joined errors.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}
