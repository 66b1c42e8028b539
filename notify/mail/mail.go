// Package mail delivers notifications as HTML email over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/domodwyer/mailyak/v3"

	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/notify"
)

// Alert content is attacker controlled (paths, user agents); html/template
// escapes it.
var bodyTemplate = template.Must(template.New("alert").Parse(`
<h2 style="border-left: 6px solid {{.Color}}; padding-left: 8px">{{.Title}}</h2>
<p>{{.Description}}</p>
<table cellpadding="4">
{{- range .Fields}}
  <tr><th align="left">{{.Name}}</th><td><code>{{.Value}}</code></td></tr>
{{- end}}
</table>
<p><small>{{.Source}} &middot; {{.Timestamp}}</small></p>
`))

type bodyData struct {
	Title       string
	Description string
	Color       string
	Fields      []notify.Field
	Source      string
	Timestamp   string
}

// Notifier sends one email per notification to a fixed recipient list.
type Notifier struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
	logger   *slog.Logger
}

func New(cfg config.Mail, logger *slog.Logger) (*Notifier, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("mail: host and port are required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("mail: from and to are required")
	}
	to := make([]string, len(cfg.To))
	copy(to, cfg.To)
	return &Notifier{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       to,
		logger:   logger.With("notifier", "mail"),
	}, nil
}

func renderBody(n notify.Notification) (string, error) {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, bodyData{
		Title:       n.Title,
		Description: n.Description,
		Color:       fmt.Sprintf("#%06x", n.Color),
		Fields:      n.Fields,
		Source:      n.Source,
		Timestamp:   ts.UTC().Format(time.RFC3339),
	})
	return buf.String(), err
}

func (m *Notifier) Send(ctx context.Context, n notify.Notification) error {
	body, err := renderBody(n)
	if err != nil {
		return fmt.Errorf("mail: render body: %w", err)
	}

	mail := mailyak.New(fmt.Sprintf("%s:%d", m.host, m.port),
		smtp.PlainAuth("", m.username, m.password, m.host))

	mail.To(m.to...)
	mail.From(m.from)
	if n.Source != "" {
		mail.FromName(n.Source)
	}
	subject := n.Title
	if n.Severity != "" {
		subject = fmt.Sprintf("[%s] %s", n.Severity, n.Title)
	}
	mail.Subject(subject)
	mail.HTML().Set(body)

	// mailyak has no context support
	done := make(chan error, 1)
	go func() {
		done <- mail.Send()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mail: send: %w", err)
		}
	}

	m.logger.Debug("sent notification email", "to", m.to, "title", n.Title)
	return nil
}
