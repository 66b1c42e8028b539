package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/caasmo/threatguard/escalation"
	"github.com/caasmo/threatguard/notify"
)

const (
	maxUserAgentRunes = 100
	maxRecentPaths    = 5
)

// Activity is the slice of client history attached to an alert.
type Activity struct {
	Attempts    int       `json:"attempts"`
	FirstSeen   time.Time `json:"first_seen"`
	RecentPaths []string  `json:"recent_paths"`
}

// Alert describes one automatic block.
type Alert struct {
	ClientID      string              `json:"client_id"`
	Severity      escalation.Severity `json:"severity"`
	Score         int                 `json:"score"`
	BlockDuration time.Duration       `json:"block_duration"`
	Reason        string              `json:"reason"`
	Reasons       []string            `json:"reasons"`
	Path          string              `json:"path"`
	Method        string              `json:"method"`
	UserAgent     string              `json:"user_agent"`
	Activity      *Activity           `json:"activity,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Normalize truncates the user agent and the recent path list to the sizes
// sinks expect.
func (a *Alert) Normalize() {
	a.UserAgent = truncateRunes(a.UserAgent, maxUserAgentRunes)
	if a.Activity != nil && len(a.Activity.RecentPaths) > maxRecentPaths {
		act := *a.Activity
		act.RecentPaths = act.RecentPaths[len(act.RecentPaths)-maxRecentPaths:]
		a.Activity = &act
	}
}

// Notification renders the alert for the notify sinks.
func (a Alert) Notification(source string) notify.Notification {
	a.Normalize()

	fields := []notify.Field{
		{Name: "IP Address", Value: a.ClientID, Inline: true},
		{Name: "Threat Level", Value: strconv.Itoa(a.Score), Inline: true},
		{Name: "Block Duration", Value: escalation.FormatDuration(a.BlockDuration), Inline: true},
		{Name: "Reason", Value: a.Reason, Inline: false},
		{Name: "URL", Value: a.Path, Inline: true},
		{Name: "User-Agent", Value: a.UserAgent, Inline: false},
	}
	if len(a.Reasons) > 0 {
		fields = append(fields, notify.Field{Name: "Signals", Value: strings.Join(a.Reasons, "; ")})
	}
	if a.Activity != nil {
		fields = append(fields,
			notify.Field{Name: "Attempts", Value: strconv.Itoa(a.Activity.Attempts), Inline: true},
			notify.Field{Name: "First Seen", Value: a.Activity.FirstSeen.UTC().Format(time.RFC3339), Inline: true},
		)
		if len(a.Activity.RecentPaths) > 0 {
			fields = append(fields, notify.Field{Name: "Recent URLs", Value: strings.Join(a.Activity.RecentPaths, "\n")})
		}
	}

	return notify.Notification{
		Timestamp:   a.Timestamp,
		Source:      source,
		Title:       fmt.Sprintf("Threat Detected: %s", a.ClientID),
		Description: fmt.Sprintf("IP %s has been automatically blocked", a.ClientID),
		Severity:    string(a.Severity),
		Color:       a.Severity.Color(),
		Fields:      fields,
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
