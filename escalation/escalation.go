// Package escalation turns a threat score into an action and a block
// duration, doubling the duration for repeat offenders.
package escalation

import (
	"fmt"
	"time"

	"github.com/caasmo/threatguard/ledger"
)

type Action int

const (
	ActionNone Action = iota
	ActionLog
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionLog:
		return "log"
	case ActionBlock:
		return "block"
	default:
		return "none"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

type Tier int

const (
	TierNone Tier = iota
	TierLog
	TierLight
	TierModerate
	TierSevere
)

func (t Tier) String() string {
	switch t {
	case TierLog:
		return "log"
	case TierLight:
		return "light"
	case TierModerate:
		return "moderate"
	case TierSevere:
		return "severe"
	default:
		return "none"
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Score thresholds. Shared by tiers and severities.
const (
	ScoreLight    = 2
	ScoreModerate = 3
	ScoreSevere   = 5
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func SeverityFor(score int) Severity {
	switch {
	case score >= ScoreSevere:
		return SeverityCritical
	case score >= ScoreModerate:
		return SeverityHigh
	case score >= ScoreLight:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Color is the RGB value used by alert sinks.
func (s Severity) Color() int {
	switch s {
	case SeverityCritical:
		return 0xff0000
	case SeverityHigh:
		return 0xff6600
	case SeverityMedium:
		return 0xffff00
	default:
		return 0x00ff00
	}
}

type Durations struct {
	Light     time.Duration
	Moderate  time.Duration
	Severe    time.Duration
	Permanent time.Duration
}

func DefaultDurations() Durations {
	return Durations{
		Light:     15 * time.Minute,
		Moderate:  time.Hour,
		Severe:    24 * time.Hour,
		Permanent: 365 * 24 * time.Hour,
	}
}

type Decision struct {
	Action         Action        `json:"action"`
	Tier           Tier          `json:"tier"`
	Duration       time.Duration `json:"duration"`
	Severity       Severity      `json:"severity"`
	Reason         string        `json:"reason"`
	RepeatOffender bool          `json:"repeat_offender"`
}

type Engine struct {
	durations Durations
}

func New(d Durations) *Engine {
	return &Engine{durations: d}
}

// Decide maps score to an action. prior is the client's latest block
// record, active or expired; any prior doubles the duration up to the
// permanent ceiling.
func (e *Engine) Decide(score int, prior *ledger.BlockRecord) Decision {
	d := Decision{Severity: SeverityFor(score)}

	switch {
	case score >= ScoreSevere:
		d.Tier, d.Duration, d.Reason = TierSevere, e.durations.Severe, "Severe threat detected"
	case score >= ScoreModerate:
		d.Tier, d.Duration, d.Reason = TierModerate, e.durations.Moderate, "Moderate threat detected"
	case score >= ScoreLight:
		d.Tier, d.Duration, d.Reason = TierLight, e.durations.Light, "Light threat detected"
	case score == 1:
		d.Action, d.Tier = ActionLog, TierLog
		return d
	default:
		return d
	}

	d.Action = ActionBlock
	if prior != nil {
		d.RepeatOffender = true
		d.Duration = min(2*d.Duration, e.durations.Permanent)
		d.Reason += " (repeat offender)"
	}
	return d
}

// Durations returns the configured tier durations.
func (e *Engine) Durations() Durations {
	return e.durations
}

// FormatDuration renders d as "15m", "1h" or "1h 30m".
func FormatDuration(d time.Duration) string {
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
