// Package detector ties the rule set, activity tracker, classifier,
// escalation engine, block ledger and alert dispatcher into the per
// request decision.
package detector

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caasmo/threatguard/activity"
	"github.com/caasmo/threatguard/alert"
	"github.com/caasmo/threatguard/classify"
	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/escalation"
	"github.com/caasmo/threatguard/ledger"
	"github.com/caasmo/threatguard/rules"
	"github.com/caasmo/threatguard/topk"
	"github.com/caasmo/threatguard/whitelist"
)

// Action is the outcome of Inspect.
type Action int

const (
	// ActionAllow lets the request through.
	ActionAllow Action = iota
	// ActionBlocked rejects a client that was already blocked.
	ActionBlocked
	// ActionDenied rejects a request whose score just produced a block.
	ActionDenied
)

func (a Action) String() string {
	switch a {
	case ActionBlocked:
		return "blocked"
	case ActionDenied:
		return "denied"
	default:
		return "allow"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Verdict is the decision for one request.
type Verdict struct {
	Action       Action              `json:"action"`
	BlockedUntil time.Time           `json:"blocked_until"`
	Assessment   classify.Assessment `json:"assessment"`
	Decision     escalation.Decision `json:"decision"`
}

// Alerter receives alerts for new blocks. Implemented by alert.Dispatcher.
type Alerter interface {
	Dispatch(a alert.Alert) bool
}

type nopAlerter struct{}

func (nopAlerter) Dispatch(alert.Alert) bool { return false }

type Option func(*Detector)

// WithClock sets the clock used for activity and alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

const recentPathsInAlert = 5

type Detector struct {
	enabled    bool
	whitelist  *whitelist.Whitelist
	ledger     *ledger.Ledger
	tracker    *activity.Tracker
	classifier *classify.Classifier
	engine     *escalation.Engine
	alerts     Alerter
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a detector from cfg. alerts may be nil, in which case no
// alerts are produced.
func New(cfg *config.Config, l *ledger.Ledger, alerts Alerter, logger *slog.Logger, opts ...Option) (*Detector, error) {
	if cfg == nil || l == nil {
		panic("detector: config and ledger are required")
	}
	if logger == nil {
		panic("detector: logger cannot be nil")
	}
	if alerts == nil {
		alerts = nopAlerter{}
	}

	set, err := rules.New(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	wl, err := whitelist.New(cfg.Whitelist.Entries)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	d := &Detector{
		enabled:   cfg.Detector.Activated,
		whitelist: wl,
		ledger:    l,
		engine: escalation.New(escalation.Durations{
			Light:     cfg.Escalation.Light.Duration,
			Moderate:  cfg.Escalation.Moderate.Duration,
			Severe:    cfg.Escalation.Severe.Duration,
			Permanent: cfg.Escalation.Permanent.Duration,
		}),
		alerts: alerts,
		logger: logger.With("component", "detector"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	dc := cfg.Detector
	d.tracker = activity.NewTracker(activity.Options{
		Retention: dc.ActivityRetention.Duration,
		MaxEvents: dc.MaxEventsPerClient,
		Sketch: topk.New(topk.SketchParams{
			K:          dc.TopOffenders.K,
			WindowSize: dc.TopOffenders.WindowSize,
			Width:      dc.TopOffenders.Width,
			Depth:      dc.TopOffenders.Depth,
			TickSize:   dc.TopOffenders.TickSize,
		}),
		Now: d.now,
	})
	d.classifier = classify.New(set, classify.Options{
		MaxRequestsPerMinute:   dc.MaxRequestsPerMinute,
		MaxRequestsPerHour:     dc.MaxRequestsPerHour,
		MaxSuspiciousPerMinute: dc.MaxSuspiciousPerMinute,
		MinUserAgentLength:     dc.MinUserAgentLength,
	}, logger)

	return d, nil
}

// Tracker returns the activity tracker, for the maintenance scheduler.
func (d *Detector) Tracker() *activity.Tracker { return d.tracker }

// Ledger returns the block ledger.
func (d *Detector) Ledger() *ledger.Ledger { return d.ledger }

// Inspect decides whether a request from clientID may proceed. The allow
// path does no I/O; a new block writes the ledger and queues an alert.
func (d *Detector) Inspect(clientID, method, path, userAgent string) Verdict {
	if !d.enabled || d.whitelist.Contains(clientID) {
		return Verdict{Action: ActionAllow}
	}

	if rec, ok := d.ledger.Lookup(clientID); ok {
		d.logger.Debug("rejecting blocked client", "client", clientID, "method", method, "path", path, "reason", rec.Reason)
		return Verdict{Action: ActionBlocked, BlockedUntil: rec.ExpiresAt}
	}

	m := d.classifier.Match(path, userAgent)
	d.tracker.Record(clientID, activity.RequestEvent{
		Path:       path,
		Method:     method,
		UserAgent:  userAgent,
		Timestamp:  d.now(),
		Suspicious: m.Suspicious(),
	})
	a := d.classifier.Assess(clientID, userAgent, m, d.tracker)
	v := Verdict{Action: ActionAllow, Assessment: a}
	if a.Score == 0 {
		return v
	}

	var prior *ledger.BlockRecord
	if rec, ok := d.ledger.Peek(clientID); ok {
		prior = &rec
	}
	v.Decision = d.engine.Decide(a.Score, prior)

	switch v.Decision.Action {
	case escalation.ActionLog:
		d.logger.Info("suspicious request",
			"client", clientID,
			"method", method,
			"path", path,
			"score", a.Score,
			"reasons", a.Reasons)
		return v
	case escalation.ActionBlock:
		return d.block(clientID, method, path, userAgent, v)
	default:
		return v
	}
}

func (d *Detector) block(clientID, method, path, userAgent string, v Verdict) Verdict {
	v.Action = ActionDenied
	rec, err := d.ledger.Block(clientID, v.Decision.Reason, v.Decision.Duration)
	if err != nil {
		// the decision stands for this request even if it cannot be recorded
		d.logger.Error("failed to record block", "client", clientID, "err", err)
		v.BlockedUntil = d.now().Add(v.Decision.Duration)
		return v
	}
	v.BlockedUntil = rec.ExpiresAt

	d.logger.Warn("blocked client",
		"client", clientID,
		"method", method,
		"path", path,
		"score", v.Assessment.Score,
		"tier", v.Decision.Tier,
		"duration", v.Decision.Duration,
		"offense", rec.OffenseCount,
		"reason", v.Decision.Reason)

	al := alert.Alert{
		ClientID:      clientID,
		Severity:      v.Decision.Severity,
		Score:         v.Assessment.Score,
		BlockDuration: v.Decision.Duration,
		Reason:        v.Decision.Reason,
		Reasons:       v.Assessment.Reasons,
		Path:          path,
		Method:        method,
		UserAgent:     userAgent,
		Timestamp:     d.now(),
	}
	if s, ok := d.tracker.Summarize(clientID, recentPathsInAlert); ok {
		al.Activity = &alert.Activity{
			Attempts:    s.Attempts,
			FirstSeen:   s.FirstSeen,
			RecentPaths: s.RecentPaths,
		}
	}
	d.alerts.Dispatch(al)
	return v
}
