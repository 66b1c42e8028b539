// Package classify scores a single request for malicious intent from the
// static rule table and the client's recent activity.
package classify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caasmo/threatguard/activity"
	"github.com/caasmo/threatguard/rules"
)

// Window answers rate questions about a client's recent requests.
type Window interface {
	WindowCount(clientID string, d time.Duration, pred func(activity.RequestEvent) bool) int
}

type Options struct {
	MaxRequestsPerMinute   int
	MaxRequestsPerHour     int
	MaxSuspiciousPerMinute int
	MinUserAgentLength     int
}

const (
	weightShortUserAgent = 1
	weightMinuteRate     = 2
	weightHourRate       = 1
	weightSuspiciousRate = 3
)

// Match is the outcome of the static rules alone.
type Match struct {
	PathRule     string
	PathCategory string
	PathWeight   int
	PathMatched  bool

	AgentRule    string
	AgentWeight  int
	AgentMatched bool

	Trusted bool
}

// Suspicious reports whether the request matched a path or user agent rule.
func (m Match) Suspicious() bool {
	return m.PathMatched || m.AgentMatched
}

type Assessment struct {
	Score            int      `json:"score"`
	Reasons          []string `json:"reasons"`
	PathCategory     string   `json:"path_category,omitempty"`
	UserAgentMatched bool     `json:"user_agent_matched"`
	Trusted          bool     `json:"trusted,omitempty"`
}

type Classifier struct {
	rules  *rules.Set
	opts   Options
	logger *slog.Logger
}

func New(set *rules.Set, opts Options, logger *slog.Logger) *Classifier {
	if set == nil {
		panic("classify: nil rule set")
	}
	return &Classifier{
		rules:  set,
		opts:   opts,
		logger: logger.With("component", "classifier"),
	}
}

// Match runs the path, user agent and trusted agent rules. A trusted agent
// skips the user agent rules only; the path is always checked. A rule that
// panics contributes nothing.
func (c *Classifier) Match(path, userAgent string) Match {
	var m Match

	c.guard("trusted_agent", func() {
		m.Trusted = c.rules.IsTrustedAgent(userAgent)
	})

	c.guard("path", func() {
		if r, ok := c.rules.MatchPath(path); ok {
			m.PathMatched = true
			m.PathRule = r.Name
			m.PathCategory = r.Category
			m.PathWeight = r.Weight
		}
	})
	if m.Trusted {
		return m
	}
	c.guard("user_agent", func() {
		if r, ok := c.rules.MatchUserAgent(userAgent); ok {
			m.AgentMatched = true
			m.AgentRule = r.Name
			m.AgentWeight = r.Weight
		}
	})
	return m
}

// Score is Match followed by Assess.
func (c *Classifier) Score(clientID, path, userAgent, method string, w Window) Assessment {
	return c.Assess(clientID, userAgent, c.Match(path, userAgent), w)
}

// Assess combines a static match with the client's rates. w may be nil,
// meaning the client has no history.
func (c *Classifier) Assess(clientID, userAgent string, m Match, w Window) Assessment {
	a := Assessment{Reasons: []string{}, Trusted: m.Trusted}
	if m.Trusted {
		a.Reasons = append(a.Reasons, "trusted user agent")
	}

	if m.PathMatched {
		a.Score += m.PathWeight
		a.PathCategory = m.PathCategory
		a.Reasons = append(a.Reasons, fmt.Sprintf("suspicious path: %s (%s)", m.PathCategory, m.PathRule))
	}
	// a trusted agent cancels the user agent signals only
	if m.AgentMatched && !m.Trusted {
		a.Score += m.AgentWeight
		a.UserAgentMatched = true
		a.Reasons = append(a.Reasons, fmt.Sprintf("suspicious user agent: %s", m.AgentRule))
	}
	if !m.Trusted && len(userAgent) < c.opts.MinUserAgentLength {
		a.Score += weightShortUserAgent
		a.Reasons = append(a.Reasons, "missing or short user agent")
	}

	if w == nil {
		return a
	}

	c.guard("minute_rate", func() {
		n := w.WindowCount(clientID, time.Minute, nil)
		if n > c.opts.MaxRequestsPerMinute {
			a.Score += weightMinuteRate
			a.Reasons = append(a.Reasons, fmt.Sprintf("rate limiting: %d requests in last minute", n))
		}
	})
	c.guard("hour_rate", func() {
		n := w.WindowCount(clientID, time.Hour, nil)
		if n > c.opts.MaxRequestsPerHour {
			a.Score += weightHourRate
			a.Reasons = append(a.Reasons, fmt.Sprintf("rate limiting: %d requests in last hour", n))
		}
	})
	c.guard("suspicious_rate", func() {
		n := w.WindowCount(clientID, time.Minute, activity.IsSuspicious)
		if n > c.opts.MaxSuspiciousPerMinute {
			a.Score += weightSuspiciousRate
			a.Reasons = append(a.Reasons, fmt.Sprintf("multiple suspicious requests: %d in last minute", n))
		}
	})

	return a
}

// guard runs one check and turns a panic into a logged no-op so a single
// bad pattern never fails the request.
func (c *Classifier) guard(check string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("check panicked, contributing no score", "check", check, "panic", r)
		}
	}()
	fn()
}

// Rules returns the loaded rule table.
func (c *Classifier) Rules() []rules.Rule {
	return c.rules.All()
}
