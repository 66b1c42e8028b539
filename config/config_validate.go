package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}
	if cfg.BlockRequestBody.Activated && cfg.BlockRequestBody.Limit <= 0 {
		return fmt.Errorf("block_request_body config validation failed: limit must be positive")
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log config validation failed: %w", err)
	}
	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector config validation failed: %w", err)
	}
	if err := validateEscalation(&cfg.Escalation); err != nil {
		return fmt.Errorf("escalation config validation failed: %w", err)
	}
	if err := validateLedger(&cfg.Ledger); err != nil {
		return fmt.Errorf("ledger config validation failed: %w", err)
	}
	if err := validateMaintenance(&cfg.Maintenance); err != nil {
		return fmt.Errorf("maintenance config validation failed: %w", err)
	}
	if err := validateNotifier(&cfg.Notifier); err != nil {
		return fmt.Errorf("notifier config validation failed: %w", err)
	}
	if err := validateWhitelist(&cfg.Whitelist); err != nil {
		return fmt.Errorf("whitelist config validation failed: %w", err)
	}
	if err := validateRules(cfg.Rules); err != nil {
		return fmt.Errorf("rules config validation failed: %w", err)
	}
	if err := validateAdmin(&cfg.Admin); err != nil {
		return fmt.Errorf("admin config validation failed: %w", err)
	}
	return nil
}

// validateServer checks the listen address. A bare ":port" gets the host
// "localhost" for display purposes only; the Addr field is left untouched so
// the server still listens on all interfaces.
func validateServer(server *Server) error {
	if server.Addr == "" {
		return fmt.Errorf("server address (Addr) cannot be empty")
	}

	_, port, err := net.SplitHostPort(server.Addr)
	if err != nil {
		return fmt.Errorf("invalid server address format '%s': %w", server.Addr, err)
	}
	if port == "" {
		return fmt.Errorf("server address '%s' must include a port", server.Addr)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port '%s' in server address '%s': %w", port, server.Addr, err)
	}

	if server.Upstream != "" {
		u, err := url.Parse(server.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid upstream url '%s'", server.Upstream)
		}
	}
	return nil
}

func validateDetector(d *Detector) error {
	if d.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("max_requests_per_minute must be positive")
	}
	if d.MaxRequestsPerHour <= d.MaxRequestsPerMinute {
		return fmt.Errorf("max_requests_per_hour (%d) must be greater than max_requests_per_minute (%d)",
			d.MaxRequestsPerHour, d.MaxRequestsPerMinute)
	}
	if d.MaxSuspiciousPerMinute <= 0 {
		return fmt.Errorf("max_suspicious_per_minute must be positive")
	}
	if d.MinUserAgentLength < 0 {
		return fmt.Errorf("min_user_agent_length cannot be negative")
	}
	if d.ActivityRetention.Duration < time.Minute {
		return fmt.Errorf("activity_retention must be at least one minute")
	}
	// The hour counter can only exceed its ceiling if enough events are kept.
	if d.MaxEventsPerClient <= d.MaxRequestsPerHour {
		return fmt.Errorf("max_events_per_client (%d) must be greater than max_requests_per_hour (%d)",
			d.MaxEventsPerClient, d.MaxRequestsPerHour)
	}
	t := d.TopOffenders
	if t.K <= 0 || t.WindowSize <= 0 || t.Width <= 0 || t.Depth <= 0 || t.TickSize == 0 {
		return fmt.Errorf("top_offenders parameters must all be positive")
	}
	return nil
}

func validateEscalation(e *Escalation) error {
	if e.Light.Duration <= 0 {
		return fmt.Errorf("light duration must be positive")
	}
	if e.Moderate.Duration < e.Light.Duration {
		return fmt.Errorf("moderate duration must not be shorter than light")
	}
	if e.Severe.Duration < e.Moderate.Duration {
		return fmt.Errorf("severe duration must not be shorter than moderate")
	}
	if e.Permanent.Duration < e.Severe.Duration {
		return fmt.Errorf("permanent duration must not be shorter than severe")
	}
	return nil
}

func validateLedger(l *Ledger) error {
	switch l.Backend {
	case LedgerBackendMemory:
		return nil
	case LedgerBackendFile, LedgerBackendSqlite, LedgerBackendBadger:
		if l.Path == "" {
			return fmt.Errorf("path is required for backend %q", l.Backend)
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", l.Backend)
	}
}

func validateMaintenance(m *Maintenance) error {
	if !m.Activated {
		return nil
	}
	if m.Interval.Duration <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if m.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	return nil
}

func validateNotifier(n *Notifier) error {
	if n.Discord.Activated {
		if !strings.HasPrefix(n.Discord.WebhookURL, "https://") && !strings.HasPrefix(n.Discord.WebhookURL, "http://") {
			return fmt.Errorf("discord webhook_url must be an http(s) url")
		}
	}
	for i, w := range n.Webhook {
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook[%d] has invalid url '%s'", i, w.URL)
		}
	}
	if n.Mail.Activated {
		if n.Mail.Host == "" || n.Mail.Port <= 0 {
			return fmt.Errorf("mail host and port are required")
		}
		if n.Mail.From == "" || len(n.Mail.To) == 0 {
			return fmt.Errorf("mail from and to are required")
		}
	}
	return nil
}

func validateWhitelist(w *Whitelist) error {
	for _, e := range w.Entries {
		if strings.Contains(e, "/") {
			if _, err := netip.ParsePrefix(e); err != nil {
				return fmt.Errorf("invalid CIDR '%s': %w", e, err)
			}
			continue
		}
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("empty whitelist entry")
		}
	}
	return nil
}

func validateRules(rules []Rule) error {
	for i, r := range rules {
		if r.Pattern.Regexp == nil {
			return fmt.Errorf("rule[%d] %q has no pattern", i, r.Name)
		}
		switch r.Target {
		case RuleTargetPath, RuleTargetUserAgent, RuleTargetTrustedAgent:
		default:
			return fmt.Errorf("rule[%d] %q has unknown target %q", i, r.Name, r.Target)
		}
		if r.Weight < 0 {
			return fmt.Errorf("rule[%d] %q has negative weight", i, r.Name)
		}
	}
	return nil
}

func validateLog(l *Log) error {
	switch l.Format {
	case "json", "text":
	default:
		return fmt.Errorf("format must be json or text, got %q", l.Format)
	}
	if l.File.Activated && l.File.Path == "" {
		return fmt.Errorf("file.path is required when file logging is activated")
	}
	return nil
}

func validateAdmin(a *Admin) error {
	if !a.Activated {
		return nil
	}
	if a.Addr == "" {
		return fmt.Errorf("addr is required when admin is activated")
	}
	if len(a.JwtSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes")
	}
	return nil
}
