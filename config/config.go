package config

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// Provider holds the current configuration and hands it out to components.
// Get is lock free; Update swaps the pointer atomically.
type Provider struct {
	value atomic.Pointer[Config]
}

// NewProvider creates a Provider. It panics on a nil config.
func NewProvider(initialConfig *Config) *Provider {
	if initialConfig == nil {
		panic("config: initial config cannot be nil")
	}
	p := &Provider{}
	p.value.Store(initialConfig)
	return p
}

// Get returns the current configuration. Callers must treat it as read only.
func (p *Provider) Get() *Config {
	return p.value.Load()
}

// Update replaces the current configuration.
func (p *Provider) Update(newConfig *Config) {
	p.value.Store(newConfig)
}

// Duration wraps time.Duration so it can be written as "15m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogLevel wraps slog.Level for text (un)marshalling.
type LogLevel struct {
	slog.Level
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return fmt.Errorf("empty log level")
	}
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", s)
	}
	return l.Level.UnmarshalText([]byte(s))
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.Level.String()), nil
}

// Regexp wraps a compiled regular expression. An empty string yields a nil Regexp.
type Regexp struct {
	*regexp.Regexp
}

func (r *Regexp) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		r.Regexp = nil
		return nil
	}
	re, err := regexp.Compile(string(text))
	if err != nil {
		return err
	}
	r.Regexp = re
	return nil
}

func (r Regexp) MarshalText() ([]byte, error) {
	if r.Regexp == nil {
		return []byte{}, nil
	}
	return []byte(r.Regexp.String()), nil
}

func (r Regexp) String() string {
	if r.Regexp == nil {
		return ""
	}
	return r.Regexp.String()
}

type Config struct {
	// Source is the file the configuration was loaded from. Not serialised.
	Source string `toml:"-"`

	Server           Server           `toml:"server"`
	BlockRequestBody BlockRequestBody `toml:"block_request_body"`
	Log              Log              `toml:"log"`
	Detector         Detector         `toml:"detector"`
	Escalation       Escalation       `toml:"escalation"`
	Ledger           Ledger           `toml:"ledger"`
	Maintenance      Maintenance      `toml:"maintenance"`
	Alert            Alert            `toml:"alert"`
	Notifier         Notifier         `toml:"notifier"`
	Whitelist        Whitelist        `toml:"whitelist"`
	Rules            []Rule           `toml:"rules"`
	Admin            Admin            `toml:"admin"`
	Metrics          Metrics          `toml:"metrics"`
}

type Server struct {
	Addr                    string   `toml:"addr"`
	Upstream                string   `toml:"upstream"`
	ShutdownGracefulTimeout Duration `toml:"shutdown_graceful_timeout"`
	ReadTimeout             Duration `toml:"read_timeout"`
	ReadHeaderTimeout       Duration `toml:"read_header_timeout"`
	WriteTimeout            Duration `toml:"write_timeout"`
	IdleTimeout             Duration `toml:"idle_timeout"`

	// ClientIpProxyHeader is the header holding the original client address
	// when running behind a reverse proxy, e.g. "X-Forwarded-For". Empty
	// means RemoteAddr is used.
	ClientIpProxyHeader string `toml:"client_ip_proxy_header"`
}

// BaseURL returns the http URL the server listens on. An empty host becomes localhost.
func (s Server) BaseURL() string {
	host, port, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return "http://" + s.Addr
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// BlockRequestBody caps the size of request bodies forwarded upstream.
type BlockRequestBody struct {
	Activated     bool     `toml:"activated"`
	Limit         int64    `toml:"limit"`
	ExcludedPaths []string `toml:"excluded_paths"`
}

type Log struct {
	Level  LogLevel `toml:"level"`
	Format string   `toml:"format"` // "json" or "text"
	File   LogFile  `toml:"file"`
}

// LogFile configures an optional rotating log file next to stderr.
type LogFile struct {
	Activated  bool   `toml:"activated"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type Detector struct {
	Activated              bool     `toml:"activated"`
	MaxRequestsPerMinute   int      `toml:"max_requests_per_minute"`
	MaxRequestsPerHour     int      `toml:"max_requests_per_hour"`
	MaxSuspiciousPerMinute int      `toml:"max_suspicious_per_minute"`
	MinUserAgentLength     int      `toml:"min_user_agent_length"`
	ActivityRetention      Duration `toml:"activity_retention"`
	MaxEventsPerClient     int      `toml:"max_events_per_client"`
	TopOffenders           TopK     `toml:"top_offenders"`
}

// TopK sizes the heavy hitter sketch that tracks the most active suspicious clients.
type TopK struct {
	K          int    `toml:"k"`
	WindowSize int    `toml:"window_size"`
	Width      int    `toml:"width"`
	Depth      int    `toml:"depth"`
	TickSize   uint64 `toml:"tick_size"`
}

type Escalation struct {
	Light     Duration `toml:"light"`
	Moderate  Duration `toml:"moderate"`
	Severe    Duration `toml:"severe"`
	Permanent Duration `toml:"permanent"`
}

const (
	LedgerBackendFile   = "file"
	LedgerBackendSqlite = "sqlite"
	LedgerBackendBadger = "badger"
	LedgerBackendMemory = "memory"
)

type Ledger struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type Maintenance struct {
	Activated   bool     `toml:"activated"`
	Interval    Duration `toml:"interval"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

type Alert struct {
	Activated   bool     `toml:"activated"`
	QueueSize   int      `toml:"queue_size"`
	Cooldown    Duration `toml:"cooldown"`
	SendTimeout Duration `toml:"send_timeout"`
	Source      string   `toml:"source"`
}

type Notifier struct {
	Discord Discord   `toml:"discord"`
	Webhook []Webhook `toml:"webhook"`
	Mail    Mail      `toml:"mail"`
}

type Discord struct {
	Activated    bool     `toml:"activated"`
	WebhookURL   string   `toml:"webhook_url"`
	APIRateLimit Duration `toml:"api_rate_limit"`
	APIBurst     int      `toml:"api_burst"`
	SendTimeout  Duration `toml:"send_timeout"`
}

type Webhook struct {
	Name             string            `toml:"name"`
	URL              string            `toml:"url"`
	Headers          map[string]string `toml:"headers"`
	SendTimeout      Duration          `toml:"send_timeout"`
	FailureThreshold uint32            `toml:"failure_threshold"`
	OpenTimeout      Duration          `toml:"open_timeout"`
}

type Mail struct {
	Activated bool     `toml:"activated"`
	Host      string   `toml:"host"`
	Port      int      `toml:"port"`
	Username  string   `toml:"username"`
	Password  string   `toml:"password"`
	From      string   `toml:"from"`
	To        []string `toml:"to"`
}

type Whitelist struct {
	// Entries are exact client identities or CIDR ranges.
	Entries []string `toml:"entries"`
}

const (
	RuleTargetPath         = "path"
	RuleTargetUserAgent    = "user_agent"
	RuleTargetTrustedAgent = "trusted_agent"
)

// Rule is one entry of the pattern table.
type Rule struct {
	Name     string `toml:"name"`
	Target   string `toml:"target"`
	Category string `toml:"category"`
	Pattern  Regexp `toml:"pattern"`
	Weight   int    `toml:"weight"`
}

type Admin struct {
	Activated bool   `toml:"activated"`
	Addr      string `toml:"addr"`
	JwtSecret string `toml:"jwt_secret"`
}

type Metrics struct {
	Activated bool   `toml:"activated"`
	Endpoint  string `toml:"endpoint"`
}
