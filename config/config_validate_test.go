package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(NewDefaultConfig()); err != nil {
		t.Fatalf("default config should be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty server addr",
			mutate:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "server config validation failed",
		},
		{
			name:    "server addr without port",
			mutate:  func(c *Config) { c.Server.Addr = "localhost" },
			wantErr: "invalid server address format",
		},
		{
			name:    "bad upstream",
			mutate:  func(c *Config) { c.Server.Upstream = "not a url" },
			wantErr: "invalid upstream url",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log config validation failed",
		},
		{
			name: "log file without path",
			mutate: func(c *Config) {
				c.Log.File.Activated = true
				c.Log.File.Path = ""
			},
			wantErr: "file.path is required",
		},
		{
			name:    "hour ceiling below minute ceiling",
			mutate:  func(c *Config) { c.Detector.MaxRequestsPerHour = 10 },
			wantErr: "max_requests_per_hour",
		},
		{
			name:    "event cap too small for hour ceiling",
			mutate:  func(c *Config) { c.Detector.MaxEventsPerClient = 100 },
			wantErr: "max_events_per_client",
		},
		{
			name:    "retention shorter than a minute",
			mutate:  func(c *Config) { c.Detector.ActivityRetention = Duration{30 * time.Second} },
			wantErr: "activity_retention",
		},
		{
			name:    "moderate shorter than light",
			mutate:  func(c *Config) { c.Escalation.Moderate = Duration{time.Minute} },
			wantErr: "moderate duration",
		},
		{
			name:    "unknown ledger backend",
			mutate:  func(c *Config) { c.Ledger.Backend = "redis" },
			wantErr: "unknown backend",
		},
		{
			name:    "file backend without path",
			mutate:  func(c *Config) { c.Ledger.Path = "" },
			wantErr: "path is required",
		},
		{
			name:   "memory backend without path",
			mutate: func(c *Config) { c.Ledger.Backend = LedgerBackendMemory; c.Ledger.Path = "" },
		},
		{
			name: "discord without url",
			mutate: func(c *Config) {
				c.Notifier.Discord.Activated = true
				c.Notifier.Discord.WebhookURL = ""
			},
			wantErr: "discord webhook_url",
		},
		{
			name: "webhook bad url",
			mutate: func(c *Config) {
				c.Notifier.Webhook = []Webhook{{Name: "ops", URL: "://nope"}}
			},
			wantErr: "webhook[0]",
		},
		{
			name: "mail without recipients",
			mutate: func(c *Config) {
				c.Notifier.Mail.Activated = true
				c.Notifier.Mail.From = "guard@example.com"
			},
			wantErr: "mail from and to",
		},
		{
			name:    "bad whitelist cidr",
			mutate:  func(c *Config) { c.Whitelist.Entries = []string{"10.0.0.0/33"} },
			wantErr: "invalid CIDR",
		},
		{
			name:    "rule without pattern",
			mutate:  func(c *Config) { c.Rules = append(c.Rules, Rule{Name: "empty", Target: RuleTargetPath}) },
			wantErr: "has no pattern",
		},
		{
			name: "rule with unknown target",
			mutate: func(c *Config) {
				r := c.Rules[0]
				r.Target = "cookie"
				c.Rules = append(c.Rules, r)
			},
			wantErr: "unknown target",
		},
		{
			name: "admin short secret",
			mutate: func(c *Config) {
				c.Admin.Activated = true
				c.Admin.JwtSecret = "short"
			},
			wantErr: "jwt_secret",
		},
		{
			name: "admin valid secret",
			mutate: func(c *Config) {
				c.Admin.Activated = true
				c.Admin.JwtSecret = strings.Repeat("k", 32)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}
