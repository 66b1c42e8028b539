package config

import (
	"log/slog"
	"regexp"
	"time"
)

// NewDefaultConfig creates a new Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: Server{
			Addr:                    ":8080",
			Upstream:                "http://127.0.0.1:3000",
			ShutdownGracefulTimeout: Duration{Duration: 15 * time.Second},
			ReadTimeout:             Duration{Duration: 5 * time.Second},
			ReadHeaderTimeout:       Duration{Duration: 2 * time.Second},
			WriteTimeout:            Duration{Duration: 10 * time.Second},
			IdleTimeout:             Duration{Duration: 1 * time.Minute},
			ClientIpProxyHeader:     "",
		},
		BlockRequestBody: BlockRequestBody{
			Activated: true,
			Limit:     10 << 20,
		},
		Log: Log{
			Level:  LogLevel{Level: slog.LevelInfo},
			Format: "json",
			File: LogFile{
				Activated:  false,
				Path:       "threatguard.log",
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
		Detector: Detector{
			Activated:              true,
			MaxRequestsPerMinute:   60,
			MaxRequestsPerHour:     300,
			MaxSuspiciousPerMinute: 5,
			MinUserAgentLength:     10,
			ActivityRetention:      Duration{Duration: 1 * time.Hour},
			MaxEventsPerClient:     4096,
			TopOffenders: TopK{
				K:          10,
				WindowSize: 10,
				Width:      1024,
				Depth:      3,
				TickSize:   100,
			},
		},
		Escalation: Escalation{
			Light:     Duration{Duration: 15 * time.Minute},
			Moderate:  Duration{Duration: 1 * time.Hour},
			Severe:    Duration{Duration: 24 * time.Hour},
			Permanent: Duration{Duration: 365 * 24 * time.Hour},
		},
		Ledger: Ledger{
			Backend: LedgerBackendFile,
			Path:    "data/blocklist.json",
		},
		Maintenance: Maintenance{
			Activated:   true,
			Interval:    Duration{Duration: 1 * time.Hour},
			IdleTimeout: Duration{Duration: 24 * time.Hour},
		},
		Alert: Alert{
			Activated:   true,
			QueueSize:   256,
			Cooldown:    Duration{Duration: 1 * time.Minute},
			SendTimeout: Duration{Duration: 10 * time.Second},
			Source:      "threatguard",
		},
		Notifier: Notifier{
			Discord: Discord{
				Activated:    false,
				WebhookURL:   "",
				APIRateLimit: Duration{Duration: 2 * time.Second},
				APIBurst:     5,
				SendTimeout:  Duration{Duration: 10 * time.Second},
			},
			Mail: Mail{
				Activated: false,
				Host:      "smtp.gmail.com",
				Port:      587,
			},
		},
		Whitelist: Whitelist{
			Entries: []string{"127.0.0.1", "::1"},
		},
		Rules: DefaultRules(),
		Admin: Admin{
			Activated: false,
			Addr:      "127.0.0.1:8081",
		},
		Metrics: Metrics{
			Activated: true,
			Endpoint:  "/metrics",
		},
	}
}

func pathRule(name, category, pattern string) Rule {
	return Rule{
		Name:     name,
		Target:   RuleTargetPath,
		Category: category,
		Pattern:  Regexp{Regexp: regexp.MustCompile(`(?i)` + pattern)},
		Weight:   2,
	}
}

func agentRule(name, target, pattern string, weight int) Rule {
	return Rule{
		Name:     name,
		Target:   target,
		Category: target,
		Pattern:  Regexp{Regexp: regexp.MustCompile(`(?i)` + pattern)},
		Weight:   weight,
	}
}

// DefaultRules returns the built-in pattern table: scanner paths, scanner
// user agents and trusted monitoring agents. Order matters, the first
// matching path rule names the category.
func DefaultRules() []Rule {
	return []Rule{
		pathRule("wp-setup", "wordpress_setup", `/wp-admin/setup-config\.php`),
		pathRule("wp-config", "wordpress_config", `/wp-config(-sample)?\.php`),
		pathRule("xmlrpc", "wordpress_attack", `/xmlrpc\.php`),
		pathRule("dotenv", "environment_exposure", `/\.env$`),
		pathRule("git", "source_exposure", `/\.(git|svn|hg)(/|$)`),
		pathRule("db-dump", "database_exposure", `/database\.sql`),
		pathRule("backup-archive", "backup_exposure", `/backup\.(zip|tar\.gz|sql)`),
		pathRule("wp-scan", "wordpress_scan", `/(wp-admin|wp-content|wp-includes|wordpress)`),
		pathRule("wp-login", "wordpress_login", `/wp-login\.php`),
		pathRule("phpmyadmin", "admin_panel_scan", `/phpmyadmin`),
		pathRule("admin", "admin_scan", `/admin(istrator)?(/|$|\.)`),
		pathRule("php", "php_scan", `\.php$`),
		pathRule("config", "config_scan", `/config(\.|/|$)`),
		pathRule("backup", "backup_scan", `/backup`),
		pathRule("credentials", "credential_exposure", `/(\.htpasswd|\.aws/|id_rsa|credentials(\.json)?$)`),
		pathRule("traversal", "path_traversal", `(\.\./|\.\.%2f|%2e%2e)`),
		pathRule("sqli-union", "sql_injection", `union.*select`),
		pathRule("sqli-select", "sql_injection", `select.*from`),
		pathRule("sqli-drop", "sql_injection", `drop.*table`),
		pathRule("sqli-insert", "sql_injection", `insert.*into`),
		pathRule("xss-script", "xss_attempt", `(<|%3c)script`),
		pathRule("xss-handler", "xss_attempt", `(javascript:|onerror=|onload=)`),

		agentRule("scanners", RuleTargetUserAgent,
			`(scanner|scraper|masscan|nmap|nikto|sqlmap|burp|nuclei|zgrab|gobuster|dirbuster|wfuzz|ffuf)`, 1),
		agentRule("http-tooling", RuleTargetUserAgent,
			`(curl/|wget/|python-requests|go-http-client|libwww-perl)`, 1),

		agentRule("monitoring", RuleTargetTrustedAgent,
			`(railwayhealthcheck|uptime|monitor|pingdom|newrelic|curl.*cloudflare)`, 0),
	}
}
