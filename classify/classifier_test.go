package classify

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/caasmo/threatguard/activity"
	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/rules"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64; rv:118.0) Gecko/20100101 Firefox/118.0"

func newTestClassifier() *Classifier {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rules.MustNew(config.DefaultRules()), Options{
		MaxRequestsPerMinute:   60,
		MaxRequestsPerHour:     300,
		MaxSuspiciousPerMinute: 5,
		MinUserAgentLength:     10,
	}, logger)
}

// stubWindow answers WindowCount from fixed numbers.
type stubWindow struct {
	minute, hour, suspicious int
}

func (s stubWindow) WindowCount(_ string, d time.Duration, pred func(activity.RequestEvent) bool) int {
	if pred != nil {
		return s.suspicious
	}
	if d == time.Hour {
		return s.hour
	}
	return s.minute
}

type panicWindow struct{}

func (panicWindow) WindowCount(string, time.Duration, func(activity.RequestEvent) bool) int {
	panic("window exploded")
}

func TestClassifier_Score(t *testing.T) {
	c := newTestClassifier()

	testCases := []struct {
		name         string
		path         string
		ua           string
		window       Window
		wantScore    int
		wantCategory string
		wantUAMatch  bool
	}{
		{
			name:         "wordpress setup with curl",
			path:         "/wp-admin/setup-config.php",
			ua:           "curl/7.68.0",
			window:       stubWindow{minute: 1, hour: 1},
			wantScore:    3,
			wantCategory: "wordpress_setup",
			wantUAMatch:  true,
		},
		{
			name:      "plain browser request",
			path:      "/",
			ua:        browserUA,
			window:    stubWindow{minute: 1, hour: 1},
			wantScore: 0,
		},
		{
			name:      "minute rate exceeded",
			path:      "/",
			ua:        browserUA,
			window:    stubWindow{minute: 61, hour: 61},
			wantScore: 2,
		},
		{
			name:      "minute rate at ceiling",
			path:      "/",
			ua:        browserUA,
			window:    stubWindow{minute: 60, hour: 60},
			wantScore: 0,
		},
		{
			name:      "hour rate exceeded",
			path:      "/",
			ua:        browserUA,
			window:    stubWindow{minute: 10, hour: 301},
			wantScore: 1,
		},
		{
			name:         "suspicious burst",
			path:         "/.env",
			ua:           browserUA,
			window:       stubWindow{minute: 6, hour: 6, suspicious: 6},
			wantScore:    5,
			wantCategory: "environment_exposure",
		},
		{
			name:      "missing user agent",
			path:      "/",
			ua:        "",
			window:    stubWindow{},
			wantScore: 1,
		},
		{
			name:        "short scanner user agent",
			path:        "/",
			ua:          "sqlmap/1",
			window:      stubWindow{},
			wantScore:   2,
			wantUAMatch: true,
		},
		{
			name:         "trusted monitor still scored on path and rates",
			path:         "/wp-login.php",
			ua:           "UptimeRobot/2.0; http://www.uptimerobot.com/",
			window:       stubWindow{minute: 500, hour: 500, suspicious: 500},
			wantScore:    8,
			wantCategory: "wordpress_login",
		},
		{
			name:      "trusted agent cancels short user agent",
			path:      "/",
			ua:        "monitor",
			window:    stubWindow{},
			wantScore: 0,
		},
		{
			name:         "scanner named like a monitor keeps the path weight",
			path:         "/.env",
			ua:           "sqlmap-monitor/1.7",
			window:       nil,
			wantScore:    2,
			wantCategory: "environment_exposure",
		},
		{
			name:         "nil window ignores rates",
			path:         "/phpmyadmin/",
			ua:           browserUA,
			window:       nil,
			wantScore:    2,
			wantCategory: "admin_panel_scan",
		},
		{
			name:         "panicking window fails open",
			path:         "/.git/HEAD",
			ua:           browserUA,
			window:       panicWindow{},
			wantScore:    2,
			wantCategory: "source_exposure",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := c.Score("1.2.3.4", tc.path, tc.ua, "GET", tc.window)
			if a.Score != tc.wantScore {
				t.Errorf("Score = %d, want %d (reasons %v)", a.Score, tc.wantScore, a.Reasons)
			}
			if a.PathCategory != tc.wantCategory {
				t.Errorf("PathCategory = %q, want %q", a.PathCategory, tc.wantCategory)
			}
			if a.UserAgentMatched != tc.wantUAMatch {
				t.Errorf("UserAgentMatched = %v, want %v", a.UserAgentMatched, tc.wantUAMatch)
			}
			if a.Score > 0 && len(a.Reasons) == 0 {
				t.Errorf("positive score without reasons")
			}
		})
	}
}

func TestClassifier_PathTierCountsOnce(t *testing.T) {
	c := newTestClassifier()
	// matches wp-scan, php and several sql patterns; only the first counts
	a := c.Score("1.1.1.1", "/wordpress/x.php?q=union select * from users", browserUA, "GET", nil)
	if a.Score != 2 {
		t.Errorf("Score = %d, want 2 (reasons %v)", a.Score, a.Reasons)
	}
}

func TestClassifier_TrustedReason(t *testing.T) {
	c := newTestClassifier()
	a := c.Score("1.1.1.1", "/", "RailwayHealthCheck/1.0", "GET", nil)
	if !a.Trusted || len(a.Reasons) != 1 || a.Reasons[0] != "trusted user agent" {
		t.Errorf("Assessment = %+v, want trusted", a)
	}
}

func TestClassifier_RateReasons(t *testing.T) {
	c := newTestClassifier()
	a := c.Score("1.1.1.1", "/", browserUA, "GET", stubWindow{minute: 61, hour: 301, suspicious: 6})
	if a.Score != 6 {
		t.Fatalf("Score = %d, want 6", a.Score)
	}
	joined := strings.Join(a.Reasons, "; ")
	for _, want := range []string{"61 requests in last minute", "301 requests in last hour", "6 in last minute"} {
		if !strings.Contains(joined, want) {
			t.Errorf("reasons %q missing %q", joined, want)
		}
	}
}

func TestClassifier_MatchWithTracker(t *testing.T) {
	c := newTestClassifier()
	tr := activity.NewTracker(activity.Options{})

	for i := 0; i < 6; i++ {
		m := c.Match("/.env", browserUA)
		tr.Record("6.6.6.6", activity.RequestEvent{Path: "/.env", Suspicious: m.Suspicious()})
	}
	a := c.Assess("6.6.6.6", browserUA, c.Match("/.env", browserUA), tr)
	// path +2, six suspicious in a minute +3
	if a.Score != 5 {
		t.Errorf("Score = %d, want 5 (reasons %v)", a.Score, a.Reasons)
	}
}
