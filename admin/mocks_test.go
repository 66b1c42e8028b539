package admin

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/caasmo/threatguard/activity"
	"github.com/caasmo/threatguard/classify"
	"github.com/caasmo/threatguard/detector"
	"github.com/caasmo/threatguard/escalation"
	"github.com/caasmo/threatguard/jwt"
	"github.com/caasmo/threatguard/ledger"
	"github.com/caasmo/threatguard/maintenance"
	"github.com/caasmo/threatguard/rules"
	"github.com/caasmo/threatguard/whitelist"
)

var testSecret = []byte("admin_secret_32_bytes_long_xxxxx")

// mockEngine records the calls the handlers make.
type mockEngine struct {
	stats     detector.Stats
	blocked   []detector.BlockedEntry
	activity  map[string]activity.ClientActivity
	blockErr  error
	whitelist []string
	rules     []rules.Rule

	blockCalls   []blockRequest
	unblocked    []string
	unblockFound bool
}

func (m *mockEngine) Stats() detector.Stats { return m.stats }
func (m *mockEngine) Blocked() []detector.BlockedEntry { return m.blocked }
func (m *mockEngine) Rules() []rules.Rule { return m.rules }
func (m *mockEngine) Whitelist() []string { return m.whitelist }

func (m *mockEngine) Activity(clientID string) (activity.ClientActivity, bool) {
	a, ok := m.activity[clientID]
	return a, ok
}

func (m *mockEngine) ManualBlock(clientID, reason string, hours float64) (ledger.BlockRecord, error) {
	m.blockCalls = append(m.blockCalls, blockRequest{Client: clientID, Reason: reason, Hours: hours})
	if m.blockErr != nil {
		return ledger.BlockRecord{}, m.blockErr
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return ledger.BlockRecord{
		ClientID:     clientID,
		Reason:       "Manual block: " + reason,
		BlockedAt:    now,
		ExpiresAt:    now.Add(time.Duration(hours * float64(time.Hour))),
		OffenseCount: 1,
	}, nil
}

func (m *mockEngine) Unblock(clientID string) bool {
	m.unblocked = append(m.unblocked, clientID)
	return m.unblockFound
}

func (m *mockEngine) WhitelistAdd(entry string) error {
	if strings.Contains(entry, "bad") {
		return fmt.Errorf("%w: %q", whitelist.ErrInvalidEntry, entry)
	}
	m.whitelist = append(m.whitelist, entry)
	return nil
}

func (m *mockEngine) WhitelistRemove(entry string) bool {
	for i, e := range m.whitelist {
		if e == entry {
			m.whitelist = append(m.whitelist[:i], m.whitelist[i+1:]...)
			return true
		}
	}
	return false
}

func (m *mockEngine) TestDecision(path, userAgent string) (classify.Assessment, escalation.Decision) {
	if path == "/.env" {
		return classify.Assessment{Score: 3, Reasons: []string{"env"}, PathCategory: "environment_exposure"},
			escalation.Decision{Action: escalation.ActionBlock, Duration: time.Hour}
	}
	return classify.Assessment{}, escalation.Decision{}
}

type mockSweeper struct{ calls int }

func (s *mockSweeper) Sweep() maintenance.Result {
	s.calls++
	return maintenance.Result{ExpiredBlocks: 2, IdleClients: 1}
}

var errStore = errors.New("disk full")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T, e Engine, opts ...Option) *API {
	t.Helper()
	a, err := New(e, testSecret, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func bearer(t *testing.T) string {
	t.Helper()
	token, _, err := jwt.Create("ops", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("jwt.Create() error = %v", err)
	}
	return "Bearer " + token
}

// do sends an authenticated request; body, if not empty, is sent as JSON.
func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", bearer(t))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type decoded struct {
	Status  int             `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) decoded {
	t.Helper()
	var d decoded
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return d
}
