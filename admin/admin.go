// Package admin exposes the detector's administrative operations over an
// authenticated JSON API.
package admin

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caasmo/threatguard/activity"
	"github.com/caasmo/threatguard/classify"
	"github.com/caasmo/threatguard/detector"
	"github.com/caasmo/threatguard/escalation"
	"github.com/caasmo/threatguard/jwt"
	"github.com/caasmo/threatguard/ledger"
	"github.com/caasmo/threatguard/maintenance"
	"github.com/caasmo/threatguard/rules"
)

// Engine is the part of the detector the API drives.
type Engine interface {
	Stats() detector.Stats
	Blocked() []detector.BlockedEntry
	Activity(clientID string) (activity.ClientActivity, bool)
	ManualBlock(clientID, reason string, hours float64) (ledger.BlockRecord, error)
	Unblock(clientID string) bool
	WhitelistAdd(entry string) error
	WhitelistRemove(entry string) bool
	Whitelist() []string
	TestDecision(path, userAgent string) (classify.Assessment, escalation.Decision)
	Rules() []rules.Rule
}

// Sweeper runs one maintenance pass on demand.
type Sweeper interface {
	Sweep() maintenance.Result
}

type API struct {
	engine  Engine
	sweeper Sweeper
	secret  []byte
	logger  *slog.Logger
	router  *httprouter.Router

	metricsPath string
	gatherer    prometheus.Gatherer
}

type Option func(*API)

// WithSweeper enables POST /api/threat/sweep.
func WithSweeper(s Sweeper) Option {
	return func(a *API) { a.sweeper = s }
}

// WithMetrics serves the gatherer's metrics at path.
func WithMetrics(path string, g prometheus.Gatherer) Option {
	return func(a *API) {
		a.metricsPath = path
		a.gatherer = g
	}
}

// New builds the API. The secret must be at least jwt.MinSecretLength bytes.
func New(engine Engine, secret []byte, logger *slog.Logger, opts ...Option) (*API, error) {
	if engine == nil {
		panic("admin: engine cannot be nil")
	}
	if logger == nil {
		panic("admin: logger cannot be nil")
	}
	if len(secret) < jwt.MinSecretLength {
		return nil, fmt.Errorf("admin: %w", jwt.ErrInvalidSecretLength)
	}

	a := &API{
		engine: engine,
		secret: secret,
		logger: logger.With("component", "admin"),
		router: httprouter.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.handle(http.MethodGet, "/api/threat/stats", a.StatsHandler)
	a.handle(http.MethodGet, "/api/threat/blocked", a.BlockedHandler)
	a.handle(http.MethodGet, "/api/threat/activity/:client", a.ActivityHandler)
	a.handle(http.MethodGet, "/api/threat/whitelist", a.WhitelistListHandler)
	a.handle(http.MethodGet, "/api/threat/rules", a.RulesHandler)
	a.handle(http.MethodPost, "/api/threat/block", a.BlockHandler)
	a.handle(http.MethodPost, "/api/threat/unblock", a.UnblockHandler)
	a.handle(http.MethodPost, "/api/threat/whitelist", a.WhitelistHandler)
	a.handle(http.MethodPost, "/api/threat/test-score", a.TestScoreHandler)
	a.handle(http.MethodPost, "/api/threat/sweep", a.SweepHandler)

	if a.gatherer != nil && a.metricsPath != "" {
		a.router.Handler(http.MethodGet, a.metricsPath,
			a.JwtValidate(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	}

	a.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJsonError(w, errorNotFound)
	})
}

func (a *API) handle(method, path string, h http.HandlerFunc) {
	a.router.Handler(method, path, a.JwtValidate(h))
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
