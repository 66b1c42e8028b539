package prerouter

import (
	"log/slog"
	"net/http"

	"github.com/caasmo/threatguard/detector"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	verdictMetricName = "threatguard_requests_total"
	verdictMetricHelp = "Requests inspected by the threat guard, labeled by verdict."
	verdictLabel      = "verdict"
)

// Inspector decides on a single request. Implemented by detector.Detector.
type Inspector interface {
	Inspect(clientID, method, path, userAgent string) detector.Verdict
}

// ThreatGuard rejects requests from blocked clients and requests that score
// high enough to be blocked. Everything else goes to the next handler.
type ThreatGuard struct {
	inspector   Inspector
	proxyHeader string
	logger      *slog.Logger
	verdicts    *prometheus.CounterVec
}

// NewThreatGuard registers the verdict counter with reg, or with the default
// registerer when reg is nil. It panics if registration fails.
func NewThreatGuard(inspector Inspector, proxyHeader string, logger *slog.Logger, reg prometheus.Registerer) *ThreatGuard {
	if inspector == nil {
		panic("prerouter: inspector cannot be nil")
	}
	if logger == nil {
		panic("prerouter: logger cannot be nil")
	}

	verdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: verdictMetricName,
			Help: verdictMetricHelp,
		},
		[]string{verdictLabel},
	)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(verdicts); err != nil {
		panic("prerouter: failed to register verdict counter: " + err.Error())
	}
	// expose all series from the start
	for _, a := range []detector.Action{detector.ActionAllow, detector.ActionBlocked, detector.ActionDenied} {
		verdicts.WithLabelValues(a.String())
	}

	return &ThreatGuard{
		inspector:   inspector,
		proxyHeader: proxyHeader,
		logger:      logger.With("component", "threatguard"),
		verdicts:    verdicts,
	}
}

func (g *ThreatGuard) Execute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, g.proxyHeader)
		v := g.inspector.Inspect(ip, r.Method, r.URL.RequestURI(), r.UserAgent())
		g.verdicts.WithLabelValues(v.Action.String()).Inc()

		switch v.Action {
		case detector.ActionBlocked:
			writeBlocked(w, v.BlockedUntil)
		case detector.ActionDenied:
			g.logger.Info("request denied", "ip", ip, "method", r.Method, "path", r.URL.Path, "score", v.Assessment.Score)
			writeDenied(w)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
