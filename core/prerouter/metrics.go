package prerouter

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusMetricName = "threatguard_http_responses_total"
	statusMetricHelp = "Responses sent by the guarded server, labeled by status code."
)

// Metrics counts responses by status code. It reads the status from the
// ResponseRecorder installed by Recorder.
type Metrics struct {
	logger        *slog.Logger
	requestsTotal *prometheus.CounterVec
}

// NewMetrics registers the counter with reg, or with the default registerer
// when reg is nil. It panics if registration fails.
func NewMetrics(logger *slog.Logger, reg prometheus.Registerer) *Metrics {
	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: statusMetricName,
			Help: statusMetricHelp,
		},
		[]string{"code"},
	)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(counterVec); err != nil {
		panic("metrics: failed to register responses counter vec: " + err.Error())
	}
	return &Metrics{
		logger:        logger,
		requestsTotal: counterVec,
	}
}

func (m *Metrics) Execute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*ResponseRecorder)
		if !ok {
			m.logger.Error("metrics middleware: expected ResponseRecorder", "got", w)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(rec, r)
		m.requestsTotal.WithLabelValues(strconv.Itoa(rec.Status)).Inc()
	})
}
