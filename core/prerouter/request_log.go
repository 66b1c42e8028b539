package prerouter

import (
	"log/slog"
	"net/http"
	"strings"
)

// cutStr limits string length by adding ellipsis if needed
func cutStr(str string, max int) string {
	if len(str) > max {
		return str[:max] + "..."
	}
	return str
}

const (
	maxURL       = 512
	maxUserAgent = 256
	maxReferer   = 512
	maxRemoteIP  = 64
)

var logType = slog.String("type", "request")

// RequestLog logs one line per request once the response is written. It
// must run inside Recorder.
type RequestLog struct {
	logger      *slog.Logger
	proxyHeader string
}

func NewRequestLog(logger *slog.Logger, proxyHeader string) *RequestLog {
	return &RequestLog{
		logger:      logger,
		proxyHeader: proxyHeader,
	}
}

func (rl *RequestLog) Execute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec, ok := w.(*ResponseRecorder)
		if !ok {
			rec = &ResponseRecorder{ResponseWriter: w, Status: http.StatusOK}
		}

		next.ServeHTTP(rec, req)

		attrs := make([]any, 0, 10)
		attrs = append(attrs, logType)
		attrs = append(attrs, slog.String("method", strings.ToUpper(req.Method)))
		attrs = append(attrs, slog.String("url", cutStr(req.URL.String(), maxURL)))
		attrs = append(attrs, slog.Int("status", rec.Status))
		attrs = append(attrs, slog.Int64("bytes", rec.BytesWritten))
		if !rec.StartTime.IsZero() {
			attrs = append(attrs, slog.String("duration", rec.Duration().String()))
		}
		attrs = append(attrs, slog.String("remote_ip", cutStr(ClientIP(req, rl.proxyHeader), maxRemoteIP)))
		attrs = append(attrs, slog.String("user_agent", cutStr(req.UserAgent(), maxUserAgent)))
		attrs = append(attrs, slog.String("referer", cutStr(req.Referer(), maxReferer)))

		rl.logger.Info("http_request", attrs...)
	})
}
