// Package proxy forwards allowed requests to the protected upstream.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/goccy/go-json"
)

var ErrInvalidUpstream = errors.New("proxy: invalid upstream url")

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	badGatewayBody, _ = json.Marshal(errorBody{Error: "Bad gateway", Message: "Upstream is unavailable"})
	noUpstreamBody, _ = json.Marshal(errorBody{Error: "Bad gateway", Message: "No upstream configured"})
)

// Proxy is the innermost handler of the inbound chain.
type Proxy struct {
	target *url.URL
	rp     *httputil.ReverseProxy
	logger *slog.Logger
}

// New creates a proxy to upstream. An empty upstream yields a proxy that
// answers every request with 502.
func New(upstream string, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		panic("proxy: logger cannot be nil")
	}
	px := &Proxy{logger: logger.With("component", "proxy")}
	if upstream == "" {
		px.logger.Warn("no upstream configured, allowed requests get 502")
		return px, nil
	}

	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUpstream, upstream)
	}
	px.target = target
	px.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: px.handleError,
	}
	return px, nil
}

func (px *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	px.logger.Error("upstream request failed", "upstream", px.target.Host, "url", r.URL.RequestURI(), "err", err)
	writeBadGateway(w, badGatewayBody)
}

func writeBadGateway(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	w.Write(body)
}

func (px *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if px.rp == nil {
		writeBadGateway(w, noUpstreamBody)
		return
	}
	px.rp.ServeHTTP(w, r)
}
