package prerouter

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const (
	msgAccessDenied  = "Access denied"
	msgBlockedClient = "Your IP has been temporarily blocked due to suspicious activity"
	msgDenied        = "Request blocked due to suspicious activity"
)

var headersJson = map[string]string{
	"Content-Type":           "application/json; charset=utf-8",
	"X-Content-Type-Options": "nosniff",
	"Cache-Control":          "no-store, no-cache, must-revalidate",
	"X-Frame-Options":        "DENY",
}

type deniedBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type blockedBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	BlockedUntil string `json:"blocked_until"`
}

// deniedResponse never changes, so it is encoded once.
var deniedResponse = mustMarshal(deniedBody{Error: msgAccessDenied, Message: msgDenied})

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func writeJson(w http.ResponseWriter, status int, body []byte) {
	setHeaders(w, headersJson)
	w.WriteHeader(status)
	w.Write(body)
}

// writeDenied answers a request whose score just produced a block. The
// reason stays internal.
func writeDenied(w http.ResponseWriter) {
	writeJson(w, http.StatusForbidden, deniedResponse)
}

// writeBlocked answers a client that is already blocked.
func writeBlocked(w http.ResponseWriter, until time.Time) {
	body, err := json.Marshal(blockedBody{
		Error:        msgAccessDenied,
		Message:      msgBlockedClient,
		BlockedUntil: until.UTC().Format(time.RFC3339),
	})
	if err != nil {
		writeDenied(w)
		return
	}
	writeJson(w, http.StatusForbidden, body)
}
