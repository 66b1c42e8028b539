package admin

import (
	"net/http"

	"github.com/goccy/go-json"
)

const (
	CodeOkStats       = "ok_stats"
	CodeOkBlocked     = "ok_blocked"
	CodeOkActivity    = "ok_activity"
	CodeOkBlock       = "ok_block"
	CodeOkUnblock     = "ok_unblock"
	CodeOkWhitelist   = "ok_whitelist"
	CodeOkTestScore   = "ok_test_score"
	CodeOkRules       = "ok_rules"
	CodeOkSweep       = "ok_sweep"
	CodeOkNotBlocked  = "ok_not_blocked"
	CodeOkNotListed   = "ok_not_listed"
	CodeErrorNotFound = "err_not_found"

	CodeErrorInvalidRequest       = "err_invalid_input"
	CodeErrorMissingFields        = "err_missing_fields"
	CodeErrorInvalidContentType   = "err_invalid_content_type"
	CodeErrorNoAuthHeader         = "err_no_auth_header"
	CodeErrorInvalidTokenFormat   = "err_invalid_token_format"
	CodeErrorJwtInvalidSignMethod = "err_invalid_sign_method"
	CodeErrorJwtTokenExpired      = "err_token_expired"
	CodeErrorJwtInvalidToken      = "err_invalid_token"
	CodeErrorBlockFailed          = "err_block_failed"
	CodeErrorInvalidDuration      = "err_invalid_duration"
	CodeErrorInvalidEntry         = "err_invalid_entry"
	CodeErrorSweepUnavailable     = "err_sweep_unavailable"
)

var headersJson = map[string]string{
	"Content-Type":           "application/json; charset=utf-8",
	"X-Content-Type-Options": "nosniff",
	"Cache-Control":          "no-store, no-cache, must-revalidate",
	"X-Frame-Options":        "DENY",
}

// JsonBasic contains the fields every response carries.
type JsonBasic struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JsonWithData adds a payload to JsonBasic.
type JsonWithData struct {
	JsonBasic
	Data any `json:"data,omitempty"`
}

type jsonResponse struct {
	status int
	body   []byte
}

// precomputeBasicResponse encodes a fixed response once at init time.
func precomputeBasicResponse(status int, code, message string) jsonResponse {
	body, err := json.Marshal(JsonBasic{Status: status, Code: code, Message: message})
	if err != nil {
		panic(err)
	}
	return jsonResponse{status: status, body: body}
}

var (
	errorNoAuthHeader         = precomputeBasicResponse(http.StatusUnauthorized, CodeErrorNoAuthHeader, "Authorization header is required")
	errorInvalidTokenFormat   = precomputeBasicResponse(http.StatusUnauthorized, CodeErrorInvalidTokenFormat, "Invalid authorization format")
	errorJwtTokenExpired      = precomputeBasicResponse(http.StatusUnauthorized, CodeErrorJwtTokenExpired, "Token expired")
	errorJwtInvalidSignMethod = precomputeBasicResponse(http.StatusUnauthorized, CodeErrorJwtInvalidSignMethod, "Unexpected signing method")
	errorJwtInvalidToken      = precomputeBasicResponse(http.StatusUnauthorized, CodeErrorJwtInvalidToken, "Invalid token")
	errorInvalidRequest       = precomputeBasicResponse(http.StatusBadRequest, CodeErrorInvalidRequest, "The request cannot be processed")
	errorMissingFields        = precomputeBasicResponse(http.StatusBadRequest, CodeErrorMissingFields, "Required fields are missing")
	errorInvalidContentType   = precomputeBasicResponse(http.StatusUnsupportedMediaType, CodeErrorInvalidContentType, "Content-Type must be application/json")
	errorInvalidDuration      = precomputeBasicResponse(http.StatusBadRequest, CodeErrorInvalidDuration, "Block duration must be positive")
	errorNotFound             = precomputeBasicResponse(http.StatusNotFound, CodeErrorNotFound, "Resource not found")
	errorSweepUnavailable     = precomputeBasicResponse(http.StatusServiceUnavailable, CodeErrorSweepUnavailable, "Maintenance is not running")
	okNotBlocked              = precomputeBasicResponse(http.StatusOK, CodeOkNotBlocked, "Client was not blocked")
	okNotListed               = precomputeBasicResponse(http.StatusOK, CodeOkNotListed, "Entry was not whitelisted")
)

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func writeJsonError(w http.ResponseWriter, resp jsonResponse) {
	setHeaders(w, headersJson)
	w.WriteHeader(resp.status)
	w.Write(resp.body)
}

// writeJsonOk writes a precomputed success response; same path as errors.
func writeJsonOk(w http.ResponseWriter, resp jsonResponse) {
	writeJsonError(w, resp)
}

func writeJsonWithData(w http.ResponseWriter, resp JsonWithData) {
	body, err := json.Marshal(resp)
	if err != nil {
		writeJsonError(w, errorInvalidRequest)
		return
	}
	setHeaders(w, headersJson)
	w.WriteHeader(resp.Status)
	w.Write(body)
}

func okWithData(code, message string, data any) JsonWithData {
	return JsonWithData{
		JsonBasic: JsonBasic{Status: http.StatusOK, Code: code, Message: message},
		Data:      data,
	}
}

func errorWithMessage(status int, code, message string) JsonWithData {
	return JsonWithData{JsonBasic: JsonBasic{Status: status, Code: code, Message: message}}
}
