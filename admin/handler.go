package admin

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"

	"github.com/caasmo/threatguard/classify"
	"github.com/caasmo/threatguard/detector"
	"github.com/caasmo/threatguard/escalation"
	"github.com/caasmo/threatguard/whitelist"
)

const maxBodyBytes = 1 << 16

const (
	whitelistAdd    = "add"
	whitelistRemove = "remove"
)

type blockRequest struct {
	Client string  `json:"client"`
	Reason string  `json:"reason"`
	Hours  float64 `json:"hours"`
}

type clientRequest struct {
	Client string `json:"client"`
}

type whitelistRequest struct {
	Entry  string `json:"entry"`
	Action string `json:"action"`
}

type testScoreRequest struct {
	Path      string `json:"path"`
	UserAgent string `json:"user_agent"`
}

type testScoreResult struct {
	Assessment classify.Assessment `json:"assessment"`
	Decision   escalation.Decision `json:"decision"`
}

type ruleView struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	Category string `json:"category,omitempty"`
	Pattern  string `json:"pattern"`
	Weight   int    `json:"weight"`
}

// decodeJson checks the content type and decodes a bounded body into v.
func decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeJsonError(w, errorInvalidContentType)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJsonError(w, errorInvalidRequest)
		return false
	}
	return true
}

// StatsHandler returns counts, top reasons and recent clients.
// Endpoint: GET /api/threat/stats
func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJsonWithData(w, okWithData(CodeOkStats, "Threat statistics", a.engine.Stats()))
}

// BlockedHandler lists active blocks with their remaining time.
// Endpoint: GET /api/threat/blocked
func (a *API) BlockedHandler(w http.ResponseWriter, r *http.Request) {
	blocked := a.engine.Blocked()
	if blocked == nil {
		blocked = []detector.BlockedEntry{}
	}
	writeJsonWithData(w, okWithData(CodeOkBlocked, "Blocked clients", blocked))
}

// ActivityHandler returns the recorded requests of one client.
// Endpoint: GET /api/threat/activity/:client
func (a *API) ActivityHandler(w http.ResponseWriter, r *http.Request) {
	client := httprouter.ParamsFromContext(r.Context()).ByName("client")
	if client == "" {
		writeJsonError(w, errorMissingFields)
		return
	}
	act, ok := a.engine.Activity(client)
	if !ok {
		writeJsonError(w, errorNotFound)
		return
	}
	writeJsonWithData(w, okWithData(CodeOkActivity, "Client activity", act))
}

// WhitelistListHandler returns the whitelist entries.
// Endpoint: GET /api/threat/whitelist
func (a *API) WhitelistListHandler(w http.ResponseWriter, r *http.Request) {
	writeJsonWithData(w, okWithData(CodeOkWhitelist, "Whitelist entries", a.engine.Whitelist()))
}

// RulesHandler returns the loaded rule table.
// Endpoint: GET /api/threat/rules
func (a *API) RulesHandler(w http.ResponseWriter, r *http.Request) {
	loaded := a.engine.Rules()
	views := make([]ruleView, 0, len(loaded))
	for _, rule := range loaded {
		v := ruleView{Name: rule.Name, Target: string(rule.Target), Category: rule.Category, Weight: rule.Weight}
		if rule.Pattern != nil {
			v.Pattern = rule.Pattern.String()
		}
		views = append(views, v)
	}
	writeJsonWithData(w, okWithData(CodeOkRules, "Loaded rules", views))
}

// BlockHandler blocks a client by hand.
// Endpoint: POST /api/threat/block
// Body: {"client": "...", "reason": "...", "hours": 2}
func (a *API) BlockHandler(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if !decodeJson(w, r, &req) {
		return
	}
	req.Client = strings.TrimSpace(req.Client)
	if req.Client == "" {
		writeJsonError(w, errorMissingFields)
		return
	}

	rec, err := a.engine.ManualBlock(req.Client, req.Reason, req.Hours)
	if err != nil {
		if errors.Is(err, detector.ErrInvalidDuration) {
			writeJsonError(w, errorInvalidDuration)
			return
		}
		a.logger.Error("manual block failed", "client", req.Client, "error", err)
		writeJsonWithData(w, errorWithMessage(http.StatusInternalServerError, CodeErrorBlockFailed, "Block could not be recorded"))
		return
	}

	a.logger.Info("manual block", "client", req.Client, "operator", Operator(r.Context()), "expires_at", rec.ExpiresAt)
	writeJsonWithData(w, okWithData(CodeOkBlock, "Client blocked", rec))
}

// UnblockHandler removes a client's block.
// Endpoint: POST /api/threat/unblock
// Body: {"client": "..."}
func (a *API) UnblockHandler(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if !decodeJson(w, r, &req) {
		return
	}
	req.Client = strings.TrimSpace(req.Client)
	if req.Client == "" {
		writeJsonError(w, errorMissingFields)
		return
	}

	if !a.engine.Unblock(req.Client) {
		writeJsonOk(w, okNotBlocked)
		return
	}
	a.logger.Info("manual unblock", "client", req.Client, "operator", Operator(r.Context()))
	writeJsonWithData(w, okWithData(CodeOkUnblock, "Client unblocked", req))
}

// WhitelistHandler adds or removes a whitelist entry.
// Endpoint: POST /api/threat/whitelist
// Body: {"entry": "10.0.0.0/8", "action": "add" | "remove"}
func (a *API) WhitelistHandler(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if !decodeJson(w, r, &req) {
		return
	}
	req.Entry = strings.TrimSpace(req.Entry)
	if req.Entry == "" {
		writeJsonError(w, errorMissingFields)
		return
	}
	if req.Action == "" {
		req.Action = whitelistAdd
	}

	switch req.Action {
	case whitelistAdd:
		if err := a.engine.WhitelistAdd(req.Entry); err != nil {
			if errors.Is(err, whitelist.ErrInvalidEntry) {
				writeJsonWithData(w, errorWithMessage(http.StatusBadRequest, CodeErrorInvalidEntry, err.Error()))
				return
			}
			writeJsonError(w, errorInvalidRequest)
			return
		}
	case whitelistRemove:
		if !a.engine.WhitelistRemove(req.Entry) {
			writeJsonOk(w, okNotListed)
			return
		}
	default:
		writeJsonError(w, errorInvalidRequest)
		return
	}

	a.logger.Info("whitelist changed", "entry", req.Entry, "action", req.Action, "operator", Operator(r.Context()))
	writeJsonWithData(w, okWithData(CodeOkWhitelist, "Whitelist updated", req))
}

// TestScoreHandler scores a hypothetical request without touching state.
// Endpoint: POST /api/threat/test-score
// Body: {"path": "/.env", "user_agent": "sqlmap/1.7"}
func (a *API) TestScoreHandler(w http.ResponseWriter, r *http.Request) {
	var req testScoreRequest
	if !decodeJson(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJsonError(w, errorMissingFields)
		return
	}
	assessment, decision := a.engine.TestDecision(req.Path, req.UserAgent)
	writeJsonWithData(w, okWithData(CodeOkTestScore, "Score computed", testScoreResult{Assessment: assessment, Decision: decision}))
}

// SweepHandler runs a maintenance pass now.
// Endpoint: POST /api/threat/sweep
func (a *API) SweepHandler(w http.ResponseWriter, r *http.Request) {
	if a.sweeper == nil {
		writeJsonError(w, errorSweepUnavailable)
		return
	}
	res := a.sweeper.Sweep()
	writeJsonWithData(w, okWithData(CodeOkSweep, "Maintenance pass completed", res))
}
