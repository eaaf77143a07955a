package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/store"
)

// maxRequestBody caps request bodies to prevent memory exhaustion.
const maxRequestBody = 1 << 20 // 1 MB

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":   http.StatusText(code),
		"message": msg,
	})
}

// decodeJSON reads a size-limited JSON body into dst. On failure it writes
// the error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			RequestTooLargeError(w, r, "request body too large")
			return false
		}
		BadRequestError(w, r, ErrCodeInvalidJSON, "invalid JSON body")
		return false
	}
	return true
}

// actorFrom names the audit actor for an admin request. Callers may identify
// themselves with the X-Actor header; otherwise the shared key is the actor.
func actorFrom(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-Actor")); name != "" {
		return audit.APIActor(name)
	}
	return audit.APIActor("admin")
}

// flagFields flattens a flag for audit details and change tracking.
func flagFields(f store.FeatureFlag) map[string]any {
	return map[string]any{
		"description":       f.Description,
		"enabled":           f.Enabled,
		"rolloutPercentage": f.Rollout,
		"conditions":        len(f.Conditions),
		"owner":             f.Owner,
		"riskLevel":         f.RiskLevel,
	}
}

// record logs an audit event when an audit service is wired.
func (s *Server) record(e audit.Event) {
	if s.auditor != nil {
		s.auditor.Log(e)
	}
}

// announce routes a notification when a router is wired.
func (s *Server) announce(n notify.Notification) {
	if s.notifier != nil {
		s.notifier.Notify(n)
	}
}
