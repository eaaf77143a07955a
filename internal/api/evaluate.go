package api

import (
	"net/http"

	"github.com/TimurManjosov/gorollout/internal/engine"
)

// evaluateRequest asks for a decision on one flag (flagKey set) or a batch
// (keys set, empty meaning every flag). The context carries the subject the
// decision is for; an empty context evaluates as an anonymous subject.
type evaluateRequest struct {
	FlagKey string                    `json:"flagKey,omitempty"`
	Keys    []string                  `json:"keys,omitempty"`
	Context *engine.EvaluationContext `json:"context"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ec := req.Context
	if ec == nil {
		ec = &engine.EvaluationContext{}
	}

	if req.FlagKey != "" {
		res := s.eval.Evaluate(r.Context(), req.FlagKey, ec)
		writeJSON(w, http.StatusOK, res)
		return
	}

	resp := s.eval.EvaluateAll(r.Context(), ec, req.Keys)
	w.Header().Set("ETag", resp.ETag)
	writeJSON(w, http.StatusOK, resp)
}
