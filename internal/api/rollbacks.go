package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/TimurManjosov/gorollout/internal/rollback"
)

// defaultRollbackWait is how long the start handler waits for a plan to
// finish before answering 202. The execution keeps running either way.
const defaultRollbackWait = 2 * time.Second

// rollbackRequest starts a plan. planId selects a specific plan; otherwise
// the component's default plan runs.
type rollbackRequest struct {
	Component string `json:"component,omitempty"`
	PlanID    string `json:"planId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleStartRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Component == "" && req.PlanID == "" {
		BadRequestError(w, r, ErrCodeMissingField, "component or planId is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual rollback via api"
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.rollbackWait)
	defer cancel()
	out, err := s.rollbacks.Run(waitCtx, req.Component, req.PlanID, reason)
	if err != nil {
		if out.ExecutionID == "" {
			// nothing started: no such plan or component
			NotFoundError(w, r, err.Error())
			return
		}
		if waitCtx.Err() != nil {
			writeJSON(w, http.StatusAccepted, out)
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type executionListResponse struct {
	Executions []rollback.Execution `json:"executions"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, executionListResponse{Executions: s.rollbacks.Executions()})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, ok := s.rollbacks.Execution(id)
	if !ok {
		NotFoundError(w, r, fmt.Sprintf("execution %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type planListResponse struct {
	Plans []rollback.Plan `json:"plans"`
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, planListResponse{Plans: s.rollbacks.Plans()})
}
