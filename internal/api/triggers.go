package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

// triggerRequest is the wire form of a trigger definition. Durations travel
// as strings ("5m", "30s") and enabled defaults to true when omitted.
type triggerRequest struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Metric      string      `json:"metric"`
	Aggregation string      `json:"aggregation"`
	Window      string      `json:"window"`
	Operator    string      `json:"operator"`
	Threshold   float64     `json:"threshold"`
	Action      action.Spec `json:"action"`
	Cooldown    string      `json:"cooldown,omitempty"`
	MaxFires    int         `json:"maxFires,omitempty"`
	Enabled     *bool       `json:"enabled,omitempty"`
}

func (req triggerRequest) compile() (trigger.Trigger, error) {
	window, err := parseDuration("window", req.Window)
	if err != nil {
		return trigger.Trigger{}, err
	}
	cooldown, err := parseDuration("cooldown", req.Cooldown)
	if err != nil {
		return trigger.Trigger{}, err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return trigger.Trigger{
		ID:          req.ID,
		Description: req.Description,
		Metric:      req.Metric,
		Aggregation: metrics.Aggregation(req.Aggregation),
		Window:      window,
		Operator:    trigger.Comparison(req.Operator),
		Threshold:   req.Threshold,
		Action:      req.Action,
		Cooldown:    cooldown,
		MaxFires:    req.MaxFires,
		Enabled:     enabled,
	}, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

type triggerListResponse struct {
	Triggers []trigger.Status `json:"triggers"`
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, triggerListResponse{Triggers: s.triggers.Statuses()})
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	def, err := req.compile()
	if err != nil {
		BadRequestError(w, r, ErrCodeInvalidTrigger, err.Error())
		return
	}

	if err := s.triggers.Register(def); err != nil {
		if errors.Is(err, trigger.ErrTriggerExists) {
			ConflictError(w, r, fmt.Sprintf("trigger %q already exists", def.ID))
			return
		}
		BadRequestError(w, r, ErrCodeInvalidTrigger, err.Error())
		return
	}

	s.record(audit.NewEvent(audit.KindTriggerCreated, def.ID).
		By(actorFrom(r)).
		WithDetail("metric", def.Metric).
		WithDetail("threshold", def.Threshold).
		WithDetail("action", def.Action.Type).
		Build())

	st, _ := s.triggers.Status(def.ID)
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleEnableTrigger(w http.ResponseWriter, r *http.Request) {
	s.setTriggerEnabled(w, r, true)
}

func (s *Server) handleDisableTrigger(w http.ResponseWriter, r *http.Request) {
	s.setTriggerEnabled(w, r, false)
}

func (s *Server) setTriggerEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")

	var err error
	if enabled {
		err = s.triggers.Enable(id)
	} else {
		err = s.triggers.Disable(id)
	}
	if err != nil {
		if errors.Is(err, trigger.ErrTriggerNotFound) {
			NotFoundError(w, r, fmt.Sprintf("trigger %q not found", id))
			return
		}
		s.log.Error().Err(err).Str("trigger", id).Msg("toggle trigger")
		InternalError(w, r, "toggle trigger failed")
		return
	}

	s.record(audit.NewEvent(audit.KindTriggerUpdated, id).
		By(actorFrom(r)).
		WithDetail("enabled", enabled).
		Build())

	st, _ := s.triggers.Status(id)
	writeJSON(w, http.StatusOK, st)
}
