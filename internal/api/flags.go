package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/notify"
	"github.com/TimurManjosov/gorollout/internal/registry"
	"github.com/TimurManjosov/gorollout/internal/rules"
	"github.com/TimurManjosov/gorollout/internal/store"
)

// handleListFlags serves the full flag snapshot with its ETag so SDK
// clients can poll cheaply with If-None-Match.
func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Current()
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == snap.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("ETag", snap.ETag)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	flag, ok := s.registry.Get(key)
	if !ok {
		NotFoundError(w, r, fmt.Sprintf("flag %q not found", key))
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (s *Server) handleFlagStats(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := s.registry.Get(key); !ok {
		NotFoundError(w, r, fmt.Sprintf("flag %q not found", key))
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Stats(key))
}

func (s *Server) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag store.FeatureFlag
	if !decodeJSON(w, r, &flag) {
		return
	}

	// Validate all fields at once
	fields := make(map[string]string)
	if strings.TrimSpace(flag.Key) == "" {
		fields["key"] = "key is required"
	}
	if flag.Rollout < 0 || flag.Rollout > 100 {
		fields["rolloutPercentage"] = "must be between 0 and 100"
	}
	if err := rules.ValidateConditions(flag.Conditions); err != nil {
		fields["conditions"] = err.Error()
	}
	if len(fields) > 0 {
		ValidationError(w, r, "invalid flag definition", fields)
		return
	}

	if err := s.registry.Create(r.Context(), flag); err != nil {
		switch {
		case errors.Is(err, registry.ErrFlagExists):
			ConflictError(w, r, err.Error())
		case errors.Is(err, store.ErrInvalidFlag):
			BadRequestError(w, r, ErrCodeValidation, err.Error())
		default:
			s.log.Error().Err(err).Str("flag", flag.Key).Msg("create flag")
			InternalError(w, r, "create flag failed")
		}
		return
	}

	created, _ := s.registry.Get(flag.Key)
	s.record(audit.NewEvent(audit.KindFlagCreated, flag.Key).
		By(actorFrom(r)).
		WithDetails(flagFields(created)).
		Build())
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var patch registry.Patch
	if !decodeJSON(w, r, &patch) {
		return
	}

	before, ok := s.registry.Get(key)
	if !ok {
		NotFoundError(w, r, fmt.Sprintf("flag %q not found", key))
		return
	}

	updated, err := s.registry.Update(r.Context(), key, patch)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrFlagNotFound):
			NotFoundError(w, r, fmt.Sprintf("flag %q not found", key))
		case errors.Is(err, store.ErrInvalidFlag):
			BadRequestError(w, r, ErrCodeValidation, err.Error())
		default:
			s.log.Error().Err(err).Str("flag", key).Msg("update flag")
			InternalError(w, r, "update flag failed")
		}
		return
	}

	s.record(audit.NewEvent(audit.KindFlagUpdated, key).
		By(actorFrom(r)).
		WithDetail("changes", audit.ComputeChanges(flagFields(before), flagFields(updated))).
		Build())
	writeJSON(w, http.StatusOK, updated)
}

// enableFlagRequest optionally picks the rollout percentage to enable at.
// Absent or empty bodies enable at 100.
type enableFlagRequest struct {
	Rollout *int `json:"rolloutPercentage"`
}

func (s *Server) handleEnableFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req enableFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequestError(w, r, ErrCodeInvalidJSON, "invalid JSON body")
		return
	}
	pct := 100
	if req.Rollout != nil {
		pct = *req.Rollout
	}

	flag, err := s.registry.Enable(r.Context(), key, pct)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrFlagNotFound):
			NotFoundError(w, r, fmt.Sprintf("flag %q not found", key))
		case errors.Is(err, store.ErrInvalidFlag):
			BadRequestError(w, r, ErrCodeInvalidRollout, err.Error())
		default:
			s.log.Error().Err(err).Str("flag", key).Msg("enable flag")
			InternalError(w, r, "enable flag failed")
		}
		return
	}

	s.record(audit.NewEvent(audit.KindFlagUpdated, key).
		By(actorFrom(r)).
		WithDetail("operation", "enable").
		WithDetail("rolloutPercentage", flag.Rollout).
		Build())
	s.announce(notify.Notification{
		Kind:     notify.KindDashboard,
		Severity: notify.SeverityInfo,
		Subject:  fmt.Sprintf("flag %s enabled at %d%%", key, flag.Rollout),
		Context:  map[string]any{"flag": key, "rolloutPercentage": flag.Rollout},
	})
	writeJSON(w, http.StatusOK, flag)
}

type reloadResponse struct {
	Flags int    `json:"flags"`
	ETag  string `json:"etag"`
}

// handleReloadFlags rebuilds the snapshot from the backing store and
// flushes every cached evaluation. Meant for the postgres store, where a
// migration or a second writer can change rows behind the registry's back.
func (s *Server) handleReloadFlags(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("reload flags")
		InternalError(w, r, "reload failed")
		return
	}

	snap := s.registry.Current()
	s.record(audit.NewEvent(audit.KindConfigReloaded, "flag-store").
		By(actorFrom(r)).
		WithDetail("flags", len(snap.Flags)).
		Success().
		Build())
	writeJSON(w, http.StatusOK, reloadResponse{Flags: len(snap.Flags), ETag: snap.ETag})
}

func (s *Server) handleDisableFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	flag, err := s.registry.Disable(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrFlagNotFound):
			NotFoundError(w, r, fmt.Sprintf("flag %q not found", key))
		default:
			s.log.Error().Err(err).Str("flag", key).Msg("disable flag")
			InternalError(w, r, "disable flag failed")
		}
		return
	}

	s.record(audit.NewEvent(audit.KindFlagUpdated, key).
		By(actorFrom(r)).
		WithDetail("operation", "disable").
		Build())
	s.announce(notify.Notification{
		Kind:     notify.KindDashboard,
		Severity: notify.SeverityWarning,
		Subject:  fmt.Sprintf("flag %s disabled", key),
		Context:  map[string]any{"flag": key},
	})
	writeJSON(w, http.StatusOK, flag)
}
