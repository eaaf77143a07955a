package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/TimurManjosov/gorollout/internal/audit"
	"github.com/TimurManjosov/gorollout/internal/notify"
)

type eventListResponse struct {
	Events []audit.Event `json:"events"`
}

// handleListEvents queries the audit log. Filters: kind, resource, since,
// until (RFC3339), limit.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Kind:     q.Get("kind"),
		Resource: q.Get("resource"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidFilter, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequestError(w, r, ErrCodeInvalidFilter, "until must be RFC3339")
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			BadRequestError(w, r, ErrCodeInvalidFilter, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	if s.auditor == nil {
		writeJSON(w, http.StatusOK, eventListResponse{Events: []audit.Event{}})
		return
	}
	events, err := s.auditor.Query(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("query audit log")
		InternalError(w, r, "query audit log failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, eventListResponse{Events: events})
}

type notificationListResponse struct {
	Notifications []notify.Notification `json:"notifications"`
}

// handleListNotifications serves the dashboard feed, newest first.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			BadRequestError(w, r, ErrCodeInvalidFilter, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.dashboard == nil {
		writeJSON(w, http.StatusOK, notificationListResponse{Notifications: []notify.Notification{}})
		return
	}
	writeJSON(w, http.StatusOK, notificationListResponse{Notifications: s.dashboard.Recent(limit)})
}
