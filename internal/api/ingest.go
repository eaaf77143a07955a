package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/TimurManjosov/gorollout/internal/metrics"
)

// ingestRequest carries health samples pushed by instrumented applications.
type ingestRequest struct {
	Samples []metrics.Sample `json:"samples"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleIngestSamples(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Samples) == 0 {
		BadRequestError(w, r, ErrCodeMissingField, "samples must not be empty")
		return
	}

	fields := make(map[string]string)
	for i := range req.Samples {
		if req.Samples[i].Name == "" {
			fields[fmt.Sprintf("samples[%d].name", i)] = "name is required"
		}
	}
	if len(fields) > 0 {
		ValidationError(w, r, "invalid samples", fields)
		return
	}

	now := time.Now().UTC()
	for _, smp := range req.Samples {
		if smp.Timestamp.IsZero() {
			smp.Timestamp = now
		}
		if err := s.metrics.Push(r.Context(), smp); err != nil {
			s.log.Error().Err(err).Str("metric", smp.Name).Msg("push sample")
			InternalError(w, r, "store sample failed")
			return
		}
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(req.Samples)})
}
