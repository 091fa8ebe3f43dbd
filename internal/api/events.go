package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/espbridge/internal/event"
)

// handleListEvents returns the most recent events, filtered by the
// account_id, device_id, kind and limit query parameters.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter event.Filter

	for _, p := range []struct {
		name string
		dst  *int64
	}{
		{"account_id", &filter.AccountID},
		{"device_id", &filter.DeviceID},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeBadRequest(w, "invalid "+p.name)
			return
		}
		*p.dst = n
	}

	if v := q.Get("kind"); v != "" {
		switch k := event.Kind(v); k {
		case event.KindAlert, event.KindSettings, event.KindAlive, event.KindGeneric:
			filter.Kind = k
		default:
			writeBadRequest(w, "invalid kind")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
		filter.Limit = n
	}

	events, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing events", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
