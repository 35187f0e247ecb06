package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleFacetHistory returns recorded changes of one facet, newest first.
// The instrument's alias is used as the history key when it has one, so
// history survives reconnects.
func (s *Server) handleFacetHistory(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instrumentFromRequest(w, r)
	if !ok {
		return
	}
	name, ok := facetName(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "facet history unavailable")
		return
	}

	key := inst.Alias()
	if key == "" {
		key = inst.ID()
	}
	entries, err := s.history.FacetHistory(r.Context(), key, name, limit)
	if err != nil {
		s.logger.Error("loading facet history", "key", key, "facet", name, "error", err)
		writeInternalError(w, "failed to load facet history")
		return
	}

	if !since.IsZero() {
		filtered := entries[:0]
		for _, e := range entries {
			if e.CreatedAt.After(since) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      inst.ID(),
		"facet":   name,
		"history": entries,
		"count":   len(entries),
	})
}

func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
