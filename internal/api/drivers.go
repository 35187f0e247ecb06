package api

import (
	"net/http"

	"github.com/mabuchilab/instrumental/internal/driver"
)

// DriverView is the JSON form of a registered driver module.
type DriverView struct {
	Name     string      `json:"name"`
	Group    string      `json:"group"`
	Priority int         `json:"priority"`
	Params   []string    `json:"params"`
	Classes  []string    `json:"classes"`
	Visa     bool        `json:"visa"`
	Caps     driver.Caps `json:"caps"`
	Doc      string      `json:"doc,omitempty"`
}

// handleListDrivers returns the driver registry in resolution order.
func (s *Server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	modules := s.engine.Registry().Modules()
	views := make([]DriverView, 0, len(modules))
	for _, m := range modules {
		views = append(views, DriverView{
			Name:     m.Name,
			Group:    m.Group(),
			Priority: m.EffectivePriority(),
			Params:   m.Params,
			Classes:  m.ClassNames(),
			Visa:     m.IsVisa(),
			Caps:     m.Caps(),
			Doc:      m.Doc,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drivers": views,
		"count":   len(views),
	})
}

// handleListResources lists VISA resource addresses. ?query= overrides the
// configured search expression.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	rm := s.engine.Resources()
	if rm == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no VISA backend configured")
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		query = s.engine.ListQuery()
	}
	if len(query) > maxQueryParamLen {
		writeBadRequest(w, "query too long")
		return
	}

	s.io.Lock()
	addrs, err := rm.ListResources(r.Context(), query)
	s.io.Unlock()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if addrs == nil {
		addrs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":     query,
		"resources": addrs,
		"count":     len(addrs),
	})
}
