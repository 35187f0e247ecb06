package api

import (
	"encoding/json"
	"net/http"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

// SaveAliasRequest is the body of POST /aliases. Either InstrumentID names
// an open instrument whose parameters are saved, or Params are saved as is.
type SaveAliasRequest struct {
	Name         string         `json:"name"`
	InstrumentID string         `json:"instrument_id,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Force        bool           `json:"force,omitempty"`
}

// handleListAliases returns every saved alias.
func (s *Server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Manager().Store()
	if st == nil {
		writeDomainError(w, instrument.ErrNoStore)
		return
	}
	aliases, err := st.ListAliases(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make(map[string]string, len(aliases))
	for name, ps := range aliases {
		out[name] = ps.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aliases": out,
		"count":   len(out),
	})
}

// handleSaveAlias saves an alias for an open instrument or a parameter set.
func (s *Server) handleSaveAlias(w http.ResponseWriter, r *http.Request) {
	var req SaveAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if (req.InstrumentID == "") == (len(req.Params) == 0) {
		writeBadRequest(w, "exactly one of instrument_id or params is required")
		return
	}

	s.io.Lock()
	defer s.io.Unlock()

	if req.InstrumentID != "" {
		inst, ok := s.engine.Manager().Lookup(req.InstrumentID)
		if !ok {
			writeNotFound(w, "instrument not open")
			return
		}
		if err := inst.SaveInstrument(r.Context(), req.Name, req.Force); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"name":   req.Name,
			"params": inst.ParamSet().String(),
		})
		return
	}

	st := s.engine.Manager().Store()
	if st == nil {
		writeDomainError(w, instrument.ErrNoStore)
		return
	}
	ps := instrument.ParamSetFromMap(req.Params)
	if err := st.SaveAlias(r.Context(), req.Name, ps, req.Force); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"name":   req.Name,
		"params": ps.String(),
	})
}
