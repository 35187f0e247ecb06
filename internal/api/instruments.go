package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/resolve"
	"github.com/mabuchilab/instrumental/internal/units"
)

// maxQueryParamLen bounds ids and names taken from the URL.
const maxQueryParamLen = 256

// InstrumentView is the JSON form of an open instrument.
type InstrumentView struct {
	ID     string         `json:"id"`
	Alias  string         `json:"alias,omitempty"`
	Driver string         `json:"driver"`
	Class  string         `json:"class"`
	Params map[string]any `json:"params"`
}

// FacetView describes one facet and its cached value, if any.
type FacetView struct {
	Name      string `json:"name"`
	Units     string `json:"units,omitempty"`
	Readable  bool   `json:"readable"`
	Writable  bool   `json:"writable"`
	Cacheable bool   `json:"cacheable"`
	Manual    bool   `json:"manual"`
	Values    []any  `json:"values,omitempty"`
	Doc       string `json:"doc,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// OpenRequest is the body of POST /instruments. Name is an alias or a
// ParamSet string; Params are merged over it.
type OpenRequest struct {
	Name     string         `json:"name,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Reopen   string         `json:"reopen,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// SetFacetRequest is the body of PUT /instruments/{id}/facets/{name}.
type SetFacetRequest struct {
	Value any `json:"value"`
}

func viewOf(inst instrument.Instrument) InstrumentView {
	return InstrumentView{
		ID:     inst.ID(),
		Alias:  inst.Alias(),
		Driver: inst.DriverName(),
		Class:  inst.ClassName(),
		Params: inst.ParamSet().Map(),
	}
}

// handleListInstruments returns every open instrument.
func (s *Server) handleListInstruments(w http.ResponseWriter, _ *http.Request) {
	insts := s.engine.Manager().Instances()
	views := make([]InstrumentView, 0, len(insts))
	for _, inst := range insts {
		views = append(views, viewOf(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": views,
		"count":       len(views),
	})
}

// handleListAvailable enumerates connectable devices.
func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	s.io.Lock()
	defer s.io.Unlock()

	found, err := s.engine.ListInstruments(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(found))
	for _, ps := range found {
		out = append(out, map[string]any{
			"name":   ps.String(),
			"params": ps.Map(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": out,
		"count":       len(out),
	})
}

// handleOpenInstrument resolves and opens an instrument.
func (s *Server) handleOpenInstrument(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" && len(req.Params) == 0 {
		writeBadRequest(w, "name or params is required")
		return
	}

	var opts []resolve.OpenOption
	if req.Reopen != "" {
		policy, err := instrument.ParseReopenPolicy(req.Reopen)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		opts = append(opts, resolve.WithReopen(policy))
	}
	if req.Settings != nil {
		opts = append(opts, resolve.WithSettings(req.Settings))
	}

	var target any = req.Params
	if req.Name != "" {
		target = req.Name
		if len(req.Params) > 0 {
			opts = append(opts, resolve.WithParams(instrument.ParamSetFromMap(req.Params)))
		}
	}

	s.io.Lock()
	inst, err := s.engine.Open(r.Context(), target, opts...)
	s.io.Unlock()
	if err != nil {
		s.logger.Debug("open failed", "name", req.Name, "error", err)
		writeDomainError(w, err)
		return
	}

	if s.telemetry != nil {
		s.telemetry.Attach(inst)
	}
	view := viewOf(inst)
	s.Hub().PublishLifecycle(WSTypeOpened, view)
	writeJSON(w, http.StatusCreated, view)
}

// instrumentFromRequest looks up {id}, accepting an instrument id or alias.
func (s *Server) instrumentFromRequest(w http.ResponseWriter, r *http.Request) (instrument.Instrument, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid instrument ID")
		return nil, false
	}
	inst, ok := s.lookupInstrument(id)
	if !ok {
		writeNotFound(w, "instrument not open")
	}
	return inst, ok
}

func (s *Server) lookupInstrument(key string) (instrument.Instrument, bool) {
	mgr := s.engine.Manager()
	if inst, ok := mgr.Lookup(key); ok {
		return inst, true
	}
	for _, inst := range mgr.Instances() {
		if inst.Alias() == key {
			return inst, true
		}
	}
	return nil, false
}

// handleGetInstrument returns one open instrument.
func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instrumentFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inst))
}

// handleCloseInstrument closes an instrument and releases its resources.
func (s *Server) handleCloseInstrument(w http.ResponseWriter, r *http.Request) {
	s.io.Lock()
	defer s.io.Unlock()

	inst, ok := s.instrumentFromRequest(w, r)
	if !ok {
		return
	}
	view := viewOf(inst)
	if err := inst.Close(); err != nil {
		writeDomainError(w, err)
		return
	}
	s.Hub().PublishLifecycle(WSTypeClosed, view)
	w.WriteHeader(http.StatusNoContent)
}

// handleListFacets describes every facet of an instrument.
func (s *Server) handleListFacets(w http.ResponseWriter, r *http.Request) {
	s.io.Lock()
	defer s.io.Unlock()

	inst, ok := s.instrumentFromRequest(w, r)
	if !ok {
		return
	}
	group := inst.Facets()
	views := make([]FacetView, 0, group.Len())
	for _, d := range group.All() {
		f := d.Facet()
		v := FacetView{
			Name:      f.Name(),
			Units:     f.Units(),
			Readable:  f.Readable(),
			Writable:  f.Writable(),
			Cacheable: f.IsCacheable(),
			Manual:    f.IsManual(),
			Values:    f.Values(),
			Doc:       f.Doc(),
		}
		if cached, ok := d.Cached(); ok && !d.Dirty() {
			v.Value = cached
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     inst.ID(),
		"facets": views,
	})
}

func facetName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if name == "" || len(name) > maxQueryParamLen {
		writeBadRequest(w, "invalid facet name")
		return "", false
	}
	return name, true
}

// handleGetFacet reads a facet. ?cache=false forces a device read.
func (s *Server) handleGetFacet(w http.ResponseWriter, r *http.Request) {
	s.io.Lock()
	defer s.io.Unlock()

	inst, ok := s.instrumentFromRequest(w, r)
	if !ok {
		return
	}
	name, ok := facetName(w, r)
	if !ok {
		return
	}

	var opts []facet.CallOption
	if strings.EqualFold(r.URL.Query().Get("cache"), "false") {
		opts = append(opts, facet.NoCache())
	}
	v, err := inst.Get(name, opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    inst.ID(),
		"name":  name,
		"value": v,
	})
}

// handleSetFacet writes a facet. Quantities are sent as strings such as
// "2.5 kHz"; bare numbers are taken in the facet's units.
func (s *Server) handleSetFacet(w http.ResponseWriter, r *http.Request) {
	var req SetFacetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	s.io.Lock()
	defer s.io.Unlock()

	inst, ok := s.instrumentFromRequest(w, r)
	if !ok {
		return
	}
	name, ok := facetName(w, r)
	if !ok {
		return
	}
	d, err := inst.Facets().Data(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	value, err := inFacetUnits(d, req.Value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := d.Set(value); err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{"id": inst.ID(), "name": name}
	if cached, ok := d.Cached(); ok {
		resp["value"] = cached
	}
	writeJSON(w, http.StatusOK, resp)
}

// inFacetUnits reads a bare number as a magnitude in the facet's units.
func inFacetUnits(d *facet.Data, v any) (any, error) {
	u := d.Facet().Units()
	n, isNum := v.(float64)
	if u == "" || !isNum {
		return v, nil
	}
	return units.New(n, u)
}

// ApplyFacetCommand writes a facet for a remote client, such as an MQTT
// command topic. key is an instrument id or alias. The payload is
// {"value": ...}, a bare JSON value, or plain text like 2.5 kHz.
func (s *Server) ApplyFacetCommand(key, name string, payload []byte) error {
	value, err := decodeCommandValue(payload)
	if err != nil {
		return err
	}

	s.io.Lock()
	defer s.io.Unlock()

	inst, ok := s.lookupInstrument(key)
	if !ok {
		return fmt.Errorf("%w: %s", instrument.ErrInstrumentNotFound, key)
	}
	d, err := inst.Facets().Data(name)
	if err != nil {
		return err
	}
	value, err = inFacetUnits(d, value)
	if err != nil {
		return err
	}
	return d.Set(value)
}

func decodeCommandValue(payload []byte) (any, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty command payload", facet.ErrBadValue)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), nil
	}
	if m, ok := v.(map[string]any); ok {
		value, ok := m["value"]
		if !ok || value == nil {
			return nil, fmt.Errorf("%w: command payload has no value", facet.ErrBadValue)
		}
		return value, nil
	}
	if v == nil {
		return nil, fmt.Errorf("%w: null command payload", facet.ErrBadValue)
	}
	return v, nil
}
