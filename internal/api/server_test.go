package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/infrastructure/config"
	"github.com/mabuchilab/instrumental/internal/infrastructure/database"
	"github.com/mabuchilab/instrumental/internal/infrastructure/logging"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/resolve"
	"github.com/mabuchilab/instrumental/internal/store"
	"github.com/mabuchilab/instrumental/internal/telemetry"
	"github.com/mabuchilab/instrumental/internal/visa"
	"github.com/mabuchilab/instrumental/internal/visa/visatest"
)

const (
	meterAddr = "GPIB0::5::INSTR"
	meterIDN  = "ACME,M100,SN0042,1.0"
)

// meter is a minimal SCPI instrument.
type meter struct {
	instrument.Base
	visa.Mixin
}

func (m *meter) Close() error {
	err := m.CloseResource()
	if cerr := m.Base.Close(); err == nil {
		err = cerr
	}
	return err
}

var meterClass = &instrument.Class{
	Module:   "testing.meter",
	Name:     "Meter",
	Params:   []string{instrument.KeyVisaAddress},
	VisaInfo: &instrument.VisaID{Manufacturer: "ACME", Models: []string{"M100"}},
	Facets: []*facet.Facet{
		facet.SCPI("frequency", "FREQ", facet.WithUnits("Hz"), facet.WithLimits(facet.Lit(0), facet.Lit(1e6), facet.NoLimit)),
		facet.SCPI("output", "OUTP", facet.WithType(facet.ToBool), facet.WithValues(map[any]any{true: "ON", false: "OFF"})),
		facet.SCPI("reading", "READ", facet.WithUnits("V"), facet.ReadOnly()),
		facet.Manual("label", facet.WithType(facet.ToString), facet.WithDoc("free text")),
	},
	New: func() instrument.Instrument { return &meter{} },
}

type fixture struct {
	srv    *Server
	router http.Handler
	rsrc   *visatest.Resource
	engine *resolve.Engine
	store  *store.Memory
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func wsConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// testServer builds a Server over a private registry holding the meter
// driver and one scripted VISA resource.
func testServer(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()

	reg := driver.NewRegistry()
	if err := reg.Register(&driver.Module{Name: "testing.meter", Classes: []*instrument.Class{meterClass}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rsrc := visatest.NewResource(meterAddr, meterIDN)
	rsrc.Responses["FREQ?"] = "1000"
	rsrc.Responses["OUTP?"] = "OFF"
	rsrc.Responses["READ?"] = "0.25"
	rm := visatest.NewManager(rsrc)

	mgr := instrument.NewManager()
	t.Cleanup(mgr.Shutdown)
	mem := store.NewMemory()
	engine := resolve.New(reg, mgr, rm, resolve.WithStore(mem))

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      wsConfig(),
		Logger:  testLogger(),
		Engine:  engine,
		Version: "test",
	}
	for _, o := range opts {
		o(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Hub().Run(ctx)

	return &fixture{srv: srv, router: srv.buildRouter(), rsrc: rsrc, engine: engine, store: mem}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

// openMeter opens the scripted meter through the API and returns its id.
func (f *fixture) openMeter(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/instruments", `{"params":{"visa_address":"`+meterAddr+`"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("open status = %d; body: %s", w.Code, w.Body.String())
	}
	return decode(t, w)["id"].(string)
}

// ─── Health and Middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
	if _, ok := resp["mqtt_connected"]; ok {
		t.Error("mqtt_connected reported without an MQTT client")
	}
}

type fakeSchema struct {
	status database.SchemaStatus
	err    error
}

func (f fakeSchema) SchemaStatus(context.Context) (database.SchemaStatus, error) {
	return f.status, f.err
}

func TestHealthReportsSchema(t *testing.T) {
	current := database.SchemaStatus{
		Applied: []database.AppliedMigration{{Version: "20261016_120000", Name: "instruments"}},
	}
	pending := database.SchemaStatus{
		Pending: []database.Migration{{Version: "20261016_120000", Name: "instruments"}},
	}
	tests := []struct {
		name     string
		reporter fakeSchema
		code     int
		status   string
		check    func(t *testing.T, schema map[string]any)
	}{
		{
			name:     "current schema",
			reporter: fakeSchema{status: current},
			code:     http.StatusOK,
			status:   "ok",
			check: func(t *testing.T, schema map[string]any) {
				if schema["version"] != "20261016_120000" || schema["pending"] != float64(0) {
					t.Errorf("schema = %v", schema)
				}
			},
		},
		{
			name:     "pending migrations",
			reporter: fakeSchema{status: pending},
			code:     http.StatusServiceUnavailable,
			status:   "degraded",
			check: func(t *testing.T, schema map[string]any) {
				if schema["version"] != "" || schema["pending"] != float64(1) {
					t.Errorf("schema = %v", schema)
				}
			},
		},
		{
			name:     "unreadable schema",
			reporter: fakeSchema{err: database.ErrUnknownVersion},
			code:     http.StatusServiceUnavailable,
			status:   "degraded",
			check: func(t *testing.T, schema map[string]any) {
				if schema["error"] == nil {
					t.Errorf("schema = %v, want an error", schema)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testServer(t, func(d *Deps) { d.Schema = tt.reporter })
			w := f.do(t, http.MethodGet, "/api/v1/health", "")
			if w.Code != tt.code {
				t.Fatalf("health status = %d, want %d", w.Code, tt.code)
			}
			resp := decode(t, w)
			if resp["status"] != tt.status {
				t.Errorf("status = %v, want %s", resp["status"], tt.status)
			}
			schema, ok := resp["schema"].(map[string]any)
			if !ok {
				t.Fatalf("schema missing from %v", resp)
			}
			tt.check(t, schema)
		})
	}
}

func TestRequestID(t *testing.T) {
	f := testServer(t)

	if w := f.do(t, http.MethodGet, "/api/v1/health", ""); w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	f := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
}

func TestNotFound(t *testing.T) {
	f := testServer(t)
	if w := f.do(t, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	f := testServer(t)
	w := f.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("/metrics should expose the default Go collectors")
	}
}

func TestSystemMetrics(t *testing.T) {
	f := testServer(t)
	f.openMeter(t)

	w := f.do(t, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Instruments.Open != 1 || m.Instruments.ByDriver["testing.meter"] != 1 {
		t.Errorf("instruments = %+v, want one meter", m.Instruments)
	}
	if m.Instruments.Drivers != 1 {
		t.Errorf("drivers_registered = %d, want 1", m.Instruments.Drivers)
	}
}

// ─── Drivers and Resources ─────────────────────────────────────────

func TestListDrivers(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/drivers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Drivers []DriverView `json:"drivers"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	d := resp.Drivers[0]
	if d.Name != "testing.meter" || d.Group != "testing" || !d.Visa {
		t.Errorf("driver = %+v", d)
	}
	if len(d.Classes) != 1 || d.Classes[0] != "Meter" {
		t.Errorf("classes = %v, want [Meter]", d.Classes)
	}
}

func TestListResources(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/resources", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	res := resp["resources"].([]any)
	if len(res) != 1 || res[0] != meterAddr {
		t.Errorf("resources = %v, want [%s]", res, meterAddr)
	}

	w = f.do(t, http.MethodGet, "/api/v1/resources?query=ASRL?*", "")
	if got := decode(t, w)["count"]; got != float64(0) {
		t.Errorf("ASRL count = %v, want 0", got)
	}
}

// ─── Instruments ───────────────────────────────────────────────────

func TestOpenAndListInstruments(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/instruments", "")
	if got := decode(t, w)["count"]; got != float64(0) {
		t.Fatalf("initial count = %v, want 0", got)
	}

	id := f.openMeter(t)

	w = f.do(t, http.MethodGet, "/api/v1/instruments/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var view InstrumentView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.Driver != "testing.meter" || view.Class != "Meter" {
		t.Errorf("view = %+v", view)
	}
	if view.Params[instrument.KeyVisaAddress] != meterAddr {
		t.Errorf("params = %v", view.Params)
	}

	// The default reuse policy hands back the same instrument.
	if again := f.openMeter(t); again != id {
		t.Errorf("reopen id = %s, want %s", again, id)
	}
	w = f.do(t, http.MethodGet, "/api/v1/instruments", "")
	if got := decode(t, w)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}
}

func TestOpenInstrument_Errors(t *testing.T) {
	f := testServer(t)
	f.openMeter(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"bad policy", `{"params":{"visa_address":"` + meterAddr + `"},"reopen":"sometimes"}`, http.StatusBadRequest},
		{"strict while open", `{"params":{"visa_address":"` + meterAddr + `"},"reopen":"strict"}`, http.StatusConflict},
		{"absent device", `{"params":{"visa_address":"GPIB0::9::INSTR"}}`, http.StatusNotFound},
		{"unknown alias", `{"name":"nosuchalias"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/instruments", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCloseInstrument(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)

	w := f.do(t, http.MethodDelete, "/api/v1/instruments/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("close status = %d; body: %s", w.Code, w.Body.String())
	}
	if f.rsrc.Closed() != 1 {
		t.Errorf("resource closed %d times, want 1", f.rsrc.Closed())
	}
	if w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after close status = %d, want 404", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/v1/instruments/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("second close status = %d, want 404", w.Code)
	}
}

// ─── Facets ────────────────────────────────────────────────────────

func TestListFacets(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)

	w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Facets []FacetView `json:"facets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Facets) != 4 {
		t.Fatalf("facets = %d, want 4", len(resp.Facets))
	}
	byName := map[string]FacetView{}
	for _, fv := range resp.Facets {
		byName[fv.Name] = fv
	}
	if fv := byName["frequency"]; fv.Units != "Hz" || !fv.Readable || !fv.Writable {
		t.Errorf("frequency = %+v", fv)
	}
	if fv := byName["reading"]; fv.Writable {
		t.Error("reading should be read-only")
	}
	if fv := byName["label"]; !fv.Manual || fv.Doc != "free text" {
		t.Errorf("label = %+v", fv)
	}
}

func TestGetFacet(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)

	w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets/frequency", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["value"]; got != "1000 Hz" {
		t.Errorf("frequency = %v, want \"1000 Hz\"", got)
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets/output?cache=false", "")
	if got := decode(t, w)["value"]; got != false {
		t.Errorf("output = %v, want false", got)
	}

	if w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets/nosuch", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown facet status = %d, want 404", w.Code)
	}
}

func TestGetFacet_Timeout(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)
	delete(f.rsrc.Responses, "READ?")

	w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets/reading", "")
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504; body: %s", w.Code, w.Body.String())
	}
}

func TestSetFacet(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)

	tests := []struct {
		name      string
		facet     string
		body      string
		want      int
		wantWrite string
	}{
		{"quantity string", "frequency", `{"value":"2.5 kHz"}`, http.StatusOK, "FREQ 2500"},
		{"bare number in facet units", "frequency", `{"value":750}`, http.StatusOK, "FREQ 750"},
		{"mapped bool", "output", `{"value":true}`, http.StatusOK, "OUTP ON"},
		{"out of range", "frequency", `{"value":"2 MHz"}`, http.StatusBadRequest, ""},
		{"wrong dimension", "frequency", `{"value":"3 V"}`, http.StatusBadRequest, ""},
		{"read-only", "reading", `{"value":"1 V"}`, http.StatusBadRequest, ""},
		{"missing value", "frequency", `{}`, http.StatusBadRequest, ""},
		{"unknown facet", "nosuch", `{"value":1}`, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.rsrc.Writes())
			w := f.do(t, http.MethodPut, "/api/v1/instruments/"+id+"/facets/"+tt.facet, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
			writes := f.rsrc.Writes()[before:]
			if tt.wantWrite == "" {
				if len(writes) != 0 {
					t.Errorf("writes = %q, want none", writes)
				}
				return
			}
			if len(writes) != 1 || writes[0] != tt.wantWrite {
				t.Errorf("writes = %q, want [%q]", writes, tt.wantWrite)
			}
		})
	}
}

func TestSetFacet_ByAlias(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)
	inst, _ := f.engine.Manager().Lookup(id)
	inst.SetAlias("bench_meter")

	w := f.do(t, http.MethodPut, "/api/v1/instruments/bench_meter/facets/label", `{"value":"channel A"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["value"]; got != "channel A" {
		t.Errorf("value = %v, want channel A", got)
	}
}

// ─── Aliases and History ───────────────────────────────────────────

func TestSaveAlias(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)

	w := f.do(t, http.MethodPost, "/api/v1/aliases", `{"name":"meter","instrument_id":"`+id+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("save status = %d; body: %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/v1/aliases", `{"name":"meter","instrument_id":"`+id+`"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate save status = %d, want 409", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/v1/aliases", `{"name":"meter","instrument_id":"`+id+`","force":true}`)
	if w.Code != http.StatusCreated {
		t.Errorf("forced save status = %d, want 201", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/v1/aliases", `{"name":"spare","params":{"visa_address":"GPIB0::7::INSTR"}}`)
	if w.Code != http.StatusCreated {
		t.Errorf("params save status = %d; body: %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/v1/aliases", `{"name":"both","instrument_id":"x","params":{"a":1}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("ambiguous save status = %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/aliases", "")
	resp := decode(t, w)
	if resp["count"] != float64(2) {
		t.Errorf("alias count = %v, want 2", resp["count"])
	}

	// A saved alias opens the same instrument.
	w = f.do(t, http.MethodPost, "/api/v1/instruments", `{"name":"meter"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("open by alias status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["alias"]; got != "meter" {
		t.Errorf("alias = %v, want meter", got)
	}
}

type fakeHistory struct {
	key, facet string
	entries    []store.HistoryEntry
}

func (h *fakeHistory) FacetHistory(_ context.Context, key, facetName string, _ int) ([]store.HistoryEntry, error) {
	h.key, h.facet = key, facetName
	return h.entries, nil
}

func TestFacetHistory(t *testing.T) {
	now := time.Now().UTC()
	hist := &fakeHistory{entries: []store.HistoryEntry{
		{ID: 2, Facet: "frequency", Value: json.RawMessage(`"2 kHz"`), CreatedAt: now},
		{ID: 1, Facet: "frequency", Value: json.RawMessage(`"1 kHz"`), CreatedAt: now.Add(-time.Hour)},
	}}
	f := testServer(t, func(d *Deps) { d.History = hist })
	id := f.openMeter(t)

	w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets/frequency/history?since="+now.Add(-time.Minute).Format(time.RFC3339), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}
	if hist.key != id || hist.facet != "frequency" {
		t.Errorf("queried key=%q facet=%q", hist.key, hist.facet)
	}

	if w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets/frequency/history?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestFacetHistory_Unavailable(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)
	w := f.do(t, http.MethodGet, "/api/v1/instruments/"+id+"/facets/frequency/history", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

func newTestClient(hub *Hub) *WSClient {
	c := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize), watches: make(map[string]map[string]struct{})}
	hub.Register(c)
	return c
}

func receive(t *testing.T, c *WSClient) (WSMessage, bool) {
	t.Helper()
	select {
	case data := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg, true
	default:
		return WSMessage{}, false
	}
}

func TestHub_LifecycleFollowsWatches(t *testing.T) {
	hub := NewHub(wsConfig(), testLogger())
	byAlias := newTestClient(hub)
	byAlias.watch("bench_meter", []string{"frequency"})
	byID := newTestClient(hub)
	byID.watch("id-1", nil)
	everything := newTestClient(hub)
	everything.watch(WatchAll, nil)
	other := newTestClient(hub)
	other.watch("scope", nil)

	hub.PublishLifecycle(WSTypeOpened, InstrumentView{ID: "id-1", Alias: "bench_meter"})

	for name, c := range map[string]*WSClient{"alias": byAlias, "id": byID, "all": everything} {
		msg, ok := receive(t, c)
		if !ok {
			t.Errorf("%s watcher got no lifecycle event", name)
			continue
		}
		if msg.Type != WSTypeOpened || msg.Instrument != "bench_meter" {
			t.Errorf("%s watcher got %+v", name, msg)
		}
	}
	if msg, ok := receive(t, other); ok {
		t.Errorf("watcher of another instrument got %+v", msg)
	}
}

func TestHub_RecordsWatchedFacets(t *testing.T) {
	hub := NewHub(wsConfig(), testLogger())
	freq := newTestClient(hub)
	freq.watch("bench_meter", []string{"frequency"})
	output := newTestClient(hub)
	output.watch("bench_meter", []string{"output"})
	anonymous := newTestClient(hub)
	anonymous.watch("id-2", nil)

	if err := hub.Record(context.Background(), telemetry.Event{
		InstrumentID: "id-1", Alias: "bench_meter", Facet: "frequency", New: "2 kHz",
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := hub.Record(context.Background(), telemetry.Event{
		InstrumentID: "id-2", Facet: "frequency", New: "5 Hz",
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	msg, ok := receive(t, freq)
	if !ok || msg.Type != WSTypeFacet || msg.Instrument != "bench_meter" {
		t.Errorf("frequency watcher got %+v (ok=%v)", msg, ok)
	}
	if msg, ok := receive(t, output); ok {
		t.Errorf("output watcher got %+v", msg)
	}
	msg, ok = receive(t, anonymous)
	if !ok || msg.Instrument != "id-2" {
		t.Errorf("id watcher got %+v (ok=%v)", msg, ok)
	}
}

func TestWSClient_Watches(t *testing.T) {
	c := &WSClient{watches: make(map[string]map[string]struct{})}
	keys := []string{"bench_meter", "id-1"}

	c.watch("bench_meter", []string{"frequency"})
	c.watch("bench_meter", []string{"output"})
	if !c.watching(keys, "output") || !c.watching(keys, "frequency") {
		t.Error("facet watches should accumulate")
	}
	if c.watching(keys, "reading") {
		t.Error("unwatched facet matched")
	}
	if !c.watching(keys, "") {
		t.Error("lifecycle events should follow any watch")
	}

	c.watch("bench_meter", nil)
	c.watch("bench_meter", []string{"frequency"})
	if !c.watching(keys, "reading") {
		t.Error("a later facet list narrowed a watch on every facet")
	}

	c.unwatch("bench_meter")
	if c.watching(keys, "") {
		t.Error("unwatch left the instrument watched")
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(wsConfig(), testLogger())
	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}
	c := newTestClient(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

// ─── Telemetry and WebSocket ───────────────────────────────────────

// wsFixture is a test server whose facet changes reach a dialed socket.
func wsFixture(t *testing.T) (*fixture, *websocket.Conn) {
	t.Helper()
	var fan *telemetry.Fanout
	f := testServer(t, func(d *Deps) {
		d.ExternalHub = NewHub(wsConfig(), testLogger())
		fan = telemetry.NewFanout(16, d.ExternalHub)
		d.Telemetry = fan
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go fan.Run(ctx) //nolint:errcheck // stopped by cancel

	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck // Test cleanup
	return f, ws
}

// readUntil reads messages until one of type msgType arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	for {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestFacetWriteReachesWebSocket(t *testing.T) {
	f, ws := wsFixture(t)

	if err := ws.WriteJSON(WSRequest{Type: WSTypeWatch, ID: "w1", Instrument: WatchAll}); err != nil {
		t.Fatalf("write watch request: %v", err)
	}
	if ack := readUntil(t, ws, WSTypeAck); ack.ID != "w1" {
		t.Fatalf("ack = %+v", ack)
	}

	id := f.openMeter(t)
	if opened := readUntil(t, ws, WSTypeOpened); opened.Instrument != id {
		t.Errorf("opened = %+v", opened)
	}

	w := f.do(t, http.MethodPut, "/api/v1/instruments/"+id+"/facets/frequency", `{"value":"2 kHz"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d; body: %s", w.Code, w.Body.String())
	}

	ev := readUntil(t, ws, WSTypeFacet)
	payload := ev.Payload.(map[string]any)
	if ev.Instrument != id || payload["facet"] != "frequency" || payload["new"] != "2000 Hz" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocket_SetFacet(t *testing.T) {
	f, ws := wsFixture(t)
	id := f.openMeter(t)

	if err := ws.WriteJSON(WSRequest{Type: WSTypeWatch, ID: "w1", Instrument: id, Facets: []string{"frequency"}}); err != nil {
		t.Fatalf("write watch request: %v", err)
	}
	readUntil(t, ws, WSTypeAck)

	if err := ws.WriteJSON(WSRequest{
		Type: WSTypeSet, ID: "s1", Instrument: id, Facet: "frequency", Value: json.RawMessage(`"3 kHz"`),
	}); err != nil {
		t.Fatalf("write set request: %v", err)
	}
	ev := readUntil(t, ws, WSTypeFacet)
	if payload := ev.Payload.(map[string]any); payload["new"] != "3000 Hz" {
		t.Errorf("event payload = %v", payload)
	}
	writes := f.rsrc.Writes()
	if len(writes) == 0 || writes[len(writes)-1] != "FREQ 3000" {
		t.Errorf("writes = %q", writes)
	}

	if err := ws.WriteJSON(WSRequest{
		Type: WSTypeSet, ID: "s2", Instrument: id, Facet: "nonsense", Value: json.RawMessage(`1`),
	}); err != nil {
		t.Fatalf("write set request: %v", err)
	}
	if msg := readUntil(t, ws, WSTypeError); msg.ID != "s2" {
		t.Errorf("error reply = %+v", msg)
	}
}

func TestWebSocket_PingAndInvalid(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	tests := []struct {
		send     string
		wantType string
	}{
		{`{"type":"ping","id":"p1"}`, WSTypePong},
		{`not json`, WSTypeError},
		{`{"type":"launch","id":"x"}`, WSTypeError},
		{`{"type":"watch","id":"w"}`, WSTypeError},
		{`{"type":"set","id":"s","instrument":"x"}`, WSTypeError},
		{`{"type":"unwatch","id":"u","instrument":"x"}`, WSTypeAck},
	}
	for _, tt := range tests {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
			t.Fatalf("write %q: %v", tt.send, err)
		}
		ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read reply to %q: %v", tt.send, err)
		}
		if msg.Type != tt.wantType {
			t.Errorf("reply to %q type = %q, want %q", tt.send, msg.Type, tt.wantType)
		}
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	port := 19080
	f := testServer(t, func(d *Deps) { d.Config.Port = port })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := f.srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_HealthCheckNotStarted(t *testing.T) {
	f := testServer(t)
	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on an unstarted server should fail")
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without a logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without an engine should fail")
	}
}

// ─── Remote Commands ───────────────────────────────────────────────

func TestApplyFacetCommand(t *testing.T) {
	f := testServer(t)
	id := f.openMeter(t)

	tests := []struct {
		name      string
		key       string
		facet     string
		payload   string
		wantErr   error
		wantWrite string
	}{
		{"wrapped value", id, "frequency", `{"value":"3 kHz"}`, nil, "FREQ 3000"},
		{"bare json number", id, "frequency", `125`, nil, "FREQ 125"},
		{"plain text quantity", id, "frequency", `0.5 kHz`, nil, "FREQ 500"},
		{"bool", id, "output", `true`, nil, "OUTP ON"},
		{"unknown instrument", "ghost", "frequency", `1`, instrument.ErrInstrumentNotFound, ""},
		{"unknown facet", id, "nosuch", `1`, facet.ErrUnknownFacet, ""},
		{"empty payload", id, "frequency", `  `, facet.ErrBadValue, ""},
		{"missing value", id, "frequency", `{"v":1}`, facet.ErrBadValue, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.rsrc.Writes())
			err := f.srv.ApplyFacetCommand(tt.key, tt.facet, []byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ApplyFacetCommand() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyFacetCommand() error = %v", err)
			}
			writes := f.rsrc.Writes()[before:]
			if len(writes) != 1 || writes[0] != tt.wantWrite {
				t.Errorf("writes = %q, want [%q]", writes, tt.wantWrite)
			}
		})
	}
}
