package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mabuchilab/instrumental/internal/infrastructure/config"
	"github.com/mabuchilab/instrumental/internal/infrastructure/database"
	"github.com/mabuchilab/instrumental/internal/infrastructure/logging"
	"github.com/mabuchilab/instrumental/internal/infrastructure/mqtt"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/resolve"
	"github.com/mabuchilab/instrumental/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HistoryReader returns recorded facet changes.
type HistoryReader interface {
	FacetHistory(ctx context.Context, key, facetName string, limit int) ([]store.HistoryEntry, error)
}

// SchemaReporter reports the migration state of the database.
type SchemaReporter interface {
	SchemaStatus(ctx context.Context) (database.SchemaStatus, error)
}

// Attacher subscribes telemetry to an instrument's facets.
type Attacher interface {
	Attach(inst instrument.Instrument) bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	MetricsPath string
	Logger      *logging.Logger
	Engine      *resolve.Engine
	MQTT        *mqtt.Client   // optional
	History     HistoryReader  // optional
	Schema      SchemaReporter // optional
	Telemetry   Attacher       // optional
	ExternalHub *Hub           // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for instrumental.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	metricsPath string
	logger      *logging.Logger
	engine      *resolve.Engine
	mqtt        *mqtt.Client
	history     HistoryReader
	schema      SchemaReporter
	telemetry   Attacher
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc // cancels background goroutines on Close()

	// io serializes every request that talks to an instrument.
	io sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("resolution engine is required")
	}
	metricsPath := deps.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		metricsPath: metricsPath,
		logger:      deps.Logger,
		engine:      deps.Engine,
		mqtt:        deps.MQTT,
		history:     deps.History,
		schema:      deps.Schema,
		telemetry:   deps.Telemetry,
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         deps.ExternalHub,
	}
	if s.hub != nil {
		s.hub.setApplier(s.ApplyFacetCommand)
	}
	return s, nil
}

// Hub returns the WebSocket hub, creating it if Start has not run yet.
// Facet writes sent over the socket go through ApplyFacetCommand.
func (s *Server) Hub() *Hub {
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		s.hub.setApplier(s.ApplyFacetCommand)
	}
	return s.hub
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	s.Hub()
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.Hub().Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
