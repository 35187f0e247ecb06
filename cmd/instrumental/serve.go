package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mabuchilab/instrumental/internal/api"
	"github.com/mabuchilab/instrumental/internal/infrastructure/database"
	"github.com/mabuchilab/instrumental/internal/infrastructure/influxdb"
	"github.com/mabuchilab/instrumental/internal/infrastructure/metrics"
	"github.com/mabuchilab/instrumental/internal/infrastructure/mqtt"
	"github.com/mabuchilab/instrumental/internal/infrastructure/redisq"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/store"
	"github.com/mabuchilab/instrumental/internal/telemetry"
)

// telemetryBuffer is the number of facet changes queued for the sinks.
const telemetryBuffer = 256

// pruneInterval is how often the facet history is trimmed to its retention.
const pruneInterval = time.Hour

func newServeCmd(g *globals) *cobra.Command {
	var openAliases bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and facet telemetry until interrupted",
		Long: `Serve the instrument API over HTTP and WebSocket, and publish every facet
change to the configured sinks (history database, MQTT, InfluxDB, Redis).

Facets can also be written over MQTT by publishing to
instrumental/{alias}/facet/{name}/set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()
			return run(cmd.Context(), s, openAliases)
		},
	}
	cmd.Flags().BoolVar(&openAliases, "open-aliases", false, "open every saved alias at startup")
	return cmd
}

// run is the serve logic, separated from the command for testability.
// Returning an error allows the caller to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - s: Session holding the engine and store
//   - openAliases: Whether to open every saved alias before serving
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, s *session, openAliases bool) error {
	cfg, log := s.cfg, s.log
	log.Info("starting instrumental",
		"version", version,
		"commit", commit,
		"build_date", date,
		"site", cfg.Site.ID,
	)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		if s.db != nil {
			if err := metrics.RegisterDB(prometheus.DefaultRegisterer, s.db.DB); err != nil {
				return fmt.Errorf("registering database metrics: %w", err)
			}
		}
	}

	hub := api.NewHub(cfg.WebSocket, log)
	sinks := []telemetry.Sink{hub}
	if s.history != nil {
		sinks = append(sinks, telemetry.NewHistorySink(s.history))
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var err error
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		sinks = append(sinks, telemetry.NewMQTTSink(mqttClient))
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		var err error
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		sinks = append(sinks, telemetry.NewInfluxSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to Redis (optional)
	var queue *redisq.Queue
	if cfg.Redis.Enabled {
		var err error
		queue, err = redisq.Connect(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := queue.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		log.Info("Redis connected", "addr", cfg.Redis.Addr, "channel", queue.Channel())
		sinks = append(sinks, telemetry.NewRedisSink(queue))
	} else {
		log.Info("Redis disabled")
	}

	fanout := telemetry.NewFanout(telemetryBuffer, sinks...)
	fanout.SetLogger(log)
	go func() {
		if err := fanout.Run(ctx); err != nil && !errors.Is(err, telemetry.ErrClosed) && !errors.Is(err, context.Canceled) {
			log.Error("telemetry stopped", "error", err)
		}
	}()
	defer func() {
		fanout.Close()
		fanout.Wait()
	}()

	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		MetricsPath: cfg.Metrics.Path,
		Logger:      log,
		Engine:      s.engine,
		MQTT:        mqttClient,
		History:     historyReader(s.history),
		Schema:      schemaReporter(s.db),
		Telemetry:   fanout,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if mqttClient != nil {
		if err := subscribeFacetCommands(mqttClient, server); err != nil {
			return err
		}
	}

	if openAliases {
		openSavedAliases(ctx, s, fanout)
	}

	if s.history != nil && cfg.Database.HistoryRetentionDays > 0 {
		retention := time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour
		go pruneHistory(ctx, s, retention)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, s, mqttClient, influxClient, queue); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, telemetry, Redis,
	// InfluxDB, MQTT. The session then closes instruments and the database.
	log.Info("instrumental stopped")
	return nil
}

// historyReader avoids handing the API a typed nil.
func historyReader(h *store.SQLiteStore) api.HistoryReader {
	if h == nil {
		return nil
	}
	return h
}

// schemaReporter avoids handing the API a typed nil with the file store.
func schemaReporter(db *database.DB) api.SchemaReporter {
	if db == nil {
		return nil
	}
	return db
}

// subscribeFacetCommands routes instrumental/{key}/facet/{name}/set to
// the API server's facet writer.
func subscribeFacetCommands(client *mqtt.Client, server *api.Server) error {
	err := client.SubscribeFacetCommands(func(cmd mqtt.FacetCommand) error {
		return server.ApplyFacetCommand(cmd.Instrument, cmd.Facet, cmd.Value)
	})
	if err != nil {
		return fmt.Errorf("subscribing to facet commands: %w", err)
	}
	return nil
}

// openSavedAliases opens every saved alias and attaches telemetry. An
// alias whose device is absent is logged and skipped.
func openSavedAliases(ctx context.Context, s *session, fanout *telemetry.Fanout) {
	aliases, err := s.store.ListAliases(ctx)
	if err != nil {
		s.log.Error("listing saved aliases", "error", err)
		return
	}
	for _, name := range instrument.SortedNames(aliases) {
		inst, err := s.engine.Open(ctx, name)
		if err != nil {
			s.log.Warn("could not open saved instrument", "alias", name, "error", err)
			continue
		}
		fanout.Attach(inst)
		s.log.Info("opened saved instrument", "alias", name, "id", inst.ID(), "driver", inst.DriverName())
	}
}

// pruneHistory trims the facet history to the retention window until ctx
// is done.
func pruneHistory(ctx context.Context, s *session, retention time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := s.history.PruneHistory(ctx, retention)
		if err != nil {
			s.log.Warn("pruning facet history", "error", err)
		} else if n > 0 {
			s.log.Info("pruned facet history", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - s: Session whose database is checked (skipped with the file store)
//   - mqttClient, influxClient, queue: Optional clients (nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, s *session, mqttClient *mqtt.Client, influxClient *influxdb.Client, queue *redisq.Queue) error {
	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if queue != nil {
		if err := queue.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
