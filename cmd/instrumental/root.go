package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/infrastructure/config"
	"github.com/mabuchilab/instrumental/internal/infrastructure/database"
	"github.com/mabuchilab/instrumental/internal/infrastructure/logging"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/resolve"
	"github.com/mabuchilab/instrumental/internal/store"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv overrides the default configuration path.
const configEnv = "INSTRUMENTAL_CONFIG"

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	reopen     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "instrumental",
		Short: "Resolve and control laboratory instruments",
		Long: `Instrumental opens laboratory instruments from partial identifying
parameters or saved aliases, and exposes their facets for reading and writing.

Examples:
  instrumental list                                      # Enumerate connected instruments
  instrumental open module=lockins.sr850 visa_address=GPIB0::8::INSTR
  instrumental get lockin frequency                      # Read a facet of a saved alias
  instrumental set lockin frequency "2.5 kHz"            # Write a facet
  instrumental save lockin visa_address=GPIB0::8::INSTR  # Save an alias
  instrumental serve                                     # Run the HTTP API
  instrumental db status                                 # Show the database schema state`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "",
		"configuration file (default $"+configEnv+" or "+defaultConfigPath+")")
	root.PersistentFlags().StringVar(&g.reopen, "reopen", "",
		"reopen policy for already-open instruments: strict, reuse or new")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newListCmd(g),
		newDriversCmd(g),
		newOpenCmd(g),
		newGetCmd(g),
		newSetCmd(g),
		newSaveCmd(g),
		newServeCmd(g),
		newDBCmd(g),
	)
	return root
}

// getConfigPath returns the configuration file path.
// The --config flag wins, then INSTRUMENTAL_CONFIG, then the default path.
// A missing default file is not an error: built-in defaults apply.
func (g *globals) getConfigPath() string {
	if g.configPath != "" {
		return g.configPath
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// loadConfig loads the configuration and applies the command-line overrides.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if g.reopen != "" {
		if _, err := instrument.ParseReopenPolicy(g.reopen); err != nil {
			return nil, err
		}
		cfg.Instruments.ReopenPolicy = g.reopen
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// session is everything one command needs to resolve instruments.
type session struct {
	cfg     *config.Config
	log     *logging.Logger
	db      *database.DB       // nil with the file store
	history *store.SQLiteStore // nil with the file store
	store   instrument.Store
	visa    *visa.Manager
	manager *instrument.Manager
	engine  *resolve.Engine
}

// openSession wires the store, the VISA backends, the instrument manager
// and the resolution engine from configuration.
//
// Parameters:
//   - ctx: Context for database setup
//   - g: Global flags
//
// Returns:
//   - *session: Ready session; the caller must Close it
//   - error: If configuration or storage setup fails
func openSession(ctx context.Context, g *globals) (*session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Logging, version)

	s := &session{cfg: cfg, log: log}

	switch cfg.Instruments.Store {
	case "file":
		s.store = store.NewFileStore(cfg.Instruments.ConfigFile, cfg.Instruments.StateDir)
	default:
		db, err := database.Open(databaseConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		s.db = db
		s.history = store.NewSQLiteStore(db.DB)
		s.store = s.history
		log.Debug("database ready", "path", cfg.Database.Path)
	}

	policy, err := instrument.ParseReopenPolicy(cfg.Instruments.ReopenPolicy)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.visa = visa.NewManager(visa.Options{
		OpenTimeout:    cfg.GetOpenTimeout(),
		IOTimeout:      cfg.GetIOTimeout(),
		SerialBaudRate: cfg.VISA.SerialBaudRate,
		PrologixPort:   cfg.VISA.PrologixPort,
		USB:            cfg.VISA.USB,
		SocketHosts:    cfg.VISA.SocketHosts,
	})
	s.visa.SetLogger(log)

	registry := driver.Default()
	registry.SetLogger(log)

	s.manager = instrument.NewManager()
	s.manager.SetLogger(log)
	s.manager.SetStore(s.store)
	// The VISA backends outlive every instrument that borrowed a resource.
	s.manager.RegisterCleanup(s.visa.Close)

	s.engine = resolve.New(registry, s.manager, s.visa,
		resolve.WithStore(s.store),
		resolve.WithBlacklist(cfg.Instruments.DriverBlacklist),
		resolve.WithListQuery(cfg.VISA.ListQuery),
		resolve.WithDefaultReopen(policy),
		resolve.WithLogger(log),
	)
	return s, nil
}

// Close closes every open instrument, runs registered cleanups and
// closes the database.
func (s *session) Close() {
	if s.manager != nil {
		s.manager.Shutdown()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Error("error closing database", "error", err)
		}
	}
}

// resolveTarget opens an instrument from command arguments: a single
// argument without "=" is an alias or live-instrument substring, anything
// else is a list of key=value parameters.
func (s *session) resolveTarget(ctx context.Context, args []string) (instrument.Instrument, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no instrument given", instrument.ErrConfig)
	}
	if len(args) == 1 && !isAssignment(args[0]) {
		return s.engine.Open(ctx, args[0])
	}
	ps, err := parseParams(args)
	if err != nil {
		return nil, err
	}
	return s.engine.Open(ctx, ps)
}
