package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mabuchilab/instrumental/internal/infrastructure/config"
	"github.com/mabuchilab/instrumental/internal/infrastructure/database"
)

func newDBCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and migrate the instrument database",
		Long: `Manage the schema of the SQLite database that holds saved aliases,
instrument state and facet history. Other commands migrate it on open;
these subcommands never do so implicitly.

Examples:
  instrumental db status             # Applied and pending migrations
  instrumental db migrate            # Apply pending migrations
  instrumental db rollback --steps 1 # Revert the newest migration`,
	}
	cmd.AddCommand(newDBStatusCmd(g), newDBMigrateCmd(g), newDBRollbackCmd(g))
	return cmd
}

func newDBStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(g)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Read-only command

			status, err := db.SchemaStatus(cmd.Context())
			if err != nil {
				return err
			}
			printSchemaStatus(cmd.OutOrStdout(), db.Path(), status)
			return nil
		},
	}
}

func newDBMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(g)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Nothing left to flush

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			status, err := db.SchemaStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at %s\n", status.Version())
			return nil
		},
	}
}

func newDBRollbackCmd(g *globals) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the newest migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(g)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // Nothing left to flush

			reverted, err := db.Rollback(cmd.Context(), steps)
			out := cmd.OutOrStdout()
			for _, m := range reverted {
				fmt.Fprintf(out, "Reverted %s_%s\n", m.Version, m.Name)
			}
			if err != nil {
				return err
			}
			if len(reverted) == 0 {
				fmt.Fprintln(out, "Nothing to revert")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	return cmd
}

// openDatabase opens the configured database without migrating it.
func openDatabase(g *globals) (*database.DB, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.Open(databaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	}
}

func printSchemaStatus(w io.Writer, path string, status database.SchemaStatus) {
	version := status.Version()
	if version == "" {
		version = "(empty)"
	}
	fmt.Fprintf(w, "Database: %s\nSchema:   %s\n\n", path, version)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
	for _, m := range status.Applied {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Version, m.Name, m.AppliedAt.Local().Format(time.DateTime))
	}
	for _, m := range status.Pending {
		fmt.Fprintf(tw, "%s\t%s\tpending\n", m.Version, m.Name)
	}
	tw.Flush() //nolint:errcheck // Terminal output
}
