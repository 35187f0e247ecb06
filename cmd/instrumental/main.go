// Instrumental - laboratory instrument control
//
// This is the main entry point for the instrumental command. It resolves
// instruments from partial parameters or saved aliases, reads and writes
// their facets, and can serve them over HTTP with change telemetry:
//   - list:    enumerate connected instruments
//   - drivers: show the registered driver modules
//   - open:    resolve an instrument and print its facets
//   - get/set: read or write a single facet
//   - save:    store a ParamSet under an alias
//   - serve:   run the HTTP API and telemetry until interrupted
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mabuchilab/instrumental/internal/drivers/all"
	_ "github.com/mabuchilab/instrumental/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on Ctrl+C / SIGTERM so serve and long scans stop cleanly
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
