// Package logging provides structured logging for instrumental.
//
// This package wraps Go's standard log/slog package so the CLI, the HTTP
// server and every library component log through one configured handler.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stderr"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("instrument opened", "driver", "lockins.sr850")
//	registry.SetLogger(logger.With("component", "driver"))
package logging
