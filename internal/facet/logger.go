package facet

import "sync/atomic"

// Logger defines the logging interface used by the facet package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type loggerHolder struct{ Logger }

var logger atomic.Pointer[loggerHolder]

func init() {
	logger.Store(&loggerHolder{noopLogger{}})
}

// SetLogger sets the package logger. Facets are shared by every driver
// instance, so logging is configured once per process.
func SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	logger.Store(&loggerHolder{l})
}

func log() Logger {
	return logger.Load().Logger
}
