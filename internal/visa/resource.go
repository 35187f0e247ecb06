package visa

import (
	"context"
	"time"
)

// Resource is an open message-based instrument session.
type Resource interface {
	// Address returns the resource string the session was opened with.
	Address() string
	// Write sends msg followed by the write termination.
	Write(msg string) error
	// Read returns one response with the read termination stripped.
	Read() (string, error)
	// Query writes msg and reads the response.
	Query(msg string) (string, error)
	// Clear discards pending input.
	Clear() error
	SetTimeout(d time.Duration) error
	SetTermination(read, write string)
	Close() error
}

// ResourceManager enumerates and opens resources.
type ResourceManager interface {
	// ListResources returns the addresses matching a search expression
	// such as "?*::INSTR".
	ListResources(ctx context.Context, query string) ([]string, error)
	Open(ctx context.Context, address string) (Resource, error)
}

// Default terminations.
const (
	DefaultReadTermination  = "\n"
	DefaultWriteTermination = "\n"
)
