package visa

import (
	"errors"
	"net"
	"os"
)

// Domain errors for VISA resources.
var (
	// ErrInvalidAddress is returned for addresses that cannot be parsed.
	ErrInvalidAddress = errors.New("visa: invalid resource address")

	// ErrUnsupported is returned for interface types no backend handles.
	ErrUnsupported = errors.New("visa: unsupported resource type")

	// ErrNotPresent means nothing answered at the address.
	ErrNotPresent = errors.New("visa: resource not present")

	// ErrTimeout is returned when a read does not complete in time.
	ErrTimeout = errors.New("visa: timeout")

	// ErrClosed is returned for I/O on a closed resource.
	ErrClosed = errors.New("visa: resource closed")

	// ErrNoResource is returned by Mixin methods before a resource is attached.
	ErrNoResource = errors.New("visa: no resource attached")
)

// IsSoft reports whether err only means that a device is absent or slow
// to answer. Enumeration skips such addresses and keeps scanning.
func IsSoft(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotPresent) ||
		errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
