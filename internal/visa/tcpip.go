package visa

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

func openSocket(ctx context.Context, a Address, openTimeout, ioTimeout time.Duration) (Resource, error) {
	if a.Class != ClassSocket {
		return nil, fmt.Errorf("%w: %s (only raw sockets are supported over TCPIP)", ErrUnsupported, a)
	}
	d := net.Dialer{Timeout: openTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotPresent, a, err)
	}
	setTimeout := func(d time.Duration) error {
		if d <= 0 {
			return conn.SetDeadline(time.Time{})
		}
		return conn.SetDeadline(time.Now().Add(d))
	}
	return newStream(a.String(), conn, setTimeout, ioTimeout), nil
}
