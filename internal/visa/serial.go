package visa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// serialConn adapts a serial port, whose reads return (0, nil) on timeout.
type serialConn struct {
	serial.Port
}

func (c serialConn) Read(p []byte) (int, error) {
	n, err := c.Port.Read(p)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}

func openSerialPort(device string, baud int) (serial.Port, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) {
			switch perr.Code() {
			case serial.PortNotFound, serial.PortBusy, serial.PermissionDenied:
				return nil, fmt.Errorf("%w: %s: %v", ErrNotPresent, device, err)
			}
		}
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	return port, nil
}

func openASRL(_ context.Context, a Address, baud int, ioTimeout time.Duration) (Resource, error) {
	port, err := openSerialPort(a.Device, baud)
	if err != nil {
		return nil, err
	}
	setTimeout := func(d time.Duration) error {
		if d <= 0 {
			return port.SetReadTimeout(serial.NoTimeout)
		}
		return port.SetReadTimeout(d)
	}
	return newStream(a.String(), serialConn{port}, setTimeout, ioTimeout), nil
}

// SerialPorts lists the serial ports present on the host.
func SerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}
