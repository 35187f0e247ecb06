package visa

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/gousb"
)

// Options configures the backends of a Manager.
type Options struct {
	// OpenTimeout bounds connecting to a device.
	OpenTimeout time.Duration
	// IOTimeout bounds each read.
	IOTimeout time.Duration
	// SerialBaudRate applies to ASRL resources and the GPIB controller.
	SerialBaudRate int
	// PrologixPort is the serial device of a Prologix GPIB controller.
	// GPIB resources are unavailable when it is empty.
	PrologixPort string
	// USB enables USBTMC resources.
	USB bool
	// SocketHosts lists "host:port" endpoints reported as TCPIP sockets.
	SocketHosts []string
}

// Manager opens resources over TCP sockets, serial ports, a Prologix GPIB
// controller and USBTMC.
type Manager struct {
	opts   Options
	gpib   *gpibAdapter
	logger Logger

	usbOnce sync.Once
	usb     *gousb.Context
}

// NewManager creates a Manager. It opens nothing until used.
func NewManager(opts Options) *Manager {
	if opts.SerialBaudRate == 0 {
		opts.SerialBaudRate = 9600
	}
	m := &Manager{opts: opts, logger: noopLogger{}}
	if opts.PrologixPort != "" {
		m.gpib = newGPIBAdapter(opts.PrologixPort, opts.SerialBaudRate)
	}
	return m
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

func (m *Manager) usbContext() *gousb.Context {
	m.usbOnce.Do(func() {
		m.usb = gousb.NewContext()
	})
	return m.usb
}

// Open connects to the resource at address.
func (m *Manager) Open(ctx context.Context, address string) (Resource, error) {
	a, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if m.opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.OpenTimeout)
		defer cancel()
	}
	m.logger.Debug("opening resource", "address", a.String())

	switch a.Interface {
	case InterfaceTCPIP:
		return openSocket(ctx, a, m.opts.OpenTimeout, m.opts.IOTimeout)
	case InterfaceASRL:
		return openASRL(ctx, a, m.opts.SerialBaudRate, m.opts.IOTimeout)
	case InterfaceGPIB:
		return openGPIB(m.gpib, a, m.opts.IOTimeout)
	case InterfaceUSB:
		if !m.opts.USB {
			return nil, fmt.Errorf("%w: %s (USB disabled)", ErrUnsupported, a)
		}
		return openUSBTMC(m.usbContext(), a, m.opts.IOTimeout)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, address)
}

// ListResources returns every known address matching query. Serial ports
// and USBTMC devices are discovered; sockets come from the configuration.
// GPIB devices are not discoverable through the controller.
func (m *Manager) ListResources(ctx context.Context, query string) ([]string, error) {
	var found []string

	for _, hp := range m.opts.SocketHosts {
		host, port, err := net.SplitHostPort(hp)
		if err != nil {
			m.logger.Warn("ignoring socket host", "host", hp, "error", err)
			continue
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			m.logger.Warn("ignoring socket host", "host", hp, "error", err)
			continue
		}
		found = append(found, Address{Interface: InterfaceTCPIP, Class: ClassSocket, Host: host, Port: n, Secondary: -1}.String())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := SerialPorts()
	if err != nil {
		m.logger.Warn("serial enumeration failed", "error", err)
	}
	sort.Strings(ports)
	for _, p := range ports {
		if p == m.opts.PrologixPort {
			continue
		}
		found = append(found, Address{Interface: InterfaceASRL, Class: ClassInstr, Device: p, Secondary: -1}.String())
	}

	if m.opts.USB {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		usb, err := listUSBTMC(m.usbContext())
		if err != nil {
			m.logger.Warn("USB enumeration failed", "error", err)
		}
		found = append(found, usb...)
	}

	out := found[:0]
	for _, addr := range found {
		if query == "" || MatchQuery(query, addr) {
			out = append(out, addr)
		}
	}
	return out, nil
}

// Close releases the USB context.
func (m *Manager) Close() error {
	if m.usb != nil {
		return m.usb.Close()
	}
	return nil
}
