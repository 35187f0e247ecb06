package visa

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/prologix"
	"go.bug.st/serial"
)

// gpibAdapter is one Prologix GPIB-USB controller shared by every GPIB
// resource on its bus. The controller is re-addressed whenever a different
// instrument talks.
type gpibAdapter struct {
	mu      sync.Mutex
	device  string
	baud    int
	port    serial.Port
	ctrl    *prologix.Controller
	active  Address
	hasCtrl bool
	refs    int
}

func newGPIBAdapter(device string, baud int) *gpibAdapter {
	return &gpibAdapter{device: device, baud: baud}
}

func (g *gpibAdapter) acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs == 0 {
		port, err := openSerialPort(g.device, g.baud)
		if err != nil {
			return err
		}
		g.port = port
	}
	g.refs++
	return nil
}

func (g *gpibAdapter) release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs == 0 {
		return nil
	}
	g.refs--
	if g.refs > 0 {
		return nil
	}
	if g.hasCtrl {
		// Give the front panel back before dropping the bus.
		_ = g.ctrl.FrontPanel(true)
	}
	g.ctrl, g.hasCtrl = nil, false
	err := g.port.Close()
	g.port = nil
	return err
}

// controller returns the Prologix controller addressed at a.
// The caller holds g.mu.
func (g *gpibAdapter) controller(a Address) (*prologix.Controller, error) {
	if g.hasCtrl && g.active.Primary == a.Primary && g.active.Secondary == a.Secondary {
		return g.ctrl, nil
	}
	ctrl, err := newPrologixController(serialConn{g.port}, a)
	if err != nil {
		g.hasCtrl = false
		return nil, fmt.Errorf("%w: addressing %s: %v", ErrNotPresent, a, err)
	}
	g.ctrl, g.active, g.hasCtrl = ctrl, a, true
	return ctrl, nil
}

// prologixSecondaryBase is added to a VISA secondary address (0-30) to form
// the GPIB secondary address byte the controller expects.
const prologixSecondaryBase = 96

// newPrologixController configures the controller on rw for a. The library
// sets only the primary address, so a secondary address is sent as a
// separate "++addr PAD SAD" command.
func newPrologixController(rw io.ReadWriter, a Address) (*prologix.Controller, error) {
	ctrl, err := prologix.NewController(rw, a.Primary, false)
	if err != nil {
		return nil, err
	}
	if a.Secondary >= 0 {
		cmd := fmt.Sprintf("addr %d %d", a.Primary, a.Secondary+prologixSecondaryBase)
		if err := ctrl.CommandController(cmd); err != nil {
			return nil, err
		}
	}
	return ctrl, nil
}

type gpibResource struct {
	adapter *gpibAdapter
	addr    Address
	timeout time.Duration
	closed  bool
}

func openGPIB(adapter *gpibAdapter, a Address, ioTimeout time.Duration) (Resource, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: %s (no GPIB controller configured)", ErrUnsupported, a)
	}
	if err := adapter.acquire(); err != nil {
		return nil, err
	}
	return &gpibResource{adapter: adapter, addr: a, timeout: ioTimeout}, nil
}

func (r *gpibResource) Address() string { return r.addr.String() }

func (r *gpibResource) do(fn func(*prologix.Controller) error) error {
	if r.closed {
		return ErrClosed
	}
	r.adapter.mu.Lock()
	defer r.adapter.mu.Unlock()
	if r.timeout > 0 {
		if err := r.adapter.port.SetReadTimeout(r.timeout); err != nil {
			return err
		}
	}
	ctrl, err := r.adapter.controller(r.addr)
	if err != nil {
		return err
	}
	return fn(ctrl)
}

func (r *gpibResource) Write(msg string) error {
	return r.do(func(c *prologix.Controller) error {
		if err := c.Command("%s", msg); err != nil {
			return fmt.Errorf("writing to %s: %w", r.addr, translate(err))
		}
		return nil
	})
}

// Read is not supported on its own; the controller reads only as part of
// a query.
func (r *gpibResource) Read() (string, error) {
	return "", fmt.Errorf("%w: bare read on %s", ErrUnsupported, r.addr)
}

func (r *gpibResource) Query(msg string) (string, error) {
	var resp string
	err := r.do(func(c *prologix.Controller) error {
		out, err := c.Query(msg)
		if err != nil {
			return fmt.Errorf("querying %s: %w", r.addr, translate(err))
		}
		resp = strings.TrimRight(out, "\r\n")
		return nil
	})
	return resp, err
}

func (r *gpibResource) Clear() error {
	return r.do(func(*prologix.Controller) error {
		return r.adapter.port.ResetInputBuffer()
	})
}

func (r *gpibResource) SetTimeout(d time.Duration) error {
	r.timeout = d
	return nil
}

// SetTermination is a no-op; the controller frames messages with EOI.
func (r *gpibResource) SetTermination(string, string) {}

func (r *gpibResource) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.adapter.release()
}
