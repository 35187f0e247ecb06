// Package serialoven drives bench ovens that speak a line-based ASCII
// protocol over a USB serial adapter.
//
// Commands are terminated by CRLF and every command gets a one-line reply:
//
//	ID?          OVEN,<serial>
//	TEMP?        chamber temperature in degrees Celsius
//	SETP <c>     OK
//	SETP?        regulation setpoint in degrees Celsius
//	HEAT <0|1>   OK
//	HEAT?        0 or 1
package serialoven

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
)

const (
	// ModuleName is the registry name of this driver.
	ModuleName = "tempcontrollers.serialoven"

	// className is the name of the oven class. The facet getters reach
	// query, so query cannot refer to Oven itself.
	className = "Oven"

	// KeyPort is the serial device, e.g. /dev/ttyUSB0 or COM4.
	KeyPort = "port"
	// KeySerial is the adapter's USB serial number.
	KeySerial = "serial"

	// USB IDs of the FTDI bridge fitted to the ovens.
	vendorID  = "0403"
	productID = "6001"

	baudRate    = 9600
	readTimeout = time.Second
	celsiusZero = 273.15
)

var (
	// ErrNotOven is returned when the port answers with something other
	// than an oven identification.
	ErrNotOven = errors.New("serialoven: device is not an oven")
	// ErrReply is returned for a malformed or refused reply.
	ErrReply = errors.New("serialoven: bad reply")
)

// Package hooks, replaced in tests.
var (
	listPorts = enumerator.GetDetailedPortsList
	dial      = openPort
)

// Oven is the oven class.
var Oven = &instrument.Class{
	Module: ModuleName,
	Name:   className,
	Params: []string{KeyPort, KeySerial},
	Doc:    "USB serial bench oven",
	Facets: []*facet.Facet{
		facet.New("temperature", facet.WithUnits("K"), facet.WithDoc("chamber temperature")).
			Getter(facet.GetterOf((*Controller).temperature)),
		facet.Manual("setpoint",
			facet.WithUnits("K"),
			facet.WithDefault("298.15 K"),
			facet.WithLimits(facet.Lit(273.15), facet.Lit(573.15), facet.NoLimit),
			facet.SaveOnSet(),
			facet.WithDoc("regulation target applied by Regulate"),
		),
		facet.New("heater", facet.WithType(facet.ToBool)).
			Getter(facet.GetterOf((*Controller).heater)).
			Setter(facet.SetterOf((*Controller).setHeater)),
	},
	New: func() instrument.Instrument { return &Controller{} },
}

func init() {
	driver.MustRegister(&driver.Module{
		Name:            ModuleName,
		Params:          []string{KeyPort, KeySerial},
		Classes:         []*instrument.Class{Oven},
		Imports:         []string{"go.bug.st/serial"},
		Doc:             "USB serial bench ovens",
		Available:       Available,
		ListInstruments: ListInstruments,
	})
}

// Available reports whether the host can enumerate serial ports.
func Available() error {
	if _, err := serial.GetPortsList(); err != nil {
		return fmt.Errorf("serialoven: %w", err)
	}
	return nil
}

// ListInstruments returns one ParamSet per connected oven adapter.
func ListInstruments(context.Context) ([]*instrument.ParamSet, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("serialoven: listing ports: %w", err)
	}
	var out []*instrument.ParamSet
	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(p.VID, vendorID) || !strings.EqualFold(p.PID, productID) {
			continue
		}
		ps := instrument.NewParamSet(
			instrument.KeyModule, ModuleName,
			instrument.KeyClassname, Oven.Name,
			KeyPort, p.Name,
		)
		if p.SerialNumber != "" {
			ps.Set(KeySerial, p.SerialNumber)
		}
		out = append(out, ps)
	}
	return out, nil
}

func openPort(name string) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialoven: opening %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialoven: %s: %w", name, err)
	}
	return port, nil
}

// Controller is an open oven.
type Controller struct {
	instrument.Base

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	rd     *bufio.Reader
	serial string
}

// Initialize opens the port and checks the identification reply.
func (c *Controller) Initialize(map[string]any) error {
	port := c.ParamSet().GetString(KeyPort)
	if port == "" {
		return fmt.Errorf("%w: %s requires a %s parameter", instrument.ErrConfig, Oven.FullName(), KeyPort)
	}
	conn, err := dial(port)
	if err != nil {
		return err
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)

	id, err := c.query("ID?")
	if err != nil {
		_ = c.closeConn()
		return err
	}
	kind, sn, _ := strings.Cut(id, ",")
	if kind != "OVEN" {
		_ = c.closeConn()
		return fmt.Errorf("%w: %s answered %q", ErrNotOven, port, id)
	}
	if want := c.ParamSet().GetString(KeySerial); want != "" && want != sn {
		_ = c.closeConn()
		return fmt.Errorf("%w: %s has serial %q, want %q", instrument.ErrInstrumentNotFound, port, sn, want)
	}
	c.serial = sn
	return nil
}

// SerialNumber returns the serial number reported by the oven.
func (c *Controller) SerialNumber() string { return c.serial }

func (c *Controller) query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", fmt.Errorf("%w: %s", instrument.ErrNotInitialized, ModuleName+"."+className)
	}
	if _, err := io.WriteString(c.conn, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("serialoven: writing %q: %w", cmd, err)
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("serialoven: reading reply to %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

func (c *Controller) command(cmd string) error {
	reply, err := c.query(cmd)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("%w: %q to %q", ErrReply, reply, cmd)
	}
	return nil
}

func (c *Controller) queryFloat(cmd string) (float64, error) {
	reply, err := c.query(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q to %q", ErrReply, reply, cmd)
	}
	return v, nil
}

func (c *Controller) temperature() (any, error) {
	t, err := c.queryFloat("TEMP?")
	if err != nil {
		return nil, err
	}
	return t + celsiusZero, nil
}

func (c *Controller) heater() (any, error) {
	reply, err := c.query("HEAT?")
	if err != nil {
		return nil, err
	}
	return reply == "1", nil
}

func (c *Controller) setHeater(v any) error {
	if on, _ := v.(bool); on {
		return c.command("HEAT 1")
	}
	return c.command("HEAT 0")
}

// Regulate sends the stored setpoint to the oven and enables the heater.
func (c *Controller) Regulate() error {
	q, err := facet.Quantity(c, "setpoint")
	if err != nil {
		return err
	}
	k, err := q.In("K")
	if err != nil {
		return err
	}
	celsius := k - celsiusZero
	if err := c.command("SETP " + strconv.FormatFloat(celsius, 'f', 2, 64)); err != nil {
		return err
	}
	return c.Set("heater", true)
}

// Setpoint returns the setpoint the oven is currently regulating to.
func (c *Controller) Setpoint() (float64, error) {
	t, err := c.queryFloat("SETP?")
	if err != nil {
		return 0, err
	}
	return t + celsiusZero, nil
}

func (c *Controller) closeConn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Close releases the port and unregisters the instrument.
func (c *Controller) Close() error {
	err := c.closeConn()
	if cerr := c.Base.Close(); err == nil {
		err = cerr
	}
	return err
}
