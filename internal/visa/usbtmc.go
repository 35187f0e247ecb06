package visa

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USBTMC constants (USB Test & Measurement Class 1.0).
const (
	usbtmcSubclass         gousb.Class = 0x03
	usbtmcDevDepMsgOut                 = 1
	usbtmcRequestDevDepIn              = 2
	usbtmcHeaderSize                   = 12
	usbtmcMaxTransfer                  = 1024 * 1024
	usbtmcEOM                          = 0x01
	usbtmcDefaultTimeout               = 5 * time.Second
)

func isUSBTMC(s gousb.InterfaceSetting) bool {
	return s.Class == gousb.ClassApplication && s.SubClass == usbtmcSubclass
}

func hasUSBTMC(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if isUSBTMC(alt) {
					return true
				}
			}
		}
	}
	return false
}

type usbtmcResource struct {
	addr      Address
	dev       *gousb.Device
	cfg       *gousb.Config
	intf      *gousb.Interface
	out       *gousb.OutEndpoint
	in        *gousb.InEndpoint
	tag       byte
	timeout   time.Duration
	readTerm  string
	writeTerm string

	mu     sync.Mutex
	closed bool
}

func openUSBTMC(usb *gousb.Context, a Address, ioTimeout time.Duration) (Resource, error) {
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(a.VendorID) && desc.Product == gousb.ID(a.ProductID) && hasUSBTMC(desc)
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotPresent, a, err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil && (a.Serial == "" || serialNumber(d) == a.Serial) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotPresent, a)
	}

	r := &usbtmcResource{
		addr:      a,
		dev:       dev,
		timeout:   ioTimeout,
		readTerm:  DefaultReadTermination,
		writeTerm: DefaultWriteTermination,
	}
	if err := r.claim(); err != nil {
		r.release()
		return nil, err
	}
	return r, nil
}

func (r *usbtmcResource) claim() error {
	// Not every platform can detach kernel drivers.
	_ = r.dev.SetAutoDetach(true)

	num, err := r.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("%s: reading active config: %w", r.addr, err)
	}
	cfg, err := r.dev.Config(num)
	if err != nil {
		return fmt.Errorf("%s: claiming config %d: %w", r.addr, num, err)
	}
	r.cfg = cfg

	intfNum, altNum := -1, 0
	for _, intf := range cfg.Desc.Interfaces {
		for _, alt := range intf.AltSettings {
			if isUSBTMC(alt) {
				intfNum, altNum = intf.Number, alt.Alternate
				break
			}
		}
		if intfNum >= 0 {
			break
		}
	}
	if intfNum < 0 {
		return fmt.Errorf("%w: %s has no USBTMC interface", ErrUnsupported, r.addr)
	}
	intf, err := cfg.Interface(intfNum, altNum)
	if err != nil {
		return fmt.Errorf("%s: claiming interface %d: %w", r.addr, intfNum, err)
	}
	r.intf = intf

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if r.out == nil {
				if r.out, err = intf.OutEndpoint(ep.Number); err != nil {
					return fmt.Errorf("%s: opening bulk-out: %w", r.addr, err)
				}
			}
		case gousb.EndpointDirectionIn:
			if r.in == nil {
				if r.in, err = intf.InEndpoint(ep.Number); err != nil {
					return fmt.Errorf("%s: opening bulk-in: %w", r.addr, err)
				}
			}
		}
	}
	if r.out == nil || r.in == nil {
		return fmt.Errorf("%w: %s lacks bulk endpoints", ErrUnsupported, r.addr)
	}
	return nil
}

func (r *usbtmcResource) release() {
	if r.intf != nil {
		r.intf.Close()
	}
	if r.cfg != nil {
		_ = r.cfg.Close()
	}
	if r.dev != nil {
		_ = r.dev.Close()
	}
}

func (r *usbtmcResource) Address() string { return r.addr.String() }

func (r *usbtmcResource) nextTag() byte {
	r.tag++
	if r.tag == 0 {
		r.tag = 1
	}
	return r.tag
}

func (r *usbtmcResource) ioContext() (context.Context, context.CancelFunc) {
	d := r.timeout
	if d <= 0 {
		d = usbtmcDefaultTimeout
	}
	return context.WithTimeout(context.Background(), d)
}

func (r *usbtmcResource) header(msgID byte, size uint32, attrs byte) []byte {
	tag := r.nextTag()
	h := make([]byte, usbtmcHeaderSize)
	h[0] = msgID
	h[1] = tag
	h[2] = ^tag
	binary.LittleEndian.PutUint32(h[4:8], size)
	h[8] = attrs
	return h
}

func (r *usbtmcResource) Write(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(msg)
}

func (r *usbtmcResource) write(msg string) error {
	if r.closed {
		return ErrClosed
	}
	payload := []byte(msg + r.writeTerm)
	buf := r.header(usbtmcDevDepMsgOut, uint32(len(payload)), usbtmcEOM)
	buf = append(buf, payload...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	ctx, cancel := r.ioContext()
	defer cancel()
	if _, err := r.out.WriteContext(ctx, buf); err != nil {
		return fmt.Errorf("writing to %s: %w", r.addr, usbError(err))
	}
	return nil
}

func (r *usbtmcResource) Read() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

func (r *usbtmcResource) read() (string, error) {
	if r.closed {
		return "", ErrClosed
	}
	ctx, cancel := r.ioContext()
	defer cancel()

	var msg []byte
	for {
		req := r.header(usbtmcRequestDevDepIn, usbtmcMaxTransfer, 0)
		if _, err := r.out.WriteContext(ctx, req); err != nil {
			return "", fmt.Errorf("requesting from %s: %w", r.addr, usbError(err))
		}
		data, attrs, err := r.readTransfer(ctx)
		if err != nil {
			return "", err
		}
		msg = append(msg, data...)
		if attrs&usbtmcEOM != 0 {
			break
		}
	}
	return strings.TrimSuffix(string(msg), r.readTerm), nil
}

func (r *usbtmcResource) readTransfer(ctx context.Context) ([]byte, byte, error) {
	packet := make([]byte, r.in.Desc.MaxPacketSize*64)
	var buf []byte
	for {
		n, err := r.in.ReadContext(ctx, packet)
		if err != nil {
			return nil, 0, fmt.Errorf("reading from %s: %w", r.addr, usbError(err))
		}
		buf = append(buf, packet[:n]...)
		if len(buf) < usbtmcHeaderSize {
			continue
		}
		if buf[0] != usbtmcRequestDevDepIn {
			return nil, 0, fmt.Errorf("reading from %s: unexpected message id %d", r.addr, buf[0])
		}
		size := int(binary.LittleEndian.Uint32(buf[4:8]))
		if len(buf) >= usbtmcHeaderSize+size {
			return buf[usbtmcHeaderSize : usbtmcHeaderSize+size], buf[8], nil
		}
	}
}

func (r *usbtmcResource) Query(msg string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(msg); err != nil {
		return "", err
	}
	return r.read()
}

func (r *usbtmcResource) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	// INITIATE_CLEAR (class request 5) on the interface.
	_, err := r.dev.Control(gousb.ControlIn|gousb.ControlClass|gousb.ControlInterface, 5, 0, uint16(r.intf.Setting.Number), make([]byte, 1))
	if err != nil {
		return fmt.Errorf("clearing %s: %w", r.addr, usbError(err))
	}
	return nil
}

func (r *usbtmcResource) SetTimeout(d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
	return nil
}

func (r *usbtmcResource) SetTermination(read, write string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readTerm, r.writeTerm = read, write
}

func (r *usbtmcResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.release()
	return nil
}

func usbError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.ErrorTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.ErrorNotFound) {
		return fmt.Errorf("%w: %v", ErrNotPresent, err)
	}
	return err
}

// listUSBTMC returns the resource strings of attached USBTMC devices.
func listUSBTMC(usb *gousb.Context) ([]string, error) {
	devs, err := usb.OpenDevices(hasUSBTMC)
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 && !errors.Is(err, gousb.ErrorAccess) {
		return nil, fmt.Errorf("enumerating USB devices: %w", err)
	}
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		a := Address{
			Interface: InterfaceUSB,
			Class:     ClassInstr,
			Secondary: -1,
			VendorID:  uint16(d.Desc.Vendor),
			ProductID: uint16(d.Desc.Product),
		}
		a.Serial = serialNumber(d)
		out = append(out, a.String())
	}
	return out, nil
}

func serialNumber(d *gousb.Device) string {
	sn, err := d.SerialNumber()
	if err != nil {
		return ""
	}
	return sn
}
