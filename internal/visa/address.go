package visa

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Interface is the bus type of a resource address.
type Interface string

const (
	InterfaceTCPIP Interface = "TCPIP"
	InterfaceASRL  Interface = "ASRL"
	InterfaceGPIB  Interface = "GPIB"
	InterfaceUSB   Interface = "USB"
)

// Resource classes.
const (
	ClassInstr  = "INSTR"
	ClassSocket = "SOCKET"
)

// Address is a parsed VISA resource string.
type Address struct {
	Interface Interface
	Board     int
	Class     string

	// TCPIP
	Host string
	Port int

	// ASRL
	Device string

	// GPIB; Secondary is -1 when absent.
	Primary   int
	Secondary int

	// USB
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// ParseAddress parses TCPIP socket, ASRL, GPIB and USB resource strings,
// e.g. "TCPIP0::10.0.0.5::5025::SOCKET", "ASRL/dev/ttyUSB0::INSTR",
// "GPIB::10" or "USB0::0x1AB1::0x0E11::DP7A1234::INSTR".
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	parts := strings.Split(raw, "::")
	head := strings.ToUpper(parts[0])
	a := Address{Secondary: -1, Class: ClassInstr}

	var board string
	switch {
	case strings.HasPrefix(head, string(InterfaceTCPIP)):
		a.Interface, board = InterfaceTCPIP, parts[0][len(InterfaceTCPIP):]
	case strings.HasPrefix(head, string(InterfaceASRL)):
		a.Interface = InterfaceASRL
		a.Device = serialDevice(parts[0][len(InterfaceASRL):])
		if a.Device == "" {
			return Address{}, fmt.Errorf("%w: %q has no serial device", ErrInvalidAddress, s)
		}
	case strings.HasPrefix(head, string(InterfaceGPIB)):
		a.Interface, board = InterfaceGPIB, parts[0][len(InterfaceGPIB):]
	case strings.HasPrefix(head, string(InterfaceUSB)):
		a.Interface, board = InterfaceUSB, parts[0][len(InterfaceUSB):]
	default:
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if board != "" {
		n, err := strconv.Atoi(board)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %q: bad board number", ErrInvalidAddress, s)
		}
		a.Board = n
	}

	rest := parts[1:]
	if n := len(rest); n > 0 {
		switch last := strings.ToUpper(rest[n-1]); last {
		case ClassInstr, ClassSocket:
			a.Class = last
			rest = rest[:n-1]
		}
	}

	var err error
	switch a.Interface {
	case InterfaceTCPIP:
		err = a.parseTCPIP(rest)
	case InterfaceASRL:
		if len(rest) != 0 {
			err = fmt.Errorf("unexpected fields %v", rest)
		}
	case InterfaceGPIB:
		err = a.parseGPIB(rest)
	case InterfaceUSB:
		err = a.parseUSB(rest)
	}
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return a, nil
}

func (a *Address) parseTCPIP(rest []string) error {
	if len(rest) == 0 || rest[0] == "" {
		return fmt.Errorf("missing host")
	}
	a.Host = rest[0]
	if a.Class != ClassSocket {
		// VXI-11 and HiSLIP instruments carry a device name, not a port.
		return nil
	}
	if len(rest) != 2 {
		return fmt.Errorf("socket address needs host and port")
	}
	port, err := strconv.Atoi(rest[1])
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("bad port %q", rest[1])
	}
	a.Port = port
	return nil
}

func (a *Address) parseGPIB(rest []string) error {
	if len(rest) == 0 || len(rest) > 2 {
		return fmt.Errorf("need primary and optional secondary address")
	}
	p, err := strconv.Atoi(rest[0])
	if err != nil || p < 0 || p > 30 {
		return fmt.Errorf("bad primary address %q", rest[0])
	}
	a.Primary = p
	if len(rest) == 2 {
		sad, err := strconv.Atoi(rest[1])
		if err != nil || sad < 0 || sad > 30 {
			return fmt.Errorf("bad secondary address %q", rest[1])
		}
		a.Secondary = sad
	}
	return nil
}

func (a *Address) parseUSB(rest []string) error {
	if len(rest) < 2 {
		return fmt.Errorf("need vendor and product id")
	}
	vid, err := strconv.ParseUint(rest[0], 0, 16)
	if err != nil {
		return fmt.Errorf("bad vendor id %q", rest[0])
	}
	pid, err := strconv.ParseUint(rest[1], 0, 16)
	if err != nil {
		return fmt.Errorf("bad product id %q", rest[1])
	}
	a.VendorID, a.ProductID = uint16(vid), uint16(pid)
	if len(rest) > 2 {
		a.Serial = rest[2]
	}
	return nil
}

// serialDevice maps the ASRL suffix to an OS port name. Numeric suffixes
// name COM ports on Windows and /dev/ttyS devices elsewhere.
func serialDevice(suffix string) string {
	if suffix == "" {
		return ""
	}
	if n, err := strconv.Atoi(suffix); err == nil {
		if runtime.GOOS == "windows" {
			return "COM" + strconv.Itoa(n)
		}
		return "/dev/ttyS" + strconv.Itoa(n)
	}
	return suffix
}

// String returns the canonical resource string.
func (a Address) String() string {
	switch a.Interface {
	case InterfaceTCPIP:
		if a.Class == ClassSocket {
			return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", a.Board, a.Host, a.Port)
		}
		return fmt.Sprintf("TCPIP%d::%s::INSTR", a.Board, a.Host)
	case InterfaceASRL:
		return "ASRL" + a.Device + "::INSTR"
	case InterfaceGPIB:
		if a.Secondary >= 0 {
			return fmt.Sprintf("GPIB%d::%d::%d::INSTR", a.Board, a.Primary, a.Secondary)
		}
		return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.Primary)
	case InterfaceUSB:
		s := fmt.Sprintf("USB%d::0x%04X::0x%04X", a.Board, a.VendorID, a.ProductID)
		if a.Serial != "" {
			s += "::" + a.Serial
		}
		return s + "::INSTR"
	}
	return ""
}

// MatchQuery reports whether addr matches a VISA search expression such
// as "?*::INSTR" or "ASRL?*". '?' matches one character and '*' repeats
// the previous token; matching is case-insensitive.
func MatchQuery(query, addr string) bool {
	re, err := compileQuery(query)
	if err != nil {
		return false
	}
	return re.MatchString(addr)
}

func compileQuery(query string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range query {
		switch r {
		case '?':
			b.WriteString(".")
		case '*', '+':
			b.WriteRune(r)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
