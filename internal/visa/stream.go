package visa

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// deadliner applies an I/O timeout to the underlying transport.
type deadliner func(d time.Duration) error

// stream implements Resource over a byte stream with terminated messages.
type stream struct {
	addr       string
	rwc        io.ReadWriteCloser
	reader     *bufio.Reader
	setTimeout deadliner
	timeout    time.Duration
	readTerm   string
	writeTerm  string

	mu     sync.Mutex
	closed bool
}

func newStream(addr string, rwc io.ReadWriteCloser, setTimeout deadliner, timeout time.Duration) *stream {
	return &stream{
		addr:       addr,
		rwc:        rwc,
		reader:     bufio.NewReader(rwc),
		setTimeout: setTimeout,
		timeout:    timeout,
		readTerm:   DefaultReadTermination,
		writeTerm:  DefaultWriteTermination,
	}
}

func (s *stream) Address() string { return s.addr }

func (s *stream) Write(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(msg)
}

func (s *stream) write(msg string) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.arm(); err != nil {
		return err
	}
	if _, err := io.WriteString(s.rwc, msg+s.writeTerm); err != nil {
		return fmt.Errorf("writing to %s: %w", s.addr, translate(err))
	}
	return nil
}

func (s *stream) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *stream) read() (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	if err := s.arm(); err != nil {
		return "", err
	}
	term := s.readTerm
	if term == "" {
		term = DefaultReadTermination
	}
	delim := term[len(term)-1]
	var b strings.Builder
	for {
		chunk, err := s.reader.ReadString(delim)
		b.WriteString(chunk)
		if err != nil {
			return "", fmt.Errorf("reading from %s: %w", s.addr, translate(err))
		}
		if strings.HasSuffix(b.String(), term) {
			return strings.TrimSuffix(b.String(), term), nil
		}
	}
}

func (s *stream) Query(msg string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(msg); err != nil {
		return "", err
	}
	return s.read()
}

func (s *stream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.reader.Reset(s.rwc)
	return nil
}

func (s *stream) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *stream) SetTermination(read, write string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readTerm = read
	s.writeTerm = write
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rwc.Close()
}

func (s *stream) arm() error {
	if s.setTimeout == nil {
		return nil
	}
	return s.setTimeout(s.timeout)
}

// translate maps transport timeouts onto ErrTimeout.
func translate(err error) error {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.ErrNoProgress) {
		return ErrTimeout
	}
	return err
}
