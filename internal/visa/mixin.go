package visa

import (
	"fmt"
	"strings"

	"github.com/mabuchilab/instrumental/internal/infrastructure/metrics"
)

// Mixin gives a driver batched message I/O over an attached Resource.
//
// Outside a transaction Write sends immediately. Inside one, writes are
// queued and sent as a single ';'-joined message, either right before the
// next Query or when the transaction ends.
type Mixin struct {
	rsrc  Resource
	queue []string
	depth int
}

// AttachResource hands r to the mixin. The driver owns it from then on.
func (m *Mixin) AttachResource(r Resource) { m.rsrc = r }

// Resource returns the attached resource, or nil.
func (m *Mixin) Resource() Resource { return m.rsrc }

// InTransaction reports whether writes are currently queued.
func (m *Mixin) InTransaction() bool { return m.depth > 0 }

// Write sends msg, or queues it inside a transaction.
func (m *Mixin) Write(msg string) error {
	if m.rsrc == nil {
		return ErrNoResource
	}
	if m.depth > 0 {
		if !strings.HasPrefix(msg, ":") {
			msg = ":" + msg
		}
		m.queue = append(m.queue, msg)
		metrics.VisaMessages.WithLabelValues("queued").Inc()
		return nil
	}
	metrics.VisaMessages.WithLabelValues("write").Inc()
	return m.rsrc.Write(msg)
}

// Writef formats and writes a message.
func (m *Mixin) Writef(format string, args ...any) error {
	return m.Write(fmt.Sprintf(format, args...))
}

// Query flushes any queued writes, then performs a write/read round trip.
func (m *Mixin) Query(msg string) (string, error) {
	if m.rsrc == nil {
		return "", ErrNoResource
	}
	if err := m.flush(); err != nil {
		return "", err
	}
	metrics.VisaMessages.WithLabelValues("query").Inc()
	return m.rsrc.Query(msg)
}

// Queryf formats and queries a message.
func (m *Mixin) Queryf(format string, args ...any) (string, error) {
	return m.Query(fmt.Sprintf(format, args...))
}

// Transaction runs fn with writes batched. Whatever is still queued is
// flushed once when fn returns or panics. A nested call joins the
// enclosing transaction.
func (m *Mixin) Transaction(fn func() error) (err error) {
	m.depth++
	if m.depth == 1 {
		m.queue = m.queue[:0]
	}
	defer func() {
		m.depth--
		if m.depth > 0 {
			return
		}
		ferr := m.flush()
		m.queue = nil
		if err == nil {
			err = ferr
		}
	}()
	return fn()
}

func (m *Mixin) flush() error {
	if len(m.queue) == 0 {
		return nil
	}
	msg := strings.Join(m.queue, ";")
	m.queue = m.queue[:0]
	metrics.VisaFlushes.Inc()
	return m.rsrc.Write(msg)
}

// CloseResource closes the attached resource.
func (m *Mixin) CloseResource() error {
	if m.rsrc == nil {
		return nil
	}
	err := m.rsrc.Close()
	m.rsrc = nil
	return err
}
