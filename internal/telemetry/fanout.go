package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/infrastructure/metrics"
	"github.com/mabuchilab/instrumental/internal/instrument"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("telemetry: fanout closed")

// sinkTimeout bounds a single delivery to one sink.
const sinkTimeout = 5 * time.Second

// Sink receives facet change events.
type Sink interface {
	Name() string
	Record(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, e Event) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Record(ctx context.Context, e Event) error { return s.Fn(ctx, e) }

// Fanout queues events and delivers them to every sink from one worker.
type Fanout struct {
	sinks  []Sink
	events chan Event

	mu       sync.RWMutex
	closed   bool
	logger   Logger
	attached map[string]bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewFanout creates a Fanout with a queue of the given size.
func NewFanout(buffer int, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 1
	}
	return &Fanout{
		sinks:    sinks,
		events:   make(chan Event, buffer),
		logger:   noopLogger{},
		attached: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for delivery failures.
func (f *Fanout) SetLogger(logger Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	f.logger = logger
}

func (f *Fanout) log() Logger {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.logger
}

// Attach observes every facet of inst. An instrument already attached is
// left alone and Attach reports false.
func (f *Fanout) Attach(inst instrument.Instrument) bool {
	f.mu.Lock()
	if f.attached[inst.ID()] {
		f.mu.Unlock()
		return false
	}
	f.attached[inst.ID()] = true
	f.mu.Unlock()

	inst.Facets().ObserveAll(func(ch facet.ChangeEvent) {
		f.Enqueue(NewEvent(inst, ch))
	})
	return true
}

// Enqueue queues e without blocking. A full queue or a closed Fanout
// drops the event and reports false.
func (f *Fanout) Enqueue(e Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.events <- e:
		metrics.FacetWrites.WithLabelValues(e.Driver, e.Facet).Inc()
		return true
	default:
		metrics.SinkErrors.WithLabelValues("queue").Inc()
		f.logger.Warn("telemetry queue full, dropping event",
			"instrument", e.Key(), "facet", e.Facet)
		return false
	}
}

// Run delivers queued events until ctx is done or Close is called. After
// Close it drains what is already queued and returns ErrClosed.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.stopOnce.Do(func() { close(f.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-f.events:
			if !ok {
				return ErrClosed
			}
			f.Deliver(ctx, e)
		}
	}
}

// Deliver sends e to every sink synchronously.
func (f *Fanout) Deliver(ctx context.Context, e Event) {
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := s.Record(sctx, e)
		cancel()
		if err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			f.log().Warn("telemetry sink failed",
				"sink", s.Name(), "instrument", e.Key(), "facet", e.Facet, "error", err)
		}
	}
}

// Close stops accepting events. It does not wait for Run; use Wait.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}

// Wait blocks until Run has returned.
func (f *Fanout) Wait() {
	<-f.done
}
