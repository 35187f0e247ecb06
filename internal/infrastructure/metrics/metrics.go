// Package metrics holds the Prometheus collectors of the instrument
// service. Collectors are package-level so any layer can record without
// plumbing; they are exported only once Register is called.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resolutions counts instrument resolutions by dispatch path and outcome.
	Resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instrumental_resolutions_total",
		Help: "Instrument resolutions by dispatch path and outcome.",
	}, []string{"path", "outcome"})

	// ResolutionDuration observes how long a resolution took.
	ResolutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "instrumental_resolution_duration_seconds",
		Help:    "Time spent resolving an instrument.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	// InstrumentsOpen is the number of live instruments.
	InstrumentsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "instrumental_instruments_open",
		Help: "Instruments currently open.",
	})

	// VisaFlushes counts physical writes issued by transaction flushes.
	VisaFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instrumental_visa_flushes_total",
		Help: "Batched transaction writes sent to devices.",
	})

	// VisaMessages counts logical VISA messages by direction (write, query, queued).
	VisaMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instrumental_visa_messages_total",
		Help: "Logical VISA messages by direction.",
	}, []string{"direction"})

	// FacetWrites counts facet changes delivered to telemetry.
	FacetWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instrumental_facet_writes_total",
		Help: "Facet value changes by driver and facet.",
	}, []string{"driver", "facet"})

	// SinkErrors counts telemetry sink failures.
	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instrumental_telemetry_sink_errors_total",
		Help: "Telemetry sink failures by sink.",
	}, []string{"sink"})
)

var (
	registerOnce sync.Once
	registerErr  error
)

func serviceCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		Resolutions,
		ResolutionDuration,
		InstrumentsOpen,
		VisaFlushes,
		VisaMessages,
		FacetWrites,
		SinkErrors,
	}
}

// Register adds every collector to reg. Later calls are no-ops returning
// the first result.
func Register(reg prometheus.Registerer) error {
	registerOnce.Do(func() {
		for _, c := range serviceCollectors() {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if errors.As(err, &are) {
					continue
				}
				registerErr = err
				return
			}
		}
	})
	return registerErr
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
