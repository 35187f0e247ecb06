package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the JSON snapshot served at /api/v1/metrics. The
// Prometheus endpoint carries the counters.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	MQTT          *MQTTMetrics      `json:"mqtt,omitempty"`
	Instruments   InstrumentMetrics `json:"instruments"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// InstrumentMetrics counts open instruments per driver module.
type InstrumentMetrics struct {
	Open     int            `json:"open"`
	ByDriver map[string]int `json:"by_driver"`
	Drivers  int            `json:"drivers_registered"`
}

// handleMetrics returns a JSON snapshot of the server state.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.Hub().ClientCount(),
		},
		Instruments: InstrumentMetrics{
			ByDriver: make(map[string]int),
			Drivers:  s.engine.Registry().Len(),
		},
	}

	if s.mqtt != nil {
		m.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	for drv, classes := range s.engine.Manager().ByDriver() {
		for _, insts := range classes {
			m.Instruments.ByDriver[drv] += len(insts)
			m.Instruments.Open += len(insts)
		}
	}

	writeJSON(w, http.StatusOK, m)
}
