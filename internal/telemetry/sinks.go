package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mabuchilab/instrumental/internal/infrastructure/influxdb"
	"github.com/mabuchilab/instrumental/internal/infrastructure/mqtt"
	"github.com/mabuchilab/instrumental/internal/store"
)

// FacetPublisher is the part of mqtt.Client used by MQTTSink.
type FacetPublisher interface {
	PublishFacetValue(v mqtt.FacetValue) error
}

// MQTTSink publishes each event as the retained value of its facet.
type MQTTSink struct {
	client FacetPublisher
}

// NewMQTTSink creates an MQTT sink.
func NewMQTTSink(client FacetPublisher) *MQTTSink {
	return &MQTTSink{client: client}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Record(_ context.Context, e Event) error {
	return s.client.PublishFacetValue(mqtt.FacetValue(e))
}

// FacetWriter is the part of influxdb.Client used by InfluxSink.
type FacetWriter interface {
	WriteFacetValue(s influxdb.FacetSample)
}

// InfluxSink writes the new value of each event as a facet_value point.
type InfluxSink struct {
	w FacetWriter
}

// NewInfluxSink creates an InfluxDB sink.
func NewInfluxSink(w FacetWriter) *InfluxSink { return &InfluxSink{w: w} }

func (s *InfluxSink) Name() string { return "influxdb" }

func (s *InfluxSink) Record(_ context.Context, e Event) error {
	s.w.WriteFacetValue(influxdb.FacetSample{
		InstrumentID: e.InstrumentID,
		Alias:        e.Alias,
		Driver:       e.Driver,
		Class:        e.Class,
		Facet:        e.Facet,
		Value:        e.New,
		Time:         e.Timestamp,
	})
	return nil
}

// EventQueue is the part of redisq.Queue used by RedisSink.
type EventQueue interface {
	Publish(ctx context.Context, instrument string, payload []byte) error
}

// RedisSink publishes each event on the Redis channel and backup list.
type RedisSink struct {
	q EventQueue
}

// NewRedisSink creates a Redis sink.
func NewRedisSink(q EventQueue) *RedisSink { return &RedisSink{q: q} }

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Record(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return s.q.Publish(ctx, e.Key(), payload)
}

// HistoryRecorder is the part of store.SQLiteStore used by HistorySink.
type HistoryRecorder interface {
	RecordFacetChange(ctx context.Context, e store.HistoryEntry) error
}

// HistorySink appends each new value to the facet history table.
type HistorySink struct {
	h HistoryRecorder
}

// NewHistorySink creates a history sink.
func NewHistorySink(h HistoryRecorder) *HistorySink { return &HistorySink{h: h} }

func (s *HistorySink) Name() string { return "history" }

func (s *HistorySink) Record(ctx context.Context, e Event) error {
	value, err := json.Marshal(e.New)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	return s.h.RecordFacetChange(ctx, store.HistoryEntry{
		InstrumentID: e.InstrumentID,
		Alias:        e.Alias,
		Driver:       e.Driver,
		Class:        e.Class,
		Facet:        e.Facet,
		Value:        value,
		CreatedAt:    e.Timestamp,
	})
}
