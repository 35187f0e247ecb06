package telemetry

import (
	"time"

	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
)

// Event is one facet write on one instrument.
type Event struct {
	InstrumentID string    `json:"instrument_id"`
	Alias        string    `json:"alias,omitempty"`
	Driver       string    `json:"driver"`
	Class        string    `json:"class"`
	Facet        string    `json:"facet"`
	Old          any       `json:"old"`
	New          any       `json:"new"`
	Timestamp    time.Time `json:"timestamp"`
}

// Key names the instrument in topics and keys: the alias when it has one,
// the instance ID otherwise.
func (e Event) Key() string {
	if e.Alias != "" {
		return e.Alias
	}
	return e.InstrumentID
}

// NewEvent builds an Event for a change on inst. The alias is read at
// call time so a later SaveInstrument is reflected.
func NewEvent(inst instrument.Instrument, ch facet.ChangeEvent) Event {
	return Event{
		InstrumentID: inst.ID(),
		Alias:        inst.Alias(),
		Driver:       inst.DriverName(),
		Class:        inst.ClassName(),
		Facet:        ch.Name,
		Old:          ch.Old,
		New:          ch.New,
		Timestamp:    time.Now().UTC(),
	}
}
