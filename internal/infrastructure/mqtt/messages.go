package mqtt

import (
	"encoding/json"
	"time"
)

// FacetValue is the retained payload on instrumental/{key}/facet/{facet}.
// Old and New are JSON-encoded as they are; quantities render in their
// own units ("1 kHz").
type FacetValue struct {
	InstrumentID string    `json:"instrument_id"`
	Alias        string    `json:"alias,omitempty"`
	Driver       string    `json:"driver"`
	Class        string    `json:"class"`
	Facet        string    `json:"facet"`
	Old          any       `json:"old"`
	New          any       `json:"new"`
	Timestamp    time.Time `json:"timestamp"`
}

// Key is the topic segment naming the instrument: its alias, or its
// instance ID when it was opened without one.
func (v FacetValue) Key() string {
	if v.Alias != "" {
		return v.Alias
	}
	return v.InstrumentID
}

// FacetCommand is a facet write received on a command topic. Value is the
// raw payload: a JSON scalar, a {"value": ...} object, or bare text such
// as 2.5 kHz.
type FacetCommand struct {
	Instrument string
	Facet      string
	Value      json.RawMessage
}

// FacetCommandHandler applies one facet command. A returned error is
// logged; the message is not redelivered.
type FacetCommandHandler func(cmd FacetCommand) error

// Status values and reasons carried on the system status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	ReasonShutdown   = "graceful_shutdown"
	ReasonDisconnect = "unexpected_disconnect"
)

// StatusMessage is the retained payload on instrumental/system/status.
// The broker publishes the ReasonDisconnect form as the last will.
type StatusMessage struct {
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func statusPayload(status, clientID, reason string) []byte {
	b, _ := json.Marshal(StatusMessage{ //nolint:errcheck // Plain strings and a time always encode
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	})
	return b
}
