package resolve

import (
	"errors"

	"github.com/mabuchilab/instrumental/internal/instrument"
)

// Outcome is the result kind of one candidate construction.
type Outcome int

const (
	// Matched means the candidate produced an instrument.
	Matched Outcome = iota
	// NotApplicable means the candidate is not this device; try the next.
	NotApplicable
	// Failed is an error that must reach the caller.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case NotApplicable:
		return "not_applicable"
	}
	return "failed"
}

// Attempt is the result of trying one module or class.
type Attempt struct {
	Outcome    Outcome
	Instrument instrument.Instrument
	Err        error
}

// classify turns a construction result into an Attempt. With sole set the
// candidate is the only one left, so every error is Failed.
func classify(inst instrument.Instrument, err error, sole bool) Attempt {
	switch {
	case err == nil:
		return Attempt{Outcome: Matched, Instrument: inst}
	case sole:
		return Attempt{Outcome: Failed, Err: err}
	case errors.Is(err, instrument.ErrInstrumentType), errors.Is(err, instrument.ErrInstrumentNotFound):
		return Attempt{Outcome: NotApplicable, Err: err}
	}
	return Attempt{Outcome: Failed, Err: err}
}
