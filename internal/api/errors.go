package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
	"github.com/mabuchilab/instrumental/internal/units"
	"github.com/mabuchilab/instrumental/internal/visa"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeNotIdentified  = "not_identified"
	ErrCodeTimeout        = "device_timeout"
	ErrCodeUnavailable    = "service_unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps instrument, facet and VISA errors to responses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, instrument.ErrInstrumentNotFound),
		errors.Is(err, instrument.ErrAliasNotFound),
		errors.Is(err, facet.ErrUnknownFacet),
		errors.Is(err, visa.ErrNotPresent):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, instrument.ErrInstrumentExists),
		errors.Is(err, instrument.ErrAliasExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, instrument.ErrDriverNotIdentified),
		errors.Is(err, instrument.ErrInstrumentType):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeNotIdentified, err.Error())
	case errors.Is(err, instrument.ErrConfig),
		errors.Is(err, facet.ErrBadValue),
		errors.Is(err, facet.ErrOutOfRange),
		errors.Is(err, facet.ErrReadOnly),
		errors.Is(err, facet.ErrNotReadable),
		errors.Is(err, units.ErrDimensionality),
		errors.Is(err, units.ErrParse):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, visa.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, instrument.ErrNoStore):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
