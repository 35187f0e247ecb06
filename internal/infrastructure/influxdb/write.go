package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/mabuchilab/instrumental/internal/units"
)

// MeasurementFacetValue is the measurement facet samples land in.
const MeasurementFacetValue = "facet_value"

// Tag and field keys of facet_value points.
const (
	TagSite         = "site"
	TagInstrumentID = "instrument_id"
	TagAlias        = "alias"
	TagDriver       = "driver"
	TagClass        = "class"
	TagFacet        = "facet"
	TagUnit         = "unit"

	FieldValue = "value" // numbers and quantity magnitudes
	FieldState = "state" // booleans
	FieldText  = "text"  // everything else
)

// FacetSample is one facet value of one instrument at one time.
//
// A units.Quantity value is split into its magnitude (the value field)
// and its unit (the unit tag), so a series keeps the unit the driver
// reported. Unit is only consulted for plain numbers.
type FacetSample struct {
	InstrumentID string
	Alias        string
	Driver       string
	Class        string
	Facet        string
	Value        any
	Unit         string
	Time         time.Time
}

// Point renders s as a facet_value point. Empty tags are left out; a zero
// Time means now.
func (s FacetSample) Point() *write.Point {
	fields, unit := s.fields()
	tags := map[string]string{
		TagInstrumentID: s.InstrumentID,
		TagFacet:        s.Facet,
	}
	for k, v := range map[string]string{
		TagAlias:  s.Alias,
		TagDriver: s.Driver,
		TagClass:  s.Class,
		TagUnit:   unit,
	} {
		if v != "" {
			tags[k] = v
		}
	}

	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementFacetValue, tags, fields, ts)
}

func (s FacetSample) fields() (map[string]interface{}, string) {
	switch x := s.Value.(type) {
	case units.Quantity:
		return map[string]interface{}{FieldValue: x.Magnitude}, x.Unit.String()
	case float64:
		return map[string]interface{}{FieldValue: x}, s.Unit
	case float32:
		return map[string]interface{}{FieldValue: float64(x)}, s.Unit
	case int:
		return map[string]interface{}{FieldValue: float64(x)}, s.Unit
	case int64:
		return map[string]interface{}{FieldValue: float64(x)}, s.Unit
	case int32:
		return map[string]interface{}{FieldValue: float64(x)}, s.Unit
	case uint:
		return map[string]interface{}{FieldValue: float64(x)}, s.Unit
	case uint64:
		return map[string]interface{}{FieldValue: float64(x)}, s.Unit
	case bool:
		return map[string]interface{}{FieldState: x}, ""
	case nil:
		return map[string]interface{}{FieldText: ""}, ""
	case string:
		return map[string]interface{}{FieldText: x}, ""
	case fmt.Stringer:
		return map[string]interface{}{FieldText: x.String()}, ""
	default:
		return map[string]interface{}{FieldText: fmt.Sprint(x)}, ""
	}
}

// WriteFacetValue queues s for the next batch. It never blocks, and drops
// the sample once the client is closed.
//
// Example:
//
//	client.WriteFacetValue(influxdb.FacetSample{
//	    Alias: "lockin", Driver: "lockins.sr850", Facet: "frequency",
//	    Value: units.Q(1, "kHz"),
//	})
func (c *Client) WriteFacetValue(s FacetSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(s.Point())
}
