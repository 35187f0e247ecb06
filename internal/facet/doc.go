// Package facet implements declarative, cached, unit-aware instrument properties.
//
// A Facet is declared once per driver type and shared by every instance of
// that type. It never holds per-instrument state. Each instrument owns a
// Group, built once at initialisation, that maps facet names to Data values
// carrying the cache, the dirty flag, observers and (for manual facets) the
// stored value.
//
// Reading a facet runs the getter, then the inverse value map, type
// coercion and unit attachment. Writing runs unit conversion, type
// coercion and limit checks on the user value, skips the device when a
// cacheable facet already holds an equal value, then applies the forward
// value map, strips units and calls the setter. Every actual write
// notifies observers with a ChangeEvent.
//
// Usage:
//
//	var voltage = facet.SCPI("voltage", "SOURce:VOLTage",
//	    facet.WithType(facet.ToFloat), facet.WithUnits("V"),
//	    facet.WithLimits(facet.Lit(0), facet.Lit(30), facet.NoLimit))
//
//	v, err := inst.Facets().Get("voltage")
//	err = inst.Facets().Set("voltage", "1.5 V")
package facet
