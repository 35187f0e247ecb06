// Package influxdb provides InfluxDB connectivity for the instrument service.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, facet sample writing, and health monitoring.
//
// # Purpose
//
// Every facet change observed on an open instrument can be recorded as a
// point in the facet_value measurement, tagged with the site, the
// instrument's alias, driver, class and facet name, and the unit of the
// value. This gives a long-running experiment a
// queryable history of every setpoint and reading.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "lab",
//	    Bucket: "instruments",
//	}
//
//	client, err := influxdb.Connect(cfg, "bench-a")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteFacetValue(influxdb.FacetSample{
//	    Alias: "lockin", Facet: "frequency", Value: units.Q(1, "kHz"),
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are reported via a callback.
// Connection and health check errors are returned directly.
package influxdb
