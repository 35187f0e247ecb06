// Package telemetry forwards facet changes of open instruments to
// external sinks: MQTT, InfluxDB, Redis, the SQLite history table and
// live WebSocket clients.
//
// Observers registered on an instrument's facet Group run synchronously
// inside the facet write, so a Fanout only enqueues there. A single worker
// started with Run delivers each Event to every Sink in order. A failing
// sink is logged and counted; it never blocks the others or the write
// that produced the event.
//
// # Usage
//
//	fan := telemetry.NewFanout(256,
//	    telemetry.NewMQTTSink(mqttClient),
//	    telemetry.NewHistorySink(sqliteStore),
//	)
//	fan.SetLogger(logger)
//	go fan.Run(ctx)
//	defer fan.Close()
//
//	fan.Attach(inst)
package telemetry
