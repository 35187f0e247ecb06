// Package mqtt provides MQTT client connectivity for instrumental.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Facet writes are published as retained messages so dashboards and other
// lab processes see the last value of every instrument setting. Remote
// clients can write a facet by publishing to its command topic.
//
//	Instrument facets → instrumental → MQTT Broker ↔ dashboards, scripts
//
// # Security Considerations
//
//   - Enable TLS when the broker is not on the lab host (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Restrict the facet command topics with broker ACLs: a write there
//     drives real hardware
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishFacetValue(mqtt.FacetValue{
//	    Alias: "lockin", Facet: "frequency", New: units.Q(1, "kHz"),
//	})
//
//	err = client.SubscribeFacetCommands(func(cmd mqtt.FacetCommand) error {
//	    return apply(cmd.Instrument, cmd.Facet, cmd.Value)
//	})
package mqtt
