package mqtt

import (
	"encoding/json"
	"fmt"
)

// maxPayloadSize matches the usual broker limit of 1 MiB.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgment.
//
// Parameters:
//   - topic: Destination topic (see Topics)
//   - payload: Message body, at most 1 MiB
//   - qos: 0, 1 or 2
//   - retained: Whether the broker keeps it for later subscribers
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishFacetValue publishes v, retained at the configured QoS, on the
// value topic of its instrument and facet, so a dashboard that subscribes
// later still sees the last setting.
func (c *Client) PublishFacetValue(v FacetValue) error {
	if v.Key() == "" || v.Facet == "" {
		return fmt.Errorf("%w: facet value needs an instrument and a facet", ErrInvalidTopic)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding %s/%s: %w", ErrPublishFailed, v.Key(), v.Facet, err)
	}
	return c.Publish(Topics{}.FacetValue(v.Key(), v.Facet), payload, c.qos(), true)
}
