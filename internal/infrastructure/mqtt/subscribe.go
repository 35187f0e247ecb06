package mqtt

import (
	"bytes"
	"fmt"
)

// Subscribe registers handler for topic, which may hold + and #
// wildcards. The subscription is remembered and restored after a
// reconnect; a refused subscription is forgotten.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	var err error
	if !token.WaitTimeout(ackTimeout) {
		err = fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, ackTimeout)
	} else if tokErr := token.Error(); tokErr != nil {
		err = fmt.Errorf("%w: %w", ErrSubscribeFailed, tokErr)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.subscriptions, topic)
		c.mu.Unlock()
	}
	return err
}

// SubscribeFacetCommands delivers every message on
// instrumental/+/facet/+/set to handler as a FacetCommand, at the
// configured QoS.
func (c *Client) SubscribeFacetCommands(handler FacetCommandHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	return c.Subscribe(Topics{}.AllFacetCommands(), c.qos(), facetCommandHandler(handler))
}

// facetCommandHandler decodes the command topic and rejects empty
// payloads before handler sees them.
func facetCommandHandler(handler FacetCommandHandler) MessageHandler {
	return func(topic string, payload []byte) error {
		inst, name, ok := ParseFacetCommand(topic)
		if !ok {
			return fmt.Errorf("%w: topic %q", ErrBadCommand, topic)
		}
		value := bytes.TrimSpace(payload)
		if len(value) == 0 {
			return fmt.Errorf("%w: empty payload for %s/%s", ErrBadCommand, inst, name)
		}
		return handler(FacetCommand{Instrument: inst, Facet: name, Value: value})
	}
}
