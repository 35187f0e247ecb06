package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes. Every instrumental topic lives under TopicPrefix.
const (
	TopicPrefix = "instrumental"

	// TopicPrefixSystem carries process status (online/offline, LWT).
	TopicPrefixSystem = "instrumental/system"
)

// Topics provides builders for instrumental MQTT topics.
//
// Instrument topics are keyed by the instrument's alias, or its handle id
// when it was opened without one:
//
//	topics := mqtt.Topics{}
//	topics.FacetValue("lockin", "frequency")
//	// Returns: "instrumental/lockin/facet/frequency"
type Topics struct{}

// =============================================================================
// Instrument Topics
// =============================================================================

// FacetValue returns the retained topic holding the last written value of
// one facet.
//
// Example: instrumental/lockin/facet/frequency
func (Topics) FacetValue(instrument, facet string) string {
	return fmt.Sprintf("%s/%s/facet/%s", TopicPrefix, instrument, facet)
}

// FacetCommand returns the topic remote clients publish to in order to write
// a facet.
//
// Example: instrumental/lockin/facet/frequency/set
func (Topics) FacetCommand(instrument, facet string) string {
	return fmt.Sprintf("%s/%s/facet/%s/set", TopicPrefix, instrument, facet)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic.
//
// Example: instrumental/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllFacetValues returns a pattern matching every facet value topic.
//
// Pattern: instrumental/+/facet/+
func (Topics) AllFacetValues() string {
	return fmt.Sprintf("%s/+/facet/+", TopicPrefix)
}

// AllFacetCommands returns a pattern matching every facet command topic.
//
// Pattern: instrumental/+/facet/+/set
func (Topics) AllFacetCommands() string {
	return fmt.Sprintf("%s/+/facet/+/set", TopicPrefix)
}

// ParseFacetCommand extracts the instrument key and facet name from a
// facet command topic.
func ParseFacetCommand(topic string) (instrument, facet string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != TopicPrefix || parts[2] != "facet" || parts[4] != "set" {
		return "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
