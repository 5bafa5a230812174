// Package mqtt announces pickup sensors to Home Assistant over MQTT
// discovery and publishes their next-collection timestamps.
//
// A run is two phases against one broker connection. First every
// sensor's discovery config is published and the publisher waits for as
// many acknowledgments as it sent, then pauses so Home Assistant can
// persist the new entities. Then every sensor's state is published and
// acknowledged the same way before the connection is closed.
//
// Acknowledgments are counted, not matched to the publish they confirm.
// A late acknowledgment from the first phase therefore counts towards
// the second. For a handful of QoS 1 messages on one connection this has
// not been a problem, and the wait is bounded by a timeout either way.
//
// The broker itself is behind the [Broker] interface; [PahoBroker]
// implements it with Eclipse Paho v2's [autopaho] package, sending
// publishes one at a time in the order they were made.
package mqtt
