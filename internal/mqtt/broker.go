package mqtt

import (
	"context"
	"errors"
	"time"
)

// DisconnectTimeout bounds how long closing a broker connection may
// take, including after a failed run.
const DisconnectTimeout = 2 * time.Second

// QoS levels used by this package.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// Message is one outbound publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Ack reports the completion of one publish. ID is the per-publish
// identifier assigned by the broker implementation. A non-nil Err means
// the broker refused or failed to deliver the message.
type Ack struct {
	ID    uint16
	Topic string
	Err   error
}

// Broker is the connection the discovery publisher drives. Publish
// hands a message to the connection and returns a send-level error if
// it could not; completion is reported later on Acks.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Acks() <-chan Ack
	Disconnect(ctx context.Context) error
}

// ErrBrokerClosed is returned by Publish after Disconnect, and by the
// publisher when the acknowledgment stream ends early.
var ErrBrokerClosed = errors.New("mqtt broker connection closed")
