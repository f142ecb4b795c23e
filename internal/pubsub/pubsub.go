package pubsub

import (
	"context"
)

// Message is one event on the bus.
type Message struct {
	// Topic is the event name, e.g. "session.status".
	Topic string
	// UserID is the signed-in user the event concerns, if any.
	UserID string
	// Payload is the JSON encoded event body.
	Payload []byte
	// Metadata carries bus annotations such as the publish time.
	Metadata map[string]string
}

// Handler processes a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages from the bus.
type Subscriber interface {
	// Subscribe returns once the subscription is active; delivery stops when
	// ctx is canceled or the bus is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Discard is a Publisher that drops everything. Stores use it when they are
// constructed without a bus.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Message) error { return nil }
func (discard) Close() error                           { return nil }
