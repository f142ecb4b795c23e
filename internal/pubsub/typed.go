package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event[T] wraps a topic name and provides type-safe publishing and decoding.
type Event[T any] struct {
	topicName   string
	description string
}

// NewEvent creates a typed event bound to a topic.
func NewEvent[T any](name string, description string) Event[T] {
	return Event[T]{
		topicName:   name,
		description: description,
	}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topicName
}

// Description returns the human readable description of the topic.
func (e Event[T]) Description() string {
	return e.description
}

// Publish sends a typed event. The compiler ensures 'payload' matches 'T'.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], userID string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return p.Publish(ctx, Message{
		Topic:   event.Name(),
		UserID:  userID,
		Payload: data,
	})
}

// Decode unmarshals the payload of msg into T.
func Decode[T any](event Event[T], msg Message) (T, error) {
	var out T
	if msg.Topic != "" && msg.Topic != event.Name() {
		return out, fmt.Errorf("message topic %q does not match event %q", msg.Topic, event.Name())
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", event.Name(), err)
	}
	return out, nil
}

// SubscribeTyped subscribes to event and hands decoded payloads to handler.
// Payloads that fail to decode are logged by the bus and skipped.
func SubscribeTyped[T any](ctx context.Context, s Subscriber, event Event[T], handler func(context.Context, T) error) error {
	return s.Subscribe(ctx, event.Name(), func(ctx context.Context, msg Message) error {
		payload, err := Decode(event, msg)
		if err != nil {
			return err
		}
		return handler(ctx, payload)
	})
}
