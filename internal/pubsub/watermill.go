package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// Metadata keys reserved by the bridge.
const (
	MetaUserID      = "user_id"
	MetaTopic       = "topic"
	MetaPublishedAt = "published_at"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

// WatermillBridge is the in-process event bus of the client. Stores publish
// change notifications on it; views subscribe per topic. It is backed by
// watermill's GoChannel without publish acknowledgement, so delivery is
// in-memory but not ordered. Events that must be applied in order carry a Seq
// for subscribers to check, see Ordered.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	subs   sync.WaitGroup
}

// NewWatermillBridge creates an untraced bus.
func NewWatermillBridge() *WatermillBridge {
	return NewWatermillBridgeWithTracer(nil)
}

// NewWatermillBridgeWithTracer wraps every publish in an OpenTelemetry span.
// A nil tracer disables tracing.
func NewWatermillBridgeWithTracer(tracer trace.Tracer) *WatermillBridge {
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewStdLogger(false, false),
	)

	var pub message.Publisher = goChannel
	if tracer != nil {
		pub = NewPublisherTracingMiddleware(goChannel, tracer)
	}

	return &WatermillBridge{
		pub:    pub,
		sub:    goChannel,
		logger: slog.Default().With("component", "bus"),
	}
}

func toWatermill(ctx context.Context, msg Message) *message.Message {
	wm := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wm.SetContext(ctx)
	maps.Copy(wm.Metadata, msg.Metadata)
	wm.Metadata.Set(MetaTopic, msg.Topic)
	wm.Metadata.Set(MetaUserID, msg.UserID)
	if wm.Metadata.Get(MetaPublishedAt) == "" {
		wm.Metadata.Set(MetaPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	}
	return wm
}

func fromWatermill(wm *message.Message) Message {
	msg := Message{
		Topic:    wm.Metadata.Get(MetaTopic),
		UserID:   wm.Metadata.Get(MetaUserID),
		Payload:  wm.Payload,
		Metadata: make(map[string]string, len(wm.Metadata)),
	}
	for k, v := range wm.Metadata {
		if k == MetaTopic || (k == MetaUserID && v == "") {
			continue
		}
		msg.Metadata[k] = v
	}
	return msg
}

// Publish delivers msg to every subscriber of msg.Topic.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	if wb.closed {
		return ErrBusClosed
	}
	return wb.pub.Publish(msg.Topic, toWatermill(ctx, msg))
}

// Subscribe calls handler for every message on topic until ctx is done or the
// bus is closed. It returns once the subscription is registered.
//
// Messages are always acked. GoChannel redelivers nacked messages forever,
// and a handler that cannot decode a payload would never succeed on retry.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	wb.mu.RLock()
	if wb.closed {
		wb.mu.RUnlock()
		return ErrBusClosed
	}
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		wb.mu.RUnlock()
		return err
	}
	wb.subs.Add(1)
	wb.mu.RUnlock()

	logger := wb.logger.With("topic", topic)
	go func() {
		defer wb.subs.Done()
		for wm := range messages {
			if err := handler(ctx, fromWatermill(wm)); err != nil {
				logger.Error("Failed to handle message", "msg_id", wm.UUID, "error", err)
			}
			wm.Ack()
		}
		logger.Debug("Subscription ended")
	}()
	return nil
}

// Close stops every subscription and waits for running handlers to return.
// Closing twice is a no-op.
func (wb *WatermillBridge) Close() error {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return nil
	}
	wb.closed = true
	wb.mu.Unlock()

	err := wb.sub.Close()
	wb.subs.Wait()
	return err
}
