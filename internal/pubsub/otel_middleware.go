package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PublisherTracingMiddleware starts a producer span for every message handed
// to the wrapped publisher. The span context is stored on the message so a
// subscriber can continue the trace.
type PublisherTracingMiddleware struct {
	next   message.Publisher
	tracer trace.Tracer
}

// NewPublisherTracingMiddleware wraps next.
func NewPublisherTracingMiddleware(next message.Publisher, tracer trace.Tracer) *PublisherTracingMiddleware {
	return &PublisherTracingMiddleware{next: next, tracer: tracer}
}

// Publish implements message.Publisher.
func (p *PublisherTracingMiddleware) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, msg := range messages {
		parent := msg.Context()
		if parent == nil {
			parent = context.Background()
		}

		attrs := []attribute.KeyValue{
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", msg.UUID),
			attribute.Int("messaging.message.body.size", len(msg.Payload)),
		}
		if userID := msg.Metadata.Get(MetaUserID); userID != "" {
			attrs = append(attrs, attribute.String("chatsync.user_id", userID))
		}

		ctx, span := p.tracer.Start(parent, "bus publish "+topic,
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(attrs...),
		)
		msg.SetContext(ctx)
		spans = append(spans, span)
	}

	err := p.next.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

// Close closes the wrapped publisher.
func (p *PublisherTracingMiddleware) Close() error {
	return p.next.Close()
}
