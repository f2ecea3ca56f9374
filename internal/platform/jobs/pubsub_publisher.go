package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/camellia-shop/api/internal/services"
)

const defaultPublishTimeout = 5 * time.Second

// PubSubEventPublisher publishes order and invoice lifecycle events to a Pub/Sub topic.
type PubSubEventPublisher struct {
	topic   *pubsub.Topic
	timeout time.Duration
	marshal func(any) ([]byte, error)
}

// PublisherOption customises the publisher behaviour.
type PublisherOption func(*PubSubEventPublisher)

// WithPublishTimeout bounds the time spent waiting for a publish acknowledgement.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *PubSubEventPublisher) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewPubSubEventPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubEventPublisher(topic *pubsub.Topic, opts ...PublisherOption) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	publisher := &PubSubEventPublisher{
		topic:   topic,
		timeout: defaultPublishTimeout,
		marshal: json.Marshal,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}
	return publisher, nil
}

// PublishEvent enqueues a lifecycle event message on the configured topic.
func (p *PubSubEventPublisher) PublishEvent(ctx context.Context, message services.EventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", message.Type)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "orderNumber", message.OrderNumber)
	setAttr(attrs, "invoiceId", message.InvoiceID)
	setAttr(attrs, "accountId", message.AccountID)

	publishCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		publishCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	result := p.topic.Publish(publishCtx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(publishCtx)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
