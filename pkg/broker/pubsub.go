package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/barnlink/pkg/logger"
)

// PubSubClient is the slice of pkg/pubsub.Client the driver uses.
type PubSubClient interface {
	Publisher(name string) *gcppubsub.Publisher
	Subscription(name string) *gcppubsub.Subscriber
	Ping(ctx context.Context) error
	Close() error
}

// PubSubOptions maps logical queues to Pub/Sub subscriptions. Topics share the
// queue name; dead letters go to the DeadLetterName(queue) topic.
type PubSubOptions struct {
	Subscriptions map[string]string
	Prefetch      int
}

// PubSub implements Conn on Google Pub/Sub v2. Pub/Sub has no reject-to-DLQ
// primitive, so a failed delivery is published once to the queue's DLQ topic
// and then acked; if that publish fails the message is nacked for redelivery.
type PubSub struct {
	client     PubSubClient
	opts       PubSubOptions
	logg       *logger.Logger
	dispatcher *Dispatcher

	mu         sync.Mutex
	open       bool
	publishers map[string]*gcppubsub.Publisher
}

func NewPubSub(client PubSubClient, opts PubSubOptions, logg *logger.Logger, dispatcher *Dispatcher) (*PubSub, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(logg, nil)
	}
	return &PubSub{
		client:     client,
		opts:       opts,
		logg:       logg,
		dispatcher: dispatcher,
		publishers: make(map[string]*gcppubsub.Publisher),
	}, nil
}

func (p *PubSub) Open(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("pubsub not reachable: %w", err)
	}
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
	return nil
}

func (p *PubSub) publisher(topic string) (*gcppubsub.Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return nil, ErrNotConnected
	}
	if pub, ok := p.publishers[topic]; ok {
		return pub, nil
	}
	pub := p.client.Publisher(topic)
	if pub == nil {
		return nil, fmt.Errorf("publisher not configured for topic %s", topic)
	}
	p.publishers[topic] = pub
	return pub, nil
}

func (p *PubSub) Publish(ctx context.Context, destination string, msg Message) error {
	pub, err := p.publisher(destination)
	if err != nil {
		return err
	}
	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if msg.ID != "" {
		attrs["message_id"] = msg.ID
	}
	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:       msg.Body,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

func (p *PubSub) Consume(ctx context.Context, queue string, h Handler) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	subName, ok := p.opts.Subscriptions[queue]
	if !ok {
		return fmt.Errorf("no subscription configured for queue %s", queue)
	}
	sub := p.client.Subscription(subName)
	if sub == nil {
		return fmt.Errorf("subscription %s not available", subName)
	}
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("verify subscription %s: %w", subName, err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = p.opts.Prefetch

	return sub.Receive(ctx, func(msgCtx context.Context, m *gcppubsub.Message) {
		p.settle(msgCtx, queue, h, m.ID, m.Data, m.Attributes, m.Ack, m.Nack)
	})
}

func (p *PubSub) settle(ctx context.Context, queue string, h Handler, id string, data []byte, attrs map[string]string, ack, nack func()) {
	if msgID := attrs["message_id"]; msgID != "" {
		id = msgID
	}
	delivery := Delivery{
		Message: Message{ID: id, Body: data, Attributes: attrs},
		Queue:   queue,
	}

	outcome, cause := p.dispatcher.Dispatch(ctx, h, delivery)
	if outcome != OutcomeDeadLetter {
		ack()
		return
	}

	if err := p.Publish(ctx, DeadLetterName(queue), deadLetterMessage(delivery.Message, cause)); err != nil {
		if p.logg != nil {
			p.logg.Error(p.logg.WithMessage(ctx, queue, id), "dead-letter publish failed, nacking", err)
		}
		nack()
		return
	}
	ack()
}

func (p *PubSub) Ping(ctx context.Context) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	return p.client.Ping(ctx)
}

// Close flushes cached publishers. The underlying client is owned by the caller.
func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, topic)
	}
	p.open = false
	return nil
}
