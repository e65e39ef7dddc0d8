package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/viaacode/mh-events2pulsar/internal/envelope"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrPublish wraps every failure reported by the broker client.
	ErrPublish = errors.New("publish failed")

	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("publisher is closed")
)

// Sender is the part of pulsar.Producer the publisher relies on.
type Sender interface {
	Send(ctx context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error)
	Close()
}

// SenderFactory opens a sender for one fully qualified topic.
type SenderFactory func(topic string) (Sender, error)

// QualifiedTopic returns the persistent topic for a routing key in the public tenant.
func QualifiedTopic(namespace, routingKey string) string {
	return fmt.Sprintf("persistent://public/%s/%s", namespace, routingKey)
}

// Publisher sends envelopes to Pulsar, one synchronous attempt per call.
// Producers are opened on first use of a topic and reused afterwards; pulsar
// producers are safe for concurrent use, so the lock only guards the cache.
type Publisher struct {
	namespace string
	newSender SenderFactory
	onClose   func()

	mu      sync.RWMutex
	senders map[string]Sender
	closed  bool
	group   singleflight.Group
}

// New creates a Publisher on top of an existing pulsar client.
// Close closes the client as well.
func New(client pulsar.Client, namespace, producerName string) *Publisher {
	factory := func(topic string) (Sender, error) {
		return client.CreateProducer(pulsar.ProducerOptions{
			Topic: topic,
			Name:  producerName,
		})
	}
	return newPublisher(namespace, factory, client.Close)
}

func newPublisher(namespace string, factory SenderFactory, onClose func()) *Publisher {
	return &Publisher{
		namespace: namespace,
		newSender: factory,
		onClose:   onClose,
		senders:   make(map[string]Sender),
	}
}

// Publish sends env to the topic derived from its routing key.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	topic := QualifiedTopic(p.namespace, env.RoutingKey)

	sender, err := p.sender(topic)
	if err != nil {
		return fmt.Errorf("%w: producer for %s: %w", ErrPublish, topic, err)
	}

	_, err = sender.Send(ctx, &pulsar.ProducerMessage{
		Payload:    env.Payload,
		Properties: env.Properties,
		EventTime:  env.EventTime,
	})
	if err != nil {
		return fmt.Errorf("%w: send to %s: %w", ErrPublish, topic, err)
	}
	return nil
}

func (p *Publisher) sender(topic string) (Sender, error) {
	if s, err := p.cached(topic); s != nil || err != nil {
		return s, err
	}

	v, err, _ := p.group.Do(topic, func() (interface{}, error) {
		if s, err := p.cached(topic); s != nil || err != nil {
			return s, err
		}

		s, err := p.newSender(topic)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			s.Close()
			return nil, ErrClosed
		}
		p.senders[topic] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Sender), nil
}

func (p *Publisher) cached(topic string) (Sender, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.senders[topic], nil
}

// Topics returns the topics that currently have an open producer.
func (p *Publisher) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	topics := make([]string, 0, len(p.senders))
	for t := range p.senders {
		topics = append(topics, t)
	}
	return topics
}

// Close closes all producers and the underlying client. It is safe to call more than once.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for topic, s := range p.senders {
		s.Close()
		delete(p.senders, topic)
	}
	if p.onClose != nil {
		p.onClose()
	}
}
