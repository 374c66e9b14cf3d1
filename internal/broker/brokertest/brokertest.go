// Package brokertest provides an in-memory broker for tests. It routes by
// registry and dead-letters the same way the RabbitMQ topology does.
package brokertest

import (
	"context"
	"sync"

	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
)

// Broker is an in-memory broker.Publisher and broker.Consumer.
type Broker struct {
	mu            sync.Mutex
	deliveryLimit int
	queues        map[models.Registry][]*Delivery
	notify        chan struct{}
	published     []broker.Message
	deadLettered  [][]byte

	// PublishErr, when set, is returned by every Publish call.
	PublishErr error
}

// New returns a Broker that dead-letters a message once it has been
// requeued more than deliveryLimit times.
func New(deliveryLimit int) *Broker {
	return &Broker{
		deliveryLimit: deliveryLimit,
		queues:        make(map[models.Registry][]*Delivery),
		notify:        make(chan struct{}, 1),
	}
}

func (b *Broker) Publish(_ context.Context, msg broker.Message) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}
	body, err := broker.Encode(msg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()
	b.Enqueue(msg.Registry, body)
	return nil
}

// Enqueue places a raw body on a registry queue, bypassing encoding.
func (b *Broker) Enqueue(r models.Registry, body []byte) {
	b.mu.Lock()
	b.queues[r] = append(b.queues[r], &Delivery{body: body, attempt: 1, owner: b, registry: r})
	b.mu.Unlock()
	b.wake()
}

// Consume delivers queued messages for registries until ctx is done.
func (b *Broker) Consume(ctx context.Context, registries []models.Registry) (<-chan broker.Delivery, error) {
	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			d := b.next(registries)
			if d == nil {
				select {
				case <-b.notify:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Published returns every message accepted by Publish.
func (b *Broker) Published() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.published...)
}

// DeadLettered returns the bodies routed to the dead-letter queue.
func (b *Broker) DeadLettered() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.deadLettered...)
}

// Pending returns how many messages are waiting on r's queue.
func (b *Broker) Pending(r models.Registry) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[r])
}

func (b *Broker) next(registries []models.Registry) *Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range registries {
		if q := b.queues[r]; len(q) > 0 {
			b.queues[r] = q[1:]
			return q[0]
		}
	}
	return nil
}

func (b *Broker) settle(d *Delivery, requeue bool) {
	b.mu.Lock()
	if requeue && (b.deliveryLimit <= 0 || d.attempt <= b.deliveryLimit) {
		b.queues[d.registry] = append(b.queues[d.registry], &Delivery{
			body: d.body, attempt: d.attempt + 1, owner: b, registry: d.registry,
		})
		b.mu.Unlock()
		b.wake()
		return
	}
	b.deadLettered = append(b.deadLettered, d.body)
	b.mu.Unlock()
}

func (b *Broker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Delivery records how it was settled. It can be built standalone with
// NewDelivery to drive a handler directly.
type Delivery struct {
	mu       sync.Mutex
	body     []byte
	attempt  int
	owner    *Broker
	registry models.Registry

	acked    bool
	nacked   bool
	requeued bool
}

// NewDelivery returns a standalone delivery of msg on its given attempt.
func NewDelivery(msg broker.Message, attempt int) *Delivery {
	body, _ := broker.Encode(msg)
	return &Delivery{body: body, attempt: attempt, registry: msg.Registry}
}

// NewRawDelivery returns a standalone delivery carrying an arbitrary body.
func NewRawDelivery(body []byte) *Delivery {
	return &Delivery{body: body, attempt: 1}
}

func (d *Delivery) Body() []byte { return d.body }
func (d *Delivery) Attempt() int { return d.attempt }

func (d *Delivery) Ack() error {
	d.mu.Lock()
	d.acked = true
	d.mu.Unlock()
	return nil
}

func (d *Delivery) Nack(requeue bool) error {
	d.mu.Lock()
	d.nacked = true
	d.requeued = requeue
	d.mu.Unlock()
	if d.owner != nil {
		d.owner.settle(d, requeue)
	}
	return nil
}

func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Rejected reports a nack without requeue.
func (d *Delivery) Rejected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked && !d.requeued
}

// Requeued reports a nack with requeue.
func (d *Delivery) Requeued() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked && d.requeued
}

var (
	_ broker.Publisher = (*Broker)(nil)
	_ broker.Consumer  = (*Broker)(nil)
	_ broker.Delivery  = (*Delivery)(nil)
)
