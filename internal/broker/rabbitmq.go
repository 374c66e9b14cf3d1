package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/config"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes and consumes jobs. Jobs go to one direct exchange and are
// routed by registry to durable quorum queues. Messages rejected without
// requeue, or requeued past the delivery limit, land in the dead-letter queue.
type RabbitMQ struct {
	cfg    config.RabbitMQConfig
	logger *slog.Logger
	conn   *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// Dial connects to RabbitMQ and opens a publisher channel in confirm mode.
func Dial(cfg config.RabbitMQConfig, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	b := &RabbitMQ{cfg: cfg, logger: logger, conn: conn, pubCh: ch}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			logger.Error("rabbitmq connection closed", "error", err)
		}
	}()

	return b, nil
}

// DeclareTopology idempotently declares the exchanges and queues for registries.
func (b *RabbitMQ) DeclareTopology(registries []models.Registry) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open topology channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(b.cfg.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(b.cfg.DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(b.cfg.DeadLetterQueue, "", b.cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	if err := ch.ExchangeDeclare(b.cfg.ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, r := range registries {
		name := QueueName(b.cfg.QueuePrefix, r)
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-queue-type":           "quorum",
			"x-delivery-limit":       int32(b.cfg.DeliveryLimit),
			"x-dead-letter-exchange": b.cfg.DeadLetterExchange,
		})
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, string(r), b.cfg.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", name, err)
		}
	}

	b.logger.Info("rabbitmq topology declared",
		"exchange", b.cfg.ExchangeName,
		"dead_letter_queue", b.cfg.DeadLetterQueue,
		"registries", len(registries))
	return nil
}

// Publish sends msg routed by its registry and waits for the broker confirm.
func (b *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	headers := amqp.Table{}
	if msg.TraceID != "" {
		headers["trace_id"] = msg.TraceID
	}

	pub := amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     msg.JobID.String(),
		CorrelationId: msg.TraceID,
		Timestamp:     time.Now().UTC(),
		Type:          "scrape_job",
		Headers:       headers,
		Body:          body,
	}

	b.pubMu.Lock()
	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.cfg.ExchangeName, string(msg.Registry), false, false, pub)
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish job %s: %w", msg.JobID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for job %s: %w", msg.JobID, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected job %s", msg.JobID)
	}
	return nil
}

// Consume starts one consumer per registry queue on a dedicated channel and
// merges their deliveries. The returned channel closes when ctx is done or
// the connection drops.
func (b *RabbitMQ) Consume(ctx context.Context, registries []models.Registry) (<-chan Delivery, error) {
	if len(registries) == 0 {
		return nil, errors.New("no registries to consume")
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if b.cfg.Prefetch > 0 {
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}

	out := make(chan Delivery)
	var wg sync.WaitGroup
	for _, r := range registries {
		queue := QueueName(b.cfg.QueuePrefix, r)
		msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("consume %s: %w", queue, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				select {
				case out <- &rabbitDelivery{d: d}:
				case <-ctx.Done():
					// Unacked messages return to the queue when the channel closes.
					return
				}
			}
		}()
		b.logger.Info("consuming queue", "queue", queue, "prefetch", b.cfg.Prefetch)
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// Ping reports an error once the connection has closed.
func (b *RabbitMQ) Ping(_ context.Context) error {
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (b *RabbitMQ) Close() error {
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}

type rabbitDelivery struct {
	d amqp.Delivery
}

func (r *rabbitDelivery) Body() []byte { return r.d.Body }

// Attempt reads the quorum queue x-delivery-count header, which counts prior deliveries.
func (r *rabbitDelivery) Attempt() int {
	return deliveryCount(r.d.Headers) + 1
}

func (r *rabbitDelivery) Ack() error { return r.d.Ack(false) }

func (r *rabbitDelivery) Nack(requeue bool) error { return r.d.Nack(false, requeue) }

func deliveryCount(headers amqp.Table) int {
	switch v := headers["x-delivery-count"].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

var (
	_ Publisher = (*RabbitMQ)(nil)
	_ Consumer  = (*RabbitMQ)(nil)
)
