// Package broker carries scrape jobs from the API to the workers over RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
)

var ErrMalformedMessage = errors.New("malformed job message")

// Message is the body published for every created job.
type Message struct {
	JobID       uuid.UUID       `json:"job_id"`
	Registry    models.Registry `json:"registry"`
	PackageName string          `json:"package_name"`
	TraceID     string          `json:"trace_id,omitempty"`
}

// Publisher hands a job to the broker. It returns once the broker has accepted it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one received job message. Exactly one of Ack or Nack must be called.
type Delivery interface {
	Body() []byte
	// Attempt is 1 on first delivery and grows with every requeue.
	Attempt() int
	Ack() error
	// Nack with requeue returns the message to its queue; without it the
	// message goes to the dead-letter exchange.
	Nack(requeue bool) error
}

// Consumer streams deliveries for the given registries until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, registries []models.Registry) (<-chan Delivery, error)
}

// Encode serializes a message body.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses and validates a delivery body.
func Decode(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.JobID == uuid.Nil {
		return Message{}, fmt.Errorf("%w: missing job_id", ErrMalformedMessage)
	}
	if _, ok := models.ParseRegistry(string(msg.Registry)); !ok {
		return Message{}, fmt.Errorf("%w: unsupported registry %q", ErrMalformedMessage, msg.Registry)
	}
	if msg.PackageName == "" {
		return Message{}, fmt.Errorf("%w: missing package_name", ErrMalformedMessage)
	}
	return msg, nil
}

// QueueName is the work queue a registry's jobs are routed to.
func QueueName(prefix string, r models.Registry) string {
	return prefix + "." + string(r)
}
