package messaging

import (
	"context"
	"errors"
)

// ErrDeadLettered is returned by Nack once a message has exhausted its
// retries and was parked on the dead-letter list; the caller gets one last
// chance to react because no redelivery will follow.
var ErrDeadLettered = errors.New("message dead-lettered")

// Queue represents an abstract message queue for any payload type
type Queue[T any] interface {
	// Publish adds a new message with payload to the queue
	Publish(ctx context.Context, t *T) error

	// Consume retrieves a single message from the queue
	Consume(ctx context.Context) (Message[T], error)
}

// Message represents a message retrieved from a queue
type Message[T any] interface {
	// T returns the payload of this message
	T() *T

	// Ack acknowledges successful processing of this message
	Ack() error

	// Nack indicates failure in processing this message
	Nack(err error) error
}
