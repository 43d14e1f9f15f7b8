package domain

import "context"

// Broker forwards serialized events to an external message queue.
type Broker interface {
	IsHealthy() bool
	PublishMessage(ctx context.Context, queueName, body string) error
	Close() error
}
