// Package publisher delivers state notifications to a message broker.
package publisher

import "context"

// Publisher sends payloads to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// RetainedPublisher is implemented by publishers that can ask the broker to
// keep the last payload on a topic for new subscribers.
type RetainedPublisher interface {
	Publisher
	PublishRetained(ctx context.Context, topic string, payload []byte) error
}
