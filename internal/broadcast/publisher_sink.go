package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sweeney/callstate/internal/publisher"
)

// PublisherSink publishes notifications as JSON on <prefix>/state/<event>.
// stateUpdated is retained when the publisher supports it, so a late
// subscriber gets the current state immediately.
type PublisherSink struct {
	pub    publisher.Publisher
	prefix string
}

// NewPublisherSink wraps pub.
func NewPublisherSink(pub publisher.Publisher, prefix string) *PublisherSink {
	return &PublisherSink{pub: pub, prefix: prefix}
}

// Topic returns the topic for event.
func (s *PublisherSink) Topic(event Event) string {
	return fmt.Sprintf("%s/state/%s", s.prefix, event)
}

func (s *PublisherSink) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", n.Event, err)
	}

	topic := s.Topic(n.Event)
	if rp, ok := s.pub.(publisher.RetainedPublisher); ok && n.Event == EventStateUpdated {
		return rp.PublishRetained(ctx, topic, payload)
	}
	return s.pub.Publish(ctx, topic, payload)
}
