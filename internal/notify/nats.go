package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding dealer notifications.
const StreamName = "DEALER_LEDGER_EVENTS"

// NATSSink publishes notifications to JetStream subjects
// {prefix}.{hub}, for downstream consumers outside this process.
type NATSSink struct {
	js     jetstream.JetStream
	prefix string
}

// NewNATSSink creates a sink publishing under prefix, e.g. "dealer.ledger".
func NewNATSSink(js jetstream.JetStream, prefix string) *NATSSink {
	return &NATSSink{js: js, prefix: prefix}
}

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, hub string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", s.prefix, hub)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// EnsureStream creates the notification stream if needed.
func (s *NATSSink) EnsureStream(ctx context.Context) error {
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{s.prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create notification stream: %w", err)
	}
	return nil
}
