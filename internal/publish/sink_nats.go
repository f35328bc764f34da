package publish

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/meteorx/marketfeed/internal/domain"
)

// NATSSink is the default Sink implementation, publishing each item as a
// JSON-encoded NATS message on subject "marketfeed.<topic>".
type NATSSink struct {
	conn *nats.Conn
	subjectPrefix string
}

// NewNATSSink wraps an already-connected *nats.Conn.
func NewNATSSink(conn *nats.Conn, subjectPrefix string) *NATSSink {
	if subjectPrefix == "" {
		subjectPrefix = "marketfeed."
	}
	return &NATSSink{conn: conn, subjectPrefix: subjectPrefix}
}

func (s *NATSSink) subject(topic string) string {
	return s.subjectPrefix + topic
}

func (s *NATSSink) Publish(ctx context.Context, topic string, item domain.PipelineData) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject(topic), b)
}

func (s *NATSSink) PublishBatch(ctx context.Context, topic string, items []domain.PipelineData) error {
	subject := s.subject(topic)
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if err := s.conn.Publish(subject, b); err != nil {
			return err
		}
	}
	return s.conn.FlushWithContext(ctx)
}
