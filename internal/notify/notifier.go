package notify

import (
	"context"
	"encoding/json"
	"time"

	"loanpipe/pkg/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Event types published to the notification topic.
const (
	EventSubmissionSucceeded = "submission.succeeded"
	EventSubmissionFailed    = "submission.failed"
)

// Event is the notification payload.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	LocalID   string    `json:"local_id"`
	Reason    string    `json:"reason,omitempty"`
}

// Notifier is the fire-and-forget notification sink of the pipeline.
type Notifier interface {
	NotifySuccess(ctx context.Context, localID uuid.UUID)
	NotifyFailure(ctx context.Context, localID uuid.UUID, reason string)
}

// KafkaNotifier publishes submission events to a Kafka topic.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier returns a notifier writing to the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (n *KafkaNotifier) NotifySuccess(ctx context.Context, localID uuid.UUID) {
	n.publish(ctx, Event{
		ID:        uuid.NewString(),
		Type:      EventSubmissionSucceeded,
		Timestamp: time.Now(),
		LocalID:   localID.String(),
	})
}

func (n *KafkaNotifier) NotifyFailure(ctx context.Context, localID uuid.UUID, reason string) {
	n.publish(ctx, Event{
		ID:        uuid.NewString(),
		Type:      EventSubmissionFailed,
		Timestamp: time.Now(),
		LocalID:   localID.String(),
		Reason:    reason,
	})
}

// publish is fire-and-forget: delivery failures are logged, never surfaced
// to the pipeline.
func (n *KafkaNotifier) publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		logger.Warn(ctx, "failed to marshal notification event", "error", err)
		return
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.LocalID),
		Value: value,
	})
	if err != nil {
		logger.Warn(ctx, "failed to publish notification event", "type", event.Type, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier is the fallback sink when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) NotifySuccess(ctx context.Context, localID uuid.UUID) {
	logger.Info(ctx, "submission succeeded", "local_id", localID)
}

func (LogNotifier) NotifyFailure(ctx context.Context, localID uuid.UUID, reason string) {
	logger.Warn(ctx, "submission failed", "local_id", localID, "reason", reason)
}
