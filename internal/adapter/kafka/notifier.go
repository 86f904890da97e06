// Package kafka publishes run results to an operations topic so downstream
// monitoring can track ingest health without scraping logs.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/cloudrook/obs-ingest/internal/domain"
)

// Notifier produces one message per completed run to the result topic.
type Notifier struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewNotifier creates a Kafka producer for the run-result topic.
func NewNotifier(brokers []string, topic string, logger *slog.Logger) *Notifier {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Notifier{writer: w, logger: logger}
}

// Publish sends the aggregated run result, keyed by run id.
func (n *Notifier) Publish(ctx context.Context, result domain.SubmissionResult) error {
	msg, err := resultMessage(result)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish run result: %w", err)
	}
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// resultMessage marshals a SubmissionResult into a Kafka message.
func resultMessage(result domain.SubmissionResult) (kafkago.Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize run result: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(result.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "ingest", Value: []byte(result.IngestName)},
			{Key: "finished_at", Value: []byte(result.FinishedAt.Format(time.RFC3339))},
		},
	}, nil
}
