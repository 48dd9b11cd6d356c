package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/scalytics/tellerline/internal/timeline"
)

// TimelineSink stores events in the record store.
type TimelineSink struct {
	tl *timeline.TimelineService
}

// NewTimelineSink creates a sink over the timeline database.
func NewTimelineSink(tl *timeline.TimelineService) *TimelineSink {
	return &TimelineSink{tl: tl}
}

func (s *TimelineSink) Write(ctx context.Context, evt *Event) error {
	return s.tl.AppendAudit(ctx, &timeline.AuditRecord{
		EventID:        evt.EventID,
		ConversationID: evt.ConversationID,
		MessageID:      evt.MessageID,
		ActorType:      evt.ActorType,
		EventType:      evt.EventType,
		Version:        evt.Version,
		InputRedacted:  evt.InputRedacted,
		OutputRedacted: evt.OutputRedacted,
		Success:        evt.Success,
		ErrorCode:      evt.ErrorCode,
		CreatedAt:      evt.CreatedAt,
	})
}

// MessageWriter is the subset of kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by conversation id so one
// conversation's trail stays ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Write(ctx context.Context, evt *Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ConversationID),
		Value: payload,
		Time:  evt.CreatedAt,
	}); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		slog.Warn("Audit kafka writer close failed", "error", err)
		return err
	}
	return nil
}
