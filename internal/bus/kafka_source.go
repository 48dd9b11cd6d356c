package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// KafkaSource reads inbound events from a Kafka topic and publishes them on
// the bus. Each record value is a JSON InboundMessage.
type KafkaSource struct {
	reader *kafka.Reader
	bus    *MessageBus
}

// NewKafkaSource creates a consumer-group reader for topic.
func NewKafkaSource(brokers []string, topic, groupID string, b *MessageBus) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka source: no brokers configured")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka source: topic is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaSource{reader: reader, bus: b}, nil
}

// Run consumes until ctx is cancelled. Undecodable records are logged and
// committed so they do not block the partition.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch inbound record: %w", err)
		}

		in, err := DecodeInbound(msg.Value)
		if err != nil {
			slog.Warn("Dropping inbound record", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		} else if err := s.bus.PublishInbound(ctx, in); err != nil {
			return nil
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Warn("Kafka commit failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// DecodeInbound parses and validates one inbound record.
func DecodeInbound(value []byte) (*InboundMessage, error) {
	var in InboundMessage
	if err := json.Unmarshal(value, &in); err != nil {
		return nil, fmt.Errorf("decode inbound: %w", err)
	}
	if in.Recorded() {
		return &in, nil
	}
	if in.Channel == "" || in.FromAddress == "" || in.Provider == "" || in.ProviderMessageID == "" {
		return nil, errors.New("decode inbound: channel, from_address, provider and provider_message_id are required")
	}
	return &in, nil
}
