// Package audit records an append-only, redacted trail of every pipeline
// stage and tool call.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scalytics/tellerline/internal/redact"
)

// Actor types.
const (
	ActorSystem   = "system"
	ActorCustomer = "customer"
	ActorAgent    = "agent"
	ActorTool     = "tool"
)

// EventVersion is the schema version stamped on every event.
const EventVersion = 1

// Event is one audit entry. Input and Output carry raw values; the
// Recorder redacts them into InputRedacted and OutputRedacted.
type Event struct {
	EventID        string    `json:"eventId"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	ActorType      string    `json:"actorType"`
	EventType      string    `json:"eventType"`
	Version        int       `json:"version"`
	InputRedacted  string    `json:"inputRedacted,omitempty"`
	OutputRedacted string    `json:"outputRedacted,omitempty"`
	Success        bool      `json:"success"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`

	Input  any `json:"-"`
	Output any `json:"-"`
}

// Sink stores redacted events.
type Sink interface {
	Write(ctx context.Context, evt *Event) error
}

// Recorder redacts events and hands them to a sink. Sink failures are
// logged and never propagate into the pipeline.
type Recorder struct {
	sink   Sink
	filter *redact.Filter
	now    func() time.Time
}

// NewRecorder creates a recorder over a sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{
		sink:   sink,
		filter: redact.NewAuditFilter(),
		now:    time.Now,
	}
}

// Record redacts and stores an event.
func (r *Recorder) Record(ctx context.Context, evt Event) {
	if r == nil || r.sink == nil {
		return
	}
	evt.EventID = uuid.NewString()
	evt.Version = EventVersion
	evt.CreatedAt = r.now()
	if evt.ActorType == "" {
		evt.ActorType = ActorSystem
	}
	evt.InputRedacted = r.filter.RedactJSON(evt.Input)
	evt.OutputRedacted = r.filter.RedactJSON(evt.Output)
	evt.Input, evt.Output = nil, nil

	if err := r.sink.Write(ctx, &evt); err != nil {
		slog.Warn("Audit write failed", "event_type", evt.EventType, "conversation_id", evt.ConversationID, "error", err)
	}
}

// MultiSink fans an event out to several sinks. Every sink is attempted;
// the joined error is returned.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, evt *Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
