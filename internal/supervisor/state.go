package supervisor

import (
	"fmt"
	"time"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/executor"
	"github.com/scalytics/tellerline/internal/identity"
	"github.com/scalytics/tellerline/internal/policy"
	"github.com/scalytics/tellerline/internal/stepup"
	"github.com/scalytics/tellerline/internal/timeline"
)

// ErrorCode is a stable pipeline failure code.
type ErrorCode string

const (
	CodeContextLoadFailed        ErrorCode = "CONTEXT_LOAD_FAILED"
	CodeIdentityResolutionFailed ErrorCode = "IDENTITY_RESOLUTION_FAILED"
	CodeOTPStartFailed           ErrorCode = stepup.CodeOTPStartFailed
	CodeOTPInvalid               ErrorCode = stepup.CodeOTPInvalid
	CodeOTPMaxAttempts           ErrorCode = stepup.CodeOTPMaxAttempts
	CodeAgentRoutingFailed       ErrorCode = "AGENT_ROUTING_FAILED"
	CodeAgentExecutionFailed     ErrorCode = "AGENT_EXECUTION_FAILED"
	CodeActionExecutionFailed    ErrorCode = executor.CodeActionExecutionFailed
	CodeAuthGateFailed           ErrorCode = "AUTH_GATE_FAILED"
	CodeFormatResponseFailed     ErrorCode = "FORMAT_RESPONSE_FAILED"
	CodeMessageSendFailed        ErrorCode = "MESSAGE_SEND_FAILED"
	CodeWrapUpFailed             ErrorCode = "WRAP_UP_FAILED"
)

// StageError is a recorded stage failure. Detail is redacted and never
// shown to the customer.
type StageError struct {
	Stage   string    `json:"stage"`
	Code    ErrorCode `json:"code"`
	SubCode string    `json:"subCode,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

func (e *StageError) Error() string {
	if e.SubCode != "" {
		return fmt.Sprintf("%s: %s/%s: %s", e.Stage, e.Code, e.SubCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Detail)
}

// Disposition is how a turn was resolved.
type Disposition string

const (
	DispositionVerificationRequested  Disposition = "verification_requested"
	DispositionClarificationRequested Disposition = "clarification_requested"
	DispositionFAQAnswered            Disposition = "faq_answered"
	DispositionInProgress             Disposition = "in_progress"
	DispositionEscalated              Disposition = "escalated"
)

// InboundEvent triggers one pipeline run.
type InboundEvent struct {
	ConversationID string            `json:"conversationId"`
	MessageID      string            `json:"messageId"`
	Channel        string            `json:"channel"`
	FromAddress    string            `json:"fromAddress,omitempty"`
	DeliveryRefs   map[string]string `json:"deliveryRefs,omitempty"`
}

// State is threaded through every stage. Stages never modify it directly;
// they return a Patch that the pipeline merges.
type State struct {
	Event     InboundEvent
	StartedAt time.Time

	Conversation *timeline.Conversation
	Inbound      *timeline.Message
	// Replay is the outbound already stored for this inbound message.
	Replay *timeline.Message

	Channel          string
	FromAddress      string
	Provider         string
	LatestMessage    string
	Recent           []agent.Turn
	CustomerID       string
	CandidateID      string
	IdentityStatus   identity.Status
	AuthLevel        authsession.Level
	PendingAction    string
	LastOutboundText string
	DeliveryRefs     map[string]string

	StepUp        *stepup.Result
	StepUpHandled bool
	JustVerified  bool

	Route       *agent.Route
	Permissions policy.PermissionSet
	Result      *agent.Result
	Intent      agent.Intent
	Actions     []agent.Action
	ReplyDraft  string
	Outcomes    []executor.Outcome
	CaseID      string

	RequiresAuth bool
	GateOverride bool
	// GateLevel is the auth level the gate read back from the session store.
	GateLevel authsession.Level

	FormattedReply    string
	OutboundMessageID string
	WasDuplicate      bool
	Delivered         bool
	DeliveryRef       string
	// StampedDisposition is the disposition code written into the stored
	// reply body before sending.
	StampedDisposition Disposition
	// RetryPending is set when delivery failed and the retry worker owns it.
	RetryPending bool

	Disposition Disposition
	Escalate    bool
	Aborted     bool
	Errors      []StageError
}

// Verified reports whether the turn carries any step-up level.
func (s *State) Verified() bool {
	return s.AuthLevel.Rank() > 0
}

// HasError reports whether a stage recorded code.
func (s *State) HasError(code ErrorCode) bool {
	for _, e := range s.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Patch is the partial state a stage produces. Nil fields are left alone.
type Patch struct {
	Conversation *timeline.Conversation
	Inbound      *timeline.Message
	Replay       *timeline.Message

	Channel          *string
	FromAddress      *string
	Provider         *string
	LatestMessage    *string
	Recent           []agent.Turn
	CustomerID       *string
	CandidateID      *string
	IdentityStatus   *identity.Status
	AuthLevel        *authsession.Level
	PendingAction    *string
	LastOutboundText *string
	DeliveryRefs     map[string]string

	StepUp        *stepup.Result
	StepUpHandled *bool
	JustVerified  *bool

	Route       *agent.Route
	Permissions policy.PermissionSet
	Result      *agent.Result
	Intent      *agent.Intent
	Actions     []agent.Action
	ReplyDraft  *string
	Outcomes    []executor.Outcome
	CaseID      *string

	RequiresAuth *bool
	GateOverride *bool
	GateLevel    *authsession.Level

	FormattedReply     *string
	OutboundMessageID  *string
	WasDuplicate       *bool
	Delivered          *bool
	DeliveryRef        *string
	StampedDisposition *Disposition
	RetryPending       *bool

	Disposition *Disposition
	Escalate    bool
	Abort       bool
	Errors      []StageError

	// note is what the stage's audit event reports.
	note note
}

type note struct {
	input  any
	output any
	code   string
}

func ptr[T any](v T) *T { return &v }

// merge applies p to s. Errors and delivery refs only grow; Escalate and
// Aborted never flip back.
func (s *State) merge(p Patch) {
	setIf(&s.Conversation, p.Conversation)
	setIf(&s.Inbound, p.Inbound)
	setIf(&s.Replay, p.Replay)

	assign(&s.Channel, p.Channel)
	assign(&s.FromAddress, p.FromAddress)
	assign(&s.Provider, p.Provider)
	assign(&s.LatestMessage, p.LatestMessage)
	if p.Recent != nil {
		s.Recent = p.Recent
	}
	assign(&s.CustomerID, p.CustomerID)
	assign(&s.CandidateID, p.CandidateID)
	assign(&s.IdentityStatus, p.IdentityStatus)
	assign(&s.AuthLevel, p.AuthLevel)
	assign(&s.PendingAction, p.PendingAction)
	assign(&s.LastOutboundText, p.LastOutboundText)
	if len(p.DeliveryRefs) > 0 {
		if s.DeliveryRefs == nil {
			s.DeliveryRefs = make(map[string]string, len(p.DeliveryRefs))
		}
		for k, v := range p.DeliveryRefs {
			s.DeliveryRefs[k] = v
		}
	}

	setIf(&s.StepUp, p.StepUp)
	assign(&s.StepUpHandled, p.StepUpHandled)
	assign(&s.JustVerified, p.JustVerified)

	setIf(&s.Route, p.Route)
	if p.Permissions != nil {
		s.Permissions = p.Permissions
	}
	setIf(&s.Result, p.Result)
	assign(&s.Intent, p.Intent)
	if p.Actions != nil {
		s.Actions = p.Actions
	}
	assign(&s.ReplyDraft, p.ReplyDraft)
	if p.Outcomes != nil {
		s.Outcomes = p.Outcomes
	}
	assign(&s.CaseID, p.CaseID)

	assign(&s.RequiresAuth, p.RequiresAuth)
	assign(&s.GateOverride, p.GateOverride)
	assign(&s.GateLevel, p.GateLevel)

	assign(&s.FormattedReply, p.FormattedReply)
	assign(&s.OutboundMessageID, p.OutboundMessageID)
	assign(&s.WasDuplicate, p.WasDuplicate)
	assign(&s.Delivered, p.Delivered)
	assign(&s.DeliveryRef, p.DeliveryRef)
	assign(&s.StampedDisposition, p.StampedDisposition)
	assign(&s.RetryPending, p.RetryPending)

	assign(&s.Disposition, p.Disposition)
	s.Escalate = s.Escalate || p.Escalate
	s.Aborted = s.Aborted || p.Abort
	s.Errors = append(s.Errors, p.Errors...)
}

func assign[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setIf[T any](dst **T, v *T) {
	if v != nil {
		*dst = v
	}
}
