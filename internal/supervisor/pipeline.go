// Package supervisor runs the inbound-message pipeline: one linear fold of
// stages per customer message, ending in exactly one reply and a
// disposition.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/audit"
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/banking"
	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/channels"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/executor"
	"github.com/scalytics/tellerline/internal/identity"
	"github.com/scalytics/tellerline/internal/knowledge"
	"github.com/scalytics/tellerline/internal/observability"
	"github.com/scalytics/tellerline/internal/policy"
	"github.com/scalytics/tellerline/internal/provider"
	"github.com/scalytics/tellerline/internal/redact"
	"github.com/scalytics/tellerline/internal/stepup"
	"github.com/scalytics/tellerline/internal/timeline"
)

// Stage is one step of the pipeline.
type Stage struct {
	Name string
	// Code is recorded when the stage fails or panics.
	Code ErrorCode
	Run  func(ctx context.Context, s *State) (Patch, error)
	// Recover is merged after a failure so the turn still has a safe reply.
	Recover func(s *State) Patch
	// Fatal stages abort the run on failure; only Always stages run after.
	Fatal  bool
	Always bool
	Actor  string
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Config    *config.Config
	Timeline  *timeline.TimelineService
	Sessions  authsession.Store
	Resolver  *identity.Resolver
	StepUp    *stepup.Handler
	Grants    *policy.Grants
	Projector *banking.Projector
	Knowledge *knowledge.Base
	Agents    []agent.Agent
	Executor  *executor.Executor
	Gateways  *channels.Gateways
	// Optional collaborators.
	Completer provider.Completer
	Escalator channels.Escalator
	Recorder  *audit.Recorder
	Metrics   *observability.Metrics
	// Bus is told about every delivered reply.
	Bus *bus.MessageBus
}

// Supervisor runs pipelines.
type Supervisor struct {
	Deps
	agents      map[string]agent.Agent
	stages      []Stage
	auditFilter *redact.Filter
	replyFilter *redact.Filter
	now         func() time.Time
}

// New builds a supervisor. When no agents are given the General-Info and
// Fraud agents are used.
func New(d Deps) (*Supervisor, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("supervisor: config is required")
	case d.Timeline == nil:
		return nil, errors.New("supervisor: timeline is required")
	case d.Sessions == nil || d.StepUp == nil:
		return nil, errors.New("supervisor: auth session store and step-up handler are required")
	case d.Resolver == nil || d.Grants == nil || d.Executor == nil || d.Gateways == nil:
		return nil, errors.New("supervisor: resolver, grants, executor and gateways are required")
	}
	if len(d.Agents) == 0 {
		d.Agents = []agent.Agent{agent.GeneralInfo{}, agent.Fraud{}}
	}
	s := &Supervisor{
		Deps:        d,
		agents:      make(map[string]agent.Agent, len(d.Agents)),
		auditFilter: redact.NewAuditFilter(),
		replyFilter: redact.NewReplyFilter(d.Config.Replies.RedactionMarker),
		now:         time.Now,
	}
	for _, a := range d.Agents {
		s.agents[a.Name()] = a
	}
	s.stages = s.buildStages()
	return s, nil
}

func (s *Supervisor) buildStages() []Stage {
	return []Stage{
		{Name: "load_context", Code: CodeContextLoadFailed, Run: s.loadContext, Fatal: true},
		{Name: "resolve_identity", Code: CodeIdentityResolutionFailed, Run: s.resolveIdentity},
		{Name: "handle_step_up", Code: CodeOTPStartFailed, Run: s.handleStepUp, Recover: s.recoverStepUp, Actor: audit.ActorCustomer},
		{Name: "route_agent", Code: CodeAgentRoutingFailed, Run: s.routeAgent, Recover: s.recoverWithFallback},
		{Name: "agent_execute", Code: CodeAgentExecutionFailed, Run: s.agentExecute, Recover: s.recoverWithFallback, Actor: audit.ActorAgent},
		{Name: "execute_actions", Code: CodeActionExecutionFailed, Run: s.executeActions, Recover: s.recoverActionFailure},
		{Name: "auth_gate", Code: CodeAuthGateFailed, Run: s.authGate, Recover: s.recoverGateClosed},
		{Name: "format_response", Code: CodeFormatResponseFailed, Run: s.formatResponse, Recover: s.recoverFormat},
		{Name: "persist_and_send", Code: CodeMessageSendFailed, Run: s.persistAndSend},
		{Name: "wrap_up", Code: CodeWrapUpFailed, Run: s.wrapUp, Always: true},
	}
}

// StageNames lists the pipeline stages in order.
func (s *Supervisor) StageNames() []string {
	out := make([]string, len(s.stages))
	for i, st := range s.stages {
		out[i] = st.Name
	}
	return out
}

// Result is what a pipeline run reports to its trigger.
type Result struct {
	ConversationID    string       `json:"conversationId"`
	MessageID         string       `json:"messageId"`
	OutboundMessageID string       `json:"outboundMessageId,omitempty"`
	Reply             string       `json:"reply,omitempty"`
	Agent             string       `json:"agent,omitempty"`
	Intent            string       `json:"intent,omitempty"`
	Disposition       Disposition  `json:"disposition"`
	RequiresAuth      bool         `json:"requiresAuth"`
	WasDuplicate      bool         `json:"wasDuplicate"`
	Delivered         bool         `json:"delivered"`
	PendingAction     string       `json:"pendingAction,omitempty"`
	CaseID            string       `json:"caseId,omitempty"`
	Errors            []StageError `json:"errors,omitempty"`
}

// Run processes one inbound event. It never fails: every problem is
// recorded in Result.Errors and the turn still ends with a disposition.
func (s *Supervisor) Run(ctx context.Context, evt InboundEvent) Result {
	st := s.Fold(ctx, evt)
	res := Result{
		ConversationID:    evt.ConversationID,
		MessageID:         evt.MessageID,
		OutboundMessageID: st.OutboundMessageID,
		Reply:             st.FormattedReply,
		Intent:            string(st.Intent),
		Disposition:       st.Disposition,
		RequiresAuth:      st.RequiresAuth,
		WasDuplicate:      st.WasDuplicate,
		Delivered:         st.Delivered,
		PendingAction:     st.PendingAction,
		CaseID:            st.CaseID,
		Errors:            st.Errors,
	}
	if st.Route != nil {
		res.Agent = st.Route.Agent
	}
	outcome := "ok"
	if len(st.Errors) > 0 {
		outcome = "degraded"
	}
	if st.Aborted {
		outcome = "aborted"
	}
	s.Metrics.ObservePipeline(st.Channel, outcome, string(st.Disposition))
	slog.Info("Pipeline finished",
		"conversation_id", evt.ConversationID,
		"message_id", evt.MessageID,
		"disposition", st.Disposition,
		"errors", len(st.Errors),
		"duplicate", st.WasDuplicate,
		"duration_ms", time.Since(st.StartedAt).Milliseconds())
	return res
}

// Fold runs every stage over a fresh state and returns the final state.
func (s *Supervisor) Fold(ctx context.Context, evt InboundEvent) *State {
	st := &State{Event: evt, StartedAt: s.now(), Channel: evt.Channel, FromAddress: evt.FromAddress}
	for _, stage := range s.stages {
		if st.Aborted && !stage.Always {
			s.record(ctx, st, stage, Patch{note: note{output: map[string]any{"skipped": "aborted"}}}, nil)
			continue
		}
		patch, err := s.runStage(ctx, stage, st)
		st.merge(patch)
		if err != nil {
			se := s.stageError(stage, err)
			st.merge(Patch{Errors: []StageError{se}})
			if stage.Recover != nil {
				st.merge(stage.Recover(st))
			}
			if stage.Fatal {
				st.merge(Patch{Abort: true})
			}
			slog.Warn("Stage failed", "stage", stage.Name, "conversation_id", evt.ConversationID, "code", se.Code, "sub_code", se.SubCode)
		}
		s.record(ctx, st, stage, patch, err)
	}
	return st
}

func (s *Supervisor) runStage(ctx context.Context, stage Stage, st *State) (patch Patch, err error) {
	started := s.now()
	stageCtx := ctx
	if d := s.Config.Timeouts.Stage(); d > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stage panicked", "stage", stage.Name, "panic", r, "stack", string(debug.Stack()))
			patch = Patch{}
			err = fmt.Errorf("panic: %v", r)
		}
		code := ""
		if err != nil {
			code = string(stage.Code)
		}
		s.Metrics.ObserveStage(stage.Name, s.now().Sub(started), code)
	}()
	// Stages read a snapshot; only the returned patch changes the state.
	snapshot := *st
	return stage.Run(stageCtx, &snapshot)
}

func (s *Supervisor) stageError(stage Stage, err error) StageError {
	var se *StageError
	if errors.As(err, &se) {
		out := *se
		if out.Stage == "" {
			out.Stage = stage.Name
		}
		if out.Code == "" {
			out.Code = stage.Code
		}
		out.Detail = s.auditFilter.Redact(out.Detail)
		return out
	}
	return StageError{
		Stage:   stage.Name,
		Code:    stage.Code,
		SubCode: executor.SubCode(err),
		Detail:  s.auditFilter.Redact(err.Error()),
	}
}

// record writes the stage's audit event on both success and failure.
func (s *Supervisor) record(ctx context.Context, st *State, stage Stage, p Patch, err error) {
	evt := audit.Event{
		ConversationID: st.Event.ConversationID,
		MessageID:      st.Event.MessageID,
		ActorType:      stage.Actor,
		EventType:      "stage." + stage.Name,
		Input:          p.note.input,
		Output:         p.note.output,
		Success:        err == nil,
		ErrorCode:      p.note.code,
	}
	if err != nil {
		se := s.stageError(stage, err)
		evt.ErrorCode = string(se.Code)
		evt.Output = map[string]any{"error": se.Detail, "subCode": se.SubCode}
	}
	s.Recorder.Record(context.WithoutCancel(ctx), evt)
}

// fallbackReply is the generic reply used whenever a stage cannot produce
// a safe answer.
func (s *Supervisor) fallbackReply(channel string) string {
	line := s.Config.Support.HumanLine
	if channel == "voice" {
		if line == "" {
			return "Sorry, I can't help with that right now. Please hold for a member of our team."
		}
		return "Sorry, I can't help with that right now. Please call " + line + " to speak with our team."
	}
	return "Sorry, something went wrong on our side and I can't help with that right now. " + agent.HandoffReply(line)
}

func (s *Supervisor) actionFailedReply() string {
	return "I wasn't able to complete that request, and nothing was changed on your behalf. " +
		agent.HandoffReply(s.Config.Support.HumanLine)
}

func (s *Supervisor) recoverWithFallback(st *State) Patch {
	return Patch{ReplyDraft: ptr(s.fallbackReply(st.Channel)), Actions: []agent.Action{}, Escalate: true}
}

func (s *Supervisor) recoverActionFailure(st *State) Patch {
	return Patch{
		ReplyDraft:    ptr(s.actionFailedReply()),
		PendingAction: ptr(""),
		Escalate:      true,
	}
}

func (s *Supervisor) recoverStepUp(st *State) Patch {
	return Patch{
		StepUpHandled: ptr(true),
		Intent:        ptr(agent.IntentVerification),
		ReplyDraft:    ptr("I couldn't start verification right now. " + agent.HandoffReply(s.Config.Support.HumanLine)),
		Escalate:      true,
	}
}

// recoverGateClosed treats a failed gate as "auth required".
func (s *Supervisor) recoverGateClosed(st *State) Patch {
	level := agent.RequiredLevel(st.Intent)
	if level.Rank() == 0 {
		level = authsession.LevelOTP
	}
	return Patch{
		RequiresAuth: ptr(true),
		GateOverride: ptr(true),
		GateLevel:    ptr(authsession.LevelNone),
		ReplyDraft:   ptr(agent.VerificationPrompt(st.Channel, level)),
		Actions:      []agent.Action{agent.RequestVerification{Level: level, Reason: "auth_gate_failed"}},
	}
}

func (s *Supervisor) recoverFormat(st *State) Patch {
	return Patch{FormattedReply: ptr(s.fallbackReply(st.Channel))}
}
