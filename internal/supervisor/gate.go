package supervisor

import (
	"context"
	"fmt"

	"github.com/scalytics/tellerline/internal/agent"
	"github.com/scalytics/tellerline/internal/authsession"
)

// authGate is the last check before a reply is rendered. It re-reads the
// auth level from the session store instead of trusting the state, and
// replaces the reply and actions with a verification request when the
// turn's intent needs more than the conversation has. Errors fail closed
// through recoverGateClosed.
func (s *Supervisor) authGate(ctx context.Context, st *State) (Patch, error) {
	if st.Replay != nil {
		return skipped("duplicate"), nil
	}
	required := agent.RequiredLevel(st.Intent)
	if !st.StepUpHandled {
		required = authsession.Max(required, agent.RequiredLevel(agent.Classify(st.LatestMessage).Intent))
	}

	level, err := s.Sessions.CurrentLevel(ctx, st.Conversation.ID, s.now())
	if err != nil {
		return Patch{}, fmt.Errorf("read auth level: %w", err)
	}
	p := Patch{
		GateLevel:    ptr(level),
		RequiresAuth: ptr(false),
		note: note{output: map[string]any{
			"intent":   st.Intent,
			"required": required,
			"level":    level,
		}},
	}
	if required.Rank() == 0 || level.AtLeast(required) {
		return p, nil
	}

	p.RequiresAuth = ptr(true)
	p.GateOverride = ptr(true)
	p.ReplyDraft = ptr(agent.VerificationPrompt(st.Channel, required))
	p.Actions = []agent.Action{agent.RequestVerification{
		Level:  required,
		Reason: fmt.Sprintf("auth_gate: %s requires %s, session has %s", st.Intent, required, level),
	}}
	p.note.output = map[string]any{
		"intent":   st.Intent,
		"required": required,
		"level":    level,
		"override": true,
	}
	return p, nil
}
