// Package tools provides the side-effecting banking tools the executor may
// invoke on behalf of a verified customer.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/policy"
)

// Stable tool error codes.
const (
	CodeCardNotFound       = "CARD_NOT_FOUND"
	CodeCardNotActive      = "CARD_NOT_ACTIVE"
	CodeInvalidParams      = "INVALID_PARAMS"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeToolNotFound       = "TOOL_NOT_FOUND"
)

// Error is a tool failure with a stable code.
type Error struct {
	Code string
	Tool string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the stable code of err, or BACKEND_UNAVAILABLE for
// errors that did not come from a tool.
func ErrorCode(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeBackendUnavailable
}

// AuditContext identifies who caused a tool call.
type AuditContext struct {
	ConversationID string
	MessageID      string
	ActorType      string
}

// Call is the input of a tool.
type Call struct {
	CustomerID string
	AuthLevel  authsession.Level
	Params     map[string]any
	Audit      AuditContext
}

// Output is a typed tool result.
type Output interface {
	// Summary is a short, non-sensitive description for audit.
	Summary() string
}

// Tool is one banking operation.
type Tool interface {
	// Name returns the tool identifier used by the policy engine.
	Name() string
	// Tier returns the risk tier.
	Tier() int
	// Execute runs the tool.
	Execute(ctx context.Context, call Call) (Output, error)
}

// Tool names.
const (
	NameListCards       = "list_cards"
	NameFreezeCard      = "freeze_card"
	NameCreateFraudCase = "create_fraud_case"
)

// Registry manages tool registration and execution.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, call Call) (Output, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, &Error{Code: CodeToolNotFound, Tool: name}
	}
	return tool.Execute(ctx, call)
}

// Tiers are shared with the policy engine.
const (
	TierReadOnly = policy.TierReadOnly
	TierWrite    = policy.TierWrite
	TierHighRisk = policy.TierHighRisk
)

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt64 extracts an integer parameter, accepting JSON numbers.
func GetInt64(params map[string]any, key string) (int64, bool) {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return int64(n), true
		case int64:
			return n, true
		case float64:
			return int64(n), true
		}
	}
	return 0, false
}
