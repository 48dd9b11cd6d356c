// Package provider implements the completion service client used to phrase
// general answers.
package provider

import (
	"context"
)

// Completer turns a system prompt and a conversation into reply text.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []Message) (string, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Disabled is a Completer that always fails, used when no model is
// configured so callers fall back to their own drafts.
type Disabled struct{}

func (Disabled) Complete(context.Context, string, []Message) (string, error) {
	return "", ErrDisabled
}
