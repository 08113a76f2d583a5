package types

import "time"

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents one conversation history record.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	Name      string    `json:"name,omitempty"`
	Summary   bool      `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// NewSummaryMessage creates an assistant message that stands in for a
// compacted span of earlier history.
func NewSummaryMessage(content string) Message {
	m := NewMessage(RoleAssistant, content)
	m.Summary = true
	return m
}
