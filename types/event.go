package types

import "time"

// EventType defines the type of an outbound stream event.
type EventType string

const (
	// EventContent carries user-visible text.
	EventContent EventType = "content"
	// EventProgress reports pipeline step progress.
	EventProgress EventType = "progress"
	// EventArtifact carries a produced artifact (code, report, commit ref).
	EventArtifact EventType = "artifact"
	// EventInterrupt signals that execution is paused awaiting input.
	EventInterrupt EventType = "interrupt"
	// EventDone closes the stream for this turn.
	EventDone EventType = "done"
	// EventError reports a terminal error for this turn.
	EventError EventType = "error"
)

// OutboundEvent is the sole contract the engine exposes to the transport
// layer. Events for one session are delivered in production order.
type OutboundEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	StepName  string    `json:"step_name,omitempty"`
	Percent   float64   `json:"percent,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	RefID     string    `json:"ref_id,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ContentEvent builds a content event.
func ContentEvent(text string) OutboundEvent {
	return OutboundEvent{Type: EventContent, Content: text, Timestamp: time.Now()}
}

// ProgressEvent builds a progress event.
func ProgressEvent(step string, percent float64) OutboundEvent {
	return OutboundEvent{Type: EventProgress, StepName: step, Percent: percent, Timestamp: time.Now()}
}

// ArtifactEvent builds an artifact event.
func ArtifactEvent(kind string, payload any, refID string) OutboundEvent {
	return OutboundEvent{Type: EventArtifact, Kind: kind, Payload: payload, RefID: refID, Timestamp: time.Now()}
}

// InterruptEvent builds an interrupt event.
func InterruptEvent(prompt string) OutboundEvent {
	return OutboundEvent{Type: EventInterrupt, Prompt: prompt, Timestamp: time.Now()}
}

// DoneEvent builds a done event.
func DoneEvent() OutboundEvent {
	return OutboundEvent{Type: EventDone, Timestamp: time.Now()}
}

// ErrorEvent builds an error event with a stable kind and readable message.
func ErrorEvent(kind ErrorKind, message string) OutboundEvent {
	return OutboundEvent{Type: EventError, Kind: string(kind), Message: message, Timestamp: time.Now()}
}
