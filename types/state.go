package types

import "time"

// TaskType 任务类型，由导航节点判定一次。
type TaskType string

const (
	TaskUndetermined TaskType = ""
	TaskChat         TaskType = "chat"
	TaskModelEnhance TaskType = "model_enhance"
	TaskModelAdd     TaskType = "model_add"
	TaskOther        TaskType = "other"
)

// Sentinel node identifiers. Regular node IDs are owned by the graph package.
const (
	// NodeDone marks a session whose last pipeline run reached a terminal node.
	NodeDone = "done"
)

// PendingInterrupt records a suspension awaiting external input.
// Present iff execution is suspended.
type PendingInterrupt struct {
	NodeID        string    `json:"node_id"`
	PromptText    string    `json:"prompt_text"`
	AwaitingSince time.Time `json:"awaiting_since"`
}

// WorkflowState 会话级工作流状态，每个会话一份。
// Mutated exclusively by the graph executor via state deltas.
type WorkflowState struct {
	SessionID   string             `json:"session_id"`
	History     []Message          `json:"history"`
	TaskType    TaskType           `json:"task_type"`
	CurrentNode string             `json:"current_node"`
	NodeOutputs map[string]any     `json:"node_outputs"`
	Vars        map[string]string  `json:"vars,omitempty"`
	Pending     *PendingInterrupt  `json:"pending_interrupt,omitempty"`
	RetryCounts map[string]int     `json:"retry_counts,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NewWorkflowState creates the state for a fresh session positioned at entry.
func NewWorkflowState(sessionID, entryNode string) *WorkflowState {
	return &WorkflowState{
		SessionID:   sessionID,
		CurrentNode: entryNode,
		NodeOutputs: make(map[string]any),
		Vars:        make(map[string]string),
		RetryCounts: make(map[string]int),
		UpdatedAt:   time.Now(),
	}
}

// Done reports whether the last run reached a terminal node.
func (s *WorkflowState) Done() bool {
	return s.CurrentNode == NodeDone
}

// Suspended reports whether execution is paused on a pending interrupt.
func (s *WorkflowState) Suspended() bool {
	return s.Pending != nil
}

// Var returns a scratch variable, empty string when unset.
func (s *WorkflowState) Var(key string) string {
	return s.Vars[key]
}

// LastUserMessage returns the most recent user message content, or "".
func (s *WorkflowState) LastUserMessage() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			return s.History[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy. Checkpoints and node calls receive copies so a
// half-applied delta can never leak into durable state.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.History = make([]Message, len(s.History))
	copy(cp.History, s.History)
	cp.NodeOutputs = make(map[string]any, len(s.NodeOutputs))
	for k, v := range s.NodeOutputs {
		cp.NodeOutputs[k] = v
	}
	cp.Vars = make(map[string]string, len(s.Vars))
	for k, v := range s.Vars {
		cp.Vars[k] = v
	}
	cp.RetryCounts = make(map[string]int, len(s.RetryCounts))
	for k, v := range s.RetryCounts {
		cp.RetryCounts[k] = v
	}
	if s.Pending != nil {
		p := *s.Pending
		cp.Pending = &p
	}
	return &cp
}

// StateDelta is the only way node results modify workflow state.
// Zero fields leave the corresponding state untouched.
type StateDelta struct {
	TaskType TaskType          `json:"task_type,omitempty"`
	Messages []Message         `json:"messages,omitempty"`
	Output   any               `json:"output,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// Apply merges a delta produced by nodeID into the state.
// Messages append, vars merge key-wise, the output replaces the node's last.
func (s *WorkflowState) Apply(nodeID string, d StateDelta) {
	if d.TaskType != TaskUndetermined {
		s.TaskType = d.TaskType
	}
	s.History = append(s.History, d.Messages...)
	if d.Output != nil {
		s.NodeOutputs[nodeID] = d.Output
	}
	for k, v := range d.Vars {
		s.Vars[k] = v
	}
	s.UpdatedAt = time.Now()
}
