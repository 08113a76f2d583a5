package graph

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/types"
)

// ErrNoCheckpoint is returned when a session has no stored checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint 会话状态的持久化快照。Seq 在单个会话内单调递增。
type Checkpoint struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointStore 检查点存储接口。
type CheckpointStore interface {
	// Save persists one checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
	// Latest returns the highest-seq checkpoint for the session,
	// or ErrNoCheckpoint.
	Latest(ctx context.Context, sessionID string) (*Checkpoint, error)
	// Seqs lists stored sequence numbers for the session, ascending.
	Seqs(ctx context.Context, sessionID string) ([]int64, error)
	// Delete removes one checkpoint.
	Delete(ctx context.Context, sessionID string, seq int64) error
}

// Checkpointer 负责快照编号、序列化与保留策略（保留最近 keep 个）。
type Checkpointer struct {
	store  CheckpointStore
	keep   int
	logger *zap.Logger
}

// NewCheckpointer creates a checkpointer retaining the newest keep
// checkpoints per session. keep <= 0 means retain everything.
func NewCheckpointer(store CheckpointStore, keep int, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		store:  store,
		keep:   keep,
		logger: logger.With(zap.String("component", "checkpointer")),
	}
}

// Snapshot persists the current state under the next sequence number and
// trims checkpoints beyond the retention window.
func (c *Checkpointer) Snapshot(ctx context.Context, st *types.WorkflowState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return types.NewError(types.ErrKindInternal, "marshal workflow state").WithCause(err)
	}

	var seq int64 = 1
	if latest, err := c.store.Latest(ctx, st.SessionID); err == nil {
		seq = latest.Seq + 1
	} else if !errors.Is(err, ErrNoCheckpoint) {
		return err
	}

	cp := &Checkpoint{
		SessionID: st.SessionID,
		Seq:       seq,
		State:     data,
		CreatedAt: time.Now(),
	}
	if err := c.store.Save(ctx, cp); err != nil {
		return err
	}

	c.trim(ctx, st.SessionID)
	c.logger.Debug("checkpoint saved",
		zap.String("session_id", st.SessionID),
		zap.Int64("seq", seq),
	)
	return nil
}

// Restore rebuilds session state from the latest checkpoint.
// A checkpoint that fails to deserialize is fatal for the session.
func (c *Checkpointer) Restore(ctx context.Context, sessionID string) (*types.WorkflowState, error) {
	cp, err := c.store.Latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var st types.WorkflowState
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return nil, types.NewError(types.ErrKindStateCorruption,
			"checkpoint deserialization failed").WithCause(err)
	}
	if st.NodeOutputs == nil {
		st.NodeOutputs = make(map[string]any)
	}
	if st.Vars == nil {
		st.Vars = make(map[string]string)
	}
	if st.RetryCounts == nil {
		st.RetryCounts = make(map[string]int)
	}
	return &st, nil
}

// trim removes checkpoints older than the retention window. Best effort.
func (c *Checkpointer) trim(ctx context.Context, sessionID string) {
	if c.keep <= 0 {
		return
	}
	seqs, err := c.store.Seqs(ctx, sessionID)
	if err != nil || len(seqs) <= c.keep {
		return
	}
	for _, seq := range seqs[:len(seqs)-c.keep] {
		if err := c.store.Delete(ctx, sessionID, seq); err != nil {
			c.logger.Warn("checkpoint trim failed",
				zap.String("session_id", sessionID),
				zap.Int64("seq", seq),
				zap.Error(err))
		}
	}
}

// MemoryCheckpointStore 进程内检查点存储，供测试与未启用 Redis 时使用。
type MemoryCheckpointStore struct {
	mu       sync.RWMutex
	sessions map[string]map[int64]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{sessions: make(map[string]map[int64]*Checkpoint)}
}

// Save stores a copy of cp.
func (m *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byseq, ok := m.sessions[cp.SessionID]
	if !ok {
		byseq = make(map[int64]*Checkpoint)
		m.sessions[cp.SessionID] = byseq
	}
	cpCopy := *cp
	cpCopy.State = append([]byte(nil), cp.State...)
	byseq[cp.Seq] = &cpCopy
	return nil
}

// Latest returns the highest-seq checkpoint.
func (m *MemoryCheckpointStore) Latest(_ context.Context, sessionID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byseq := m.sessions[sessionID]
	if len(byseq) == 0 {
		return nil, ErrNoCheckpoint
	}
	var best *Checkpoint
	for _, cp := range byseq {
		if best == nil || cp.Seq > best.Seq {
			best = cp
		}
	}
	cpCopy := *best
	cpCopy.State = append([]byte(nil), best.State...)
	return &cpCopy, nil
}

// Seqs lists sequence numbers ascending.
func (m *MemoryCheckpointStore) Seqs(_ context.Context, sessionID string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byseq := m.sessions[sessionID]
	seqs := make([]int64, 0, len(byseq))
	for seq := range byseq {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Delete removes one checkpoint.
func (m *MemoryCheckpointStore) Delete(_ context.Context, sessionID string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byseq, ok := m.sessions[sessionID]; ok {
		delete(byseq, seq)
		if len(byseq) == 0 {
			delete(m.sessions, sessionID)
		}
	}
	return nil
}
