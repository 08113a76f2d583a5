// Package session 管理内存中的工作流会话：单写者互斥、空闲驱逐、
// 挂起超时清理与检查点恢复。
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/graph"
	"github.com/BaSui01/edwflow/internal/metrics"
	"github.com/BaSui01/edwflow/types"
)

// Session 一个活跃会话。Mu 序列化对 State 的所有读写，
// 同一会话的消息严格串行处理。
type Session struct {
	ID    string
	State *types.WorkflowState

	// Mu 会话级单写者锁
	Mu sync.Mutex

	lastActive time.Time
}

// Config 会话存储配置。
type Config struct {
	// IdleTimeout 无活动驱逐时限，<=0 不驱逐
	IdleTimeout time.Duration
	// SuspendTimeout 挂起会话的等待上限，<=0 不超时
	SuspendTimeout time.Duration
	// SweepInterval 后台清扫间隔
	SweepInterval time.Duration
}

// Store 会话存储。会话可随时被驱逐：驱逐只丢内存，
// 检查点仍可恢复会话。
type Store struct {
	config       Config
	checkpointer *graph.Checkpointer
	interrupts   *graph.InterruptController
	entryNode    string
	metrics      *metrics.Collector
	logger       *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStore creates a session store. checkpointer may be nil, in which case
// evicted sessions are unrecoverable.
func NewStore(config Config, checkpointer *graph.Checkpointer,
	interrupts *graph.InterruptController, entryNode string,
	collector *metrics.Collector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		config:       config,
		checkpointer: checkpointer,
		interrupts:   interrupts,
		entryNode:    entryNode,
		metrics:      collector,
		logger:       logger.With(zap.String("component", "session_store")),
		sessions:     make(map[string]*Session),
		stopChan:     make(chan struct{}),
	}
	if config.SweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

// GetOrCreate 返回会话，必要时从最新检查点恢复或新建。
func (s *Store) GetOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.lastActive = time.Now()
		return sess, nil
	}

	st, err := s.restore(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = types.NewWorkflowState(sessionID, s.entryNode)
		s.logger.Info("session created", zap.String("session_id", sessionID))
	} else {
		s.logger.Info("session restored from checkpoint", zap.String("session_id", sessionID))
	}

	sess := &Session{ID: sessionID, State: st, lastActive: time.Now()}
	s.sessions[sessionID] = sess
	s.metrics.SessionOpened()
	return sess, nil
}

// Touch 更新会话活跃时间。
func (s *Store) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.lastActive = time.Now()
	}
}

// Len 返回内存中的会话数。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseSession 显式结束会话：丢弃内存状态与待回复中断。
// 最近一次落盘检查点保持原样，后续消息仍可由检查点重建会话。
// 返回会话是否存在于内存中。
func (s *Store) CloseSession(sessionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	// 等正在处理的消息做完再丢弃状态
	sess.Mu.Lock()
	if sess.State.Suspended() {
		sess.State.Pending = nil
		s.metrics.InterruptClosed()
	}
	sess.Mu.Unlock()

	s.metrics.SessionClosed()
	s.logger.Info("session closed", zap.String("session_id", sessionID))
	return true
}

// EvictIdle 驱逐空闲超时的会话，返回驱逐数。
func (s *Store) EvictIdle() int {
	if s.config.IdleTimeout <= 0 {
		return 0
	}

	s.mu.Lock()
	cutoff := time.Now().Add(-s.config.IdleTimeout)
	var idle []*Session
	for _, sess := range s.sessions {
		if sess.lastActive.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	s.mu.Unlock()

	evicted := 0
	for _, sess := range idle {
		// 正在处理消息的会话等它做完再驱逐
		sess.Mu.Lock()
		s.mu.Lock()
		if cur, ok := s.sessions[sess.ID]; ok && cur == sess && sess.lastActive.Before(cutoff) {
			delete(s.sessions, sess.ID)
			evicted++
			s.metrics.SessionEvicted()
			s.logger.Info("session evicted for idleness", zap.String("session_id", sess.ID))
		}
		s.mu.Unlock()
		sess.Mu.Unlock()
	}
	return evicted
}

// ExpireSuspended 取消挂起超时的会话中断。
func (s *Store) ExpireSuspended(ctx context.Context) int {
	if s.interrupts == nil || s.config.SuspendTimeout <= 0 {
		return 0
	}

	s.mu.Lock()
	var candidates []*Session
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.Unlock()

	expired := 0
	for _, sess := range candidates {
		sess.Mu.Lock()
		if s.interrupts.Expired(sess.State) {
			_ = s.interrupts.Expire(ctx, sess.State, nil)
			expired++
		}
		sess.Mu.Unlock()
	}
	return expired
}

// Close 停止后台清扫。
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// restore loads the latest checkpoint state, nil when none exists.
func (s *Store) restore(ctx context.Context, sessionID string) (*types.WorkflowState, error) {
	if s.checkpointer == nil {
		return nil, nil
	}
	st, err := s.checkpointer.Restore(ctx, sessionID)
	if errors.Is(err, graph.ErrNoCheckpoint) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.ExpireSuspended(ctx)
			s.EvictIdle()
			cancel()
		}
	}
}
