package graph

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/internal/metrics"
	"github.com/BaSui01/edwflow/types"
)

// InterruptController 实现挂起/恢复协议。
//
// 恢复仅在存在待回复中断时合法；恢复输入作为一次性变量路由给
// 挂起的节点，随后从该节点继续推进。重复恢复返回 INVALID_RESUME。
type InterruptController struct {
	executor *Executor
	timeout  time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewInterruptController creates a controller. timeout bounds how long a
// session may stay suspended; zero disables expiry.
func NewInterruptController(executor *Executor, timeout time.Duration,
	collector *metrics.Collector, logger *zap.Logger) *InterruptController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterruptController{
		executor: executor,
		timeout:  timeout,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "interrupt_controller")),
	}
}

// Resume 校验并消费一次中断，然后从挂起节点继续执行。
func (c *InterruptController) Resume(ctx context.Context, st *types.WorkflowState,
	input string, emit EmitFunc) error {
	if !st.Suspended() {
		err := types.NewError(types.ErrKindInvalidResume, "no pending interrupt for session")
		ev := types.ErrorEvent(types.ErrKindInvalidResume, err.Message)
		ev.SessionID = st.SessionID
		emit(ev)
		return err
	}

	if c.Expired(st) {
		return c.Expire(ctx, st, emit)
	}

	resumeNode := st.Pending.NodeID
	st.History = append(st.History, types.NewUserMessage(input))
	st.Vars[VarResumeInput] = input
	st.Pending = nil
	st.CurrentNode = resumeNode
	c.metrics.InterruptClosed()

	c.logger.Info("interrupt resumed",
		zap.String("session_id", st.SessionID),
		zap.String("node", resumeNode),
	)
	return c.executor.Run(ctx, st, emit)
}

// Expired reports whether the pending interrupt has outlived the timeout.
func (c *InterruptController) Expired(st *types.WorkflowState) bool {
	return c.timeout > 0 && st.Suspended() &&
		time.Since(st.Pending.AwaitingSince) > c.timeout
}

// Expire 取消超时的挂起会话：清除中断、终止本轮并发出超时错误。
func (c *InterruptController) Expire(ctx context.Context, st *types.WorkflowState,
	emit EmitFunc) error {
	if !st.Suspended() {
		return nil
	}
	node := st.Pending.NodeID
	st.Pending = nil
	st.CurrentNode = types.NodeDone
	c.metrics.InterruptClosed()
	c.executor.snapshot(ctx, st)

	err := types.NewError(types.ErrKindTimeout, "interrupt expired awaiting input")
	if emit != nil {
		ev := types.ErrorEvent(types.ErrKindTimeout, err.Message)
		ev.SessionID = st.SessionID
		emit(ev)
		done := types.DoneEvent()
		done.SessionID = st.SessionID
		emit(done)
	}
	c.logger.Warn("interrupt expired",
		zap.String("session_id", st.SessionID),
		zap.String("node", node),
	)
	return err
}
