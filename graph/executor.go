package graph

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/internal/metrics"
	"github.com/BaSui01/edwflow/types"
)

// VarResumeInput holds the resume payload for the node being resumed.
// Consumed by the executor after the first node of the resumed run.
const VarResumeInput = "resume_input"

// EmitFunc delivers one outbound event. The executor calls it in
// production order; implementations must not block indefinitely.
type EmitFunc func(types.OutboundEvent)

// ExecutorConfig 执行器运行参数。
type ExecutorConfig struct {
	// MaxRetryAttempts 单次节点访问的最大执行次数（含首次）。
	MaxRetryAttempts int
	// MaxStepsPerMessage 单条消息最多推进的节点数，防止路由环路。
	MaxStepsPerMessage int
	// CheckpointEachNode 为 true 时每个成功节点后都落检查点；
	// 挂起与终止检查点始终保留。
	CheckpointEachNode bool
}

// Executor 推进工作流状态机。它是会话状态的唯一写入方；
// 节点只看到状态的深拷贝，通过增量修改状态。
type Executor struct {
	graph        *Graph
	checkpointer *Checkpointer
	config       ExecutorConfig
	metrics      *metrics.Collector
	logger       *zap.Logger
}

// NewExecutor creates an executor over graph.
func NewExecutor(graph *Graph, checkpointer *Checkpointer, config ExecutorConfig,
	collector *metrics.Collector, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = 1
	}
	if config.MaxStepsPerMessage <= 0 {
		config.MaxStepsPerMessage = 32
	}
	return &Executor{
		graph:        graph,
		checkpointer: checkpointer,
		config:       config,
		metrics:      collector,
		logger:       logger.With(zap.String("component", "executor")),
	}
}

// Graph returns the executor's graph.
func (e *Executor) Graph() *Graph { return e.graph }

// Run 从 st.CurrentNode 开始推进，直到挂起、终止或失败。
// 事件按产生顺序通过 emit 发出；返回的 error 仅供日志，
// 用户可见的失败已通过 error 事件发出。
func (e *Executor) Run(ctx context.Context, st *types.WorkflowState, emit EmitFunc) error {
	send := func(ev types.OutboundEvent) {
		ev.SessionID = st.SessionID
		emit(ev)
	}

	for steps := 0; ; steps++ {
		if steps >= e.config.MaxStepsPerMessage {
			err := types.NewError(types.ErrKindInternal, "step budget exhausted, routing loop suspected")
			return e.fail(ctx, st, send, err)
		}

		nodeID := st.CurrentNode
		fn, ok := e.graph.Node(nodeID)
		if !ok {
			err := types.NewError(types.ErrKindStateCorruption, "current node not in graph: "+nodeID)
			return e.fail(ctx, st, send, err)
		}

		result, err := e.runWithRetry(ctx, nodeID, fn, st)
		if err != nil {
			return e.fail(ctx, st, send, err)
		}

		st.Apply(nodeID, result.Delta)
		// 恢复输入只对被恢复的节点可见一次
		delete(st.Vars, VarResumeInput)
		e.metrics.NodeExecuted(nodeID)
		for _, ev := range result.Events {
			send(ev)
		}

		switch result.Outcome {
		case OutcomeSuspend:
			st.Pending = &types.PendingInterrupt{
				NodeID:        nodeID,
				PromptText:    result.Prompt,
				AwaitingSince: time.Now(),
			}
			e.metrics.InterruptOpened()
			e.snapshot(ctx, st)
			send(types.InterruptEvent(result.Prompt))
			return nil

		case OutcomeTerminate:
			return e.finish(ctx, st, send)

		case OutcomeContinue:
			next := e.graph.NextNode(nodeID, st)
			if next == types.NodeDone {
				return e.finish(ctx, st, send)
			}
			st.CurrentNode = next
			if e.config.CheckpointEachNode {
				e.snapshot(ctx, st)
			}
		}
	}
}

// runWithRetry executes one node visit. A node that keeps failing with
// retryable errors runs exactly MaxRetryAttempts times.
func (e *Executor) runWithRetry(ctx context.Context, nodeID string, fn NodeFunc,
	st *types.WorkflowState) (NodeResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.config.MaxRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NodeResult{}, types.NewError(types.ErrKindTimeout, "run cancelled").WithCause(err)
		}

		result, err := fn(ctx, st.Clone())
		if err == nil {
			// 连败计数在节点成功时清零
			delete(st.RetryCounts, nodeID)
			return result, nil
		}

		lastErr = err
		st.RetryCounts[nodeID]++
		e.metrics.NodeFailed(nodeID)
		e.logger.Warn("node execution failed",
			zap.String("session_id", st.SessionID),
			zap.String("node", nodeID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !types.IsRetryable(err) {
			break
		}
	}
	return NodeResult{}, lastErr
}

// finish marks the run terminal and closes the event stream for this turn.
func (e *Executor) finish(ctx context.Context, st *types.WorkflowState, send EmitFunc) error {
	st.CurrentNode = types.NodeDone
	st.Pending = nil
	e.snapshot(ctx, st)
	send(types.DoneEvent())
	return nil
}

// fail surfaces a terminal error to the stream and ends the run.
func (e *Executor) fail(ctx context.Context, st *types.WorkflowState, send EmitFunc, err error) error {
	kind := types.GetKind(err)
	if kind == "" {
		kind = types.ErrKindInternal
	}
	e.logger.Error("run failed",
		zap.String("session_id", st.SessionID),
		zap.String("node", st.CurrentNode),
		zap.Error(err),
	)

	st.CurrentNode = types.NodeDone
	st.Pending = nil
	e.snapshot(ctx, st)
	send(types.ErrorEvent(kind, err.Error()))
	send(types.DoneEvent())
	return err
}

// snapshot persists a checkpoint. Snapshot trouble never aborts a run.
func (e *Executor) snapshot(ctx context.Context, st *types.WorkflowState) {
	if e.checkpointer == nil {
		return
	}
	if err := e.checkpointer.Snapshot(ctx, st); err != nil {
		e.logger.Error("checkpoint snapshot failed",
			zap.String("session_id", st.SessionID),
			zap.Error(err))
	}
}
