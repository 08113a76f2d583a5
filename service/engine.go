// Package service 组装工作流引擎并对外提供按会话有序的事件流接口。
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/cache"
	"github.com/BaSui01/edwflow/collab"
	"github.com/BaSui01/edwflow/config"
	"github.com/BaSui01/edwflow/fieldmatch"
	"github.com/BaSui01/edwflow/graph"
	"github.com/BaSui01/edwflow/history"
	"github.com/BaSui01/edwflow/internal/metrics"
	"github.com/BaSui01/edwflow/session"
	"github.com/BaSui01/edwflow/types"
)

// eventBuffer 每轮事件通道的缓冲大小。
const eventBuffer = 64

// Engine 是引擎门面：接收会话消息与恢复输入，返回按产生顺序
// 发出的事件通道。通道在本轮结束（done/挂起/错误）后关闭。
type Engine struct {
	config       *config.Config
	store        *session.Store
	executor     *graph.Executor
	interrupts   *graph.InterruptController
	history      *history.Manager
	cache        *cache.ResponseCache
	checkpointer *graph.Checkpointer
	metrics      *metrics.Collector
	logger       *zap.Logger
}

// Deps 引擎的外部协作方。
type Deps struct {
	Invoker         collab.ModelInvoker
	Repo            collab.CodeRepository
	Sinks           []collab.NotificationSink
	CheckpointStore graph.CheckpointStore
	Metrics         *metrics.Collector
	Logger          *zap.Logger
}

// checkpointKeep 每会话保留的检查点数量。
const checkpointKeep = 5

// NewEngine assembles the full pipeline from config and collaborators.
func NewEngine(cfg *config.Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	respCache := cache.New(cache.Config{
		DefaultTTL:      cfg.Cache.TTL(),
		MaxEntries:      cfg.Cache.MaxEntries,
		CleanupInterval: time.Duration(cfg.Cache.CleanupInterval) * time.Second,
	}, logger, deps.Metrics)

	fields := fieldmatch.NewEngine(fieldmatch.Config{
		SimilarityThreshold:   cfg.Validation.SimilarityThreshold,
		MaxSuggestions:        cfg.Validation.MaxSuggestions,
		EnablePatternMatching: cfg.Validation.EnablePatternMatching,
	})

	hist := history.NewManager(history.Config{
		SummaryThreshold: cfg.MessageManagement.SummaryThreshold,
		KeepRecentCount:  cfg.MessageManagement.KeepRecentCount,
		MaxContextLength: cfg.MessageManagement.MaxContextLength,
	}, deps.Invoker, logger)

	pipeline := graph.NewEDWPipeline(graph.PipelineDeps{
		Invoker: deps.Invoker,
		Repo:    deps.Repo,
		Sinks:   deps.Sinks,
		Cache:   respCache,
		Fields:  fields,
		History: hist,
		Review: graph.ReviewPolicy{
			AcceptanceScore: cfg.Review.AcceptanceScore,
			MaxRounds:       cfg.Review.MaxRounds,
		},
		Logger: logger,
	})

	var checkpointer *graph.Checkpointer
	if deps.CheckpointStore != nil {
		checkpointer = graph.NewCheckpointer(deps.CheckpointStore, checkpointKeep, logger)
	}

	executor := graph.NewExecutor(pipeline, checkpointer, graph.ExecutorConfig{
		MaxRetryAttempts:   cfg.System.MaxRetryAttempts,
		MaxStepsPerMessage: cfg.System.MaxStepsPerMessage,
		CheckpointEachNode: cfg.System.CheckpointEachNode,
	}, deps.Metrics, logger)

	interrupts := graph.NewInterruptController(executor, cfg.System.RequestTimeout,
		deps.Metrics, logger)

	store := session.NewStore(session.Config{
		IdleTimeout:    cfg.System.IdleTimeout,
		SuspendTimeout: cfg.System.RequestTimeout,
		SweepInterval:  time.Minute,
	}, checkpointer, interrupts, pipeline.Entry(), deps.Metrics, logger)

	return &Engine{
		config:       cfg,
		store:        store,
		executor:     executor,
		interrupts:   interrupts,
		history:      hist,
		cache:        respCache,
		checkpointer: checkpointer,
		metrics:      deps.Metrics,
		logger:       logger.With(zap.String("component", "engine")),
	}
}

// Submit 处理一条用户消息，返回本轮事件流。sessionID 为空时新建会话。
// 挂起中的会话收到的消息按恢复输入处理。
func (e *Engine) Submit(ctx context.Context, sessionID, message string) (string, <-chan types.OutboundEvent, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, err := e.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return sessionID, nil, err
	}

	ch := make(chan types.OutboundEvent, eventBuffer)
	go func() {
		defer close(ch)
		sess.Mu.Lock()
		defer sess.Mu.Unlock()
		defer e.store.Touch(sessionID)

		emit := func(ev types.OutboundEvent) { ch <- ev }
		runCtx, cancel := context.WithTimeout(ctx, e.config.System.RequestTimeout)
		defer cancel()

		if sess.State.Suspended() {
			if err := e.interrupts.Resume(runCtx, sess.State, message, emit); err != nil {
				e.logger.Warn("resume via message failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}

		e.beginTurn(runCtx, sess.State, message)
		if err := e.executor.Run(runCtx, sess.State, emit); err != nil {
			e.logger.Warn("run ended with error",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
	return sessionID, ch, nil
}

// Resume 用外部输入恢复挂起会话，返回本轮事件流。
// 无待回复中断时事件流只含 INVALID_RESUME 错误。
func (e *Engine) Resume(ctx context.Context, sessionID, input string) (<-chan types.OutboundEvent, error) {
	sess, err := e.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ch := make(chan types.OutboundEvent, eventBuffer)
	go func() {
		defer close(ch)
		sess.Mu.Lock()
		defer sess.Mu.Unlock()
		defer e.store.Touch(sessionID)

		emit := func(ev types.OutboundEvent) { ch <- ev }
		runCtx, cancel := context.WithTimeout(ctx, e.config.System.RequestTimeout)
		defer cancel()

		if err := e.interrupts.Resume(runCtx, sess.State, input, emit); err != nil {
			e.logger.Warn("resume failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
	return ch, nil
}

// beginTurn 把新消息写入历史并为新一轮执行归位状态。
func (e *Engine) beginTurn(ctx context.Context, st *types.WorkflowState, message string) {
	st.History = append(st.History, types.NewUserMessage(message))
	if compacted, ok := e.history.MaybeSummarize(ctx, st.History); ok {
		st.History = compacted
	}

	if st.Done() || st.CurrentNode == "" {
		// 新的一轮从导航重新判定任务；上一轮的中间变量不再有效
		st.CurrentNode = e.executor.Graph().Entry()
		st.TaskType = types.TaskUndetermined
		st.Vars = make(map[string]string)
	}
}

// CloseSession 显式结束会话：丢弃内存状态与待回复中断，
// 检查点保持不动。返回会话此前是否存在于内存中。
func (e *Engine) CloseSession(sessionID string) bool {
	return e.store.CloseSession(sessionID)
}

// CacheStats 返回响应缓存统计。
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.GetStats()
}

// Sessions 返回内存中的会话数。
func (e *Engine) Sessions() int {
	return e.store.Len()
}

// Close 释放后台资源。
func (e *Engine) Close() {
	e.store.Close()
	e.cache.Close()
}
