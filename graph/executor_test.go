package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/edwflow/types"
)

func collectEvents() (EmitFunc, *[]types.OutboundEvent) {
	events := &[]types.OutboundEvent{}
	return func(ev types.OutboundEvent) { *events = append(*events, ev) }, events
}

func eventTypes(events []types.OutboundEvent) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func newExecutor(g *Graph, cfg ExecutorConfig) *Executor {
	return NewExecutor(g, NewCheckpointer(NewMemoryCheckpointStore(), 0, nil), cfg, nil, nil)
}

func TestRunLinearGraph(t *testing.T) {
	g := NewGraph("a").
		AddNode("a", func(context.Context, *types.WorkflowState) (NodeResult, error) {
			return Continue(types.StateDelta{Output: "from-a"},
				types.ProgressEvent("a", 10)), nil
		}).
		AddNode("b", func(context.Context, *types.WorkflowState) (NodeResult, error) {
			return Terminate(types.StateDelta{},
				types.ContentEvent("finished")), nil
		}).
		AddEdge("a", "b")

	ex := newExecutor(g, ExecutorConfig{MaxRetryAttempts: 1, MaxStepsPerMessage: 10})
	st := types.NewWorkflowState("s1", "a")
	emit, events := collectEvents()

	require.NoError(t, ex.Run(context.Background(), st, emit))

	assert.Equal(t, []types.EventType{
		types.EventProgress, types.EventContent, types.EventDone,
	}, eventTypes(*events))
	assert.True(t, st.Done())
	assert.Equal(t, "from-a", st.NodeOutputs["a"])
	for _, ev := range *events {
		assert.Equal(t, "s1", ev.SessionID)
	}
}

func TestRetryableNodeRunsExactlyBudgetTimes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(1, 6).Draw(t, "budget")

		executions := 0
		g := NewGraph("fail").
			AddNode("fail", func(context.Context, *types.WorkflowState) (NodeResult, error) {
				executions++
				return NodeResult{}, types.Transient("collaborator down", nil)
			})

		ex := newExecutor(g, ExecutorConfig{MaxRetryAttempts: budget, MaxStepsPerMessage: 10})
		st := types.NewWorkflowState("s1", "fail")
		emit, events := collectEvents()

		err := ex.Run(context.Background(), st, emit)
		if err == nil {
			t.Fatal("expected run to fail")
		}
		if executions != budget {
			t.Fatalf("node ran %d times, budget %d", executions, budget)
		}
		if st.RetryCounts["fail"] != budget {
			t.Fatalf("retry count %d, want %d", st.RetryCounts["fail"], budget)
		}
		got := eventTypes(*events)
		if len(got) != 2 || got[0] != types.EventError || got[1] != types.EventDone {
			t.Fatalf("unexpected events %v", got)
		}
	})
}

func TestRetryCountClearedOnSuccess(t *testing.T) {
	executions := 0
	g := NewGraph("flaky").
		AddNode("flaky", func(context.Context, *types.WorkflowState) (NodeResult, error) {
			executions++
			if executions < 3 {
				return NodeResult{}, types.Transient("collaborator down", nil)
			}
			return Terminate(types.StateDelta{}), nil
		})

	ex := newExecutor(g, ExecutorConfig{MaxRetryAttempts: 5, MaxStepsPerMessage: 10})
	st := types.NewWorkflowState("s1", "flaky")
	emit, _ := collectEvents()

	require.NoError(t, ex.Run(context.Background(), st, emit))
	assert.Equal(t, 3, executions)
	assert.NotContains(t, st.RetryCounts, "flaky")
}

func TestNonRetryableErrorRunsOnce(t *testing.T) {
	executions := 0
	g := NewGraph("fail").
		AddNode("fail", func(context.Context, *types.WorkflowState) (NodeResult, error) {
			executions++
			return NodeResult{}, types.NewError(types.ErrKindStateCorruption, "broken")
		})

	ex := newExecutor(g, ExecutorConfig{MaxRetryAttempts: 5, MaxStepsPerMessage: 10})
	st := types.NewWorkflowState("s1", "fail")
	emit, events := collectEvents()

	err := ex.Run(context.Background(), st, emit)
	require.Error(t, err)
	assert.Equal(t, 1, executions)
	require.Len(t, *events, 2)
	assert.Equal(t, string(types.ErrKindStateCorruption), (*events)[0].Kind)
}

func TestSuspendSetsPendingAndCheckpoints(t *testing.T) {
	g := NewGraph("ask").
		AddNode("ask", func(context.Context, *types.WorkflowState) (NodeResult, error) {
			return Suspend("确认字段名", types.StateDelta{}), nil
		})

	store := NewMemoryCheckpointStore()
	ex := NewExecutor(g, NewCheckpointer(store, 0, nil),
		ExecutorConfig{MaxRetryAttempts: 1, MaxStepsPerMessage: 10}, nil, nil)
	st := types.NewWorkflowState("s1", "ask")
	emit, events := collectEvents()

	require.NoError(t, ex.Run(context.Background(), st, emit))

	require.True(t, st.Suspended())
	assert.Equal(t, "ask", st.Pending.NodeID)
	assert.Equal(t, "确认字段名", st.Pending.PromptText)
	assert.False(t, st.Pending.AwaitingSince.IsZero())

	require.Len(t, *events, 1)
	assert.Equal(t, types.EventInterrupt, (*events)[0].Type)
	assert.Equal(t, "确认字段名", (*events)[0].Prompt)

	// 挂起时必须已有落盘的检查点
	latest, err := store.Latest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Seq)
}

func TestStepBudgetBreaksRoutingLoop(t *testing.T) {
	g := NewGraph("loop").
		AddNode("loop", func(context.Context, *types.WorkflowState) (NodeResult, error) {
			return Continue(types.StateDelta{}), nil
		}).
		AddEdge("loop", "loop")

	ex := newExecutor(g, ExecutorConfig{MaxRetryAttempts: 1, MaxStepsPerMessage: 5})
	st := types.NewWorkflowState("s1", "loop")
	emit, events := collectEvents()

	err := ex.Run(context.Background(), st, emit)
	require.Error(t, err)
	assert.True(t, st.Done())
	got := eventTypes(*events)
	require.Len(t, got, 2)
	assert.Equal(t, types.EventError, got[0])
}

func TestMissingNodeIsStateCorruption(t *testing.T) {
	g := NewGraph("a").
		AddNode("a", func(context.Context, *types.WorkflowState) (NodeResult, error) {
			return Continue(types.StateDelta{}), nil
		}).
		AddEdge("a", "ghost")

	ex := newExecutor(g, ExecutorConfig{MaxRetryAttempts: 1, MaxStepsPerMessage: 10})
	st := types.NewWorkflowState("s1", "a")
	emit, events := collectEvents()

	err := ex.Run(context.Background(), st, emit)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindStateCorruption, types.GetKind(err))
	assert.Equal(t, string(types.ErrKindStateCorruption), (*events)[0].Kind)
}

func TestNodeSeesStateCopy(t *testing.T) {
	g := NewGraph("a").
		AddNode("a", func(_ context.Context, st *types.WorkflowState) (NodeResult, error) {
			// 直接改入参不应影响真实状态
			st.Vars["hacked"] = "yes"
			st.History = append(st.History, types.NewUserMessage("leak"))
			return Terminate(types.StateDelta{}), nil
		})

	ex := newExecutor(g, ExecutorConfig{MaxRetryAttempts: 1, MaxStepsPerMessage: 10})
	st := types.NewWorkflowState("s1", "a")
	emit, _ := collectEvents()

	require.NoError(t, ex.Run(context.Background(), st, emit))
	assert.Empty(t, st.Vars["hacked"])
	assert.Empty(t, st.History)
}
