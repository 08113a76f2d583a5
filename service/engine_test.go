package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/edwflow/collab"
	"github.com/BaSui01/edwflow/config"
	"github.com/BaSui01/edwflow/fieldmatch"
	"github.com/BaSui01/edwflow/graph"
	"github.com/BaSui01/edwflow/types"
)

// 各节点提示词的识别前缀。
const (
	navPrefix     = "你是数据仓库助手的任务分类器"
	extractPrefix = "从用户的模型开发请求中提取目标信息"
	enhancePrefix = "你是资深数据仓库开发工程师"
	reviewPrefix  = "你是数据仓库代码评审专家"
	intentPrefix  = "用户刚刚针对"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.System.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, invoker collab.ModelInvoker) (*Engine, *collab.InMemoryRepository, *collab.RecordingSink) {
	t.Helper()

	repo := collab.NewInMemoryRepository()
	repo.AddTable(&collab.CodeResult{
		TableName:  "dwd.user_order_detail",
		Path:       "models/dwd/user_order_detail.sql",
		SourceCode: "SELECT order_id, user_id, email, order_amount, order_date FROM ods.orders;",
		Fields:     []string{"order_id", "user_id", "email", "order_amount", "order_date"},
	})
	sink := &collab.RecordingSink{}

	engine := NewEngine(testConfig(), Deps{
		Invoker:         invoker,
		Repo:            repo,
		Sinks:           []collab.NotificationSink{sink},
		CheckpointStore: graph.NewMemoryCheckpointStore(),
	})
	t.Cleanup(engine.Close)
	return engine, repo, sink
}

func drain(t *testing.T, ch <-chan types.OutboundEvent) []types.OutboundEvent {
	t.Helper()
	var events []types.OutboundEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event stream did not close, got %d events", len(events))
		}
	}
}

func eventTypes(events []types.OutboundEvent) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func enhanceInvoker(field string) *collab.ScriptedInvoker {
	return collab.NewScriptedInvoker("好的").
		On(navPrefix, "model_enhance").
		On(extractPrefix, `{"table_name":"dwd.user_order_detail","field":"`+field+`"}`).
		On(enhancePrefix, "```sql\nSELECT order_id, user_id, email, order_amount, order_date, email_domain FROM ods.orders;\n```").
		On(reviewPrefix, `{"score": 95, "feedback": "结构清晰"}`).
		On(intentPrefix, "continue")
}

func TestChatScenario(t *testing.T) {
	invoker := collab.NewScriptedInvoker("你好！我是 EDW 数仓助手").
		On(navPrefix, "chat")
	engine, _, _ := newTestEngine(t, invoker)

	sessionID, ch, err := engine.Submit(context.Background(), "", "你好")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	events := drain(t, ch)
	require.Equal(t, []types.EventType{types.EventContent, types.EventDone}, eventTypes(events))
	assert.Equal(t, "你好！我是 EDW 数仓助手", events[0].Content)
	for _, ev := range events {
		assert.Equal(t, sessionID, ev.SessionID)
	}
}

func TestEnhanceScenarioWithConfirmation(t *testing.T) {
	engine, repo, sink := newTestEngine(t, enhanceInvoker("email"))

	sessionID, ch, err := engine.Submit(context.Background(), "",
		"请为 dwd.user_order_detail 增加邮箱域名字段")
	require.NoError(t, err)

	events := drain(t, ch)
	got := eventTypes(events)
	require.NotEmpty(t, got)

	// 至少一个进度事件，且本轮以字段确认中断收尾
	assert.Contains(t, got, types.EventProgress)
	assert.Equal(t, types.EventInterrupt, got[len(got)-1])
	assert.Contains(t, events[len(events)-1].Prompt, "email")

	// 确认后发布：产物 + 总结 + done
	ch2, err := engine.Resume(context.Background(), sessionID, "可以，提交吧")
	require.NoError(t, err)
	events2 := drain(t, ch2)
	got2 := eventTypes(events2)

	require.Contains(t, got2, types.EventArtifact)
	assert.Equal(t, types.EventDone, got2[len(got2)-1])

	var artifact types.OutboundEvent
	for _, ev := range events2 {
		if ev.Type == types.EventArtifact {
			artifact = ev
		}
	}
	assert.Equal(t, "commit", artifact.Kind)
	assert.NotEmpty(t, artifact.RefID)

	require.Len(t, repo.Commits(), 1)

	// 邮件与文档中心各收到一次发布通知
	records := sink.Records()
	require.Len(t, records, 2)
	kinds := []collab.SinkKind{records[0].Kind, records[1].Kind}
	assert.Contains(t, kinds, collab.SinkEmail)
	assert.Contains(t, kinds, collab.SinkDocHub)
}

func TestFieldTypoScenario(t *testing.T) {
	engine, _, _ := newTestEngine(t, enhanceInvoker("emial"))

	sessionID, ch, err := engine.Submit(context.Background(), "",
		"请为 dwd.user_order_detail 增加 emial 字段")
	require.NoError(t, err)

	events := drain(t, ch)
	got := eventTypes(events)
	require.Equal(t, types.EventInterrupt, got[len(got)-1])
	assert.Contains(t, events[len(events)-1].Prompt, "email")

	var suggestions []fieldmatch.Suggestion
	for _, ev := range events {
		if ev.Type == types.EventArtifact && ev.Kind == "field_suggestions" {
			suggestions = ev.Payload.([]fieldmatch.Suggestion)
		}
	}
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "email", suggestions[0].Field)
	assert.GreaterOrEqual(t, suggestions[0].Score, 0.6)

	// 用正确字段恢复后走完整条流水线
	ch2, err := engine.Resume(context.Background(), sessionID, "email")
	require.NoError(t, err)
	events2 := drain(t, ch2)
	got2 := eventTypes(events2)
	require.NotEmpty(t, got2)
	assert.Contains(t, got2, types.EventProgress)
	assert.Contains(t, got2, types.EventArtifact)
	assert.Equal(t, types.EventDone, got2[len(got2)-1])

	var kinds []string
	for _, ev := range events2 {
		if ev.Type == types.EventArtifact {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Contains(t, kinds, "enhanced_code")
}

func TestCorrectedFieldStillUnknownFails(t *testing.T) {
	engine, repo, _ := newTestEngine(t, enhanceInvoker("emial"))

	sessionID, ch, err := engine.Submit(context.Background(), "",
		"请为 dwd.user_order_detail 增加 emial 字段")
	require.NoError(t, err)
	events := drain(t, ch)
	require.Equal(t, types.EventInterrupt, events[len(events)-1].Type)

	// 更正后的字段仍不存在时本轮以校验失败结束
	ch2, err := engine.Resume(context.Background(), sessionID, "bogus_field")
	require.NoError(t, err)
	events2 := drain(t, ch2)
	got := eventTypes(events2)
	require.Len(t, got, 2)
	assert.Equal(t, types.EventError, got[0])
	assert.Equal(t, string(types.ErrKindValidationFailure), events2[0].Kind)
	assert.Equal(t, types.EventDone, got[1])
	assert.Empty(t, repo.Commits())
}

func TestCloseSessionDiscardsSuspendedState(t *testing.T) {
	engine, _, _ := newTestEngine(t, enhanceInvoker("email"))

	sessionID, ch, err := engine.Submit(context.Background(), "",
		"请为 dwd.user_order_detail 增加邮箱域名字段")
	require.NoError(t, err)
	events := drain(t, ch)
	require.Equal(t, types.EventInterrupt, events[len(events)-1].Type)
	require.Equal(t, 1, engine.Sessions())

	require.True(t, engine.CloseSession(sessionID))
	assert.Equal(t, 0, engine.Sessions())
	assert.False(t, engine.CloseSession(sessionID))
}

func TestResumeWithoutInterrupt(t *testing.T) {
	invoker := collab.NewScriptedInvoker("你好").On(navPrefix, "chat")
	engine, _, _ := newTestEngine(t, invoker)

	sessionID, ch, err := engine.Submit(context.Background(), "", "你好")
	require.NoError(t, err)
	drain(t, ch)

	ch2, err := engine.Resume(context.Background(), sessionID, "多余的恢复")
	require.NoError(t, err)
	events := drain(t, ch2)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Type)
	assert.Equal(t, string(types.ErrKindInvalidResume), events[0].Kind)
}

func TestSubmitOnSuspendedSessionResumes(t *testing.T) {
	engine, repo, _ := newTestEngine(t, enhanceInvoker("email"))

	sessionID, ch, err := engine.Submit(context.Background(), "",
		"请为 dwd.user_order_detail 增加邮箱域名字段")
	require.NoError(t, err)
	events := drain(t, ch)
	require.Equal(t, types.EventInterrupt, events[len(events)-1].Type)

	// 挂起期间的普通消息按恢复输入处理
	_, ch2, err := engine.Submit(context.Background(), sessionID, "可以，提交吧")
	require.NoError(t, err)
	got := eventTypes(drain(t, ch2))
	assert.Equal(t, types.EventDone, got[len(got)-1])
	assert.Len(t, repo.Commits(), 1)
}

func TestRepositoryLookupsCached(t *testing.T) {
	engine, _, _ := newTestEngine(t, enhanceInvoker("email"))

	for _, sessionID := range []string{"a", "b"} {
		_, ch, err := engine.Submit(context.Background(), sessionID,
			"请为 dwd.user_order_detail 增加邮箱域名字段")
		require.NoError(t, err)
		drain(t, ch)
	}

	stats := engine.CacheStats()
	assert.GreaterOrEqual(t, stats.Hits, int64(1))
	assert.Equal(t, 1, stats.Entries)
}

func TestNewSessionAfterDoneStartsFresh(t *testing.T) {
	invoker := collab.NewScriptedInvoker("答复").On(navPrefix, "chat")
	engine, _, _ := newTestEngine(t, invoker)

	sessionID, ch, err := engine.Submit(context.Background(), "", "第一句")
	require.NoError(t, err)
	drain(t, ch)

	_, ch2, err := engine.Submit(context.Background(), sessionID, "第二句")
	require.NoError(t, err)
	got := eventTypes(drain(t, ch2))
	require.Equal(t, []types.EventType{types.EventContent, types.EventDone}, got)
	assert.Equal(t, 1, engine.Sessions())
}
