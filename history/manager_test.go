package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/edwflow/collab"
	"github.com/BaSui01/edwflow/types"
)

func testConfig() Config {
	return Config{
		SummaryThreshold: 10,
		KeepRecentCount:  3,
		MaxContextLength: 5,
	}
}

func makeHistory(n int) []types.Message {
	msgs := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, types.NewUserMessage(fmt.Sprintf("问题 %d", i)))
		} else {
			msgs = append(msgs, types.NewAssistantMessage(fmt.Sprintf("回答 %d", i)))
		}
	}
	return msgs
}

func TestMaybeSummarizeBelowThreshold(t *testing.T) {
	m := NewManager(testConfig(), collab.NewScriptedInvoker("总结"), nil)

	msgs := makeHistory(9)
	out, compacted := m.MaybeSummarize(context.Background(), msgs)
	assert.False(t, compacted)
	assert.Equal(t, msgs, out)
}

func TestMaybeSummarizeAtThresholdIsNoOp(t *testing.T) {
	m := NewManager(testConfig(), collab.NewScriptedInvoker("总结"), nil)

	// 恰好等于阈值不触发压缩
	msgs := makeHistory(10)
	out, compacted := m.MaybeSummarize(context.Background(), msgs)
	assert.False(t, compacted)
	assert.Equal(t, msgs, out)
}

func TestMaybeSummarizeCompacts(t *testing.T) {
	m := NewManager(testConfig(), collab.NewScriptedInvoker("这是压缩后的总结"), nil)

	out, compacted := m.MaybeSummarize(context.Background(), makeHistory(12))
	require.True(t, compacted)
	require.Len(t, out, 4)

	assert.True(t, out[0].Summary)
	assert.Equal(t, "这是压缩后的总结", out[0].Content)
	// 最近 3 条原样保留
	assert.Equal(t, "问题 10", out[2].Content)
	assert.Equal(t, "回答 11", out[3].Content)
}

func TestMaybeSummarizeIdempotentAfterCompaction(t *testing.T) {
	m := NewManager(testConfig(), collab.NewScriptedInvoker("总结"), nil)

	out, compacted := m.MaybeSummarize(context.Background(), makeHistory(12))
	require.True(t, compacted)

	again, compactedAgain := m.MaybeSummarize(context.Background(), out)
	assert.False(t, compactedAgain)
	assert.Equal(t, out, again)
}

func TestMaybeSummarizeStructuralFallback(t *testing.T) {
	invoker := collab.NewScriptedInvoker("")
	invoker.Err = types.Transient("model down", nil)
	m := NewManager(testConfig(), invoker, nil)

	out, compacted := m.MaybeSummarize(context.Background(), makeHistory(12))
	require.True(t, compacted)
	require.Len(t, out, 4)
	assert.True(t, out[0].Summary)
	assert.Contains(t, out[0].Content, "历史总结")
}

func TestMaybeSummarizeNilInvoker(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	out, compacted := m.MaybeSummarize(context.Background(), makeHistory(11))
	require.True(t, compacted)
	assert.True(t, out[0].Summary)
}

func TestContextWindowShort(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	msgs := makeHistory(4)
	assert.Equal(t, msgs, m.ContextWindow(msgs))
}

func TestContextWindowTruncates(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	msgs := makeHistory(9)
	window := m.ContextWindow(msgs)
	require.Len(t, window, 5)
	assert.Equal(t, msgs[4:], window)
}

func TestContextWindowCarriesSummary(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	msgs := append([]types.Message{types.NewSummaryMessage("早期总结")}, makeHistory(8)...)
	window := m.ContextWindow(msgs)
	require.Len(t, window, 6)
	assert.True(t, window[0].Summary)
	assert.Equal(t, "早期总结", window[0].Content)
}

func TestEstimateCounter(t *testing.T) {
	c := EstimateCounter{}

	assert.Equal(t, 0, c.Count(""))
	assert.Greater(t, c.Count("hello world this is a test"), 0)
	// 中文按更高密度计数
	assert.Greater(t, c.Count("这是一句中文测试语句"), c.Count("abcd"))
}

func TestTokenCountSumsMessages(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)

	total := m.TokenCount([]types.Message{
		types.NewUserMessage("hello hello hello hello"),
		types.NewAssistantMessage("world world world world"),
	})
	assert.Greater(t, total, 0)
}
