// Package history 管理会话消息历史：超阈值总结压缩与上下文窗口裁剪。
//
// 总结通过模型协作方生成；模型不可用时退化为结构化摘要，
// 压缩永不失败。
package history

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/collab"
	"github.com/BaSui01/edwflow/types"
)

const summaryPrompt = `请将以下对话历史压缩为一段简洁的总结，保留：
1. 用户的核心诉求（表名、字段、任务类型）
2. 已经完成的步骤与产出
3. 仍待处理的事项

对话历史：
%s

只输出总结内容，不要解释。`

// Config 消息管理配置
type Config struct {
	// SummaryThreshold 触发总结的历史长度
	SummaryThreshold int
	// KeepRecentCount 总结后保留的最近消息数
	KeepRecentCount int
	// MaxContextLength 上下文窗口最大消息数
	MaxContextLength int
}

// Manager 消息历史管理器
type Manager struct {
	config  Config
	invoker collab.ModelInvoker
	counter TokenCounter
	logger  *zap.Logger
}

// NewManager 创建消息历史管理器。invoker 可为 nil，此时总结始终走结构化降级。
func NewManager(config Config, invoker collab.ModelInvoker, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:  config,
		invoker: invoker,
		counter: NewTokenCounter(),
		logger:  logger.With(zap.String("component", "history_manager")),
	}
}

// MaybeSummarize 当历史长度超过阈值时压缩为 [总结消息] + 最近 KeepRecentCount 条。
// 长度等于或低于阈值时原样返回。第二个返回值表示是否发生了压缩。
func (m *Manager) MaybeSummarize(ctx context.Context, msgs []types.Message) ([]types.Message, bool) {
	if m.config.SummaryThreshold <= 0 || len(msgs) <= m.config.SummaryThreshold {
		return msgs, false
	}

	keep := m.config.KeepRecentCount
	if keep < 0 {
		keep = 0
	}
	if keep >= len(msgs) {
		return msgs, false
	}

	older := msgs[:len(msgs)-keep]
	recent := msgs[len(msgs)-keep:]

	summary := m.summarize(ctx, older)

	compacted := make([]types.Message, 0, keep+1)
	compacted = append(compacted, types.NewSummaryMessage(summary))
	compacted = append(compacted, recent...)

	m.logger.Info("history compacted",
		zap.Int("before", len(msgs)),
		zap.Int("after", len(compacted)),
		zap.Int("summary_tokens", m.counter.Count(summary)),
	)
	return compacted, true
}

// ContextWindow 返回供模型调用使用的上下文切片：最近 MaxContextLength 条消息。
// 若窗口外存在总结消息，则总结消息置于窗口首位，保证长程上下文不丢失。
func (m *Manager) ContextWindow(msgs []types.Message) []types.Message {
	max := m.config.MaxContextLength
	if max <= 0 || len(msgs) <= max {
		return msgs
	}

	window := msgs[len(msgs)-max:]
	for i := len(msgs) - max - 1; i >= 0; i-- {
		if msgs[i].Summary {
			out := make([]types.Message, 0, max+1)
			out = append(out, msgs[i])
			out = append(out, window...)
			return out
		}
	}
	return window
}

// TokenCount 返回消息列表的总 token 数。
func (m *Manager) TokenCount(msgs []types.Message) int {
	return CountMessages(m.counter, msgs)
}

// summarize 生成总结文本，模型失败时走结构化降级。
func (m *Manager) summarize(ctx context.Context, older []types.Message) string {
	if m.invoker != nil {
		text, err := m.invoker.Invoke(ctx, fmt.Sprintf(summaryPrompt, renderTranscript(older)), nil)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		if err != nil {
			m.logger.Warn("model summary failed, using structural fallback", zap.Error(err))
		}
	}
	return structuralSummary(older)
}

// renderTranscript 将消息渲染为 role: content 文本。
func renderTranscript(msgs []types.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// structuralSummary 不依赖模型的降级总结：统计轮次并保留用户诉求要点。
func structuralSummary(msgs []types.Message) string {
	var userAsks []string
	var users, assistants int
	for _, msg := range msgs {
		switch msg.Role {
		case types.RoleUser:
			users++
			ask := strings.TrimSpace(msg.Content)
			if len([]rune(ask)) > 60 {
				ask = string([]rune(ask)[:60]) + "…"
			}
			if ask != "" {
				userAsks = append(userAsks, ask)
			}
		case types.RoleAssistant:
			assistants++
		}
	}
	// 只保留最近几条诉求，避免降级总结本身过长
	if len(userAsks) > 5 {
		userAsks = userAsks[len(userAsks)-5:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[历史总结] 此前共 %d 条用户消息、%d 条助手回复。", users, assistants)
	if len(userAsks) > 0 {
		b.WriteString("用户近期诉求：")
		b.WriteString(strings.Join(userAsks, "；"))
	}
	return b.String()
}
