package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/types"
)

// InMemoryRepository 内存代码仓库，供本地运行与测试使用。
type InMemoryRepository struct {
	mu      sync.RWMutex
	tables  map[string]*CodeResult
	commits []CommitResult
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{tables: make(map[string]*CodeResult)}
}

// AddTable registers table code under its lowercase name.
func (r *InMemoryRepository) AddTable(code *CodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[strings.ToLower(code.TableName)] = code
}

// FindByTableName returns the registered code or ErrNotFound.
func (r *InMemoryRepository) FindByTableName(_ context.Context, name string) (*CodeResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.tables[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *code
	return &cp, nil
}

// Commit records the commit and returns a synthetic commit id.
func (r *InMemoryRepository) Commit(_ context.Context, path, content, message string) (*CommitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := CommitResult{
		CommitID: fmt.Sprintf("c%04d", len(r.commits)+1),
		Path:     path,
		Branch:   "main",
	}
	r.commits = append(r.commits, result)
	return &result, nil
}

// Commits returns recorded commits, oldest first.
func (r *InMemoryRepository) Commits() []CommitResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommitResult, len(r.commits))
	copy(out, r.commits)
	return out
}

// ScriptedInvoker 按提示词前缀匹配返回预设应答的模型桩。
// 未匹配时返回 Default；Default 为空则报错。
type ScriptedInvoker struct {
	mu      sync.Mutex
	rules   []scriptRule
	Default string
	// Err 非空时所有调用都失败，用于演练重试路径
	Err error

	calls int
}

type scriptRule struct {
	prefix   string
	response string
}

// NewScriptedInvoker creates an invoker with a default response.
func NewScriptedInvoker(defaultResponse string) *ScriptedInvoker {
	return &ScriptedInvoker{Default: defaultResponse}
}

// On registers a response for prompts starting with prefix.
func (s *ScriptedInvoker) On(prefix, response string) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, scriptRule{prefix: prefix, response: response})
	return s
}

// Invoke matches the prompt against registered rules in order.
func (s *ScriptedInvoker) Invoke(_ context.Context, prompt string, _ []types.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return "", s.Err
	}
	for _, rule := range s.rules {
		if strings.HasPrefix(prompt, rule.prefix) {
			return rule.response, nil
		}
	}
	if s.Default == "" {
		return "", types.Transient("no scripted response for prompt", nil)
	}
	return s.Default, nil
}

// Calls returns how many times Invoke ran.
func (s *ScriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LogSink 把通知写入日志的渠道实现。
type LogSink struct {
	Logger *zap.Logger
}

// Send logs the notification.
func (l *LogSink) Send(_ context.Context, kind SinkKind, payload any) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification sent",
		zap.String("sink", string(kind)),
		zap.Any("payload", payload))
	return nil
}

// SinkRecord 一次被记录的通知。
type SinkRecord struct {
	Kind    SinkKind
	Payload any
}

// RecordingSink 记录收到的通知，供测试断言。
type RecordingSink struct {
	mu      sync.Mutex
	records []SinkRecord
	// Err 非空时 Send 返回该错误
	Err error
}

// Send records the notification.
func (r *RecordingSink) Send(_ context.Context, kind SinkKind, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.records = append(r.records, SinkRecord{Kind: kind, Payload: payload})
	return nil
}

// Records returns recorded notifications, oldest first.
func (r *RecordingSink) Records() []SinkRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SinkRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Messages returns recorded payloads.
func (r *RecordingSink) Messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Payload)
	}
	return out
}
