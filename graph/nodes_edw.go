package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/cache"
	"github.com/BaSui01/edwflow/collab"
	"github.com/BaSui01/edwflow/fieldmatch"
	"github.com/BaSui01/edwflow/types"
)

// 节点提示词。
const (
	navigatePrompt = `你是数据仓库助手的任务分类器。根据用户消息判断任务类型，只输出其中一个标签：
chat - 闲聊、咨询、与模型开发无关
model_enhance - 对已有数据模型增加字段或逻辑
model_add - 新建数据模型
other - 其他

用户消息：%s`

	extractPrompt = `从用户的模型开发请求中提取目标信息，输出 JSON：
{"table_name": "目标表名，未提及则为空字符串", "field": "要新增或修改的字段名，未提及则为空字符串"}

用户请求：%s`

	enhancePrompt = `你是资深数据仓库开发工程师。请基于现有模型代码完成增强需求，输出完整的修改后代码。

表名：%s
现有代码：
%s

增强需求：%s
%s
只输出代码，不要解释。`

	reviewPrompt = `你是数据仓库代码评审专家。请为以下增强代码打分，输出 JSON：
{"score": 0到100的整数, "feedback": "主要问题与改进建议"}

代码：
%s`

	intentPrompt = `用户刚刚针对"生成的增强代码是否满足需求"作出答复。判断其意图，只输出其中一个标签：
refine - 希望继续调整代码
continue - 确认满意，可以提交
unrelated - 答复与当前任务无关

用户答复：%s`

	refinePrompt = `请根据用户的调整意见修改以下数据模型代码，输出完整的修改后代码。

现有代码：
%s

调整意见：%s
只输出代码，不要解释。`
)

// refine_intent 标签。
const (
	intentRefine    = "refine"
	intentContinue  = "continue"
	intentUnrelated = "unrelated"
)

// navigate 判定任务类型。已判定过的会话直接放行。
func (p *pipeline) navigate(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	if st.TaskType != types.TaskUndetermined {
		return Continue(types.StateDelta{}), nil
	}

	userMsg := st.LastUserMessage()
	text, err := p.Invoker.Invoke(ctx, fmt.Sprintf(navigatePrompt, userMsg),
		p.History.ContextWindow(st.History))
	if err != nil {
		return NodeResult{}, types.Transient("task classification", err)
	}

	taskType := parseTaskType(text)
	if taskType == types.TaskUndetermined {
		taskType = classifyByKeywords(userMsg)
	}
	p.Logger.Debug("task classified",
		zap.String("session_id", st.SessionID),
		zap.String("task_type", string(taskType)))
	return Continue(types.StateDelta{TaskType: taskType}), nil
}

// chat 直接应答并结束本轮。
func (p *pipeline) chat(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	reply, err := p.Invoker.Invoke(ctx, st.LastUserMessage(), p.History.ContextWindow(st.History))
	if err != nil {
		return NodeResult{}, types.Transient("chat completion", err)
	}
	return Terminate(
		types.StateDelta{Messages: []types.Message{types.NewAssistantMessage(reply)}},
		types.ContentEvent(reply),
	), nil
}

// validate 解析请求、定位模型代码并校验字段名。
// 表名缺失或字段无法匹配时挂起等待用户补充。
func (p *pipeline) validate(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	resumeInput := strings.TrimSpace(st.Var(VarResumeInput))
	tableName := st.Var(varTableName)
	requestedField := st.Var(varRequestedField)

	// 已有表上下文时，恢复输入是对字段名的确认或更正
	if resumeInput != "" && tableName != "" {
		confirmed := strings.ToLower(resumeInput)
		if isAffirmative(resumeInput) && requestedField != "" {
			confirmed = strings.ToLower(strings.TrimSpace(requestedField))
		}
		code, err := p.lookupTable(ctx, tableName)
		if errors.Is(err, collab.ErrNotFound) {
			return NodeResult{}, types.NewError(types.ErrKindStateCorruption,
				"table vanished from repository: "+tableName)
		}
		if err != nil {
			return NodeResult{}, types.Transient("repository lookup", err)
		}
		// 确认或更正后的字段必须真实存在
		if !p.Fields.Exact(confirmed, code.Fields) {
			return NodeResult{}, types.NewError(types.ErrKindValidationFailure,
				fmt.Sprintf("字段 %s 在表 %s 中不存在", confirmed, tableName))
		}
		return Continue(types.StateDelta{
			Vars: map[string]string{varConfirmedField: confirmed},
		}, types.ProgressEvent("validate", 30)), nil
	}
	if resumeInput != "" {
		tableName = resumeInput
	}

	if tableName == "" {
		parsed, err := p.extractRequest(ctx, st.LastUserMessage())
		if err != nil {
			return NodeResult{}, err
		}
		tableName = parsed.TableName
		if requestedField == "" {
			requestedField = parsed.Field
		}
	}
	if tableName == "" {
		return Suspend("请提供目标模型的表名（如 dwd.user_order_detail）", types.StateDelta{}), nil
	}

	code, err := p.lookupTable(ctx, tableName)
	if errors.Is(err, collab.ErrNotFound) {
		return Suspend(
			fmt.Sprintf("未找到表 %s 对应的模型代码，请确认表名", tableName),
			types.StateDelta{},
		), nil
	}
	if err != nil {
		return NodeResult{}, types.Transient("repository lookup", err)
	}

	delta := types.StateDelta{
		Vars: map[string]string{
			varTableName:      tableName,
			varTablePath:      code.Path,
			varCurrentCode:    code.SourceCode,
			varRequestedField: requestedField,
		},
		Output: code,
	}

	if requestedField == "" {
		return Continue(delta, types.ProgressEvent("validate", 30)), nil
	}

	// 字段合法与否都要用户确认一次，改动发布前不做静默假设
	if p.Fields.Exact(requestedField, code.Fields) {
		prompt := fmt.Sprintf("请确认目标字段名：%s（回复\"是\"确认，或回复正确的字段名）",
			strings.ToLower(strings.TrimSpace(requestedField)))
		return Suspend(prompt, delta, types.ProgressEvent("validate", 30)), nil
	}

	suggestions := p.Fields.Suggest(requestedField, code.Fields)
	prompt := fieldConfirmPrompt(requestedField, tableName, suggestions)
	return Suspend(prompt, delta,
		types.ProgressEvent("validate", 30),
		types.ArtifactEvent("field_suggestions", suggestions, ""),
	), nil
}

// lookupTable 经响应缓存查找表对应的模型代码，同表重复请求不触发远端调用。
func (p *pipeline) lookupTable(ctx context.Context, tableName string) (*collab.CodeResult, error) {
	key := cache.NormalizeKey("table", tableName)
	v, err := p.Cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return p.Repo.FindByTableName(ctx, tableName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*collab.CodeResult), nil
}

// isAffirmative 判断答复是否以肯定确认开头。
func isAffirmative(reply string) bool {
	lower := strings.ToLower(strings.TrimSpace(reply))
	for _, word := range []string{"是", "对", "确认", "可以", "好", "行", "yes", "ok"} {
		if strings.HasPrefix(lower, word) {
			return true
		}
	}
	return lower == "y"
}

// enhance 生成增强代码。
func (p *pipeline) enhance(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	code := st.Var(varCurrentCode)
	if code == "" {
		return NodeResult{}, types.NewError(types.ErrKindStateCorruption,
			"enhance reached without model code in state")
	}

	requirement := st.LastUserMessage()
	if field := st.Var(varConfirmedField); field != "" {
		requirement = fmt.Sprintf("%s（目标字段：%s）", requirement, field)
	}
	var feedback string
	if fb := st.Var(varReviewFeedback); fb != "" {
		feedback = "上一轮评审意见：" + fb
	}

	text, err := p.Invoker.Invoke(ctx,
		fmt.Sprintf(enhancePrompt, st.Var(varTableName), code, requirement, feedback),
		p.History.ContextWindow(st.History))
	if err != nil {
		return NodeResult{}, types.Transient("code generation", err)
	}

	return Continue(types.StateDelta{
		Vars:   map[string]string{varCurrentCode: extractCodeBlock(text)},
		Output: map[string]string{"table_name": st.Var(varTableName)},
	},
		types.ProgressEvent("enhance", 50),
	), nil
}

// review 为生成代码打分，分数与意见写回状态供路由与重生成使用。
func (p *pipeline) review(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	text, err := p.Invoker.Invoke(ctx,
		fmt.Sprintf(reviewPrompt, st.Var(varCurrentCode)), nil)
	if err != nil {
		return NodeResult{}, types.Transient("code review", err)
	}

	score, feedback := parseReview(text)
	rounds := atoi(st.Var(varReviewRounds)) + 1
	p.Logger.Debug("code reviewed",
		zap.String("session_id", st.SessionID),
		zap.Float64("score", score),
		zap.Int("round", rounds))

	return Continue(types.StateDelta{
		Vars: map[string]string{
			varReviewScore:    strconv.FormatFloat(score, 'f', -1, 64),
			varReviewFeedback: feedback,
			varReviewRounds:   strconv.Itoa(rounds),
		},
	},
		types.ProgressEvent("review", 70),
	), nil
}

// refineInquiry 自动评审轮次用尽后挂起征询人工；恢复后把答复交给意图判定。
func (p *pipeline) refineInquiry(_ context.Context, st *types.WorkflowState) (NodeResult, error) {
	if reply := strings.TrimSpace(st.Var(VarResumeInput)); reply != "" {
		return Continue(types.StateDelta{
			Vars: map[string]string{varRefineReply: reply},
		}), nil
	}

	prompt := fmt.Sprintf(
		"自动评审未达标（当前评分 %s，评审意见：%s）。请说明调整意见，或回复\"提交\"接受当前代码",
		st.Var(varReviewScore), st.Var(varReviewFeedback))
	if st.Var(varRefineIntent) == intentUnrelated {
		prompt = "当前正在等待您处理未达标的增强代码：请说明调整意见，或回复\"提交\"接受当前代码"
	}
	return Suspend(prompt, types.StateDelta{}), nil
}

// refineIntent 判定确认答复的意图。模型不可用时退化为关键词判定。
func (p *pipeline) refineIntent(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	reply := st.Var(varRefineReply)

	intent := ""
	if text, err := p.Invoker.Invoke(ctx, fmt.Sprintf(intentPrompt, reply), nil); err == nil {
		intent = parseIntent(text)
	}
	if intent == "" {
		intent = intentByKeywords(reply)
	}

	return Continue(types.StateDelta{
		Vars: map[string]string{varRefineIntent: intent},
	}), nil
}

// refineExecute 按用户意见调整代码，随后回到确认环节。
func (p *pipeline) refineExecute(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	text, err := p.Invoker.Invoke(ctx,
		fmt.Sprintf(refinePrompt, st.Var(varCurrentCode), st.Var(varRefineReply)),
		p.History.ContextWindow(st.History))
	if err != nil {
		return NodeResult{}, types.Transient("code refinement", err)
	}

	rounds := atoi(st.Var(varRefineRounds)) + 1
	return Continue(types.StateDelta{
		Vars: map[string]string{
			varCurrentCode:  extractCodeBlock(text),
			varRefineRounds: strconv.Itoa(rounds),
		},
	},
		types.ProgressEvent("refine", 60),
	), nil
}

// publish 提交代码并通知下游渠道。通知失败只记日志，不中断流水线。
func (p *pipeline) publish(ctx context.Context, st *types.WorkflowState) (NodeResult, error) {
	tableName := st.Var(varTableName)
	path := st.Var(varTablePath)
	if path == "" {
		path = "models/" + tableName + ".sql"
	}

	message := fmt.Sprintf("enhance %s: %s", tableName, firstLine(st.LastUserMessage()))
	commit, err := p.Repo.Commit(ctx, path, st.Var(varCurrentCode), message)
	if err != nil {
		return NodeResult{}, types.Transient("repository commit", err)
	}

	// 邮件发变更通知，文档中心发布完整代码页
	publications := []struct {
		kind    collab.SinkKind
		payload any
	}{
		{collab.SinkEmail, map[string]string{
			"table_name": tableName,
			"path":       commit.Path,
			"commit_id":  commit.CommitID,
		}},
		{collab.SinkDocHub, map[string]string{
			"title":     fmt.Sprintf("模型增强：%s", tableName),
			"path":      commit.Path,
			"commit_id": commit.CommitID,
			"content":   st.Var(varCurrentCode),
		}},
	}
	for _, sink := range p.Sinks {
		for _, pub := range publications {
			if err := sink.Send(ctx, pub.kind, pub.payload); err != nil {
				p.Logger.Warn("publish notification failed",
					zap.String("session_id", st.SessionID),
					zap.String("sink", string(pub.kind)),
					zap.Error(err))
			}
		}
	}

	summary := fmt.Sprintf("已完成 %s 的模型增强并提交，commit %s（%s）",
		tableName, commit.CommitID, commit.Path)
	return Terminate(types.StateDelta{
		Messages: []types.Message{types.NewAssistantMessage(summary)},
		Output:   commit,
	},
		types.ArtifactEvent("enhanced_code", st.Var(varCurrentCode), commit.CommitID),
		types.ArtifactEvent("commit", commit, commit.CommitID),
		types.ContentEvent(summary),
	), nil
}

// ---- 解析与提取辅助 ----

// extractedRequest is the parse result of a model-development request.
type extractedRequest struct {
	TableName string `json:"table_name"`
	Field     string `json:"field"`
}

// extractRequest 优先用模型抽取表名与字段，失败时退化为正则启发式。
func (p *pipeline) extractRequest(ctx context.Context, userMsg string) (extractedRequest, error) {
	text, err := p.Invoker.Invoke(ctx, fmt.Sprintf(extractPrompt, userMsg), nil)
	if err != nil {
		p.Logger.Warn("request extraction fell back to heuristics", zap.Error(err))
		return heuristicExtract(userMsg), nil
	}

	var parsed extractedRequest
	if jerr := json.Unmarshal([]byte(firstJSONObject(text)), &parsed); jerr == nil {
		parsed.TableName = strings.TrimSpace(parsed.TableName)
		parsed.Field = strings.TrimSpace(parsed.Field)
		if parsed.TableName != "" || parsed.Field != "" {
			return parsed, nil
		}
	}
	return heuristicExtract(userMsg), nil
}

var tableRefPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_]*\.[A-Za-z][A-Za-z0-9_]*`)

// heuristicExtract 无模型时的保底抽取：库.表 形式的引用即视为表名。
func heuristicExtract(userMsg string) extractedRequest {
	return extractedRequest{TableName: tableRefPattern.FindString(userMsg)}
}

// parseTaskType maps a classifier label to a task type.
func parseTaskType(text string) types.TaskType {
	label := strings.ToLower(text)
	switch {
	case strings.Contains(label, "model_enhance"):
		return types.TaskModelEnhance
	case strings.Contains(label, "model_add"):
		return types.TaskModelAdd
	case strings.Contains(label, "chat"):
		return types.TaskChat
	case strings.Contains(label, "other"):
		return types.TaskOther
	default:
		return types.TaskUndetermined
	}
}

// classifyByKeywords 分类器输出不可用时的保底判定。
func classifyByKeywords(userMsg string) types.TaskType {
	lower := strings.ToLower(userMsg)
	switch {
	case strings.Contains(lower, "增强") || strings.Contains(lower, "加字段") ||
		strings.Contains(lower, "新增字段") || strings.Contains(lower, "enhance"):
		return types.TaskModelEnhance
	case strings.Contains(lower, "新建模型") || strings.Contains(lower, "新增模型") ||
		strings.Contains(lower, "add model"):
		return types.TaskModelAdd
	default:
		return types.TaskChat
	}
}

// parseIntent maps intent-classifier output to a known label.
func parseIntent(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, intentContinue):
		return intentContinue
	case strings.Contains(lower, intentUnrelated):
		return intentUnrelated
	case strings.Contains(lower, intentRefine):
		return intentRefine
	default:
		return ""
	}
}

// intentByKeywords 意图判定的保底规则。
func intentByKeywords(reply string) string {
	lower := strings.ToLower(reply)
	switch {
	case strings.Contains(lower, "满意") || strings.Contains(lower, "可以") ||
		strings.Contains(lower, "没问题") || strings.Contains(lower, "ok") ||
		strings.Contains(lower, "确认") || strings.Contains(lower, "提交") ||
		strings.Contains(lower, "yes") || isAffirmative(lower):
		return intentContinue
	case strings.Contains(lower, "调整") || strings.Contains(lower, "修改") ||
		strings.Contains(lower, "不对") || strings.Contains(lower, "改"):
		return intentRefine
	default:
		return intentUnrelated
	}
}

// parseReview 解析评审 JSON；解析失败时取文本中的首个数字作为分数。
func parseReview(text string) (float64, string) {
	var parsed struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(firstJSONObject(text)), &parsed); err == nil {
		if parsed.Score < 0 {
			parsed.Score = 0
		}
		if parsed.Score > 100 {
			parsed.Score = 100
		}
		return parsed.Score, parsed.Feedback
	}

	if m := regexp.MustCompile(`\d+(\.\d+)?`).FindString(text); m != "" {
		if score, err := strconv.ParseFloat(m, 64); err == nil && score <= 100 {
			return score, strings.TrimSpace(text)
		}
	}
	return 0, strings.TrimSpace(text)
}

// fieldConfirmPrompt 构造字段确认提示，附相似字段建议。
func fieldConfirmPrompt(requested, tableName string, suggestions []fieldmatch.Suggestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "表 %s 中不存在字段 %q。", tableName, requested)
	if len(suggestions) > 0 {
		b.WriteString("您是否想使用：")
		for i, s := range suggestions {
			if i > 0 {
				b.WriteString("、")
			}
			b.WriteString(s.Field)
		}
		b.WriteString("？请回复正确的字段名")
	} else {
		b.WriteString("请回复正确的字段名")
	}
	return b.String()
}

// firstJSONObject returns the first {...} span in text, or text itself.
func firstJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// extractCodeBlock strips a markdown code fence when present.
func extractCodeBlock(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// firstLine returns the first line of text, capped for commit messages.
func firstLine(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if runes := []rune(line); len(runes) > 72 {
		line = string(runes[:72])
	}
	return line
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
