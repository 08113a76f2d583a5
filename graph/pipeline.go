package graph

import (
	"go.uber.org/zap"

	"github.com/BaSui01/edwflow/cache"
	"github.com/BaSui01/edwflow/collab"
	"github.com/BaSui01/edwflow/fieldmatch"
	"github.com/BaSui01/edwflow/history"
	"github.com/BaSui01/edwflow/types"
)

// EDW 流水线节点标识。
const (
	NodeNavigate      = "navigate"
	NodeChat          = "chat"
	NodeValidate      = "validate"
	NodeEnhance       = "enhance"
	NodeReview        = "review"
	NodeRefineInquiry = "refine_inquiry"
	NodeRefineIntent  = "refine_intent"
	NodeRefineExecute = "refine_execute"
	NodePublish       = "publish"
)

// 流水线使用的状态变量键。
const (
	varTableName      = "table_name"
	varTablePath      = "table_path"
	varRequestedField = "requested_field"
	varConfirmedField = "field"
	varCurrentCode    = "current_code"
	varReviewRounds   = "review_rounds"
	varReviewScore    = "review_score"
	varReviewFeedback = "review_feedback"
	varRefineRounds   = "refine_rounds"
	varRefineReply    = "refine_reply"
	varRefineIntent   = "refine_intent"
)

// ReviewPolicy bounds the automated review loop.
type ReviewPolicy struct {
	// AcceptanceScore 通过评审的最低分 [0,100]。
	AcceptanceScore float64
	// MaxRounds 评审与人工调整各自的最大轮次。
	MaxRounds int
}

// PipelineDeps 流水线节点的协作方与策略。
type PipelineDeps struct {
	Invoker collab.ModelInvoker
	Repo    collab.CodeRepository
	Sinks   []collab.NotificationSink
	Cache   *cache.ResponseCache
	Fields  *fieldmatch.Engine
	History *history.Manager
	Review  ReviewPolicy
	Logger  *zap.Logger
}

// pipeline binds node implementations to their collaborators.
type pipeline struct {
	PipelineDeps
}

// NewEDWPipeline 构建 EDW 助手的工作流图：
//
//	navigate ─┬─ chat（闲聊/其他，直接应答并结束）
//	          └─ validate（字段确认挂起点）→ enhance → review
//	             review ─┬─ publish → done（评审通过）
//	                     ├─ enhance（分数不达标自动重生成）
//	                     └─ refine_inquiry（自动轮次用尽，挂起征询人工）
//	             refine_intent ─┬─ refine_execute → review
//	                            ├─ publish（接受当前代码）
//	                            └─ refine_inquiry（答复与任务无关时重新询问）
func NewEDWPipeline(deps PipelineDeps) *Graph {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.With(zap.String("component", "edw_pipeline"))
	p := &pipeline{PipelineDeps: deps}

	g := NewGraph(NodeNavigate)
	g.AddNode(NodeNavigate, p.navigate)
	g.AddNode(NodeChat, p.chat)
	g.AddNode(NodeValidate, p.validate)
	g.AddNode(NodeEnhance, p.enhance)
	g.AddNode(NodeReview, p.review)
	g.AddNode(NodeRefineInquiry, p.refineInquiry)
	g.AddNode(NodeRefineIntent, p.refineIntent)
	g.AddNode(NodeRefineExecute, p.refineExecute)
	g.AddNode(NodePublish, p.publish)

	g.AddRoute(NodeNavigate, func(st *types.WorkflowState) string {
		switch st.TaskType {
		case types.TaskModelEnhance, types.TaskModelAdd:
			return NodeValidate
		default:
			return NodeChat
		}
	})
	g.AddEdge(NodeValidate, NodeEnhance)
	g.AddEdge(NodeEnhance, NodeReview)
	g.AddRoute(NodeReview, func(st *types.WorkflowState) string {
		score := atof(st.Var(varReviewScore))
		if score >= p.Review.AcceptanceScore {
			return NodePublish
		}
		if atoi(st.Var(varReviewRounds)) < p.Review.MaxRounds {
			return NodeEnhance
		}
		// 自动评审轮次用尽，交给人工决定
		return NodeRefineInquiry
	})
	g.AddEdge(NodeRefineInquiry, NodeRefineIntent)
	g.AddRoute(NodeRefineIntent, func(st *types.WorkflowState) string {
		switch st.Var(varRefineIntent) {
		case intentRefine:
			if atoi(st.Var(varRefineRounds)) >= p.Review.MaxRounds {
				return NodePublish
			}
			return NodeRefineExecute
		case intentContinue:
			return NodePublish
		default:
			return NodeRefineInquiry
		}
	})
	g.AddEdge(NodeRefineExecute, NodeReview)
	return g
}
