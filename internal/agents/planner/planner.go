// Package planner 实现规划智能体：根据任务类型把用户目标分解为
// 带依赖关系的执行计划。规划智能体是纯函数式的，从不读写工作流记录。
package planner

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/pkg/logger"
)

// DefaultAgentID 是规划智能体的默认标识。
const DefaultAgentID = "planner-agent"

// Planner 是规划智能体。计划模板来自 playbook 配置，按 task_type 检索。
type Planner struct {
	id       string
	routerID string
	books    Playbooks
}

// New 创建规划智能体。
func New(id, routerID string, books Playbooks) (*Planner, error) {
	if id == "" {
		id = DefaultAgentID
	}
	if routerID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "路由智能体 ID 不能为空")
	}
	return &Planner{id: id, routerID: routerID, books: books}, nil
}

// AgentID 实现运行时契约。
func (p *Planner) AgentID() string { return p.id }

// Handle 处理 REQUEST_PLAN：生成计划发给路由智能体。找不到对应
// playbook 或计划不合法时改发 PLANNING_FAILED，由路由智能体统一
// 落盘失败结果。
func (p *Planner) Handle(_ context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	if env.Type != protocol.TypeRequestPlan {
		logger.L().Warn("规划智能体收到无关消息",
			slog.String("message_type", string(env.Type)),
			slog.String("sender_id", env.SenderID))
		return nil, nil
	}
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	req := payload.(*protocol.PlanRequestPayload).Request

	book, ok := p.books.Playbooks[req.TaskType]
	if !ok {
		logger.L().Warn("没有匹配的 playbook",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("task_type", req.TaskType))
		return p.failed(env.CorrelationID, fmt.Sprintf("任务类型 %q 没有匹配的 playbook", req.TaskType))
	}

	plan := book.Expand(req.Goal, req.Parameters)
	if err := plan.Validate(); err != nil {
		logger.L().Error("playbook 展开结果不合法",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("task_type", req.TaskType),
			slog.Any("error", err))
		return p.failed(env.CorrelationID, fmt.Sprintf("计划不合法: %v", err))
	}

	logger.L().Info("计划已生成",
		slog.String("correlation_id", env.CorrelationID),
		slog.String("task_type", req.TaskType),
		slog.Int("steps", len(plan.Steps)))

	out, err := protocol.New(protocol.TypePlanGenerated, p.id, p.routerID, env.CorrelationID,
		protocol.PlanGeneratedPayload{Plan: plan})
	if err != nil {
		return nil, err
	}
	return []*protocol.Envelope{out}, nil
}

func (p *Planner) failed(correlationID, reason string) ([]*protocol.Envelope, error) {
	out, err := protocol.New(protocol.TypePlanningFailed, p.id, p.routerID, correlationID,
		protocol.PlanningFailedPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return []*protocol.Envelope{out}, nil
}
