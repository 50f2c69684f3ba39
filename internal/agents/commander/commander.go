// Package commander 实现指挥智能体：接收外部用户请求，建立工作流
// 记录并把规划工作交给规划智能体。
package commander

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/internal/workflow"
	"CrownSafe-ControlPlane/pkg/logger"
)

// DefaultAgentID 是指挥智能体的默认标识。
const DefaultAgentID = "commander-agent"

// Commander 是指挥智能体。它是工作流记录的唯一创建者，创建之后的
// 全部状态变更由路由智能体负责。
type Commander struct {
	id        string
	plannerID string
	store     workflow.Store
}

// New 创建指挥智能体。
func New(id, plannerID string, store workflow.Store) (*Commander, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "workflow store 不能为空")
	}
	if id == "" {
		id = DefaultAgentID
	}
	if plannerID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "规划智能体 ID 不能为空")
	}
	return &Commander{id: id, plannerID: plannerID, store: store}, nil
}

// AgentID 实现运行时契约。
func (c *Commander) AgentID() string { return c.id }

// Handle 处理 PROCESS_USER_REQUEST：校验请求、落库 PENDING 记录、
// 推进到 PLANNING 并向规划智能体发出 REQUEST_PLAN。请求不合法时
// 不创建任何记录。
func (c *Commander) Handle(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	if env.Type != protocol.TypeProcessUserRequest {
		logger.L().Warn("指挥智能体收到无关消息",
			slog.String("message_type", string(env.Type)),
			slog.String("sender_id", env.SenderID))
		return nil, nil
	}
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	req := payload.(*protocol.UserRequestPayload)
	// goal 允许为空；task_type 与 parameters 缺失视为畸形请求，
	// 空 parameters 映射是合法的。
	if req.TaskType == "" || req.Parameters == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			"用户请求缺少 task_type 或 parameters，已拒绝")
	}

	workflowID := uuid.NewString()
	rec := workflow.NewRecord(workflowID, env.SenderID, req.Goal, req.TaskType, req.Parameters)
	if err := c.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	if _, err := c.store.Update(ctx, workflowID, func(r *workflow.Record) error {
		return r.AdvanceTo(workflow.StatusPlanning)
	}); err != nil {
		return nil, err
	}

	logger.L().Info("工作流已创建",
		slog.String("workflow_id", workflowID),
		slog.String("requester_id", env.SenderID),
		slog.String("task_type", req.TaskType))
	logger.Audit().Info("workflow created",
		slog.String("workflow_id", workflowID),
		slog.String("requester_id", env.SenderID))

	planReq, err := protocol.New(protocol.TypeRequestPlan, c.id, c.plannerID, workflowID,
		protocol.PlanRequestPayload{Request: *req})
	if err != nil {
		return nil, err
	}
	return []*protocol.Envelope{planReq}, nil
}
