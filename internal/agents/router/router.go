// Package router 实现路由智能体：接收规划结果、派发计划步骤、聚合
// 步骤产出并推进工作流状态。工作流记录创建之后的全部状态变更都由
// 本智能体负责，其他智能体只读。
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"CrownSafe-ControlPlane/internal/discovery"
	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/observability/alerting"
	"CrownSafe-ControlPlane/internal/observability/metrics"
	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/internal/workflow"
	"CrownSafe-ControlPlane/pkg/logger"
)

// DefaultAgentID 是路由智能体的默认标识。
const DefaultAgentID = "router-agent"

// Router 是路由智能体。
type Router struct {
	id       string
	store    workflow.Store
	resolver discovery.Resolver
	alerts   alerting.Dispatcher
}

// Option 配置 Router。
type Option func(*Router)

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Router) { r.alerts = d }
}

// New 创建路由智能体。
func New(id string, store workflow.Store, resolver discovery.Resolver, opts ...Option) (*Router, error) {
	if store == nil || resolver == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store 与 resolver 均不能为空")
	}
	if id == "" {
		id = DefaultAgentID
	}
	r := &Router{id: id, store: store, resolver: resolver}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AgentID 实现运行时契约。
func (r *Router) AgentID() string { return r.id }

// Handle 按消息类型分派处理逻辑。
func (r *Router) Handle(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	switch env.Type {
	case protocol.TypePlanGenerated:
		return r.handlePlanGenerated(ctx, env)
	case protocol.TypePlanningFailed:
		return r.handlePlanningFailed(ctx, env)
	case protocol.TypeTaskResult:
		return r.handleTaskResult(ctx, env)
	case protocol.TypeTaskFailed:
		return r.handleTaskFailed(ctx, env)
	default:
		logger.L().Warn("路由智能体收到无关消息",
			slog.String("message_type", string(env.Type)),
			slog.String("sender_id", env.SenderID))
		return nil, nil
	}
}

// handlePlanGenerated 把计划挂到记录上并派发首批就绪步骤。
func (r *Router) handlePlanGenerated(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	plan := payload.(*protocol.PlanGeneratedPayload).Plan
	workflowID := env.CorrelationID

	if err := plan.Validate(); err != nil {
		return nil, r.failWorkflow(ctx, workflowID, fmt.Sprintf("计划不合法: %v", err))
	}

	if _, err := r.store.Update(ctx, workflowID, func(rec *workflow.Record) error {
		if rec.Status.IsTerminal() {
			return nil
		}
		rec.Plan = &plan
		return rec.AdvanceTo(workflow.StatusRouting)
	}); err != nil {
		return nil, err
	}

	logger.L().Info("计划已接收",
		slog.String("workflow_id", workflowID),
		slog.Int("steps", len(plan.Steps)))
	return r.dispatchReady(ctx, workflowID)
}

// handlePlanningFailed 规划失败即整体失败。
func (r *Router) handlePlanningFailed(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	reason := payload.(*protocol.PlanningFailedPayload).Reason
	return nil, r.failWorkflow(ctx, env.CorrelationID, "规划失败: "+reason)
}

// handleTaskResult 记录步骤产出，必要时判定完成或派发后续步骤。
// 重复的结果消息只记录一次，重放不会产生新的派发。工作流进入终态后，
// 在途步骤的迟到结果仍然入账，但状态与派发不再变化。
func (r *Router) handleTaskResult(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	result := payload.(*protocol.TaskResultPayload)
	workflowID := env.CorrelationID

	var duplicate, completed, late bool
	rec, err := r.store.Update(ctx, workflowID, func(rec *workflow.Record) error {
		duplicate, completed, late = false, false, false
		if rec.Status.IsTerminal() {
			// 终态不再变化，但在途步骤的迟到结果仍然入账。
			if rec.Plan != nil {
				if _, ok := rec.Plan.Step(result.StepID); ok && rec.RecordStepResult(result.StepID, result.Output) {
					late = true
					return nil
				}
			}
			duplicate = true
			return nil
		}
		if rec.Plan == nil {
			return xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("工作流 %s 尚无计划，却收到了步骤结果", workflowID))
		}
		if _, ok := rec.Plan.Step(result.StepID); !ok {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("步骤 %s 不在工作流 %s 的计划中", result.StepID, workflowID))
		}
		if !rec.RecordStepResult(result.StepID, result.Output) {
			duplicate = true
			return nil
		}
		if len(rec.StepResults) == len(rec.Plan.Steps) {
			completed = true
			return rec.AdvanceTo(workflow.StatusCompleted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		logger.L().Info("忽略重复的步骤结果",
			slog.String("workflow_id", workflowID),
			slog.String("step_id", result.StepID))
		return nil, nil
	}
	if late {
		logger.L().Info("终态后记录迟到的步骤结果",
			slog.String("workflow_id", workflowID),
			slog.String("step_id", result.StepID))
		return nil, nil
	}
	logger.L().Info("步骤完成",
		slog.String("workflow_id", workflowID),
		slog.String("step_id", result.StepID),
		slog.String("agent_id", env.SenderID))

	if completed {
		metrics.WorkflowOutcomes.WithLabelValues("completed").Inc()
		logger.Audit().Info("workflow completed",
			slog.String("workflow_id", workflowID),
			slog.String("requester_id", rec.RequesterID))
		return nil, nil
	}
	return r.dispatchReady(ctx, workflowID)
}

// handleTaskFailed 单步失败即整体失败，不再派发任何后续步骤。
func (r *Router) handleTaskFailed(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	failed := payload.(*protocol.TaskFailedPayload)
	reason := fmt.Sprintf("步骤 %s 执行失败: %s", failed.StepID, failed.Reason)
	return nil, r.failWorkflow(ctx, env.CorrelationID, reason)
}

// assignment 是一次待发出的步骤派发。
type assignment struct {
	step   workflow.Step
	target string
}

// dispatchReady 派发当前全部就绪且未派发的步骤。任何一个就绪步骤的
// 能力无法解析时，整个工作流立即失败，本轮不派发任何步骤。
func (r *Router) dispatchReady(ctx context.Context, workflowID string) ([]*protocol.Envelope, error) {
	var toSend []assignment
	var failReason string
	rec, err := r.store.Update(ctx, workflowID, func(rec *workflow.Record) error {
		toSend, failReason = nil, ""
		if rec.Status.IsTerminal() || rec.Plan == nil {
			return nil
		}
		ready := rec.Plan.ReadySteps(rec.SucceededSteps(), rec.DispatchedSteps)
		if len(ready) == 0 {
			return nil
		}
		planned := make([]assignment, 0, len(ready))
		for _, step := range ready {
			target, err := r.resolver.Resolve(step.Capability)
			if err != nil {
				failReason = fmt.Sprintf("步骤 %s 所需能力 %q 没有可用的智能体", step.StepID, step.Capability)
				return rec.Fail(failReason)
			}
			planned = append(planned, assignment{step: step, target: target})
		}
		for _, as := range planned {
			rec.MarkDispatched(as.step.StepID)
		}
		if rec.Status == workflow.StatusRouting {
			if err := rec.AdvanceTo(workflow.StatusInProgress); err != nil {
				return err
			}
		}
		toSend = planned
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failReason != "" {
		r.reportFailure(ctx, rec, failReason)
		return nil, nil
	}

	out := make([]*protocol.Envelope, 0, len(toSend))
	for _, as := range toSend {
		env, err := protocol.New(protocol.TypeTaskAssign, r.id, as.target, workflowID,
			protocol.TaskAssignPayload{
				StepID:      as.step.StepID,
				Capability:  as.step.Capability,
				Description: as.step.Description,
				Inputs:      as.step.Inputs,
			})
		if err != nil {
			return nil, err
		}
		out = append(out, env)
		metrics.StepsDispatched.Inc()
		logger.L().Info("步骤已派发",
			slog.String("workflow_id", workflowID),
			slog.String("step_id", as.step.StepID),
			slog.String("agent_id", as.target))
	}
	return out, nil
}

// failWorkflow 将工作流标记为失败。已处于终态的工作流保持不变。
func (r *Router) failWorkflow(ctx context.Context, workflowID, reason string) error {
	var newlyFailed bool
	rec, err := r.store.Update(ctx, workflowID, func(rec *workflow.Record) error {
		newlyFailed = false
		if rec.Status.IsTerminal() {
			return nil
		}
		newlyFailed = true
		return rec.Fail(reason)
	})
	if err != nil {
		return err
	}
	if newlyFailed {
		r.reportFailure(ctx, rec, reason)
	}
	return nil
}

func (r *Router) reportFailure(ctx context.Context, rec *workflow.Record, reason string) {
	metrics.WorkflowOutcomes.WithLabelValues("failed").Inc()
	logger.L().Error("工作流失败",
		slog.String("workflow_id", rec.WorkflowID),
		slog.String("reason", reason))
	logger.Audit().Info("workflow failed",
		slog.String("workflow_id", rec.WorkflowID),
		slog.String("requester_id", rec.RequesterID),
		slog.String("reason", reason))
	if r.alerts != nil {
		_ = r.alerts.Notify(ctx, alerting.Event{
			Code:       xerrors.CodeUnknown,
			Message:    reason,
			Severity:   xerrors.SeverityWarning,
			WorkflowID: rec.WorkflowID,
			OccurredAt: time.Now(),
		})
	}
}
