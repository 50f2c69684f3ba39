package workflow

import (
	"fmt"
	"time"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

// Status 是工作流的生命周期状态。状态只能沿固定方向推进，禁止回退。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPlanning   Status = "PLANNING"
	StatusRouting    Status = "ROUTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// statusRank 定义状态的推进顺序。COMPLETED 与 FAILED 同为终态。
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusPlanning:   1,
	StatusRouting:    2,
	StatusInProgress: 3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

// IsValidStatus 判断状态值是否合法。
func IsValidStatus(s Status) bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrStatusRegression 表示尝试将工作流状态回退。
var ErrStatusRegression = xerrors.New(CodeStatusRegression, "workflow status cannot move backwards")

const CodeStatusRegression xerrors.Code = "STATUS_REGRESSION"

func init() {
	xerrors.Register(CodeStatusRegression, xerrors.Attributes{
		Message:   "workflow status cannot move backwards",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// StepResult 记录单个步骤的产出。
type StepResult struct {
	StepID     string         `json:"step_id"`
	Output     map[string]any `json:"output,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Record 是一条工作流的持久化状态，也是各核心智能体协作的唯一事实来源。
// Version 用于存储层的乐观并发控制，由存储实现维护。
type Record struct {
	WorkflowID      string                `json:"workflow_id"`
	Status          Status                `json:"status"`
	RequesterID     string                `json:"requester_id"`
	Goal            string                `json:"goal"`
	TaskType        string                `json:"task_type"`
	Parameters      map[string]any        `json:"parameters,omitempty"`
	Plan            *Plan                 `json:"plan,omitempty"`
	StepResults     map[string]StepResult `json:"step_results,omitempty"`
	DispatchedSteps map[string]bool       `json:"dispatched_steps,omitempty"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Version         int64                 `json:"version"`
}

// NewRecord 创建一条处于 PENDING 状态的新工作流记录。
func NewRecord(id, requesterID, goal, taskType string, params map[string]any) *Record {
	now := time.Now().UTC()
	return &Record{
		WorkflowID:      id,
		Status:          StatusPending,
		RequesterID:     requesterID,
		Goal:            goal,
		TaskType:        taskType,
		Parameters:      params,
		StepResults:     make(map[string]StepResult),
		DispatchedSteps: make(map[string]bool),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AdvanceTo 将状态推进到 next。若 next 的序位低于当前状态，或当前已
// 处于终态，返回 ErrStatusRegression。同序位之间（终态互换）同样禁止。
func (r *Record) AdvanceTo(next Status) error {
	if !IsValidStatus(next) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的工作流状态 %q", next))
	}
	if next == r.Status {
		return nil
	}
	if r.Status.IsTerminal() || statusRank[next] < statusRank[r.Status] {
		return xerrors.Wrap(CodeStatusRegression, ErrStatusRegression,
			fmt.Sprintf("工作流 %s 禁止从 %s 迁移到 %s", r.WorkflowID, r.Status, next))
	}
	if statusRank[next] == statusRank[r.Status] {
		return xerrors.Wrap(CodeStatusRegression, ErrStatusRegression,
			fmt.Sprintf("工作流 %s 禁止在终态之间迁移（%s -> %s）", r.WorkflowID, r.Status, next))
	}
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SucceededSteps 返回已成功步骤的集合，供就绪计算使用。
func (r *Record) SucceededSteps() map[string]bool {
	done := make(map[string]bool, len(r.StepResults))
	for id := range r.StepResults {
		done[id] = true
	}
	return done
}

// RecordStepResult 记录步骤结果。重复结果返回 false，调用方据此实现
// 幂等处理。
func (r *Record) RecordStepResult(stepID string, output map[string]any) bool {
	if r.StepResults == nil {
		r.StepResults = make(map[string]StepResult)
	}
	if _, exists := r.StepResults[stepID]; exists {
		return false
	}
	r.StepResults[stepID] = StepResult{
		StepID:     stepID,
		Output:     output,
		FinishedAt: time.Now().UTC(),
	}
	r.UpdatedAt = time.Now().UTC()
	return true
}

// MarkDispatched 将步骤标记为已派发。
func (r *Record) MarkDispatched(stepID string) {
	if r.DispatchedSteps == nil {
		r.DispatchedSteps = make(map[string]bool)
	}
	r.DispatchedSteps[stepID] = true
	r.UpdatedAt = time.Now().UTC()
}

// Fail 将工作流置为 FAILED 并记录失败原因。若已处于终态则不做任何事。
func (r *Record) Fail(reason string) error {
	if r.Status.IsTerminal() {
		if r.Status == StatusFailed {
			return nil
		}
		return xerrors.Wrap(CodeStatusRegression, ErrStatusRegression,
			fmt.Sprintf("工作流 %s 已完成，不能再标记失败", r.WorkflowID))
	}
	r.Status = StatusFailed
	r.FailureReason = reason
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone 返回记录的深拷贝，内存存储实现依赖它避免共享可变状态。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Parameters != nil {
		cp.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			cp.Parameters[k] = v
		}
	}
	if r.Plan != nil {
		plan := *r.Plan
		plan.Steps = append([]Step(nil), r.Plan.Steps...)
		cp.Plan = &plan
	}
	if r.StepResults != nil {
		cp.StepResults = make(map[string]StepResult, len(r.StepResults))
		for k, v := range r.StepResults {
			cp.StepResults[k] = v
		}
	}
	if r.DispatchedSteps != nil {
		cp.DispatchedSteps = make(map[string]bool, len(r.DispatchedSteps))
		for k, v := range r.DispatchedSteps {
			cp.DispatchedSteps[k] = v
		}
	}
	return &cp
}
