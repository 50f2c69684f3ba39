package protocol

import (
	"encoding/json"

	"CrownSafe-ControlPlane/internal/workflow"
)

// UserRequestPayload 是 PROCESS_USER_REQUEST 的载荷，由外部请求方发往指挥智能体。
// Parameters 不带 omitempty：空映射与字段缺失在校验时含义不同。
type UserRequestPayload struct {
	Goal       string         `json:"goal"`
	TaskType   string         `json:"task_type"`
	Parameters map[string]any `json:"parameters"`
}

// PlanRequestPayload 是 REQUEST_PLAN 的载荷，指挥智能体转交给规划智能体。
type PlanRequestPayload struct {
	Request UserRequestPayload `json:"request"`
}

// PlanGeneratedPayload 是 PLAN_GENERATED 的载荷，携带规划结果。
type PlanGeneratedPayload struct {
	Plan workflow.Plan `json:"plan"`
}

// PlanningFailedPayload 是 PLANNING_FAILED 的载荷。
type PlanningFailedPayload struct {
	Reason string `json:"reason"`
}

// TaskAssignPayload 是 TASK_ASSIGN 的载荷，路由智能体派发给工作智能体。
type TaskAssignPayload struct {
	StepID      string         `json:"step_id"`
	Capability  string         `json:"agent_capability_required"`
	Description string         `json:"task_description"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// TaskResultPayload 是 TASK_RESULT 的载荷，工作智能体回报步骤产出。
type TaskResultPayload struct {
	StepID string         `json:"step_id"`
	Output map[string]any `json:"output,omitempty"`
}

// TaskFailedPayload 是 TASK_FAILED 的载荷。
type TaskFailedPayload struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// AdvertisePayload 是 AGENT_ADVERTISE 的载荷，工作智能体周期性上报能力。
type AdvertisePayload struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

// DecodePayload 按消息类型将载荷解析为具体结构。PING/PONG 无载荷，
// 返回 nil。解析失败返回 ErrPayloadMismatch，未知类型返回
// ErrUnsupportedType。
func (e *Envelope) DecodePayload() (any, error) {
	switch e.Type {
	case TypePing, TypePong:
		return nil, nil
	case TypeProcessUserRequest:
		return decodeAs[UserRequestPayload](e.Payload)
	case TypeRequestPlan:
		return decodeAs[PlanRequestPayload](e.Payload)
	case TypePlanGenerated:
		return decodeAs[PlanGeneratedPayload](e.Payload)
	case TypePlanningFailed:
		return decodeAs[PlanningFailedPayload](e.Payload)
	case TypeTaskAssign:
		return decodeAs[TaskAssignPayload](e.Payload)
	case TypeTaskResult:
		return decodeAs[TaskResultPayload](e.Payload)
	case TypeTaskFailed:
		return decodeAs[TaskFailedPayload](e.Payload)
	case TypeAgentAdvertise:
		return decodeAs[AdvertisePayload](e.Payload)
	default:
		return nil, ErrUnsupportedType
	}
}

func decodeAs[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 {
		return nil, ErrPayloadMismatch
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, ErrPayloadMismatch
	}
	return &v, nil
}
