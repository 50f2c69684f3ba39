package workflow

import (
	"fmt"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

// Step 是计划中的一个执行单元，由具备指定能力的工作智能体完成。
type Step struct {
	StepID      string         `json:"step_id"`
	Capability  string         `json:"agent_capability_required"`
	Description string         `json:"task_description"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	DependsOn   []string       `json:"dependencies,omitempty"`
}

// Plan 是规划器对用户目标的分解结果。步骤间的依赖关系必须构成 DAG。
type Plan struct {
	Goal  string `json:"workflow_goal"`
	Steps []Step `json:"steps"`
}

// ErrPlanInvalid 表示计划不满足结构约束（空计划、重复步骤、依赖成环等）。
var ErrPlanInvalid = xerrors.New(CodePlanInvalid, "plan violates structural constraints")

const CodePlanInvalid xerrors.Code = "PLAN_INVALID"

func init() {
	xerrors.Register(CodePlanInvalid, xerrors.Attributes{
		Message:   "plan violates structural constraints",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Validate 校验计划结构：步骤非空且 ID 唯一、能力非空、依赖均指向
// 已声明的步骤、依赖关系无环。
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return xerrors.Wrap(CodePlanInvalid, ErrPlanInvalid, "计划不包含任何步骤")
	}
	index := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.StepID == "" {
			return xerrors.Wrap(CodePlanInvalid, ErrPlanInvalid, "存在缺失 step_id 的步骤")
		}
		if step.Capability == "" {
			return xerrors.Wrap(CodePlanInvalid, ErrPlanInvalid, fmt.Sprintf("步骤 %s 未声明所需能力", step.StepID))
		}
		if _, dup := index[step.StepID]; dup {
			return xerrors.Wrap(CodePlanInvalid, ErrPlanInvalid, fmt.Sprintf("步骤 %s 重复定义", step.StepID))
		}
		index[step.StepID] = step
	}
	for i := range p.Steps {
		for _, dep := range p.Steps[i].DependsOn {
			if dep == p.Steps[i].StepID {
				return xerrors.Wrap(CodePlanInvalid, ErrPlanInvalid, fmt.Sprintf("步骤 %s 依赖自身", dep))
			}
			if _, ok := index[dep]; !ok {
				return xerrors.Wrap(CodePlanInvalid, ErrPlanInvalid, fmt.Sprintf("步骤 %s 依赖未声明的步骤 %s", p.Steps[i].StepID, dep))
			}
		}
	}
	if p.hasCycle() {
		return xerrors.Wrap(CodePlanInvalid, ErrPlanInvalid, "步骤依赖关系成环")
	}
	return nil
}

// hasCycle 通过 Kahn 拓扑排序检测依赖环。
func (p *Plan) hasCycle() bool {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if _, ok := indegree[step.StepID]; !ok {
			indegree[step.StepID] = 0
		}
		for _, dep := range step.DependsOn {
			indegree[step.StepID]++
			dependents[dep] = append(dependents[dep], step.StepID)
		}
	}

	queue := make([]string, 0, len(indegree))
	for i := range p.Steps {
		if indegree[p.Steps[i].StepID] == 0 {
			queue = append(queue, p.Steps[i].StepID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(p.Steps)
}

// Step 按 ID 查找步骤。
func (p *Plan) Step(id string) (*Step, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Steps {
		if p.Steps[i].StepID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// ReadySteps 返回当前就绪的步骤：全部依赖均已成功，且自身既未成功
// 也不在排除集合（已派发）中。返回顺序与计划声明顺序一致，保证
// 派发行为可测试。
func (p *Plan) ReadySteps(succeeded map[string]bool, exclude map[string]bool) []Step {
	if p == nil {
		return nil
	}
	ready := make([]Step, 0, len(p.Steps))
	for i := range p.Steps {
		step := p.Steps[i]
		if succeeded[step.StepID] || exclude[step.StepID] {
			continue
		}
		blocked := false
		for _, dep := range step.DependsOn {
			if !succeeded[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, step)
		}
	}
	return ready
}
