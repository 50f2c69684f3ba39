package planner

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"CrownSafe-ControlPlane/internal/workflow"
)

// Playbooks models the structure of configs/playbooks.yaml.
type Playbooks struct {
	Playbooks map[string]Playbook `yaml:"playbooks"`
}

// Playbook describes the step template for one task type.
type Playbook struct {
	Description string         `yaml:"description"`
	Steps       []PlaybookStep `yaml:"steps"`
}

// PlaybookStep is one step template inside a playbook.
type PlaybookStep struct {
	StepID       string   `yaml:"step_id"`
	Capability   string   `yaml:"capability"`
	Description  string   `yaml:"description"`
	Dependencies []string `yaml:"dependencies"`
}

// LoadPlaybooks parses the YAML file containing playbook definitions.
func LoadPlaybooks(path string) (Playbooks, error) {
	if strings.TrimSpace(path) == "" {
		return Playbooks{Playbooks: map[string]Playbook{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Playbooks{}, fmt.Errorf("读取 playbook 配置失败: %w", err)
	}

	var books Playbooks
	if err := yaml.Unmarshal(content, &books); err != nil {
		return Playbooks{}, fmt.Errorf("解析 playbook 配置失败: %w", err)
	}
	if books.Playbooks == nil {
		books.Playbooks = map[string]Playbook{}
	}
	return books, nil
}

// Expand 把 playbook 实例化为针对具体目标的执行计划。goal 与请求参数
// 会注入每个步骤的输入。
func (p Playbook) Expand(goal string, params map[string]any) workflow.Plan {
	steps := make([]workflow.Step, 0, len(p.Steps))
	for _, tpl := range p.Steps {
		inputs := map[string]any{"goal": goal}
		for k, v := range params {
			inputs[k] = v
		}
		steps = append(steps, workflow.Step{
			StepID:      tpl.StepID,
			Capability:  tpl.Capability,
			Description: tpl.Description,
			Inputs:      inputs,
			DependsOn:   append([]string(nil), tpl.Dependencies...),
		})
	}
	return workflow.Plan{Goal: goal, Steps: steps}
}
