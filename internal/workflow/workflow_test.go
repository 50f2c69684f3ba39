package workflow

import (
	"errors"
	"testing"
)

func TestAdvanceToFollowsLifecycle(t *testing.T) {
	rec := NewRecord("wf-1", "client-1", "goal", "demo", nil)
	for _, next := range []Status{StatusPlanning, StatusRouting, StatusInProgress, StatusCompleted} {
		if err := rec.AdvanceTo(next); err != nil {
			t.Fatalf("推进到 %s 失败: %v", next, err)
		}
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("终态不正确: %s", rec.Status)
	}
}

func TestAdvanceToRejectsRegression(t *testing.T) {
	rec := NewRecord("wf-1", "client-1", "goal", "demo", nil)
	if err := rec.AdvanceTo(StatusRouting); err != nil {
		t.Fatalf("推进失败: %v", err)
	}
	if err := rec.AdvanceTo(StatusPending); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("状态回退应当被拒绝, got %v", err)
	}
	if rec.Status != StatusRouting {
		t.Fatalf("拒绝回退后状态被改动: %s", rec.Status)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	rec := NewRecord("wf-1", "client-1", "goal", "demo", nil)
	if err := rec.Fail("boom"); err != nil {
		t.Fatalf("标记失败出错: %v", err)
	}
	if err := rec.AdvanceTo(StatusCompleted); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("终态之间不应迁移, got %v", err)
	}
	// 重复标记失败是幂等的。
	if err := rec.Fail("boom again"); err != nil {
		t.Fatalf("重复标记失败应当为空操作: %v", err)
	}
	if rec.FailureReason != "boom" {
		t.Fatalf("失败原因被覆盖: %s", rec.FailureReason)
	}
}

func TestRecordStepResultIsIdempotent(t *testing.T) {
	rec := NewRecord("wf-1", "client-1", "goal", "demo", nil)
	if !rec.RecordStepResult("s1", map[string]any{"n": 1}) {
		t.Fatal("首次记录应当成功")
	}
	if rec.RecordStepResult("s1", map[string]any{"n": 2}) {
		t.Fatal("重复记录应当被忽略")
	}
	if rec.StepResults["s1"].Output["n"] != 1 {
		t.Fatalf("首次产出被覆盖: %+v", rec.StepResults["s1"])
	}
}

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{
			name: "valid dag",
			plan: Plan{Goal: "g", Steps: []Step{
				{StepID: "a", Capability: "x"},
				{StepID: "b", Capability: "y", DependsOn: []string{"a"}},
			}},
		},
		{
			name:    "empty plan",
			plan:    Plan{Goal: "g"},
			wantErr: true,
		},
		{
			name: "duplicate step",
			plan: Plan{Goal: "g", Steps: []Step{
				{StepID: "a", Capability: "x"},
				{StepID: "a", Capability: "y"},
			}},
			wantErr: true,
		},
		{
			name: "unknown dependency",
			plan: Plan{Goal: "g", Steps: []Step{
				{StepID: "a", Capability: "x", DependsOn: []string{"ghost"}},
			}},
			wantErr: true,
		},
		{
			name: "cycle",
			plan: Plan{Goal: "g", Steps: []Step{
				{StepID: "a", Capability: "x", DependsOn: []string{"b"}},
				{StepID: "b", Capability: "y", DependsOn: []string{"a"}},
			}},
			wantErr: true,
		},
		{
			name: "missing capability",
			plan: Plan{Goal: "g", Steps: []Step{{StepID: "a"}}},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.plan.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestReadySteps(t *testing.T) {
	plan := Plan{Goal: "g", Steps: []Step{
		{StepID: "fetch", Capability: "data.fetch"},
		{StepID: "clean", Capability: "data.clean", DependsOn: []string{"fetch"}},
		{StepID: "archive", Capability: "data.archive", DependsOn: []string{"fetch"}},
		{StepID: "summarize", Capability: "data.summarize", DependsOn: []string{"clean", "archive"}},
	}}

	ready := plan.ReadySteps(nil, nil)
	if len(ready) != 1 || ready[0].StepID != "fetch" {
		t.Fatalf("初始就绪集合错误: %+v", ready)
	}

	done := map[string]bool{"fetch": true}
	ready = plan.ReadySteps(done, nil)
	if len(ready) != 2 || ready[0].StepID != "clean" || ready[1].StepID != "archive" {
		t.Fatalf("fetch 完成后的就绪集合错误: %+v", ready)
	}

	// 已派发的步骤不再出现在就绪集合中。
	ready = plan.ReadySteps(done, map[string]bool{"clean": true})
	if len(ready) != 1 || ready[0].StepID != "archive" {
		t.Fatalf("排除集合未生效: %+v", ready)
	}

	done["clean"] = true
	done["archive"] = true
	ready = plan.ReadySteps(done, map[string]bool{"clean": true, "archive": true})
	if len(ready) != 1 || ready[0].StepID != "summarize" {
		t.Fatalf("汇聚步骤未就绪: %+v", ready)
	}
}
