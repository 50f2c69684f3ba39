package router

import (
	"context"
	"sync"
	"testing"

	"CrownSafe-ControlPlane/internal/discovery"
	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/internal/workflow"
)

type fakeResolver struct {
	table map[string]string
}

func (f fakeResolver) Resolve(capability string) (string, error) {
	if id, ok := f.table[capability]; ok {
		return id, nil
	}
	return "", discovery.ErrCapabilityUnknown
}

func newRouter(t *testing.T, store workflow.Store, table map[string]string) *Router {
	t.Helper()
	r, err := New("", store, fakeResolver{table: table})
	if err != nil {
		t.Fatalf("创建路由智能体失败: %v", err)
	}
	return r
}

func seedWorkflow(t *testing.T, store workflow.Store, id string) {
	t.Helper()
	ctx := context.Background()
	rec := workflow.NewRecord(id, "client-1", "goal", "demo", nil)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("创建记录失败: %v", err)
	}
	if _, err := store.Update(ctx, id, func(r *workflow.Record) error {
		return r.AdvanceTo(workflow.StatusPlanning)
	}); err != nil {
		t.Fatalf("推进记录失败: %v", err)
	}
}

func planGenerated(t *testing.T, workflowID string, plan workflow.Plan) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypePlanGenerated, "planner-agent", DefaultAgentID, workflowID,
		protocol.PlanGeneratedPayload{Plan: plan})
	if err != nil {
		t.Fatalf("构造 PLAN_GENERATED 失败: %v", err)
	}
	return env
}

func taskResult(t *testing.T, workflowID, stepID string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeTaskResult, "worker-1", DefaultAgentID, workflowID,
		protocol.TaskResultPayload{StepID: stepID, Output: map[string]any{"ok": true}})
	if err != nil {
		t.Fatalf("构造 TASK_RESULT 失败: %v", err)
	}
	return env
}

func assignedSteps(out []*protocol.Envelope) map[string]string {
	steps := make(map[string]string)
	for _, env := range out {
		if env.Type != protocol.TypeTaskAssign {
			continue
		}
		payload, err := env.DecodePayload()
		if err != nil {
			continue
		}
		steps[payload.(*protocol.TaskAssignPayload).StepID] = env.TargetID
	}
	return steps
}

func TestSingleStepWorkflowCompletes(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	r := newRouter(t, store, map[string]string{"text.count": "worker-1"})
	seedWorkflow(t, store, "wf-1")

	plan := workflow.Plan{Goal: "goal", Steps: []workflow.Step{
		{StepID: "count", Capability: "text.count", Description: "统计词频"},
	}}
	out, err := r.Handle(ctx, planGenerated(t, "wf-1", plan))
	if err != nil {
		t.Fatalf("处理计划失败: %v", err)
	}
	steps := assignedSteps(out)
	if steps["count"] != "worker-1" {
		t.Fatalf("步骤未派发给解析到的智能体: %+v", steps)
	}

	rec, _ := store.Get(ctx, "wf-1")
	if rec.Status != workflow.StatusInProgress {
		t.Fatalf("状态应为 IN_PROGRESS, got %s", rec.Status)
	}
	if !rec.DispatchedSteps["count"] {
		t.Fatal("步骤未标记为已派发")
	}

	out, err = r.Handle(ctx, taskResult(t, "wf-1", "count"))
	if err != nil {
		t.Fatalf("处理结果失败: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("完成后不应再派发: %+v", out)
	}
	rec, _ = store.Get(ctx, "wf-1")
	if rec.Status != workflow.StatusCompleted {
		t.Fatalf("状态应为 COMPLETED, got %s", rec.Status)
	}
	if rec.StepResults["count"].Output["ok"] != true {
		t.Fatalf("步骤产出未记录: %+v", rec.StepResults)
	}
}

func TestDependentStepsDispatchInWaves(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	r := newRouter(t, store, map[string]string{
		"data.fetch":     "worker-f",
		"data.clean":     "worker-c",
		"data.archive":   "worker-a",
		"data.summarize": "worker-s",
	})
	seedWorkflow(t, store, "wf-1")

	plan := workflow.Plan{Goal: "goal", Steps: []workflow.Step{
		{StepID: "fetch", Capability: "data.fetch"},
		{StepID: "clean", Capability: "data.clean", DependsOn: []string{"fetch"}},
		{StepID: "archive", Capability: "data.archive", DependsOn: []string{"fetch"}},
		{StepID: "summarize", Capability: "data.summarize", DependsOn: []string{"clean", "archive"}},
	}}
	out, err := r.Handle(ctx, planGenerated(t, "wf-1", plan))
	if err != nil {
		t.Fatalf("处理计划失败: %v", err)
	}
	if steps := assignedSteps(out); len(steps) != 1 || steps["fetch"] == "" {
		t.Fatalf("首批只应派发 fetch: %+v", steps)
	}

	out, err = r.Handle(ctx, taskResult(t, "wf-1", "fetch"))
	if err != nil {
		t.Fatalf("处理结果失败: %v", err)
	}
	steps := assignedSteps(out)
	if len(steps) != 2 || steps["clean"] != "worker-c" || steps["archive"] != "worker-a" {
		t.Fatalf("fetch 完成后应派发 clean 与 archive: %+v", steps)
	}

	if _, err := r.Handle(ctx, taskResult(t, "wf-1", "clean")); err != nil {
		t.Fatalf("处理结果失败: %v", err)
	}
	out, err = r.Handle(ctx, taskResult(t, "wf-1", "archive"))
	if err != nil {
		t.Fatalf("处理结果失败: %v", err)
	}
	if steps := assignedSteps(out); len(steps) != 1 || steps["summarize"] == "" {
		t.Fatalf("汇聚步骤未派发: %+v", steps)
	}

	out, err = r.Handle(ctx, taskResult(t, "wf-1", "summarize"))
	if err != nil || len(out) != 0 {
		t.Fatalf("收尾失败: %v %+v", err, out)
	}
	rec, _ := store.Get(ctx, "wf-1")
	if rec.Status != workflow.StatusCompleted {
		t.Fatalf("状态应为 COMPLETED, got %s", rec.Status)
	}
}

func TestStepFailureFailsWholeWorkflow(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	r := newRouter(t, store, map[string]string{
		"data.fetch": "worker-f",
		"data.clean": "worker-c",
	})
	seedWorkflow(t, store, "wf-1")

	plan := workflow.Plan{Goal: "goal", Steps: []workflow.Step{
		{StepID: "fetch", Capability: "data.fetch"},
		{StepID: "clean", Capability: "data.clean", DependsOn: []string{"fetch"}},
	}}
	if _, err := r.Handle(ctx, planGenerated(t, "wf-1", plan)); err != nil {
		t.Fatalf("处理计划失败: %v", err)
	}

	failed, err := protocol.New(protocol.TypeTaskFailed, "worker-f", DefaultAgentID, "wf-1",
		protocol.TaskFailedPayload{StepID: "fetch", Reason: "source unreachable"})
	if err != nil {
		t.Fatalf("构造 TASK_FAILED 失败: %v", err)
	}
	out, err := r.Handle(ctx, failed)
	if err != nil {
		t.Fatalf("处理失败消息出错: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("失败后不应再派发: %+v", out)
	}

	rec, _ := store.Get(ctx, "wf-1")
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("状态应为 FAILED, got %s", rec.Status)
	}
	if rec.FailureReason == "" {
		t.Fatal("失败原因未记录")
	}

	// 终态不再变化，但在途步骤的迟到结果仍然入账，且不会引发新派发。
	out, err = r.Handle(ctx, taskResult(t, "wf-1", "fetch"))
	if err != nil || len(out) != 0 {
		t.Fatalf("迟到的结果不应引发派发: %v %+v", err, out)
	}
	rec, _ = store.Get(ctx, "wf-1")
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("终态被改动: %s", rec.Status)
	}
	if _, ok := rec.StepResults["fetch"]; !ok {
		t.Fatal("在途步骤的迟到结果未入账")
	}

	// 同一结果重放只入账一次。
	if _, err := r.Handle(ctx, taskResult(t, "wf-1", "fetch")); err != nil {
		t.Fatalf("重放迟到结果出错: %v", err)
	}
	rec, _ = store.Get(ctx, "wf-1")
	if len(rec.StepResults) != 1 {
		t.Fatalf("重放不应重复入账: %d", len(rec.StepResults))
	}
}

func TestUnresolvableCapabilityFailsBeforeAnyDispatch(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	// 只有 data.fetch 可解析，data.archive 没有提供者。
	r := newRouter(t, store, map[string]string{"data.fetch": "worker-f"})
	seedWorkflow(t, store, "wf-1")

	plan := workflow.Plan{Goal: "goal", Steps: []workflow.Step{
		{StepID: "fetch", Capability: "data.fetch"},
		{StepID: "archive", Capability: "data.archive"},
	}}
	out, err := r.Handle(ctx, planGenerated(t, "wf-1", plan))
	if err != nil {
		t.Fatalf("处理计划失败: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("能力缺失时不应派发任何步骤，包括可解析的那个: %+v", out)
	}

	rec, _ := store.Get(ctx, "wf-1")
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("状态应为 FAILED, got %s", rec.Status)
	}
	if len(rec.DispatchedSteps) != 0 {
		t.Fatalf("不应有任何已派发标记: %+v", rec.DispatchedSteps)
	}
}

func TestPlanningFailedFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	r := newRouter(t, store, nil)
	seedWorkflow(t, store, "wf-1")

	env, err := protocol.New(protocol.TypePlanningFailed, "planner-agent", DefaultAgentID, "wf-1",
		protocol.PlanningFailedPayload{Reason: "no playbook"})
	if err != nil {
		t.Fatalf("构造消息失败: %v", err)
	}
	if _, err := r.Handle(ctx, env); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	rec, _ := store.Get(ctx, "wf-1")
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("状态应为 FAILED, got %s", rec.Status)
	}
}

func TestDuplicateTaskResultIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	r := newRouter(t, store, map[string]string{
		"data.fetch": "worker-f",
		"data.clean": "worker-c",
	})
	seedWorkflow(t, store, "wf-1")

	plan := workflow.Plan{Goal: "goal", Steps: []workflow.Step{
		{StepID: "fetch", Capability: "data.fetch"},
		{StepID: "clean", Capability: "data.clean", DependsOn: []string{"fetch"}},
	}}
	if _, err := r.Handle(ctx, planGenerated(t, "wf-1", plan)); err != nil {
		t.Fatalf("处理计划失败: %v", err)
	}

	out, err := r.Handle(ctx, taskResult(t, "wf-1", "fetch"))
	if err != nil {
		t.Fatalf("处理结果失败: %v", err)
	}
	if steps := assignedSteps(out); len(steps) != 1 || steps["clean"] == "" {
		t.Fatalf("clean 未派发: %+v", steps)
	}

	// 同一结果重放不会触发第二次派发。
	out, err = r.Handle(ctx, taskResult(t, "wf-1", "fetch"))
	if err != nil {
		t.Fatalf("处理重放失败: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("重放产生了新的派发: %+v", out)
	}
}

func TestConcurrentResultsDispatchJoinStepOnce(t *testing.T) {
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	r := newRouter(t, store, map[string]string{
		"data.fetch":     "worker-f",
		"data.clean":     "worker-c",
		"data.archive":   "worker-a",
		"data.summarize": "worker-s",
	})
	seedWorkflow(t, store, "wf-1")

	plan := workflow.Plan{Goal: "goal", Steps: []workflow.Step{
		{StepID: "fetch", Capability: "data.fetch"},
		{StepID: "clean", Capability: "data.clean", DependsOn: []string{"fetch"}},
		{StepID: "archive", Capability: "data.archive", DependsOn: []string{"fetch"}},
		{StepID: "summarize", Capability: "data.summarize", DependsOn: []string{"clean", "archive"}},
	}}
	if _, err := r.Handle(ctx, planGenerated(t, "wf-1", plan)); err != nil {
		t.Fatalf("处理计划失败: %v", err)
	}
	if _, err := r.Handle(ctx, taskResult(t, "wf-1", "fetch")); err != nil {
		t.Fatalf("处理结果失败: %v", err)
	}

	// clean 与 archive 的结果并发抵达，summarize 只能被派发一次。
	results := []*protocol.Envelope{
		taskResult(t, "wf-1", "clean"),
		taskResult(t, "wf-1", "archive"),
	}
	var wg sync.WaitGroup
	dispatched := make(chan string, 8)
	for _, env := range results {
		wg.Add(1)
		go func(env *protocol.Envelope) {
			defer wg.Done()
			out, err := r.Handle(ctx, env)
			if err != nil {
				t.Errorf("并发处理结果失败: %v", err)
				return
			}
			for step := range assignedSteps(out) {
				dispatched <- step
			}
		}(env)
	}
	wg.Wait()
	close(dispatched)

	count := 0
	for step := range dispatched {
		if step != "summarize" {
			t.Fatalf("派发了意外的步骤: %s", step)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("summarize 应当恰好派发一次, got %d", count)
	}

	rec, _ := store.Get(ctx, "wf-1")
	if len(rec.StepResults) != 3 {
		t.Fatalf("并发结果丢失: %+v", rec.StepResults)
	}
	if rec.Status != workflow.StatusInProgress {
		t.Fatalf("状态应为 IN_PROGRESS, got %s", rec.Status)
	}
}
