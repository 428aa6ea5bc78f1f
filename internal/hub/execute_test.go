package hub

import (
	"context"
	"testing"

	"SleepyTesting/internal/controller"
	"SleepyTesting/internal/eventbus"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/memory"
	"SleepyTesting/internal/session"
	"SleepyTesting/internal/step"
	"SleepyTesting/internal/supervisor"
)

type stubDecomposer struct {
	plan *step.Plan
	err  error
}

func (d *stubDecomposer) Decompose(_ context.Context, task string) (*step.Plan, error) {
	if d.err != nil {
		return nil, d.err
	}
	plan := *d.plan
	plan.OriginalTask = task
	return &plan, nil
}

type stubExecutor struct {
	runs []controller.Run
	err  error
}

func (e *stubExecutor) Execute(_ context.Context, run controller.Run) ([]step.ExecutionResult, error) {
	e.runs = append(e.runs, run)
	if e.err != nil {
		return nil, e.err
	}
	results := make([]step.ExecutionResult, 0, len(run.Steps))
	for _, st := range run.Steps {
		results = append(results, step.ExecutionResult{Step: st, Passed: true})
	}
	return results, nil
}

func smsPlan() *step.Plan {
	return &step.Plan{Steps: []step.UIStep{
		{Action: "send_sms", Target: "send_button", Platform: step.PlatformAndroid, DeviceID: "A123"},
		{Action: "check_sms", Target: "inbox", Platform: step.PlatformIOS, DeviceID: "B456"},
	}}
}

func TestExecuteTaskRunsPipelineAndStoresResults(t *testing.T) {
	sessions := session.NewManager()
	h, bus, _ := newTestHub(t, Config{}, WithSessions(sessions))
	started := collect(bus, eventbus.TaskStarted)
	ctx := context.Background()

	store := memory.NewStore()
	known := smsPlan().Steps[0]
	known.Description = "点击发送"
	_ = store.Record(ctx, known, true)

	executor := &stubExecutor{}
	_ = h.Register(ctx, AgentDecomposer, AgentDecomposer, &stubDecomposer{plan: smsPlan()})
	_ = h.Register(ctx, AgentMemory, AgentMemory, store)
	_ = h.Register(ctx, AgentSupervisor, AgentSupervisor, supervisor.New())
	_ = h.Register(ctx, AgentController, AgentController, executor)

	report, err := h.ExecuteTask(ctx, TaskRequest{TaskID: "t1", Description: "在Android设备A123上发送短信，在iOS设备B456上查收短信", SessionID: "s1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(report.Results) != 2 || report.Results[0].Step.Action != "send_sms" || report.Results[1].Step.Action != "check_sms" {
		t.Fatalf("unexpected results: %+v", report.Results)
	}
	if len(*started) != 1 || (*started)[0].Payload["task_id"] != "t1" {
		t.Fatalf("expected TASK_STARTED: %+v", *started)
	}

	run := executor.runs[0]
	if run.Steps[0].Description != "点击发送" {
		t.Fatalf("steps should be optimized through the pattern store: %+v", run.Steps[0])
	}
	if run.Verifier == nil || run.Recorder == nil {
		t.Fatalf("supervisor and memory should be passed to the pipeline")
	}

	stored, err := sessions.Get("s1", "last_results")
	if err != nil {
		t.Fatalf("session results: %v", err)
	}
	if results := stored.([]step.ExecutionResult); len(results) != 2 {
		t.Fatalf("unexpected stored results: %+v", results)
	}
	for _, id := range []string{AgentDecomposer, AgentController, AgentMemory, AgentSupervisor} {
		if record, _ := h.Record(id); record.State != StateReady {
			t.Fatalf("%s should be READY after the task: %+v", id, record)
		}
	}
}

func TestExecuteTaskDecomposerFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantErrors int
	}{
		{"remote failure counts as agent fault", xerrors.New(xerrors.CodeFatalRemote, "bad key"), 1},
		{"validation failure is not an agent fault", xerrors.New(xerrors.CodeValidationFailed, "step 1 needs login"), 0},
	}
	for _, tc := range cases {
		h, bus, presenter := newTestHub(t, Config{})
		failures := collect(bus, eventbus.ErrorOccurred)
		ctx := context.Background()
		_ = h.Register(ctx, AgentDecomposer, AgentDecomposer, &stubDecomposer{err: tc.err})
		executor := &stubExecutor{}
		_ = h.Register(ctx, AgentController, AgentController, executor)

		_, err := h.ExecuteTask(ctx, TaskRequest{TaskID: "t2", Description: "查看通知"})
		if xerrors.CodeOf(err) != xerrors.CodeOf(tc.err) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if len(*failures) != 1 || (*failures)[0].Payload["source"] != AgentDecomposer {
			t.Fatalf("%s: expected ERROR_OCCURRED from decomposer: %+v", tc.name, *failures)
		}
		if len(executor.runs) != 0 {
			t.Fatalf("%s: pipeline must not run", tc.name)
		}
		record, _ := h.Record(AgentDecomposer)
		if record.ErrorCount != tc.wantErrors {
			t.Fatalf("%s: unexpected error count %+v", tc.name, record)
		}
		if presenter.count("ERROR") == 0 {
			t.Fatalf("%s: error should be relayed to the presenter", tc.name)
		}
	}
}

func TestExecuteTaskToolFailureIsNotAgentFault(t *testing.T) {
	h, _, _ := newTestHub(t, Config{})
	ctx := context.Background()
	_ = h.Register(ctx, AgentDecomposer, AgentDecomposer, &stubDecomposer{plan: smsPlan()})
	_ = h.Register(ctx, AgentController, AgentController, &stubExecutor{err: xerrors.New(xerrors.CodeToolExecution, "weather down")})

	if _, err := h.ExecuteTask(ctx, TaskRequest{Description: "查询天气"}); xerrors.CodeOf(err) != xerrors.CodeToolExecution {
		t.Fatalf("unexpected error: %v", err)
	}
	if record, _ := h.Record(AgentController); record.ErrorCount != 0 {
		t.Fatalf("tool errors must not count against the controller: %+v", record)
	}

	h2, _, _ := newTestHub(t, Config{})
	_ = h2.Register(ctx, AgentDecomposer, AgentDecomposer, &stubDecomposer{plan: smsPlan()})
	_ = h2.Register(ctx, AgentController, AgentController, &stubExecutor{err: xerrors.New(xerrors.CodeDriverFailure, "device offline")})
	_, _ = h2.ExecuteTask(ctx, TaskRequest{Description: "发送短信"})
	if record, _ := h2.Record(AgentController); record.ErrorCount != 1 || record.State != StateError {
		t.Fatalf("driver failures should count against the controller: %+v", record)
	}
}
