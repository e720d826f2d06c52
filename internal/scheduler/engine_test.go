package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/wsmolak/airflow/internal/callback"
	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/observability"
	"github.com/wsmolak/airflow/internal/state"
)

var testBase = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts Options, dags ...*dag.DAG) (*Engine, *observability.Registry) {
	t.Helper()
	registry := dag.NewRegistry()
	for _, d := range dags {
		if err := registry.Register(d); err != nil {
			t.Fatalf("register dag %s: %v", d.ID, err)
		}
	}
	metrics := observability.NewRegistry()
	opts.Metrics = metrics
	e := NewEngine(state.NewMemoryStore(), state.NewMemoryQueue(), registry, opts)
	if err := registry.Sync(context.Background(), e.store); err != nil {
		t.Fatalf("sync dags: %v", err)
	}
	return e, metrics
}

func mkRun(t *testing.T, e *Engine, dagID, runID, runType string, exec time.Time, runState string) {
	t.Helper()
	rec := state.RunRecord{
		DAGID:             dagID,
		RunID:             runID,
		RunType:           runType,
		ExecutionDate:     exec,
		DataIntervalStart: exec,
		DataIntervalEnd:   exec.Add(time.Hour),
		State:             runState,
		CreatedAt:         exec,
		StartDate:         exec,
	}
	if err := e.store.CreateRun(context.Background(), rec); err != nil {
		t.Fatalf("create run %s/%s: %v", dagID, runID, err)
	}
}

func setTI(t *testing.T, e *Engine, dagID, runID, taskID, st string) {
	t.Helper()
	ctx := context.Background()
	key := state.TaskInstanceKey{DAGID: dagID, RunID: runID, TaskID: taskID}
	ti, ok, err := e.store.GetTaskInstance(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get instance %s: ok=%v err=%v", taskID, ok, err)
	}
	ti.State = st
	if st == state.TaskRunning && ti.StartDate.IsZero() {
		ti.StartDate = time.Now().UTC()
	}
	if state.IsTaskFinished(st) && ti.EndDate.IsZero() {
		ti.EndDate = time.Now().UTC()
	}
	if err := e.store.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update instance %s: %v", taskID, err)
	}
}

func tiState(t *testing.T, e *Engine, dagID, runID, taskID string) string {
	t.Helper()
	ti, ok, err := e.store.GetTaskInstance(context.Background(), state.TaskInstanceKey{DAGID: dagID, RunID: runID, TaskID: taskID})
	if err != nil || !ok {
		t.Fatalf("get instance %s: ok=%v err=%v", taskID, ok, err)
	}
	return ti.State
}

func diamondDAG() *dag.DAG {
	// A -> B, A -> C -> D
	d := &dag.DAG{
		ID:      "etl",
		FileLoc: "dags/etl.yaml",
		Tasks: []dag.Task{
			{ID: "a", Operator: "bash"},
			{ID: "b", Operator: "bash", UpstreamIDs: []string{"a"}},
			{ID: "c", Operator: "bash", UpstreamIDs: []string{"a"}},
			{ID: "d", Operator: "bash", UpstreamIDs: []string{"c"}},
		},
	}
	return d
}

func TestUpdateStateNonLeafFailureStillSucceeds(t *testing.T) {
	// B and C feed A, D feeds C; A is the only leaf. A branch failure off
	// the leaf path does not fail the run once the leaf itself succeeded.
	d := &dag.DAG{
		ID: "funnel",
		Tasks: []dag.Task{
			{ID: "a", Operator: "bash", UpstreamIDs: []string{"b", "c"}, TriggerRule: dag.TriggerAllDone},
			{ID: "b", Operator: "bash"},
			{ID: "c", Operator: "bash", UpstreamIDs: []string{"d"}},
			{ID: "d", Operator: "bash"},
		},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "funnel", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "funnel", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "funnel", "r1", "a", state.TaskSuccess)
	setTI(t, e, "funnel", "r1", "b", state.TaskFailed)
	setTI(t, e, "funnel", "r1", "c", state.TaskSuccess)
	setTI(t, e, "funnel", "r1", "d", state.TaskSuccess)

	got, _, err := e.UpdateState(ctx, "funnel", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunSuccess {
		t.Fatalf("expected success from the settled leaf, got %s", got)
	}
}

func TestUpdateStateAllLeavesSettledSucceeds(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, diamondDAG())
	ctx := context.Background()
	mkRun(t, e, "etl", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "etl", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "etl", "r1", "a", state.TaskSuccess)
	setTI(t, e, "etl", "r1", "b", state.TaskSuccess)
	setTI(t, e, "etl", "r1", "c", state.TaskSuccess)
	setTI(t, e, "etl", "r1", "d", state.TaskSuccess)

	got, _, err := e.UpdateState(ctx, "etl", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunSuccess {
		t.Fatalf("expected success, got %s", got)
	}
	run, _, _ := e.store.GetRun(ctx, "etl", "r1")
	if run.EndDate.IsZero() {
		t.Fatalf("terminal run must carry an end date")
	}
}

func TestUpdateStateLeafFailureFailsRun(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, diamondDAG())
	ctx := context.Background()
	mkRun(t, e, "etl", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "etl", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "etl", "r1", "a", state.TaskSuccess)
	setTI(t, e, "etl", "r1", "b", state.TaskFailed)
	setTI(t, e, "etl", "r1", "c", state.TaskSuccess)
	setTI(t, e, "etl", "r1", "d", state.TaskSuccess)

	got, _, err := e.UpdateState(ctx, "etl", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestUpdateStateSkippedChainPropagatesInOnePass(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, diamondDAG())
	ctx := context.Background()
	mkRun(t, e, "etl", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "etl", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "etl", "r1", "a", state.TaskSkipped)

	got, _, err := e.UpdateState(ctx, "etl", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunSuccess {
		t.Fatalf("all-skipped chain must end in success, got %s", got)
	}
	for _, taskID := range []string{"b", "c", "d"} {
		if st := tiState(t, e, "etl", "r1", taskID); st != state.TaskSkipped {
			t.Fatalf("expected %s skipped, got %s", taskID, st)
		}
	}
}

func TestUpdateStateUpstreamFailureCascades(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, diamondDAG())
	ctx := context.Background()
	mkRun(t, e, "etl", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "etl", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "etl", "r1", "a", state.TaskFailed)

	got, _, err := e.UpdateState(ctx, "etl", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	for _, taskID := range []string{"b", "c", "d"} {
		if st := tiState(t, e, "etl", "r1", taskID); st != state.TaskUpstreamFailed {
			t.Fatalf("expected %s upstream_failed, got %s", taskID, st)
		}
	}
}

func TestUpdateStateOneFailedSkipsWhenUpstreamSucceeds(t *testing.T) {
	d := &dag.DAG{
		ID: "alerts",
		Tasks: []dag.Task{
			{ID: "work", Operator: "bash"},
			{ID: "page_oncall", Operator: "bash", UpstreamIDs: []string{"work"}, TriggerRule: dag.TriggerOneFailed},
		},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "alerts", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "alerts", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "alerts", "r1", "work", state.TaskSuccess)

	got, _, err := e.UpdateState(ctx, "alerts", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if st := tiState(t, e, "alerts", "r1", "page_oncall"); st != state.TaskSkipped {
		t.Fatalf("expected page_oncall skipped, got %s", st)
	}
	if got != state.RunSuccess {
		t.Fatalf("expected success, got %s", got)
	}
}

func TestUpdateStateOneFailedReadyBeforeAllUpstreamFinish(t *testing.T) {
	d := &dag.DAG{
		ID: "alerts",
		Tasks: []dag.Task{
			{ID: "fast", Operator: "bash"},
			{ID: "slow", Operator: "bash"},
			{ID: "page_oncall", Operator: "bash", UpstreamIDs: []string{"fast", "slow"}, TriggerRule: dag.TriggerOneFailed},
		},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "alerts", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "alerts", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "alerts", "r1", "fast", state.TaskFailed)
	setTI(t, e, "alerts", "r1", "slow", state.TaskRunning)

	got, _, err := e.UpdateState(ctx, "alerts", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunRunning {
		t.Fatalf("run must stay running, got %s", got)
	}
	n, err := e.ScheduleReady(ctx, "alerts", "r1")
	if err != nil {
		t.Fatalf("schedule ready: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected page_oncall scheduled without waiting for slow, got %d", n)
	}
	if st := tiState(t, e, "alerts", "r1", "page_oncall"); st != state.TaskScheduled {
		t.Fatalf("expected page_oncall scheduled, got %s", st)
	}
}

func TestUpdateStateUnknownTriggerRuleFailsRun(t *testing.T) {
	d := &dag.DAG{
		ID: "broken",
		Tasks: []dag.Task{
			{ID: "a", Operator: "bash"},
			{ID: "b", Operator: "bash", UpstreamIDs: []string{"a"}, TriggerRule: "every_other_friday"},
		},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "broken", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "broken", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "broken", "r1", "a", state.TaskSuccess)

	got, _, err := e.UpdateState(ctx, "broken", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunFailed {
		t.Fatalf("misconfigured task must fail the run, got %s", got)
	}
	if st := tiState(t, e, "broken", "r1", "b"); st != state.TaskUpstreamFailed {
		t.Fatalf("expected b upstream_failed, got %s", st)
	}
}

func TestUpdateStateDeadlockedRunFails(t *testing.T) {
	d := &dag.DAG{
		ID: "stuck",
		Tasks: []dag.Task{
			{ID: "a", Operator: "bash"},
			{ID: "b", Operator: "bash", UpstreamIDs: []string{"a"}},
		},
	}
	d2 := *d
	d2.HasOnFailureCallback = true
	e, _ := newTestEngine(t, Options{DeferCallbacks: true}, &d2)
	ctx := context.Background()
	mkRun(t, e, "stuck", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "stuck", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	// a's instance left the evaluable set entirely: b can never become
	// ready, nothing is in flight, nothing is ready.
	setTI(t, e, "stuck", "r1", "a", state.TaskRemoved)

	got, req, err := e.UpdateState(ctx, "stuck", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunFailed {
		t.Fatalf("deadlocked run must fail, got %s", got)
	}
	if req == nil || req.Msg != callback.ReasonDeadlocked || !req.IsFailureCallback {
		t.Fatalf("expected all_tasks_deadlocked failure callback, got %+v", req)
	}
}

func TestUpdateStateShutdownKeepsRunRunning(t *testing.T) {
	d := &dag.DAG{
		ID: "ops",
		Tasks: []dag.Task{
			{ID: "a", Operator: "bash"},
			{ID: "b", Operator: "bash", UpstreamIDs: []string{"a"}},
		},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "ops", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "ops", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	setTI(t, e, "ops", "r1", "a", state.TaskShutdown)

	got, _, err := e.UpdateState(ctx, "ops", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunRunning {
		t.Fatalf("shutdown instance must not complete or deadlock the run, got %s", got)
	}
}

func TestUpdateStateDependsOnPastBlocksDeadlockVerdict(t *testing.T) {
	d := &dag.DAG{
		ID: "history",
		Tasks: []dag.Task{
			{ID: "a", Operator: "bash", DependsOnPast: true},
		},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "history", "r0", state.RunTypeScheduled, testBase.Add(-time.Hour), state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "history", "r0"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	mkRun(t, e, "history", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "history", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}

	// a in r1 is ready by trigger rule but withheld by the temporal gate, so
	// the run must stay running rather than be declared deadlocked.
	got, _, err := e.UpdateState(ctx, "history", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunRunning {
		t.Fatalf("temporally gated run must stay running, got %s", got)
	}
}

func TestEndDateInvariantAcrossTransitions(t *testing.T) {
	d := &dag.DAG{ID: "inv", Tasks: []dag.Task{{ID: "a", Operator: "bash"}}}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "inv", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "inv", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	setTI(t, e, "inv", "r1", "a", state.TaskSuccess)

	if _, _, err := e.UpdateState(ctx, "inv", "r1"); err != nil {
		t.Fatalf("update state: %v", err)
	}
	run, _, _ := e.store.GetRun(ctx, "inv", "r1")
	if run.State != state.RunSuccess || run.EndDate.IsZero() {
		t.Fatalf("terminal run must carry an end date: %+v", run)
	}

	if err := e.SetRunState(ctx, "inv", "r1", state.RunRunning); err != nil {
		t.Fatalf("set run state: %v", err)
	}
	run, _, _ = e.store.GetRun(ctx, "inv", "r1")
	if run.State != state.RunRunning || !run.EndDate.IsZero() {
		t.Fatalf("returning to running must clear the end date: %+v", run)
	}
}

func timingCount(s observability.Snapshot, name string) int64 {
	for _, p := range s.Timings {
		if p.Name == name {
			return p.Count
		}
	}
	return 0
}

func TestSchedulingDelayMetricScheduledRunsOnly(t *testing.T) {
	d := &dag.DAG{ID: "etl", Tasks: []dag.Task{{ID: "a", Operator: "bash"}}}
	e, metrics := newTestEngine(t, Options{}, d)
	ctx := context.Background()

	mkRun(t, e, "etl", "sched", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "etl", "sched"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	ti, _, _ := e.store.GetTaskInstance(ctx, state.TaskInstanceKey{DAGID: "etl", RunID: "sched", TaskID: "a"})
	ti.State = state.TaskSuccess
	ti.StartDate = testBase.Add(90 * time.Minute) // 30m after the interval end
	ti.EndDate = ti.StartDate.Add(time.Minute)
	if err := e.store.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update instance: %v", err)
	}

	if _, _, err := e.UpdateState(ctx, "etl", "sched"); err != nil {
		t.Fatalf("update state: %v", err)
	}
	name := "dagrun.etl.first_task_scheduling_delay"
	if n := timingCount(metrics.Snapshot(), name); n != 1 {
		t.Fatalf("expected delay emitted once, got %d", n)
	}

	// Re-evaluating a terminal run is a no-op and must not emit again.
	if _, _, err := e.UpdateState(ctx, "etl", "sched"); err != nil {
		t.Fatalf("second update state: %v", err)
	}
	if n := timingCount(metrics.Snapshot(), name); n != 1 {
		t.Fatalf("delay must be emitted exactly once, got %d", n)
	}

	// Manual runs never emit the delay.
	mkRun(t, e, "etl", "manual", state.RunTypeManual, testBase.Add(2*time.Hour), state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "etl", "manual"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	ti, _, _ = e.store.GetTaskInstance(ctx, state.TaskInstanceKey{DAGID: "etl", RunID: "manual", TaskID: "a"})
	ti.State = state.TaskSuccess
	ti.StartDate = testBase.Add(4 * time.Hour)
	if err := e.store.UpdateTaskInstance(ctx, ti); err != nil {
		t.Fatalf("update instance: %v", err)
	}
	if _, _, err := e.UpdateState(ctx, "etl", "manual"); err != nil {
		t.Fatalf("update manual: %v", err)
	}
	if n := timingCount(metrics.Snapshot(), name); n != 1 {
		t.Fatalf("manual run must not emit the delay, got %d", n)
	}
}

type recordingDispatcher struct {
	requests []callback.Request
}

func (r *recordingDispatcher) Dispatch(_ context.Context, req callback.Request) error {
	r.requests = append(r.requests, req)
	return nil
}

func TestUpdateStateCallbackModes(t *testing.T) {
	d := &dag.DAG{
		ID:                   "cb",
		FileLoc:              "dags/cb.yaml",
		HasOnSuccessCallback: true,
		Tasks:                []dag.Task{{ID: "a", Operator: "bash"}},
	}
	disp := &recordingDispatcher{}
	e, _ := newTestEngine(t, Options{Dispatcher: disp}, d)
	ctx := context.Background()
	mkRun(t, e, "cb", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "cb", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	setTI(t, e, "cb", "r1", "a", state.TaskSuccess)

	got, req, err := e.UpdateState(ctx, "cb", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunSuccess || req != nil {
		t.Fatalf("sync mode must dispatch, not return: state=%s req=%+v", got, req)
	}
	if len(disp.requests) != 1 || disp.requests[0].Msg != callback.ReasonSuccess || disp.requests[0].IsFailureCallback {
		t.Fatalf("expected one success callback, got %+v", disp.requests)
	}
	if disp.requests[0].FilePath != "dags/cb.yaml" {
		t.Fatalf("callback must carry the dag file locator, got %q", disp.requests[0].FilePath)
	}

	// Defer mode returns the descriptor instead.
	e2, _ := newTestEngine(t, Options{DeferCallbacks: true}, d)
	mkRun(t, e2, "cb", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e2.VerifyIntegrity(ctx, "cb", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	setTI(t, e2, "cb", "r1", "a", state.TaskSuccess)
	got, req, err = e2.UpdateState(ctx, "cb", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if got != state.RunSuccess || req == nil || req.Msg != callback.ReasonSuccess {
		t.Fatalf("defer mode must return the descriptor: state=%s req=%+v", got, req)
	}
}

func TestUpdateStateNoCallbackWhenUndeclared(t *testing.T) {
	d := &dag.DAG{ID: "quiet", Tasks: []dag.Task{{ID: "a", Operator: "bash"}}}
	e, _ := newTestEngine(t, Options{DeferCallbacks: true}, d)
	ctx := context.Background()
	mkRun(t, e, "quiet", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "quiet", "r1"); err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	setTI(t, e, "quiet", "r1", "a", state.TaskSuccess)
	_, req, err := e.UpdateState(ctx, "quiet", "r1")
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if req != nil {
		t.Fatalf("no callback declared, none must be produced: %+v", req)
	}
}

func TestScheduleReadyDependsOnPast(t *testing.T) {
	d := &dag.DAG{
		ID:    "daily",
		Tasks: []dag.Task{{ID: "a", Operator: "bash", DependsOnPast: true}},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()

	mkRun(t, e, "daily", "r0", state.RunTypeScheduled, testBase.Add(-24*time.Hour), state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "daily", "r0"); err != nil {
		t.Fatalf("verify r0: %v", err)
	}
	setTI(t, e, "daily", "r0", "a", state.TaskFailed)

	mkRun(t, e, "daily", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "daily", "r1"); err != nil {
		t.Fatalf("verify r1: %v", err)
	}

	n, err := e.ScheduleReady(ctx, "daily", "r1")
	if err != nil {
		t.Fatalf("schedule ready: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed prior instance must block admission, scheduled %d", n)
	}

	setTI(t, e, "daily", "r0", "a", state.TaskSuccess)
	n, err = e.ScheduleReady(ctx, "daily", "r1")
	if err != nil {
		t.Fatalf("schedule ready after prior success: %v", err)
	}
	if n != 1 {
		t.Fatalf("settled prior instance must admit, scheduled %d", n)
	}
}

func TestScheduleReadyWaitForDownstream(t *testing.T) {
	d := &dag.DAG{
		ID: "wfd",
		Tasks: []dag.Task{
			{ID: "produce", Operator: "bash", WaitForDownstream: true},
			{ID: "consume", Operator: "bash", UpstreamIDs: []string{"produce"}},
		},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()

	mkRun(t, e, "wfd", "r0", state.RunTypeScheduled, testBase.Add(-24*time.Hour), state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "wfd", "r0"); err != nil {
		t.Fatalf("verify r0: %v", err)
	}
	setTI(t, e, "wfd", "r0", "produce", state.TaskSuccess)
	setTI(t, e, "wfd", "r0", "consume", state.TaskFailed)

	mkRun(t, e, "wfd", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "wfd", "r1"); err != nil {
		t.Fatalf("verify r1: %v", err)
	}

	n, err := e.ScheduleReady(ctx, "wfd", "r1")
	if err != nil {
		t.Fatalf("schedule ready: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed downstream prior instance must block produce, scheduled %d", n)
	}

	setTI(t, e, "wfd", "r0", "consume", state.TaskSkipped)
	n, err = e.ScheduleReady(ctx, "wfd", "r1")
	if err != nil {
		t.Fatalf("schedule ready after downstream settled: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected produce admitted, scheduled %d", n)
	}
}

func TestScheduleReadyConcurrencyCap(t *testing.T) {
	d := &dag.DAG{
		ID:    "capped",
		Tasks: []dag.Task{{ID: "a", Operator: "bash", MaxActiveTIsPerDAG: 1}},
	}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()

	mkRun(t, e, "capped", "r0", state.RunTypeScheduled, testBase.Add(-time.Hour), state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "capped", "r0"); err != nil {
		t.Fatalf("verify r0: %v", err)
	}
	setTI(t, e, "capped", "r0", "a", state.TaskRunning)

	mkRun(t, e, "capped", "r1", state.RunTypeScheduled, testBase, state.RunRunning)
	if err := e.VerifyIntegrity(ctx, "capped", "r1"); err != nil {
		t.Fatalf("verify r1: %v", err)
	}

	n, err := e.ScheduleReady(ctx, "capped", "r1")
	if err != nil {
		t.Fatalf("schedule ready: %v", err)
	}
	if n != 0 {
		t.Fatalf("cap of 1 with a running sibling must defer, scheduled %d", n)
	}

	setTI(t, e, "capped", "r0", "a", state.TaskSuccess)
	n, err = e.ScheduleReady(ctx, "capped", "r1")
	if err != nil {
		t.Fatalf("schedule ready after sibling finished: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected admission once the sibling finished, scheduled %d", n)
	}
}

func TestTickDrivesRunToSuccess(t *testing.T) {
	d := diamondDAG()
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()
	mkRun(t, e, "etl", "r1", state.RunTypeScheduled, testBase, state.RunQueued)

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	run, _, _ := e.store.GetRun(ctx, "etl", "r1")
	if run.State != state.RunRunning {
		t.Fatalf("queued run must be started, got %s", run.State)
	}

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if st := tiState(t, e, "etl", "r1", "a"); st != state.TaskScheduled {
		t.Fatalf("root task must be scheduled, got %s", st)
	}
	claims, err := e.queue.Claim(ctx, 10, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 || claims[0].Key.TaskID != "a" {
		t.Fatalf("expected the root instance on the queue, got %+v", claims)
	}
	if err := e.queue.Ack(ctx, claims); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// The execution subsystem finishes tasks as they are handed over.
	for _, taskID := range []string{"a", "b", "c", "d"} {
		setTI(t, e, "etl", "r1", taskID, state.TaskSuccess)
	}
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	run, _, _ = e.store.GetRun(ctx, "etl", "r1")
	if run.State != state.RunSuccess {
		t.Fatalf("expected the run to finish successfully, got %s", run.State)
	}
}

func TestCreateManualRun(t *testing.T) {
	d := &dag.DAG{ID: "adhoc", Tasks: []dag.Task{{ID: "a", Operator: "bash"}}}
	e, _ := newTestEngine(t, Options{}, d)
	ctx := context.Background()

	logical := testBase.Add(30 * time.Minute)
	run, err := e.CreateManualRun(ctx, "adhoc", logical, map[string]string{"who": "ops"})
	if err != nil {
		t.Fatalf("create manual run: %v", err)
	}
	if run.RunType != state.RunTypeManual || !run.ExternalTrigger {
		t.Fatalf("manual run must be externally triggered: %+v", run)
	}
	if !run.DataIntervalStart.Equal(logical) || !run.DataIntervalEnd.Equal(logical) {
		t.Fatalf("manual run must get the degenerate interval: %+v", run)
	}
	if st := tiState(t, e, "adhoc", run.RunID, "a"); st != state.TaskNone {
		t.Fatalf("instances must be materialized immediately, got %s", st)
	}

	if _, err := e.CreateManualRun(ctx, "adhoc", logical, nil); err == nil {
		t.Fatalf("duplicate logical date must be rejected")
	}
}
