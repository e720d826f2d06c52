package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wsmolak/airflow/internal/callback"
	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/observability"
	"github.com/wsmolak/airflow/internal/policy"
	"github.com/wsmolak/airflow/internal/state"
)

type Options struct {
	// PolicyEngine is the cluster policy applied to task instances during
	// reconciliation. Nil means no mutation.
	PolicyEngine *policy.Engine
	// Dispatcher receives callback requests on terminal transitions.
	Dispatcher callback.Dispatcher
	// DeferCallbacks returns callback requests to the caller instead of
	// dispatching them in-process.
	DeferCallbacks bool
	// Metrics defaults to observability.Default.
	Metrics *observability.Registry
	// ExamineBatch caps how many runs one Tick pulls per state.
	ExamineBatch int
	// Parallelism bounds concurrent run examination within a Tick.
	Parallelism int
	// Now is overridable for tests.
	Now func() time.Time
}

// Engine is the run-state engine: it keeps every run's task-instance set
// consistent with its DAG, advances run state from task-instance states, and
// hands admitted ready instances to the execution subsystem through the queue.
type Engine struct {
	store          state.Store
	queue          state.Queue
	dags           *dag.Registry
	policy         *policy.Engine
	dispatcher     callback.Dispatcher
	deferCallbacks bool
	metrics        *observability.Registry
	examineBatch   int
	parallelism    int
	now            func() time.Time

	mu       sync.Mutex
	deferred []callback.Request
}

func NewEngine(store state.Store, queue state.Queue, dags *dag.Registry, opts Options) *Engine {
	p := opts.PolicyEngine
	if p == nil {
		p = policy.NewNoop()
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = callback.LogDispatcher{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Default
	}
	examineBatch := opts.ExamineBatch
	if examineBatch <= 0 {
		examineBatch = 20
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:          store,
		queue:          queue,
		dags:           dags,
		policy:         p,
		dispatcher:     dispatcher,
		deferCallbacks: opts.DeferCallbacks,
		metrics:        metrics,
		examineBatch:   examineBatch,
		parallelism:    parallelism,
		now:            now,
	}
}

func NewInMemoryEngine(dags *dag.Registry) *Engine {
	return NewEngine(state.NewMemoryStore(), state.NewMemoryQueue(), dags, Options{})
}

// UpdateState re-evaluates one run from its task-instance states. Skipped and
// upstream-failed verdicts are applied to instances immediately; the aggregate
// verdict is applied to the run together with the end-timestamp invariant.
// The returned callback request is non-nil only in defer mode, and only when
// the run just entered a terminal state for which its DAG declares a callback.
func (e *Engine) UpdateState(ctx context.Context, dagID, runID string) (string, *callback.Request, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.update_state",
		attribute.String("dag.id", dagID),
		attribute.String("run.id", runID),
	)
	defer span.End()
	passStart := e.now()
	defer func() {
		e.metrics.ObserveTiming("dagrun.dependency-check."+dagID, nil, e.now().Sub(passStart))
	}()

	run, ok, err := e.store.GetRun(ctx, dagID, runID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("run %s/%s not found", dagID, runID)
	}
	if state.IsRunTerminal(run.State) {
		return run.State, nil, nil
	}
	d, ok := e.dags.Get(dagID)
	if !ok {
		return "", nil, fmt.Errorf("dag %s is not registered", dagID)
	}

	tis, err := e.store.ListTaskInstances(ctx, dagID, runID)
	if err != nil {
		return "", nil, err
	}
	byTask := make(map[string]state.TaskInstanceRecord, len(tis))
	states := make(map[string]string, len(tis))
	for _, ti := range tis {
		byTask[ti.TaskID] = ti
		states[ti.TaskID] = ti.State
	}

	// Propagation pass. Tasks are visited in dependency order, so a task
	// marked skipped or upstream_failed here is already settled by the time
	// its dependents are evaluated; one pass resolves the whole cascade.
	readyCount := 0
	for _, taskID := range d.TopoOrder() {
		ti, exists := byTask[taskID]
		if !exists || !state.IsTaskSchedulable(ti.State) {
			continue
		}
		task, _ := d.TaskByID(taskID)
		switch EvaluateTriggerRule(task, states) {
		case VerdictReady:
			readyCount++
		case VerdictSkipped:
			if err := e.finishInstance(ctx, &ti, state.TaskSkipped); err != nil {
				return "", nil, err
			}
			byTask[taskID] = ti
			states[taskID] = ti.State
		case VerdictUpstreamFailed:
			if err := e.finishInstance(ctx, &ti, state.TaskUpstreamFailed); err != nil {
				return "", nil, err
			}
			byTask[taskID] = ti
			states[taskID] = ti.State
		}
	}

	// Recompute the unfinished set after propagation. Tasks excluded from
	// the run by their start date have no instance and do not pin the run.
	unfinished := 0
	inFlight := 0
	gatedUnfinished := false
	for taskID, st := range states {
		if !state.IsTaskUnfinished(st) {
			continue
		}
		unfinished++
		if !state.IsTaskSchedulable(st) {
			// scheduled/queued/running/shutdown/restarting instances are in
			// the execution subsystem's hands and can still progress.
			inFlight++
		}
		if task, ok := d.TaskByID(taskID); ok {
			if task.DependsOnPast || task.WaitForDownstream || task.MaxActiveTIsPerDAG > 0 {
				gatedUnfinished = true
			}
		}
	}

	// A run with unfinished work, nothing in flight, nothing ready and no
	// temporal or concurrency gate that could open later can never progress.
	deadlocked := unfinished > 0 && readyCount == 0 && inFlight == 0 && !gatedUnfinished

	newState := state.RunRunning
	reason := ""
	switch {
	case deadlocked:
		newState = state.RunFailed
		reason = callback.ReasonDeadlocked
		log.Printf("deadlock detected: marking run %s/%s failed", dagID, runID)
	case unfinished == 0 && len(tis) > 0:
		anyLeafFailed := false
		allLeavesSettled := true
		for _, leafID := range d.Leaves() {
			st, exists := states[leafID]
			if !exists {
				continue
			}
			if st == state.TaskFailed || st == state.TaskUpstreamFailed {
				anyLeafFailed = true
			}
			if st != state.TaskSuccess && st != state.TaskSkipped {
				allLeavesSettled = false
			}
		}
		if anyLeafFailed {
			newState = state.RunFailed
			reason = callback.ReasonTaskFailure
		} else if allLeavesSettled {
			newState = state.RunSuccess
			reason = callback.ReasonSuccess
		}
	}

	now := e.now()
	run.LastSchedulingDecision = now
	if state.IsRunTerminal(newState) {
		run.State = newState
		run.EndDate = now
		if !run.StartDate.IsZero() {
			e.metrics.ObserveTiming("dagrun.duration."+newState+"."+dagID, nil, now.Sub(run.StartDate))
		}
		e.emitSchedulingDelay(run, tis)
		e.metrics.IncCounter("dagrun_state_total", map[string]string{"dag_id": dagID, "state": newState}, 1)
	} else {
		run.State = state.RunRunning
		run.EndDate = time.Time{}
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return "", nil, err
	}
	span.SetAttributes(attribute.String("run.state", run.State))

	if !state.IsRunTerminal(run.State) {
		return run.State, nil, nil
	}
	isFailure := run.State == state.RunFailed
	wanted := (isFailure && d.HasOnFailureCallback) || (!isFailure && d.HasOnSuccessCallback)
	if !wanted {
		return run.State, nil, nil
	}
	req := callback.Request{
		FilePath:          d.FileLoc,
		DAGID:             dagID,
		RunID:             runID,
		IsFailureCallback: isFailure,
		Msg:               reason,
	}
	if e.deferCallbacks {
		return run.State, &req, nil
	}
	if err := e.dispatcher.Dispatch(ctx, req); err != nil {
		// Delivery is fire-and-forget: the computed state stands.
		log.Printf("dispatch callback for %s/%s: %v", dagID, runID, err)
	}
	return run.State, nil, nil
}

func (e *Engine) finishInstance(ctx context.Context, ti *state.TaskInstanceRecord, newState string) error {
	ti.State = newState
	ti.EndDate = e.now()
	if err := e.store.UpdateTaskInstance(ctx, *ti); err != nil {
		return err
	}
	e.metrics.IncCounter("task_instance_finished_total", map[string]string{"dag_id": ti.DAGID, "state": newState}, 1)
	return nil
}

// emitSchedulingDelay reports how long after its data interval closed the
// run's first task instance actually started. Emitted once per run, on the
// first terminal transition, for scheduled runs only.
func (e *Engine) emitSchedulingDelay(run state.RunRecord, tis []state.TaskInstanceRecord) {
	if run.RunType != state.RunTypeScheduled || run.DataIntervalEnd.IsZero() {
		return
	}
	var firstStart time.Time
	for _, ti := range tis {
		if ti.StartDate.IsZero() {
			continue
		}
		if firstStart.IsZero() || ti.StartDate.Before(firstStart) {
			firstStart = ti.StartDate
		}
	}
	if firstStart.IsZero() {
		return
	}
	delay := firstStart.Sub(run.DataIntervalEnd)
	if delay <= 0 {
		return
	}
	e.metrics.ObserveTiming("dagrun."+run.DAGID+".first_task_scheduling_delay", nil, delay)
}

// ScheduleReady moves ready, admitted task instances of a running run to
// scheduled and enqueues them for the execution subsystem. Temporal gates and
// per-task concurrency caps withhold admission without mutating state.
func (e *Engine) ScheduleReady(ctx context.Context, dagID, runID string) (int, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.schedule_ready",
		attribute.String("dag.id", dagID),
		attribute.String("run.id", runID),
	)
	defer span.End()

	run, ok, err := e.store.GetRun(ctx, dagID, runID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("run %s/%s not found", dagID, runID)
	}
	if run.State != state.RunRunning {
		return 0, nil
	}
	d, ok := e.dags.Get(dagID)
	if !ok {
		return 0, fmt.Errorf("dag %s is not registered", dagID)
	}

	tis, err := e.store.ListTaskInstances(ctx, dagID, runID)
	if err != nil {
		return 0, err
	}
	byTask := make(map[string]state.TaskInstanceRecord, len(tis))
	states := make(map[string]string, len(tis))
	for _, ti := range tis {
		byTask[ti.TaskID] = ti
		states[ti.TaskID] = ti.State
	}

	prevRun, prevExists, err := e.store.PreviousRun(ctx, dagID, run.ExecutionDate)
	if err != nil {
		return 0, err
	}
	prevInstances := make(map[string]state.TaskInstanceRecord)
	if prevExists {
		prevTIs, err := e.store.ListTaskInstances(ctx, dagID, prevRun.RunID)
		if err != nil {
			return 0, err
		}
		for _, ti := range prevTIs {
			prevInstances[ti.TaskID] = ti
		}
	}

	var keys []state.TaskInstanceKey
	for _, taskID := range d.TopoOrder() {
		ti, exists := byTask[taskID]
		if !exists || !state.IsTaskSchedulable(ti.State) {
			continue
		}
		task, _ := d.TaskByID(taskID)
		if EvaluateTriggerRule(task, states) != VerdictReady {
			continue
		}
		if !AllowTemporal(d, task, prevExists, prevInstances) {
			e.metrics.IncCounter("task_instance_deferred_total", map[string]string{"dag_id": dagID, "reason": "depends_on_past"}, 1)
			continue
		}
		if task.MaxActiveTIsPerDAG > 0 {
			active, err := e.store.CountTaskStates(ctx, dagID, task.ID, activeInstanceStates)
			if err != nil {
				return 0, err
			}
			if !Admit(task.MaxActiveTIsPerDAG, active) {
				e.metrics.IncCounter("task_instance_deferred_total", map[string]string{"dag_id": dagID, "reason": "max_active_tis"}, 1)
				continue
			}
		}
		ti.State = state.TaskScheduled
		if err := e.store.UpdateTaskInstance(ctx, ti); err != nil {
			return 0, err
		}
		byTask[taskID] = ti
		states[taskID] = ti.State
		keys = append(keys, state.TaskInstanceKey{DAGID: dagID, RunID: runID, TaskID: taskID})
	}
	if len(keys) > 0 {
		if err := e.queue.EnqueueMany(ctx, keys); err != nil {
			return 0, err
		}
		e.metrics.IncCounter("task_instances_scheduled_total", map[string]string{"dag_id": dagID}, float64(len(keys)))
	}
	span.SetAttributes(attribute.Int("scheduled.count", len(keys)))
	return len(keys), nil
}

// SetRunState is the administrative state set. It maintains the
// end-timestamp invariant and stamps the start timestamp on first entry into
// running.
func (e *Engine) SetRunState(ctx context.Context, dagID, runID, newState string) error {
	switch newState {
	case state.RunQueued, state.RunRunning, state.RunSuccess, state.RunFailed:
	default:
		return fmt.Errorf("invalid run state %q", newState)
	}
	run, ok, err := e.store.GetRun(ctx, dagID, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s/%s not found", dagID, runID)
	}
	now := e.now()
	run.State = newState
	if state.IsRunTerminal(newState) {
		run.EndDate = now
	} else {
		run.EndDate = time.Time{}
	}
	if newState == state.RunRunning && run.StartDate.IsZero() {
		run.StartDate = now
	}
	return e.store.UpdateRun(ctx, run)
}

// CreateManualRun materializes an externally-triggered run at the given
// logical date and reconciles its task instances immediately. Manual runs get
// the degenerate data interval [logical, logical].
func (e *Engine) CreateManualRun(ctx context.Context, dagID string, logical time.Time, conf map[string]string) (state.RunRecord, error) {
	logical = logical.UTC()
	if _, ok := e.dags.Get(dagID); !ok {
		return state.RunRecord{}, fmt.Errorf("dag %s is not registered", dagID)
	}
	runID := dag.ManualRunID(logical)
	if dup, exists, err := e.store.FindDuplicateRun(ctx, dagID, runID, logical); err != nil {
		return state.RunRecord{}, err
	} else if exists {
		return state.RunRecord{}, fmt.Errorf("run %s/%s collides with existing run %s", dagID, runID, dup.RunID)
	}
	now := e.now()
	rec := state.RunRecord{
		DAGID:             dagID,
		RunID:             runID,
		RunType:           state.RunTypeManual,
		ExecutionDate:     logical,
		DataIntervalStart: logical,
		DataIntervalEnd:   logical,
		State:             state.RunQueued,
		ExternalTrigger:   true,
		Conf:              conf,
		CreatedAt:         now,
	}
	if err := e.store.CreateRun(ctx, rec); err != nil {
		return state.RunRecord{}, err
	}
	if err := e.VerifyIntegrity(ctx, dagID, runID); err != nil {
		return state.RunRecord{}, err
	}
	return rec, nil
}

// ExamineRun runs one full evaluation pass for a single run: reconcile, then
// update state, then hand off whatever became ready. Deferred callback
// requests are collected for DrainDeferredCallbacks.
func (e *Engine) ExamineRun(ctx context.Context, dagID, runID string) error {
	if err := e.VerifyIntegrity(ctx, dagID, runID); err != nil {
		return err
	}
	newState, req, err := e.UpdateState(ctx, dagID, runID)
	if err != nil {
		return err
	}
	if req != nil {
		e.mu.Lock()
		e.deferred = append(e.deferred, *req)
		e.mu.Unlock()
	}
	if newState != state.RunRunning {
		return nil
	}
	_, err = e.ScheduleReady(ctx, dagID, runID)
	return err
}

// Tick is one scheduler-loop pass: requeue expired queue claims, start queued
// runs, then examine every running run with bounded parallelism.
func (e *Engine) Tick(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	if _, err := e.queue.RequeueExpired(ctx, e.now(), e.examineBatch*8); err != nil {
		return err
	}

	queued, err := e.store.NextExaminableRuns(ctx, state.RunQueued, e.examineBatch)
	if err != nil {
		return err
	}
	for _, run := range queued {
		if _, ok := e.dags.Get(run.DAGID); !ok {
			continue
		}
		if err := e.SetRunState(ctx, run.DAGID, run.RunID, state.RunRunning); err != nil {
			return err
		}
	}

	running, err := e.store.NextExaminableRuns(ctx, state.RunRunning, e.examineBatch)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, run := range running {
		run := run
		g.Go(func() error {
			return e.ExamineRun(gctx, run.DAGID, run.RunID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("examined.count", len(running)))
	return nil
}

// DrainDeferredCallbacks hands accumulated callback requests to an external
// dispatcher and clears the buffer.
func (e *Engine) DrainDeferredCallbacks() []callback.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.deferred
	e.deferred = nil
	return out
}

// Store-facing conveniences for the CLI and the daemon's ops surface.

func (e *Engine) FindRuns(ctx context.Context, filter state.RunFilter) ([]state.RunRecord, error) {
	return e.store.FindRuns(ctx, filter)
}

func (e *Engine) LatestRuns(ctx context.Context) ([]state.RunRecord, error) {
	return e.store.LatestRuns(ctx)
}

func (e *Engine) RunDetails(ctx context.Context, dagID, runID string) (state.RunRecord, []state.TaskInstanceRecord, bool, error) {
	run, ok, err := e.store.GetRun(ctx, dagID, runID)
	if err != nil || !ok {
		return state.RunRecord{}, nil, ok, err
	}
	tis, err := e.store.ListTaskInstances(ctx, dagID, runID)
	if err != nil {
		return state.RunRecord{}, nil, true, err
	}
	return run, tis, true, nil
}

func (e *Engine) SetDAGPaused(ctx context.Context, dagID string, paused bool) error {
	return e.store.SetDAGPaused(ctx, dagID, paused)
}

func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]state.TaskInstanceKey, error) {
	return e.queue.ListDeadLetters(ctx, limit)
}

func (e *Engine) RequeueDeadLetters(ctx context.Context, keys []state.TaskInstanceKey) (int, error) {
	return e.queue.RequeueDeadLetters(ctx, keys)
}

func (e *Engine) SyncDAGs(ctx context.Context) error {
	return e.dags.Sync(ctx, e.store)
}
