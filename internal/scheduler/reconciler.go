package scheduler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wsmolak/airflow/internal/observability"
	"github.com/wsmolak/airflow/internal/state"
)

// VerifyIntegrity synchronizes the run's persisted task-instance set with its
// DAG's current task set. Missing instances are created (subject to the task
// start-date rule), instances whose task left the DAG are marked removed, and
// removed instances whose task reappeared are restored. The cluster policy is
// applied to created and freshly-loaded instances. The operation is
// idempotent: creation is conditional on absence at the storage layer, so a
// concurrent reconciler racing on the same run cannot duplicate instances.
func (e *Engine) VerifyIntegrity(ctx context.Context, dagID, runID string) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.verify_integrity",
		attribute.String("dag.id", dagID),
		attribute.String("run.id", runID),
	)
	defer span.End()

	run, ok, err := e.store.GetRun(ctx, dagID, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s/%s not found", dagID, runID)
	}
	d, ok := e.dags.Get(dagID)
	if !ok {
		return fmt.Errorf("dag %s is not registered", dagID)
	}

	tis, err := e.store.ListTaskInstances(ctx, dagID, runID)
	if err != nil {
		return err
	}
	byTask := make(map[string]state.TaskInstanceRecord, len(tis))
	for _, ti := range tis {
		byTask[ti.TaskID] = ti
	}

	// Backfills are gated on the logical date itself; scheduled and manual
	// runs on the end of the interval they cover.
	cutoff := run.DataIntervalEnd
	if run.RunType == state.RunTypeBackfill {
		cutoff = run.ExecutionDate
	}

	created := 0
	for _, task := range d.Tasks {
		existing, exists := byTask[task.ID]
		if exists {
			if existing.State == state.TaskRemoved {
				existing.State = state.TaskNone
				if err := e.store.UpdateTaskInstance(ctx, existing); err != nil {
					return err
				}
				e.metrics.IncCounter("task_restored_to_dag."+dagID, nil, 1)
				continue
			}
			if !e.policy.IsNoop() && !state.IsTaskFinished(existing.State) {
				rec := existing
				if e.policy.Mutate(&rec) {
					if err := e.store.UpdateTaskInstance(ctx, rec); err != nil {
						return err
					}
				}
			}
			continue
		}
		if !task.StartDate.IsZero() && cutoff.Before(task.StartDate) {
			continue
		}
		rec := state.TaskInstanceRecord{
			DAGID:          dagID,
			RunID:          runID,
			TaskID:         task.ID,
			State:          state.TaskNone,
			Operator:       task.Operator,
			Queue:          task.Queue,
			Pool:           task.Pool,
			PriorityWeight: task.PriorityWeight,
			MaxTries:       task.MaxTries,
		}
		e.policy.Mutate(&rec)
		inserted, err := e.store.CreateTaskInstanceIfAbsent(ctx, rec)
		if err != nil {
			return err
		}
		if inserted {
			created++
			e.metrics.IncCounter("task_instance_created-"+rec.Operator, nil, 1)
		}
	}

	for _, ti := range tis {
		if d.HasTask(ti.TaskID) {
			continue
		}
		if ti.State == state.TaskRemoved || state.IsTaskFinished(ti.State) {
			continue
		}
		ti.State = state.TaskRemoved
		if err := e.store.UpdateTaskInstance(ctx, ti); err != nil {
			return err
		}
		e.metrics.IncCounter("task_removed_from_dag."+dagID, nil, 1)
	}

	span.SetAttributes(attribute.Int("created.count", created))
	return nil
}
