package scheduler

import (
	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/state"
)

// AllowTemporal is the cross-run dependency gate. A task with depends_on_past
// may only start once its own instance in the chronologically-previous run
// ended success or skipped; wait_for_downstream additionally requires every
// immediate downstream task's previous-run instance to have done the same,
// since a failed downstream consumer means the prior interval's output may
// still be in use.
//
// The first run of a DAG is unconstrained. The gate is advisory: it never
// mutates instance state, it only withholds admission.
func AllowTemporal(d *dag.DAG, task dag.Task, prevRunExists bool, prevInstances map[string]state.TaskInstanceRecord) bool {
	if !prevRunExists {
		return true
	}
	if !task.DependsOnPast && !task.WaitForDownstream {
		return true
	}
	settled := func(taskID string) bool {
		ti, ok := prevInstances[taskID]
		if !ok {
			return false
		}
		return ti.State == state.TaskSuccess || ti.State == state.TaskSkipped
	}
	if task.DependsOnPast && !settled(task.ID) {
		return false
	}
	if task.WaitForDownstream {
		for _, downID := range d.Downstream()[task.ID] {
			if !settled(downID) {
				return false
			}
		}
	}
	return true
}
