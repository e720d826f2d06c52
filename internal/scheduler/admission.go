package scheduler

import "github.com/wsmolak/airflow/internal/state"

// States that count against a task's per-DAG active-instance cap.
var activeInstanceStates = []string{state.TaskRunning, state.TaskQueued, state.TaskScheduled}

// Admit is the concurrency admission gate. maxActive <= 0 means the task is
// uncapped; otherwise the instance is admitted only while fewer than
// maxActive instances of the same task are active across all runs of the DAG.
func Admit(maxActive, currentActive int) bool {
	if maxActive <= 0 {
		return true
	}
	return currentActive < maxActive
}
