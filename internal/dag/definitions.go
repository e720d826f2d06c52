package dag

import (
	"fmt"
	"sort"
	"time"
)

// Trigger rules decide when a task becomes runnable given the states of its
// upstream tasks. all_success is the default.
const (
	TriggerAllSuccess          = "all_success"
	TriggerAllFailed           = "all_failed"
	TriggerAllDone             = "all_done"
	TriggerOneSuccess          = "one_success"
	TriggerOneFailed           = "one_failed"
	TriggerNoneFailed          = "none_failed"
	TriggerNoneFailedOrSkipped = "none_failed_or_skipped"
	TriggerNoneSkipped         = "none_skipped"
	TriggerDummy               = "dummy"
)

func KnownTriggerRule(rule string) bool {
	switch rule {
	case TriggerAllSuccess, TriggerAllFailed, TriggerAllDone, TriggerOneSuccess,
		TriggerOneFailed, TriggerNoneFailed, TriggerNoneFailedOrSkipped,
		TriggerNoneSkipped, TriggerDummy:
		return true
	default:
		return false
	}
}

type Task struct {
	ID                 string
	Operator           string
	UpstreamIDs        []string
	TriggerRule        string
	DependsOnPast      bool
	WaitForDownstream  bool
	MaxActiveTIsPerDAG int
	StartDate          time.Time
	Owner              string
	Queue              string
	Pool               string
	PriorityWeight     int
	MaxTries           int
}

type DAG struct {
	ID                   string
	FileLoc              string
	Schedule             string
	HasOnSuccessCallback bool
	HasOnFailureCallback bool
	Tasks                []Task
}

// ApplyDefaults fills the per-task fields the loader leaves optional.
func (d *DAG) ApplyDefaults() {
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.TriggerRule == "" {
			t.TriggerRule = TriggerAllSuccess
		}
		if t.Queue == "" {
			t.Queue = "default"
		}
		if t.Pool == "" {
			t.Pool = "default_pool"
		}
		if t.PriorityWeight <= 0 {
			t.PriorityWeight = 1
		}
	}
}

// Validate checks structural integrity: unique task ids, known upstream
// references and acyclicity. Trigger-rule values are deliberately not
// validated here; an unrecognized rule is handled at evaluation time so a
// bad definition fails its run instead of being rejected wholesale.
func (d *DAG) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("dag id is required")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("dag %s has no tasks", d.ID)
	}
	seen := make(map[string]bool, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.ID == "" {
			return fmt.Errorf("dag %s has a task without an id", d.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("dag %s has duplicate task %s", d.ID, t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range d.Tasks {
		for _, up := range t.UpstreamIDs {
			if !seen[up] {
				return fmt.Errorf("dag %s: task %s references unknown upstream %s", d.ID, t.ID, up)
			}
			if up == t.ID {
				return fmt.Errorf("dag %s: task %s depends on itself", d.ID, t.ID)
			}
		}
	}
	if order := d.TopoOrder(); len(order) != len(d.Tasks) {
		return fmt.Errorf("dag %s contains a dependency cycle", d.ID)
	}
	return nil
}

func (d *DAG) TaskByID(taskID string) (Task, bool) {
	for _, t := range d.Tasks {
		if t.ID == taskID {
			return t, true
		}
	}
	return Task{}, false
}

func (d *DAG) HasTask(taskID string) bool {
	_, ok := d.TaskByID(taskID)
	return ok
}

// Downstream inverts the upstream edges.
func (d *DAG) Downstream() map[string][]string {
	down := make(map[string][]string, len(d.Tasks))
	for _, t := range d.Tasks {
		for _, up := range t.UpstreamIDs {
			down[up] = append(down[up], t.ID)
		}
	}
	for _, ids := range down {
		sort.Strings(ids)
	}
	return down
}

// Leaves returns the ids of tasks with no downstream dependents. The run
// verdict is read off these tasks alone.
func (d *DAG) Leaves() []string {
	down := d.Downstream()
	leaves := make([]string, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		if len(down[t.ID]) == 0 {
			leaves = append(leaves, t.ID)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// TopoOrder returns task ids in dependency order, ties broken by id so the
// order is deterministic. On a cyclic graph the result is shorter than the
// task set.
func (d *DAG) TopoOrder() []string {
	indegree := make(map[string]int, len(d.Tasks))
	for _, t := range d.Tasks {
		indegree[t.ID] = len(t.UpstreamIDs)
	}
	down := d.Downstream()
	ready := make([]string, 0, len(d.Tasks))
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	order := make([]string, 0, len(d.Tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		inserted := false
		for _, next := range down[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				inserted = true
			}
		}
		if inserted {
			sort.Strings(ready)
		}
	}
	return order
}
