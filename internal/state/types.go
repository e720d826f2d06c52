package state

import "time"

// Run states. Queued is set at run creation; the state machine in
// internal/scheduler only ever moves runs between running, success and failed.
const (
	RunQueued  = "queued"
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Run types.
const (
	RunTypeScheduled = "scheduled"
	RunTypeManual    = "manual"
	RunTypeBackfill  = "backfill"
)

// Task-instance states.
const (
	TaskNone           = "none"
	TaskRemoved        = "removed"
	TaskScheduled      = "scheduled"
	TaskQueued         = "queued"
	TaskRunning        = "running"
	TaskSuccess        = "success"
	TaskShutdown       = "shutdown"
	TaskRestarting     = "restarting"
	TaskFailed         = "failed"
	TaskUpForRetry     = "up_for_retry"
	TaskUpstreamFailed = "upstream_failed"
	TaskSkipped        = "skipped"
)

// IsTaskFinished reports whether a task-instance state is terminal.
// Removed is deliberately neither finished nor unfinished.
func IsTaskFinished(s string) bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskSkipped, TaskUpstreamFailed:
		return true
	default:
		return false
	}
}

// IsTaskUnfinished reports whether a task-instance state still counts toward
// an incomplete run.
func IsTaskUnfinished(s string) bool {
	switch s {
	case TaskNone, TaskScheduled, TaskQueued, TaskRunning, TaskShutdown, TaskRestarting, TaskUpForRetry:
		return true
	default:
		return false
	}
}

// IsTaskSchedulable reports whether the scheduler may hand the instance to the
// execution subsystem once its trigger rule is satisfied.
func IsTaskSchedulable(s string) bool {
	return s == TaskNone || s == TaskUpForRetry
}

func IsRunTerminal(s string) bool {
	return s == RunSuccess || s == RunFailed
}

type DAGRecord struct {
	DAGID     string
	FileLoc   string
	IsActive  bool
	IsPaused  bool
	UpdatedAt time.Time
}

type RunRecord struct {
	DAGID                  string
	RunID                  string
	RunType                string
	ExecutionDate          time.Time
	DataIntervalStart      time.Time
	DataIntervalEnd        time.Time
	State                  string
	ExternalTrigger        bool
	CreatingJobID          string
	Conf                   map[string]string
	CreatedAt              time.Time
	StartDate              time.Time
	EndDate                time.Time
	LastSchedulingDecision time.Time
	UpdatedAt              time.Time
}

type TaskInstanceRecord struct {
	DAGID          string
	RunID          string
	TaskID         string
	State          string
	Operator       string
	Queue          string
	Pool           string
	PriorityWeight int
	TryNumber      int
	MaxTries       int
	StartDate      time.Time
	EndDate        time.Time
	UpdatedAt      time.Time
}

// TaskInstanceKey identifies one instance across the store and the
// scheduled-instance queue.
type TaskInstanceKey struct {
	DAGID  string
	RunID  string
	TaskID string
}

// RunFilter narrows FindRuns. Zero-valued fields do not filter; a nil
// ExternalTrigger matches both flavors.
type RunFilter struct {
	DAGID           string
	RunIDs          []string
	ExecutionDates  []time.Time
	State           string
	RunType         string
	ExternalTrigger *bool
	NoBackfills     bool
	Limit           int
}

type QueueClaim struct {
	Key       TaskInstanceKey
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}
