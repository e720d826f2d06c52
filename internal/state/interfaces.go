package state

import (
	"context"
	"time"
)

// Store persists DAG metadata, runs and task instances. Implementations must
// be safe for concurrent use; Get-style methods return (record, false, nil)
// when the record does not exist.
type Store interface {
	UpsertDAG(ctx context.Context, rec DAGRecord) error
	GetDAG(ctx context.Context, dagID string) (DAGRecord, bool, error)
	ListDAGs(ctx context.Context) ([]DAGRecord, error)
	SetDAGPaused(ctx context.Context, dagID string, paused bool) error

	CreateRun(ctx context.Context, rec RunRecord) error
	GetRun(ctx context.Context, dagID, runID string) (RunRecord, bool, error)
	UpdateRun(ctx context.Context, rec RunRecord) error
	// FindRuns returns runs matching the filter ordered by execution date.
	FindRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	// FindDuplicateRun returns a run of the DAG whose run ID or execution
	// date collides with the given values. Empty legs match nothing.
	FindDuplicateRun(ctx context.Context, dagID, runID string, executionDate time.Time) (RunRecord, bool, error)
	// NextExaminableRuns returns up to limit runs in the given state whose
	// DAG is active and unpaused, excluding backfills, ordered by
	// last-scheduling-decision (never examined first) then execution date.
	NextExaminableRuns(ctx context.Context, runState string, limit int) ([]RunRecord, error)
	// LatestRuns returns the newest run of every DAG by execution date.
	LatestRuns(ctx context.Context) ([]RunRecord, error)
	// PreviousRun returns the run of the same DAG immediately before the
	// given execution date.
	PreviousRun(ctx context.Context, dagID string, before time.Time) (RunRecord, bool, error)

	// CreateTaskInstanceIfAbsent inserts the instance unless one already
	// exists for its key, and reports whether the insert happened.
	CreateTaskInstanceIfAbsent(ctx context.Context, rec TaskInstanceRecord) (bool, error)
	GetTaskInstance(ctx context.Context, key TaskInstanceKey) (TaskInstanceRecord, bool, error)
	UpdateTaskInstance(ctx context.Context, rec TaskInstanceRecord) error
	ListTaskInstances(ctx context.Context, dagID, runID string) ([]TaskInstanceRecord, error)
	// CountTaskStates counts instances of one task across every run of the
	// DAG whose state is in states.
	CountTaskStates(ctx context.Context, dagID, taskID string, states []string) (int, error)
}

// Queue hands scheduled task instances to the execution subsystem. Claims are
// leased: a claim that is neither acked nor nacked becomes claimable again
// once its visibility timeout passes, and an instance nacked with reason
// "error" too many times moves to the dead-letter set.
type Queue interface {
	Enqueue(ctx context.Context, key TaskInstanceKey) error
	EnqueueMany(ctx context.Context, keys []TaskInstanceKey) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error)
	Ack(ctx context.Context, claims []QueueClaim) error
	Nack(ctx context.Context, claims []QueueClaim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]TaskInstanceKey, error)
	RequeueDeadLetters(ctx context.Context, keys []TaskInstanceKey) (int, error)
}
