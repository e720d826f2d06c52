package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.Mutex
	dags map[string]DAGRecord
	runs map[string]RunRecord
	tis  map[TaskInstanceKey]TaskInstanceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dags: make(map[string]DAGRecord),
		runs: make(map[string]RunRecord),
		tis:  make(map[TaskInstanceKey]TaskInstanceRecord),
	}
}

func runKey(dagID, runID string) string {
	return dagID + "|" + runID
}

func (s *MemoryStore) UpsertDAG(_ context.Context, rec DAGRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.dags[rec.DAGID] = rec
	return nil
}

func (s *MemoryStore) GetDAG(_ context.Context, dagID string) (DAGRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dags[dagID]
	return rec, ok, nil
}

func (s *MemoryStore) ListDAGs(_ context.Context) ([]DAGRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DAGRecord, 0, len(s.dags))
	for _, rec := range s.dags {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DAGID < out[j].DAGID })
	return out, nil
}

func (s *MemoryStore) SetDAGPaused(_ context.Context, dagID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dags[dagID]
	if !ok {
		return ErrNotFound
	}
	rec.IsPaused = paused
	rec.UpdatedAt = time.Now().UTC()
	s.dags[dagID] = rec
	return nil
}

func (s *MemoryStore) CreateRun(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(rec.DAGID, rec.RunID)
	if _, exists := s.runs[key]; exists {
		return ErrDuplicateRun
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	s.runs[key] = rec
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, dagID, runID string) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runKey(dagID, runID)]
	return rec, ok, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(rec.DAGID, rec.RunID)
	if _, ok := s.runs[key]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	s.runs[key] = rec
	return nil
}

func matchesFilter(rec RunRecord, filter RunFilter) bool {
	if filter.DAGID != "" && rec.DAGID != filter.DAGID {
		return false
	}
	if len(filter.RunIDs) > 0 {
		found := false
		for _, id := range filter.RunIDs {
			if rec.RunID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.ExecutionDates) > 0 {
		found := false
		for _, ts := range filter.ExecutionDates {
			if rec.ExecutionDate.Equal(ts) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.State != "" && rec.State != filter.State {
		return false
	}
	if filter.RunType != "" && rec.RunType != filter.RunType {
		return false
	}
	if filter.ExternalTrigger != nil && rec.ExternalTrigger != *filter.ExternalTrigger {
		return false
	}
	if filter.NoBackfills && rec.RunType == RunTypeBackfill {
		return false
	}
	return true
}

func (s *MemoryStore) FindRuns(_ context.Context, filter RunFilter) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for _, rec := range s.runs {
		if matchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionDate.Before(out[j].ExecutionDate) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindDuplicateRun(_ context.Context, dagID, runID string, executionDate time.Time) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.runs {
		if rec.DAGID != dagID {
			continue
		}
		if runID != "" && rec.RunID == runID {
			return rec, true, nil
		}
		if !executionDate.IsZero() && rec.ExecutionDate.Equal(executionDate) {
			return rec, true, nil
		}
	}
	return RunRecord{}, false, nil
}

func (s *MemoryStore) NextExaminableRuns(_ context.Context, runState string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for _, rec := range s.runs {
		if rec.State != runState || rec.RunType == RunTypeBackfill {
			continue
		}
		dag, ok := s.dags[rec.DAGID]
		if !ok || !dag.IsActive || dag.IsPaused {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].LastSchedulingDecision, out[j].LastSchedulingDecision
		if di.IsZero() != dj.IsZero() {
			return di.IsZero()
		}
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ExecutionDate.Before(out[j].ExecutionDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestRuns(_ context.Context) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]RunRecord)
	for _, rec := range s.runs {
		cur, ok := latest[rec.DAGID]
		if !ok || rec.ExecutionDate.After(cur.ExecutionDate) {
			latest[rec.DAGID] = rec
		}
	}
	out := make([]RunRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DAGID < out[j].DAGID })
	return out, nil
}

func (s *MemoryStore) PreviousRun(_ context.Context, dagID string, before time.Time) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev RunRecord
	found := false
	for _, rec := range s.runs {
		if rec.DAGID != dagID || !rec.ExecutionDate.Before(before) {
			continue
		}
		if !found || rec.ExecutionDate.After(prev.ExecutionDate) {
			prev = rec
			found = true
		}
	}
	return prev, found, nil
}

func (s *MemoryStore) CreateTaskInstanceIfAbsent(_ context.Context, rec TaskInstanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TaskInstanceKey{DAGID: rec.DAGID, RunID: rec.RunID, TaskID: rec.TaskID}
	if _, exists := s.tis[key]; exists {
		return false, nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.tis[key] = rec
	return true, nil
}

func (s *MemoryStore) GetTaskInstance(_ context.Context, key TaskInstanceKey) (TaskInstanceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tis[key]
	return rec, ok, nil
}

func (s *MemoryStore) UpdateTaskInstance(_ context.Context, rec TaskInstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TaskInstanceKey{DAGID: rec.DAGID, RunID: rec.RunID, TaskID: rec.TaskID}
	if _, ok := s.tis[key]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	s.tis[key] = rec
	return nil
}

func (s *MemoryStore) ListTaskInstances(_ context.Context, dagID, runID string) ([]TaskInstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskInstanceRecord
	for key, rec := range s.tis {
		if key.DAGID == dagID && key.RunID == runID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *MemoryStore) CountTaskStates(_ context.Context, dagID, taskID string, states []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, rec := range s.tis {
		if key.DAGID != dagID || key.TaskID != taskID {
			continue
		}
		for _, st := range states {
			if rec.State == st {
				count++
				break
			}
		}
	}
	return count, nil
}
