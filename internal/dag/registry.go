package dag

import (
	"context"
	"sort"
	"sync"

	"github.com/wsmolak/airflow/internal/state"
)

// Registry holds the parsed dag bag. It is the definition collaborator the
// run-state engine reads task metadata from; the persisted dags table only
// mirrors activation and pause flags.
type Registry struct {
	mu   sync.RWMutex
	dags map[string]*DAG
}

func NewRegistry() *Registry {
	return &Registry{dags: make(map[string]*DAG)}
}

func (r *Registry) Register(d *DAG) error {
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dags[d.ID] = d
	return nil
}

// ReplaceAll swaps the whole dag bag, as after a reload from disk or bucket.
func (r *Registry) ReplaceAll(dags []*DAG) error {
	next := make(map[string]*DAG, len(dags))
	for _, d := range dags {
		d.ApplyDefaults()
		if err := d.Validate(); err != nil {
			return err
		}
		next[d.ID] = d
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dags = next
	return nil
}

func (r *Registry) Get(dagID string) (*DAG, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dags[dagID]
	return d, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.dags))
	for id := range r.dags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sync upserts every registered DAG as active in the store, preserving pause
// flags, and deactivates stored DAGs that left the bag.
func (r *Registry) Sync(ctx context.Context, store state.Store) error {
	r.mu.RLock()
	dags := make([]*DAG, 0, len(r.dags))
	for _, d := range r.dags {
		dags = append(dags, d)
	}
	r.mu.RUnlock()

	present := make(map[string]bool, len(dags))
	for _, d := range dags {
		present[d.ID] = true
		rec := state.DAGRecord{DAGID: d.ID, FileLoc: d.FileLoc, IsActive: true}
		if existing, ok, err := store.GetDAG(ctx, d.ID); err != nil {
			return err
		} else if ok {
			rec.IsPaused = existing.IsPaused
		}
		if err := store.UpsertDAG(ctx, rec); err != nil {
			return err
		}
	}

	stored, err := store.ListDAGs(ctx)
	if err != nil {
		return err
	}
	for _, rec := range stored {
		if present[rec.DAGID] || !rec.IsActive {
			continue
		}
		rec.IsActive = false
		if err := store.UpsertDAG(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
