package dag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type taskSpec struct {
	TaskID             string    `yaml:"task_id"`
	Operator           string    `yaml:"operator"`
	Upstream           []string  `yaml:"upstream"`
	TriggerRule        string    `yaml:"trigger_rule"`
	DependsOnPast      bool      `yaml:"depends_on_past"`
	WaitForDownstream  bool      `yaml:"wait_for_downstream"`
	MaxActiveTIsPerDAG int       `yaml:"max_active_tis_per_dag"`
	StartDate          time.Time `yaml:"start_date"`
	Owner              string    `yaml:"owner"`
	Queue              string    `yaml:"queue"`
	Pool               string    `yaml:"pool"`
	PriorityWeight     int       `yaml:"priority_weight"`
	MaxTries           int       `yaml:"max_tries"`
}

type dagSpec struct {
	DAGID             string     `yaml:"dag_id"`
	Schedule          string     `yaml:"schedule"`
	OnSuccessCallback bool       `yaml:"on_success_callback"`
	OnFailureCallback bool       `yaml:"on_failure_callback"`
	Tasks             []taskSpec `yaml:"tasks"`
}

type dagFile struct {
	DAGs []dagSpec `yaml:"dags"`
}

// Parse decodes one definition file. Every DAG gets defaults applied and is
// validated before it is returned.
func Parse(data []byte, fileLoc string) ([]*DAG, error) {
	var file dagFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse dag file %s: %w", fileLoc, err)
	}
	if len(file.DAGs) == 0 {
		return nil, fmt.Errorf("dag file %s declares no dags", fileLoc)
	}
	out := make([]*DAG, 0, len(file.DAGs))
	for _, spec := range file.DAGs {
		d := &DAG{
			ID:                   strings.TrimSpace(spec.DAGID),
			FileLoc:              fileLoc,
			Schedule:             strings.TrimSpace(spec.Schedule),
			HasOnSuccessCallback: spec.OnSuccessCallback,
			HasOnFailureCallback: spec.OnFailureCallback,
			Tasks:                make([]Task, 0, len(spec.Tasks)),
		}
		for _, ts := range spec.Tasks {
			d.Tasks = append(d.Tasks, Task{
				ID:                 strings.TrimSpace(ts.TaskID),
				Operator:           strings.TrimSpace(ts.Operator),
				UpstreamIDs:        ts.Upstream,
				TriggerRule:        strings.TrimSpace(ts.TriggerRule),
				DependsOnPast:      ts.DependsOnPast,
				WaitForDownstream:  ts.WaitForDownstream,
				MaxActiveTIsPerDAG: ts.MaxActiveTIsPerDAG,
				StartDate:          ts.StartDate,
				Owner:              strings.TrimSpace(ts.Owner),
				Queue:              strings.TrimSpace(ts.Queue),
				Pool:               strings.TrimSpace(ts.Pool),
				PriorityWeight:     ts.PriorityWeight,
				MaxTries:           ts.MaxTries,
			})
		}
		d.ApplyDefaults()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if err := d.ValidateSchedule(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadFile reads and parses one definition file.
func LoadFile(path string) ([]*DAG, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dag file: %w", err)
	}
	return Parse(b, path)
}

// LoadDir parses every .yaml/.yml file directly under dir.
func LoadDir(dir string) ([]*DAG, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dag dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	out := make([]*DAG, 0, len(names))
	for _, name := range names {
		dags, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, dags...)
	}
	return out, nil
}
