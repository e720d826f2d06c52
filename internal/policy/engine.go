package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wsmolak/airflow/internal/state"
)

// The cluster policy rewrites task instances as they are materialized:
// operators can be pinned to queues or pools and priorities adjusted without
// touching any DAG definition.

type RuleMatch struct {
	DAGID    string `yaml:"dag_id"`
	TaskID   string `yaml:"task_id"`
	Operator string `yaml:"operator"`
	Queue    string `yaml:"queue"`
	Pool     string `yaml:"pool"`
}

type RuleSet struct {
	Queue          string `yaml:"queue"`
	Pool           string `yaml:"pool"`
	PriorityWeight int    `yaml:"priority_weight"`
	MaxTries       int    `yaml:"max_tries"`
}

type Rule struct {
	Name  string    `yaml:"name"`
	Match RuleMatch `yaml:"match"`
	Set   RuleSet   `yaml:"set"`
}

type Config struct {
	Rules []Rule `yaml:"rules"`
}

type Engine struct {
	rules []Rule
	noop  bool
}

func NewNoop() *Engine {
	return &Engine{noop: true}
}

func LoadFromEnv() (*Engine, error) {
	path := strings.TrimSpace(os.Getenv("AIRFLOW_CLUSTER_POLICY_FILE"))
	if path == "" {
		return NewNoop(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse cluster policy file: %w", err)
	}
	return NewFromConfig(cfg), nil
}

func NewFromConfig(cfg Config) *Engine {
	e := &Engine{rules: make([]Rule, 0, len(cfg.Rules))}
	e.rules = append(e.rules, cfg.Rules...)
	if len(e.rules) == 0 {
		e.noop = true
	}
	return e
}

func (e *Engine) IsNoop() bool { return e != nil && e.noop }

// Mutate applies every matching rule in order and reports whether the record
// changed. Later rules override earlier ones field by field.
func (e *Engine) Mutate(rec *state.TaskInstanceRecord) bool {
	if e == nil || e.noop || rec == nil {
		return false
	}
	changed := false
	for _, r := range e.rules {
		if !matches(r.Match, rec) {
			continue
		}
		if q := strings.TrimSpace(r.Set.Queue); q != "" && q != rec.Queue {
			rec.Queue = q
			changed = true
		}
		if p := strings.TrimSpace(r.Set.Pool); p != "" && p != rec.Pool {
			rec.Pool = p
			changed = true
		}
		if r.Set.PriorityWeight > 0 && r.Set.PriorityWeight != rec.PriorityWeight {
			rec.PriorityWeight = r.Set.PriorityWeight
			changed = true
		}
		if r.Set.MaxTries > 0 && r.Set.MaxTries != rec.MaxTries {
			rec.MaxTries = r.Set.MaxTries
			changed = true
		}
	}
	return changed
}

func matches(rule RuleMatch, rec *state.TaskInstanceRecord) bool {
	if rule.DAGID != "" && rule.DAGID != rec.DAGID {
		return false
	}
	if rule.TaskID != "" && rule.TaskID != rec.TaskID {
		return false
	}
	if rule.Operator != "" && rule.Operator != rec.Operator {
		return false
	}
	if rule.Queue != "" && rule.Queue != rec.Queue {
		return false
	}
	if rule.Pool != "" && rule.Pool != rec.Pool {
		return false
	}
	return true
}
