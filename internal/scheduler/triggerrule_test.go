package scheduler

import (
	"testing"

	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/state"
)

func ruleTask(rule string, upstream ...string) dag.Task {
	return dag.Task{ID: "t", TriggerRule: rule, UpstreamIDs: upstream}
}

func TestEvaluateTriggerRuleTable(t *testing.T) {
	cases := []struct {
		name     string
		task     dag.Task
		upstream map[string]string
		want     Verdict
	}{
		{"no upstream defaults ready", ruleTask(""), nil, VerdictReady},
		{"all_success ready", ruleTask(dag.TriggerAllSuccess, "a", "b"), map[string]string{"a": state.TaskSuccess, "b": state.TaskSuccess}, VerdictReady},
		{"all_success waits", ruleTask(dag.TriggerAllSuccess, "a", "b"), map[string]string{"a": state.TaskSuccess, "b": state.TaskRunning}, VerdictNotReady},
		{"all_success fails early", ruleTask(dag.TriggerAllSuccess, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskRunning}, VerdictUpstreamFailed},
		{"all_success upstream_failed propagates", ruleTask(dag.TriggerAllSuccess, "a"), map[string]string{"a": state.TaskUpstreamFailed}, VerdictUpstreamFailed},
		{"all_success skips on skipped", ruleTask(dag.TriggerAllSuccess, "a", "b"), map[string]string{"a": state.TaskSkipped, "b": state.TaskSuccess}, VerdictSkipped},
		{"all_failed ready", ruleTask(dag.TriggerAllFailed, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskUpstreamFailed}, VerdictReady},
		{"all_failed skips on success", ruleTask(dag.TriggerAllFailed, "a", "b"), map[string]string{"a": state.TaskSuccess, "b": state.TaskRunning}, VerdictSkipped},
		{"all_done waits", ruleTask(dag.TriggerAllDone, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskRunning}, VerdictNotReady},
		{"all_done ready regardless of outcome", ruleTask(dag.TriggerAllDone, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskSkipped}, VerdictReady},
		{"one_success early ready", ruleTask(dag.TriggerOneSuccess, "a", "b"), map[string]string{"a": state.TaskSuccess, "b": state.TaskRunning}, VerdictReady},
		{"one_success skips when none succeed", ruleTask(dag.TriggerOneSuccess, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskSkipped}, VerdictSkipped},
		{"one_failed early ready", ruleTask(dag.TriggerOneFailed, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskRunning}, VerdictReady},
		{"one_failed skips when none fail", ruleTask(dag.TriggerOneFailed, "a", "b"), map[string]string{"a": state.TaskSuccess, "b": state.TaskSkipped}, VerdictSkipped},
		{"one_failed waits", ruleTask(dag.TriggerOneFailed, "a", "b"), map[string]string{"a": state.TaskSuccess, "b": state.TaskRunning}, VerdictNotReady},
		{"none_failed allows skipped", ruleTask(dag.TriggerNoneFailed, "a", "b"), map[string]string{"a": state.TaskSkipped, "b": state.TaskSuccess}, VerdictReady},
		{"none_failed fails", ruleTask(dag.TriggerNoneFailed, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskSuccess}, VerdictUpstreamFailed},
		{"none_failed_or_skipped skips", ruleTask(dag.TriggerNoneFailedOrSkipped, "a", "b"), map[string]string{"a": state.TaskSkipped, "b": state.TaskSuccess}, VerdictSkipped},
		{"none_skipped skips", ruleTask(dag.TriggerNoneSkipped, "a", "b"), map[string]string{"a": state.TaskSkipped, "b": state.TaskSuccess}, VerdictSkipped},
		{"none_skipped ready on failure", ruleTask(dag.TriggerNoneSkipped, "a", "b"), map[string]string{"a": state.TaskFailed, "b": state.TaskSuccess}, VerdictReady},
		{"dummy always ready", ruleTask(dag.TriggerDummy, "a"), map[string]string{"a": state.TaskRunning}, VerdictReady},
		{"missing upstream counts unfinished", ruleTask(dag.TriggerAllSuccess, "a", "b"), map[string]string{"a": state.TaskSuccess}, VerdictNotReady},
		{"unknown rule with upstream", ruleTask("every_other_friday", "a"), map[string]string{"a": state.TaskSuccess}, VerdictUpstreamFailed},
		{"unknown rule without upstream", ruleTask("every_other_friday"), nil, VerdictUpstreamFailed},
		{"shutdown upstream is unfinished", ruleTask(dag.TriggerAllSuccess, "a"), map[string]string{"a": state.TaskShutdown}, VerdictNotReady},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateTriggerRule(tc.task, tc.upstream)
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
