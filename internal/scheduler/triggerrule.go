package scheduler

import (
	"github.com/wsmolak/airflow/internal/dag"
	"github.com/wsmolak/airflow/internal/state"
)

// Verdict is the trigger-rule evaluator's answer for one task.
type Verdict string

const (
	VerdictReady          Verdict = "ready"
	VerdictNotReady       Verdict = "not_ready"
	VerdictSkipped        Verdict = "skipped"
	VerdictUpstreamFailed Verdict = "upstream_failed"
)

type upstreamStats struct {
	total          int
	successes      int
	skipped        int
	failed         int
	upstreamFailed int
	done           int
}

func gatherUpstream(task dag.Task, states map[string]string) upstreamStats {
	stats := upstreamStats{total: len(task.UpstreamIDs)}
	for _, id := range task.UpstreamIDs {
		st := states[id]
		switch st {
		case state.TaskSuccess:
			stats.successes++
		case state.TaskSkipped:
			stats.skipped++
		case state.TaskFailed:
			stats.failed++
		case state.TaskUpstreamFailed:
			stats.upstreamFailed++
		}
		if state.IsTaskFinished(st) {
			stats.done++
		}
	}
	return stats
}

// EvaluateTriggerRule decides whether a task may run given the states of its
// upstream tasks. A missing upstream instance counts as unfinished. Skip and
// upstream-failed verdicts are returned as soon as the rule is unsatisfiable,
// without waiting for the remaining upstream tasks to finish.
//
// An unrecognized rule value yields an upstream-failed verdict so a
// misconfigured task fails its run instead of hanging it forever.
func EvaluateTriggerRule(task dag.Task, upstreamStates map[string]string) Verdict {
	rule := task.TriggerRule
	if rule == "" {
		rule = dag.TriggerAllSuccess
	}
	if !dag.KnownTriggerRule(rule) {
		return VerdictUpstreamFailed
	}
	if len(task.UpstreamIDs) == 0 {
		return VerdictReady
	}
	s := gatherUpstream(task, upstreamStates)
	anyFailed := s.failed+s.upstreamFailed > 0
	allDone := s.done == s.total

	switch rule {
	case dag.TriggerAllSuccess:
		if anyFailed {
			return VerdictUpstreamFailed
		}
		if s.skipped > 0 {
			return VerdictSkipped
		}
		if s.successes == s.total {
			return VerdictReady
		}
		return VerdictNotReady

	case dag.TriggerAllFailed:
		if s.successes > 0 || s.skipped > 0 {
			return VerdictSkipped
		}
		if s.failed+s.upstreamFailed == s.total {
			return VerdictReady
		}
		return VerdictNotReady

	case dag.TriggerAllDone:
		if allDone {
			return VerdictReady
		}
		return VerdictNotReady

	case dag.TriggerOneSuccess:
		if s.successes > 0 {
			return VerdictReady
		}
		if allDone {
			return VerdictSkipped
		}
		return VerdictNotReady

	case dag.TriggerOneFailed:
		if anyFailed {
			return VerdictReady
		}
		if allDone {
			return VerdictSkipped
		}
		return VerdictNotReady

	case dag.TriggerNoneFailed:
		if anyFailed {
			return VerdictUpstreamFailed
		}
		if allDone {
			return VerdictReady
		}
		return VerdictNotReady

	case dag.TriggerNoneFailedOrSkipped:
		if anyFailed {
			return VerdictUpstreamFailed
		}
		if s.skipped > 0 {
			return VerdictSkipped
		}
		if allDone {
			return VerdictReady
		}
		return VerdictNotReady

	case dag.TriggerNoneSkipped:
		if s.skipped > 0 {
			return VerdictSkipped
		}
		if allDone {
			return VerdictReady
		}
		return VerdictNotReady

	case dag.TriggerDummy:
		return VerdictReady

	default:
		// Unreachable: unknown rules are rejected above.
		return VerdictUpstreamFailed
	}
}
