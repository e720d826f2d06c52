package observability

import (
	"strings"
	"testing"
	"time"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("task_instance_created-noop", map[string]string{"dag_id": "etl"}, 3)
	r.SetGauge("dead_letter_count", map[string]string{"queue_backend": "memory"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `task_instance_created_noop{dag_id="etl"} 3`) {
		t.Fatalf("missing created counter in output: %s", out)
	}
	if !strings.Contains(out, `dead_letter_count{queue_backend="memory"} 2`) {
		t.Fatalf("missing dead-letter gauge in output: %s", out)
	}
}

func TestObserveTimingAggregates(t *testing.T) {
	r := NewRegistry()
	r.ObserveTiming("dagrun.duration.success.etl", nil, 1500*time.Millisecond)
	r.ObserveTiming("dagrun.duration.success.etl", nil, 500*time.Millisecond)

	snap := r.Snapshot()
	if len(snap.Timings) != 1 {
		t.Fatalf("expected one timing series, got %d", len(snap.Timings))
	}
	p := snap.Timings[0]
	if p.Count != 2 || p.SumMillis != 2000 {
		t.Fatalf("unexpected aggregate: %+v", p)
	}
	if p.MinMillis != 500 || p.MaxMillis != 1500 {
		t.Fatalf("unexpected min/max: %+v", p)
	}

	out := r.RenderPrometheus()
	if !strings.Contains(out, "dagrun_duration_success_etl_count 2") {
		t.Fatalf("missing timing count in output: %s", out)
	}
	if !strings.Contains(out, "dagrun_duration_success_etl_sum_ms 2000") {
		t.Fatalf("missing timing sum in output: %s", out)
	}
}
