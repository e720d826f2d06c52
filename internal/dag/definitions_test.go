package dag

import (
	"reflect"
	"testing"
)

func diamond() *DAG {
	return &DAG{
		ID: "diamond",
		Tasks: []Task{
			{ID: "a"},
			{ID: "b", UpstreamIDs: []string{"a"}},
			{ID: "c", UpstreamIDs: []string{"a"}},
			{ID: "d", UpstreamIDs: []string{"b", "c"}},
		},
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	d := diamond()
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	cases := []struct {
		name string
		d    *DAG
	}{
		{"unknown upstream", &DAG{ID: "x", Tasks: []Task{{ID: "a", UpstreamIDs: []string{"ghost"}}}}},
		{"duplicate task", &DAG{ID: "x", Tasks: []Task{{ID: "a"}, {ID: "a"}}}},
		{"self dependency", &DAG{ID: "x", Tasks: []Task{{ID: "a", UpstreamIDs: []string{"a"}}}}},
		{"cycle", &DAG{ID: "x", Tasks: []Task{
			{ID: "a", UpstreamIDs: []string{"b"}},
			{ID: "b", UpstreamIDs: []string{"a"}},
		}}},
		{"empty", &DAG{ID: "x"}},
	}
	for _, tc := range cases {
		if err := tc.d.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateKeepsUnknownTriggerRules(t *testing.T) {
	d := &DAG{ID: "x", Tasks: []Task{{ID: "a", TriggerRule: "whatever"}}}
	if err := d.Validate(); err != nil {
		t.Fatalf("unknown trigger rule must not fail validation: %v", err)
	}
	if KnownTriggerRule("whatever") {
		t.Fatalf("whatever must not be a known rule")
	}
	if !KnownTriggerRule(TriggerOneFailed) {
		t.Fatalf("one_failed must be known")
	}
}

func TestTopoOrderDownstreamAndLeaves(t *testing.T) {
	d := diamond()
	order := d.TopoOrder()
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("topo order: got %v want %v", order, want)
	}

	down := d.Downstream()
	if !reflect.DeepEqual(down["a"], []string{"b", "c"}) {
		t.Fatalf("downstream of a: %v", down["a"])
	}
	if len(down["d"]) != 0 {
		t.Fatalf("d must have no downstream, got %v", down["d"])
	}

	if leaves := d.Leaves(); !reflect.DeepEqual(leaves, []string{"d"}) {
		t.Fatalf("leaves: %v", leaves)
	}
}

func TestApplyDefaults(t *testing.T) {
	d := &DAG{ID: "x", Tasks: []Task{{ID: "a"}}}
	d.ApplyDefaults()
	got := d.Tasks[0]
	if got.TriggerRule != TriggerAllSuccess {
		t.Fatalf("default trigger rule: %s", got.TriggerRule)
	}
	if got.Queue != "default" || got.Pool != "default_pool" || got.PriorityWeight != 1 {
		t.Fatalf("defaults not applied: %+v", got)
	}
}
