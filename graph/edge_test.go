package graph

import "testing"

func TestAllEdgesFromFiltersBySource(t *testing.T) {
	edges := []Edge{
		{From: "a", To: "b"},
		{From: "a", To: "c"},
		{From: "b", To: "c"},
	}
	out := AllEdgesFrom(edges, "a")
	if len(out) != 2 || out[0].To != "b" || out[1].To != "c" {
		t.Errorf("expected edges a->b and a->c in declaration order, got %v", out)
	}
}

func TestAllEdgesFromNoMatches(t *testing.T) {
	edges := []Edge{{From: "a", To: "b"}}
	if out := AllEdgesFrom(edges, "z"); len(out) != 0 {
		t.Errorf("expected no edges leaving an undeclared source, got %v", out)
	}
}

func TestNilPredicateIsUnconditional(t *testing.T) {
	e := Edge{From: "a", To: "b", When: nil}
	if e.When != nil {
		t.Fatal("expected a literal nil predicate")
	}
}

func TestPredicateEvaluatesAgainstSnapshot(t *testing.T) {
	when := func(snap *Snapshot) bool {
		v, ok := snap.Get("n")
		return ok && v.(int) > 0
	}
	e := Edge{From: "a", To: "b", When: when}

	if !e.When(&Snapshot{Values: map[string]Value{"n": 1}}) {
		t.Error("expected the predicate to fire for n=1")
	}
	if e.When(&Snapshot{Values: map[string]Value{"n": -1}}) {
		t.Error("expected the predicate not to fire for n=-1")
	}
	if e.When(&Snapshot{Values: map[string]Value{}}) {
		t.Error("expected the predicate not to fire when the channel is absent")
	}
}
