package graph

import "testing"

func TestNewStateDeclaresEveryChannel(t *testing.T) {
	s, err := NewState([]ChannelSpec{
		{Name: "a", Rule: RuleLastValue},
		{Name: "b", Rule: RuleTopic},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := s.ChannelNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("expected sorted [a b], got %v", names)
	}
}

func TestNewStateRejectsAccumulatorWithoutOperator(t *testing.T) {
	_, err := NewState([]ChannelSpec{{Name: "sum", Rule: RuleAccumulator}})
	if err == nil {
		t.Fatal("expected an error declaring an accumulator channel with no operator")
	}
}

func TestNewStateRejectsNamedBarrierWithoutWriters(t *testing.T) {
	_, err := NewState([]ChannelSpec{{Name: "barrier", Rule: RuleNamedBarrier}})
	if err == nil {
		t.Fatal("expected an error declaring a named-barrier channel with no writers")
	}
}

func TestStateChannelLookup(t *testing.T) {
	s, err := NewState([]ChannelSpec{{Name: "out", Rule: RuleLastValue}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch, ok := s.Channel("out")
	if !ok || ch.Rule() != RuleLastValue {
		t.Errorf("expected declared channel out with RuleLastValue, got ok=%v rule=%v", ok, ch)
	}
	if _, ok := s.Channel("missing"); ok {
		t.Error("expected lookup of an undeclared channel to report false")
	}
}

func TestStateVersionsReflectsEveryChannel(t *testing.T) {
	s, err := NewState([]ChannelSpec{
		{Name: "a", Rule: RuleLastValue},
		{Name: "b", Rule: RuleLastValue},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Apply([]TaskWrite{{TaskID: "t1", TaskPath: "p1", Channel: "a", Value: "x"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	versions := s.Versions()
	if versions["a"] != 1 {
		t.Errorf("expected channel a at version 1 after one write, got %d", versions["a"])
	}
	if versions["b"] != 0 {
		t.Errorf("expected channel b unchanged at version 0, got %d", versions["b"])
	}
}

func TestSnapshotOmitsUnavailableNamedBarrier(t *testing.T) {
	s, err := NewState([]ChannelSpec{{Name: "barrier", Rule: RuleNamedBarrier, Writers: []string{"a", "b"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := s.Snapshot()
	if _, ok := snap.Values["barrier"]; ok {
		t.Error("expected an unfired named-barrier channel to be omitted from the snapshot")
	}

	if _, err := s.Apply([]TaskWrite{
		{TaskID: "a", TaskPath: "pa", Channel: "barrier", Value: 1},
		{TaskID: "b", TaskPath: "pb", Channel: "barrier", Value: 2},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap = s.Snapshot()
	if _, ok := snap.Values["barrier"]; !ok {
		t.Error("expected the barrier channel to appear in the snapshot once every writer has committed")
	}
}

func TestSnapshotGet(t *testing.T) {
	snap := &Snapshot{Values: map[string]Value{"x": 1}}
	v, ok := snap.Get("x")
	if !ok || v != 1 {
		t.Errorf("expected (1, true), got (%v, %v)", v, ok)
	}
	if _, ok := snap.Get("missing"); ok {
		t.Error("expected Get of an absent key to report false")
	}
}

func TestStateEndStepClearsUntracked(t *testing.T) {
	s, err := NewState([]ChannelSpec{{Name: "scratch", Rule: RuleUntracked}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Apply([]TaskWrite{{TaskID: "t1", TaskPath: "p1", Channel: "scratch", Value: "visible"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := s.Snapshot().Values["scratch"]; !ok || v != "visible" {
		t.Fatalf("expected scratch visible within its own step, got (%v, %v)", v, ok)
	}
	s.EndStep()
	if _, ok := s.Snapshot().Values["scratch"]; ok {
		t.Error("expected EndStep to clear an untracked channel")
	}
}
