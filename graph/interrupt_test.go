package graph

import "testing"

func TestSentinelIDDeterministicAcrossReplays(t *testing.T) {
	id1 := sentinelID("task-path-1", 0)
	id2 := sentinelID("task-path-1", 0)
	if id1 != id2 {
		t.Errorf("expected stable sentinel id across replays, got %q and %q", id1, id2)
	}
	if id1[:5] != "intr_" {
		t.Errorf("expected sentinel id to carry intr_ prefix, got %q", id1)
	}
}

func TestSentinelIDDiffersByOrdinalAndPath(t *testing.T) {
	base := sentinelID("task-path-1", 0)
	if sentinelID("task-path-1", 1) == base {
		t.Error("expected different ordinal to produce a different sentinel id")
	}
	if sentinelID("task-path-2", 0) == base {
		t.Error("expected different task path to produce a different sentinel id")
	}
}

func TestInterruptRegistryRaiseTracksPending(t *testing.T) {
	reg := NewInterruptRegistry()
	it := reg.Raise("p1", "ask-human", "question?")
	pending := reg.Pending()
	if len(pending) != 1 || pending[0].SentinelID != it.SentinelID {
		t.Fatalf("expected the raised interrupt to be pending, got %v", pending)
	}
	if it.Payload != "question?" {
		t.Errorf("expected payload to round-trip, got %v", it.Payload)
	}
}

func TestInterruptRegistryRaiseIncrementsOrdinalPerPath(t *testing.T) {
	reg := NewInterruptRegistry()
	first := reg.Raise("p1", "node-a", "q1")
	second := reg.Raise("p1", "node-a", "q2")
	if first.Ordinal != 0 || second.Ordinal != 1 {
		t.Errorf("expected ordinals 0 then 1 for the same task path, got %d then %d", first.Ordinal, second.Ordinal)
	}
	if first.SentinelID == second.SentinelID {
		t.Error("expected distinct sentinel ids for successive interrupts on the same path")
	}
}

func TestInterruptRegistryResumeMovesToResolved(t *testing.T) {
	reg := NewInterruptRegistry()
	it := reg.Raise("p1", "node-a", "q")
	resumed, err := reg.Resume(it.SentinelID, "answer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resumed.Resumed || resumed.ResumeValue != "answer" {
		t.Errorf("expected resumed interrupt to carry the resume value, got %+v", resumed)
	}
	if len(reg.Pending()) != 0 {
		t.Error("expected no pending interrupts after resume")
	}
}

func TestInterruptRegistryResumeEmptySentinelRequiresExactlyOnePending(t *testing.T) {
	reg := NewInterruptRegistry()
	if _, err := reg.Resume("", "value"); err == nil {
		t.Fatal("expected an error resuming an empty sentinel id with zero pending interrupts")
	}

	reg.Raise("p1", "node-a", "q1")
	if _, err := reg.Resume("", "answer"); err != nil {
		t.Fatalf("expected empty sentinel id to resolve the single pending interrupt, got %v", err)
	}

	reg2 := NewInterruptRegistry()
	reg2.Raise("p1", "node-a", "q1")
	reg2.Raise("p2", "node-b", "q2")
	if _, err := reg2.Resume("", "answer"); err == nil {
		t.Fatal("expected an error resuming an empty sentinel id with more than one interrupt pending")
	}
}

func TestInterruptRegistryResumeUnknownSentinelFails(t *testing.T) {
	reg := NewInterruptRegistry()
	if _, err := reg.Resume("intr_nonexistent", "value"); err == nil {
		t.Fatal("expected an error resuming an unknown sentinel id")
	}
}

func TestInterruptRegistryCheckOrRaiseFirstCallPauses(t *testing.T) {
	reg := NewInterruptRegistry()
	v, resumed := reg.CheckOrRaise("p1", "node-a", "question")
	if resumed {
		t.Fatal("expected the first CheckOrRaise call to report not resumed")
	}
	if v != nil {
		t.Errorf("expected nil value on first call, got %v", v)
	}
	if len(reg.Pending()) != 1 {
		t.Error("expected CheckOrRaise to have raised a pending interrupt")
	}
}

func TestInterruptRegistryCheckOrRaiseReturnsResumedValueAfterResume(t *testing.T) {
	reg := NewInterruptRegistry()
	reg.CheckOrRaise("p1", "node-a", "question")
	it, _ := reg.Lookup(sentinelID("p1", 0))
	if _, err := reg.Resume(it.SentinelID, "42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.ResetTaskPath("p1")

	v, resumed := reg.CheckOrRaise("p1", "node-a", "question")
	if !resumed {
		t.Fatal("expected CheckOrRaise to report resumed after the registry's ordinal was reset")
	}
	if v != "42" {
		t.Errorf("expected resumed value 42, got %v", v)
	}
}

func TestInterruptRegistryResetTaskPathReplaysOrdinalsFromZero(t *testing.T) {
	reg := NewInterruptRegistry()
	reg.CheckOrRaise("p1", "node-a", "q1")
	it1, _ := reg.Lookup(sentinelID("p1", 0))
	reg.Resume(it1.SentinelID, "a1")

	reg.ResetTaskPath("p1")
	v1, resumed1 := reg.CheckOrRaise("p1", "node-a", "q1")
	if !resumed1 || v1 != "a1" {
		t.Fatalf("expected first call after reset to replay resolved answer, got (%v, %v)", v1, resumed1)
	}
	_, resumed2 := reg.CheckOrRaise("p1", "node-a", "q2")
	if resumed2 {
		t.Fatal("expected the second, never-resolved ordinal to pause again")
	}
}

func TestInterruptRegistryTaskPaths(t *testing.T) {
	reg := NewInterruptRegistry()
	reg.Raise("p1", "node-a", nil)
	reg.Raise("p2", "node-b", nil)
	paths := reg.TaskPaths()
	if len(paths) != 2 {
		t.Errorf("expected 2 distinct task paths, got %v", paths)
	}
}

func TestInterruptRegistryMarshalRestoreRoundTrip(t *testing.T) {
	reg := NewInterruptRegistry()
	pending := reg.Raise("p1", "node-a", "still-waiting")
	resolvedIt := reg.Raise("p2", "node-b", "answered")
	reg.Resume(resolvedIt.SentinelID, "resume-value")

	restored := RestoreInterruptRegistry(reg.MarshalState())

	if got, ok := restored.Lookup(pending.SentinelID); !ok || got.Resumed {
		t.Errorf("expected pending interrupt to survive round trip unresolved, got %+v ok=%v", got, ok)
	}
	got, ok := restored.Lookup(resolvedIt.SentinelID)
	if !ok || !got.Resumed || got.ResumeValue != "resume-value" {
		t.Errorf("expected resolved interrupt to survive round trip with its resume value, got %+v ok=%v", got, ok)
	}
}

func TestInterruptGateCheckDelegatesToRegistry(t *testing.T) {
	reg := NewInterruptRegistry()
	gate := &InterruptGate{taskPath: "p1", nodeID: "node-a", reg: reg}

	v, ok := gate.Check("question")
	if ok {
		t.Fatal("expected first Check to report not resumed")
	}
	if v != nil {
		t.Errorf("expected nil value before resume, got %v", v)
	}

	it, found := reg.Lookup(sentinelID("p1", 0))
	if !found {
		t.Fatal("expected Check to have raised a pending interrupt in the registry")
	}
	if _, err := reg.Resume(it.SentinelID, "answer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.ResetTaskPath("p1")

	v, ok = gate.Check("question")
	if !ok || v != "answer" {
		t.Errorf("expected gate to surface the resumed value, got (%v, %v)", v, ok)
	}
}
