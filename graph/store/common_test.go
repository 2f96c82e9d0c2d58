package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/langgraph-go/graph/emit"
	"github.com/dshills/langgraph-go/graph/store"
)

// eventPusher is implemented by every backend; pushing an event onto
// the outbox is an engine-internal concern rather than part of the
// public Saver contract, so it is a separate, narrower interface.
type eventPusher interface {
	PushEvent(ctx context.Context, e emit.Event) error
}

func newCheckpoint(threadID, checkpointID, parentID string, step int) store.CheckpointTuple {
	return store.CheckpointTuple{
		SchemaVersion:      store.CurrentSchemaVersion,
		ThreadID:           threadID,
		CheckpointID:       checkpointID,
		ParentCheckpointID: parentID,
		StepID:             step,
		ChannelValues:      map[string]interface{}{"counter": step},
		ChannelVersions:    map[string]uint64{"counter": uint64(step)},
		Metadata:           map[string]interface{}{"source": "test"},
		Timestamp:          time.Unix(int64(1700000000+step), 0).UTC(),
	}
}

// runSaverConformance exercises the Saver contract (spec §4.2) against
// any backend: checkpoint upsert, latest-vs-named lookup, history
// ordering, at-most-once write enforcement, thread deletion, and the
// event outbox. Each backend's _test.go calls this with a fresh Saver.
func runSaverConformance(t *testing.T, newSaver func() store.Saver) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutCheckpoint upsert and latest lookup", func(t *testing.T) {
		s := newSaver()
		threadID := "thread-1"

		if err := s.PutCheckpoint(ctx, newCheckpoint(threadID, "cp-1", "", 1)); err != nil {
			t.Fatalf("PutCheckpoint(cp-1): %v", err)
		}
		if err := s.PutCheckpoint(ctx, newCheckpoint(threadID, "cp-2", "cp-1", 2)); err != nil {
			t.Fatalf("PutCheckpoint(cp-2): %v", err)
		}

		latest, err := s.GetCheckpoint(ctx, threadID, "")
		if err != nil {
			t.Fatalf("GetCheckpoint(latest): %v", err)
		}
		if latest.CheckpointID != "cp-2" {
			t.Errorf("latest checkpoint = %q, want cp-2", latest.CheckpointID)
		}

		named, err := s.GetCheckpoint(ctx, threadID, "cp-1")
		if err != nil {
			t.Fatalf("GetCheckpoint(cp-1): %v", err)
		}
		if named.StepID != 1 {
			t.Errorf("cp-1 StepID = %d, want 1", named.StepID)
		}

		if err := s.PutCheckpoint(ctx, newCheckpoint(threadID, "cp-1", "", 5)); err != nil {
			t.Fatalf("PutCheckpoint(cp-1 update): %v", err)
		}
		updated, err := s.GetCheckpoint(ctx, threadID, "cp-1")
		if err != nil {
			t.Fatalf("GetCheckpoint(cp-1 after update): %v", err)
		}
		if updated.StepID != 5 {
			t.Errorf("cp-1 StepID after update = %d, want 5", updated.StepID)
		}
	})

	t.Run("GetCheckpoint missing thread returns ErrNotFound", func(t *testing.T) {
		s := newSaver()
		_, err := s.GetCheckpoint(ctx, "no-such-thread", "")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListCheckpoints returns oldest first", func(t *testing.T) {
		s := newSaver()
		threadID := "thread-list"
		ids := []string{"cp-a", "cp-b", "cp-c"}
		for i, id := range ids {
			if err := s.PutCheckpoint(ctx, newCheckpoint(threadID, id, "", i+1)); err != nil {
				t.Fatalf("PutCheckpoint(%s): %v", id, err)
			}
		}
		list, err := s.ListCheckpoints(ctx, threadID)
		if err != nil {
			t.Fatalf("ListCheckpoints: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("len(list) = %d, want 3", len(list))
		}
		for i, cp := range list {
			if cp.StepID != i+1 {
				t.Errorf("list[%d].StepID = %d, want %d", i, cp.StepID, i+1)
			}
		}
	})

	t.Run("PutWrites enforces at-most-once per task and channel", func(t *testing.T) {
		s := newSaver()
		threadID, checkpointID := "thread-writes", "cp-writes"

		w := store.PendingWrite{TaskID: "task-1", TaskPath: "root", Channel: "messages", Value: "hello", IdempotencyKey: "sha256:abc"}
		if err := s.PutWrites(ctx, threadID, checkpointID, []store.PendingWrite{w}); err != nil {
			t.Fatalf("PutWrites(first): %v", err)
		}

		if err := s.PutWrites(ctx, threadID, checkpointID, []store.PendingWrite{w}); err != nil {
			t.Fatalf("PutWrites(identical repeat): %v", err)
		}

		conflicting := w
		conflicting.IdempotencyKey = "sha256:different"
		err := s.PutWrites(ctx, threadID, checkpointID, []store.PendingWrite{conflicting})
		if !errors.Is(err, store.ErrIdempotencyViolation) {
			t.Errorf("err = %v, want ErrIdempotencyViolation", err)
		}

		writes, err := s.GetPendingWrites(ctx, threadID, checkpointID)
		if err != nil {
			t.Fatalf("GetPendingWrites: %v", err)
		}
		if len(writes) != 1 {
			t.Fatalf("len(writes) = %d, want 1", len(writes))
		}
	})

	t.Run("DeleteThread removes checkpoints and writes", func(t *testing.T) {
		s := newSaver()
		threadID := "thread-delete"
		if err := s.PutCheckpoint(ctx, newCheckpoint(threadID, "cp-1", "", 1)); err != nil {
			t.Fatalf("PutCheckpoint: %v", err)
		}
		w := store.PendingWrite{TaskID: "t", TaskPath: "root", Channel: "c", Value: 1, IdempotencyKey: "sha256:x"}
		if err := s.PutWrites(ctx, threadID, "cp-1", []store.PendingWrite{w}); err != nil {
			t.Fatalf("PutWrites: %v", err)
		}

		if err := s.DeleteThread(ctx, threadID); err != nil {
			t.Fatalf("DeleteThread: %v", err)
		}

		if _, err := s.GetCheckpoint(ctx, threadID, ""); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetCheckpoint after delete = %v, want ErrNotFound", err)
		}
		writes, err := s.GetPendingWrites(ctx, threadID, "cp-1")
		if err != nil {
			t.Fatalf("GetPendingWrites after delete: %v", err)
		}
		if len(writes) != 0 {
			t.Errorf("len(writes) after delete = %d, want 0", len(writes))
		}
	})

	t.Run("PendingEvents and MarkEventsEmitted", func(t *testing.T) {
		saver := newSaver()
		pusher, ok := saver.(eventPusher)
		if !ok {
			t.Skip("backend does not expose PushEvent")
		}
		e1 := emit.Event{RunID: "run-1", Meta: map[string]interface{}{"event_id": "evt-1"}}
		e2 := emit.Event{RunID: "run-1", Meta: map[string]interface{}{"event_id": "evt-2"}}
		if err := pusher.PushEvent(ctx, e1); err != nil {
			t.Fatalf("PushEvent(e1): %v", err)
		}
		if err := pusher.PushEvent(ctx, e2); err != nil {
			t.Fatalf("PushEvent(e2): %v", err)
		}

		pending, err := saver.PendingEvents(ctx, 10)
		if err != nil {
			t.Fatalf("PendingEvents: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("len(pending) = %d, want 2", len(pending))
		}

		if err := saver.MarkEventsEmitted(ctx, []string{"evt-1"}); err != nil {
			t.Fatalf("MarkEventsEmitted: %v", err)
		}
		remaining, err := saver.PendingEvents(ctx, 10)
		if err != nil {
			t.Fatalf("PendingEvents after mark: %v", err)
		}
		if len(remaining) != 1 || remaining[0].Meta["event_id"] != "evt-2" {
			t.Errorf("remaining events = %+v, want only evt-2", remaining)
		}
	})
}
