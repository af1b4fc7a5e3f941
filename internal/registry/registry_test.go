package registry

import "testing"

func testConfig() LaneConfig {
	return LaneConfig{
		IndexK: 2, IndexRecordSize: 8, IndexRingRecords: 4,
		DetailK: 2, DetailRecordSize: 8, DetailRingRecords: 4,
	}
}

func TestRegisterClaimsDistinctSlots(t *testing.T) {
	cfg := testConfig()
	arena := make([]byte, ArenaSize(4, cfg))
	r, err := Create(arena, 4, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seen := map[int]bool{}
	for tid := uint64(1); tid <= 4; tid++ {
		slot, err := r.Register(tid)
		if err != nil {
			t.Fatalf("Register(%d): %v", tid, err)
		}
		if seen[slot.Index()] {
			t.Fatalf("slot %d claimed twice", slot.Index())
		}
		seen[slot.Index()] = true
		if slot.ThreadID() != tid {
			t.Fatalf("thread id = %d, want %d", slot.ThreadID(), tid)
		}
		if !slot.IsActive() {
			t.Fatalf("slot should be active right after register")
		}
	}
	if r.ThreadCount() != 4 {
		t.Fatalf("thread_count = %d, want 4", r.ThreadCount())
	}
}

func TestRegisterFailsWhenFull(t *testing.T) {
	cfg := testConfig()
	arena := make([]byte, ArenaSize(2, cfg))
	r, err := Create(arena, 2, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Register(1); err != nil {
		t.Fatalf("Register(1): %v", err)
	}
	if _, err := r.Register(2); err != nil {
		t.Fatalf("Register(2): %v", err)
	}
	if _, err := r.Register(3); err != ErrNoSlots {
		t.Fatalf("Register(3) err = %v, want ErrNoSlots", err)
	}
}

func TestUnregisterPreservesSlot(t *testing.T) {
	cfg := testConfig()
	arena := make([]byte, ArenaSize(2, cfg))
	r, _ := Create(arena, 2, cfg)
	slot, _ := r.Register(1)
	slot.IndexLane().Write(make([]byte, 8))
	slot.Unregister()

	if slot.IsActive() {
		t.Fatalf("slot should be inactive after Unregister")
	}
	if r.ThreadCount() != 1 {
		t.Fatalf("thread_count must stay monotonic: got %d, want 1", r.ThreadCount())
	}
	if _, err := r.Register(2); err != nil {
		t.Fatalf("Register(2) should still find slot 1 free: %v", err)
	}
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2 (slot 0 stays visible though inactive)", len(snap))
	}
}

func TestSnapshotReflectsLaneStats(t *testing.T) {
	cfg := testConfig()
	arena := make([]byte, ArenaSize(1, cfg))
	r, _ := Create(arena, 1, cfg)
	slot, _ := r.Register(42)
	slot.IndexLane().Write(make([]byte, 8))
	slot.DetailLane().Write(make([]byte, 8))

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if snap[0].IndexStats.EventsWritten != 1 || snap[0].DetailStats.EventsWritten != 1 {
		t.Fatalf("lane stats not reflected in snapshot: %+v", snap[0])
	}
}

func TestAttachValidatesCapacity(t *testing.T) {
	cfg := testConfig()
	arena := make([]byte, ArenaSize(4, cfg))
	if _, err := Create(arena, 4, cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Attach(arena, 8, cfg); err == nil {
		t.Fatalf("Attach with mismatched capacity should fail")
	}
	if _, err := Attach(arena, 4, cfg); err != nil {
		t.Fatalf("Attach with matching capacity should succeed: %v", err)
	}
}
