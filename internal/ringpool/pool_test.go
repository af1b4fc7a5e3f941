package ringpool

import (
	"encoding/binary"
	"testing"
)

const testRecordSize = 8
const testRingRecords = 4

func newTestPool(t *testing.T, k int) *Pool {
	t.Helper()
	perRing, submitSz, freeSz, countersSz := Sizes(k, testRingRecords, testRecordSize)
	arenas := make([][]byte, k)
	for i := range arenas {
		arenas[i] = make([]byte, perRing)
	}
	p, err := Create(LaneIndex, arenas, testRingRecords, testRecordSize, make([]byte, submitSz), make([]byte, freeSz), make([]byte, countersSz))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func rec(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func TestPoolSwapsToSpareOnFull(t *testing.T) {
	p := newTestPool(t, 4)
	for i := uint64(0); i < testRingRecords; i++ {
		if !p.Write(rec(i)) {
			t.Fatalf("write %d should fit in active ring", i)
		}
	}
	// The ring is now full; the next write triggers a swap to a spare.
	if !p.Write(rec(testRingRecords)) {
		t.Fatalf("write after ring-full should succeed via spare swap")
	}
	idx, ok := p.TakeSubmitted()
	if !ok {
		t.Fatalf("expected a submitted ring after swap")
	}
	if idx != 0 {
		t.Fatalf("submitted ring index = %d, want 0 (the old active)", idx)
	}
	if p.PoolExhaustionCount() != 0 {
		t.Fatalf("pool_exhaustion_count = %d, want 0 (a spare was available)", p.PoolExhaustionCount())
	}
}

func TestPoolDropsOldestWhenExhausted(t *testing.T) {
	p := newTestPool(t, 1) // K=1: no spares ever
	for i := uint64(0); i < testRingRecords; i++ {
		p.Write(rec(i))
	}
	if !p.Write(rec(99)) {
		t.Fatalf("write must never fail: drop-oldest should kick in")
	}
	if p.PoolExhaustionCount() == 0 {
		t.Fatalf("expected pool_exhaustion_count > 0 with K=1")
	}
}

func TestReturnRingMakesItReusable(t *testing.T) {
	p := newTestPool(t, 2)
	for i := uint64(0); i < testRingRecords+1; i++ {
		p.Write(rec(i)) // forces one swap
	}
	idx, ok := p.TakeSubmitted()
	if !ok {
		t.Fatalf("expected submitted ring")
	}
	if !p.ReturnRing(idx) {
		t.Fatalf("ReturnRing should succeed")
	}
	// Fill the now-active (second) ring so it too gets swapped out
	// and the returned ring becomes the new spare pulled on the next swap.
	for i := uint64(0); i < testRingRecords+1; i++ {
		p.Write(rec(100 + i))
	}
	if _, ok := p.TakeSubmitted(); !ok {
		t.Fatalf("expected a second submitted ring reusing the returned index")
	}
}

func TestAttachSeesCreatedPoolState(t *testing.T) {
	k := 2
	perRing, submitSz, freeSz, countersSz := Sizes(k, testRingRecords, testRecordSize)
	arenas := make([][]byte, k)
	for i := range arenas {
		arenas[i] = make([]byte, perRing)
	}
	submitArena := make([]byte, submitSz)
	freeArena := make([]byte, freeSz)
	countersArena := make([]byte, countersSz)
	p, err := Create(LaneIndex, arenas, testRingRecords, testRecordSize, submitArena, freeArena, countersArena)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Write(rec(1))

	attached, err := Attach(LaneIndex, arenas, testRecordSize, submitArena, freeArena, countersArena)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	dst := make([]byte, 8)
	if !attached.Ring(0).Read(dst) {
		t.Fatalf("attached pool should see the write made before attach")
	}
}
