package producer

import (
	"testing"

	"github.com/agilira/flightrecorder/internal/atf"
	"github.com/agilira/flightrecorder/internal/control"
	"github.com/agilira/flightrecorder/internal/policy"
	"github.com/agilira/flightrecorder/internal/registry"
)

func testLaneConfig() registry.LaneConfig {
	return registry.LaneConfig{
		IndexK:            2,
		IndexRecordSize:   IndexRecordSize,
		IndexRingRecords:  8,
		DetailK:           2,
		DetailRecordSize:  DetailRecordSize,
		DetailRingRecords: 8,
	}
}

func newTestSlot(t *testing.T) *registry.Slot {
	t.Helper()
	cfg := testLaneConfig()
	arena := make([]byte, registry.ArenaSize(4, cfg))
	reg, err := registry.Create(arena, 4, cfg)
	if err != nil {
		t.Fatalf("registry.Create: %v", err)
	}
	slot, err := reg.Register(42)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return slot
}

func TestIndexRecordRoundTrips(t *testing.T) {
	e := atf.IndexEvent{
		TimestampNs: 12345,
		FunctionID:  atf.MakeFunctionID(1, 7),
		ThreadID:    42,
		EventKind:   atf.EventCall,
		CallDepth:   3,
		DetailSeq:   atf.NoSeq,
	}
	var buf [IndexRecordSize]byte
	EncodeIndexRecord(buf[:], e, CallID(99))
	gotEvent, gotCallID := DecodeIndexRecord(buf[:])
	if gotEvent != e {
		t.Fatalf("event round-trip mismatch: got %+v, want %+v", gotEvent, e)
	}
	if gotCallID != 99 {
		t.Fatalf("callID round-trip mismatch: got %d, want 99", gotCallID)
	}
}

func TestDetailRecordRoundTripsAndTruncates(t *testing.T) {
	payload := make([]byte, MaxDetailPayload+50)
	for i := range payload {
		payload[i] = byte(i)
	}
	var buf [DetailRecordSize]byte
	EncodeDetailRecord(buf[:], CallID(5), 2, payload)
	callID, eventType, got := DecodeDetailRecord(buf[:])
	if callID != 5 || eventType != 2 {
		t.Fatalf("header mismatch: callID=%d eventType=%d", callID, eventType)
	}
	if len(got) != MaxDetailPayload {
		t.Fatalf("payload len = %d, want %d (truncated)", len(got), MaxDetailPayload)
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("payload byte %d = %d, want %d", i, b, byte(i))
		}
	}
}

func TestTraceEnterAndReturnAssignDistinctCallIDs(t *testing.T) {
	slot := newTestSlot(t)
	block := control.New(make([]byte, control.Size), nil)
	modeCtl := control.NewModeController(block, control.DefaultStallTimeout, control.DefaultStallTolerance)
	tp := New(slot, 42, modeCtl, nil, nil)

	enter := tp.TraceEnter(atf.MakeFunctionID(1, 1), 100)
	ret := tp.TraceReturn(atf.MakeFunctionID(1, 1), 200)
	if enter == ret {
		t.Fatalf("expected distinct CallIDs for enter (%d) and return (%d)", enter, ret)
	}

	ring := slot.IndexLane().ActiveRing()
	if ring.Len() != 2 {
		t.Fatalf("expected 2 records written to the active index ring, got %d", ring.Len())
	}
}

func TestReentrantTraceEnterShortCircuits(t *testing.T) {
	slot := newTestSlot(t)
	block := control.New(make([]byte, control.Size), nil)
	modeCtl := control.NewModeController(block, control.DefaultStallTimeout, control.DefaultStallTolerance)
	tp := New(slot, 42, modeCtl, nil, nil)

	// Simulate a hook re-entering TraceEnter from inside itself (e.g. an
	// instrumented allocator invoked while encoding the outer event): push
	// the reentrancy counter manually the way enterReentrant would on a
	// nested call, then verify the nested call is a no-op.
	if !tp.enterReentrant() {
		t.Fatalf("outermost enterReentrant must report true")
	}
	nested := tp.TraceEnter(atf.MakeFunctionID(1, 1), 100)
	if nested != NoCallID {
		t.Fatalf("nested TraceEnter should short-circuit to NoCallID, got %d", nested)
	}
	tp.exitReentrant()

	ring := slot.IndexLane().ActiveRing()
	if ring.Len() != 0 {
		t.Fatalf("reentrant call must not write to the ring, got %d records", ring.Len())
	}

	outer := tp.TraceEnter(atf.MakeFunctionID(1, 1), 100)
	if outer == NoCallID {
		t.Fatalf("non-reentrant TraceEnter must not short-circuit")
	}
}

func TestTraceDetailFeedsWindowController(t *testing.T) {
	slot := newTestSlot(t)
	block := control.New(make([]byte, control.Size), nil)
	modeCtl := control.NewModeController(block, control.DefaultStallTimeout, control.DefaultStallTolerance)
	pol, err := policy.New([]policy.Pattern{{Target: policy.TargetMessage, Match: policy.MatchLiteral, Text: "boom"}})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	tp := New(slot, 42, modeCtl, pol, nil)

	callID := tp.TraceEnter(atf.MakeFunctionID(1, 1), 100)
	tp.TraceDetail(callID, 1, policy.Probe{Message: "it went boom"}, 101, []byte("payload"))

	cur := tp.WindowController().Current()
	if cur == nil {
		t.Fatalf("expected an open window after TraceDetail")
	}
	if !cur.MarkSeen() {
		t.Fatalf("expected mark_seen after a matching probe")
	}
}
