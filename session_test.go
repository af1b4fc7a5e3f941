package flightrecorder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agilira/flightrecorder/internal/atf"
	"github.com/agilira/flightrecorder/internal/policy"
)

func TestDestroyWritesManifestWithThreadEntry(t *testing.T) {
	sess, err := Create(t.TempDir(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tp, err := sess.RegisterThread(1)
	if err != nil {
		t.Fatalf("RegisterThread: %v", err)
	}
	tp.TraceEnter(atf.MakeFunctionID(1, 1), 100)
	tp.TraceReturn(atf.MakeFunctionID(1, 1), 200)
	bundleDir := sess.BundleDir()
	if err := sess.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	sr, err := OpenSessionReader(bundleDir)
	if err != nil {
		t.Fatalf("OpenSessionReader: %v", err)
	}
	defer sr.Close()

	threads := sr.Manifest().Threads
	if len(threads) != 1 {
		t.Fatalf("manifest threads = %d, want 1", len(threads))
	}
	if threads[0].ThreadID != 1 {
		t.Fatalf("manifest thread id = %d, want 1", threads[0].ThreadID)
	}
	if threads[0].EventCount != 2 {
		t.Fatalf("manifest event count = %d, want 2", threads[0].EventCount)
	}

	var got []int64
	for ev := range sr.MergedIter() {
		got = append(got, ev.Event.TimestampNs)
	}
	if len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Fatalf("merged events = %v, want [100 200]", got)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SessionID = "unit-test"
	cfg.Capacity = 4
	cfg.IndexRingRecords = 8
	cfg.DetailRingRecords = 4
	cfg.Policy = []policy.Pattern{{Target: policy.TargetMessage, Match: policy.MatchLiteral, Text: "boom"}}
	return cfg
}

func TestCreateBumpsRegistryEpochOnceReady(t *testing.T) {
	sess, err := Create(t.TempDir(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sess.Destroy()

	if got := sess.control.RegistryEpoch(); got != 1 {
		t.Fatalf("RegistryEpoch after Create = %d, want 1", got)
	}
}

func TestCreateRegisterTraceAndDestroy(t *testing.T) {
	sess, err := Create(t.TempDir(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tp, err := sess.RegisterThread(1)
	if err != nil {
		t.Fatalf("RegisterThread: %v", err)
	}
	callID := tp.TraceEnter(atf.MakeFunctionID(1, 1), 100)
	tp.TraceReturn(atf.MakeFunctionID(1, 1), 200)
	_ = callID

	if err := sess.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	indexPath := filepath.Join(sess.BundleDir(), "thread-1", "index.atf")
	ir, err := atf.OpenIndexReader(indexPath)
	if err != nil {
		t.Fatalf("OpenIndexReader: %v", err)
	}
	defer ir.Close()
	if ir.Len() != 2 {
		t.Fatalf("event count = %d, want 2", ir.Len())
	}
}

func TestRegisterThreadExhaustionReturnsCoreError(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 1
	sess, err := Create(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sess.Destroy()

	if _, err := sess.RegisterThread(1); err != nil {
		t.Fatalf("first RegisterThread: %v", err)
	}
	_, err = sess.RegisterThread(2)
	if err == nil {
		t.Fatalf("expected an error once the registry is full")
	}
	var ce *CoreError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a *CoreError, got %T: %v", err, err)
	}
	if ce.Kind != KindRegistryFull {
		t.Fatalf("Kind = %v, want KindRegistryFull", ce.Kind)
	}
}

func TestGetStatsReflectsRegisteredTraffic(t *testing.T) {
	sess, err := Create(t.TempDir(), testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sess.Destroy()

	tp, err := sess.RegisterThread(1)
	if err != nil {
		t.Fatalf("RegisterThread: %v", err)
	}
	tp.TraceEnter(atf.MakeFunctionID(1, 1), 100)
	tp.TraceReturn(atf.MakeFunctionID(1, 1), 200)

	stats := sess.GetStats()
	if stats.ActiveThreads != 1 {
		t.Fatalf("ActiveThreads = %d, want 1", stats.ActiveThreads)
	}
	if stats.EventsCaptured < 2 {
		t.Fatalf("EventsCaptured = %d, want >= 2", stats.EventsCaptured)
	}
}

type fakeInstaller struct {
	symbols int
	err     error
}

func (f *fakeInstaller) InstallHooks(ctx context.Context, pid int) (int, error) {
	return f.symbols, f.err
}

type fakeLauncher struct {
	spawnedPid int
	resumed    bool
}

func (f *fakeLauncher) SpawnSuspended(ctx context.Context, path string, argv []string) (int, error) {
	f.spawnedPid = 42
	return f.spawnedPid, nil
}
func (f *fakeLauncher) Resume(pid int) error                     { f.resumed = true; return nil }
func (f *fakeLauncher) Attach(ctx context.Context, pid int) error { return nil }
func (f *fakeLauncher) Detach(pid int) error                     { return nil }

func TestSpawnInstallsHooksAndResumes(t *testing.T) {
	cfg := testConfig()
	installer := &fakeInstaller{symbols: 12}
	launcher := &fakeLauncher{}
	cfg.Installer = installer
	cfg.Launcher = launcher
	sess, err := Create(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer sess.Destroy()

	pid, err := sess.Spawn(context.Background(), "/bin/true", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid != 42 {
		t.Fatalf("pid = %d, want 42", pid)
	}
	if !launcher.resumed {
		t.Fatalf("expected Resume to be called after hooks installed")
	}
	if sess.GetStats().HooksInstalled != 12 {
		t.Fatalf("HooksInstalled = %d, want 12", sess.GetStats().HooksInstalled)
	}
}

// TestDrainResolvesDetailLinkAcrossTicks exercises the case where the
// Detail lane submits a ring well before the CALL event it belongs to
// drains off the Index lane: the Detail ring is 1 record deep and fills
// immediately, while the Index ring (8 records) stays active across the
// forced tick in between. The CALL's detail_seq must still resolve once
// the Index ring is finally force-submitted at Destroy.
func TestDrainResolvesDetailLinkAcrossTicks(t *testing.T) {
	cfg := testConfig()
	cfg.DetailRingRecords = 1
	cfg.Policy = []policy.Pattern{{Target: policy.TargetSymbol, Match: policy.MatchLiteral, Text: "marked"}}

	sess, err := Create(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tp, err := sess.RegisterThread(7)
	if err != nil {
		t.Fatalf("RegisterThread: %v", err)
	}

	fnID := atf.MakeFunctionID(1, 1)
	callID := tp.TraceEnter(fnID, 100)
	tp.TraceDetail(callID, 1, policy.Probe{Symbol: "marked"}, 100, []byte("abi-snapshot"))

	// Force a tick now and wait for it to actually run: the Detail ring
	// (capacity 1) is already full and submitted, but the Index ring
	// (capacity 8) holds only the one CALL event and stays active, so this
	// tick drains Detail into pending without an Index counterpart to
	// resolve it against. A Detail record parked in pending adds nothing
	// to bytes_written, so the wait is on the submitted Detail ring (ring
	// 0) being read empty; that confirms the tick ran before Destroy's
	// final forced drain, so the CALL event's detail_seq can only resolve
	// if pending survived across the two separate drainSlot calls.
	sess.DrainEvents()
	detailRing := tp.Slot().DetailLane().Ring(0)
	deadline := time.Now().Add(2 * time.Second)
	for detailRing.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("drain tick never processed the submitted Detail ring")
		}
		time.Sleep(time.Millisecond)
	}

	bundleDir := sess.BundleDir()
	if err := sess.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	sr, err := OpenSessionReader(bundleDir)
	if err != nil {
		t.Fatalf("OpenSessionReader: %v", err)
	}
	defer sr.Close()

	trace, ok := sr.Trace(7)
	if !ok {
		t.Fatalf("no trace recorded for thread 7")
	}
	events, err := trace.Index.Range(0, trace.Index.Len())
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("index events = %d, want 1", len(events))
	}

	hdr, payload, ok := trace.GetDetailFor(events[0])
	if !ok {
		t.Fatalf("CALL event has no resolved detail link; bidirectional correlation across ticks failed")
	}
	if string(payload) != "abi-snapshot" {
		t.Fatalf("detail payload = %q, want %q", payload, "abi-snapshot")
	}
	if _, ok := trace.GetIndexFor(hdr); !ok {
		t.Fatalf("detail record's index_seq does not resolve back to the CALL event")
	}

	windowFile := filepath.Join(bundleDir, "window_metadata.jsonl")
	data, err := os.ReadFile(windowFile)
	if err != nil {
		t.Fatalf("read window_metadata.jsonl: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		t.Fatalf("expected a persisted window_metadata.jsonl entry for a marked window")
	}
}

// TestDrainDiscardsUnmarkedWindowAcrossTicks mirrors the above but with a
// policy that never matches: the Detail ring's single record is discarded
// rather than persisted, and the CALL event drains with no detail link.
func TestDrainDiscardsUnmarkedWindowAcrossTicks(t *testing.T) {
	cfg := testConfig()
	cfg.DetailRingRecords = 1
	cfg.Policy = nil // empty policy: every window is discarded

	sess, err := Create(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tp, err := sess.RegisterThread(9)
	if err != nil {
		t.Fatalf("RegisterThread: %v", err)
	}

	fnID := atf.MakeFunctionID(2, 2)
	callID := tp.TraceEnter(fnID, 100)
	tp.TraceDetail(callID, 1, policy.Probe{Symbol: "unrelated"}, 100, []byte("abi-snapshot"))
	sess.DrainEvents()

	if got := sess.GetStats().WindowsDiscarded; got == 0 {
		t.Fatalf("WindowsDiscarded = %d, want > 0", got)
	}

	bundleDir := sess.BundleDir()
	if err := sess.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	sr, err := OpenSessionReader(bundleDir)
	if err != nil {
		t.Fatalf("OpenSessionReader: %v", err)
	}
	defer sr.Close()

	trace, ok := sr.Trace(9)
	if !ok {
		t.Fatalf("no trace recorded for thread 9")
	}
	events, err := trace.Index.Range(0, trace.Index.Len())
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("index events = %d, want 1", len(events))
	}
	if _, _, ok := trace.GetDetailFor(events[0]); ok {
		t.Fatalf("discarded window's Detail record should not be linked from the CALL event")
	}

	data, err := os.ReadFile(filepath.Join(bundleDir, "window_metadata.jsonl"))
	if err != nil {
		t.Fatalf("read window_metadata.jsonl: %v", err)
	}
	if len(bytes.TrimSpace(data)) != 0 {
		t.Fatalf("discarded window should not have a window_metadata.jsonl entry, got %q", data)
	}
}
