// Package flightrecorder implements a production-grade execution tracer: a
// "black box" flight recorder that captures CALL/RETURN events (and,
// selectively, richer stack/ABI detail) from a running process with
// near-zero steady-state overhead, surviving process crashes because every
// record lands in an append-only on-disk format as it is written.
//
// The core is organized around seven collaborating components: a
// single-producer/single-consumer Ring Buffer (internal/ringbuf), a Ring
// Pool that rotates a fixed set of rings per lane (internal/ringpool), a
// Thread Registry that hands each traced thread its own lane set
// (internal/registry), a Control Block acting as the IPC state machine
// between producers and the consumer (internal/control), a Marking Policy
// plus Detail Window Controller deciding which detail windows survive to
// disk (internal/policy, internal/window), a Drain loop writing the ATF v2
// format (internal/atf, internal/drain), and an ATF v2 reader for
// after-the-fact analysis (internal/atf).
//
// This module never spawns or attaches to a process, and never installs
// instrumentation hooks itself — those are named seams (ProcessLauncher,
// HookInstaller in collaborators.go) a CLI front-end or instrumentation
// layer implements and hands to a Session.
//
// # Quick Start
//
// Embedding the core directly, in a single process, with no external
// launcher/installer (the common case for testing the tracer against
// synthetic events):
//
//	cfg := flightrecorder.DefaultConfig()
//	cfg.SessionID = "demo"
//	cfg.Policy = []policy.Pattern{
//		{Target: policy.TargetMessage, Match: policy.MatchLiteral, Text: "ERROR"},
//	}
//	sess, err := flightrecorder.Create("/var/trace", cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Destroy()
//
//	// One Producer per traced thread, cached by the caller (the
//	// Go-idiomatic substitute for native thread-local storage).
//	tp, err := sess.RegisterThread(threadID)
//	if err != nil {
//		log.Fatal(err)
//	}
//	callID := tp.TraceEnter(functionID, nowNs)
//	tp.TraceReturn(functionID, nowNs)
//
//	stats := sess.GetStats()
//	log.Printf("captured=%d dropped=%d", stats.EventsCaptured, stats.EventsDropped)
//
// # Spawning or attaching to a real target
//
// A CLI front-end supplies its own ProcessLauncher/HookInstaller and drives
// the external-process lifecycle:
//
//	cfg := flightrecorder.DefaultConfig()
//	cfg.Launcher = myLauncher
//	cfg.Installer = myHookInstaller
//	sess, _ := flightrecorder.Create("/var/trace", cfg)
//	pid, err := sess.Spawn(ctx, "/usr/bin/target", []string{"arg0"})
//
// # Reading a finished session
//
// SessionReader parses a finished session's manifest.json, mmaps every
// thread's index.atf/detail.atf, and exposes a single cross-thread iterator
// ordered by timestamp (ties broken by thread registration order):
//
//	sr, err := flightrecorder.OpenSessionReader(bundleDir)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sr.Close()
//	for ev := range sr.MergedIter() {
//		fmt.Println(ev.ThreadID, ev.Event.TimestampNs, ev.Event.FunctionID)
//	}
//
// Individual thread files can still be opened directly when only one
// thread's trace is needed:
//
//	idx, _ := atf.OpenIndexReader(filepath.Join(threadDir, "index.atf"))
//	det, _ := atf.OpenDetailReader(filepath.Join(threadDir, "detail.atf"))
//	trace := &atf.ThreadTrace{ThreadID: id, Index: idx, Detail: det}
//	for ev := range atf.MergedIter([]*atf.ThreadTrace{trace}) { ... }
package flightrecorder
