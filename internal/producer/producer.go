// Package producer implements the hot-path producer API (§4.1-§4.5's
// "producer" side, informally C-between-the-lines): the calls an
// instrumentation collaborator's hook callback makes on function entry,
// return, and (conditionally) detail capture. It owns the wire encoding
// used inside the Index/Detail rings, the thread-local correlation id that
// lets the drain loop pair an Index event with its Detail event, and the
// window-controller plumbing that decides whether a Detail window survives
// to disk.
//
// A *ThreadProducer is the Go-idiomatic substitute for native thread-local
// storage (§4.3: "subsequent lane access <10ns, pure TLS load"): the
// instrumentation collaborator calls Session.RegisterThread (which claims a
// registry slot and calls New) once per thread (typically
// pinned via runtime.LockOSThread, or the goroutine driving a cgo
// callback) and caches the returned *ThreadProducer itself — a plain
// struct field read, no TLS API needed.
package producer

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/agilira/flightrecorder/internal/atf"
	"github.com/agilira/flightrecorder/internal/control"
	"github.com/agilira/flightrecorder/internal/policy"
	"github.com/agilira/flightrecorder/internal/registry"
	"github.com/agilira/flightrecorder/internal/window"
)

// MaxDetailPayload bounds a single Detail event's payload (§3: "truncated
// stack snapshot (<=256 bytes)").
const MaxDetailPayload = 256

// IndexRecordSize / DetailRecordSize are the fixed ring-transport record
// sizes: the on-disk IndexEvent (32B) plus an 8-byte in-flight correlation
// id for IndexRecordSize; a correlation id, event type, and the maximum
// payload for DetailRecordSize. These are ring sizes, not on-disk sizes —
// the on-disk ATF layouts (§4.6) are exactly what §3 specifies regardless
// of how a record travels through the ring.
const (
	IndexRecordSize  = atf.IndexEventSize + 8
	DetailRecordSize = 8 + 4 + 4 + MaxDetailPayload
)

// CallID correlates one traced call's Index event with its (optional)
// Detail event across the two independent SPSC rings. Assigned by the
// producer, consumed only by the drain loop; never written to disk.
type CallID = uint64

// NoCallID is returned by TraceEnter/TraceReturn when a reentrant call is
// short-circuited to a no-op (§6, §9's "inner reentrant calls short-circuit
// to a no-op").
const NoCallID CallID = ^uint64(0)

// EncodeIndexRecord packs an on-disk IndexEvent plus its correlation id
// into a ring-sized record.
func EncodeIndexRecord(dst []byte, e atf.IndexEvent, callID CallID) {
	atf.EncodeIndexEvent(dst[:atf.IndexEventSize], e)
	binary.LittleEndian.PutUint64(dst[atf.IndexEventSize:atf.IndexEventSize+8], callID)
}

// DecodeIndexRecord is the drain-side mirror of EncodeIndexRecord.
func DecodeIndexRecord(src []byte) (atf.IndexEvent, CallID) {
	e := atf.DecodeIndexEvent(src[:atf.IndexEventSize])
	callID := binary.LittleEndian.Uint64(src[atf.IndexEventSize : atf.IndexEventSize+8])
	return e, callID
}

// EncodeDetailRecord packs a correlation id, event type, and payload into a
// fixed-size ring record. payload longer than MaxDetailPayload is
// truncated (§3).
func EncodeDetailRecord(dst []byte, callID CallID, eventType uint32, payload []byte) {
	if len(payload) > MaxDetailPayload {
		payload = payload[:MaxDetailPayload]
	}
	binary.LittleEndian.PutUint64(dst[0:8], callID)
	binary.LittleEndian.PutUint32(dst[8:12], eventType)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(len(payload)))
	copy(dst[16:16+len(payload)], payload)
	for i := 16 + len(payload); i < len(dst); i++ {
		dst[i] = 0
	}
}

// DecodeDetailRecord is the drain-side mirror of EncodeDetailRecord.
func DecodeDetailRecord(src []byte) (callID CallID, eventType uint32, payload []byte) {
	callID = binary.LittleEndian.Uint64(src[0:8])
	eventType = binary.LittleEndian.Uint32(src[8:12])
	n := binary.LittleEndian.Uint32(src[12:16])
	payload = append([]byte(nil), src[16:16+n]...)
	return
}

// ThreadProducer is a LaneHandle: the per-thread, hot-path entry point a
// hook callback holds for the lifetime of its thread.
type ThreadProducer struct {
	slot       *registry.Slot
	threadID   uint64
	modeCtl    *control.ModeController
	window     *window.Controller
	nextCallID atomic.Uint64
	callDepth  int32

	// reentrancy is the TLS reentrancy counter §6/§9 requires: a
	// ThreadProducer is only ever touched by the one thread that registered
	// it, so a plain int (no atomics) is the correct "TLS load" here. The
	// outermost call increments on entry and decrements on exit; a hook
	// re-entering one of these three methods from inside itself (e.g. an
	// instrumented allocator called while encoding an event) sees
	// reentrancy > 0 and short-circuits to a no-op instead of corrupting the
	// in-flight record.
	reentrancy int32
}

// enterReentrant reports whether the caller is the outermost call; a false
// return means a reentrant call is already in progress and the caller must
// short-circuit to a no-op without touching the rings.
func (p *ThreadProducer) enterReentrant() bool {
	p.reentrancy++
	return p.reentrancy == 1
}

func (p *ThreadProducer) exitReentrant() { p.reentrancy-- }

// New builds a ThreadProducer over an already-registered slot.
func New(slot *registry.Slot, threadID uint64, modeCtl *control.ModeController, pol *policy.MarkingPolicy, metaWriter window.MetadataWriter) *ThreadProducer {
	return &ThreadProducer{
		slot:     slot,
		threadID: threadID,
		modeCtl:  modeCtl,
		window:   window.NewController(slot.DetailLane(), pol, metaWriter),
	}
}

// WindowController exposes the per-thread Detail window controller so the
// session can query ring disposition (persist vs discard) during drain.
func (p *ThreadProducer) WindowController() *window.Controller { return p.window }

// Slot returns the underlying registry slot.
func (p *ThreadProducer) Slot() *registry.Slot { return p.slot }

// ThreadID returns the OS thread id this producer was registered under.
func (p *ThreadProducer) ThreadID() uint64 { return p.threadID }

// TraceEnter records a CALL event. nowNs should come from the
// instrumentation collaborator's monotonic clock read, not time.Now() (the
// core never reads the wall clock on the hot path).
func (p *ThreadProducer) TraceEnter(functionID uint64, nowNs int64) CallID {
	if !p.enterReentrant() {
		defer p.exitReentrant()
		return NoCallID
	}
	defer p.exitReentrant()
	p.callDepth++
	return p.writeIndex(functionID, nowNs, atf.EventCall)
}

// TraceReturn records a RETURN event, decrementing the call-depth counter
// the caller is expected to have incremented via TraceEnter.
func (p *ThreadProducer) TraceReturn(functionID uint64, nowNs int64) CallID {
	if !p.enterReentrant() {
		defer p.exitReentrant()
		return NoCallID
	}
	defer p.exitReentrant()
	id := p.writeIndex(functionID, nowNs, atf.EventReturn)
	if p.callDepth > 0 {
		p.callDepth--
	}
	return id
}

func (p *ThreadProducer) writeIndex(functionID uint64, nowNs int64, kind atf.EventKind) CallID {
	callID := p.nextCallID.Add(1) - 1
	var buf [IndexRecordSize]byte
	EncodeIndexRecord(buf[:], atf.IndexEvent{
		TimestampNs: nowNs,
		FunctionID:  functionID,
		ThreadID:    p.threadID,
		EventKind:   kind,
		CallDepth:   clampDepth(p.callDepth),
		DetailSeq:   atf.NoSeq,
	}, callID)
	p.slot.IndexLane().Write(buf[:])
	return callID
}

// TraceDetail captures the richer ABI/stack snapshot for a call already
// reported via TraceEnter (sharing its CallID), evaluates the marking
// policy against probe, and drives the window controller's dump decision
// when the active Detail ring is now full.
func (p *ThreadProducer) TraceDetail(callID CallID, eventType uint32, probe policy.Probe, nowNs int64, payload []byte) {
	if !p.enterReentrant() {
		p.exitReentrant()
		return
	}
	defer p.exitReentrant()
	var buf [DetailRecordSize]byte
	EncodeDetailRecord(buf[:], callID, eventType, payload)
	p.slot.DetailLane().Write(buf[:])

	p.window.MarkEvent(probe, nowNs)
	if p.window.ShouldDump() {
		_, _, _ = p.window.Dump(nowNs) // errors are logged by the writer; the producer never blocks on them
	}
}

func clampDepth(d int32) uint8 {
	if d < 0 {
		return 0
	}
	if d > 255 {
		return 255
	}
	return uint8(d)
}
