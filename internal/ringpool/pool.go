// Package ringpool implements the per-lane ring pool (§4.2, C2): a fixed
// set of K rings plus two SPSC index queues (submit_q, free_q) that hand
// ring ownership back and forth between exactly one producer and exactly
// one consumer, with drop-oldest overflow when no spare ring is available.
package ringpool

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/agilira/flightrecorder/internal/ringbuf"
)

// Lane identifies which of the two lanes (§1, §3) a pool serves. It only
// affects naming/sizing decisions made by callers (internal/registry); the
// pool itself is lane-agnostic.
type Lane uint8

const (
	LaneIndex Lane = iota
	LaneDetail
)

func (l Lane) String() string {
	switch l {
	case LaneIndex:
		return "index"
	case LaneDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// indexQueueHeaderSize is the byte size of an indexQueue's head/tail header.
const indexQueueHeaderSize = 16

// indexQueue is a tiny SPSC queue of ring indices, overlaid on a byte arena
// the same way ringbuf.Ring overlays its cursors: one producer, one
// consumer, plain atomic loads/stores, no CAS (§4.2's "true SPSC ... no CAS
// is required").
type indexQueue struct {
	data     []byte
	capacity uint32
}

func sizeofIndexQueue(capacity int) int { return indexQueueHeaderSize + capacity*4 }

func newIndexQueue(arena []byte, capacity int, init bool) (*indexQueue, error) {
	need := sizeofIndexQueue(capacity)
	if len(arena) < need {
		return nil, fmt.Errorf("ringpool: index queue needs %d bytes, got %d", need, len(arena))
	}
	q := &indexQueue{data: arena[:need], capacity: uint32(capacity)}
	if init {
		atomic.StoreUint64(q.headPtr(), 0)
		atomic.StoreUint64(q.tailPtr(), 0)
	}
	return q, nil
}

func (q *indexQueue) headPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&q.data[0])) // #nosec G103 -- fixed-offset header overlay
}

func (q *indexQueue) tailPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&q.data[8])) // #nosec G103 -- fixed-offset header overlay
}

func (q *indexQueue) slot(pos uint64) *uint32 {
	off := indexQueueHeaderSize + int(pos%uint64(q.capacity))*4
	return (*uint32)(unsafe.Pointer(&q.data[off])) // #nosec G103 -- fixed-offset slot overlay
}

// push is called by the single producer side of this queue.
func (q *indexQueue) push(v uint32) bool {
	tail := atomic.LoadUint64(q.tailPtr())
	head := atomic.LoadUint64(q.headPtr()) // acquire
	if tail-head >= uint64(q.capacity) {
		return false
	}
	atomic.StoreUint32(q.slot(tail), v)
	atomic.StoreUint64(q.tailPtr(), tail+1) // release
	return true
}

// pop is called by the single consumer side of this queue.
func (q *indexQueue) pop() (uint32, bool) {
	head := atomic.LoadUint64(q.headPtr())
	tail := atomic.LoadUint64(q.tailPtr()) // acquire
	if head >= tail {
		return 0, false
	}
	v := atomic.LoadUint32(q.slot(head))
	atomic.StoreUint64(q.headPtr(), head+1) // release
	return v, true
}

// Pool owns K rings for one lane of one producer thread, plus the
// submit_q/free_q queues that move ring ownership between producer and
// consumer. At most one ring is "active" (being written by the producer) at
// any instant; the rest are in submit_q, free_q, or being drained.
type Pool struct {
	lane    Lane
	rings   []*ringbuf.Ring
	submitQ *indexQueue // producer -> consumer
	freeQ   *indexQueue // consumer -> producer

	active  atomic.Uint32
	counters []byte // 24-byte shared region: pool_exhaustion, selective_dumps, windows_discarded
}

const poolCountersSize = 24

func (p *Pool) poolExhaustionPtr() *uint64  { return (*uint64)(unsafe.Pointer(&p.counters[0])) }  // #nosec G103
func (p *Pool) selectiveDumpsPtr() *uint64  { return (*uint64)(unsafe.Pointer(&p.counters[8])) }  // #nosec G103
func (p *Pool) windowsDiscardsPtr() *uint64 { return (*uint64)(unsafe.Pointer(&p.counters[16])) } // #nosec G103

// Sizes reports the arena bytes a Pool of K rings with the given ring
// capacity (records) and record size needs: one region per ring plus two
// queue regions of length K+1 plus the shared counters region.
func Sizes(k int, ringCapacityRecords int, recordSize uint32) (perRing, submitQ, freeQ, counters int) {
	perRing = ringbuf.HeaderSize + ringCapacityRecords*int(recordSize)
	submitQ = sizeofIndexQueue(k + 1)
	freeQ = sizeofIndexQueue(k + 1)
	counters = poolCountersSize
	return
}

// Create lays out a new pool of K rings over the given per-ring arenas
// (each sized per Sizes' perRing) plus the two queue arenas and the shared
// counters region. All free rings (1..K-1) start in free_q; ring 0 starts
// active.
func Create(lane Lane, ringArenas [][]byte, ringCapacityRecords int, recordSize uint32, submitArena, freeArena, countersArena []byte) (*Pool, error) {
	k := len(ringArenas)
	if k < 1 {
		return nil, fmt.Errorf("ringpool: K must be >= 1")
	}
	if len(countersArena) < poolCountersSize {
		return nil, fmt.Errorf("ringpool: counters arena needs %d bytes, got %d", poolCountersSize, len(countersArena))
	}
	p := &Pool{lane: lane, rings: make([]*ringbuf.Ring, k), counters: countersArena[:poolCountersSize]}
	for i, arena := range ringArenas {
		r, err := ringbuf.Create(arena, len(arena), recordSize)
		if err != nil {
			return nil, fmt.Errorf("ringpool: ring %d: %w", i, err)
		}
		p.rings[i] = r
	}
	var err error
	if p.submitQ, err = newIndexQueue(submitArena, k+1, true); err != nil {
		return nil, err
	}
	if p.freeQ, err = newIndexQueue(freeArena, k+1, true); err != nil {
		return nil, err
	}
	atomic.StoreUint64(p.poolExhaustionPtr(), 0)
	atomic.StoreUint64(p.selectiveDumpsPtr(), 0)
	atomic.StoreUint64(p.windowsDiscardsPtr(), 0)
	p.active.Store(0)
	for i := 1; i < k; i++ {
		p.freeQ.push(uint32(i))
	}
	return p, nil
}

// Attach revalidates an existing pool's rings and queues without
// reinitializing them (consumer process attaching to a producer's pool, or
// vice versa).
func Attach(lane Lane, ringArenas [][]byte, recordSize uint32, submitArena, freeArena, countersArena []byte) (*Pool, error) {
	k := len(ringArenas)
	if len(countersArena) < poolCountersSize {
		return nil, fmt.Errorf("ringpool: counters arena needs %d bytes, got %d", poolCountersSize, len(countersArena))
	}
	p := &Pool{lane: lane, rings: make([]*ringbuf.Ring, k), counters: countersArena[:poolCountersSize]}
	for i, arena := range ringArenas {
		r, err := ringbuf.Attach(arena, len(arena), recordSize)
		if err != nil {
			return nil, fmt.Errorf("ringpool: attach ring %d: %w", i, err)
		}
		p.rings[i] = r
	}
	var err error
	if p.submitQ, err = newIndexQueue(submitArena, k+1, false); err != nil {
		return nil, err
	}
	if p.freeQ, err = newIndexQueue(freeArena, k+1, false); err != nil {
		return nil, err
	}
	return p, nil
}

// K returns the number of rings in the pool.
func (p *Pool) K() int { return len(p.rings) }

// Lane returns which lane this pool serves.
func (p *Pool) Lane() Lane { return p.lane }

// ActiveRing returns the currently active ring. O(1).
func (p *Pool) ActiveRing() *ringbuf.Ring {
	return p.rings[p.active.Load()]
}

// Ring returns the ring at a given index, for the consumer's drain loop.
func (p *Pool) Ring(idx uint32) *ringbuf.Ring { return p.rings[idx] }

// Write attempts to write rec into the active ring, handling overflow per
// §4.2's handle_full contract. Returns true unless the write was dropped
// via drop-oldest overwrite (which also always succeeds, per "the producer
// never blocks") — so Write only returns false on malformed input.
func (p *Pool) Write(rec []byte) bool {
	active := p.ActiveRing()
	if active.Write(rec) {
		return true
	}
	return p.handleFull(rec)
}

// handleFull implements §4.2(b)/(c): swap to a spare ring if one is free,
// otherwise drop-oldest on the still-active ring and write anyway.
func (p *Pool) handleFull(rec []byte) bool {
	if spare, ok := p.freeQ.pop(); ok {
		oldIdx := p.active.Load()
		p.submitQ.push(oldIdx)   // release: hand old ring to the consumer
		p.active.Store(spare)    // release: publish new active ring
		return p.rings[spare].Write(rec)
	}
	atomic.AddUint64(p.poolExhaustionPtr(), 1)
	active := p.ActiveRing()
	active.DropOldest()
	return active.Write(rec)
}

// PerformSelectiveSwap submits the active ring to submit_q and activates a
// spare from free_q, without writing anything. Used by the Detail lane's
// window controller on ring-full regardless of whether the window will be
// persisted or discarded (§4.5). Returns false if no spare is available
// (caller should fall back to handleFull-style drop-oldest semantics by
// simply continuing to write into the same ring).
func (p *Pool) PerformSelectiveSwap() (submittedIdx uint32, ok bool) {
	spare, ok := p.freeQ.pop()
	if !ok {
		return 0, false
	}
	oldIdx := p.active.Load()
	p.submitQ.push(oldIdx)
	p.active.Store(spare)
	return oldIdx, true
}

// TakeSubmitted is called by the consumer to pop the next ring index ready
// to drain, or (0, false) if submit_q is empty.
func (p *Pool) TakeSubmitted() (uint32, bool) { return p.submitQ.pop() }

// ReturnRing is called by the consumer once a submitted ring has been fully
// drained, handing it back to the producer via free_q.
func (p *Pool) ReturnRing(idx uint32) bool { return p.freeQ.push(idx) }

// PoolExhaustionCount returns how many times handleFull found free_q empty.
func (p *Pool) PoolExhaustionCount() uint64 { return atomic.LoadUint64(p.poolExhaustionPtr()) }

// RecordSelectiveDump / RecordWindowDiscard are bumped by the window
// controller (internal/window) so Pool can surface them alongside its own
// counters in a single Stats snapshot.
func (p *Pool) RecordSelectiveDump() { atomic.AddUint64(p.selectiveDumpsPtr(), 1) }
func (p *Pool) RecordWindowDiscard() { atomic.AddUint64(p.windowsDiscardsPtr(), 1) }

// Stats is a point-in-time snapshot of this pool's counters, assembled from
// the underlying rings plus the pool's own. Not for the hot path.
type Stats struct {
	EventsWritten           uint64
	EventsDropped           uint64
	PoolExhaustionCount     uint64
	SelectiveDumpsPerformed uint64
	WindowsDiscarded        uint64
}

func (p *Pool) Stats() Stats {
	var s Stats
	for _, r := range p.rings {
		w, d := r.Stats()
		s.EventsWritten += w
		s.EventsDropped += d
	}
	s.PoolExhaustionCount = atomic.LoadUint64(p.poolExhaustionPtr())
	s.SelectiveDumpsPerformed = atomic.LoadUint64(p.selectiveDumpsPtr())
	s.WindowsDiscarded = atomic.LoadUint64(p.windowsDiscardsPtr())
	return s
}
