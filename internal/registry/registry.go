// Package registry implements the Thread Registry (§3, §4.3, C3): a
// fixed-capacity array of per-thread lane sets in shared memory, with
// atomic slot allocation so an arbitrary number of producer threads across
// processes can claim a registry slot without coordinating through a lock.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/agilira/flightrecorder/internal/ringpool"
)

// State is a slot's lifecycle stage (§4.3's state machine):
// Unregistered -> Registering -> Active -> Inactive. Only the
// Registering -> Active transition is published with a release store; the
// consumer observes it with an acquire load.
type State uint32

const (
	StateUnregistered State = iota
	StateRegistering
	StateActive
	StateInactive
)

// ErrNoSlots is returned by Register when every slot in the registry has
// already been claimed. Callers must fail soft: keep running the target
// without producing events and bump a fallback_events counter (§4.3, §7).
var ErrNoSlots = errors.New("registry: no free slots")

const (
	registryHeaderBase = 16 // capacity(4, padded to 8) + thread_count(8)
	slotHeaderSize      = 64 // cache-line padded: thread_id(8) + state(4) + reserved
)

// LaneConfig describes the ring-pool shape every slot's Index and Detail
// lanes are created with (§3: Index K=4, Detail K=2 by default).
type LaneConfig struct {
	IndexK            int
	IndexRecordSize   uint32
	IndexRingRecords  int
	DetailK           int
	DetailRecordSize  uint32
	DetailRingRecords int
}

func (c LaneConfig) sizes() (indexTotal, detailTotal int) {
	ip, isq, ifq, ic := ringpool.Sizes(c.IndexK, c.IndexRingRecords, c.IndexRecordSize)
	indexTotal = ip*c.IndexK + isq + ifq + ic
	dp, dsq, dfq, dc := ringpool.Sizes(c.DetailK, c.DetailRingRecords, c.DetailRecordSize)
	detailTotal = dp*c.DetailK + dsq + dfq + dc
	return
}

// SlotStride returns the byte size of one slot's region (header + both lane
// pools), and ArenaSize returns the total bytes Create/Attach need.
func SlotStride(cfg LaneConfig) int {
	indexTotal, detailTotal := cfg.sizes()
	return slotHeaderSize + indexTotal + detailTotal
}

func ArenaSize(capacity int, cfg LaneConfig) int {
	maskWords := (capacity + 63) / 64
	header := registryHeaderBase + maskWords*8
	return header + capacity*SlotStride(cfg)
}

// Registry is the fixed-capacity, shared-memory-backed array of thread lane
// sets. It is created once by the writer (consumer) process; producer
// processes Attach to the same bytes and Register their own thread.
type Registry struct {
	data      []byte
	capacity  int
	maskWords int
	cfg       LaneConfig

	mu    sync.Mutex // guards the in-process slot cache below; never held across I/O
	slots []*Slot    // lazily populated local views, indexed by slot index
}

// Slot is one producer thread's lane set: an Index ring-pool and a Detail
// ring-pool, plus the shared thread_id/state header fields.
type Slot struct {
	reg   *Registry
	index int
	pools struct {
		indexLane  *ringpool.Pool
		detailLane *ringpool.Pool
	}
}

func (r *Registry) capacityPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.data[0])) } // #nosec G103
func (r *Registry) threadCountPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[8])) // #nosec G103
}
func (r *Registry) maskWordPtr(i int) *uint64 {
	off := registryHeaderBase + i*8
	return (*uint64)(unsafe.Pointer(&r.data[off])) // #nosec G103
}

func (r *Registry) headerSize() int { return registryHeaderBase + r.maskWords*8 }

func (r *Registry) slotBase(i int) int { return r.headerSize() + i*SlotStride(r.cfg) }

func (r *Registry) threadIDPtr(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[r.slotBase(i)])) // #nosec G103
}
func (r *Registry) statePtr(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[r.slotBase(i)+8])) // #nosec G103
}

// Create initializes a new, empty registry over arena. Capacity bits beyond
// the requested capacity in the last mask word are pre-marked occupied so a
// scan never claims a slot index >= capacity.
func Create(arena []byte, capacity int, cfg LaneConfig) (*Registry, error) {
	need := ArenaSize(capacity, cfg)
	if len(arena) < need {
		return nil, fmt.Errorf("registry: arena needs %d bytes, got %d", need, len(arena))
	}
	maskWords := (capacity + 63) / 64
	r := &Registry{data: arena[:need], capacity: capacity, maskWords: maskWords, cfg: cfg, slots: make([]*Slot, capacity)}
	atomic.StoreUint32(r.capacityPtr(), uint32(capacity))
	atomic.StoreUint64(r.threadCountPtr(), 0)
	for w := 0; w < maskWords; w++ {
		var word uint64
		base := w * 64
		for b := 0; b < 64; b++ {
			if base+b >= capacity {
				word |= 1 << uint(b) // pad out-of-range bits as permanently occupied
			}
		}
		atomic.StoreUint64(r.maskWordPtr(w), word)
	}
	for i := 0; i < capacity; i++ {
		atomic.StoreUint64(r.threadIDPtr(i), 0)
		atomic.StoreUint32(r.statePtr(i), uint32(StateUnregistered))
	}
	return r, nil
}

// Attach revalidates an existing registry's layout without reinitializing
// its contents.
func Attach(arena []byte, capacity int, cfg LaneConfig) (*Registry, error) {
	need := ArenaSize(capacity, cfg)
	if len(arena) < need {
		return nil, fmt.Errorf("registry: arena needs %d bytes, got %d", need, len(arena))
	}
	maskWords := (capacity + 63) / 64
	r := &Registry{data: arena[:need], capacity: capacity, maskWords: maskWords, cfg: cfg, slots: make([]*Slot, capacity)}
	if got := atomic.LoadUint32(r.capacityPtr()); int(got) != capacity {
		return nil, fmt.Errorf("registry: attach: header capacity %d != requested %d", got, capacity)
	}
	return r, nil
}

// Capacity returns the fixed slot capacity.
func (r *Registry) Capacity() int { return r.capacity }

// ThreadCount returns the number of threads ever registered this session
// (monotonic; never decremented by unregister).
func (r *Registry) ThreadCount() uint64 { return atomic.LoadUint64(r.threadCountPtr()) }

// Register atomically claims a free slot for threadID, lazily creates its
// lane set (both ring-pools), and returns a handle for O(1) subsequent
// access. It is idempotent per thread only in the sense that the caller is
// expected to cache the returned *Slot (the Go-idiomatic substitute for
// native TLS caching, §5) rather than call Register again for the same
// thread.
func (r *Registry) Register(threadID uint64) (*Slot, error) {
	idx, err := r.claimSlot()
	if err != nil {
		return nil, err
	}
	atomic.StoreUint32(r.statePtr(idx), uint32(StateRegistering))
	atomic.StoreUint64(r.threadIDPtr(idx), threadID)

	slot := &Slot{reg: r, index: idx}
	if err := slot.initPools(); err != nil {
		return nil, fmt.Errorf("registry: init lane set for slot %d: %w", idx, err)
	}

	atomic.StoreUint32(r.statePtr(idx), uint32(StateActive)) // release: visible to consumer
	atomic.AddUint64(r.threadCountPtr(), 1)

	r.mu.Lock()
	r.slots[idx] = slot
	r.mu.Unlock()
	return slot, nil
}

func (r *Registry) claimSlot() (int, error) {
	for w := 0; w < r.maskWords; w++ {
		for {
			word := atomic.LoadUint64(r.maskWordPtr(w))
			if word == ^uint64(0) {
				break // word full, try next
			}
			bit := firstZeroBit(word)
			next := word | (1 << uint(bit))
			if atomic.CompareAndSwapUint64(r.maskWordPtr(w), word, next) {
				return w*64 + bit, nil
			}
			// CAS lost the race; retry this word.
		}
	}
	return 0, ErrNoSlots
}

func firstZeroBit(word uint64) int {
	for b := 0; b < 64; b++ {
		if word&(1<<uint(b)) == 0 {
			return b
		}
	}
	return -1
}

func (s *Slot) initPools() error {
	cfg := s.reg.cfg
	base := s.reg.slotBase(s.index) + slotHeaderSize
	indexArena, detailArena := s.reg.data[base:], []byte(nil)
	ip, isq, ifq, ic := ringpool.Sizes(cfg.IndexK, cfg.IndexRingRecords, cfg.IndexRecordSize)
	indexTotal := ip*cfg.IndexK + isq + ifq + ic
	detailArena = indexArena[indexTotal:]
	indexArena = indexArena[:indexTotal]

	indexRings := make([][]byte, cfg.IndexK)
	off := 0
	for i := range indexRings {
		indexRings[i] = indexArena[off : off+ip]
		off += ip
	}
	submitA := indexArena[off : off+isq]
	off += isq
	freeA := indexArena[off : off+ifq]
	off += ifq
	countersA := indexArena[off : off+ic]

	indexPool, err := ringpool.Create(ringpool.LaneIndex, indexRings, cfg.IndexRingRecords, cfg.IndexRecordSize, submitA, freeA, countersA)
	if err != nil {
		return fmt.Errorf("index lane: %w", err)
	}

	dp, dsq, dfq, dc := ringpool.Sizes(cfg.DetailK, cfg.DetailRingRecords, cfg.DetailRecordSize)
	detailRings := make([][]byte, cfg.DetailK)
	off = 0
	for i := range detailRings {
		detailRings[i] = detailArena[off : off+dp]
		off += dp
	}
	dSubmitA := detailArena[off : off+dsq]
	off += dsq
	dFreeA := detailArena[off : off+dfq]
	off += dfq
	dCountersA := detailArena[off : off+dc]

	detailPool, err := ringpool.Create(ringpool.LaneDetail, detailRings, cfg.DetailRingRecords, cfg.DetailRecordSize, dSubmitA, dFreeA, dCountersA)
	if err != nil {
		return fmt.Errorf("detail lane: %w", err)
	}

	s.pools.indexLane = indexPool
	s.pools.detailLane = detailPool
	return nil
}

// Unregister clears the slot's active flag but preserves the slot index and
// its counters: slots are never reused within a session (§4.3), so the
// consumer can always reconstruct history for a thread that has exited.
func (s *Slot) Unregister() {
	atomic.CompareAndSwapUint32(s.reg.statePtr(s.index), uint32(StateActive), uint32(StateInactive))
}

// Index returns this slot's fixed index within the registry.
func (s *Slot) Index() int { return s.index }

// ThreadID returns the thread this slot was registered for.
func (s *Slot) ThreadID() uint64 { return atomic.LoadUint64(s.reg.threadIDPtr(s.index)) }

// IsActive reports the slot's current state with an acquire load.
func (s *Slot) IsActive() bool { return State(atomic.LoadUint32(s.reg.statePtr(s.index))) == StateActive }

// IndexLane / DetailLane return this slot's two ring-pools.
func (s *Slot) IndexLane() *ringpool.Pool  { return s.pools.indexLane }
func (s *Slot) DetailLane() *ringpool.Pool { return s.pools.detailLane }

// SlotView is an allocation-bearing, point-in-time copy of one slot's
// observable state, for get_stats() and tests; never used on the hot path.
type SlotView struct {
	Index       int
	ThreadID    uint64
	State       State
	IndexStats  ringpool.Stats
	DetailStats ringpool.Stats
}

// Snapshot returns a view of every slot this Registry has finished
// registering (Active, or Inactive after Unregister), in slot-index order;
// slots still mid-registration are not included. It backs get_stats(); the
// drain loop enumerates with ClaimedSlots instead.
func (r *Registry) Snapshot() []SlotView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SlotView, 0, len(r.slots))
	for i, s := range r.slots {
		if s == nil {
			continue
		}
		out = append(out, SlotView{
			Index:       i,
			ThreadID:    s.ThreadID(),
			State:       State(atomic.LoadUint32(r.statePtr(i))),
			IndexStats:  s.pools.indexLane.Stats(),
			DetailStats: s.pools.detailLane.Stats(),
		})
	}
	return out
}

// ClaimedSlots returns the in-process Slot handles for every slot claimed
// so far, in slot-index order — used by the drain loop to iterate lanes
// without going through the allocation-bearing Snapshot.
func (r *Registry) ClaimedSlots() []*Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
