// Package control implements the Control Block & IPC State Machine (§4.4,
// C4): the single shared structure producers and the consumer use to agree
// on readiness, registry mode, and liveness without a lock. The consumer
// writes registry_ready, registry_epoch and heartbeat_ns; a producer sets
// its hooks_ready latch; registry_mode and fallback_events are stored by
// whichever side runs the transition (a producer's ModeController, or the
// session on a failed registration). Each write is a single atomic store or
// add, so plain atomics with explicit acquire/release, not a mutex, are
// enough.
package control

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/agilira/go-timecache"
)

// Mode is the registry trust level a producer writes events under (§4.4).
type Mode uint32

const (
	// GlobalOnly is the legacy fallback: every producer writes to one
	// process-global ring, ignoring the per-thread registry entirely.
	GlobalOnly Mode = iota
	// DualWrite writes to both the per-thread lane and the global ring,
	// used during warm-up while the consumer has not yet proven it is
	// draining per-thread lanes.
	DualWrite
	// PerThreadOnly is steady state: per-thread lane only.
	PerThreadOnly
)

func (m Mode) String() string {
	switch m {
	case GlobalOnly:
		return "GLOBAL_ONLY"
	case DualWrite:
		return "DUAL_WRITE"
	case PerThreadOnly:
		return "PER_THREAD_ONLY"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultStallTimeout is the default heartbeat staleness threshold
	// past which a producer downgrades mode one step (§4.4).
	DefaultStallTimeout = 500 * time.Millisecond
	// DefaultStallTolerance is the number of consecutive missed
	// heartbeat ticks tolerated before a downgrade, expressed in terms
	// of the consumer's ~100ms drain cadence.
	DefaultStallTolerance = 5
)

const (
	blockSize = 64

	offRegistryReady = 0  // uint32
	offRegistryEpoch = 8  // uint64
	offHeartbeatNs   = 16 // int64
	offMode          = 24 // uint32
	offHooksReady    = 28 // uint32
	offFallbackEvts  = 32 // uint64
)

// Block is the fixed-layout shared structure. It is overlaid on a
// shm.Arena the same way ringbuf's header is: fixed byte offsets, atomic
// access, no Go pointers cross the process boundary.
type Block struct {
	data  []byte
	clock *timecache.TimeCache
}

// Size is the fixed byte size of a Block's shared region.
const Size = blockSize

// New wraps arena (at least Size bytes) as a fresh control block, owned by
// the consumer. clock, if non-nil, is used to stamp heartbeat_ns; the
// consumer should pass its own cached-time source (the same
// github.com/agilira/go-timecache instance the drain loop ticks on) so a
// single syscall-backed clock read is shared across the session instead of
// calling time.Now() per heartbeat.
func New(arena []byte, clock *timecache.TimeCache) *Block {
	b := &Block{data: arena[:blockSize], clock: clock}
	atomic.StoreUint32(b.registryReadyPtr(), 0)
	atomic.StoreUint64(b.registryEpochPtr(), 0)
	atomic.StoreInt64(b.heartbeatPtr(), 0)
	atomic.StoreUint32(b.modePtr(), uint32(GlobalOnly))
	atomic.StoreUint32(b.hooksReadyPtr(), 0)
	atomic.StoreUint64(b.fallbackPtr(), 0)
	return b
}

// Open attaches to an existing control block without reinitializing it.
func Open(arena []byte, clock *timecache.TimeCache) *Block {
	return &Block{data: arena[:blockSize], clock: clock}
}

func (b *Block) registryReadyPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.data[offRegistryReady])) // #nosec G103
}
func (b *Block) registryEpochPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&b.data[offRegistryEpoch])) // #nosec G103
}
func (b *Block) heartbeatPtr() *int64 {
	return (*int64)(unsafe.Pointer(&b.data[offHeartbeatNs])) // #nosec G103
}
func (b *Block) modePtr() *uint32 { return (*uint32)(unsafe.Pointer(&b.data[offMode])) } // #nosec G103
func (b *Block) hooksReadyPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.data[offHooksReady])) // #nosec G103
}
func (b *Block) fallbackPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&b.data[offFallbackEvts])) // #nosec G103
}

// --- consumer-side writes ---------------------------------------------------

// SetRegistryReady publishes (release) that the thread registry has been
// created and is attachable by producers.
func (b *Block) SetRegistryReady(ready bool) {
	var v uint32
	if ready {
		v = 1
	}
	atomic.StoreUint32(b.registryReadyPtr(), v)
}

// BumpEpoch increments registry_epoch, forcing every producer to
// re-observe the control block and optionally re-warm (§4.4).
func (b *Block) BumpEpoch() uint64 { return atomic.AddUint64(b.registryEpochPtr(), 1) }

// Heartbeat stamps heartbeat_ns with the current cached time. Called once
// per drain cycle (~100ms) by the consumer only.
func (b *Block) Heartbeat() {
	var now int64
	if b.clock != nil {
		now = b.clock.CachedTime().UnixNano()
	} else {
		now = time.Now().UnixNano()
	}
	atomic.StoreInt64(b.heartbeatPtr(), now)
}

// SetMode is called by ModeController when it upgrades or downgrades the
// mode; Block itself does not decide policy, it only stores the agreed
// value.
func (b *Block) SetMode(m Mode) { atomic.StoreUint32(b.modePtr(), uint32(m)) }

// IncFallbackEvents records one fallback event: a ModeController downgrade,
// or a thread registration that got no registry slot.
func (b *Block) IncFallbackEvents() { atomic.AddUint64(b.fallbackPtr(), 1) }

// --- producer-side writes ---------------------------------------------------

// SetHooksReady is the one-way latch (§4.4) a producer sets exactly once,
// after its hook-installation callback completes. The consumer spins with
// a bounded timeout observing this with acquire before letting the target
// process resume.
func (b *Block) SetHooksReady() { atomic.StoreUint32(b.hooksReadyPtr(), 1) }

// --- reads (either side) ----------------------------------------------------

func (b *Block) RegistryReady() bool   { return atomic.LoadUint32(b.registryReadyPtr()) != 0 }
func (b *Block) RegistryEpoch() uint64 { return atomic.LoadUint64(b.registryEpochPtr()) }
func (b *Block) HeartbeatNs() int64    { return atomic.LoadInt64(b.heartbeatPtr()) }
func (b *Block) Mode() Mode            { return Mode(atomic.LoadUint32(b.modePtr())) }
func (b *Block) HooksReady() bool      { return atomic.LoadUint32(b.hooksReadyPtr()) != 0 }
func (b *Block) FallbackEvents() uint64 { return atomic.LoadUint64(b.fallbackPtr()) }

// WaitHooksReady spins (yielding via a short sleep, since this crosses
// processes and there is no futex to park on) until HooksReady is observed
// or timeout elapses. Returns false on timeout.
func (b *Block) WaitHooksReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if b.HooksReady() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// ModeController evaluates the producer-side transition rules on every
// producer tick (§4.4): downgrade on heartbeat staleness, upgrade on a
// fresh heartbeat plus a ready registry, and track consecutive misses so a
// single late tick doesn't trigger a premature downgrade.
type ModeController struct {
	block          *Block
	stallTimeout   time.Duration
	stallTolerance int
	misses         int
	lastHeartbeat  int64
}

// NewModeController builds a controller with the given stall thresholds.
// Pass zero values to use DefaultStallTimeout/DefaultStallTolerance.
func NewModeController(b *Block, stallTimeout time.Duration, stallTolerance int) *ModeController {
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	if stallTolerance <= 0 {
		stallTolerance = DefaultStallTolerance
	}
	return &ModeController{block: b, stallTimeout: stallTimeout, stallTolerance: stallTolerance}
}

// Evaluate is called by the producer on every tick with the current time
// (as nanoseconds since epoch) and returns the mode the producer should now
// write under, degrading or upgrading at most one step per call.
func (c *ModeController) Evaluate(nowNs int64) Mode {
	hb := c.block.HeartbeatNs()
	stale := hb == c.lastHeartbeat
	c.lastHeartbeat = hb

	cur := c.block.Mode()
	if stale {
		c.misses++
	} else {
		c.misses = 0
	}

	tickBudget := c.stallTimeout.Nanoseconds() / int64(c.stallTolerance)
	if tickBudget <= 0 {
		tickBudget = 1
	}
	staleFor := nowNs - hb

	switch {
	case c.misses >= c.stallTolerance || staleFor > c.stallTimeout.Nanoseconds():
		next := downgrade(cur)
		if next != cur {
			c.block.SetMode(next)
			c.block.IncFallbackEvents()
		}
		return next
	case c.block.RegistryReady() && !stale:
		next := upgrade(cur)
		if next != cur {
			c.block.SetMode(next)
		}
		return next
	default:
		return cur
	}
}

func downgrade(m Mode) Mode {
	if m > GlobalOnly {
		return m - 1
	}
	return m
}

func upgrade(m Mode) Mode {
	if m < PerThreadOnly {
		return m + 1
	}
	return m
}
