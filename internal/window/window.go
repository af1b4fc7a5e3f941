// Package window implements the Detail Window Controller (§3, §4.5, C5):
// the per-Detail-ring-pool lifecycle that decides, one ring-full event at a
// time, whether the events just filled are worth persisting.
package window

import (
	"sync"
	"sync/atomic"

	"github.com/agilira/flightrecorder/internal/policy"
	"github.com/agilira/flightrecorder/internal/ringpool"
)

// WindowMetadata is one JSONL record written to window_metadata.jsonl for
// every persisted (mark_seen) window (§4.6).
type WindowMetadata struct {
	WindowID      uint64 `json:"window_id"`
	StartNs       int64  `json:"start_ns"`
	EndNs         int64  `json:"end_ns"`
	TotalEvents   uint64 `json:"total_events"`
	MarkedEvents  uint64 `json:"marked_events"`
	MarkSeen      bool   `json:"mark_seen"`
	SubmittedRing uint32 `json:"-"` // which ring index was handed to submit_q, for the drain loop to correlate
}

// MetadataWriter is implemented by internal/atf's manifest writer; kept as
// a narrow interface here so window stays independent of the ATF file
// format package.
type MetadataWriter interface {
	WriteWindowMetadata(WindowMetadata) error
}

// PersistenceWindow tracks one open window's running counters (§3).
type PersistenceWindow struct {
	windowID    uint64
	startNs     int64
	endNs       int64
	totalEvents uint64
	markedEvents uint64
	markSeen    bool
}

// Controller owns the PersistenceWindow lifecycle for exactly one Detail
// ring-pool. One Controller per producer thread's Detail lane.
type Controller struct {
	pool       *ringpool.Pool
	pol        *policy.MarkingPolicy
	writer     MetadataWriter
	nextWindow atomic.Uint64
	current    *PersistenceWindow

	// disposition records, per submitted ring index, whether the drain loop
	// should persist or discard it — set inside Dump, consumed once by
	// TakeDisposition when the drain loop processes that ring.
	mu          sync.Mutex
	disposition map[uint32]bool
}

// NewController builds a window controller bound to one thread's Detail
// ring-pool, a shared marking policy, and the session's metadata writer.
func NewController(pool *ringpool.Pool, pol *policy.MarkingPolicy, writer MetadataWriter) *Controller {
	return &Controller{pool: pool, pol: pol, writer: writer}
}

// StartNewWindow opens a fresh window at ts, discarding any prior window's
// state (the caller must have already closed or discarded it).
func (c *Controller) StartNewWindow(ts int64) *PersistenceWindow {
	w := &PersistenceWindow{
		windowID: c.nextWindow.Add(1) - 1,
		startNs:  ts,
	}
	c.current = w
	return w
}

// MarkEvent is called on every Detail event candidate. It always bumps
// total_events, and bumps marked_events + latches mark_seen when probe
// matches the policy.
func (c *Controller) MarkEvent(probe policy.Probe, ts int64) {
	w := c.current
	if w == nil {
		w = c.StartNewWindow(ts)
	}
	w.totalEvents++
	if c.pol != nil && c.pol.Matches(probe) {
		w.markedEvents++
		w.markSeen = true
	}
}

// ShouldDump reports whether the active Detail ring is full, the trigger
// for closing (or discarding) the current window (§4.5).
func (c *Controller) ShouldDump() bool {
	active := c.pool.ActiveRing()
	return active.Len() >= int(active.Capacity())
}

// Dump implements the should_dump()=true branch of §4.5: closes the
// window, performs the selective ring swap, and — only if mark_seen — asks
// the writer to persist the window's metadata before recording the dump.
// It always opens the next window before returning. endTs is the
// timestamp to close the window with.
func (c *Controller) Dump(endTs int64) (submittedRing uint32, persisted bool, err error) {
	w := c.current
	if w == nil {
		w = c.StartNewWindow(endTs)
	}
	w.endNs = endTs

	idx, ok := c.pool.PerformSelectiveSwap()
	if !ok {
		// No spare available: fall back to the pool's own drop-oldest
		// path by writing nothing and letting the next Write() trigger
		// handleFull. The window is discarded either way since nothing
		// was actually submitted.
		c.pool.RecordWindowDiscard()
		c.StartNewWindow(endTs)
		return 0, false, nil
	}

	if !w.markSeen {
		c.pool.RecordWindowDiscard()
		c.setDisposition(idx, false)
		c.StartNewWindow(endTs)
		return idx, false, nil
	}

	meta := WindowMetadata{
		WindowID:      w.windowID,
		StartNs:       w.startNs,
		EndNs:         w.endNs,
		TotalEvents:   w.totalEvents,
		MarkedEvents:  w.markedEvents,
		MarkSeen:      true,
		SubmittedRing: idx,
	}
	if c.writer != nil {
		if werr := c.writer.WriteWindowMetadata(meta); werr != nil {
			c.StartNewWindow(endTs)
			return idx, false, werr
		}
	}
	c.pool.RecordSelectiveDump()
	c.setDisposition(idx, true)
	c.StartNewWindow(endTs)
	return idx, true, nil
}

func (c *Controller) setDisposition(idx uint32, persist bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposition == nil {
		c.disposition = make(map[uint32]bool)
	}
	c.disposition[idx] = persist
}

// TakeDisposition returns and clears the persist/discard decision Dump
// recorded for ring idx, for the drain loop to consume exactly once per
// submitted ring. ok is false if no decision was ever recorded for idx
// (the drain loop should then fall back to its own default).
func (c *Controller) TakeDisposition(idx uint32) (persist bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	persist, ok = c.disposition[idx]
	if ok {
		delete(c.disposition, idx)
	}
	return persist, ok
}

// Current returns the window presently accumulating events, for tests and
// diagnostics.
func (c *Controller) Current() *PersistenceWindow { return c.current }

func (w *PersistenceWindow) WindowID() uint64     { return w.windowID }
func (w *PersistenceWindow) TotalEvents() uint64  { return w.totalEvents }
func (w *PersistenceWindow) MarkedEvents() uint64 { return w.markedEvents }
func (w *PersistenceWindow) MarkSeen() bool       { return w.markSeen }
