// Package drain implements the consumer-side Drain + ATF v2 Writer loop
// (§4.6, C6): a single goroutine that iterates the thread registry in slot
// order, drains submitted rings for both lanes, and hands records to the
// per-thread ATF writers. It also implements the shutdown state machine
// (§4.6): IDLE -> SIGNAL_RECEIVED -> STOPPING_THREADS -> DRAINING ->
// COMPLETED.
package drain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agilira/flightrecorder/internal/atf"
	"github.com/agilira/flightrecorder/internal/control"
	"github.com/agilira/flightrecorder/internal/producer"
	"github.com/agilira/flightrecorder/internal/registry"
)

// DefaultTickInterval is the drain's poll cadence (§4.6: "<=100ms").
const DefaultTickInterval = 100 * time.Millisecond

// ShutdownState is the drain's shutdown state machine (§4.6).
type ShutdownState uint32

const (
	Idle ShutdownState = iota
	SignalReceived
	StoppingThreads
	Draining
	Completed
)

// pendingDetail is a Detail record read out of a ring but not yet matched
// to its paired IndexEvent, because the Index and Detail lanes submit
// independently and rarely fill on the same tick.
type pendingDetail struct {
	eventType uint32
	payload   []byte
}

type threadFiles struct {
	index  *atf.IndexWriter
	detail *atf.DetailWriter
	tp     *producer.ThreadProducer

	// pending survives across drain ticks (unlike a function-local map)
	// so a Detail record submitted on one tick is still available to link
	// against its Index counterpart on a later tick.
	pending map[producer.CallID]pendingDetail
}

// Drain owns the consumer side of a trace session: the registry it reads
// from, the per-thread ATF writers it writes to, and the shutdown state
// machine.
type Drain struct {
	reg     *registry.Registry
	session *atf.SessionWriter
	control *control.Block
	logger  *zap.Logger
	tick    time.Duration

	// wake is the Go-idiomatic substitute for the POSIX self-pipe
	// (§4.6): a producer signaling urgency sends (non-blocking) instead
	// of writing one byte to a pipe fd the drain loop selects on.
	wake chan struct{}

	mu      sync.Mutex
	threads map[int]*threadFiles // keyed by registry slot index

	shutdown     atomic.Uint32
	writeErrors  atomic.Uint64
	bytesWritten atomic.Uint64
}

func New(reg *registry.Registry, session *atf.SessionWriter, ctrl *control.Block, logger *zap.Logger, tickInterval time.Duration) *Drain {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Drain{
		reg:     reg,
		session: session,
		control: ctrl,
		logger:  logger,
		tick:    tickInterval,
		wake:    make(chan struct{}, 1),
		threads: make(map[int]*threadFiles),
	}
}

// RegisterThread wires a newly registered producer thread into the drain
// loop: its Index/Detail ATF writers are created lazily on first drain.
func (d *Drain) RegisterThread(slotIndex int, tp *producer.ThreadProducer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threads[slotIndex] = &threadFiles{tp: tp}
}

// Wake signals the drain loop to run a tick immediately instead of waiting
// for the next ticker fire, mirroring the self-pipe's urgency wakeup.
func (d *Drain) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// State returns the current shutdown state.
func (d *Drain) State() ShutdownState { return ShutdownState(d.shutdown.Load()) }

// WriteErrors returns the number of drain failures observed so far: each
// failed drainSlot call counts once, the other slots continue, and the
// failing slot's files are written to again on the next tick (they are not
// taken out of service).
func (d *Drain) WriteErrors() uint64 { return d.writeErrors.Load() }

// BytesWritten returns the cumulative number of on-disk event bytes
// (Index + Detail records) written so far, for get_stats()'s
// bytes_written counter.
func (d *Drain) BytesWritten() uint64 { return d.bytesWritten.Load() }

// Run drives the drain loop until ctx is canceled, then performs the
// shutdown sequence and returns. It is meant to run in its own goroutine.
func (d *Drain) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return d.Shutdown()
		case <-ticker.C:
			d.runTick()
		case <-d.wake:
			d.runTick()
		}
	}
}

func (d *Drain) runTick() {
	if d.control != nil {
		d.control.Heartbeat()
	}
	for _, slot := range d.reg.ClaimedSlots() {
		if err := d.drainSlot(slot); err != nil {
			d.writeErrors.Add(1)
			if d.logger != nil {
				d.logger.Warn("drain tick failed", zap.Int("slot", slot.Index()), zap.Error(err))
			}
		}
	}
}

func (d *Drain) filesFor(slot *registry.Slot) (*threadFiles, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tf, ok := d.threads[slot.Index()]
	if !ok {
		return nil, fmt.Errorf("drain: slot %d has no registered producer", slot.Index())
	}
	if tf.index == nil {
		dir, err := d.session.ThreadDir(slot.ThreadID())
		if err != nil {
			return nil, err
		}
		iw, err := atf.NewIndexWriter(dir+"/index.atf", d.logger)
		if err != nil {
			return nil, err
		}
		dw, err := atf.NewDetailWriter(dir+"/detail.atf", d.logger)
		if err != nil {
			return nil, err
		}
		tf.index, tf.detail = iw, dw
	}
	return tf, nil
}

func (d *Drain) drainSlot(slot *registry.Slot) error {
	tf, err := d.filesFor(slot)
	if err != nil {
		return err
	}
	if tf.pending == nil {
		tf.pending = make(map[producer.CallID]pendingDetail)
	}

	// Detail lane first: add this tick's submitted records to the
	// thread's persistent pending set before touching the Index lane.
	// The Index and Detail lanes submit independently (different K, fill
	// at different rates), so a Detail record's matching Index event may
	// not drain until a later tick — pending must outlive this call for
	// that link to ever resolve (§4.6, §9's bidirectional-link contract).
	for {
		idx, ok := slot.DetailLane().TakeSubmitted()
		if !ok {
			break
		}
		ring := slot.DetailLane().Ring(idx)
		persist := true
		if tf.tp != nil {
			if p, known := tf.tp.WindowController().TakeDisposition(idx); known {
				persist = p
			}
		}
		buf := make([]byte, ring.RecordSize())
		if persist {
			for ring.Read(buf) {
				callID, eventType, payload := producer.DecodeDetailRecord(buf)
				tf.pending[callID] = pendingDetail{eventType: eventType, payload: payload}
			}
		} else {
			// Discarded window: drain the ring's records without
			// persisting them (§4.5's discard path).
			for ring.Read(buf) {
			}
		}
		slot.DetailLane().ReturnRing(idx)
	}

	for {
		idx, ok := slot.IndexLane().TakeSubmitted()
		if !ok {
			break
		}
		ring := slot.IndexLane().Ring(idx)
		buf := make([]byte, ring.RecordSize())
		for ring.Read(buf) {
			event, callID := producer.DecodeIndexRecord(buf)
			if pd, ok := tf.pending[callID]; ok {
				dSeq, werr := tf.detail.WriteEvent(atf.DetailEventHeader{IndexSeq: tf.index.NextSeq(), EventType: pd.eventType}, pd.payload)
				if werr != nil {
					return werr
				}
				d.bytesWritten.Add(uint64(atf.DetailEventHeaderSize + 4 + len(pd.payload)))
				event.DetailSeq = dSeq
				delete(tf.pending, callID)
			}
			if _, werr := tf.index.WriteEvent(event); werr != nil {
				return werr
			}
			d.bytesWritten.Add(atf.IndexEventSize)
		}
		slot.IndexLane().ReturnRing(idx)
	}
	return nil
}

// Shutdown runs the shutdown state machine to completion: stop accepting
// new work, force-drain every slot once more (to catch partially-filled
// active rings producers won't get another chance to submit), finalize
// every thread's writers, and write the session manifest.
func (d *Drain) Shutdown() error {
	d.shutdown.Store(uint32(SignalReceived))
	d.shutdown.Store(uint32(StoppingThreads))
	d.shutdown.Store(uint32(Draining))

	for _, slot := range d.reg.ClaimedSlots() {
		// A producer's active ring only reaches submit_q when it fills or
		// a window controller forces a swap; at shutdown neither may have
		// happened yet, so force both lanes' active rings into submit_q
		// before the final drain pass picks them up below.
		slot.IndexLane().PerformSelectiveSwap()
		slot.DetailLane().PerformSelectiveSwap()
		if err := d.drainSlot(slot); err != nil {
			d.writeErrors.Add(1)
			if d.logger != nil {
				d.logger.Warn("final drain failed", zap.Int("slot", slot.Index()), zap.Error(err))
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	idxs := make([]int, 0, len(d.threads))
	for idx := range d.threads {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		tf := d.threads[idx]
		if tf.index == nil {
			continue
		}
		hasDetail := tf.detail != nil
		// Any Detail record still in tf.pending at shutdown never found
		// its Index partner (the partner was dropped, or never submitted
		// before drain stopped). It is still persisted, just without a
		// resolved back-link, rather than silently discarded.
		for callID, pd := range tf.pending {
			if tf.detail != nil {
				if _, werr := tf.detail.WriteEvent(atf.DetailEventHeader{IndexSeq: atf.NoSeq, EventType: pd.eventType}, pd.payload); werr != nil {
					d.writeErrors.Add(1)
					if d.logger != nil {
						d.logger.Warn("failed to flush orphaned detail record", zap.Int("slot", idx), zap.Error(werr))
					}
				}
			}
			delete(tf.pending, callID)
		}
		manifestEntry := atf.ManifestThread{
			HasDetail:   hasDetail,
			EventCount:  tf.index.EventCount(),
			TimeStartNs: tf.index.TimeStartNs(),
			TimeEndNs:   tf.index.TimeEndNs(),
		}
		if tf.tp != nil {
			manifestEntry.ThreadID = tf.tp.ThreadID()
		}
		if err := tf.index.Finalize(hasDetail); err != nil {
			return fmt.Errorf("drain: finalize index for slot %d: %w", idx, err)
		}
		if tf.detail != nil {
			if err := tf.detail.Finalize(); err != nil {
				return fmt.Errorf("drain: finalize detail for slot %d: %w", idx, err)
			}
		}
		d.session.RecordThread(manifestEntry)
	}
	if err := d.session.Finalize(); err != nil {
		return fmt.Errorf("drain: finalize session: %w", err)
	}
	d.shutdown.Store(uint32(Completed))
	return nil
}
