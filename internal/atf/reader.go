package atf

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// mmapFile read-only maps path for zero-copy access (§4.7). Distinct from
// internal/shm.Arena, which maps read-write shared arenas for live IPC;
// trace files are read-only artifacts once finalized.
type mmapFile struct {
	f    *os.File
	data []byte
}

func openMmap(path string) (*mmapFile, error) {
	f, err := os.Open(path) // #nosec G304 -- path supplied by the session directory layout, not user input
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		_ = f.Close()
		return nil, ErrTruncated
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("atf: mmap %s: %w", path, err)
	}
	return &mmapFile{f: f, data: data}, nil
}

func (m *mmapFile) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// IndexReader is a zero-copy, mmap-backed reader over one thread's
// index.atf (§4.7).
type IndexReader struct {
	m         *mmapFile
	count     int
	header    IndexHeader
	hasFooter bool
}

// OpenIndexReader maps path, validates the header, and — corruption
// tolerant per §4.6's "partial writes are survivable via footer
// recovery" — falls back to deriving event_count from file size whenever
// the footer is missing or fails to decode.
func OpenIndexReader(path string) (*IndexReader, error) {
	m, err := openMmap(path)
	if err != nil {
		return nil, err
	}
	if len(m.data) < IndexHeaderSize {
		_ = m.Close()
		return nil, ErrTruncated
	}
	hdr, err := DecodeIndexHeader(m.data[:IndexHeaderSize])
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	r := &IndexReader{m: m, header: hdr}

	if len(m.data) >= IndexHeaderSize+IndexFooterSize {
		footerOff := len(m.data) - IndexFooterSize
		if footer, ferr := DecodeIndexFooter(m.data[footerOff:]); ferr == nil {
			eventBytes := m.data[IndexHeaderSize:footerOff]
			if CRC32(eventBytes) == footer.CRC {
				r.count = int(footer.EventCount)
				r.header.TimeStartNs = footer.TimeStartNs
				r.header.TimeEndNs = footer.TimeEndNs
				r.hasFooter = true
			}
		}
	}
	if !r.hasFooter {
		avail := len(m.data) - IndexHeaderSize
		r.count = avail / IndexEventSize
	}
	return r, nil
}

func (r *IndexReader) Close() error { return r.m.Close() }

// Len returns the authoritative (or derived) event count.
func (r *IndexReader) Len() int { return r.count }

func (r *IndexReader) HasDetail() bool   { return r.header.HasDetail }
func (r *IndexReader) TimeStartNs() int64 { return r.header.TimeStartNs }
func (r *IndexReader) TimeEndNs() int64   { return r.header.TimeEndNs }

// Get returns the event at seq, an O(1) pointer-arithmetic lookup.
func (r *IndexReader) Get(seq uint32) (IndexEvent, error) {
	if int(seq) >= r.count {
		return IndexEvent{}, fmt.Errorf("atf: index seq %d out of range (len=%d)", seq, r.count)
	}
	off := IndexHeaderSize + int(seq)*IndexEventSize
	return DecodeIndexEvent(r.m.data[off : off+IndexEventSize]), nil
}

// Range returns events [from, to) without intermediate allocation beyond
// the returned slice.
func (r *IndexReader) Range(from, to int) ([]IndexEvent, error) {
	if from < 0 || to > r.count || from > to {
		return nil, fmt.Errorf("atf: range [%d,%d) out of bounds (len=%d)", from, to, r.count)
	}
	out := make([]IndexEvent, to-from)
	for i := range out {
		off := IndexHeaderSize + (from+i)*IndexEventSize
		out[i] = DecodeIndexEvent(r.m.data[off : off+IndexEventSize])
	}
	return out, nil
}

// FindStart returns the smallest seq whose timestamp_ns >= ts, via binary
// search over the non-decreasing-per-thread timestamp column (§4.7).
func (r *IndexReader) FindStart(ts int64) int {
	return sort.Search(r.count, func(i int) bool {
		off := IndexHeaderSize + i*IndexEventSize
		return timestampAt(r.m.data, off) >= ts
	})
}

// FindEnd returns the smallest seq whose timestamp_ns > ts (i.e. one past
// the last event with timestamp_ns <= ts).
func (r *IndexReader) FindEnd(ts int64) int {
	return sort.Search(r.count, func(i int) bool {
		off := IndexHeaderSize + i*IndexEventSize
		return timestampAt(r.m.data, off) > ts
	})
}

func timestampAt(data []byte, off int) int64 {
	return int64(uint64(data[off]) | uint64(data[off+1])<<8 | uint64(data[off+2])<<16 | uint64(data[off+3])<<24 |
		uint64(data[off+4])<<32 | uint64(data[off+5])<<40 | uint64(data[off+6])<<48 | uint64(data[off+7])<<56)
}

// DetailReader is a zero-copy, mmap-backed reader over one thread's
// detail.atf with an in-memory detail_seq -> byte offset index built on
// open (§4.7: "≤100ms for 100k records").
type DetailReader struct {
	m         *mmapFile
	offset    map[uint32]int
	count     int
	hasFooter bool
}

// HasFooter reports whether a well-formed, CRC-verified "ATDE" footer was
// found at the end of the file (§4.6's footer-authority treatment, mirrored
// from IndexReader for the Detail side even though §6's invariant 6 only
// names index.atf explicitly).
func (r *DetailReader) HasFooter() bool { return r.hasFooter }

func OpenDetailReader(path string) (*DetailReader, error) {
	m, err := openMmap(path)
	if err != nil {
		return nil, err
	}
	if len(m.data) < DetailHeaderSize {
		_ = m.Close()
		return nil, ErrTruncated
	}
	if _, err := DecodeDetailHeader(m.data[:DetailHeaderSize]); err != nil {
		_ = m.Close()
		return nil, err
	}
	r := &DetailReader{m: m, offset: make(map[uint32]int)}
	pos := DetailHeaderSize
	seq := uint32(0)
	for pos+4+DetailEventHeaderSize <= len(m.data) {
		payloadLen := int(leUint32(m.data[pos : pos+4]))
		recStart := pos
		next := pos + 4 + DetailEventHeaderSize + payloadLen
		if next > len(m.data) {
			break // trailing footer or a truncated final record
		}
		// A well-formed footer begins with "ATDE" where a length prefix
		// would be expected; stop the scan rather than misparse it.
		if leUint32(m.data[pos:pos+4]) == magicDetailFooter {
			break
		}
		r.offset[seq] = recStart
		seq++
		pos = next
	}
	r.count = len(r.offset)

	if pos+DetailFooterSize <= len(m.data) {
		if footer, ferr := DecodeDetailFooter(m.data[pos : pos+DetailFooterSize]); ferr == nil {
			if CRC32(m.data[DetailHeaderSize:pos]) == footer.CRC && int(footer.EventCount) == r.count {
				r.hasFooter = true
			}
		}
	}
	return r, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (r *DetailReader) Close() error { return r.m.Close() }
func (r *DetailReader) Len() int     { return r.count }

// Get returns the header and payload for detail_seq, O(1) via the
// in-memory offset map.
func (r *DetailReader) Get(seq uint32) (DetailEventHeader, []byte, error) {
	off, ok := r.offset[seq]
	if !ok {
		return DetailEventHeader{}, nil, fmt.Errorf("atf: detail seq %d not found", seq)
	}
	payloadLen := int(leUint32(r.m.data[off : off+4]))
	hdr := DecodeDetailEventHeader(r.m.data[off+4 : off+4+DetailEventHeaderSize])
	payloadStart := off + 4 + DetailEventHeaderSize
	return hdr, r.m.data[payloadStart : payloadStart+payloadLen], nil
}

// ThreadTrace pairs one thread's Index and (optional) Detail readers and
// provides the O(1) bidirectional cross-links (§4.7).
type ThreadTrace struct {
	ThreadID uint64
	Index    *IndexReader
	Detail   *DetailReader // nil if the thread has no detail.atf
}

// GetDetailFor returns the Detail record linked from an IndexEvent, or
// ok=false if the event has no link (detail_seq == NONE) or no detail file
// exists for this thread.
func (t *ThreadTrace) GetDetailFor(e IndexEvent) (hdr DetailEventHeader, payload []byte, ok bool) {
	if t.Detail == nil || e.DetailSeq == NoSeq {
		return DetailEventHeader{}, nil, false
	}
	h, p, err := t.Detail.Get(e.DetailSeq)
	if err != nil {
		return DetailEventHeader{}, nil, false
	}
	return h, p, true
}

// GetIndexFor returns the IndexEvent linked from a Detail record, or
// ok=false if unlinked.
func (t *ThreadTrace) GetIndexFor(h DetailEventHeader) (IndexEvent, bool) {
	if h.IndexSeq == NoSeq {
		return IndexEvent{}, false
	}
	e, err := t.Index.Get(h.IndexSeq)
	if err != nil {
		return IndexEvent{}, false
	}
	return e, true
}

func (t *ThreadTrace) Close() error {
	var err error
	if t.Index != nil {
		err = t.Index.Close()
	}
	if t.Detail != nil {
		if derr := t.Detail.Close(); err == nil {
			err = derr
		}
	}
	return err
}

// --- merged cross-thread iteration ------------------------------------------

// MergedEvent is one event from the cross-thread, timestamp-ordered merge.
type MergedEvent struct {
	ThreadID uint64
	Seq      uint32
	Event    IndexEvent
}

type mergeItem struct {
	threadID uint64
	slotIdx  int // position of this thread's trace in the caller's traces slice (§8 S2: "ties broken by thread slot index")
	reader   *IndexReader
	pos      int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ei, _ := h[i].reader.Get(uint32(h[i].pos))
	ej, _ := h[j].reader.Get(uint32(h[j].pos))
	if ei.TimestampNs != ej.TimestampNs {
		return ei.TimestampNs < ej.TimestampNs
	}
	return h[i].slotIdx < h[j].slotIdx
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergedIter performs a k-way merge across every thread's IndexReader,
// yielding events in non-decreasing global timestamp order (§4.7). It
// visits each thread's events in its own on-disk order, which is already
// non-decreasing per §3.
func MergedIter(traces []*ThreadTrace) func(yield func(MergedEvent) bool) {
	return func(yield func(MergedEvent) bool) {
		h := make(mergeHeap, 0, len(traces))
		for i, t := range traces {
			if t.Index != nil && t.Index.Len() > 0 {
				h = append(h, &mergeItem{threadID: t.ThreadID, slotIdx: i, reader: t.Index, pos: 0})
			}
		}
		heap.Init(&h)
		for h.Len() > 0 {
			top := h[0]
			e, err := top.reader.Get(uint32(top.pos))
			if err != nil {
				heap.Pop(&h)
				continue
			}
			if !yield(MergedEvent{ThreadID: top.threadID, Seq: uint32(top.pos), Event: e}) {
				return
			}
			top.pos++
			if top.pos >= top.reader.Len() {
				heap.Pop(&h)
			} else {
				heap.Fix(&h, 0)
			}
		}
	}
}

// --- session-level reader ----------------------------------------------------

// SessionReader is the consumer/analysis-side entry point for a finished
// trace (§4.7: "Session reader: parses the session manifest, opens each
// thread's readers, and exposes a merged_iter()"). It opens every thread's
// index.atf (and detail.atf, when the manifest says one exists) in the
// order manifest.json lists them -- the order the drain loop recorded
// threads in, itself the ThreadRegistry's slot order -- so MergedIter's
// tie-break by thread slot index (§8 S2) is correct without the caller
// tracking slot indices itself.
type SessionReader struct {
	dir      string
	manifest Manifest
	traces   []*ThreadTrace
}

// OpenSessionReader reads bundleDir/manifest.json and mmap-opens every
// listed thread's trace files.
func OpenSessionReader(bundleDir string) (*SessionReader, error) {
	raw, err := os.ReadFile(filepath.Join(bundleDir, "manifest.json")) // #nosec G304 -- bundleDir is caller-supplied session output, not untrusted input
	if err != nil {
		return nil, fmt.Errorf("atf: read manifest.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("atf: parse manifest.json: %w", err)
	}

	sr := &SessionReader{dir: bundleDir, manifest: m}
	for _, th := range m.Threads {
		threadDir := filepath.Join(bundleDir, fmt.Sprintf("thread-%d", th.ThreadID))
		ir, err := OpenIndexReader(filepath.Join(threadDir, "index.atf"))
		if err != nil {
			_ = sr.Close()
			return nil, fmt.Errorf("atf: open index.atf for thread %d: %w", th.ThreadID, err)
		}
		trace := &ThreadTrace{ThreadID: th.ThreadID, Index: ir}
		if th.HasDetail {
			dr, err := OpenDetailReader(filepath.Join(threadDir, "detail.atf"))
			if err != nil {
				_ = ir.Close()
				_ = sr.Close()
				return nil, fmt.Errorf("atf: open detail.atf for thread %d: %w", th.ThreadID, err)
			}
			trace.Detail = dr
		}
		sr.traces = append(sr.traces, trace)
	}
	return sr, nil
}

// Manifest returns the parsed manifest.json document.
func (s *SessionReader) Manifest() Manifest { return s.manifest }

// Traces returns every opened thread trace, in manifest (slot) order.
func (s *SessionReader) Traces() []*ThreadTrace { return s.traces }

// Trace looks up one thread's trace by thread id.
func (s *SessionReader) Trace(threadID uint64) (*ThreadTrace, bool) {
	for _, t := range s.traces {
		if t.ThreadID == threadID {
			return t, true
		}
	}
	return nil, false
}

// MergedIter performs the k-way, timestamp-ordered merge across every
// thread this session reader opened (§4.7).
func (s *SessionReader) MergedIter() func(yield func(MergedEvent) bool) {
	return MergedIter(s.traces)
}

// Close releases every underlying mmap.
func (s *SessionReader) Close() error {
	var err error
	for _, t := range s.traces {
		if cerr := t.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
