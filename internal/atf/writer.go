package atf

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agilira/flightrecorder/internal/window"
)

// IndexWriter appends IndexEvent records to one thread's index.atf,
// tracking event_count and the observed timestamp range so Finalize can
// write an authoritative footer (§4.6).
type IndexWriter struct {
	f       *os.File
	bw      *bufio.Writer
	count   uint32
	startNs int64
	endNs   int64
	seen    bool
	crc     crcAccumulator
	logger  *zap.Logger
}

// NewIndexWriter creates path and reserves its 64-byte header (written with
// tentative values now, overwritten by Finalize).
func NewIndexWriter(path string, logger *zap.Logger) (*IndexWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- path built from session dir + thread id
	if err != nil {
		return nil, fmt.Errorf("atf: create %s: %w", path, err)
	}
	hdr := make([]byte, IndexHeaderSize)
	EncodeIndexHeader(hdr, IndexHeader{})
	if _, err := f.Write(hdr); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("atf: write header %s: %w", path, err)
	}
	return &IndexWriter{f: f, bw: bufio.NewWriter(f), logger: logger}, nil
}

// NextSeq returns the sequence number the next WriteEvent call will assign,
// without consuming it — used to pre-compute the bidirectional Detail link
// before either side has actually written its record.
func (w *IndexWriter) NextSeq() uint32 { return w.count }

// EventCount, TimeStartNs, and TimeEndNs expose the running totals Finalize
// will write into the footer, for the caller to mirror into manifest.json's
// per-thread entry without re-reading the file back.
func (w *IndexWriter) EventCount() uint32 { return w.count }
func (w *IndexWriter) TimeStartNs() int64 { return w.startNs }
func (w *IndexWriter) TimeEndNs() int64   { return w.endNs }

// WriteEvent appends e and returns the sequence number it was assigned.
func (w *IndexWriter) WriteEvent(e IndexEvent) (uint32, error) {
	var buf [IndexEventSize]byte
	EncodeIndexEvent(buf[:], e)
	if _, err := w.bw.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("atf: write index event: %w", err)
	}
	w.crc.write(buf[:])
	seq := w.count
	w.count++
	if !w.seen {
		w.startNs, w.endNs, w.seen = e.TimestampNs, e.TimestampNs, true
	} else if e.TimestampNs > w.endNs {
		w.endNs = e.TimestampNs
	}
	return seq, nil
}

// Finalize flushes buffered events, writes the authoritative footer, fsyncs,
// and closes the file. hasDetail records whether a companion detail.atf
// exists for this thread.
func (w *IndexWriter) Finalize(hasDetail bool) error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("atf: flush index events: %w", err)
	}
	footer := make([]byte, IndexFooterSize)
	EncodeIndexFooter(footer, IndexFooter{
		EventCount:  uint64(w.count),
		TimeStartNs: w.startNs,
		TimeEndNs:   w.endNs,
		CRC:         w.crc.sum(),
	})
	if _, err := w.f.Write(footer); err != nil {
		return fmt.Errorf("atf: write index footer: %w", err)
	}
	hdr := make([]byte, IndexHeaderSize)
	EncodeIndexHeader(hdr, IndexHeader{
		EventCountTentative: uint64(w.count),
		TimeStartNs:         w.startNs,
		TimeEndNs:           w.endNs,
		HasDetail:           hasDetail,
	})
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("atf: rewrite index header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("atf: fsync index file: %w", err)
	}
	if w.logger != nil {
		w.logger.Debug("index.atf finalized", zap.Uint32("event_count", w.count))
	}
	return w.f.Close()
}

// DetailWriter appends variable-length Detail records (§4.6).
type DetailWriter struct {
	f      *os.File
	bw     *bufio.Writer
	count  uint32
	crc    crcAccumulator
	logger *zap.Logger
}

func NewDetailWriter(path string, logger *zap.Logger) (*DetailWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- path built from session dir + thread id
	if err != nil {
		return nil, fmt.Errorf("atf: create %s: %w", path, err)
	}
	hdr := make([]byte, DetailHeaderSize)
	EncodeDetailHeader(hdr, DetailHeader{})
	if _, err := f.Write(hdr); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("atf: write header %s: %w", path, err)
	}
	return &DetailWriter{f: f, bw: bufio.NewWriter(f), logger: logger}, nil
}

// NextSeq mirrors IndexWriter.NextSeq for the Detail side.
func (w *DetailWriter) NextSeq() uint32 { return w.count }

// WriteEvent appends a self-delimiting [u32 len][header][payload] record.
func (w *DetailWriter) WriteEvent(hdr DetailEventHeader, payload []byte) (uint32, error) {
	hdr.PayloadLen = uint32(len(payload))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], hdr.PayloadLen)
	var hdrBuf [DetailEventHeaderSize]byte
	EncodeDetailEventHeader(hdrBuf[:], hdr)

	if _, err := w.bw.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("atf: write detail length: %w", err)
	}
	if _, err := w.bw.Write(hdrBuf[:]); err != nil {
		return 0, fmt.Errorf("atf: write detail header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.bw.Write(payload); err != nil {
			return 0, fmt.Errorf("atf: write detail payload: %w", err)
		}
	}
	w.crc.write(lenBuf[:])
	w.crc.write(hdrBuf[:])
	w.crc.write(payload)

	seq := w.count
	w.count++
	return seq, nil
}

func (w *DetailWriter) Finalize() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("atf: flush detail events: %w", err)
	}
	footer := make([]byte, DetailFooterSize)
	EncodeDetailFooter(footer, DetailFooter{EventCount: uint64(w.count), CRC: w.crc.sum()})
	if _, err := w.f.Write(footer); err != nil {
		return fmt.Errorf("atf: write detail footer: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("atf: fsync detail file: %w", err)
	}
	if w.logger != nil {
		w.logger.Debug("detail.atf finalized", zap.Uint32("event_count", w.count))
	}
	return w.f.Close()
}

// crcAccumulator feeds bytes to crc32 incrementally without buffering the
// whole event array in memory (thread traces can run to 100k+ events).
type crcAccumulator struct {
	h hash.Hash32
}

func (c *crcAccumulator) write(p []byte) {
	if c.h == nil {
		c.h = crc32.NewIEEE()
	}
	c.h.Write(p) // #nosec G104 -- hash.Hash.Write never returns an error
}

func (c *crcAccumulator) sum() uint32 {
	if c.h == nil {
		return 0
	}
	return c.h.Sum32()
}

// --- session-level: manifest + window metadata ------------------------------

// ManifestThread describes one traced thread in manifest.json.
type ManifestThread struct {
	ThreadID    uint64 `json:"thread_id"`
	HasDetail   bool   `json:"has_detail"`
	EventCount  uint32 `json:"event_count"`
	TimeStartNs int64  `json:"time_start_ns"`
	TimeEndNs   int64  `json:"time_end_ns"`
}

// ManifestModule is one entry of the module table (§3's supplemental
// ModuleTable entry): a stable function_id upper-32-bits value paired with
// the name the instrumentation collaborator reported for it. Symbol
// resolution itself stays out of scope; the core only persists the names
// it is told.
type ManifestModule struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// ManifestSchemaVersion is the manifest.json schema version (§6).
const ManifestSchemaVersion = 2

// Manifest is the session-root manifest.json document (§4.6, §6).
type Manifest struct {
	SessionID     string           `json:"session_id"`
	SchemaVersion int              `json:"schema_version"`
	TimeStartNs   int64            `json:"time_start_ns"`
	TimeEndNs     int64            `json:"time_end_ns"`
	Threads       []ManifestThread `json:"threads"`
	Modules       []ManifestModule `json:"modules"`
	Config        map[string]any   `json:"config"`
}

// SessionWriter owns a session's output directory: per-thread
// index.atf/detail.atf, manifest.json, and window_metadata.jsonl. It
// implements window.MetadataWriter.
type SessionWriter struct {
	dir    string
	logger *zap.Logger

	mu         sync.Mutex
	windowFile *os.File
	windowJSON *json.Encoder
	manifest   Manifest
	modules    map[uint32]string
}

// NewSessionWriter creates dir (and the session's window_metadata.jsonl)
// for a new trace session.
func NewSessionWriter(dir, sessionID string, logger *zap.Logger) (*SessionWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("atf: mkdir session dir %s: %w", dir, err)
	}
	wf, err := os.OpenFile(filepath.Join(dir, "window_metadata.jsonl"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("atf: create window_metadata.jsonl: %w", err)
	}
	return &SessionWriter{
		dir:        dir,
		logger:     logger,
		windowFile: wf,
		windowJSON: json.NewEncoder(wf),
		manifest:   Manifest{SessionID: sessionID, SchemaVersion: ManifestSchemaVersion},
	}, nil
}

// ThreadDir returns (and creates) the subdirectory for a given thread id.
func (s *SessionWriter) ThreadDir(threadID uint64) (string, error) {
	dir := filepath.Join(s.dir, fmt.Sprintf("thread-%d", threadID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("atf: mkdir thread dir: %w", err)
	}
	return dir, nil
}

// WriteWindowMetadata implements window.MetadataWriter: one JSON object per
// line, per persisted window (§4.6).
func (s *SessionWriter) WriteWindowMetadata(m window.WindowMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowJSON.Encode(m)
}

// RecordThread appends a thread's final stats to the in-memory manifest.
// Call once per thread after its index/detail writers finalize.
func (s *SessionWriter) RecordThread(t ManifestThread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Threads = append(s.manifest.Threads, t)
	if t.EventCount == 0 {
		return
	}
	if s.manifest.TimeStartNs == 0 || t.TimeStartNs < s.manifest.TimeStartNs {
		s.manifest.TimeStartNs = t.TimeStartNs
	}
	if t.TimeEndNs > s.manifest.TimeEndNs {
		s.manifest.TimeEndNs = t.TimeEndNs
	}
}

// RegisterModule records a module id -> name mapping for manifest.json's
// module table. Safe to call repeatedly for the same id (last write wins);
// the instrumentation collaborator is expected to register each module
// once, the first time one of its symbols is traced.
func (s *SessionWriter) RegisterModule(id uint32, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modules == nil {
		s.modules = make(map[uint32]string)
	}
	s.modules[id] = name
}

// SetConfig attaches the session-level configuration snapshot to the
// manifest (§4.6: "lists ... the session-level configuration").
func (s *SessionWriter) SetConfig(cfg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Config = cfg
}

// Finalize closes window_metadata.jsonl and writes manifest.json.
func (s *SessionWriter) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.windowFile.Sync(); err != nil {
		return fmt.Errorf("atf: fsync window_metadata.jsonl: %w", err)
	}
	if err := s.windowFile.Close(); err != nil {
		return fmt.Errorf("atf: close window_metadata.jsonl: %w", err)
	}
	if len(s.modules) > 0 {
		ids := make([]uint32, 0, len(s.modules))
		for id := range s.modules {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		s.manifest.Modules = make([]ManifestModule, 0, len(ids))
		for _, id := range ids {
			s.manifest.Modules = append(s.manifest.Modules, ManifestModule{ID: id, Name: s.modules[id]})
		}
	}
	mf, err := os.OpenFile(filepath.Join(s.dir, "manifest.json"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return fmt.Errorf("atf: create manifest.json: %w", err)
	}
	enc := json.NewEncoder(mf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.manifest); err != nil {
		_ = mf.Close()
		return fmt.Errorf("atf: write manifest.json: %w", err)
	}
	if err := mf.Sync(); err != nil {
		_ = mf.Close()
		return fmt.Errorf("atf: fsync manifest.json: %w", err)
	}
	return mf.Close()
}
