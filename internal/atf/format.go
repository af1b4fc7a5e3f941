// Package atf implements the ATF v2 on-disk trace format (§4.6, §4.7, C6,
// C7): one index.atf and optional detail.atf per traced thread, plus the
// session-wide manifest.json and window_metadata.jsonl companion files.
package atf

import (
	"encoding/binary"
	"hash/crc32"
)

// EventKind is IndexEvent's event_kind (§3).
type EventKind uint8

const (
	EventCall      EventKind = 1
	EventReturn    EventKind = 2
	EventException EventKind = 3
)

// NoSeq is the sentinel for an absent bidirectional link (u32::MAX, §3).
const NoSeq uint32 = 0xFFFFFFFF

// IndexEventSize is the fixed on-disk size of one IndexEvent record (§3).
const IndexEventSize = 32

// IndexEvent is the fixed 32-byte, always-captured record (§3).
type IndexEvent struct {
	TimestampNs int64
	FunctionID  uint64
	ThreadID    uint64
	EventKind   EventKind
	CallDepth   uint8
	_           uint16 // padding to keep DetailSeq 4-byte aligned
	DetailSeq   uint32
}

// EncodeIndexEvent writes e into dst[:32] little-endian.
func EncodeIndexEvent(dst []byte, e IndexEvent) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(e.TimestampNs))
	binary.LittleEndian.PutUint64(dst[8:16], e.FunctionID)
	binary.LittleEndian.PutUint64(dst[16:24], e.ThreadID)
	dst[24] = byte(e.EventKind)
	dst[25] = e.CallDepth
	dst[26] = 0
	dst[27] = 0
	binary.LittleEndian.PutUint32(dst[28:32], e.DetailSeq)
}

// DecodeIndexEvent reads an IndexEvent from src[:32].
func DecodeIndexEvent(src []byte) IndexEvent {
	return IndexEvent{
		TimestampNs: int64(binary.LittleEndian.Uint64(src[0:8])),
		FunctionID:  binary.LittleEndian.Uint64(src[8:16]),
		ThreadID:    binary.LittleEndian.Uint64(src[16:24]),
		EventKind:   EventKind(src[24]),
		CallDepth:   src[25],
		DetailSeq:   binary.LittleEndian.Uint32(src[28:32]),
	}
}

// ModuleID / SymbolIndex split a function_id per §3: upper 32 bits are the
// module id, lower 32 bits are the per-module symbol index.
func ModuleID(functionID uint64) uint32    { return uint32(functionID >> 32) }
func SymbolIndex(functionID uint64) uint32 { return uint32(functionID) }

// MakeFunctionID packs a module id and per-module symbol index (§3).
func MakeFunctionID(module, symbol uint32) uint64 {
	return uint64(module)<<32 | uint64(symbol)
}

// DetailEventHeaderSize is the fixed header preceding every Detail payload.
const DetailEventHeaderSize = 24

// DetailEventHeader is the fixed portion of a variable-size Detail record
// (§3): index_seq (back-link), payload_len, event_type.
type DetailEventHeader struct {
	IndexSeq  uint32
	PayloadLen uint32
	EventType uint32
	_         [12]byte // reserved, keeps the header a round 24 bytes
}

// EncodeDetailEventHeader writes h into dst[:24] little-endian.
func EncodeDetailEventHeader(dst []byte, h DetailEventHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], h.IndexSeq)
	binary.LittleEndian.PutUint32(dst[4:8], h.PayloadLen)
	binary.LittleEndian.PutUint32(dst[8:12], h.EventType)
	for i := 12; i < 24; i++ {
		dst[i] = 0
	}
}

// DecodeDetailEventHeader reads a DetailEventHeader from src[:24].
func DecodeDetailEventHeader(src []byte) DetailEventHeader {
	return DetailEventHeader{
		IndexSeq:   binary.LittleEndian.Uint32(src[0:4]),
		PayloadLen: binary.LittleEndian.Uint32(src[4:8]),
		EventType:  binary.LittleEndian.Uint32(src[8:12]),
	}
}

// --- file headers/footers ---------------------------------------------------

const (
	IndexHeaderSize  = 64
	IndexFooterSize  = 32
	DetailHeaderSize = 64
	DetailFooterSize = 24

	magicIndexHeader  uint32 = 0x32495441 // "ATI2" little-endian
	magicIndexFooter  uint32 = 0x45495441 // "ATIE"
	magicDetailHeader uint32 = 0x32445441 // "ATD2"
	magicDetailFooter uint32 = 0x45445441 // "ATDE"

	formatVersion uint32 = 2
	endianMarker  uint32 = 0x01020304 // little-endian canary
)

// IndexHeader is the 64-byte header written at offset 0 of index.atf.
type IndexHeader struct {
	EventCountTentative uint64
	TimeStartNs         int64
	TimeEndNs           int64
	HasDetail           bool
	ModuleTableOffset   uint64
}

func EncodeIndexHeader(dst []byte, h IndexHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], magicIndexHeader)
	binary.LittleEndian.PutUint32(dst[4:8], formatVersion)
	binary.LittleEndian.PutUint32(dst[8:12], endianMarker)
	binary.LittleEndian.PutUint32(dst[12:16], IndexEventSize)
	binary.LittleEndian.PutUint64(dst[16:24], h.EventCountTentative)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.TimeStartNs))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(h.TimeEndNs))
	var hd byte
	if h.HasDetail {
		hd = 1
	}
	dst[40] = hd
	binary.LittleEndian.PutUint64(dst[48:56], h.ModuleTableOffset)
}

func DecodeIndexHeader(src []byte) (IndexHeader, error) {
	if binary.LittleEndian.Uint32(src[0:4]) != magicIndexHeader {
		return IndexHeader{}, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(src[4:8]) != formatVersion {
		return IndexHeader{}, ErrUnsupportedVersion
	}
	return IndexHeader{
		EventCountTentative: binary.LittleEndian.Uint64(src[16:24]),
		TimeStartNs:         int64(binary.LittleEndian.Uint64(src[24:32])),
		TimeEndNs:           int64(binary.LittleEndian.Uint64(src[32:40])),
		HasDetail:           src[40] != 0,
		ModuleTableOffset:   binary.LittleEndian.Uint64(src[48:56]),
	}, nil
}

// IndexFooter is the authoritative trailer written on finalize (§4.6).
type IndexFooter struct {
	EventCount  uint64
	TimeStartNs int64
	TimeEndNs   int64
	CRC         uint32
}

func EncodeIndexFooter(dst []byte, f IndexFooter) {
	binary.LittleEndian.PutUint32(dst[0:4], magicIndexFooter)
	binary.LittleEndian.PutUint64(dst[4:12], f.EventCount)
	binary.LittleEndian.PutUint64(dst[12:20], uint64(f.TimeStartNs))
	binary.LittleEndian.PutUint64(dst[20:28], uint64(f.TimeEndNs))
	binary.LittleEndian.PutUint32(dst[28:32], f.CRC)
}

func DecodeIndexFooter(src []byte) (IndexFooter, error) {
	if binary.LittleEndian.Uint32(src[0:4]) != magicIndexFooter {
		return IndexFooter{}, ErrBadMagic
	}
	return IndexFooter{
		EventCount:  binary.LittleEndian.Uint64(src[4:12]),
		TimeStartNs: int64(binary.LittleEndian.Uint64(src[12:20])),
		TimeEndNs:   int64(binary.LittleEndian.Uint64(src[20:28])),
		CRC:         binary.LittleEndian.Uint32(src[28:32]),
	}, nil
}

// DetailHeader is the 64-byte header at offset 0 of detail.atf.
type DetailHeader struct {
	EventCountTentative uint64
}

func EncodeDetailHeader(dst []byte, h DetailHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], magicDetailHeader)
	binary.LittleEndian.PutUint32(dst[4:8], formatVersion)
	binary.LittleEndian.PutUint32(dst[8:12], endianMarker)
	binary.LittleEndian.PutUint64(dst[12:20], h.EventCountTentative)
}

func DecodeDetailHeader(src []byte) (DetailHeader, error) {
	if binary.LittleEndian.Uint32(src[0:4]) != magicDetailHeader {
		return DetailHeader{}, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(src[4:8]) != formatVersion {
		return DetailHeader{}, ErrUnsupportedVersion
	}
	return DetailHeader{EventCountTentative: binary.LittleEndian.Uint64(src[12:20])}, nil
}

// DetailFooter is the trailer written on finalize.
type DetailFooter struct {
	EventCount uint64
	CRC        uint32
}

func EncodeDetailFooter(dst []byte, f DetailFooter) {
	binary.LittleEndian.PutUint32(dst[0:4], magicDetailFooter)
	binary.LittleEndian.PutUint64(dst[4:12], f.EventCount)
	binary.LittleEndian.PutUint32(dst[12:16], f.CRC)
}

func DecodeDetailFooter(src []byte) (DetailFooter, error) {
	if binary.LittleEndian.Uint32(src[0:4]) != magicDetailFooter {
		return DetailFooter{}, ErrBadMagic
	}
	return DetailFooter{
		EventCount: binary.LittleEndian.Uint64(src[4:12]),
		CRC:        binary.LittleEndian.Uint32(src[12:16]),
	}, nil
}

// CRC32 computes the footer checksum over a byte range (the event array,
// or the concatenated variable-length detail records). IEEE polynomial:
// no third-party CRC package appears anywhere in the retrieved corpus, and
// crc32 is a single stdlib call with no meaningful library alternative.
func CRC32(data []byte) uint32 { return crc32.ChecksumIEEE(data) }
