package shm

import "fmt"

// Entry is one enumerated, index-addressed arena published by the writer
// process. Entries are immutable for the lifetime of a session: a producer
// that observes the Directory never needs to re-read it.
type Entry struct {
	Name string
	Size int
}

// Directory is the fixed, ordered list of shared arenas a session exposes.
// Both the writer and producer processes build the same Directory value
// (from session configuration, not from shared memory itself) and then
// index into it identically — so "base[idx]+offset" addressing never needs
// the Directory's own bytes to live in shared memory.
type Directory struct {
	entries []Entry
	index   map[string]int
}

// NewDirectory builds a Directory from an ordered entry list. The order is
// part of the session's identity: callers conventionally put the control
// block at index 0 and the thread registry at index 1.
func NewDirectory(entries ...Entry) *Directory {
	d := &Directory{entries: entries, index: make(map[string]int, len(entries))}
	for i, e := range entries {
		d.index[e.Name] = i
	}
	return d
}

// Len returns the number of enumerated entries.
func (d *Directory) Len() int { return len(d.entries) }

// At returns the entry at a fixed index.
func (d *Directory) At(idx int) (Entry, error) {
	if idx < 0 || idx >= len(d.entries) {
		return Entry{}, fmt.Errorf("shm: directory index %d out of range [0,%d)", idx, len(d.entries))
	}
	return d.entries[idx], nil
}

// Find returns the index of a named entry.
func (d *Directory) Find(name string) (int, bool) {
	idx, ok := d.index[name]
	return idx, ok
}

// Entries returns a copy of the entry list, for manifest/diagnostic output.
func (d *Directory) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}
