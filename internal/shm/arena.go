// Package shm provides the shared-memory arena primitives the core uses to
// hand a byte region to two unrelated processes: a file-backed mmap region
// under a session's shm directory, named and sized the same way on both
// sides so each process computes addresses locally (base[idx] + offset,
// never an absolute pointer carried over the wire).
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Arena is a single mmap'd region, created by exactly one side (the writer
// process) and attached read-write by the other (producer processes). Both
// sides see the same bytes; all structure overlaid on top of Bytes() must
// use fixed offsets and atomic access, never Go pointers.
type Arena struct {
	path string
	data []byte
	file *os.File
}

// Create makes (or truncates) the backing file at dir/name to size bytes and
// maps it MAP_SHARED. Only the writer process calls Create; it owns deletion.
func Create(dir, name string, size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: create %s: size must be > 0, got %d", name, size)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("shm: create %s: mkdir %s: %w", name, dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- path built from session dir + fixed directory names
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: create %s: truncate: %w", name, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: create %s: mmap: %w", name, err)
	}
	return &Arena{path: path, data: data, file: f}, nil
}

// Attach opens an existing arena created by the writer process and maps it
// read-write. It fails if the on-disk file is smaller than size (the caller
// should treat that as a corrupt or not-yet-ready Shm Directory entry).
func Attach(dir, name string, size int) (*Arena, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0) // #nosec G304 -- path built from session dir + fixed directory names
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: attach %s: stat: %w", name, err)
	}
	if info.Size() < int64(size) {
		_ = f.Close()
		return nil, fmt.Errorf("shm: attach %s: on-disk size %d < expected %d", name, info.Size(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("shm: attach %s: mmap: %w", name, err)
	}
	return &Arena{path: path, data: data, file: f}, nil
}

// Bytes returns the mapped region. Callers overlay fixed-offset structures
// on top of this slice using unsafe.Pointer + sync/atomic, never append/grow it.
func (a *Arena) Bytes() []byte { return a.data }

// Sync flushes dirty pages to the backing file (best-effort durability point,
// used on shutdown/finalize, never on the hot path).
func (a *Arena) Sync() error {
	if len(a.data) == 0 {
		return nil
	}
	return unix.Msync(a.data, unix.MS_SYNC)
}

// Close unmaps the region. It does not remove the backing file; only the
// owning writer process's Destroy does that.
func (a *Arena) Close() error {
	var err error
	if len(a.data) != 0 {
		err = unix.Munmap(a.data)
		a.data = nil
	}
	if a.file != nil {
		if cerr := a.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Destroy unmaps and removes the backing file. Only the writer process (the
// arena's creator) may call this.
func (a *Arena) Destroy() error {
	path := a.path
	if err := a.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: destroy %s: %w", path, err)
	}
	return nil
}
