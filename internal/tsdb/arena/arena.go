// Package arena manages the growable memory-mapped byte space that backs
// the time-series store.
//
// All structures in the store live inside a single arena and refer to each
// other by file offset, never by process address. Offsets stay valid across
// remaps and across process restarts, which is what makes the on-disk layout
// directly reusable after a crash or clean shutdown.
//
// Allocation is bump-only: the cursor only ever advances, offsets are never
// reused, and there is no deallocation primitive. Reclaiming space would
// need an explicit free-list layer on top; retrofitting in-place
// deallocation would break the "offsets never reused" invariant that chain
// links depend on.
package arena

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/haysel/hayselnut/internal/errors"
)

const (
	// minSize is the smallest backing file the arena will create.
	minSize = 64 * 1024

	// alignment applied to every allocation. Keeps multi-byte header
	// fields naturally aligned within the mapping.
	alignment = 8
)

// Arena is a growable memory-mapped file. It is safe for concurrent
// readers; mutation (allocation, growth) must be serialized by the caller,
// which the engine's single-owner loop guarantees.
type Arena struct {
	mu   sync.RWMutex
	f    *os.File
	data []byte
	size uint64

	// cursor is the bump-allocation cursor. It is mirrored into the
	// superblock by the store after every allocation so that it survives
	// restarts.
	cursor uint64

	// retired holds superseded mappings. They are kept mapped until Close
	// so that slices handed to in-flight readers never dangle across a
	// growth remap.
	retired [][]byte

	closed bool
}

// Open maps the file at path, creating it with initialSize bytes if it does
// not exist. A zero initialSize uses the package minimum.
func Open(path string, initialSize uint64) (*Arena, error) {
	if initialSize < minSize {
		initialSize = minSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open arena file: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat arena file: %w", err)
	}

	size := uint64(st.Size())
	if size == 0 {
		// Fresh file: size it up front. ftruncate extends with zeros, so
		// every byte past the cursor reads as zero until allocated.
		if err := f.Truncate(int64(initialSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size arena file: %w", err)
		}
		size = initialSize
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map arena file: %w", err)
	}

	return &Arena{f: f, data: data, size: size}, nil
}

// Size returns the current length of the mapping in bytes.
func (a *Arena) Size() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// Cursor returns the current bump-allocation cursor.
func (a *Arena) Cursor() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cursor
}

// SetCursor initializes the allocation cursor. Called once at store open,
// after the superblock has been read, and never moved backwards.
func (a *Arena) SetCursor(off uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if off > a.size {
		return errors.NewCorruptf("allocation cursor %d beyond file length %d", off, a.size)
	}
	if off < a.cursor {
		return errors.NewCorruptf("allocation cursor moved backwards (%d -> %d)", a.cursor, off)
	}
	a.cursor = off
	return nil
}

// Allocate reserves size bytes at the current end of the arena and returns
// the offset of the new region. The region reads as zeros. The backing file
// grows geometrically when capacity is exceeded.
//
// Failure here is fatal to the store: a failed grow is an I/O error that is
// never retried.
func (a *Arena) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", errors.ErrAllocFailed)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, errors.ErrStoreClosed
	}

	aligned := (size + alignment - 1) &^ (alignment - 1)
	off := a.cursor

	if off+aligned > a.size {
		if err := a.growLocked(off + aligned); err != nil {
			return 0, fmt.Errorf("%w: %v", errors.ErrAllocFailed, err)
		}
	}

	a.cursor = off + aligned
	return off, nil
}

// growLocked extends the backing file and remaps it so that at least need
// bytes are addressable. The superseded mapping is retired, not unmapped:
// readers holding slices into it stay valid until Close.
func (a *Arena) growLocked(need uint64) error {
	newSize := a.size
	for newSize < need {
		newSize *= 2
	}

	if err := a.f.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("grow arena file to %d: %w", newSize, err)
	}

	data, err := unix.Mmap(int(a.f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap arena at %d: %w", newSize, err)
	}

	a.retired = append(a.retired, a.data)
	a.data = data
	a.size = newSize
	return nil
}

// Bytes returns a view of the mapping at [off, off+length). Every
// dereference in the store goes through here so that a stored offset is
// range-checked against the current mapping length before use; an offset
// past the bound is treated as corruption, never as a panic.
func (a *Arena) Bytes(off, length uint64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, errors.ErrStoreClosed
	}
	if off+length < off || off+length > a.size {
		return nil, errors.NewCorruptf("offset range [%d,%d) beyond file length %d", off, off+length, a.size)
	}
	return a.data[off : off+length : off+length], nil
}

// Sync flushes the mapping to the backing file.
func (a *Arena) Sync() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.ErrStoreClosed
	}
	if err := unix.Msync(a.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync arena: %w", err)
	}
	return nil
}

// Close syncs and unmaps the arena, including any mappings retired by
// growth, then closes the backing file.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	if err := unix.Msync(a.data, unix.MS_SYNC); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("msync arena: %w", err)
	}
	for _, m := range a.retired {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmap retired mapping: %w", err)
		}
	}
	a.retired = nil
	if err := unix.Munmap(a.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unmap arena: %w", err)
	}
	a.data = nil
	if err := a.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close arena file: %w", err)
	}
	return firstErr
}
