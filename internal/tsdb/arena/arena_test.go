package arena

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	herrors "github.com/haysel/hayselnut/internal/errors"
)

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	a, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.Size() != minSize {
		t.Errorf("fresh arena size = %d, want %d", a.Size(), minSize)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat backing file: %v", err)
	}
	if uint64(st.Size()) != minSize {
		t.Errorf("backing file size = %d, want %d", st.Size(), minSize)
	}
}

func TestAllocateAlignment(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	cases := []struct {
		size uint64
		want uint64 // cursor advance
	}{
		{1, 8},
		{8, 8},
		{9, 16},
		{13, 16},
		{64, 64},
	}
	for _, tc := range cases {
		before := a.Cursor()
		off, err := a.Allocate(tc.size)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", tc.size, err)
		}
		if off != before {
			t.Errorf("Allocate(%d) offset = %d, want cursor %d", tc.size, off, before)
		}
		if off%alignment != 0 {
			t.Errorf("Allocate(%d) offset %d not %d-byte aligned", tc.size, off, alignment)
		}
		if got := a.Cursor() - before; got != tc.want {
			t.Errorf("Allocate(%d) advanced cursor by %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestAllocateZeroFails(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, err := a.Allocate(0); !errors.Is(err, herrors.ErrAllocFailed) {
		t.Errorf("Allocate(0) = %v, want ErrAllocFailed", err)
	}
}

func TestGrowPreservesContents(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	off, err := a.Allocate(128)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf, err := a.Bytes(off, 128)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for i := range buf {
		buf[i] = byte(i)
	}

	// Hold the pre-growth view; force at least one growth remap.
	old := buf
	for a.Size() == minSize {
		if _, err := a.Allocate(4096); err != nil {
			t.Fatalf("Allocate during growth: %v", err)
		}
	}

	fresh, err := a.Bytes(off, 128)
	if err != nil {
		t.Fatalf("Bytes after growth: %v", err)
	}
	for i := range fresh {
		if fresh[i] != byte(i) {
			t.Fatalf("byte %d = %d after growth, want %d", i, fresh[i], byte(i))
		}
	}

	// The retired mapping stays coherent with the new one: both are
	// MAP_SHARED views of the same pages.
	old[0] = 0xAA
	if fresh[0] != 0xAA {
		t.Error("write through retired mapping not visible in current mapping")
	}
}

func TestGrowIsGeometric(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, err := a.Allocate(minSize + 1); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Size() != 2*minSize {
		t.Errorf("size after overflow = %d, want %d", a.Size(), 2*minSize)
	}
}

func TestBytesRangeChecked(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	cases := []struct {
		name        string
		off, length uint64
	}{
		{"past end", minSize, 1},
		{"straddles end", minSize - 4, 8},
		{"overflows uint64", ^uint64(0) - 4, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.Bytes(tc.off, tc.length); !errors.Is(err, herrors.ErrStorageCorrupt) {
				t.Errorf("Bytes(%d, %d) = %v, want ErrStorageCorrupt", tc.off, tc.length, err)
			}
		})
	}
}

func TestSetCursor(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if err := a.SetCursor(1024); err != nil {
		t.Fatalf("SetCursor(1024): %v", err)
	}
	if a.Cursor() != 1024 {
		t.Errorf("cursor = %d, want 1024", a.Cursor())
	}

	if err := a.SetCursor(512); !errors.Is(err, herrors.ErrStorageCorrupt) {
		t.Errorf("backwards SetCursor = %v, want ErrStorageCorrupt", err)
	}
	if err := a.SetCursor(minSize + 1); !errors.Is(err, herrors.ErrStorageCorrupt) {
		t.Errorf("out-of-file SetCursor = %v, want ErrStorageCorrupt", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	a, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	off, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	buf, err := a.Bytes(off, 64)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	copy(buf, []byte("persisted across reopen"))
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()

	got, err := b.Bytes(off, 64)
	if err != nil {
		t.Fatalf("Bytes after reopen: %v", err)
	}
	if string(got[:23]) != "persisted across reopen" {
		t.Errorf("reopened contents = %q", got[:23])
	}
}

func TestUseAfterClose(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "store.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if _, err := a.Allocate(8); !errors.Is(err, herrors.ErrStoreClosed) {
		t.Errorf("Allocate after Close = %v, want ErrStoreClosed", err)
	}
	if _, err := a.Bytes(0, 8); !errors.Is(err, herrors.ErrStoreClosed) {
		t.Errorf("Bytes after Close = %v, want ErrStoreClosed", err)
	}
}
