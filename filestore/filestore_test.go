package filestore

import (
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	fs, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestAllocateAppendsWhenFreeListEmpty(t *testing.T) {
	fs := openTemp(t)
	b1 := fs.Allocate(2, true)
	b2 := fs.Allocate(3, true)
	if b1 != 0 {
		t.Errorf("first allocation block = %d, want 0", b1)
	}
	if b2 != 2 {
		t.Errorf("second allocation block = %d, want 2", b2)
	}
	if got := fs.LengthInUse(); got != 5 {
		t.Errorf("LengthInUse() = %d, want 5", got)
	}
}

func TestFreeAndReuse(t *testing.T) {
	fs := openTemp(t)
	b1 := fs.Allocate(4, true)
	fs.Allocate(4, true)
	fs.Free(b1, 4)

	reused := fs.Allocate(4, true)
	if reused != b1 {
		t.Errorf("Allocate after Free = %d, want reused block %d", reused, b1)
	}
}

func TestReuseSpaceFalseAlwaysAppends(t *testing.T) {
	fs := openTemp(t)
	b1 := fs.Allocate(2, false)
	fs.Free(b1, 2)
	b2 := fs.Allocate(2, false)
	if b2 == b1 {
		t.Error("Allocate with reuseSpace=false should not reuse a freed block")
	}
}

func TestFillRate(t *testing.T) {
	fs := openTemp(t)
	if got := fs.FillRate(); got != 100 {
		t.Errorf("FillRate() on empty store = %d, want 100", got)
	}
	b := fs.Allocate(4, true)
	fs.Free(b, 2)
	if got := fs.FillRate(); got != 50 {
		t.Errorf("FillRate() = %d, want 50", got)
	}
}

func TestWriteAtAndReadAt(t *testing.T) {
	fs := openTemp(t)
	block := fs.Allocate(1, true)
	data := make([]byte, BlockSize)
	copy(data, []byte("hello chunk store"))
	if err := fs.WriteAt(block, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := fs.ReadAt(block, 1)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got[:17]) != "hello chunk store" {
		t.Errorf("ReadAt content mismatch: %q", got[:17])
	}
}

func TestWriteOnReadOnlyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	fs, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	fs.Close()

	ro, err := Open(path, true)
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()
	if err := ro.WriteAt(0, make([]byte, BlockSize)); err == nil {
		t.Error("expected error writing to a read-only store")
	}
}

func TestShrinkTruncatesTrailingFreeBlocks(t *testing.T) {
	fs := openTemp(t)
	b1 := fs.Allocate(1, true)
	if err := fs.WriteAt(b1, make([]byte, BlockSize)); err != nil {
		t.Fatal(err)
	}
	b2 := fs.Allocate(100, true)
	if err := fs.WriteAt(b2, make([]byte, 100*BlockSize)); err != nil {
		t.Fatal(err)
	}
	fs.Free(b2, 100)

	if err := fs.Shrink(1); err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	if got := fs.LengthInUse(); got != 1 {
		t.Errorf("LengthInUse() after Shrink = %d, want 1", got)
	}
}

func TestMarkUsedDuringRecovery(t *testing.T) {
	fs := openTemp(t)
	fs.MarkUsed(10, 5)
	if got := fs.LengthInUse(); got != 15 {
		t.Errorf("LengthInUse() after MarkUsed = %d, want 15", got)
	}
	if got := fs.FirstFreeBlock(); got != 15 {
		t.Errorf("FirstFreeBlock() = %d, want 15 (no block is on the free list)", got)
	}
}

func TestReopenDerivesLengthFromFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	fs, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	fs.Allocate(3, true)
	fs.Close()

	// Allocate never calls WriteAt, so the file itself never grew;
	// LengthInUse is derived from the physical file size on reopen,
	// not from the allocator's in-memory high-water mark.
	fs2, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer fs2.Close()
	if got := fs2.LengthInUse(); got != 0 {
		t.Errorf("LengthInUse() after reopen = %d, want 0 (no bytes were physically written)", got)
	}
}
