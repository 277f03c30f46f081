// Package filestore implements the block device abstraction the store
// coordinator writes chunks through: positional read/write, a
// free-space allocator, fill-rate reporting, sync/truncate, and a
// tracked in-use length. It is a narrow, swappable collaborator (the
// store never reaches past this interface to touch *os.File) — see
// DESIGN.md for why it stays this simple.
package filestore

import (
	"os"
	"sync"

	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
)

// BlockSize mirrors chunk.BlockSize: every allocation is a whole
// number of blocks.
const BlockSize = chunk.BlockSize

// FileStore is a positional, block-granular file with a free-list
// allocator layered over it. All offsets it exposes are block
// indices, not byte offsets; callers multiply by BlockSize themselves.
type FileStore struct {
	mu       sync.Mutex
	file     *os.File
	readOnly bool

	// free holds the set of free block indices below lengthInUse.
	// Blocks at or beyond lengthInUse are implicitly free (unallocated).
	free map[int64]bool

	lengthInUse  int64 // blocks currently allocated to content, high-water mark
	physicalSize int64 // blocks actually present in the underlying file

	readCount  int64
	writeCount int64
}

// Open opens (or creates) the backing file at path.
func Open(path string, readOnly bool) (*FileStore, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, common.Wrap(common.WritingFailed, "open backing file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.Wrap(common.WritingFailed, "stat backing file", err)
	}
	size := info.Size() / BlockSize
	return &FileStore{
		file:         f,
		readOnly:     readOnly,
		free:         make(map[int64]bool),
		lengthInUse:  size,
		physicalSize: size,
	}, nil
}

// ReadAt reads length blocks starting at block into a freshly
// allocated buffer.
func (fs *FileStore) ReadAt(block int64, length int64) ([]byte, error) {
	fs.mu.Lock()
	fs.readCount++
	fs.mu.Unlock()

	buf := make([]byte, length*BlockSize)
	n, err := fs.file.ReadAt(buf, block*BlockSize)
	if err != nil && n != len(buf) {
		return nil, common.Wrap(common.Corrupt, "short read from backing file", err)
	}
	return buf, nil
}

// WriteAt writes data at the given block offset. data's length must be
// a multiple of BlockSize.
func (fs *FileStore) WriteAt(block int64, data []byte) error {
	if fs.readOnly {
		return common.New(common.WritingFailed, "write on read-only file store")
	}
	fs.mu.Lock()
	fs.writeCount++
	end := block + int64(len(data))/BlockSize
	if end > fs.physicalSize {
		fs.physicalSize = end
	}
	fs.mu.Unlock()

	if _, err := fs.file.WriteAt(data, block*BlockSize); err != nil {
		return common.Wrap(common.WritingFailed, "write to backing file", err)
	}
	return nil
}

// Allocate returns a block range of the given length, preferring a
// free-list hole (reuseSpace policy) over growing the file.
func (fs *FileStore) Allocate(length int64, reuseSpace bool) int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if reuseSpace {
		if block, ok := fs.findFreeRun(length); ok {
			fs.markUsedLocked(block, length)
			return block
		}
	}
	return fs.appendLocked(length)
}

// Append grows the tracked length unconditionally, ignoring the free
// list. Allocate with reuseSpace false takes the same path.
func (fs *FileStore) Append(length int64) int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.appendLocked(length)
}

func (fs *FileStore) appendLocked(length int64) int64 {
	block := fs.lengthInUse
	fs.lengthInUse += length
	return block
}

func (fs *FileStore) findFreeRun(length int64) (int64, bool) {
	if length <= 0 {
		return 0, false
	}
	// Linear scan of the free set; chunk counts stay small enough
	// (low thousands) that this beats maintaining a sorted interval
	// tree for the workloads this store targets.
	var start int64
	var run int64
	for b := int64(0); b < fs.lengthInUse; b++ {
		if fs.free[b] {
			if run == 0 {
				start = b
			}
			run++
			if run == length {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Free releases a block range back to the free list.
func (fs *FileStore) Free(block, length int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for b := block; b < block+length; b++ {
		if b < fs.lengthInUse {
			fs.free[b] = true
		}
	}
}

// MarkUsed removes a block range from the free list; used while
// rebuilding the allocator state from recovered chunk descriptors.
func (fs *FileStore) MarkUsed(block, length int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.markUsedLocked(block, length)
	if block+length > fs.lengthInUse {
		fs.lengthInUse = block + length
	}
}

func (fs *FileStore) markUsedLocked(block, length int64) {
	for b := block; b < block+length; b++ {
		delete(fs.free, b)
	}
}

// ResetFree clears the entire free list and in-use length so recovery
// can rebuild the allocator state from a freshly chosen chunk set.
// The store's recovery calls it before marking the chosen chunks'
// blocks as used.
func (fs *FileStore) ResetFree() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.free = make(map[int64]bool)
	fs.lengthInUse = 0
}

// FillRate returns the percentage of blocks below LengthInUse that are
// not on the free list.
func (fs *FileStore) FillRate() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.lengthInUse == 0 {
		return 100
	}
	usedBlocks := fs.lengthInUse - int64(len(fs.free))
	return int(usedBlocks * 100 / fs.lengthInUse)
}

// FirstFreeBlock returns the lowest free block below LengthInUse, or
// LengthInUse if there is none (the file is fully packed).
func (fs *FileStore) FirstFreeBlock() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for b := int64(0); b < fs.lengthInUse; b++ {
		if fs.free[b] {
			return b
		}
	}
	return fs.lengthInUse
}

// LengthInUse returns the tracked high-water mark, in blocks.
func (fs *FileStore) LengthInUse() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lengthInUse
}

// Shrink truncates the underlying file down to LengthInUse blocks,
// less any run of free blocks at its end, if that saves at least
// minBlocks blocks and at least 1% of the file.
func (fs *FileStore) Shrink(minBlocks int64) error {
	fs.mu.Lock()
	current := fs.physicalSize
	target := fs.lengthInUse
	for target > 0 && fs.free[target-1] {
		target--
	}
	saved := current - target
	fs.mu.Unlock()

	if saved < minBlocks {
		return nil
	}
	if current > 0 && saved*100 < current {
		return nil
	}
	if err := fs.file.Truncate(target * BlockSize); err != nil {
		return common.Wrap(common.WritingFailed, "truncate backing file", err)
	}
	fs.mu.Lock()
	fs.physicalSize = target
	fs.lengthInUse = target
	for b := range fs.free {
		if b >= target {
			delete(fs.free, b)
		}
	}
	fs.mu.Unlock()
	return nil
}

// Sync flushes the underlying file to stable storage.
func (fs *FileStore) Sync() error {
	if err := fs.file.Sync(); err != nil {
		return common.Wrap(common.WritingFailed, "sync backing file", err)
	}
	return nil
}

// Stats returns cumulative read/write call counts, used by the
// background writer to decide whether the device has been idle.
func (fs *FileStore) Stats() (reads, writes int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readCount, fs.writeCount
}

// Close closes the underlying file.
func (fs *FileStore) Close() error {
	return fs.file.Close()
}
