// Package store implements the chunk store coordinator: chunk
// lifecycle, the storeNow commit pipeline, free-space accounting,
// reachability-based chunk reclamation, compaction, the store header
// and recovery protocol, and the versioning/snapshot machinery,
// including the background writer. This is the core of the module;
// pagestore, filestore and chunk are its narrowly-contracted
// collaborators.
package store

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/filestore"
	"github.com/kvchunk/store/pagestore"
)

// metaMapID is the fixed id of the metadata map; it is never assigned
// to a user map and can never be removed.
const metaMapID = 0

// Store is one open chunk store. All mutation paths outside the
// background writer take mu; point reads against already-loaded pages
// do not.
type Store struct {
	mu sync.RWMutex

	cfg        Config
	fs         *filestore.FileStore
	logger     *slog.Logger
	instanceID uuid.UUID
	createdAt  int64 // ms since unix epoch, stamped at creation

	currentVersion    int64
	lastStoredVersion int64
	storeVersion      int64
	lastCommitTime    int64

	chunks    map[uint32]*chunk.Chunk
	lastChunk *chunk.Chunk
	headerRec storeHeader // last-written header snapshot, for the rewrite heuristic

	meta        *pagestore.MVMap
	maps        map[uint32]*pagestore.MVMap
	mapIDByName map[string]uint32
	nextMapID   uint32

	freedMu    sync.Mutex
	freedPages map[uint32]freedDelta

	unsavedMemory atomic.Int64

	versions *versionRegistry

	writeBuf *pagestore.WriteBuffer

	commitGroup singleflight.Group

	closed   bool
	panicErr error

	// bgMu guards the background writer's own signal channels,
	// deliberately separate from mu: OnUnsavedPage (storeHooks) fires
	// from inside code that may already hold mu, so it must be able to
	// nudge the writer without ever acquiring mu itself.
	bgMu   sync.Mutex
	bgStop chan struct{}
	bgDone chan struct{}
	bgWake chan struct{}

	// autoCommitMemoryThreshold and autoCommitDelay mirror cfg's
	// corresponding fields so storeHooks.OnUnsavedPage (spec.md §4.6's
	// beforeWrite) can read them lock-free.
	autoCommitMemoryThreshold int64
	autoCommitDelay           atomic.Int64

	readCountAtLastCompact  int64
	writeCountAtLastCompact int64
	lastFreeSweep           int64
}

// freedDelta accumulates the page/byte counts a commit must subtract
// from a chunk's live counters, per spec.md §4.3.
type freedDelta struct {
	pages int64
	bytes int64
}

// Open opens (or creates) a store at cfg.FileName.
func Open(cfg Config) (*Store, error) {
	cfg.normalize()

	fs, err := filestore.Open(cfg.FileName, cfg.ReadOnly)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:         cfg,
		fs:          fs,
		logger:      cfg.Logger,
		instanceID:  uuid.New(),
		chunks:      make(map[uint32]*chunk.Chunk),
		maps:        make(map[uint32]*pagestore.MVMap),
		mapIDByName: make(map[string]uint32),
		nextMapID:   1,
		freedPages:  make(map[uint32]freedDelta),
		versions:    newVersionRegistry(),
		writeBuf:    &pagestore.WriteBuffer{},
	}

	s.autoCommitMemoryThreshold = cfg.autoCommitMemory()
	s.autoCommitDelay.Store(cfg.AutoCommitDelay)

	if fs.LengthInUse() == 0 {
		if err := s.initNewFile(); err != nil {
			fs.Close()
			return nil, err
		}
	} else {
		if err := s.recover(); err != nil {
			fs.Close()
			return nil, err
		}
	}

	s.versions.start(s.currentVersion)

	if !cfg.ReadOnly && cfg.AutoCommitDelay > 0 {
		s.startBackgroundWriter()
	}

	return s, nil
}

func (s *Store) initNewFile() error {
	now := nowMillis()
	s.createdAt = now
	s.currentVersion = 0
	s.lastStoredVersion = -1
	s.meta = pagestore.New(metaMapID, "", s.cfg.KeysPerPage, s.hooksFor(metaMapID), s)

	s.headerRec = storeHeader{
		Created:     now,
		LastChunk:   0,
		LastBlock:   0,
		Version:     0,
		InstanceID:  s.instanceID.String(),
		PrevVersion: -1,
	}
	if s.cfg.ReadOnly {
		return nil
	}
	if err := writeStoreHeader(s.fs, &s.headerRec); err != nil {
		return err
	}
	// Reserve the two header blocks so the first chunk lands after them.
	s.fs.MarkUsed(0, 2)
	return nil
}

// hooksFor returns the pagestore.Hooks implementation a given map's
// mutations report through, closing over the map's own id so the
// store's freed-space ledger stays keyed correctly.
func (s *Store) hooksFor(mapID uint32) pagestore.Hooks {
	return &storeHooks{store: s, mapID: mapID}
}

// ReadPage implements pagestore.PageReader: resolve a saved position
// by reading its chunk's bytes and decoding the page record at the
// recorded offset.
func (s *Store) ReadPage(pos common.Pos) (*pagestore.Page, error) {
	s.mu.RLock()
	c, ok := s.chunks[pos.ChunkID()]
	s.mu.RUnlock()
	if !ok {
		return nil, common.Newf(common.ChunkNotFound, "chunk %d not found for page position", pos.ChunkID())
	}

	dataBlocks := int64(c.Len) - chunk.HeaderLength/filestore.BlockSize
	need := (int64(pos.Offset()) + int64(pos.MaxLength()) + filestore.BlockSize - 1) / filestore.BlockSize
	if need > dataBlocks {
		need = dataBlocks
	}
	buf, err := s.fs.ReadAt(int64(c.Block)+chunk.HeaderLength/filestore.BlockSize, need)
	if err != nil {
		return nil, err
	}
	off := int(pos.Offset())
	if off > len(buf) {
		return nil, common.New(common.Corrupt, "page offset beyond chunk data")
	}
	return pagestore.DecodePage(buf[off:])
}

// Close commits any unsaved changes (unless the store has panicked),
// stops the background writer, and closes the backing file.
func (s *Store) Close() error {
	return s.closeInternal(true)
}

// CloseImmediately discards unsaved changes and closes the store
// without a final commit or shrink, the fast-shutdown path.
func (s *Store) CloseImmediately() error {
	return s.closeInternal(false)
}

func (s *Store) closeInternal(commitFirst bool) error {
	s.stopBackgroundWriter()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	panicked := s.panicErr != nil
	s.mu.Unlock()

	if commitFirst && !panicked && !s.cfg.ReadOnly {
		if _, err := s.Commit(); err != nil {
			s.logger.Warn("commit during close failed", "error", err)
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if !panicked && !s.cfg.ReadOnly {
		_ = s.fs.Sync()
	}
	return s.fs.Close()
}

// IsClosed reports whether the store has been closed or has panicked.
func (s *Store) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// IsReadOnly reports whether the store was opened read-only.
func (s *Store) IsReadOnly() bool { return s.cfg.ReadOnly }

// GetPanicException returns the error that permanently closed the
// store, or nil if it has not panicked.
func (s *Store) GetPanicException() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.panicErr
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		if s.panicErr != nil {
			return common.Wrap(common.Closed, "store panicked", s.panicErr)
		}
		return common.New(common.Closed, "store is closed")
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
