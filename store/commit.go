package store

import (
	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/filestore"
	"github.com/kvchunk/store/pagestore"
)

// HasUnsavedChanges reports whether any open map (or the meta map) has
// a root that differs from what is currently persisted.
func (s *Store) HasUnsavedChanges() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasUnsavedChangesLocked()
}

func (s *Store) hasUnsavedChangesLocked() bool {
	if s.unsavedMemory.Load() > 0 {
		return true
	}
	if !s.meta.Root().Pos().IsSaved() {
		return true
	}
	for _, m := range s.maps {
		if !m.Root().Pos().IsSaved() {
			return true
		}
	}
	return false
}

// Commit runs storeNow unconditionally, per spec.md §4.2, and returns
// the version that was just stored (or, when nothing has changed, the
// most recently stored version).
func (s *Store) Commit() (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.storeNow()
}

// TryCommit coalesces concurrent commit attempts onto a single
// storeNow call via singleflight, the idiomatic stand-in for the
// source's single-writer CAS slot (see DESIGN.md).
func (s *Store) TryCommit() (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	v, err, _ := s.commitGroup.Do("storeNow", func() (any, error) {
		return s.storeNow()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// storeNow is the commit pipeline itself: spec.md §4.2 steps 1-13.
// Any error here is unrecoverable: the store panics (records
// panicErr, marks itself closed and closes the backing file without
// shrinking; the background writer exits at its next wake) and
// returns the error to the immediate caller.
func (s *Store) storeNow() (stored int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if s.panicErr != nil {
			return 0, common.Wrap(common.Closed, "store panicked", s.panicErr)
		}
		return 0, common.New(common.Closed, "store is closed")
	}
	if s.cfg.ReadOnly {
		return 0, common.New(common.WritingFailed, "commit on a read-only store")
	}

	if !s.hasUnsavedChangesLocked() {
		// Idempotent commit: spec.md §8 property 3.
		return s.lastStoredVersion, nil
	}

	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(error)
			if !ok {
				rerr = common.Newf(common.Internal, "panic during storeNow: %v", r)
			}
			s.panicErr = rerr
			s.closed = true
			_ = s.fs.Close()
			err = common.Wrap(common.Closed, "store panicked during commit", rerr)
		}
	}()

	v := s.currentVersion
	s.currentVersion = v + 1
	s.storeVersion = v
	s.lastCommitTime = nowMillis()

	// Step 2: serialize the previous last chunk's descriptor, deferred
	// from the commit that created it, now that its counters are final.
	if s.lastChunk != nil {
		s.lastChunk.Time = maxInt64(s.lastChunk.Time, nowMillis()-s.createdAt)
		if err := s.meta.Put([]byte("chunk."+chunk.Hex(uint64(s.lastChunk.ID))), []byte(s.lastChunk.ToMeta())); err != nil {
			panic(err)
		}
	}

	// Step 3-4: allocate the next chunk id, skipping any id still live.
	// prevChunk is snapshotted before s.lastChunk is reassigned below,
	// so shouldRewriteHeader compares newChunk against the chunk that
	// actually preceded it rather than against itself.
	prevChunk := s.lastChunk
	newChunk := s.allocateChunk()

	// Step 5: snapshot each open map's write version. There is no
	// closed-map finalization here: RemoveMap drops a map and its
	// root.* entry at once.
	s.meta.SetWriteVersion(v)
	var changed []*pagestore.MVMap
	for _, m := range s.maps {
		m.SetWriteVersion(v)
		if !m.Root().Pos().IsSaved() {
			changed = append(changed, m)
		}
	}

	// Step 6: write every changed map's unsaved pages, then record its
	// new root position into meta.
	buf := s.writeBuf
	for _, m := range changed {
		if m.Count() == 0 {
			if _, err := s.meta.Remove([]byte("root." + chunk.Hex(uint64(m.ID)))); err != nil {
				panic(err)
			}
			continue
		}
		pos := m.Write(buf, newChunk.ID)
		if err := s.meta.Put([]byte("root."+chunk.Hex(uint64(m.ID))), []byte(chunk.Hex(uint64(pos)))); err != nil {
			panic(err)
		}
	}

	// Step 7: apply freed-space deltas into chunk live counters,
	// repeating since re-serializing chunk.* entries can itself free
	// meta-map pages.
	s.applyFreedSpace()

	// Step 8: snapshot and serialize the metadata root itself.
	metaPos := s.meta.Write(buf, newChunk.ID)
	newChunk.MetaRootPos = metaPos
	newChunk.Version = v
	newChunk.Time = nowMillis() - s.createdAt
	newChunk.MapID = s.nextMapID - 1

	// Step 9: round up to a block boundary (including the footer) and
	// ask the allocator for a position.
	footerBlocks := (chunk.FooterLength + filestore.BlockSize - 1) / filestore.BlockSize
	totalBlocks := int64((chunk.HeaderLength+buf.Len()+filestore.BlockSize-1)/filestore.BlockSize) + int64(footerBlocks)
	block := s.fs.Allocate(totalBlocks, s.cfg.ReuseSpace)

	newChunk.Block = uint64(block)
	newChunk.Len = uint64(totalBlocks)
	// Next predicts where an immediately-following, purely-appended
	// chunk would land; shouldRewriteHeader compares the next commit's
	// actual block against this prediction to detect a broken chain
	// (e.g. ReuseSpace picked a reused hole instead).
	newChunk.Next = uint64(block) + uint64(totalBlocks)
	newChunk.PageCount = countPages(buf)
	newChunk.PageCountLive = newChunk.PageCount
	newChunk.MaxLen = int64(buf.Len())
	newChunk.MaxLenLive = newChunk.MaxLen

	// Step 10: patch the header, write header + pages + footer.
	header := chunk.EncodeHeader(newChunk)
	footer := chunk.EncodeFooter(chunk.Footer{ChunkID: newChunk.ID, Block: newChunk.Block, Version: newChunk.Version})

	frame := make([]byte, totalBlocks*filestore.BlockSize)
	copy(frame, header)
	copy(frame[chunk.HeaderLength:], buf.Bytes())
	copy(frame[len(frame)-chunk.FooterLength:], footer)

	if err := s.fs.WriteAt(block, frame); err != nil {
		panic(err)
	}

	s.chunks[newChunk.ID] = newChunk
	s.lastChunk = newChunk
	buf.Reset()

	// Step 11: decide whether the store header needs a rewrite.
	if s.shouldRewriteHeader(prevChunk, newChunk) {
		prev := s.headerRec
		s.headerRec = storeHeader{
			Created:     s.createdAt,
			LastChunk:   newChunk.ID,
			LastBlock:   newChunk.Block,
			Version:     newChunk.Version,
			InstanceID:  s.instanceID.String(),
			PrevChunk:   prev.LastChunk,
			PrevBlock:   prev.LastBlock,
			PrevVersion: prev.Version,
		}
		if prevChunk == nil {
			// First chunk this store has ever written: there is no
			// earlier chunk to fall back to.
			s.headerRec.PrevVersion = -1
		}
		if err := writeStoreHeader(s.fs, &s.headerRec); err != nil {
			panic(err)
		}
	}

	// Step 12: sync, then shrink away any free blocks at the file's end.
	if err := s.fs.Sync(); err != nil {
		panic(err)
	}
	_ = s.fs.Shrink(1)

	s.lastStoredVersion = v
	s.unsavedMemory.Store(0)
	s.versions.advance(s.currentVersion)

	s.maybeFreeUnusedChunks(nowMillis())

	return v, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func countPages(buf *pagestore.WriteBuffer) int64 {
	// Pages are variable length; an exact count requires walking the
	// buffer's records, which this does not do: it is a coarse estimate
	// of one page per 64 bytes, and Chunk.PageCount/PageCountLive carry
	// that estimate.
	if buf.Len() == 0 {
		return 0
	}
	return int64(buf.Len()/64) + 1
}

// allocateChunk assigns the next chunk id, wrapping modulo MaxID+1 and
// skipping ids still registered in s.chunks, per spec.md §4.2 step 3.
func (s *Store) allocateChunk() *chunk.Chunk {
	next := uint32(0)
	if s.lastChunk != nil {
		next = (s.lastChunk.ID + 1) & uint32(chunk.MaxID)
	}
	for {
		if existing, ok := s.chunks[next]; ok {
			if existing.Block == chunk.Sentinel {
				panic(common.Newf(common.Internal, "chunk id %d still unstored from a previous failed commit", next))
			}
			next = (next + 1) & uint32(chunk.MaxID)
			continue
		}
		break
	}
	c := chunk.New(next)
	s.chunks[next] = c
	// Force a meta dirty bit without persisting sentinel values: write
	// then remove the placeholder entry (spec.md §4.2 step 4).
	_ = s.meta.Put([]byte("chunk."+chunk.Hex(uint64(next))), []byte(""))
	_, _ = s.meta.Remove([]byte("chunk." + chunk.Hex(uint64(next))))
	return c
}

// shouldRewriteHeader implements the four-way OR in spec.md §4.2 step 11.
// prevChunk is the chunk that preceded newChunk, captured before the
// caller reassigns s.lastChunk to newChunk.
func (s *Store) shouldRewriteHeader(prevChunk, newChunk *chunk.Chunk) bool {
	if s.headerRec.LastChunk == 0 && s.headerRec.Version == 0 && s.headerRec.LastBlock == 0 {
		return true // first chunk ever written
	}
	if prevChunk != nil && prevChunk.Next != 0 && prevChunk.Next != newChunk.Block {
		return true // next-chain prediction missed
	}
	if newChunk.Version-s.headerRec.Version >= 20 {
		return true
	}
	for id := s.headerRec.LastChunk; id != newChunk.ID; id = (id + 1) & uint32(chunk.MaxID) {
		if _, ok := s.chunks[id]; !ok {
			return true // a chunk in the chain has disappeared
		}
	}
	return false
}
