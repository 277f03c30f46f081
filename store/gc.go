package store

import (
	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/filestore"
)

// applyFreedSpace drains the freed-page-space ledger into each
// referenced chunk's live counters and re-serializes the affected
// chunk.* meta entries, per spec.md §4.2 step 7 and §4.3. It loops
// because re-serializing a meta entry can itself free a meta-map page.
func (s *Store) applyFreedSpace() {
	for {
		s.freedMu.Lock()
		if len(s.freedPages) == 0 {
			s.freedMu.Unlock()
			return
		}
		drained := s.freedPages
		s.freedPages = make(map[uint32]freedDelta)
		s.freedMu.Unlock()

		for chunkID, delta := range drained {
			c, ok := s.chunks[chunkID]
			if !ok {
				continue
			}
			c.PageCountLive -= delta.pages
			c.MaxLenLive -= delta.bytes
			if c.PageCountLive < 0 {
				c.PageCountLive = 0
			}
			if c.MaxLenLive < 0 {
				c.MaxLenLive = 0
			}
			if err := s.meta.Put([]byte("chunk."+chunk.Hex(uint64(c.ID))), []byte(c.ToMeta())); err != nil {
				panic(err)
			}
		}
	}
}

// maybeFreeUnusedChunks runs freeUnusedChunks roughly every
// retentionTime/5 ms, per spec.md §4.3's freeUnusedIfNeeded.
func (s *Store) maybeFreeUnusedChunks(now int64) {
	interval := s.cfg.RetentionTime / 5
	if interval <= 0 {
		interval = 1
	}
	if now-s.lastFreeSweep < interval {
		return
	}
	s.lastFreeSweep = now
	s.freeUnusedChunks(now)
}

// freeUnusedChunks implements spec.md §4.3: compute the set of chunks
// reachable from any retained version, then delete or mark-unused
// everything else depending on the two-step retention timeout.
func (s *Store) freeUnusedChunks(now int64) (reclaimedChunks int, reclaimedBytes int64) {
	referenced := s.collectReferencedChunks()
	// Chunk.Time and Chunk.Unused count ms since store creation.
	sinceCreation := now - s.createdAt

	for id, c := range s.chunks {
		if c == s.lastChunk || referenced[id] {
			continue
		}
		if s.canOverwriteChunk(c, sinceCreation) {
			delete(s.chunks, id)
			_, _ = s.meta.Remove([]byte("chunk." + chunk.Hex(uint64(id))))
			s.fs.Free(int64(c.Block), int64(c.Len))
			reclaimedChunks++
			reclaimedBytes += int64(c.Len) * filestore.BlockSize
			continue
		}
		if c.Unused == 0 {
			c.Unused = sinceCreation
			if err := s.meta.Put([]byte("chunk."+chunk.Hex(uint64(id))), []byte(c.ToMeta())); err != nil {
				panic(err)
			}
		}
	}
	return reclaimedChunks, reclaimedBytes
}

// GC runs a single freeUnusedChunks sweep followed by a commit,
// reporting how many chunks (and bytes) were reclaimed. Operational
// tooling (chunkstorectl gc) calls this directly rather than waiting
// for the background writer's periodic sweep.
func (s *Store) GC() (reclaimedChunks int, reclaimedBytes int64, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	reclaimedChunks, reclaimedBytes = s.freeUnusedChunks(nowMillis())
	s.mu.Unlock()
	_, err = s.Commit()
	return reclaimedChunks, reclaimedBytes, err
}

// canOverwriteChunk implements the two-step retention timeout from
// spec.md §4.3: a chunk stays readable for at least RetentionTime
// after creation, and for RetentionTime/2 after being declared unused.
// now is in ms since store creation, the unit of Chunk.Time.
func (s *Store) canOverwriteChunk(c *chunk.Chunk, now int64) bool {
	rt := s.cfg.RetentionTime
	if rt < 0 {
		return true
	}
	if now < c.Time+rt {
		return false
	}
	return c.Unused != 0 && now >= c.Unused+rt/2
}

// collectReferencedChunks seeds from the current meta root, then walks
// the meta map's previous roots (via each chunk's recorded
// metaRootPos) while version >= oldestVersionToKeep, recording every
// saved page position's chunk id, including the chunks referenced by
// every open map's root reachable from each inspected meta snapshot.
func (s *Store) collectReferencedChunks() map[uint32]bool {
	referenced := make(map[uint32]bool)
	oldest := s.versions.oldestToKeep()

	visited := make(map[common.Pos]bool)

	var walkPage func(p common.Pos) error
	walkPage = func(pos common.Pos) error {
		if !pos.IsSaved() || visited[pos] {
			return nil
		}
		visited[pos] = true
		referenced[pos.ChunkID()] = true
		if pos.IsLeaf() {
			return nil
		}
		page, err := s.ReadPage(pos)
		if err != nil {
			return err
		}
		for i := range page.ChildPositions() {
			if err := walkPage(page.ChildPositions()[i]); err != nil {
				return err
			}
		}
		return nil
	}

	// Seed: the in-memory current meta root and every open map's
	// current root (already-saved positions only; unsaved ones have no
	// chunk to credit yet).
	_ = walkPage(s.meta.Root().Pos())
	for _, m := range s.maps {
		_ = walkPage(m.Root().Pos())
	}

	for _, c := range s.chunks {
		if c.Version < oldest {
			continue
		}
		if !c.MetaRootPos.IsSaved() || visited[c.MetaRootPos] {
			continue
		}
		if err := walkPage(c.MetaRootPos); err != nil {
			continue
		}
		referenced[c.MetaRootPos.ChunkID()] = true

		snapshotMeta, err := s.loadMetaSnapshot(c.MetaRootPos)
		if err != nil {
			continue
		}
		s.walkMetaRoots(snapshotMeta, walkPage)
	}

	return referenced
}

// loadMetaSnapshot materializes a historical meta root as a standalone
// read-only map so its root.* entries can be walked without disturbing
// the live meta map.
func (s *Store) loadMetaSnapshot(pos common.Pos) (*pagestoreMap, error) {
	root, err := s.ReadPage(pos)
	if err != nil {
		return nil, err
	}
	return &pagestoreMap{root: root, reader: s}, nil
}

func (s *Store) walkMetaRoots(m *pagestoreMap, walkPage func(common.Pos) error) {
	m.forEachPrefix("root.", func(_ []byte, value []byte) {
		pos, err := parseHexPos(value)
		if err != nil {
			return
		}
		_ = walkPage(pos)
	})
}
