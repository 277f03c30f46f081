package store

import (
	"sort"
	"sync"

	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/filestore"
	"github.com/kvchunk/store/pagestore"
)

var compactMu sync.Mutex

// Compact implements spec.md §4.4's rewrite strategy: pages living in
// old, sparsely-live chunks are touched (recopied as unsaved), then a
// commit flushes them into fresh chunks, after which the now-empty
// old chunks become collectible by freeUnusedChunks.
func (s *Store) Compact(targetFillRate int, write int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	compactMu.Lock()
	defer compactMu.Unlock()

	s.mu.Lock()
	now := nowMillis() - s.createdAt
	retention := s.cfg.RetentionTime

	type scored struct {
		c        *chunk.Chunk
		priority int64
	}
	var liveBytes, totalBytes int64
	var candidates []scored
	lastVersion := s.currentVersion

	for _, c := range s.chunks {
		young := retention >= 0 && now-c.Time < retention
		if young {
			liveBytes += c.MaxLen
			totalBytes += c.MaxLen
			continue
		}
		liveBytes += c.MaxLenLive
		totalBytes += c.MaxLen

		denom := lastVersion - c.Version + 1
		if denom < 1 {
			denom = 1
		}
		fillRate := int64(0)
		if c.MaxLen > 0 {
			fillRate = c.MaxLenLive * 1000 / c.MaxLen
		}
		candidates = append(candidates, scored{c: c, priority: fillRate * 1000 / denom})
	}

	overallFillRate := 100
	if totalBytes > 0 {
		overallFillRate = int(liveBytes * 100 / totalBytes)
	}
	if overallFillRate >= targetFillRate {
		s.mu.Unlock()
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].c.MaxLenLive < candidates[j].c.MaxLenLive
	})

	selected := make(map[uint32]bool)
	var cumulative int64
	for _, sc := range candidates {
		if cumulative >= write {
			break
		}
		selected[sc.c.ID] = true
		cumulative += sc.c.MaxLenLive
	}
	maps := make([]*pagestore.MVMap, 0, len(s.maps)+1)
	maps = append(maps, s.meta)
	for _, m := range s.maps {
		maps = append(maps, m)
	}
	s.mu.Unlock()

	if len(selected) == 0 {
		return nil
	}
	inChunk := func(id uint32) bool { return selected[id] }
	for _, m := range maps {
		if err := m.Touch(inChunk); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.freeUnusedChunks(nowMillis())
	s.mu.Unlock()

	_, err := s.Commit()
	return err
}

// CompactRewriteFully rewrites every open map (and the meta map) in
// full, regardless of fill rate, forcing every live page into a fresh
// chunk. Used by operational tooling ahead of a planned file shrink.
func (s *Store) CompactRewriteFully() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	allChunks := make(map[uint32]bool, len(s.chunks))
	for id := range s.chunks {
		allChunks[id] = true
	}
	maps := make([]*pagestore.MVMap, 0, len(s.maps)+1)
	maps = append(maps, s.meta)
	for _, m := range s.maps {
		maps = append(maps, m)
	}
	s.mu.Unlock()

	inChunk := func(id uint32) bool { return allChunks[id] }
	for _, m := range maps {
		if err := m.Touch(inChunk); err != nil {
			return err
		}
	}
	_, err := s.Commit()
	return err
}

// CompactMoveChunks implements spec.md §4.4's move strategy: chunks
// sitting past the file's first free hole are relocated back into
// earlier holes (step 5 — reuseSpace is forced on for the duration of
// the move, overriding whatever the store is normally configured
// with), so the freed space they leave behind at the tail can actually
// be truncated by the closing Shrink call. relocateChunk allocates the
// new block before freeing the old one so a chunk never gets
// reallocated into the range it is itself vacating.
func (s *Store) CompactMoveChunks(targetFillRate int, moveSize int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.fs.FillRate() >= targetFillRate {
		return nil
	}

	s.mu.Lock()
	savedRetention := s.cfg.RetentionTime
	savedReuse := s.cfg.ReuseSpace
	s.cfg.RetentionTime = -1
	s.cfg.ReuseSpace = true

	firstFree := s.fs.FirstFreeBlock()
	var movable []*chunk.Chunk
	for _, c := range s.chunks {
		if int64(c.Block) > firstFree {
			movable = append(movable, c)
		}
	}
	sort.Slice(movable, func(i, j int) bool { return movable[i].Block < movable[j].Block })

	var cumulative int64
	var selected []*chunk.Chunk
	for _, c := range movable {
		if cumulative >= moveSize {
			break
		}
		selected = append(selected, c)
		cumulative += int64(c.Len) * filestore.BlockSize
	}
	s.mu.Unlock()

	for _, c := range selected {
		if err := s.relocateChunk(c); err != nil {
			s.mu.Lock()
			s.cfg.RetentionTime = savedRetention
			s.cfg.ReuseSpace = savedReuse
			s.mu.Unlock()
			return err
		}
	}

	if _, err := s.Commit(); err != nil {
		return err
	}
	if err := s.fs.Sync(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg.RetentionTime = savedRetention
	s.cfg.ReuseSpace = savedReuse
	s.mu.Unlock()

	_ = s.fs.Shrink(1)
	return s.fs.Sync()
}

func (s *Store) relocateChunk(c *chunk.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.fs.ReadAt(int64(c.Block), int64(c.Len))
	if err != nil {
		return err
	}
	// Allocate the new home from the free list (a hole earlier in the
	// file, per reuseSpace=true above) before freeing the old range, so
	// the allocator cannot hand the chunk back its own vacated blocks.
	newBlock := s.fs.Allocate(int64(c.Len), s.cfg.ReuseSpace)
	s.fs.Free(int64(c.Block), int64(c.Len))

	header := chunk.EncodeHeader(&chunk.Chunk{
		ID: c.ID, Block: uint64(newBlock), Len: c.Len, PageCount: c.PageCount,
		MaxLen: c.MaxLen, MaxLenLive: c.MaxLenLive, MetaRootPos: c.MetaRootPos,
		Next: c.Next, Version: c.Version, Time: c.Time, MapID: c.MapID,
	})
	copy(data, header)
	footer := chunk.EncodeFooter(chunk.Footer{ChunkID: c.ID, Block: uint64(newBlock), Version: c.Version})
	copy(data[len(data)-chunk.FooterLength:], footer)

	if err := s.fs.WriteAt(newBlock, data); err != nil {
		return err
	}

	c.Block = uint64(newBlock)
	return s.meta.Put([]byte("chunk."+chunk.Hex(uint64(c.ID))), []byte(c.ToMeta()))
}
