package store

import (
	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/filestore"
	"github.com/kvchunk/store/pagestore"
)

// RollbackTo implements spec.md §4.5's rollback semantics. When a chunk
// was stored at version v, every chunk written at a greater version is
// erased and every open map's root is reset to what it was at v. When
// none was and v==0 (for example before the first commit), the store
// is wiped back to an empty file.
//
// Dropped FIFO entries between v and the pre-rollback current version
// are discarded outright rather than individually unwound: this is
// sound because nothing can still be reading a version that rollback
// is in the process of erasing.
func (s *Store) RollbackTo(v int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.findChunkForVersion(v)
	if !ok {
		if v == 0 {
			return s.rollbackToEmptyLocked()
		}
		return common.Newf(common.Argument, "version %d is not a known rollback target", v)
	}

	// ReadPage takes mu itself, so mu is released while pages are read.
	s.mu.Unlock()
	metaSnapshot, err := s.loadMetaSnapshot(target.MetaRootPos)
	s.mu.Lock()
	if err != nil {
		return common.Wrap(common.Corrupt, "rollback could not load the target version's metadata", err)
	}

	for id, m := range s.maps {
		idText := chunk.Hex(uint64(id))
		var root *pagestore.Page
		s.mu.Unlock()
		metaSnapshot.forEachPrefix("root.", func(rk, rv []byte) {
			if trimHexSuffix(rk, "root.") != idText {
				return
			}
			pos, perr := parseHexPos(rv)
			if perr != nil {
				return
			}
			if p, rerr := s.ReadPage(pos); rerr == nil {
				root = p
			}
		})
		s.mu.Lock()
		if root != nil {
			m.SetRoot(root)
		} else {
			m.SetRoot(pagestore.New(id, m.Name, s.cfg.KeysPerPage, s.hooksFor(id), s).Root())
		}
	}

	for id, c := range s.chunks {
		if c.Version <= v {
			continue
		}
		if err := s.zeroChunk(c); err != nil {
			return err
		}
		delete(s.chunks, id)
	}

	s.lastChunk = target
	s.currentVersion = v + 1
	s.lastStoredVersion = v
	s.storeVersion = v
	s.unsavedMemory.Store(0)
	s.versions.reset(v + 1)

	s.headerRec = storeHeader{
		Created:     s.createdAt,
		LastChunk:   target.ID,
		LastBlock:   target.Block,
		Version:     target.Version,
		InstanceID:  s.instanceID.String(),
		PrevVersion: -1, // rollback establishes a fresh trusted state
	}
	if err := writeStoreHeader(s.fs, &s.headerRec); err != nil {
		return err
	}
	return s.fs.Sync()
}

func (s *Store) rollbackToEmptyLocked() error {
	for id, c := range s.chunks {
		if err := s.zeroChunk(c); err != nil {
			return err
		}
		delete(s.chunks, id)
	}
	s.maps = make(map[uint32]*pagestore.MVMap)
	s.mapIDByName = make(map[string]uint32)
	s.nextMapID = 1
	s.lastChunk = nil
	s.currentVersion = 0
	s.lastStoredVersion = -1
	s.storeVersion = 0
	s.unsavedMemory.Store(0)
	s.versions.reset(0)
	s.meta = pagestore.New(metaMapID, "", s.cfg.KeysPerPage, s.hooksFor(metaMapID), s)

	s.headerRec = storeHeader{Created: s.createdAt, InstanceID: s.instanceID.String(), PrevVersion: -1}
	if err := writeStoreHeader(s.fs, &s.headerRec); err != nil {
		return err
	}
	return s.fs.Sync()
}

func (s *Store) findChunkForVersion(v int64) (*chunk.Chunk, bool) {
	var best *chunk.Chunk
	for _, c := range s.chunks {
		if c.Version <= v && (best == nil || c.Version > best.Version) {
			best = c
		}
	}
	if best == nil || best.Version != v {
		return nil, false
	}
	return best, true
}

func (s *Store) zeroChunk(c *chunk.Chunk) error {
	s.fs.Free(int64(c.Block), int64(c.Len))
	zero := make([]byte, c.Len*filestore.BlockSize)
	if err := s.fs.WriteAt(int64(c.Block), zero); err != nil {
		return err
	}
	return s.fs.Sync()
}
