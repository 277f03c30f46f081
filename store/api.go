package store

import (
	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/filestore"
)

// Stats summarizes a store's state for operational tooling, the
// report underlying chunkstorectl's stat subcommand.
type Stats struct {
	InstanceID        string
	CurrentVersion    int64
	LastStoredVersion int64
	ChunkCount        int
	FillRate          int
	FileBytes         int64
	UnsavedMemory     int64
}

// Stat gathers a point-in-time snapshot of the store's size and
// version bookkeeping.
func (s *Store) Stat() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		InstanceID:        s.instanceID.String(),
		CurrentVersion:    s.currentVersion,
		LastStoredVersion: s.lastStoredVersion,
		ChunkCount:        len(s.chunks),
		FillRate:          s.fs.FillRate(),
		FileBytes:         s.fs.LengthInUse() * filestore.BlockSize,
		UnsavedMemory:     s.unsavedMemory.Load(),
	}
}

// GetCurrentVersion returns the version that the next commit will produce.
func (s *Store) GetCurrentVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentVersion
}

// GetLastStoredVersion returns the highest version actually persisted
// to disk, or -1 if the store has never committed.
func (s *Store) GetLastStoredVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStoredVersion
}

// GetStoreVersion returns the version stamp recorded at the start of
// the commit currently (or most recently) in progress.
func (s *Store) GetStoreVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeVersion
}

// SetStoreVersion overrides the store-version stamp that
// GetStoreVersion reports. It does not change the version the next
// commit stores: storeNow overwrites the stamp with its own version.
func (s *Store) SetStoreVersion(v int64) {
	s.mu.Lock()
	s.storeVersion = v
	s.mu.Unlock()
}

// Sync flushes the backing file to stable storage without committing.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.fs.Sync()
}

// SetRetentionTime changes the minimum interval a no-longer-referenced
// chunk must remain readable. Negative disables retention entirely.
func (s *Store) SetRetentionTime(ms int64) {
	s.mu.Lock()
	s.cfg.RetentionTime = ms
	s.mu.Unlock()
}

// SetReuseSpace toggles the allocator policy between free-list reuse
// and pure end-of-file append.
func (s *Store) SetReuseSpace(reuse bool) {
	s.mu.Lock()
	s.cfg.ReuseSpace = reuse
	s.mu.Unlock()
}

// SetVersionsToKeep is accepted for API completeness; this build
// relies solely on registered version usage (TxCounters) and the
// retention-time-driven GC sweep to decide what stays reachable, so a
// positive value here only raises the floor via oldestVersionToKeep.
func (s *Store) SetVersionsToKeep(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	floor := s.currentVersion - int64(n)
	s.mu.Unlock()
	if floor < 0 {
		floor = 0
	}
	for {
		cur := s.versions.oldestVersionToKeep.Load()
		if floor <= cur {
			return
		}
		if s.versions.oldestVersionToKeep.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// SetAutoCommitDelay changes the background writer's wake interval.
// Setting it to 0 or below stops an already-running writer; it cannot
// start one that was never started at Open time.
func (s *Store) SetAutoCommitDelay(ms int64) {
	s.mu.Lock()
	s.cfg.AutoCommitDelay = ms
	s.mu.Unlock()
	s.autoCommitDelay.Store(ms)
	if ms <= 0 {
		s.stopBackgroundWriter()
	}
}

// SetCacheSize is accepted for API completeness; this build has no
// page cache (see DESIGN.md) and the call is a no-op.
func (s *Store) SetCacheSize(mb int) {}

// RegisterVersionUsage pins the store's current version against
// reclamation until the returned TxCounter is deregistered.
func (s *Store) RegisterVersionUsage() *TxCounter {
	return s.versions.register()
}

// DeregisterVersionUsage releases a pin obtained from
// RegisterVersionUsage.
func (s *Store) DeregisterVersionUsage(c *TxCounter) {
	s.versions.deregister(c)
}

// Rollback discards every unsaved change since the last commit,
// restoring each open map's root to its last-stored position.
func (s *Store) Rollback() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.maps {
		pos, err := s.lookupMapRoot(m.ID)
		if err != nil {
			continue
		}
		if pos.IsSaved() {
			// ReadPage takes mu itself, so mu is released around it.
			s.mu.Unlock()
			root, err := s.ReadPage(pos)
			s.mu.Lock()
			if err == nil {
				m.SetRoot(root)
			}
		}
	}
	s.unsavedMemory.Store(0)
	return nil
}

func (s *Store) lookupMapRoot(id uint32) (common.Pos, error) {
	v, err := s.meta.Get([]byte("root." + chunk.Hex(uint64(id))))
	if err != nil {
		return 0, err
	}
	return parseHexPos(v)
}
