package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kvchunk/store/filestore"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.FileName == "" {
		cfg.FileName = filepath.Join(t.TempDir(), "test.chunkstore")
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesEmptyStore(t *testing.T) {
	s := openTestStore(t, Config{})
	if s.GetCurrentVersion() != 0 {
		t.Errorf("GetCurrentVersion() = %d, want 0", s.GetCurrentVersion())
	}
	if s.GetLastStoredVersion() != -1 {
		t.Errorf("GetLastStoredVersion() = %d, want -1", s.GetLastStoredVersion())
	}
	if s.HasData() {
		t.Error("a freshly created store should have no data")
	}
}

func TestPutGetCommitPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.chunkstore")

	s := openTestStore(t, Config{FileName: path})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{FileName: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	m2, err := s2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	v, err := m2.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(v) != "1" {
		t.Errorf("Get(a) after reopen = %q, want 1", v)
	}
	if s2.GetLastStoredVersion() != 0 {
		t.Errorf("GetLastStoredVersion() after reopen = %d, want 0", s2.GetLastStoredVersion())
	}
}

func TestCommitIsIdempotentWithNoChanges(t *testing.T) {
	s := openTestStore(t, Config{})
	v1, err := s.Commit()
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Errorf("two no-op commits returned different versions: %d != %d", v1, v2)
	}
}

func TestRollbackDiscardsUnsavedChanges(t *testing.T) {
	s := openTestStore(t, Config{})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	m.Put([]byte("a"), []byte("1"))
	if _, err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	m.Put([]byte("b"), []byte("2"))

	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := m.Get([]byte("b")); err == nil {
		t.Error("Rollback should have discarded the uncommitted put of b")
	}
	v, err := m.Get([]byte("a"))
	if err != nil || string(v) != "1" {
		t.Errorf("Rollback should preserve the committed put of a, got (%q, %v)", v, err)
	}
}

func TestRollbackToEarlierVersion(t *testing.T) {
	s := openTestStore(t, Config{})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}

	m.Put([]byte("a"), []byte("1"))
	v1, err := s.Commit()
	if err != nil {
		t.Fatal(err)
	}

	m.Put([]byte("b"), []byte("2"))
	if _, err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := s.RollbackTo(v1); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if s.GetCurrentVersion() != v1+1 {
		t.Errorf("GetCurrentVersion() after rollback = %d, want %d", s.GetCurrentVersion(), v1+1)
	}
	if _, err := m.Get([]byte("b")); err == nil {
		t.Error("RollbackTo(v1) should have erased the put of b made at a later version")
	}
}

func TestRemoveMapDropsItFromTheRegistry(t *testing.T) {
	s := openTestStore(t, Config{})
	if _, err := s.OpenMap("widgets"); err != nil {
		t.Fatal(err)
	}
	if !s.HasMap("widgets") {
		t.Fatal("expected widgets to be open")
	}
	if err := s.RemoveMap("widgets"); err != nil {
		t.Fatal(err)
	}
	if s.HasMap("widgets") {
		t.Error("RemoveMap should drop the map from the open registry")
	}
}

func TestRenameMapPreservesData(t *testing.T) {
	s := openTestStore(t, Config{})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	m.Put([]byte("a"), []byte("1"))

	if err := s.RenameMap("widgets", "gadgets"); err != nil {
		t.Fatal(err)
	}
	if s.HasMap("widgets") {
		t.Error("old name should no longer be registered")
	}
	m2, err := s.OpenMap("gadgets")
	if err != nil {
		t.Fatal(err)
	}
	if m2 != m {
		t.Error("RenameMap should not disturb the underlying map instance")
	}
}

func TestGCSucceedsAfterRepeatedOverwrites(t *testing.T) {
	s := openTestStore(t, Config{RetentionTime: -1})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		m.Put([]byte{byte(i)}, []byte("x"))
		if _, err := s.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := s.GC(); err != nil {
		t.Fatalf("GC: %v", err)
	}
}

func TestCompactSucceedsOnSparseStore(t *testing.T) {
	s := openTestStore(t, Config{RetentionTime: -1})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		m.Put([]byte{byte(i)}, make([]byte, 256))
		if _, err := s.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 15; i++ {
		m.Remove([]byte{byte(i)})
		if _, err := s.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Compact(80, 1<<20); err != nil {
		t.Fatalf("Compact: %v", err)
	}
}

func TestStatReportsChunkAndVersionInfo(t *testing.T) {
	s := openTestStore(t, Config{})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	m.Put([]byte("a"), []byte("1"))
	if _, err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	st := s.Stat()
	if st.LastStoredVersion != 0 {
		t.Errorf("Stat().LastStoredVersion = %d, want 0", st.LastStoredVersion)
	}
	if st.ChunkCount == 0 {
		t.Error("Stat().ChunkCount should be nonzero after a commit")
	}
}

func TestCommitOnReadOnlyStoreFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.chunkstore")
	s := openTestStore(t, Config{FileName: path})
	s.Close()

	ro, err := Open(Config{FileName: path, ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer ro.CloseImmediately()

	if _, err := ro.Commit(); err == nil {
		t.Error("Commit on a read-only store should fail")
	}
}

func TestRegisterVersionUsagePinsCurrentVersion(t *testing.T) {
	s := openTestStore(t, Config{RetentionTime: -1})
	counter := s.RegisterVersionUsage()
	if counter.Version() != s.GetCurrentVersion() {
		t.Errorf("TxCounter.Version() = %d, want %d", counter.Version(), s.GetCurrentVersion())
	}
	s.DeregisterVersionUsage(counter)
}

// TestRecoveryFallsBackToPreviousChunkAfterTruncation reproduces a
// store header that was rewritten to point at a chunk whose write
// never made it to disk intact (e.g. a crash between the chunk write
// and the sync that would have made both durable). Recovery must roll
// back to the chunk recorded in the header's Prev* fields rather than
// reporting the store as permanently corrupt.
func TestRecoveryFallsBackToPreviousChunkAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.chunkstore")
	s := openTestStore(t, Config{FileName: path, RetentionTime: -1})

	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	s.mu.RLock()
	goodChunk := s.lastChunk
	s.mu.RUnlock()

	if err := m.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	broken := s.lastChunk
	s.headerRec = storeHeader{
		Created:     s.createdAt,
		LastChunk:   broken.ID,
		LastBlock:   broken.Block,
		Version:     broken.Version,
		InstanceID:  s.instanceID.String(),
		PrevChunk:   goodChunk.ID,
		PrevBlock:   goodChunk.Block,
		PrevVersion: goodChunk.Version,
	}
	if err := writeStoreHeader(s.fs, &s.headerRec); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash partway through writing the last chunk: zero out
	// its second half so its footer no longer verifies.
	half := int64(broken.Len) / 2
	if half < 1 {
		half = 1
	}
	zero := make([]byte, (int64(broken.Len)-half)*filestore.BlockSize)
	if err := s.fs.WriteAt(int64(broken.Block)+half, zero); err != nil {
		t.Fatal(err)
	}
	if err := s.fs.Sync(); err != nil {
		t.Fatal(err)
	}
	s.mu.Unlock()

	if err := s.CloseImmediately(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(Config{FileName: path, RetentionTime: -1})
	if err != nil {
		t.Fatalf("reopen after truncating the last chunk should recover via fallback, got: %v", err)
	}
	defer s2.Close()

	m2, err := s2.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	v, err := m2.Get([]byte("a"))
	if err != nil || string(v) != "1" {
		t.Errorf("Get(a) after fallback recovery = (%q, %v), want (1, nil)", v, err)
	}
	if _, err := m2.Get([]byte("b")); err == nil {
		t.Error("Get(b) should fail: its commit lived only in the chunk rolled back by recovery")
	}

	// The store should remain writable after a fallback recovery.
	if err := m2.Put([]byte("c"), []byte("3")); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Commit(); err != nil {
		t.Fatalf("Commit after fallback recovery: %v", err)
	}
}

func TestTryCommitCoalescesConcurrentCallers(t *testing.T) {
	s := openTestStore(t, Config{})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}

	const n = 8
	versions := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			versions[i], errs[i] = s.TryCommit()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("TryCommit()[%d] error: %v", i, err)
		}
	}
	first := versions[0]
	for i, v := range versions {
		if v != first {
			t.Errorf("TryCommit()[%d] = %d, want %d (concurrent callers should coalesce onto one commit)", i, v, first)
		}
	}
}

// TestBackgroundWriterWakesOnUnsavedMemoryThreshold exercises spec.md
// §4.6's beforeWrite: a long AutoCommitDelay means only the threshold-
// triggered wake, not the timer, can make the writer commit in time.
func TestBackgroundWriterWakesOnUnsavedMemoryThreshold(t *testing.T) {
	s := openTestStore(t, Config{
		AutoCommitDelay:      60_000,
		AutoCommitBufferSize: 1,
	})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}
	big := make([]byte, 64*1024)
	if err := m.Put([]byte("a"), big); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.HasUnsavedChanges() {
		if time.Now().After(deadline) {
			t.Fatal("background writer never committed after the unsaved-memory threshold was crossed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCompactMoveChunksDoesNotGrowTheFile(t *testing.T) {
	s := openTestStore(t, Config{RetentionTime: -1})
	m, err := s.OpenMap("widgets")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 30; i++ {
		if err := m.Put([]byte{byte(i)}, make([]byte, 512)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 25; i++ {
		if _, err := m.Remove([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := s.GC(); err != nil {
		t.Fatal(err)
	}

	before := s.Stat().FileBytes
	if err := s.CompactMoveChunks(100, 1<<20); err != nil {
		t.Fatalf("CompactMoveChunks: %v", err)
	}
	after := s.Stat().FileBytes
	if after > before {
		t.Errorf("CompactMoveChunks grew the file: before=%d after=%d", before, after)
	}
}
