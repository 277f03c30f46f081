package store

import (
	"github.com/kvchunk/store/common"
)

// storeHooks bridges one MVMap's page lifecycle events into the
// store's unsaved-memory estimate and its freed-page-space ledger
// (spec.md §4.3's freed_page_space), keyed by the page's owning
// chunk rather than by map, since reclamation is chunk-granular.
type storeHooks struct {
	store *Store
	mapID uint32
}

// OnUnsavedPage implements spec.md §4.6's beforeWrite: once unsaved
// memory crosses the configured threshold, it nudges the background
// writer to attempt an immediate commit rather than waiting for its
// next timer tick. It must stay lock-free against mu: it can fire
// while the calling goroutine already holds mu (e.g. storeNow's own
// writes into the meta map), so it never touches anything guarded by
// mu directly.
func (h *storeHooks) OnUnsavedPage(delta int) {
	mem := h.store.unsavedMemory.Add(int64(delta))
	if h.store.autoCommitDelay.Load() > 0 && mem > h.store.autoCommitMemoryThreshold {
		h.store.wakeBackgroundWriter()
	}
}

func (h *storeHooks) OnPageDiscarded(pos common.Pos) {
	if !pos.IsSaved() {
		return
	}
	h.store.freedMu.Lock()
	d := h.store.freedPages[pos.ChunkID()]
	d.pages++
	d.bytes += int64(pos.MaxLength())
	h.store.freedPages[pos.ChunkID()] = d
	h.store.freedMu.Unlock()
}
