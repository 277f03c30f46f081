package pagestore

import "github.com/kvchunk/store/common"

// Touch forces every page (and its ancestors) whose saved position
// lies in a chunk selected by inChunk to be recopied as an unsaved
// page with identical content. Compaction uses this to migrate pages
// out of low-fill chunks: the copies get written to a fresh chunk on
// the next commit, and the old positions are reported to onDiscard so
// the owning chunk's live counters drop.
func (m *MVMap) Touch(inChunk func(chunkID uint32) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := 0
	onUnsaved := func(p *Page) { mem += p.estimatedMemory() }
	onDiscard := m.hooks.OnPageDiscarded

	newRoot, changed, err := touchPage(m.root, inChunk, m.resolveFn(), onUnsaved, onDiscard)
	if err != nil {
		return err
	}
	if changed {
		m.root = newRoot
		m.hooks.OnUnsavedPage(mem)
	}
	return nil
}

func touchPage(p *Page, inChunk func(uint32) bool, resolve resolver, onUnsaved func(*Page), onDiscard func(common.Pos)) (*Page, bool, error) {
	selfSelected := p.pos.IsSaved() && inChunk(p.pos.ChunkID())

	if p.leaf {
		if !selfSelected {
			return p, false, nil
		}
		onDiscard(p.pos)
		n := newLeaf(append([][]byte{}, p.keys...), append([][]byte{}, p.values...))
		onUnsaved(n)
		return n, true, nil
	}

	children := append([]*Page{}, p.children...)
	anyChanged := selfSelected
	for i := range children {
		child, err := resolve(p, i)
		if err != nil {
			return nil, false, err
		}
		nc, changed, err := touchPage(child, inChunk, resolve, onUnsaved, onDiscard)
		if err != nil {
			return nil, false, err
		}
		if changed {
			children[i] = nc
			anyChanged = true
		}
	}
	if !anyChanged {
		return p, false, nil
	}
	if p.pos.IsSaved() {
		onDiscard(p.pos)
	}
	n := newInternal(append([][]byte{}, p.keys...), children)
	onUnsaved(n)
	return n, true, nil
}
