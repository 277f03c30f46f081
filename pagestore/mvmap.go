// Package pagestore implements the copy-on-write B-tree data structure
// the store coordinator writes into named chunks: MVMap, the ordered
// map a caller opens by name, and Page, the immutable node type COW
// mutation produces new versions of. The store never mutates a Page
// in place; it only ever swaps an MVMap's root pointer.
package pagestore

import (
	"sync"

	"github.com/kvchunk/store/common"
)

// PageReader resolves a saved position into its Page, loading and
// decoding it from the backing chunk storage. The store implements
// this by reading the chunk's bytes and calling decodePage.
type PageReader interface {
	ReadPage(pos common.Pos) (*Page, error)
}

// Hooks lets the owning store observe page lifecycle events without
// MVMap knowing anything about chunks, free space, or commits.
type Hooks interface {
	// OnUnsavedPage is called whenever a put/remove produces a new
	// in-memory page, so the store can track unsaved memory.
	OnUnsavedPage(delta int)
	// OnPageDiscarded is called when a previously saved page becomes
	// unreachable from the new root, so the store can credit its
	// chunk with freed space.
	OnPageDiscarded(pos common.Pos)
}

type noopHooks struct{}

func (noopHooks) OnUnsavedPage(int)             {}
func (noopHooks) OnPageDiscarded(common.Pos)    {}

// MVMap is one named ordered map sharing a store's chunk space. Each
// write transaction swaps root for a new *Page; concurrent readers
// holding an older root see a fully consistent, unaffected snapshot.
type MVMap struct {
	mu   sync.RWMutex
	ID   uint32
	Name string

	root        *Page
	writeVersion int64
	keysPerPage int

	hooks  Hooks
	reader PageReader
}

// New creates an empty map. keysPerPage <= 0 selects DefaultKeysPerPage.
func New(id uint32, name string, keysPerPage int, hooks Hooks, reader PageReader) *MVMap {
	if keysPerPage <= 0 {
		keysPerPage = DefaultKeysPerPage
	}
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &MVMap{
		ID:          id,
		Name:        name,
		root:        newLeaf(nil, nil),
		keysPerPage: keysPerPage,
		hooks:       hooks,
		reader:      reader,
	}
}

// SetWriteVersion records the version stamp new pages are conceptually
// created under. The map itself does not persist per-page versions;
// the store's meta map records, per chunk, which version wrote it.
func (m *MVMap) SetWriteVersion(v int64) {
	m.mu.Lock()
	m.writeVersion = v
	m.mu.Unlock()
}

// Root returns the map's current root page.
func (m *MVMap) Root() *Page {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// SetRoot replaces the map's root directly, used when the store loads
// a map from a chunk's recorded root position.
func (m *MVMap) SetRoot(root *Page) {
	m.mu.Lock()
	m.root = root
	m.mu.Unlock()
}

// Get resolves key against the current root, loading child pages from
// the backing store as needed.
func (m *MVMap) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	root := m.root
	m.mu.RUnlock()

	p, err := m.resolve(root)
	if err != nil {
		return nil, err
	}
	return m.getResolved(p, key)
}

func (m *MVMap) getResolved(p *Page, key []byte) ([]byte, error) {
	if p.leaf {
		if v, ok := p.get(key); ok {
			return v, nil
		}
		return nil, common.ErrKeyNotFound
	}
	i := p.childIndex(key)
	child, err := m.resolveChild(p, i)
	if err != nil {
		return nil, err
	}
	return m.getResolved(child, key)
}

// resolve ensures p's own content is materialized; roots loaded from
// disk carry no unresolved state themselves, so this is currently a
// passthrough kept for symmetry with resolveChild.
func (m *MVMap) resolve(p *Page) (*Page, error) { return p, nil }

func (m *MVMap) resolveChild(p *Page, i int) (*Page, error) {
	if p.children[i] != nil {
		return p.children[i], nil
	}
	if m.reader == nil {
		return nil, common.New(common.Internal, "page store has no reader configured")
	}
	child, err := m.reader.ReadPage(p.childPos[i])
	if err != nil {
		return nil, err
	}
	p.children[i] = child
	return child, nil
}

func (m *MVMap) resolveFn() resolver {
	return func(p *Page, i int) (*Page, error) { return m.resolveChild(p, i) }
}

// Put inserts or replaces key's value.
func (m *MVMap) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := 0
	onUnsaved := func(p *Page) { mem += p.estimatedMemory() }
	onDiscard := m.hooks.OnPageDiscarded

	newRoot, split, err := m.root.put(key, value, m.keysPerPage, m.resolveFn(), onUnsaved, onDiscard)
	if err != nil {
		return err
	}
	if split != nil {
		newRoot = newInternal([][]byte{split.sep}, []*Page{split.left, split.right})
		onUnsaved(newRoot)
	}
	m.root = newRoot
	m.hooks.OnUnsavedPage(mem)
	return nil
}

// Remove deletes key, reporting whether it was present.
func (m *MVMap) Remove(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := 0
	onUnsaved := func(p *Page) { mem += p.estimatedMemory() }
	onDiscard := m.hooks.OnPageDiscarded

	newRoot, removed, err := m.root.remove(key, m.resolveFn(), onUnsaved, onDiscard)
	if err != nil {
		return false, err
	}
	if removed {
		m.root = newRoot
		m.hooks.OnUnsavedPage(mem)
	}
	return removed, nil
}

// Count returns the number of entries reachable from the current root.
func (m *MVMap) Count() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root.totalCount
}

// Write flushes every unsaved page reachable from the map's current
// root into buf, post-order, and returns the map's new root position.
// Pages that were already saved (pos != 0) are left untouched.
func (m *MVMap) Write(buf *WriteBuffer, chunkID uint32) common.Pos {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writePage(m.root, buf, chunkID)
}

func writePage(p *Page, buf *WriteBuffer, chunkID uint32) common.Pos {
	if p.pos.IsSaved() {
		return p.pos
	}
	if !p.leaf {
		for i, child := range p.children {
			if child == nil {
				continue // already saved in an earlier chunk, childPos is authoritative
			}
			p.childPos[i] = writePage(child, buf, chunkID)
		}
	}
	data := p.encode()
	offset := buf.Append(data)
	pageType := common.PageTypeLeaf
	if !p.leaf {
		pageType = common.PageTypeNode
	}
	p.pos = common.NewPos(chunkID, uint32(offset), len(data), pageType)
	return p.pos
}

// WriteBuffer accumulates serialized page bytes for one chunk before
// the store flushes it to the file store in a single write. Callers
// reuse a WriteBuffer across commits when it stays under the 4MiB
// pooling ceiling, matching the store's writeBuffer reuse policy.
type WriteBuffer struct {
	buf []byte
}

// MaxPooledSize is the largest buffer the store keeps around for
// reuse; larger buffers are discarded after their chunk is flushed so
// one oversized commit doesn't pin memory for the store's lifetime.
const MaxPooledSize = 4 * 1024 * 1024

// Append writes data to the buffer and returns its offset.
func (b *WriteBuffer) Append(data []byte) int {
	off := len(b.buf)
	b.buf = append(b.buf, data...)
	return off
}

// Bytes returns the buffer's current contents.
func (b *WriteBuffer) Bytes() []byte { return b.buf }

// Len returns the buffer's current length.
func (b *WriteBuffer) Len() int { return len(b.buf) }

// Reset empties the buffer, keeping its backing array if it is at or
// under MaxPooledSize, matching the store's writeBuffer reuse policy.
func (b *WriteBuffer) Reset() {
	if cap(b.buf) > MaxPooledSize {
		b.buf = nil
		return
	}
	b.buf = b.buf[:0]
}
