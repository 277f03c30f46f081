package pagestore

import (
	"bytes"

	"github.com/kvchunk/store/common"
)

// DefaultKeysPerPage bounds how many entries a leaf holds, and how
// many separator keys (so children minus one) an internal node holds,
// before it splits. It mirrors
// the store's "keysPerPage" open() config knob.
const DefaultKeysPerPage = 48

// Page is one node of a copy-on-write ordered tree: a leaf holding
// sorted key/value pairs, or an internal node holding sorted separator
// keys and child pointers. Pages are immutable once any mutation
// returns a new Page; the only things that change on an existing Page
// after creation are its Pos, assigned once when it is finally written,
// and an internal node's cached child pointers and child positions.
type Page struct {
	leaf bool

	keys   [][]byte
	values [][]byte // leaf only, len(values) == len(keys)

	children []*Page      // internal only, len(children) == len(keys)+1
	childPos []common.Pos // saved position of each child, mirrors children

	pos        common.Pos // zero until written
	totalCount int64      // number of leaf entries in the subtree rooted here
}

func newLeaf(keys [][]byte, values [][]byte) *Page {
	return &Page{leaf: true, keys: keys, values: values, totalCount: int64(len(keys))}
}

func newInternal(keys [][]byte, children []*Page) *Page {
	p := &Page{leaf: false, keys: keys, children: children, childPos: make([]common.Pos, len(children))}
	for _, c := range children {
		if c != nil {
			p.totalCount += c.totalCount
		}
	}
	return p
}

// IsLeaf reports whether this page is a leaf.
func (p *Page) IsLeaf() bool { return p.leaf }

// Pos returns the page's saved position, or zero if unsaved.
func (p *Page) Pos() common.Pos { return p.pos }

// Count returns the number of leaf entries in the subtree.
func (p *Page) Count() int64 { return p.totalCount }

// Keys returns the page's own keys: leaf entry keys for a leaf, or
// separator keys for an internal node.
func (p *Page) Keys() [][]byte { return p.keys }

// Values returns the page's leaf values; nil for an internal node.
func (p *Page) Values() [][]byte { return p.values }

// ChildPositions returns the saved positions of an internal node's
// children, in the same order as Keys. Positions are zero for
// children that have never been written.
func (p *Page) ChildPositions() []common.Pos { return p.childPos }

func (p *Page) find(key []byte) int {
	lo, hi := 0, len(p.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(p.keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// get returns the value for key, or (nil, false).
func (p *Page) get(key []byte) ([]byte, bool) {
	if p.leaf {
		i := p.find(key)
		if i < len(p.keys) && bytes.Equal(p.keys[i], key) {
			return p.values[i], true
		}
		return nil, false
	}
	i := p.childIndex(key)
	return p.children[i].get(key)
}

// childIndex returns which child subtree a key belongs to for an
// internal node: keys[i-1] <= key < keys[i], child i holds it.
func (p *Page) childIndex(key []byte) int {
	lo, hi := 0, len(p.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(p.keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// splitResult describes a node that overflowed during an insert.
type splitResult struct {
	left, right *Page
	sep         []byte // smallest key of right
}

// resolver loads an internal page's i-th child, from memory if already
// resolved or from the backing store otherwise.
type resolver func(p *Page, i int) (*Page, error)

// put returns the new root of the subtree after inserting key/value,
// and, if the subtree had to split, the sibling produced by the split.
// onDiscard is called once for every previously-saved page position
// that the new tree no longer references (every node on the path down
// to the modified leaf is copied, so its old saved position, if any,
// becomes garbage).
func (p *Page) put(key, value []byte, keysPerPage int, resolve resolver, onUnsaved func(*Page), onDiscard func(common.Pos)) (*Page, *splitResult, error) {
	if p.pos.IsSaved() {
		onDiscard(p.pos)
	}
	if p.leaf {
		i := p.find(key)
		keys := cowInsertOrReplace(p.keys, i, key, len(p.keys) > i && bytes.Equal(p.keys[i], key))
		values := cowInsertOrReplaceValue(p.values, i, value, len(p.keys) > i && bytes.Equal(p.keys[i], key))
		n := newLeaf(keys, values)
		onUnsaved(n)
		if len(n.keys) <= keysPerPage {
			return n, nil, nil
		}
		mid := len(n.keys) / 2
		left := newLeaf(append([][]byte{}, n.keys[:mid]...), append([][]byte{}, n.values[:mid]...))
		right := newLeaf(append([][]byte{}, n.keys[mid:]...), append([][]byte{}, n.values[mid:]...))
		onUnsaved(left)
		onUnsaved(right)
		return left, &splitResult{left: left, right: right, sep: right.keys[0]}, nil
	}

	i := p.childIndex(key)
	child, err := resolve(p, i)
	if err != nil {
		return nil, nil, err
	}
	newChild, split, err := child.put(key, value, keysPerPage, resolve, onUnsaved, onDiscard)
	if err != nil {
		return nil, nil, err
	}

	children := append([]*Page{}, p.children...)
	keys := append([][]byte{}, p.keys...)
	children[i] = newChild
	if split == nil {
		n := newInternal(keys, children)
		onUnsaved(n)
		return n, nil, nil
	}

	children[i] = split.left
	children = append(children[:i+1], append([]*Page{split.right}, children[i+1:]...)...)
	keys = append(keys[:i], append([][]byte{split.sep}, keys[i:]...)...)

	n := newInternal(keys, children)
	onUnsaved(n)
	if len(n.children) <= keysPerPage+1 {
		return n, nil, nil
	}

	mid := len(n.children) / 2
	leftKeys := append([][]byte{}, n.keys[:mid-1]...)
	rightKeys := append([][]byte{}, n.keys[mid:]...)
	left := newInternal(leftKeys, append([]*Page{}, n.children[:mid]...))
	right := newInternal(rightKeys, append([]*Page{}, n.children[mid:]...))
	onUnsaved(left)
	onUnsaved(right)
	return left, &splitResult{left: left, right: right, sep: n.keys[mid-1]}, nil
}

// remove returns the new root after deleting key, and whether key was
// present. Underflowing nodes are left as-is rather than rebalanced:
// the B-tree never shrinks below what a correct read path needs, at
// the cost of not reclaiming separator-key slots after heavy deletes.
func (p *Page) remove(key []byte, resolve resolver, onUnsaved func(*Page), onDiscard func(common.Pos)) (*Page, bool, error) {
	if p.leaf {
		i := p.find(key)
		if i >= len(p.keys) || !bytes.Equal(p.keys[i], key) {
			return p, false, nil
		}
		if p.pos.IsSaved() {
			onDiscard(p.pos)
		}
		keys := append(append([][]byte{}, p.keys[:i]...), p.keys[i+1:]...)
		values := append(append([][]byte{}, p.values[:i]...), p.values[i+1:]...)
		n := newLeaf(keys, values)
		onUnsaved(n)
		return n, true, nil
	}
	i := p.childIndex(key)
	child, err := resolve(p, i)
	if err != nil {
		return nil, false, err
	}
	newChild, removed, err := child.remove(key, resolve, onUnsaved, onDiscard)
	if err != nil {
		return nil, false, err
	}
	if !removed {
		return p, false, nil
	}
	if p.pos.IsSaved() {
		onDiscard(p.pos)
	}
	children := append([]*Page{}, p.children...)
	children[i] = newChild
	n := newInternal(append([][]byte{}, p.keys...), children)
	onUnsaved(n)
	return n, true, nil
}

func cowInsertOrReplace(keys [][]byte, i int, key []byte, replace bool) [][]byte {
	out := make([][]byte, 0, len(keys)+1)
	out = append(out, keys[:i]...)
	out = append(out, key)
	if replace {
		out = append(out, keys[i+1:]...)
	} else {
		out = append(out, keys[i:]...)
	}
	return out
}

func cowInsertOrReplaceValue(values [][]byte, i int, value []byte, replace bool) [][]byte {
	out := make([][]byte, 0, len(values)+1)
	out = append(out, values[:i]...)
	out = append(out, value)
	if replace {
		out = append(out, values[i+1:]...)
	} else {
		out = append(out, values[i:]...)
	}
	return out
}

// estimatedMemory approximates the in-memory footprint of one page,
// used for the store's unsaved-memory threshold accounting.
func (p *Page) estimatedMemory() int {
	const overhead = 48
	n := overhead
	for _, k := range p.keys {
		n += len(k) + 16
	}
	for _, v := range p.values {
		n += len(v)
	}
	n += len(p.children) * 8
	return n
}
