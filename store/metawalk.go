package store

import (
	"bytes"
	"strconv"

	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/pagestore"
)

// pagestoreMap is a read-only view over one historical meta root,
// resolved lazily through a PageReader. collectReferencedChunks,
// recovery and RollbackTo use it to walk a stored snapshot's entries
// without disturbing the live meta map.
type pagestoreMap struct {
	root   *pagestore.Page
	reader pagestore.PageReader
}

// forEachPrefix visits every leaf entry whose key starts with prefix,
// in key order.
func (m *pagestoreMap) forEachPrefix(prefix string, fn func(key, value []byte)) {
	m.walk(m.root, []byte(prefix), fn)
}

func (m *pagestoreMap) walk(p *pagestore.Page, prefix []byte, fn func(key, value []byte)) {
	if p == nil {
		return
	}
	if p.IsLeaf() {
		keys, values := p.Keys(), p.Values()
		for i, k := range keys {
			if bytes.HasPrefix(k, prefix) {
				fn(k, values[i])
			}
		}
		return
	}
	for _, pos := range p.ChildPositions() {
		if !pos.IsSaved() {
			continue
		}
		child, err := m.reader.ReadPage(pos)
		if err != nil {
			continue
		}
		m.walk(child, prefix, fn)
	}
}

// parseHexPos parses a "root.*" meta value, a hex-encoded Pos.
func parseHexPos(value []byte) (common.Pos, error) {
	n, err := strconv.ParseUint(string(value), 16, 64)
	if err != nil {
		return 0, err
	}
	return common.Pos(n), nil
}
