package pagestore

import "github.com/kvchunk/store/common"

var errShortPage = common.New(common.Corrupt, "truncated page record")

// Page wire format, written once per page when it is finally flushed
// to a chunk's write buffer:
//
//	byte    kind       0 = leaf, 1 = internal
//	uvarint count       number of keys
//	leaf:    count * (bytes key, bytes value)
//	internal: count * (bytes key) followed by (count+1) * uvarint(childPos)

const (
	kindLeaf     = 0
	kindInternal = 1
)

func (p *Page) encode() []byte {
	if p.leaf {
		buf := make([]byte, 0, p.estimatedMemory())
		buf = append(buf, kindLeaf)
		buf = appendUvarint(buf, uint64(len(p.keys)))
		for i := range p.keys {
			buf = appendBytes(buf, p.keys[i])
			buf = appendBytes(buf, p.values[i])
		}
		return buf
	}

	buf := make([]byte, 0, p.estimatedMemory())
	buf = append(buf, kindInternal)
	buf = appendUvarint(buf, uint64(len(p.keys)))
	for i := range p.keys {
		buf = appendBytes(buf, p.keys[i])
	}
	for _, pos := range p.childPos {
		buf = appendUvarint(buf, uint64(pos))
	}
	return buf
}

// DecodePage parses the bytes written by a page's encode method. It is
// the entry point a PageReader implementation uses to turn raw chunk
// bytes back into a Page.
func DecodePage(data []byte) (*Page, error) { return decodePage(data) }

// decodePage parses the bytes written by encode. Internal nodes come
// back with childPos populated and children left nil: the map's
// loader resolves children lazily via the store's page reader.
func decodePage(data []byte) (*Page, error) {
	if len(data) == 0 {
		return nil, errShortPage
	}
	kind := data[0]
	rest := data[1:]
	count, k := uvarint(rest)
	if k <= 0 {
		return nil, errShortPage
	}
	rest = rest[k:]

	if kind == kindLeaf {
		keys := make([][]byte, count)
		values := make([][]byte, count)
		for i := uint64(0); i < count; i++ {
			key, r, ok := readBytes(rest)
			if !ok {
				return nil, errShortPage
			}
			rest = r
			val, r2, ok := readBytes(rest)
			if !ok {
				return nil, errShortPage
			}
			rest = r2
			keys[i] = key
			values[i] = val
		}
		return newLeaf(keys, values), nil
	}

	keys := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		key, r, ok := readBytes(rest)
		if !ok {
			return nil, errShortPage
		}
		rest = r
		keys[i] = key
	}
	childPos := make([]uint64, count+1)
	for i := range childPos {
		v, n := uvarint(rest)
		if n <= 0 {
			return nil, errShortPage
		}
		rest = rest[n:]
		childPos[i] = v
	}
	p := &Page{leaf: false, keys: keys, children: make([]*Page, count+1)}
	p.childPos = make([]common.Pos, count+1)
	for i, v := range childPos {
		p.childPos[i] = common.Pos(v)
	}
	return p, nil
}
