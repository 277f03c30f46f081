// Package chunk implements the on-disk framing for one append-only
// unit of chunk storage: its header, its footer, and the compact
// descriptor form persisted under a "chunk.{hex id}" metadata key.
// It knows nothing about reachability, free space, or compaction —
// that lives in the store package, which is the actual core.
package chunk

import (
	"github.com/kvchunk/store/common"
)

// BlockSize is the allocation granularity of the backing file.
const BlockSize = 4096

// FooterLength is the fixed size of a chunk's trailing footer record.
const FooterLength = 128

// HeaderLength is the fixed size of a chunk's leading header record.
// Real MVStore-style formats pack this tighter; fixing it to one block
// trades a little space for simpler offset arithmetic.
const HeaderLength = BlockSize

// MaxID is the largest chunk id; allocation wraps modulo MaxID+1.
const MaxID = common.MaxChunkID

// Sentinel is used as Chunk.Block for a chunk that has been allocated
// an id but not yet written; seeing this value for a live id during
// id allocation indicates a previous commit failed mid-flight.
const Sentinel = ^uint64(0)

// Chunk is the immutable-after-write descriptor for one chunk. Only
// Unused, PageCountLive and MaxLenLive change after the chunk is first
// written, and only through the store's bookkeeping.
type Chunk struct {
	ID       uint32
	Block    uint64 // first block offset on disk
	Len      uint64 // block count
	Version  int64  // store version at which this chunk was written
	Time     int64  // ms since store creation

	PageCount     int64
	PageCountLive int64
	MaxLen        int64
	MaxLenLive    int64

	MetaRootPos common.Pos // meta root position at write time
	Next        uint64     // predicted block of the following chunk, or 0
	Unused      int64      // ms since creation when first observed dead, or 0
	MapID       uint32     // highest open map id at write time
}

// New returns a chunk with sentinel maxima, as allocated at the start
// of a commit before any page data has been written into it.
func New(id uint32) *Chunk {
	return &Chunk{ID: id, Block: Sentinel}
}

// IsLive reports whether the chunk is still considered live, i.e. has
// not been marked unused by a reachability sweep.
func (c *Chunk) IsLive() bool { return c.Unused == 0 }

// ToMeta renders the chunk descriptor for storage under
// "chunk.{hex id}" in the metadata map.
func (c *Chunk) ToMeta() string {
	m := map[string]string{
		"id":      Hex(uint64(c.ID)),
		"block":   Hex(c.Block),
		"len":     Hex(c.Len),
		"version": Hex(uint64(c.Version)),
		"time":    Hex(uint64(c.Time)),
		"pages":   Hex(uint64(c.PageCount)),
		"live":    Hex(uint64(c.PageCountLive)),
		"max":     Hex(uint64(c.MaxLen)),
		"maxLive": Hex(uint64(c.MaxLenLive)),
		"root":    Hex(uint64(c.MetaRootPos)),
		"next":    Hex(c.Next),
		"unused":  Hex(uint64(c.Unused)),
		"mapId":   Hex(uint64(c.MapID)),
	}
	// ToMeta is not checksummed: it is one value among many in the
	// metadata map, which is itself covered by the chunk that stores it.
	return string(encodeFields(m))
}

// ParseMeta parses the value of a "chunk.{hex id}" metadata entry.
func ParseMeta(s string) (*Chunk, error) {
	m, err := decodeFields([]byte(s))
	if err != nil {
		return nil, err
	}
	id, err := RequireHex(m, "id")
	if err != nil {
		return nil, err
	}
	block, err := RequireHex(m, "block")
	if err != nil {
		return nil, err
	}
	length, err := RequireHex(m, "len")
	if err != nil {
		return nil, err
	}
	version, err := RequireHex(m, "version")
	if err != nil {
		return nil, err
	}
	tm, err := RequireHex(m, "time")
	if err != nil {
		return nil, err
	}
	pages, err := RequireHex(m, "pages")
	if err != nil {
		return nil, err
	}
	live, err := RequireHex(m, "live")
	if err != nil {
		return nil, err
	}
	maxLen, err := RequireHex(m, "max")
	if err != nil {
		return nil, err
	}
	maxLive, err := RequireHex(m, "maxLive")
	if err != nil {
		return nil, err
	}
	root, err := RequireHex(m, "root")
	if err != nil {
		return nil, err
	}
	next, err := RequireHex(m, "next")
	if err != nil {
		return nil, err
	}
	unused, err := RequireHex(m, "unused")
	if err != nil {
		return nil, err
	}
	mapID, err := RequireHex(m, "mapId")
	if err != nil {
		return nil, err
	}

	return &Chunk{
		ID:            uint32(id),
		Block:         block,
		Len:           length,
		Version:       int64(version),
		Time:          int64(tm),
		PageCount:     int64(pages),
		PageCountLive: int64(live),
		MaxLen:        int64(maxLen),
		MaxLenLive:    int64(maxLive),
		MetaRootPos:   common.Pos(root),
		Next:          next,
		Unused:        int64(unused),
		MapID:         uint32(mapID),
	}, nil
}
