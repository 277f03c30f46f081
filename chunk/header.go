package chunk

import (
	"github.com/kvchunk/store/common"
)

// EncodeHeader renders a chunk's leading header record: a checksummed
// ASCII map padded to HeaderLength with zero bytes.
func EncodeHeader(c *Chunk) []byte {
	m := map[string]string{
		"chunk":    Hex(uint64(c.ID)),
		"block":    Hex(c.Block),
		"len":      Hex(c.Len),
		"pages":    Hex(uint64(c.PageCount)),
		"max":      Hex(uint64(c.MaxLen)),
		"maxLive":  Hex(uint64(c.MaxLenLive)),
		"metaRoot": Hex(uint64(c.MetaRootPos)),
		"next":     Hex(c.Next),
		"version":  Hex(uint64(c.Version)),
		"time":     Hex(uint64(c.Time)),
		"mapId":    Hex(uint64(c.MapID)),
	}
	return padTo(EncodeMap(m), HeaderLength)
}

// DecodeHeader parses a chunk header record written by EncodeHeader.
func DecodeHeader(data []byte) (*Chunk, error) {
	m, err := DecodeMap(data)
	if err != nil {
		return nil, err
	}
	id, err := RequireHex(m, "chunk")
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
	pages, err := RequireHex(m, "pages")
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
	root, err := RequireHex(m, "metaRoot")
	if err != nil {
		return nil, err
	}
	next, err := RequireHex(m, "next")
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
	mapID, err := RequireHex(m, "mapId")
	if err != nil {
		return nil, err
	}

	return &Chunk{
		ID:          uint32(id),
		Block:       block,
		Len:         length,
		PageCount:   int64(pages),
		MaxLen:      int64(maxLen),
		MaxLenLive:  int64(maxLive),
		MetaRootPos: common.Pos(root),
		Next:        next,
		Version:     int64(version),
		Time:        int64(tm),
		MapID:       uint32(mapID),
	}, nil
}

// Footer is the trailing record of a chunk: a short, independently
// checkable restatement of its identity used during recovery to find
// the newest valid chunk without re-reading the whole file.
type Footer struct {
	ChunkID uint32
	Block   uint64
	Version int64
}

// EncodeFooter renders a chunk's trailing footer record.
func EncodeFooter(f Footer) []byte {
	m := map[string]string{
		"chunk":   Hex(uint64(f.ChunkID)),
		"block":   Hex(f.Block),
		"version": Hex(uint64(f.Version)),
	}
	return padTo(EncodeMap(m), FooterLength)
}

// DecodeFooter parses a chunk footer record written by EncodeFooter.
func DecodeFooter(data []byte) (Footer, error) {
	m, err := DecodeMap(data)
	if err != nil {
		return Footer{}, err
	}
	id, err := RequireHex(m, "chunk")
	if err != nil {
		return Footer{}, err
	}
	block, err := RequireHex(m, "block")
	if err != nil {
		return Footer{}, err
	}
	version, err := RequireHex(m, "version")
	if err != nil {
		return Footer{}, err
	}
	return Footer{ChunkID: uint32(id), Block: block, Version: int64(version)}, nil
}

func padTo(data []byte, size int) []byte {
	if len(data) >= size {
		return data[:size]
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}
