package store

import (
	"github.com/kvchunk/store/chunk"
	"github.com/kvchunk/store/common"
	"github.com/kvchunk/store/filestore"
)

// formatWrite and formatRead are this build's understood file format
// versions, per spec.md §4.1 step 2.
const (
	formatWrite = 1
	formatRead  = 1
	headerMajor = 2
)

// storeHeader is the small ASCII record written twice, in blocks 0 and
// 1, describing where the most recently known-good chunk lives.
//
// Prev* names the chunk this header pointed at immediately before the
// current LastChunk was adopted. It gives recover() a one-step fallback
// (spec.md §4.1 step 6, folded down from the full iterative sweep - see
// DESIGN.md) for the case where this header became durable before the
// chunk it now names did: PrevVersion is -1 when no earlier chunk is
// recorded (a fresh store, or one rolled back to empty).
type storeHeader struct {
	Created    int64
	LastChunk  uint32
	LastBlock  uint64
	Version    int64
	InstanceID string

	PrevChunk   uint32
	PrevBlock   uint64
	PrevVersion int64
}

func encodeStoreHeader(h *storeHeader) []byte {
	m := map[string]string{
		"H":           chunk.Hex(uint64(headerMajor)),
		"blockSize":   chunk.Hex(uint64(chunk.BlockSize)),
		"format":      chunk.Hex(uint64(formatWrite)),
		"formatRead":  chunk.Hex(uint64(formatRead)),
		"created":     chunk.Hex(uint64(h.Created)),
		"chunk":       chunk.Hex(uint64(h.LastChunk)),
		"block":       chunk.Hex(h.LastBlock),
		"version":     chunk.Hex(uint64(h.Version)),
		"instanceId":  h.InstanceID,
		"prevChunk":   chunk.Hex(uint64(h.PrevChunk)),
		"prevBlock":   chunk.Hex(h.PrevBlock),
		"prevVersion": chunk.Hex(uint64(h.PrevVersion)),
	}
	data := chunk.EncodeMap(m)
	out := make([]byte, chunk.BlockSize)
	copy(out, data)
	return out
}

func decodeStoreHeader(data []byte) (*storeHeader, error) {
	m, err := chunk.DecodeMap(data)
	if err != nil {
		return nil, err
	}
	format, err := chunk.RequireHex(m, "format")
	if err != nil {
		return nil, err
	}
	readFormat, err := chunk.RequireHex(m, "formatRead")
	if err != nil {
		return nil, err
	}
	blockSize, err := chunk.RequireHex(m, "blockSize")
	if err != nil {
		return nil, err
	}
	if readFormat > formatRead {
		return nil, common.Newf(common.UnsupportedFormat, "store requires format read level %d, this build understands %d", readFormat, formatRead)
	}
	if blockSize != chunk.BlockSize {
		return nil, common.Newf(common.UnsupportedFormat, "store block size %d does not match %d", blockSize, chunk.BlockSize)
	}

	created, err := chunk.RequireHex(m, "created")
	if err != nil {
		return nil, err
	}
	lastChunk, err := chunk.RequireHex(m, "chunk")
	if err != nil {
		return nil, err
	}
	lastBlock, err := chunk.RequireHex(m, "block")
	if err != nil {
		return nil, err
	}
	version, err := chunk.RequireHex(m, "version")
	if err != nil {
		return nil, err
	}
	prevChunk, err := chunk.RequireHex(m, "prevChunk")
	if err != nil {
		return nil, err
	}
	prevBlock, err := chunk.RequireHex(m, "prevBlock")
	if err != nil {
		return nil, err
	}
	prevVersion, err := chunk.RequireHex(m, "prevVersion")
	if err != nil {
		return nil, err
	}

	_ = format // parsed for presence only; it is not compared against formatWrite, on open or anywhere else
	return &storeHeader{
		Created:     int64(created),
		LastChunk:   uint32(lastChunk),
		LastBlock:   lastBlock,
		Version:     int64(version),
		InstanceID:  m["instanceId"],
		PrevChunk:   uint32(prevChunk),
		PrevBlock:   prevBlock,
		PrevVersion: int64(prevVersion),
	}, nil
}

// writeStoreHeader places both copies of the header into one
// contiguous two-block buffer and writes it in a single call, so the
// two copies are atomic from the implementer's perspective.
func writeStoreHeader(fs *filestore.FileStore, h *storeHeader) error {
	data := encodeStoreHeader(h)
	buf := make([]byte, 2*chunk.BlockSize)
	copy(buf, data)
	copy(buf[chunk.BlockSize:], data)
	return fs.WriteAt(0, buf)
}

// readStoreHeader reads both header copies and returns the one with
// the higher version whose copy parses; if only one parses, that one
// wins; if neither parses, the file is corrupt.
func readStoreHeader(fs *filestore.FileStore) (*storeHeader, error) {
	buf, err := fs.ReadAt(0, 2)
	if err != nil {
		return nil, err
	}
	a, errA := decodeStoreHeader(buf[:chunk.BlockSize])
	b, errB := decodeStoreHeader(buf[chunk.BlockSize:])

	switch {
	case errA != nil && errB != nil:
		return nil, common.New(common.Corrupt, "neither store header copy is valid")
	case errA != nil:
		return b, nil
	case errB != nil:
		return a, nil
	case b.Version > a.Version:
		return b, nil
	default:
		return a, nil
	}
}

// verifyChunkFrame re-reads a chunk's header and footer from disk and
// checks that both agree with the candidate descriptor's identity and
// version, the check readStoreHeader's caller uses to confirm a chunk
// named by the header is actually intact.
func verifyChunkFrame(fs *filestore.FileStore, c *chunk.Chunk) error {
	headerBuf, err := fs.ReadAt(int64(c.Block), chunk.HeaderLength/filestore.BlockSize)
	if err != nil {
		return err
	}
	hdr, err := chunk.DecodeHeader(headerBuf)
	if err != nil {
		return err
	}
	if hdr.ID != c.ID || hdr.Version != c.Version {
		return common.New(common.Corrupt, "chunk header identity mismatch")
	}

	footerBlocks := (chunk.FooterLength + filestore.BlockSize - 1) / filestore.BlockSize
	footerOffsetBlocks := int64(c.Len) - int64(footerBlocks)
	if footerOffsetBlocks < 0 {
		return common.New(common.Corrupt, "chunk too short for footer")
	}
	footerBuf, err := fs.ReadAt(int64(c.Block)+footerOffsetBlocks, int64(footerBlocks))
	if err != nil {
		return err
	}
	ft, err := chunk.DecodeFooter(footerBuf[len(footerBuf)-chunk.FooterLength:])
	if err != nil {
		return err
	}
	if ft.ChunkID != c.ID || ft.Version != c.Version || ft.Block != c.Block {
		return common.New(common.Corrupt, "chunk footer identity mismatch")
	}
	return nil
}
