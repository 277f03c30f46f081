package chunk

import (
	"testing"

	"github.com/kvchunk/store/common"
)

func TestChunkMetaRoundTrip(t *testing.T) {
	c := &Chunk{
		ID:            3,
		Block:         512,
		Len:           4,
		Version:       10,
		Time:          99,
		PageCount:     5,
		PageCountLive: 5,
		MaxLen:        4096,
		MaxLenLive:    4096,
		MetaRootPos:   common.NewPos(3, 0, 64, common.PageTypeLeaf),
		Next:          516,
		Unused:        0,
		MapID:         2,
	}
	parsed, err := ParseMeta(c.ToMeta())
	if err != nil {
		t.Fatalf("ParseMeta: %v", err)
	}
	if *parsed != *c {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", *parsed, *c)
	}
}

func TestChunkHeaderRoundTrip(t *testing.T) {
	c := &Chunk{ID: 1, Block: 1, Len: 2, Version: 5, Time: 10, MapID: 1}
	header := EncodeHeader(c)
	if len(header) != HeaderLength {
		t.Fatalf("EncodeHeader length = %d, want %d", len(header), HeaderLength)
	}
	got, err := DecodeHeader(header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.ID != c.ID || got.Block != c.Block || got.Version != c.Version {
		t.Errorf("DecodeHeader mismatch: %+v", got)
	}
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{ChunkID: 9, Block: 100, Version: 3}
	footer := EncodeFooter(f)
	if len(footer) != FooterLength {
		t.Fatalf("EncodeFooter length = %d, want %d", len(footer), FooterLength)
	}
	got, err := DecodeFooter(footer)
	if err != nil {
		t.Fatalf("DecodeFooter: %v", err)
	}
	if got != f {
		t.Errorf("DecodeFooter = %+v, want %+v", got, f)
	}
}

func TestNewChunkHasSentinelBlock(t *testing.T) {
	c := New(5)
	if c.Block != Sentinel {
		t.Errorf("New chunk Block = %d, want Sentinel", c.Block)
	}
	if !c.IsLive() {
		t.Error("freshly allocated chunk should be live")
	}
}
