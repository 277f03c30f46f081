// Command chunkstorectl is an operational CLI over the chunk store
// coordinator: inspect, compact, garbage-collect, or roll back a store
// file without wiring it into an application.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/kvchunk/store/store"
)

var cli struct {
	Stat     StatCmd     `cmd:"" help:"Print version, chunk, and fill-rate information"`
	Compact  CompactCmd  `cmd:"" help:"Rewrite sparsely-live chunks into fresh ones"`
	Move     MoveCmd     `cmd:"" help:"Relocate chunks back into earlier holes so a shrink can reclaim the tail"`
	GC       GCCmd       `cmd:"" help:"Run a single unused-chunk reclamation sweep"`
	Rollback RollbackCmd `cmd:"" help:"Roll the store back to an earlier version"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("chunkstorectl"),
		kong.Description("Operational CLI for the chunk store coordinator."),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "chunkstorectl:", err)
		os.Exit(1)
	}
}

// StatCmd prints a read-only snapshot of the store's state.
type StatCmd struct {
	File string `arg:"" help:"Path to the store file" type:"existingfile"`
}

func (c *StatCmd) Run() error {
	s, err := store.Open(store.Config{FileName: c.File, ReadOnly: true})
	if err != nil {
		return err
	}
	defer s.CloseImmediately()

	st := s.Stat()
	fmt.Printf("instance:        %s\n", st.InstanceID)
	fmt.Printf("current version: %d\n", st.CurrentVersion)
	fmt.Printf("stored version:  %d\n", st.LastStoredVersion)
	fmt.Printf("chunks:          %d\n", st.ChunkCount)
	fmt.Printf("fill rate:       %d%%\n", st.FillRate)
	fmt.Printf("file size:       %s\n", humanize.Bytes(uint64(st.FileBytes)))
	fmt.Printf("unsaved memory:  %s\n", humanize.Bytes(uint64(st.UnsavedMemory)))
	return nil
}

// CompactCmd runs the rewrite-based compaction strategy.
type CompactCmd struct {
	File   string `arg:"" help:"Path to the store file" type:"existingfile"`
	Target int    `default:"40" help:"Target fill rate percentage"`
	Write  int64  `default:"16777216" help:"Max bytes of live data to rewrite per call"`
}

func (c *CompactCmd) Run() error {
	s, err := store.Open(store.Config{FileName: c.File})
	if err != nil {
		return err
	}
	defer s.Close()

	before := s.Stat().FillRate
	if err := s.Compact(c.Target, c.Write); err != nil {
		return err
	}
	after := s.Stat().FillRate
	fmt.Printf("fill rate: %d%% -> %d%%\n", before, after)
	return nil
}

// MoveCmd runs the move-based compaction strategy, relocating chunks
// sitting past the first free hole back into earlier holes.
type MoveCmd struct {
	File   string `arg:"" help:"Path to the store file" type:"existingfile"`
	Target int    `default:"80" help:"Target fill rate percentage"`
	Move   int64  `default:"16777216" help:"Max bytes of chunk data to relocate per call"`
}

func (c *MoveCmd) Run() error {
	s, err := store.Open(store.Config{FileName: c.File})
	if err != nil {
		return err
	}
	defer s.Close()

	before := s.Stat().FileBytes
	if err := s.CompactMoveChunks(c.Target, c.Move); err != nil {
		return err
	}
	after := s.Stat().FileBytes
	fmt.Printf("file size: %s -> %s\n", humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)))
	return nil
}

// GCCmd runs one freeUnusedChunks sweep and reports what it reclaimed.
type GCCmd struct {
	File string `arg:"" help:"Path to the store file" type:"existingfile"`
}

func (c *GCCmd) Run() error {
	s, err := store.Open(store.Config{FileName: c.File})
	if err != nil {
		return err
	}
	defer s.Close()

	chunks, bytes, err := s.GC()
	if err != nil {
		return err
	}
	fmt.Printf("reclaimed %d chunk(s), %s\n", chunks, humanize.Bytes(uint64(bytes)))
	return nil
}

// RollbackCmd discards every version after the target.
type RollbackCmd struct {
	File    string `arg:"" help:"Path to the store file" type:"existingfile"`
	Version int64  `required:"" help:"Version to roll back to"`
}

func (c *RollbackCmd) Run() error {
	s, err := store.Open(store.Config{FileName: c.File})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RollbackTo(c.Version); err != nil {
		return err
	}
	fmt.Printf("rolled back to version %d\n", c.Version)
	return nil
}
