package pagestore

import (
	"errors"
	"testing"

	"github.com/kvchunk/store/common"
)

// fakeHooks records the events an owning store would observe.
type fakeHooks struct {
	unsaved  int
	discards []common.Pos
}

func (h *fakeHooks) OnUnsavedPage(delta int)        { h.unsaved += delta }
func (h *fakeHooks) OnPageDiscarded(pos common.Pos) { h.discards = append(h.discards, pos) }

// fakeReader resolves positions against an in-memory table, simulating
// pages already flushed to a chunk.
type fakeReader struct {
	pages map[common.Pos]*Page
}

func (r *fakeReader) ReadPage(pos common.Pos) (*Page, error) {
	p, ok := r.pages[pos]
	if !ok {
		return nil, errors.New("no such page")
	}
	return p, nil
}

func TestPutAndGet(t *testing.T) {
	m := New(1, "test", 4, &fakeHooks{}, nil)
	if err := m.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	v, err := m.Get([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "1" {
		t.Errorf("Get(a) = %q, want 1", v)
	}
	if _, err := m.Get([]byte("missing")); !errors.Is(err, common.ErrKeyNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrKeyNotFound", err)
	}
}

func TestPutReplacesExistingKey(t *testing.T) {
	m := New(1, "test", 4, &fakeHooks{}, nil)
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("a"), []byte("2"))
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1 after replacing a key", m.Count())
	}
	v, _ := m.Get([]byte("a"))
	if string(v) != "2" {
		t.Errorf("Get(a) = %q, want 2", v)
	}
}

func TestRemove(t *testing.T) {
	m := New(1, "test", 4, &fakeHooks{}, nil)
	m.Put([]byte("a"), []byte("1"))

	removed, err := m.Remove([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("Remove(a) = false, want true")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}

	removed, err = m.Remove([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("Remove(a) a second time = true, want false")
	}
}

func TestSplitOnOverflow(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(1, "test", 2, hooks, nil) // keysPerPage=2 forces a split on the 3rd key
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := m.Put([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if m.Count() != 5 {
		t.Errorf("Count() = %d, want 5", m.Count())
	}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		v, err := m.Get([]byte(k))
		if err != nil || string(v) != k {
			t.Errorf("Get(%s) = (%q, %v), want (%s, nil)", k, v, err, k)
		}
	}
	if m.Root().IsLeaf() {
		t.Error("root should no longer be a leaf after enough splits")
	}
}

func TestWriteAssignsPositionsAndIsIdempotent(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(1, "test", 48, hooks, nil)
	m.Put([]byte("a"), []byte("1"))

	buf := &WriteBuffer{}
	pos1 := m.Write(buf, 7)
	if !pos1.IsSaved() {
		t.Fatal("Write should produce a saved position")
	}
	if pos1.ChunkID() != 7 {
		t.Errorf("pos.ChunkID() = %d, want 7", pos1.ChunkID())
	}

	lenAfterFirst := buf.Len()
	pos2 := m.Write(buf, 7)
	if pos2 != pos1 {
		t.Errorf("Write on an already-saved root changed position: %v != %v", pos2, pos1)
	}
	if buf.Len() != lenAfterFirst {
		t.Error("Write on an already-saved root should not append more bytes")
	}
}

func TestGetResolvesChildThroughReader(t *testing.T) {
	reader := &fakeReader{pages: map[common.Pos]*Page{}}
	leaf := newLeaf([][]byte{[]byte("z")}, [][]byte{[]byte("26")})
	leafPos := common.NewPos(9, 0, 32, common.PageTypeLeaf)
	leaf.pos = leafPos
	reader.pages[leafPos] = leaf

	root := newInternal([][]byte{[]byte("z")}, []*Page{newLeaf(nil, nil), nil})
	root.childPos[1] = leafPos

	m := New(1, "test", 48, &fakeHooks{}, reader)
	m.SetRoot(root)

	v, err := m.Get([]byte("z"))
	if err != nil {
		t.Fatalf("Get via resolved child: %v", err)
	}
	if string(v) != "26" {
		t.Errorf("Get(z) = %q, want 26", v)
	}
}
