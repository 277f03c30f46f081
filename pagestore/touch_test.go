package pagestore

import "testing"

func TestTouchRecopiesSelectedChunk(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(1, "test", 2, hooks, nil)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		m.Put([]byte(k), []byte(k))
	}

	buf := &WriteBuffer{}
	m.Write(buf, 3)
	discardedBefore := len(hooks.discards)

	selected := func(chunkID uint32) bool { return chunkID == 3 }
	if err := m.Touch(selected); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if len(hooks.discards) <= discardedBefore {
		t.Error("Touch over a fully-selected chunk should discard every saved position")
	}
	if m.Root().Pos().IsSaved() {
		t.Error("root should be unsaved again after Touch selects its chunk")
	}

	// Content survives the touch unchanged.
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		v, err := m.Get([]byte(k))
		if err != nil || string(v) != k {
			t.Errorf("Get(%s) after Touch = (%q, %v)", k, v, err)
		}
	}
}

func TestTouchNoOpWhenNothingSelected(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(1, "test", 48, hooks, nil)
	m.Put([]byte("a"), []byte("1"))

	buf := &WriteBuffer{}
	m.Write(buf, 3)
	rootPos := m.Root().Pos()

	if err := m.Touch(func(chunkID uint32) bool { return false }); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if m.Root().Pos() != rootPos {
		t.Error("Touch selecting nothing should leave the root position unchanged")
	}
}

func TestTouchOnUnsavedRootIsNoOp(t *testing.T) {
	hooks := &fakeHooks{}
	m := New(1, "test", 48, hooks, nil)
	m.Put([]byte("a"), []byte("1"))

	if m.Root().Pos().IsSaved() {
		t.Fatal("root should be unsaved before any Write")
	}
	if err := m.Touch(func(uint32) bool { return true }); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if m.Root().Pos().IsSaved() {
		t.Error("Touch should not mark an already-unsaved root as saved")
	}
}
