package pagestore

import "testing"

func TestEncodeDecodeLeafRoundTrip(t *testing.T) {
	leaf := newLeaf([][]byte{[]byte("a"), []byte("b")}, [][]byte{[]byte("1"), []byte("2")})
	data := leaf.encode()

	got, err := decodePage(data)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if !got.IsLeaf() {
		t.Fatal("decoded page should be a leaf")
	}
	if len(got.Keys()) != 2 || string(got.Keys()[0]) != "a" || string(got.Keys()[1]) != "b" {
		t.Errorf("decoded keys = %v", got.Keys())
	}
	if string(got.Values()[0]) != "1" || string(got.Values()[1]) != "2" {
		t.Errorf("decoded values = %v", got.Values())
	}
}

func TestEncodeDecodeInternalRoundTrip(t *testing.T) {
	left := newLeaf(nil, nil)
	right := newLeaf(nil, nil)
	internal := newInternal([][]byte{[]byte("m")}, []*Page{left, right})
	internal.childPos[0] = 0x1000000000000001
	internal.childPos[1] = 0x2000000000000002
	data := internal.encode()

	got, err := decodePage(data)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if got.IsLeaf() {
		t.Fatal("decoded page should not be a leaf")
	}
	positions := got.ChildPositions()
	if len(positions) != 2 {
		t.Fatalf("decoded %d child positions, want 2", len(positions))
	}
	if positions[0] != internal.childPos[0] || positions[1] != internal.childPos[1] {
		t.Errorf("decoded child positions = %v, want %v", positions, internal.childPos)
	}
}

func TestDecodePageRejectsEmptyData(t *testing.T) {
	if _, err := decodePage(nil); err == nil {
		t.Fatal("expected error decoding empty data")
	}
}
