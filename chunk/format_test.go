package chunk

import "testing"

func TestEncodeDecodeMapRoundTrip(t *testing.T) {
	m := map[string]string{
		"chunk":   Hex(7),
		"block":   Hex(128),
		"version": Hex(42),
	}
	data := EncodeMap(m)
	got, err := DecodeMap(data)
	if err != nil {
		t.Fatalf("DecodeMap: %v", err)
	}
	for k, v := range m {
		if got[k] != v {
			t.Errorf("field %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestDecodeMapRejectsTamperedChecksum(t *testing.T) {
	data := EncodeMap(map[string]string{"a": "1"})
	data[0] ^= 0xFF
	if _, err := DecodeMap(data); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDecodeMapIgnoresTrailingPadding(t *testing.T) {
	data := EncodeMap(map[string]string{"a": "1"})
	padded := make([]byte, BlockSize)
	copy(padded, data)
	got, err := DecodeMap(padded)
	if err != nil {
		t.Fatalf("DecodeMap with padding: %v", err)
	}
	if got["a"] != "1" {
		t.Errorf("field a = %q, want 1", got["a"])
	}
}

func TestRequireHexMissingField(t *testing.T) {
	m := map[string]string{"a": "1"}
	if _, err := RequireHex(m, "missing"); err == nil {
		t.Fatal("expected error for missing field")
	}
}
