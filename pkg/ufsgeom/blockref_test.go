package ufsgeom

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []BlockRef{
		RefHoleValue,
		RefNoCopyValue,
		RefSnapOwnValue,
		Real(42),
		Real(FirstRealAddr),
	}

	for _, c := range cases {
		enc := EncodeBlockRef(c)
		dec := DecodeBlockRef(enc)
		if dec != c {
			t.Fatalf("round trip mismatch: %v -> %d -> %v", c, enc, dec)
		}
	}
}

func TestDecodeSentinels(t *testing.T) {
	if got := DecodeBlockRef(Hole); got.Kind != RefHole {
		t.Fatalf("DecodeBlockRef(Hole) = %v, want RefHole", got)
	}
	if got := DecodeBlockRef(BlockNoCopy); got.Kind != RefNoCopy {
		t.Fatalf("DecodeBlockRef(BlockNoCopy) = %v, want RefNoCopy", got)
	}
	if got := DecodeBlockRef(BlockSnap); got.Kind != RefSnapOwn {
		t.Fatalf("DecodeBlockRef(BlockSnap) = %v, want RefSnapOwn", got)
	}
}

func TestIsZero(t *testing.T) {
	if !RefHoleValue.IsZero() {
		t.Fatalf("RefHoleValue.IsZero() = false, want true")
	}
	if Real(5).IsZero() {
		t.Fatalf("Real(5).IsZero() = true, want false")
	}
}
