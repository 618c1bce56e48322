package ufsgeom

import "testing"

func testGeom() Geometry {
	return Geometry{
		FragSize:      1024,
		FragsPerBlock: 8,
		FragsPerGroup: 8 * 1024,
		NCG:           4,
		SizeFrags:     32 * 1024,
	}
}

func TestFragBlockConversions(t *testing.T) {
	g := testGeom()

	if got := g.BlockSize(); got != 8192 {
		t.Fatalf("BlockSize() = %d, want 8192", got)
	}

	if got := g.FragsToBlocks(80); got != 10 {
		t.Fatalf("FragsToBlocks(80) = %d, want 10", got)
	}

	if got := g.BlocksToFrags(10); got != 80 {
		t.Fatalf("BlocksToFrags(10) = %d, want 80", got)
	}

	if got, want := g.BlocksToFrags(g.FragsToBlocks(88)), int64(88); got != want {
		t.Fatalf("round trip BlocksToFrags(FragsToBlocks(88)) = %d, want %d", got, want)
	}
}

func TestNumBlocksRoundsUp(t *testing.T) {
	g := testGeom()
	g.SizeFrags = 17 // not a multiple of FragsPerBlock(8)
	if got, want := g.NumBlocks(), int64(3); got != want {
		t.Fatalf("NumBlocks() = %d, want %d", got, want)
	}
}

func TestNINDIR(t *testing.T) {
	g := testGeom()
	// BlockSize 8192 / PointerSize 8 = 1024
	if got, want := g.NINDIR(), int64(1024); got != want {
		t.Fatalf("NINDIR() = %d, want %d", got, want)
	}
}

func TestCGBaseAndLen(t *testing.T) {
	g := testGeom()
	if got, want := g.CGBase(1), int64(1024); got != want {
		t.Fatalf("CGBase(1) = %d, want %d", got, want)
	}
	if got, want := g.CGLen(), int64(1024); got != want {
		t.Fatalf("CGLen() = %d, want %d", got, want)
	}
}

func TestBlocksPerIndirectLevel(t *testing.T) {
	g := testGeom()
	n := g.NINDIR()
	cases := []struct {
		level int
		want  int64
	}{
		{0, n},
		{1, n * n},
		{2, n * n * n},
	}
	for _, c := range cases {
		if got := g.BlocksPerIndirectLevel(c.level); got != c.want {
			t.Fatalf("BlocksPerIndirectLevel(%d) = %d, want %d", c.level, got, c.want)
		}
	}
}
