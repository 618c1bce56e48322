package inode

import (
	"context"
	"testing"

	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// memStore is a trivial in-memory IndirectStore+Allocator used to exercise
// Tree's descent/allocation logic in isolation.
type memStore struct {
	next    ufsgeom.FragAddr
	blocks  map[ufsgeom.FragAddr][]ufsgeom.FragAddr
	nindir  int64
}

func newMemStore(nindir int64) *memStore {
	return &memStore{next: ufsgeom.FirstRealAddr, blocks: map[ufsgeom.FragAddr][]ufsgeom.FragAddr{}, nindir: nindir}
}

func (m *memStore) Allocate(ctx context.Context, inum ufsgeom.InodeNumber, opts host.AllocOpts) (ufsgeom.FragAddr, error) {
	addr := m.next
	m.next++
	if opts.Kind == host.AllocMetaOnly {
		m.blocks[addr] = make([]ufsgeom.FragAddr, m.nindir)
	}
	return addr, nil
}

func (m *memStore) Free(ctx context.Context, addr ufsgeom.FragAddr, size int64, inum ufsgeom.InodeNumber) error {
	delete(m.blocks, addr)
	return nil
}

func (m *memStore) ReadIndirect(ctx context.Context, addr ufsgeom.FragAddr) ([]ufsgeom.FragAddr, error) {
	arr, ok := m.blocks[addr]
	if !ok {
		return nil, ufsgeom.NewError(ufsgeom.KindIO, "memStore.ReadIndirect", "no such block", nil)
	}
	out := make([]ufsgeom.FragAddr, len(arr))
	copy(out, arr)
	return out, nil
}

func (m *memStore) WriteIndirect(ctx context.Context, addr ufsgeom.FragAddr, entries []ufsgeom.FragAddr, cap host.WriteCap) error {
	cp := make([]ufsgeom.FragAddr, len(entries))
	copy(cp, entries)
	m.blocks[addr] = cp
	return nil
}

func smallGeom() ufsgeom.Geometry {
	// 8-byte pointers, 32-byte blocks -> NINDIR = 4, to keep triple
	// indirect reachable with tiny numbers in tests.
	return ufsgeom.Geometry{FragSize: 32, FragsPerBlock: 1, FragsPerGroup: 32, NCG: 1, SizeFrags: 4096}
}

func newTestTree(t *testing.T) (*Tree, *memStore) {
	t.Helper()
	geom := smallGeom()
	store := newMemStore(geom.NINDIR())
	blocks := &Blocks{Number: 42}
	return &Tree{Blocks: blocks, Geom: geom, Store: store, Alloc: store}, store
}

func TestTreeDirectBlocks(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)

	ref, err := tr.GetBlock(ctx, 3)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if !ref.IsZero() {
		t.Fatalf("expected hole, got %v", ref)
	}

	if err := tr.SetBlock(ctx, 3, ufsgeom.Real(99), host.AllocOpts{}); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	ref, err = tr.GetBlock(ctx, 3)
	if err != nil {
		t.Fatalf("GetBlock after set: %v", err)
	}
	if ref.Kind != ufsgeom.RefReal || ref.Addr != 99 {
		t.Fatalf("GetBlock(3) = %v, want real(99)", ref)
	}
}

func TestTreeSingleIndirect(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)

	lbn := int64(ufsgeom.NDADDR + 2) // within the single-indirect range
	if err := tr.SetBlock(ctx, lbn, ufsgeom.Real(777), host.AllocOpts{}); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	if tr.Blocks.Indirect[0] == ufsgeom.Hole {
		t.Fatalf("expected single-indirect root to be allocated")
	}
	ref, err := tr.GetBlock(ctx, lbn)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if ref.Kind != ufsgeom.RefReal || ref.Addr != 777 {
		t.Fatalf("GetBlock(%d) = %v, want real(777)", lbn, ref)
	}
}

func TestTreeDoubleIndirect(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	n := tr.Geom.NINDIR()

	// second block reachable only through the double-indirect root.
	lbn := ufsgeom.NDADDR + n + 1
	if err := tr.SetBlock(ctx, lbn, ufsgeom.Real(555), host.AllocOpts{}); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	if tr.Blocks.Indirect[1] == ufsgeom.Hole {
		t.Fatalf("expected double-indirect root to be allocated")
	}
	ref, err := tr.GetBlock(ctx, lbn)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if ref.Kind != ufsgeom.RefReal || ref.Addr != 555 {
		t.Fatalf("GetBlock(%d) = %v, want real(555)", lbn, ref)
	}
}

func TestTreeTripleIndirect(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	n := tr.Geom.NINDIR()

	lbn := ufsgeom.NDADDR + n + n*n + 3
	if err := tr.SetBlock(ctx, lbn, ufsgeom.Real(321), host.AllocOpts{}); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	if tr.Blocks.Indirect[2] == ufsgeom.Hole {
		t.Fatalf("expected triple-indirect root to be allocated")
	}
	ref, err := tr.GetBlock(ctx, lbn)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if ref.Kind != ufsgeom.RefReal || ref.Addr != 321 {
		t.Fatalf("GetBlock(%d) = %v, want real(321)", lbn, ref)
	}
}

func TestTreeGetBlockWithoutAllocateSeesHole(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTree(t)
	n := tr.Geom.NINDIR()

	ref, err := tr.GetBlock(ctx, ufsgeom.NDADDR+n+1)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if !ref.IsZero() {
		t.Fatalf("expected hole before any allocation, got %v", ref)
	}
	if tr.Blocks.Indirect[1] != ufsgeom.Hole {
		t.Fatalf("GetBlock must not allocate: root = %v", tr.Blocks.Indirect[1])
	}
}
