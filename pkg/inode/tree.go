package inode

import (
	"context"

	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Tree navigates an inode's direct/indirect block-pointer tree by logical
// block number, materializing intermediate indirect blocks on demand. It
// is the generic machinery behind navigating snap.block[L], allocating an
// indirect block along the way when L >= NDADDR, bypassing COW.
type Tree struct {
	Blocks *Blocks
	Geom   ufsgeom.Geometry
	Store  host.IndirectStore
	Alloc  host.Allocator
}

// location pins down exactly one slot in the tree: either a direct-array
// index, or an index into an indirect block's entries (identified by that
// block's own fragment-address, needed to write it back).
type location struct {
	direct    bool
	directIdx int

	indirectAddr ufsgeom.FragAddr
	indirectArr  []ufsgeom.FragAddr
	indirectIdx  int
}

func (l *location) read(t *Tree) ufsgeom.FragAddr {
	if l.direct {
		return t.Blocks.Direct[l.directIdx]
	}
	return l.indirectArr[l.indirectIdx]
}

func (l *location) write(ctx context.Context, t *Tree, val ufsgeom.FragAddr, wcap host.WriteCap) error {
	if l.direct {
		t.Blocks.Direct[l.directIdx] = val
		return nil
	}
	l.indirectArr[l.indirectIdx] = val
	return t.Store.WriteIndirect(ctx, l.indirectAddr, l.indirectArr, wcap)
}

// indirectIndices splits a logical block number (already offset past
// NDADDR) into the root level (0=single, 1=double, 2=triple) and the
// sequence of per-level indices to descend.
func indirectIndices(off int64, nindir int64) (root int, path []int64) {
	if off < nindir {
		return 0, []int64{off}
	}
	off -= nindir
	if off < nindir*nindir {
		return 1, []int64{off / nindir, off % nindir}
	}
	off -= nindir * nindir
	return 2, []int64{off / (nindir * nindir), (off / nindir) % nindir, off % nindir}
}

// resolve walks the tree down to the slot holding logical block lbn. When
// allocate is true, any Hole pointer encountered along the way (including
// the indirect root itself) is materialized as a fresh meta-only block.
func (t *Tree) resolve(ctx context.Context, lbn int64, allocate bool, opts host.AllocOpts) (*location, error) {
	if lbn < ufsgeom.NDADDR {
		return &location{direct: true, directIdx: int(lbn)}, nil
	}

	nindir := t.Geom.NINDIR()
	root, path := indirectIndices(lbn-ufsgeom.NDADDR, nindir)

	rootAddr := t.Blocks.Indirect[root]
	if rootAddr == ufsgeom.Hole {
		if !allocate {
			return &location{indirectArr: zeroed(nindir), indirectIdx: int(path[len(path)-1])}, nil
		}
		newAddr, err := t.allocIndirect(ctx, opts)
		if err != nil {
			return nil, err
		}
		t.Blocks.Indirect[root] = newAddr
		rootAddr = newAddr
	}

	addr := rootAddr
	arr, err := t.loadOrZero(ctx, addr)
	if err != nil {
		return nil, err
	}

	for depth := 0; depth < len(path)-1; depth++ {
		idx := path[depth]
		next := arr[idx]
		if next == ufsgeom.Hole {
			if !allocate {
				return &location{indirectArr: zeroed(nindir), indirectIdx: int(path[len(path)-1])}, nil
			}
			newAddr, err := t.allocIndirect(ctx, opts)
			if err != nil {
				return nil, err
			}
			arr[idx] = newAddr
			if err := t.Store.WriteIndirect(ctx, addr, arr, opts.Cap); err != nil {
				return nil, err
			}
			next = newAddr
		}
		addr = next
		arr, err = t.loadOrZero(ctx, addr)
		if err != nil {
			return nil, err
		}
	}

	return &location{indirectAddr: addr, indirectArr: arr, indirectIdx: int(path[len(path)-1])}, nil
}

func (t *Tree) allocIndirect(ctx context.Context, opts host.AllocOpts) (ufsgeom.FragAddr, error) {
	return t.Alloc.Allocate(ctx, t.Blocks.Number, host.AllocOpts{
		Kind:   host.AllocMetaOnly,
		Cap:    opts.Cap,
		NoWait: opts.NoWait,
	})
}

func (t *Tree) loadOrZero(ctx context.Context, addr ufsgeom.FragAddr) ([]ufsgeom.FragAddr, error) {
	if addr == ufsgeom.Hole {
		return zeroed(t.Geom.NINDIR()), nil
	}
	return t.Store.ReadIndirect(ctx, addr)
}

func zeroed(n int64) []ufsgeom.FragAddr {
	return make([]ufsgeom.FragAddr, n)
}

// GetBlock returns the current tagged contents of logical block lbn,
// without allocating anything.
func (t *Tree) GetBlock(ctx context.Context, lbn int64) (ufsgeom.BlockRef, error) {
	loc, err := t.resolve(ctx, lbn, false, host.AllocOpts{})
	if err != nil {
		return ufsgeom.BlockRef{}, err
	}
	return ufsgeom.DecodeBlockRef(loc.read(t)), nil
}

// Peek resolves logical block lbn the same way SetBlock does, allocating
// any missing intermediate indirect blocks along the way and honoring
// opts.NoWait, but returns its current tagged contents instead of
// writing a new value into the slot. The CopyOnWrite hook uses this to
// test whether a snapshot already has this block covered before it
// commits to copying anything.
func (t *Tree) Peek(ctx context.Context, lbn int64, opts host.AllocOpts) (ufsgeom.BlockRef, error) {
	loc, err := t.resolve(ctx, lbn, true, opts)
	if err != nil {
		return ufsgeom.BlockRef{}, err
	}
	return ufsgeom.DecodeBlockRef(loc.read(t)), nil
}

// SetBlock writes val into logical block lbn, allocating any missing
// intermediate indirect blocks (meta-only) along the way.
func (t *Tree) SetBlock(ctx context.Context, lbn int64, val ufsgeom.BlockRef, opts host.AllocOpts) error {
	loc, err := t.resolve(ctx, lbn, true, opts)
	if err != nil {
		return err
	}
	return loc.write(ctx, t, ufsgeom.EncodeBlockRef(val), opts.Cap)
}
