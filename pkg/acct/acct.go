// Package acct implements the three pluggable block-visitor strategies a
// tree walk invokes on each slice of block-pointers it turns up: tagging
// a snapshot's own tree (snap), returning blocks to the live free-list
// (map), and both in sequence (full).
package acct

import (
	"context"

	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/inode"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Accountant processes the slice ptrs of block-pointers taken from some
// indirect or direct segment of the inode being expunged. startingLBN is
// the logical block number the first entry of ptrs corresponds to, and
// tag is the value (BLK_SNAP or BLK_NOCOPY) being stamped into the
// snapshot's own tree.
type Accountant func(ctx context.Context, snap *inode.Tree, ptrs []ufsgeom.FragAddr, startingLBN int64, tag ufsgeom.BlockRefKind, alloc host.Allocator, inum ufsgeom.InodeNumber) error

// Snap tags blocks in the snapshot's own inode tree. For each pointer in
// ptrs that is a real allocated block (not a hole, BLK_NOCOPY, or
// BLK_SNAP), it resolves the logical block that pointer refers to and
// stamps the snapshot's own entry for that logical block with tag.
func Snap(ctx context.Context, snap *inode.Tree, ptrs []ufsgeom.FragAddr, startingLBN int64, tag ufsgeom.BlockRefKind, alloc host.Allocator, inum ufsgeom.InodeNumber) error {
	for _, p := range ptrs {
		if p == ufsgeom.Hole || p == ufsgeom.BlockNoCopy || p == ufsgeom.BlockSnap {
			continue
		}

		l := snap.Geom.FragsToBlocks(int64(p))

		cur, err := snap.GetBlock(ctx, l)
		if err != nil {
			return err
		}

		if tag == ufsgeom.RefSnapOwn && cur.Kind == ufsgeom.RefNoCopy {
			// Allocated to this snapshot after the reference point; leave it.
			continue
		}

		if cur.Kind != ufsgeom.RefHole {
			return ufsgeom.NewError(ufsgeom.KindInternal, "acct.Snap", "expected hole, found already-tagged block", nil)
		}

		if err := snap.SetBlock(ctx, l, ufsgeom.BlockRef{Kind: tag}, host.AllocOpts{Kind: host.AllocMetaOnly}); err != nil {
			return err
		}
	}
	return nil
}

// Map schedules blocks for return to the live free-list. ptrs is read
// positionally: entry i corresponds to logical block startingLBN+i. A
// BLK_SNAP entry is translated back to the physical address implied by
// its own position (blocks_to_frags(startingLBN+i)) before being freed;
// any other non-zero, non-BLK_NOCOPY entry is freed as-is.
func Map(ctx context.Context, snap *inode.Tree, ptrs []ufsgeom.FragAddr, startingLBN int64, tag ufsgeom.BlockRefKind, alloc host.Allocator, inum ufsgeom.InodeNumber) error {
	for i, p := range ptrs {
		if p == ufsgeom.Hole || p == ufsgeom.BlockNoCopy {
			continue
		}
		addr := p
		if p == ufsgeom.BlockSnap {
			addr = ufsgeom.FragAddr(snap.Geom.BlocksToFrags(startingLBN + int64(i)))
		}
		if err := alloc.Free(ctx, addr, snap.Geom.BlockSize(), inum); err != nil {
			return err
		}
	}
	return nil
}

// Full runs Snap then Map over the same pointer slice.
func Full(ctx context.Context, snap *inode.Tree, ptrs []ufsgeom.FragAddr, startingLBN int64, tag ufsgeom.BlockRefKind, alloc host.Allocator, inum ufsgeom.InodeNumber) error {
	if err := Snap(ctx, snap, ptrs, startingLBN, tag, alloc, inum); err != nil {
		return err
	}
	return Map(ctx, snap, ptrs, startingLBN, tag, alloc, inum)
}
