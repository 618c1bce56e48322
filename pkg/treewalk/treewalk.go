// Package treewalk walks every block reachable from an inode being
// cancelled out of a snapshot, invoking an acct.Accountant on each
// contiguous slice of block-pointers it finds, the direct+indirect
// header first, then each indirect level's tree, recursively.
package treewalk

import (
	"context"

	"github.com/go-ufs/snapfs/pkg/acct"
	"github.com/go-ufs/snapfs/pkg/blockio"
	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/inode"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// IndirectAddr returns the logical block number, in the internal
// negative-lbn convention, of the index-th indirect block one level
// below the root of the given indirection level (0 = single, 1 =
// double, 2 = triple). Indirect blocks are metadata, not file data, so
// they are addressed below logical block zero; this is the only place
// in the module that convention is exposed, and only for diagnostics.
// No caller needs it to drive a walk.
func IndirectAddr(level int, index int64, geom ufsgeom.Geometry) int64 {
	nindir := geom.NINDIR()
	root := rootLbn(level, nindir)
	bpi := blksPerIndirAtLevel(level, nindir)
	return root + 1 - index*bpi
}

func rootLbn(level int, nindir int64) int64 {
	lbn := int64(-ufsgeom.NDADDR)
	bpi := int64(1)
	for i := 0; i < level; i++ {
		bpi *= nindir
		lbn -= bpi + 1
	}
	return lbn
}

func blksPerIndirAtLevel(level int, nindir int64) int64 {
	bpi := int64(1)
	for i := 0; i < level; i++ {
		bpi *= nindir
	}
	return bpi
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Expunge processes every block reachable from cancel, the inode being
// cancelled (an older snapshot's own blocks, or a live file during the
// unlinked-inode scan), invoking accountant on each pointer slice found
// and finally overwriting cancel's on-disk inode slot within snap.
func Expunge(
	ctx context.Context,
	snap *inode.Tree,
	cancel *inode.Blocks,
	geom ufsgeom.Geometry,
	layout host.InodeLayout,
	raw host.InodeBlockStore,
	reader *blockio.Reader,
	accountant acct.Accountant,
	tag ufsgeom.BlockRefKind,
	alloc host.Allocator,
) error {
	numblks := ceilDiv(cancel.Size, geom.BlockSize())

	header := make([]ufsgeom.FragAddr, 0, ufsgeom.NDADDR+ufsgeom.NIADDR)
	header = append(header, cancel.Direct[:]...)
	header = append(header, cancel.Indirect[:]...)
	if err := accountant(ctx, snap, header, 0, tag, alloc, cancel.Number); err != nil {
		return err
	}

	blksPerIndir := int64(1)
	lbn := int64(-ufsgeom.NDADDR)
	remaining := numblks - ufsgeom.NDADDR
	rlbn := int64(ufsgeom.NDADDR)

	for i := 0; remaining > 0 && i < ufsgeom.NIADDR; i++ {
		root := cancel.Indirect[i]
		if root != ufsgeom.Hole {
			if err := indiracct(ctx, snap, i, root, lbn, rlbn, remaining, blksPerIndir, geom, reader, accountant, tag, alloc, cancel.Number); err != nil {
				return err
			}
		}
		blksPerIndir *= geom.NINDIR()
		lbn -= blksPerIndir + 1
		remaining -= blksPerIndir
		rlbn += blksPerIndir
	}

	return finalizeInodeSlot(ctx, snap, cancel, geom, layout, raw, reader, tag)
}

// indiracct descends one indirect block chain belonging to cancel,
// accounting for its pointers at every level via accountant.
func indiracct(
	ctx context.Context,
	snap *inode.Tree,
	level int,
	blkno ufsgeom.FragAddr,
	lbn int64,
	rlbn int64,
	remblks int64,
	blksPerIndir int64,
	geom ufsgeom.Geometry,
	reader *blockio.Reader,
	accountant acct.Accountant,
	tag ufsgeom.BlockRefKind,
	alloc host.Allocator,
	inum ufsgeom.InodeNumber,
) error {
	nindir := geom.NINDIR()

	bap, err := reader.ReadFragAddrs(ctx, blkno, nindir)
	if err != nil {
		return err
	}

	last := ceilDiv(remblks, blksPerIndir)
	if last > nindir {
		last = nindir
	}

	if err := accountant(ctx, snap, bap[:last], rlbn, tag, alloc, inum); err != nil {
		return err
	}
	if level == 0 {
		return nil
	}

	subBlksPerIndir := blksPerIndir / nindir
	childLbn := lbn + 1
	childLevel := level - 1
	childRlbn := rlbn
	childRemblks := remblks

	for i := int64(0); i < last; i++ {
		if bap[i] != ufsgeom.Hole {
			if err := indiracct(ctx, snap, childLevel, bap[i], childLbn, childRlbn, childRemblks, subBlksPerIndir, geom, reader, accountant, tag, alloc, inum); err != nil {
				return err
			}
		}
		childRlbn += blksPerIndir
		childLbn -= blksPerIndir
		childRemblks -= blksPerIndir
	}
	return nil
}

// finalizeInodeSlot overwrites cancel's on-disk inode slot within the
// snapshot: zero size, zero block count, clear the block-pointer array,
// clear the snapshot flag, and (for a BLK_NOCOPY expunge) zero the mode
// so a deleted file is invisible in the snapshot.
func finalizeInodeSlot(
	ctx context.Context,
	snap *inode.Tree,
	cancel *inode.Blocks,
	geom ufsgeom.Geometry,
	layout host.InodeLayout,
	raw host.InodeBlockStore,
	reader *blockio.Reader,
	tag ufsgeom.BlockRefKind,
) error {
	inodeBlockAddr := layout.BlockOf(cancel.Number)
	lbn := geom.FragsToBlocks(int64(inodeBlockAddr))

	existing, err := snap.GetBlock(ctx, lbn)
	if err != nil {
		return err
	}

	buf := make([]byte, geom.BlockSize())
	var targetAddr ufsgeom.FragAddr

	if existing.Kind == ufsgeom.RefReal {
		targetAddr = existing.Addr
		if err := raw.ReadBlock(ctx, targetAddr, buf); err != nil {
			return err
		}
	} else {
		if err := reader.ReadBlock(ctx, lbn, buf); err != nil {
			return err
		}
		newAddr, err := snap.Alloc.Allocate(ctx, snap.Blocks.Number, host.AllocOpts{Kind: host.AllocMetaOnly})
		if err != nil {
			return err
		}
		if err := snap.SetBlock(ctx, lbn, ufsgeom.Real(newAddr), host.AllocOpts{Kind: host.AllocMetaOnly}); err != nil {
			return err
		}
		targetAddr = newAddr
	}

	offset := layout.OffsetOf(cancel.Number) * inode.DinodeSize
	inode.ExpungeDinodeAt(buf, offset, tag == ufsgeom.RefNoCopy)

	return raw.WriteBlock(ctx, targetAddr, buf, host.WriteNormal)
}
