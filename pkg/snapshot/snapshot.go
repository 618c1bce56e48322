// Package snapshot implements the lifecycle orchestrator that wires
// together cgaccount, acct, treewalk, cow and registry into the long
// Create procedure and its shorter Remove/Gone/Mount/Unmount siblings.
package snapshot

import (
	"context"
	"time"

	"github.com/go-ufs/snapfs/pkg/acct"
	"github.com/go-ufs/snapfs/pkg/blockio"
	"github.com/go-ufs/snapfs/pkg/cgaccount"
	"github.com/go-ufs/snapfs/pkg/cow"
	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/inode"
	"github.com/go-ufs/snapfs/pkg/registry"
	"github.com/go-ufs/snapfs/pkg/treewalk"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Handle is the result of a successful Create: the registry entry plus
// the path it was created at.
type Handle struct {
	Snapshot *registry.Snapshot
	Path     string
}

// builder carries the state threaded through Create's phases and knows
// how to unwind them on failure.
type builder struct {
	h      host.Host
	reg    *registry.Registry
	reader *blockio.Reader
	geom   ufsgeom.Geometry
	slot   int
	inum   ufsgeom.InodeNumber
	tree   *inode.Tree
	active *cgaccount.ActiveGroups
}

// Create runs the long creation procedure: reserve a slot, create the
// backing file, preallocate every block the snapshot will need before
// suspension, capture cylinder groups in two passes around a brief
// suspend, capture the superblock, expunge unlinked inodes, register the
// result, then expunge older snapshots and the snapshot's own storage
// out of its copied free map.
func Create(ctx context.Context, h host.Host, reg *registry.Registry, reader *blockio.Reader, path string) (*Handle, error) {
	geom := h.Geometry()

	slot, ok, err := h.ReserveSnapSlot(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ufsgeom.NewError(ufsgeom.KindNoSpace, "snapshot.Create", "no free snapshot slot", nil)
	}

	inum, err := h.CreateExclusive(ctx, path, 0400)
	if err != nil {
		h.ClearSnapSlot(ctx, slot)
		return nil, err
	}

	b := &builder{
		h:      h,
		reg:    reg,
		reader: reader,
		geom:   geom,
		slot:   slot,
		inum:   inum,
		tree:   &inode.Tree{Blocks: &inode.Blocks{Number: inum}, Geom: geom, Store: h, Alloc: h},
		active: cgaccount.NewActiveGroups(geom.NCG),
	}

	if err := b.preallocate(ctx); err != nil {
		return nil, b.abort(ctx, err)
	}
	if err := b.capturePass(ctx, cgaccount.PassInitial); err != nil {
		return nil, b.abort(ctx, err)
	}
	if err := b.markSnapshot(ctx); err != nil {
		return nil, b.abort(ctx, err)
	}

	if err := h.RequestSuspend(ctx); err != nil {
		return nil, b.abort(ctx, err)
	}
	if err := h.AwaitSuspended(ctx); err != nil {
		return nil, b.abort(ctx, err)
	}

	if err := b.capturePass(ctx, cgaccount.PassRevision); err != nil {
		h.Resume(ctx)
		return nil, b.abort(ctx, err)
	}

	sb, err := b.captureSuperblock(ctx)
	if err != nil {
		h.Resume(ctx)
		return nil, b.abort(ctx, err)
	}

	if err := b.sweepUnlinkedInodes(ctx); err != nil {
		h.Resume(ctx)
		return nil, b.abort(ctx, err)
	}

	snap := &registry.Snapshot{Tree: b.tree, LinkCount: 1}
	reg.Append(snap)
	reg.InstallHook()
	if err := h.MarkUnremovable(ctx, inum); err != nil {
		reg.Remove(snap)
		h.Resume(ctx)
		return nil, b.abort(ctx, err)
	}

	if err := h.Resume(ctx); err != nil {
		reg.Remove(snap)
		return nil, err
	}

	if err := b.expungeOlderSnapshots(ctx, snap); err != nil {
		reg.Remove(snap)
		h.ClearSnapSlot(ctx, slot)
		return nil, err
	}
	if err := b.expungeSelf(ctx, snap); err != nil {
		reg.Remove(snap)
		h.ClearSnapSlot(ctx, slot)
		return nil, err
	}
	if err := h.WriteSnapshotSuperblock(ctx, inum, sb); err != nil {
		reg.Remove(snap)
		return nil, err
	}

	return &Handle{Snapshot: snap, Path: path}, nil
}

// abort unwinds a failed creation: truncate the half-built file and
// release its reserved slot.
func (b *builder) abort(ctx context.Context, cause error) error {
	b.h.Truncate(ctx, b.inum)
	b.h.ClearSnapSlot(ctx, b.slot)
	return cause
}

// preallocate reserves the last data block, the root of each indirect
// level actually needed, and a block for the superblock and every
// cylinder group, all before suspension so nothing blocks while the
// filesystem is quiesced. The full per-leaf indirect tree is left to
// materialize lazily as cg/superblock copies and COW touch it, since
// this module has no concurrent-writer channel that the eager
// full-tree preallocation exists to protect against.
func (b *builder) preallocate(ctx context.Context) error {
	geom := b.geom
	numblks := geom.NumBlocks()
	if numblks == 0 {
		return ufsgeom.NewError(ufsgeom.KindInternal, "snapshot.preallocate", "empty filesystem", nil)
	}

	lastLbn := numblks - 1
	addr, err := b.h.Allocate(ctx, b.inum, host.AllocOpts{Kind: host.AllocData})
	if err != nil {
		return err
	}
	buf := make([]byte, geom.BlockSize())
	if err := b.reader.ReadBlock(ctx, lastLbn, buf); err != nil {
		return err
	}
	if err := b.h.WriteData(ctx, addr, buf, host.WriteNormal); err != nil {
		return err
	}
	if err := b.tree.SetBlock(ctx, lastLbn, ufsgeom.Real(addr), host.AllocOpts{Kind: host.AllocData}); err != nil {
		return err
	}
	if err := b.h.SetSize(ctx, b.inum, numblks*geom.BlockSize()); err != nil {
		return err
	}

	for level := 0; level < ufsgeom.NIADDR; level++ {
		lbn := firstLBNAtLevel(geom, level)
		if lbn >= numblks {
			break
		}
		if _, err := b.tree.Peek(ctx, lbn, host.AllocOpts{Kind: host.AllocMetaOnly}); err != nil {
			return err
		}
	}

	sbLbn := geom.FragsToBlocks(int64(b.h.SuperblockAddr()))
	if err := b.preallocateSlot(ctx, sbLbn); err != nil {
		return err
	}
	for cg := int64(0); cg < geom.NCG; cg++ {
		cgLbn := geom.FragsToBlocks(int64(b.h.CGBlockAddr(cg)))
		if err := b.preallocateSlot(ctx, cgLbn); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) preallocateSlot(ctx context.Context, lbn int64) error {
	addr, err := b.h.Allocate(ctx, b.inum, host.AllocOpts{Kind: host.AllocMetaOnly})
	if err != nil {
		return err
	}
	return b.tree.SetBlock(ctx, lbn, ufsgeom.Real(addr), host.AllocOpts{Kind: host.AllocMetaOnly})
}

// firstLBNAtLevel returns the first logical block number reachable
// through the root pointer at the given indirection level, touching
// which forces Tree.resolve to materialize that level's root.
func firstLBNAtLevel(geom ufsgeom.Geometry, level int) int64 {
	lbn := int64(ufsgeom.NDADDR)
	for i := 0; i < level; i++ {
		lbn += geom.BlocksPerIndirectLevel(i)
	}
	return lbn
}

// capturePass runs cgaccount.Account over every cylinder group that
// needs this pass: all of them for PassInitial, or only those still
// unmarked in the active-group bitmap for PassRevision.
func (b *builder) capturePass(ctx context.Context, pass cgaccount.Pass) error {
	geom := b.geom
	for cg := int64(0); cg < geom.NCG; cg++ {
		if pass == cgaccount.PassRevision && b.active.IsCaptured(cg) {
			continue
		}

		cgLbn := geom.FragsToBlocks(int64(b.h.CGBlockAddr(cg)))
		ref, err := b.tree.GetBlock(ctx, cgLbn)
		if err != nil {
			return err
		}
		if ref.Kind != ufsgeom.RefReal {
			return ufsgeom.NewError(ufsgeom.KindInternal, "snapshot.capturePass", "cg block not preallocated", nil)
		}

		buf := make([]byte, geom.BlockSize())
		if err := cgaccount.Account(ctx, cg, geom, b.h, b.tree, b.active, pass, buf); err != nil {
			return err
		}
		wcap := host.WriteNormal
		if pass == cgaccount.PassRevision {
			wcap = host.WriteDuringSuspension
		}
		if err := b.h.WriteData(ctx, ref.Addr, buf, wcap); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) markSnapshot(ctx context.Context) error {
	b.tree.Blocks.Flags |= inode.SnapshotFlag
	if err := b.h.SetSnapshotFlag(ctx, b.inum, true); err != nil {
		return err
	}
	return b.h.Fsync(ctx, b.inum)
}

func (b *builder) captureSuperblock(ctx context.Context) (*ufsgeom.Superblock, error) {
	live, err := b.h.ReadSuperblock(ctx)
	if err != nil {
		return nil, err
	}
	sb := live.Clone()
	sb.MarkClean()
	return sb, nil
}

// sweepUnlinkedInodes expunges every inode with link-count zero or no
// type from the snapshot's view, so deleted-but-still-open files and
// freshly reclaimed inodes vanish from it.
func (b *builder) sweepUnlinkedInodes(ctx context.Context) error {
	return b.h.ForEachInode(ctx, func(info host.InodeSnapshot) error {
		if info.LinkCount != 0 && info.Mode != 0 {
			return nil
		}
		return b.expungeOneInode(ctx, info)
	})
}

func (b *builder) expungeOneInode(ctx context.Context, info host.InodeSnapshot) error {
	cancel := &inode.Blocks{
		Number:   info.Number,
		Size:     info.Size,
		Mode:     info.Mode,
		Flags:    info.Flags,
		Direct:   info.Direct,
		Indirect: info.Indirect,
	}

	lastLbn := ceilDiv(cancel.Size, b.geom.BlockSize()) - 1
	tailBytes := cancel.Size - lastLbn*b.geom.BlockSize()
	hasFragTail := lastLbn >= 0 && lastLbn < ufsgeom.NDADDR &&
		tailBytes > 0 && tailBytes < b.geom.BlockSize() &&
		cancel.Direct[lastLbn] != ufsgeom.Hole

	var savedPtr ufsgeom.FragAddr
	if hasFragTail {
		savedPtr = cancel.Direct[lastLbn]
		if err := b.h.Free(ctx, savedPtr, tailBytes, cancel.Number); err != nil {
			return err
		}
		cancel.Direct[lastLbn] = ufsgeom.Hole
	}

	err := treewalk.Expunge(ctx, b.tree, cancel, b.geom, b.h, b.h, b.reader, acct.Full, ufsgeom.RefNoCopy, b.h)

	if hasFragTail {
		cancel.Direct[lastLbn] = savedPtr
	}
	return err
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// expungeOlderSnapshots marks every block belonging to a strictly older
// live snapshot with BLK_SNAP inside the new snapshot's own map, so
// SnapBlkFree never double-claims it later.
func (b *builder) expungeOlderSnapshots(ctx context.Context, snap *registry.Snapshot) error {
	for _, older := range b.reg.OlderThan(snap) {
		cancel := older.Tree.Blocks.Clone()
		if err := treewalk.Expunge(ctx, b.tree, cancel, b.geom, b.h, b.h, b.reader, acct.Snap, ufsgeom.RefSnapOwn, b.h); err != nil {
			return err
		}
	}
	return nil
}

// expungeSelf returns the new snapshot's own storage blocks to the
// free-list, so its on-disk image presents as a sparse file.
func (b *builder) expungeSelf(ctx context.Context, snap *registry.Snapshot) error {
	cancel := b.tree.Blocks.Clone()
	return treewalk.Expunge(ctx, b.tree, cancel, b.geom, b.h, b.h, b.reader, acct.Map, ufsgeom.RefSnapOwn, b.h)
}

// Remove detaches snap from the registry, sweeps its direct and
// indirect-root pointers (BLK_NOCOPY/BLK_SNAP cleared, "claimed at
// home" pointers offered back to any remaining snapshot via hook),
// and clears the snapshot flag.
func Remove(ctx context.Context, h host.Host, reg *registry.Registry, hook *cow.Hook, snap *registry.Snapshot) error {
	snap.Lock()
	defer snap.Unlock()

	reg.Remove(snap)
	if reg.Empty() {
		reg.UninstallHook()
	}

	geom := h.Geometry()
	blocks := snap.Tree.Blocks

	for i := 0; i < ufsgeom.NDADDR; i++ {
		p := blocks.Direct[i]
		switch p {
		case ufsgeom.BlockNoCopy, ufsgeom.BlockSnap:
			blocks.Direct[i] = ufsgeom.Hole
		case ufsgeom.Hole:
		default:
			if p == ufsgeom.FragAddr(geom.BlocksToFrags(int64(i))) {
				claimed, err := hook.OnFree(ctx, p, geom.BlockSize(), blocks.Number)
				if err != nil {
					return err
				}
				if !claimed {
					blocks.Count--
					blocks.Direct[i] = ufsgeom.Hole
				}
			}
		}
	}
	for i := 0; i < ufsgeom.NIADDR; i++ {
		if blocks.Indirect[i] == ufsgeom.BlockNoCopy || blocks.Indirect[i] == ufsgeom.BlockSnap {
			blocks.Indirect[i] = ufsgeom.Hole
		}
	}

	blocks.Flags &^= inode.SnapshotFlag
	return h.SetSnapshotFlag(ctx, blocks.Number, false)
}

// Gone handles the last name for a snapshot being unlinked: detach from
// the registry, release its slot, and keep the slot array dense.
func Gone(ctx context.Context, h host.Host, reg *registry.Registry, slot int, snap *registry.Snapshot) error {
	reg.Remove(snap)
	if reg.Empty() {
		reg.UninstallHook()
	}
	if err := h.ClearSnapSlot(ctx, slot); err != nil {
		return err
	}
	return h.CompactSnapSlots(ctx)
}

// MountAssociate rebuilds the registry at mount time from every inode
// that still carries the snapshot flag, in on-disk order (which is
// creation order), and installs the COW hook if any were found.
func MountAssociate(ctx context.Context, h host.Host, reg *registry.Registry) error {
	geom := h.Geometry()
	found := false
	err := h.ForEachInode(ctx, func(info host.InodeSnapshot) error {
		if info.Flags&inode.SnapshotFlag == 0 {
			return nil
		}
		tree := &inode.Tree{
			Blocks: &inode.Blocks{
				Number:   info.Number,
				Size:     info.Size,
				Mode:     info.Mode,
				Flags:    info.Flags,
				Direct:   info.Direct,
				Indirect: info.Indirect,
			},
			Geom:  geom,
			Store: h,
			Alloc: h,
		}
		reg.Append(&registry.Snapshot{Tree: tree, LinkCount: info.LinkCount})
		found = true
		return nil
	})
	if err != nil {
		return err
	}
	if found {
		reg.InstallHook()
	}
	return nil
}

// UnmountDissociate detaches every snapshot from the registry and
// uninstalls the COW hook.
func UnmountDissociate(ctx context.Context, h host.Host, reg *registry.Registry) error {
	for _, s := range reg.List() {
		reg.Remove(s)
	}
	reg.UninstallHook()
	return nil
}

// SnapshotStats is the read-only introspection view of one live
// snapshot, grounded in the original fs_snapinum bookkeeping.
type SnapshotStats struct {
	CreationOrder int           // 0 is the oldest live snapshot on the device
	ClaimedBlocks int64         // di_blocks: blocks currently charged to this snapshot
	CopiedBlocks  int64         // blocks materialized into it by COW/SnapBlkFree
	Suspension    time.Duration // last recorded suspension window, if collected
	HasSuspension bool
}

// StatsSource looks up the most recently recorded suspension duration
// for a snapshot inode. pkg/statsdb.DB implements this; Stat works
// without one (HasSuspension stays false) when telemetry collection was
// never enabled.
type StatsSource interface {
	Latest(ctx context.Context, snapInum ufsgeom.InodeNumber) (time.Duration, bool, error)
}

// Stat reports introspection data for one live snapshot. stats may be
// nil if suspension telemetry was never collected for this device.
func Stat(ctx context.Context, reg *registry.Registry, snap *registry.Snapshot, stats StatsSource) (SnapshotStats, error) {
	idx := reg.IndexOf(snap)
	if idx < 0 {
		return SnapshotStats{}, ufsgeom.NewError(ufsgeom.KindInternal, "snapshot.Stat", "snapshot not registered", nil)
	}

	out := SnapshotStats{
		CreationOrder: idx,
		ClaimedBlocks: snap.Tree.Blocks.Count,
		CopiedBlocks:  snap.CopiedBlocks(),
	}

	if stats != nil {
		dur, ok, err := stats.Latest(ctx, snap.Number())
		if err != nil {
			return SnapshotStats{}, err
		}
		out.Suspension = dur
		out.HasSuspension = ok
	}

	return out, nil
}
