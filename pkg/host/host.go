// Package host defines the external collaborators the snapshot engine
// consumes as opaque services: the block allocator/free-map, the buffer
// cache, the inode table and indirect-block layout, VFS-level name lookup,
// write-suspension of the host filesystem, and cylinder-group bitmap
// access. None of these are implemented here; they are external
// collaborators with interfaces only.
package host

import (
	"context"

	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// WriteCap is a permission capability threaded explicitly through write
// calls that must be allowed to proceed while the host filesystem is
// suspended. It replaces the original's B_VALIDSUSPWRT buffer flag,
// carried as a capability rather than a generic buffer attribute.
type WriteCap int

const (
	// WriteNormal is an ordinary write, disallowed while suspended.
	WriteNormal WriteCap = iota
	// WriteDuringSuspension is permitted even though the host filesystem
	// is currently suspended (cg pass 2, and housekeeping writes during
	// the unlinked-inode scan).
	WriteDuringSuspension
)

// AllocKind distinguishes a full data-block allocation from a metadata-only
// allocation (indirect blocks, inode blocks) that never triggers COW
// recursion concerns of its own.
type AllocKind int

const (
	AllocData AllocKind = iota
	AllocMetaOnly
)

// AllocOpts controls one allocation request against a snapshot inode.
type AllocOpts struct {
	Kind     AllocKind
	NoWait   bool // non-blocking: return ufsgeom.ErrWouldBlock rather than block
	Cap      WriteCap
	ClearBuf bool // zero-fill the new block rather than leaving it undefined
}

// Allocator is the block allocator/free-map, consumed opaquely.
type Allocator interface {
	// Allocate reserves one block (fs_bsize bytes) for inum and returns its
	// fragment-address.
	Allocate(ctx context.Context, inum ufsgeom.InodeNumber, opts AllocOpts) (ufsgeom.FragAddr, error)

	// Free releases size bytes at addr, previously owned by inum.
	Free(ctx context.Context, addr ufsgeom.FragAddr, size int64, inum ufsgeom.InodeNumber) error
}

// IndirectStore reads and writes whole indirect blocks (arrays of
// NINDIR fragment-addresses) by their own fragment-address. Reads here
// go through the host's normal cached path; callers that need a raw
// device read that cannot recurse into the snapshot use BlockIO instead.
type IndirectStore interface {
	ReadIndirect(ctx context.Context, addr ufsgeom.FragAddr) ([]ufsgeom.FragAddr, error)
	WriteIndirect(ctx context.Context, addr ufsgeom.FragAddr, entries []ufsgeom.FragAddr, cap WriteCap) error
}

// InodeLayout encodes the inode-table layout convention: which block holds
// a given inode's on-disk slot, and at what offset within that block.
type InodeLayout interface {
	BlockOf(inum ufsgeom.InodeNumber) ufsgeom.FragAddr
	OffsetOf(inum ufsgeom.InodeNumber) int
	InodesPerBlock() int
}

// InodeBlockStore reads and writes the raw bytes of one on-disk
// inode-table block within a snapshot, the bytes backing several
// dinode slots at once. Distinct from IndirectStore because these bytes
// are opaque to the snapshot engine except at the handful of byte
// offsets pkg/inode knows how to rewrite (see inode.ExpungeDinodeAt).
type InodeBlockStore interface {
	ReadBlock(ctx context.Context, addr ufsgeom.FragAddr, buf []byte) error
	WriteBlock(ctx context.Context, addr ufsgeom.FragAddr, buf []byte, cap WriteCap) error
}

// CGSource reads a cylinder group's live bitmap block from the device.
type CGSource interface {
	ReadCGBitmap(ctx context.Context, cg int64) (*CGBitmap, error)
	// CGBlockAddr returns the fragment-address of cg's own on-disk cg
	// block, the logical slot a snapshot's tree must hold the captured
	// bitmap copy at.
	CGBlockAddr(cg int64) ufsgeom.FragAddr
	// SuperblockAddr returns the fragment-address of the live superblock.
	SuperblockAddr() ufsgeom.FragAddr
}

// CGBitmap is the decoded free/allocated bitmap for one cylinder group.
type CGBitmap struct {
	Magic uint32
	Raw   []byte // raw on-disk bytes, copied verbatim into the snapshot's cg block
}

// IsBlockFree reports whether the block at group-relative logical offset
// loc is free in this bitmap. One bit per block, matching ffs_isblock.
func (b *CGBitmap) IsBlockFree(loc int64) bool {
	byteIdx := loc / 8
	bitIdx := uint(loc % 8)
	if byteIdx < 0 || int(byteIdx) >= len(b.Raw) {
		return false
	}
	return b.Raw[byteIdx]&(1<<bitIdx) != 0
}

// Syncer forces a durable flush of one inode's dirty data, the
// mechanism behind the "force an FSYNC on the snapshot vnode" persistence
// rule.
type Syncer interface {
	Fsync(ctx context.Context, inum ufsgeom.InodeNumber) error
}

// DataStore reads and writes whole data blocks by fragment-address, the
// snapshot's own copy of a live block, as opposed to IndirectStore's
// pointer arrays.
type DataStore interface {
	ReadData(ctx context.Context, addr ufsgeom.FragAddr, buf []byte) error
	WriteData(ctx context.Context, addr ufsgeom.FragAddr, buf []byte, cap WriteCap) error
}

// Device is the raw backing store BlockIO reads from, bypassing any
// buffer-cache layer that would recurse through the snapshot's own vnode.
type Device interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
}

// WriteRequest describes one pending physical write that the CopyOnWrite
// hook must be consulted about before it is allowed to proceed.
type WriteRequest struct {
	TargetAddr ufsgeom.FragAddr // buf.b_blkno: the fragment address about to be overwritten
	SourceVnode ufsgeom.InodeNumber // the inode issuing the write, 0 for raw device/metadata writes
}

// PathRegistrar creates the snapshot's backing file and manages its
// lifecycle as a namespace entry, independent of its block-pointer tree.
type PathRegistrar interface {
	// CreateExclusive creates a regular file at path with the given mode,
	// failing with ufsgeom.ErrExists if it is already present, or
	// ufsgeom.ErrCrossDevice if path names a different filesystem.
	CreateExclusive(ctx context.Context, path string, mode uint16) (ufsgeom.InodeNumber, error)
	// SetSize sets an inode's apparent file size without touching its
	// block pointers.
	SetSize(ctx context.Context, inum ufsgeom.InodeNumber, size int64) error
	// Truncate releases an inode's blocks and resets it to size 0, used to
	// unwind a failed creation.
	Truncate(ctx context.Context, inum ufsgeom.InodeNumber) error
	// MarkUnremovable flags an inode so ordinary unlink cannot remove it
	// outside the snapshot lifecycle (SnapGone must be used instead).
	MarkUnremovable(ctx context.Context, inum ufsgeom.InodeNumber) error
	// SetSnapshotFlag sets or clears the on-disk snapshot flag on inum's
	// live inode (not its in-memory pkg/inode.Blocks mirror).
	SetSnapshotFlag(ctx context.Context, inum ufsgeom.InodeNumber, set bool) error
}

// Suspension controls write-suspension of the whole host filesystem, the
// quiescence window creation needs between cg pass 2 and the end of the
// unlinked-inode sweep.
type Suspension interface {
	// RequestSuspend asks the host filesystem to stop admitting new
	// writers, releasing any write credit the caller itself holds first.
	RequestSuspend(ctx context.Context) error
	// AwaitSuspended blocks until the host filesystem reports itself fully
	// quiesced, retrying RequestSuspend if another actor raced it.
	AwaitSuspended(ctx context.Context) error
	// Resume lifts suspension.
	Resume(ctx context.Context) error
}

// SuperblockStore reads the live superblock and writes a captured copy
// into a snapshot's own file.
type SuperblockStore interface {
	ReadSuperblock(ctx context.Context) (*ufsgeom.Superblock, error)
	WriteSnapshotSuperblock(ctx context.Context, snapInum ufsgeom.InodeNumber, sb *ufsgeom.Superblock) error
}

// InodeSnapshot is the handful of fields the unlinked-inode sweep and
// mount-time registry rebuild need from one on-disk inode, expressed
// without depending on pkg/inode (which itself depends on this package).
type InodeSnapshot struct {
	Number    ufsgeom.InodeNumber
	LinkCount int
	Mode      uint16
	Size      int64
	Flags     uint32
	Direct    [ufsgeom.NDADDR]ufsgeom.FragAddr
	Indirect  [ufsgeom.NIADDR]ufsgeom.FragAddr
}

// InodeWalker iterates every inode on the host filesystem. Implementations
// are responsible for restarting the scan from the head if a reclaim
// mutates the inode list mid-pass, so callers always see a single
// logical pass over the live set.
type InodeWalker interface {
	ForEachInode(ctx context.Context, fn func(InodeSnapshot) error) error
}

// SnapSlotStore manages the dense fs_snapinum-style slot array backing
// FSMAXSNAP concurrent snapshots per device.
type SnapSlotStore interface {
	// ReserveSnapSlot finds the first free slot and reserves it, returning
	// ok=false if every slot is occupied.
	ReserveSnapSlot(ctx context.Context) (slot int, ok bool, err error)
	// ClearSnapSlot releases a reserved or occupied slot.
	ClearSnapSlot(ctx context.Context, slot int) error
	// CompactSnapSlots removes gaps left by removed snapshots so the slot
	// array stays dense.
	CompactSnapSlots(ctx context.Context) error
	MaxSnapshots() int
}

// Host aggregates every collaborator the snapshot engine consumes, the Go
// surface named in the external-interfaces section: the single type
// snapshot.Create et al. are written against.
type Host interface {
	Allocator
	IndirectStore
	InodeLayout
	InodeBlockStore
	CGSource
	Device
	Syncer
	DataStore
	PathRegistrar
	Suspension
	SuperblockStore
	InodeWalker
	SnapSlotStore

	Geometry() ufsgeom.Geometry
}
