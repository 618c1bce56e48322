// Package fakehost is an in-memory host.Host used by pkg/snapshot's
// scenario tests and by cmd/snapfsctl's demo mode, standing in for the
// real mounted filesystem as an external collaborator.
package fakehost

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/inode"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Host is a single simulated filesystem: one dedicated block per inode,
// a flat free-fragment bitmap, and a raw device image standing in for
// the live filesystem's current contents.
type Host struct {
	mu sync.Mutex

	geom ufsgeom.Geometry

	disk      []byte // live device image, addressed by byte offset
	freeFrags []bool // true = free, indexed by fragment number

	inodes   map[ufsgeom.InodeNumber]*inode.Blocks
	paths    map[string]ufsgeom.InodeNumber
	nextInum ufsgeom.InodeNumber

	indirect map[ufsgeom.FragAddr][]ufsgeom.FragAddr
	blocks   map[ufsgeom.FragAddr][]byte

	cgBitmaps map[int64]*host.CGBitmap
	sb        *ufsgeom.Superblock
	snapSB    map[ufsgeom.InodeNumber]*ufsgeom.Superblock

	snapSlots []bool
	suspended bool

	cow OnWriteFunc
}

// OnWriteFunc lets a caller (normally cow.Hook.OnWrite) veto or react to
// a pending live write. WriteLive calls it before mutating the disk
// image, matching the real write path's obligation to consult the COW
// hook first.
type OnWriteFunc func(ctx context.Context, req host.WriteRequest) error

// New builds an empty simulated filesystem of the given geometry, with
// every fragment initially free except the superblock's and each
// cylinder group's own block.
func New(geom ufsgeom.Geometry, maxSnapshots int) *Host {
	h := &Host{
		geom:      geom,
		disk:      make([]byte, geom.SizeBytes()),
		freeFrags: make([]bool, geom.SizeFrags),
		inodes:    map[ufsgeom.InodeNumber]*inode.Blocks{},
		paths:     map[string]ufsgeom.InodeNumber{},
		nextInum:  ufsgeom.InodeNumber(100),
		indirect:  map[ufsgeom.FragAddr][]ufsgeom.FragAddr{},
		blocks:    map[ufsgeom.FragAddr][]byte{},
		cgBitmaps: map[int64]*host.CGBitmap{},
		snapSB:    map[ufsgeom.InodeNumber]*ufsgeom.Superblock{},
		snapSlots: make([]bool, maxSnapshots),
		sb:        &ufsgeom.Superblock{Clean: true},
	}
	for i := range h.freeFrags {
		h.freeFrags[i] = true
	}
	cgLen := int(geom.CGLen())
	for cg := int64(0); cg < geom.NCG; cg++ {
		raw := make([]byte, (cgLen+7)/8)
		for i := 0; i < cgLen; i++ {
			raw[i/8] |= 1 << uint(i%8)
		}
		h.cgBitmaps[cg] = &host.CGBitmap{Magic: 0xc5, Raw: raw}
	}
	h.claim(h.blockStart(geom.FragsToBlocks(int64(ufsgeom.FirstRealAddr))))
	for cg := int64(0); cg < geom.NCG; cg++ {
		h.claim(h.blockStart(geom.FragsToBlocks(int64(h.CGBlockAddr(cg)))))
	}
	return h
}

func (h *Host) blockStart(lbn int64) int64 {
	return h.geom.BlocksToFrags(lbn)
}

// claim marks the whole block starting at frag as in-use.
func (h *Host) claim(fragStart int64) {
	for i := int64(0); i < h.geom.FragsPerBlock; i++ {
		h.freeFrags[fragStart+i] = false
	}
}

var errNoFreeBlock = errors.New("fakehost: no free block")

func (h *Host) allocateLocked() (ufsgeom.FragAddr, error) {
	step := h.geom.FragsPerBlock
	for start := int64(0); start+step <= int64(len(h.freeFrags)); start += step {
		free := true
		for i := int64(0); i < step; i++ {
			if !h.freeFrags[start+i] {
				free = false
				break
			}
		}
		if free {
			h.claim(start)
			return ufsgeom.FragAddr(start), nil
		}
	}
	return 0, errNoFreeBlock
}

// Geometry implements host.Host.
func (h *Host) Geometry() ufsgeom.Geometry { return h.geom }

// Allocate implements host.Allocator.
func (h *Host) Allocate(ctx context.Context, inum ufsgeom.InodeNumber, opts host.AllocOpts) (ufsgeom.FragAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, err := h.allocateLocked()
	if err != nil {
		return 0, ufsgeom.NewError(ufsgeom.KindNoSpace, "fakehost.Allocate", "device full", err)
	}
	if opts.ClearBuf {
		h.blocks[addr] = make([]byte, h.geom.BlockSize())
	}
	return addr, nil
}

// Free implements host.Allocator.
func (h *Host) Free(ctx context.Context, addr ufsgeom.FragAddr, size int64, inum ufsgeom.InodeNumber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	frags := size / h.geom.FragSize
	for i := int64(0); i < frags; i++ {
		idx := int64(addr) + i
		if idx >= 0 && idx < int64(len(h.freeFrags)) {
			h.freeFrags[idx] = true
		}
	}
	delete(h.blocks, addr)
	delete(h.indirect, addr)
	return nil
}

// ReadIndirect implements host.IndirectStore.
func (h *Host) ReadIndirect(ctx context.Context, addr ufsgeom.FragAddr) ([]ufsgeom.FragAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	arr, ok := h.indirect[addr]
	if !ok {
		return make([]ufsgeom.FragAddr, h.geom.NINDIR()), nil
	}
	out := make([]ufsgeom.FragAddr, len(arr))
	copy(out, arr)
	return out, nil
}

// WriteIndirect implements host.IndirectStore.
func (h *Host) WriteIndirect(ctx context.Context, addr ufsgeom.FragAddr, entries []ufsgeom.FragAddr, cap host.WriteCap) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]ufsgeom.FragAddr, len(entries))
	copy(cp, entries)
	h.indirect[addr] = cp
	return nil
}

// BlockOf implements host.InodeLayout: this fake gives every inode its
// own dedicated on-disk block, so layout math stays trivial.
func (h *Host) BlockOf(inum ufsgeom.InodeNumber) ufsgeom.FragAddr {
	return ufsgeom.FragAddr(int64(ufsgeom.FirstRealAddr) + int64(inum)*h.geom.FragsPerBlock)
}

// OffsetOf implements host.InodeLayout.
func (h *Host) OffsetOf(inum ufsgeom.InodeNumber) int { return 0 }

// InodesPerBlock implements host.InodeLayout.
func (h *Host) InodesPerBlock() int { return 1 }

// ReadBlock implements host.InodeBlockStore and host.Device's sibling
// raw-byte access for snapshot-owned blocks.
func (h *Host) ReadBlock(ctx context.Context, addr ufsgeom.FragAddr, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	src, ok := h.blocks[addr]
	if !ok {
		src = make([]byte, h.geom.BlockSize())
	}
	copy(buf, src)
	return nil
}

// WriteBlock implements host.InodeBlockStore.
func (h *Host) WriteBlock(ctx context.Context, addr ufsgeom.FragAddr, buf []byte, cap host.WriteCap) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	h.blocks[addr] = cp
	return nil
}

// ReadData implements host.DataStore.
func (h *Host) ReadData(ctx context.Context, addr ufsgeom.FragAddr, buf []byte) error {
	return h.ReadBlock(ctx, addr, buf)
}

// WriteData implements host.DataStore.
func (h *Host) WriteData(ctx context.Context, addr ufsgeom.FragAddr, buf []byte, cap host.WriteCap) error {
	return h.WriteBlock(ctx, addr, buf, cap)
}

// ReadCGBitmap implements host.CGSource.
func (h *Host) ReadCGBitmap(ctx context.Context, cg int64) (*host.CGBitmap, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bm, ok := h.cgBitmaps[cg]
	if !ok {
		return nil, ufsgeom.NewError(ufsgeom.KindIO, "fakehost.ReadCGBitmap", "no such group", nil)
	}
	// A block's bit is set only while every fragment of it is free.
	raw := make([]byte, len(bm.Raw))
	base := h.geom.CGBase(cg)
	for i := int64(0); i < h.geom.CGLen(); i++ {
		start := h.blockStart(base + i)
		free := start+h.geom.FragsPerBlock <= int64(len(h.freeFrags))
		for j := int64(0); free && j < h.geom.FragsPerBlock; j++ {
			free = h.freeFrags[start+j]
		}
		if free {
			raw[i/8] |= 1 << uint(i%8)
		}
	}
	return &host.CGBitmap{Magic: bm.Magic, Raw: raw}, nil
}

// CGBlockAddr implements host.CGSource: the first real fragment address
// onward is reserved, one dedicated block per cg, right after the
// superblock's own block.
func (h *Host) CGBlockAddr(cg int64) ufsgeom.FragAddr {
	return ufsgeom.FragAddr(int64(ufsgeom.FirstRealAddr) + h.geom.FragsPerBlock + cg*h.geom.FragsPerBlock)
}

// SuperblockAddr implements host.CGSource.
func (h *Host) SuperblockAddr() ufsgeom.FragAddr {
	return ufsgeom.FirstRealAddr
}

// ReadAt implements host.Device, serving bytes straight out of the live
// device image.
func (h *Host) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off < 0 || off >= int64(len(h.disk)) {
		return 0, ufsgeom.NewError(ufsgeom.KindIO, "fakehost.ReadAt", "offset out of range", nil)
	}
	n := copy(p, h.disk[off:])
	return n, nil
}

// WriteLive simulates a live write to logical block lbn, consulting the
// attached COW hook first the way the real write path must.
func (h *Host) WriteLive(ctx context.Context, lbn int64, buf []byte, srcInum ufsgeom.InodeNumber) error {
	addr := ufsgeom.FragAddr(h.geom.BlocksToFrags(lbn))
	if h.cow != nil {
		if err := h.cow(ctx, host.WriteRequest{TargetAddr: addr, SourceVnode: srcInum}); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	off := int64(addr) * h.geom.FragSize
	copy(h.disk[off:off+h.geom.BlockSize()], buf)
	return nil
}

// AttachCOW installs the hook WriteLive consults.
func (h *Host) AttachCOW(fn OnWriteFunc) { h.cow = fn }

// Fsync implements host.Syncer: a no-op, every write here is already
// durable.
func (h *Host) Fsync(ctx context.Context, inum ufsgeom.InodeNumber) error { return nil }

// CreateExclusive implements host.PathRegistrar.
func (h *Host) CreateExclusive(ctx context.Context, path string, mode uint16) (ufsgeom.InodeNumber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.paths[path]; exists {
		return 0, ufsgeom.NewError(ufsgeom.KindExists, "fakehost.CreateExclusive", "path exists", nil)
	}
	inum := h.nextInum
	h.nextInum++
	h.inodes[inum] = &inode.Blocks{Number: inum, Mode: mode}
	h.paths[path] = inum
	return inum, nil
}

// SetSize implements host.PathRegistrar.
func (h *Host) SetSize(ctx context.Context, inum ufsgeom.InodeNumber, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.inodes[inum]
	if !ok {
		return ufsgeom.NewError(ufsgeom.KindInternal, "fakehost.SetSize", "no such inode", nil)
	}
	b.Size = size
	return nil
}

// Truncate implements host.PathRegistrar.
func (h *Host) Truncate(ctx context.Context, inum ufsgeom.InodeNumber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.inodes[inum]
	if !ok {
		return nil
	}
	*b = inode.Blocks{Number: inum}
	return nil
}

// MarkUnremovable implements host.PathRegistrar: no-op here, since this
// fake has no ordinary unlink path to protect against.
func (h *Host) MarkUnremovable(ctx context.Context, inum ufsgeom.InodeNumber) error { return nil }

// SetSnapshotFlag implements host.PathRegistrar.
func (h *Host) SetSnapshotFlag(ctx context.Context, inum ufsgeom.InodeNumber, set bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.inodes[inum]
	if !ok {
		return ufsgeom.NewError(ufsgeom.KindInternal, "fakehost.SetSnapshotFlag", "no such inode", nil)
	}
	if set {
		b.Flags |= inode.SnapshotFlag
	} else {
		b.Flags &^= inode.SnapshotFlag
	}
	return nil
}

// RequestSuspend implements host.Suspension.
func (h *Host) RequestSuspend(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = true
	return nil
}

// AwaitSuspended implements host.Suspension: suspension is synchronous
// in this fake, so it is already satisfied.
func (h *Host) AwaitSuspended(ctx context.Context) error { return nil }

// Resume implements host.Suspension.
func (h *Host) Resume(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = false
	return nil
}

// ReadSuperblock implements host.SuperblockStore.
func (h *Host) ReadSuperblock(ctx context.Context) (*ufsgeom.Superblock, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sb.Clone(), nil
}

// WriteSnapshotSuperblock implements host.SuperblockStore.
func (h *Host) WriteSnapshotSuperblock(ctx context.Context, snapInum ufsgeom.InodeNumber, sb *ufsgeom.Superblock) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapSB[snapInum] = sb.Clone()
	return nil
}

// ForEachInode implements host.InodeWalker. This fake never mutates the
// inode set out from under a running scan, so a single pass suffices.
func (h *Host) ForEachInode(ctx context.Context, fn func(host.InodeSnapshot) error) error {
	h.mu.Lock()
	nums := make([]ufsgeom.InodeNumber, 0, len(h.inodes))
	for n := range h.inodes {
		nums = append(nums, n)
	}
	h.mu.Unlock()

	for _, n := range nums {
		h.mu.Lock()
		b, ok := h.inodes[n]
		if !ok {
			h.mu.Unlock()
			continue
		}
		snap := host.InodeSnapshot{
			Number: b.Number, LinkCount: 1, Mode: b.Mode, Size: b.Size,
			Flags: b.Flags, Direct: b.Direct, Indirect: b.Indirect,
		}
		h.mu.Unlock()

		if err := fn(snap); err != nil {
			return err
		}
	}
	return nil
}

// ReserveSnapSlot implements host.SnapSlotStore.
func (h *Host) ReserveSnapSlot(ctx context.Context) (int, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, used := range h.snapSlots {
		if !used {
			h.snapSlots[i] = true
			return i, true, nil
		}
	}
	return 0, false, nil
}

// ClearSnapSlot implements host.SnapSlotStore.
func (h *Host) ClearSnapSlot(ctx context.Context, slot int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot < 0 || slot >= len(h.snapSlots) {
		return ufsgeom.NewError(ufsgeom.KindInternal, "fakehost.ClearSnapSlot", "slot out of range", nil)
	}
	h.snapSlots[slot] = false
	return nil
}

// CompactSnapSlots implements host.SnapSlotStore: a no-op here, slots
// are reused by ReserveSnapSlot's first-free scan without needing a
// separate compaction pass.
func (h *Host) CompactSnapSlots(ctx context.Context) error { return nil }

// MaxSnapshots implements host.SnapSlotStore.
func (h *Host) MaxSnapshots() int { return len(h.snapSlots) }
