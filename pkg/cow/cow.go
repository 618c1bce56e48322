// Package cow implements the two hooks every write and every free on a
// snapshotted device must pass through: CopyOnWrite (invoked before a
// physical write lands) and SnapBlkFree (invoked before a block is
// returned to the live free-list).
package cow

import (
	"context"
	"errors"
	"time"

	"github.com/go-ufs/snapfs/pkg/blockio"
	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/registry"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Hook bundles everything the COW and SnapBlkFree algorithms need: the
// device's live snapshot list, a way to read pre-images off the raw
// device, the allocator and data-block store every captured snapshot
// shares, and the persistence policy.
type Hook struct {
	Registry      *registry.Registry
	Reader        *blockio.Reader
	Geom          ufsgeom.Geometry
	Alloc         host.Allocator
	Data          host.DataStore
	Sync          host.Syncer
	DoPersistence bool

	// Sleep is called between WouldBlock retries; overridable in tests.
	Sleep func(time.Duration)
}

func (h *Hook) sleep() {
	if h.Sleep != nil {
		h.Sleep(time.Millisecond)
		return
	}
	time.Sleep(time.Millisecond)
}

// OnWrite is the CopyOnWrite hook, invoked before a physical write to
// req.TargetAddr is allowed to proceed. Every live snapshot other than
// the one the write targets gets a chance to capture the pre-image of
// that block, oldest snapshot first.
func (h *Hook) OnWrite(ctx context.Context, req host.WriteRequest) error {
	if InProgress(ctx) {
		return ufsgeom.NewError(ufsgeom.KindInternal, "cow.OnWrite", "recursive COW invocation", nil)
	}

	lbn := h.Geom.FragsToBlocks(int64(req.TargetAddr))

	var savedAddr ufsgeom.FragAddr
	haveSaved := false

	for _, s := range h.Registry.List() {
		if s.Number() == req.SourceVnode {
			continue
		}

		copied, addr, err := h.cowOneSnapshot(ctx, s, lbn, savedAddr, haveSaved)
		if err != nil {
			return err
		}
		if !copied {
			continue
		}

		savedAddr = addr
		haveSaved = true
		if err := h.persistIfNeeded(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// cowOneSnapshot resolves whether s needs a copy of lbn and performs it,
// retrying on a WouldBlock allocation failure after dropping s's lock
// and sleeping briefly, per the non-blocking allocation requirement.
func (h *Hook) cowOneSnapshot(ctx context.Context, s *registry.Snapshot, lbn int64, savedAddr ufsgeom.FragAddr, haveSaved bool) (bool, ufsgeom.FragAddr, error) {
	for {
		s.Lock()
		guarded := WithInProgress(ctx)

		cur, err := s.Tree.Peek(guarded, lbn, host.AllocOpts{NoWait: true})
		if err != nil {
			s.Unlock()
			if errors.Is(err, ufsgeom.ErrWouldBlock) {
				h.sleep()
				continue
			}
			return false, 0, err
		}

		if !cur.IsZero() {
			s.Unlock()
			return false, 0, nil
		}

		addr, err := h.Alloc.Allocate(guarded, s.Number(), host.AllocOpts{Kind: host.AllocData, NoWait: true})
		if err != nil {
			s.Unlock()
			if errors.Is(err, ufsgeom.ErrWouldBlock) {
				h.sleep()
				continue
			}
			return false, 0, err
		}

		buf := make([]byte, h.Geom.BlockSize())
		if haveSaved {
			if err := h.Data.ReadData(ctx, savedAddr, buf); err != nil {
				s.Unlock()
				return false, 0, err
			}
		} else {
			if err := h.Reader.ReadBlock(ctx, lbn, buf); err != nil {
				s.Unlock()
				return false, 0, err
			}
		}

		if err := h.Data.WriteData(ctx, addr, buf, host.WriteNormal); err != nil {
			s.Unlock()
			return false, 0, err
		}
		if err := s.Tree.SetBlock(guarded, lbn, ufsgeom.Real(addr), host.AllocOpts{Kind: host.AllocData, NoWait: true}); err != nil {
			s.Unlock()
			return false, 0, err
		}

		s.IncCopiedBlocks()
		s.Unlock()
		return true, addr, nil
	}
}

func (h *Hook) persistIfNeeded(ctx context.Context, s *registry.Snapshot) error {
	if h.DoPersistence && s.UserVisible() {
		return h.Sync.Fsync(ctx, s.Number())
	}
	return nil
}

// OnFree is the SnapBlkFree hook, invoked when the live filesystem is
// about to free the range (bno, size) belonging to inum. It returns
// claimed=true iff some snapshot claimed the whole block outright, in
// which case the caller must cancel the live free.
func (h *Hook) OnFree(ctx context.Context, bno ufsgeom.FragAddr, size int64, inum ufsgeom.InodeNumber) (bool, error) {
	lbn := h.Geom.FragsToBlocks(int64(bno))

	claimedBlkSeen := false
	var savedBuf []byte
	var firstSnap *registry.Snapshot
	var firstAddr ufsgeom.FragAddr
	haveFirst := false

	for _, s := range h.Registry.List() {
		s.Lock()
		cur, err := s.Tree.GetBlock(ctx, lbn)
		if err != nil {
			s.Unlock()
			return false, err
		}

		switch cur.Kind {
		case ufsgeom.RefNoCopy, ufsgeom.RefReal:
			s.Unlock()
			continue
		case ufsgeom.RefSnapOwn:
			if claimedBlkSeen {
				s.Unlock()
				return false, ufsgeom.NewError(ufsgeom.KindInternal, "cow.OnFree", "inconsistent block type", nil)
			}
			err := s.Tree.SetBlock(ctx, lbn, ufsgeom.RefNoCopyValue, host.AllocOpts{})
			s.Unlock()
			if err != nil {
				return false, err
			}
			continue
		}

		// cur.Kind == RefHole: first claimant.
		claimedBlkSeen = true

		if size == h.Geom.BlockSize() {
			if err := s.Tree.SetBlock(ctx, lbn, ufsgeom.Real(bno), host.AllocOpts{}); err != nil {
				s.Unlock()
				return false, err
			}
			s.Tree.Blocks.Count++
			s.IncCopiedBlocks()
			s.Unlock()
			return true, nil
		}

		newAddr, err := h.Alloc.Allocate(ctx, s.Number(), host.AllocOpts{Kind: host.AllocData})
		if err != nil {
			s.Unlock()
			return false, err
		}

		if haveFirst {
			if err := h.Data.WriteData(ctx, newAddr, savedBuf, host.WriteNormal); err != nil {
				s.Unlock()
				return false, err
			}
			if err := s.Tree.SetBlock(ctx, lbn, ufsgeom.Real(newAddr), host.AllocOpts{}); err != nil {
				s.Unlock()
				return false, err
			}
			s.IncCopiedBlocks()
			perr := h.persistIfNeeded(ctx, s)
			s.Unlock()
			if perr != nil {
				return false, perr
			}
			continue
		}

		buf := make([]byte, h.Geom.BlockSize())
		if err := h.Reader.ReadBlock(ctx, lbn, buf); err != nil {
			s.Unlock()
			return false, err
		}
		if err := s.Tree.SetBlock(ctx, lbn, ufsgeom.Real(newAddr), host.AllocOpts{}); err != nil {
			s.Unlock()
			return false, err
		}
		savedBuf = buf
		firstSnap = s
		firstAddr = newAddr
		haveFirst = true
		s.IncCopiedBlocks()
		s.Unlock()
	}

	if haveFirst {
		if err := h.Data.WriteData(ctx, firstAddr, savedBuf, host.WriteNormal); err != nil {
			return false, err
		}
		if err := h.persistIfNeeded(ctx, firstSnap); err != nil {
			return false, err
		}
	}
	return false, nil
}
