// Package cgaccount copies one cylinder-group bitmap from the live
// filesystem into a snapshot, tagging every free block in that group as
// BLK_NOCOPY so the COW hook can skip it outright.
package cgaccount

import (
	"context"

	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/inode"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Pass distinguishes the two capture passes a snapshot makes over a
// cylinder group during creation.
type Pass int

const (
	// PassInitial runs before the filesystem is suspended.
	PassInitial Pass = 1
	// PassRevision runs after suspension, for any group that changed
	// between the two passes.
	PassRevision Pass = 2
)

// ActiveGroups is the bitmap of cylinder groups already captured by pass
// 1, consulted by Create to decide which groups need pass 2. Mutation
// is set-only, never reset.
type ActiveGroups struct {
	bits []bool
}

// NewActiveGroups allocates a bitmap covering ncg groups.
func NewActiveGroups(ncg int64) *ActiveGroups {
	return &ActiveGroups{bits: make([]bool, ncg)}
}

// MarkCaptured records cg as captured. Safe to call more than once.
func (a *ActiveGroups) MarkCaptured(cg int64) {
	a.bits[cg] = true
}

// IsCaptured reports whether cg was captured.
func (a *ActiveGroups) IsCaptured(cg int64) bool {
	return a.bits[cg]
}

// Account copies cylinder group cg's live bitmap into cgBuffer (a
// caller-allocated block-sized buffer belonging to the snapshot inode),
// then walks the logical blocks that group covers and tags the
// snapshot's own block-pointer tree. cgBuffer must be exactly
// geom.BlockSize() bytes; any tail beyond the live bitmap's own length is
// zeroed.
func Account(
	ctx context.Context,
	cg int64,
	geom ufsgeom.Geometry,
	source host.CGSource,
	tree *inode.Tree,
	active *ActiveGroups,
	pass Pass,
	cgBuffer []byte,
) error {
	live, err := source.ReadCGBitmap(ctx, cg)
	if err != nil {
		return ufsgeom.NewError(ufsgeom.KindIO, "cgaccount.Account", "reading live cg bitmap", err)
	}

	if err := copyBitmap(live, cgBuffer); err != nil {
		return err
	}

	active.MarkCaptured(cg)

	base := geom.CGBase(cg)
	length := geom.CGLen()
	if base+length > geom.NumBlocks() {
		length = geom.NumBlocks() - base
	}

	writeCap := host.WriteNormal
	if pass == PassRevision {
		writeCap = host.WriteDuringSuspension
	}

	for i := int64(0); i < length; i++ {
		lbn := base + i
		free := live.IsBlockFree(i)

		cur, err := tree.GetBlock(ctx, lbn)
		if err != nil {
			return err
		}

		switch pass {
		case PassInitial:
			if free {
				if err := tree.SetBlock(ctx, lbn, ufsgeom.RefNoCopyValue, host.AllocOpts{Cap: writeCap}); err != nil {
					return err
				}
			} else if cur.Kind == ufsgeom.RefNoCopy {
				return ufsgeom.NewError(ufsgeom.KindInternal, "cgaccount.Account",
					"block tagged BLK_NOCOPY but not free on pass 1", nil)
			}
		case PassRevision:
			if free {
				if err := tree.SetBlock(ctx, lbn, ufsgeom.RefNoCopyValue, host.AllocOpts{Cap: writeCap}); err != nil {
					return err
				}
			} else if cur.Kind == ufsgeom.RefNoCopy {
				if err := tree.SetBlock(ctx, lbn, ufsgeom.RefHoleValue, host.AllocOpts{Cap: writeCap}); err != nil {
					return err
				}
			}
		default:
			return ufsgeom.NewError(ufsgeom.KindInternal, "cgaccount.Account", "unknown pass", nil)
		}
	}

	return nil
}

// copyBitmap byte-copies the live bitmap into dst, zeroing any tail
// beyond it.
func copyBitmap(live *host.CGBitmap, dst []byte) error {
	if live == nil {
		return ufsgeom.NewError(ufsgeom.KindIO, "cgaccount.copyBitmap", "nil live bitmap", nil)
	}
	if len(live.Raw) > len(dst) {
		return ufsgeom.NewError(ufsgeom.KindInternal, "cgaccount.copyBitmap", "live bitmap larger than destination block", nil)
	}
	n := copy(dst, live.Raw)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}
