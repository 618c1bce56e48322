// Package blockio reads physical blocks straight from the backing device,
// bypassing whatever buffer cache sits in front of a snapshot's own vnode.
// Anything that read through the normal cached path while walking a
// snapshot inode's own indirect blocks would recurse back into this
// package's callers; blockio exists so that never happens.
package blockio

import (
	"context"

	"github.com/go-ufs/snapfs/pkg/host"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Reader reads whole blocks from a device given the filesystem geometry
// needed to convert a logical block number into a device byte offset.
type Reader struct {
	Device host.Device
	Geom   ufsgeom.Geometry
}

// ReadBlock fetches block lbn into buf, which must be exactly
// Geom.BlockSize() bytes long. Synchronous; the read never touches any
// cache keyed by a vnode.
func (r *Reader) ReadBlock(ctx context.Context, lbn int64, buf []byte) error {
	bs := r.Geom.BlockSize()
	if int64(len(buf)) != bs {
		return ufsgeom.NewError(ufsgeom.KindInternal, "blockio.ReadBlock", "buffer size mismatch", nil)
	}

	frag := r.Geom.BlocksToFrags(lbn)
	off := frag * r.Geom.FragSize

	n, err := r.Device.ReadAt(ctx, buf, off)
	if err != nil {
		return ufsgeom.NewError(ufsgeom.KindIO, "blockio.ReadBlock", "device read failed", err)
	}
	if int64(n) != bs {
		return ufsgeom.NewError(ufsgeom.KindIO, "blockio.ReadBlock", "short read", nil)
	}
	return nil
}

// ReadFragAddrs reads block addr as an array of n fragment-addresses, the
// shape of an indirect block. Used by treewalk.indiracct, which must read
// an inode's own indirect blocks without going through the cached
// IndirectStore path.
func (r *Reader) ReadFragAddrs(ctx context.Context, addr ufsgeom.FragAddr, n int64) ([]ufsgeom.FragAddr, error) {
	buf := make([]byte, r.Geom.BlockSize())
	lbn := r.Geom.FragsToBlocks(int64(addr))
	if err := r.ReadBlock(ctx, lbn, buf); err != nil {
		return nil, err
	}

	out := make([]ufsgeom.FragAddr, n)
	for i := range out {
		off := i * ufsgeom.PointerSize
		if off+ufsgeom.PointerSize > len(buf) {
			break
		}
		out[i] = decodeFragAddr(buf[off : off+ufsgeom.PointerSize])
	}
	return out, nil
}

func decodeFragAddr(b []byte) ufsgeom.FragAddr {
	var v int64
	for i := 7; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	return ufsgeom.FragAddr(v)
}
