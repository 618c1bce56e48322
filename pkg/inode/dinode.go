package inode

import "github.com/go-ufs/snapfs/pkg/ufsgeom"

// DinodeSize is the byte width of one on-disk inode slot this module
// cares about: a 2-byte mode, 2 bytes of padding, a 4-byte flags word, an
// 8-byte size, an 8-byte block count, and NDADDR+NIADDR 8-byte
// fragment-pointers.
const DinodeSize = 24 + 8*ufsgeom.NDADDR + 8*ufsgeom.NIADDR

const (
	dinodeModeOff  = 0
	dinodeFlagsOff = 4
	dinodeSizeOff  = 8
	dinodeCountOff = 16
	dinodeBlockOff = 24
)

func putUint16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

func putUint32(buf []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(v >> (8 * uint(i)))
	}
}

func getUint32(buf []byte, off int) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(buf[off+i])
	}
	return v
}

func putInt64(buf []byte, off int, v int64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * uint(i)))
	}
}

// ExpungeDinodeAt rewrites, in place, the dinode at byte offset off
// within buf so that it reads as a cancelled inode: zero size, zero
// block count, zero block-pointer array, and the snapshot flag cleared.
// When clearMode is true (BLK_NOCOPY expunge) the mode word is zeroed
// too, rendering a deleted file invisible in the snapshot.
func ExpungeDinodeAt(buf []byte, off int, clearMode bool) {
	if clearMode {
		putUint16(buf, off+dinodeModeOff, 0)
	}

	flags := getUint32(buf, off+dinodeFlagsOff)
	flags &^= SnapshotFlag
	putUint32(buf, off+dinodeFlagsOff, flags)

	putInt64(buf, off+dinodeSizeOff, 0)
	putInt64(buf, off+dinodeCountOff, 0)

	blockBytes := 8 * (ufsgeom.NDADDR + ufsgeom.NIADDR)
	for i := 0; i < blockBytes; i++ {
		buf[off+dinodeBlockOff+i] = 0
	}
}
