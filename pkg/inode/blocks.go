// Package inode models the direct/indirect block-pointer tree shared by
// every on-disk inode in this format: snapshot inodes, the inodes a
// snapshot cancels during expunge, and the inodes a live write targets.
package inode

import "github.com/go-ufs/snapfs/pkg/ufsgeom"

// SnapshotFlag marks an inode as a snapshot file in its flags word
// (di_flags SF_SNAPSHOT).
const SnapshotFlag uint32 = 1 << 0

// Blocks is the direct/indirect block-pointer tree and the handful of
// inode fields the snapshot engine needs to read or rewrite. It is the Go
// shape of "struct inode" / "struct dinode" restricted to what this module
// touches.
type Blocks struct {
	Number ufsgeom.InodeNumber
	Size   int64
	Mode   uint16
	Flags  uint32
	Count  int64 // di_blocks: count of fs_bsize units charged to this inode

	Direct   [ufsgeom.NDADDR]ufsgeom.FragAddr
	Indirect [ufsgeom.NIADDR]ufsgeom.FragAddr // roots of the single/double/triple indirect trees
}

// IsSnapshot reports whether SnapshotFlag is set.
func (b *Blocks) IsSnapshot() bool {
	return b.Flags&SnapshotFlag != 0
}

// Clone returns a deep copy.
func (b *Blocks) Clone() *Blocks {
	out := *b
	return &out
}
