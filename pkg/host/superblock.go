package host

import "github.com/go-ufs/snapfs/pkg/ufsgeom"

// FSMaxSnap bounds the number of coexisting snapshots per filesystem,
// matching the dense fs_snapinum[FSMAXSNAP] array in the on-disk
// superblock.
const FSMaxSnap = 20

// Superblock is an in-memory copy of the filesystem-wide metadata the
// snapshot engine needs: geometry, cleanliness flags, the cylinder-summary
// region, and the dense snapshot-inode-number array.
type Superblock struct {
	Geometry       ufsgeom.Geometry
	Clean          bool
	Unclean        bool
	NeedsFsck      bool
	ContigSumSize  int64
	CylinderSums   []byte // opaque cylinder-summary bytes, copied verbatim
	SnapInum       [FSMaxSnap]ufsgeom.InodeNumber
}

// Clone returns a deep copy safe to mutate independently (used when
// snapshotting the superblock during creation).
func (sb *Superblock) Clone() *Superblock {
	out := *sb
	if sb.CylinderSums != nil {
		out.CylinderSums = append([]byte(nil), sb.CylinderSums...)
	}
	return &out
}

// FirstFreeSnapSlot returns the first zero entry in SnapInum, or -1 if the
// array is full.
func (sb *Superblock) FirstFreeSnapSlot() int {
	for i, v := range sb.SnapInum {
		if v == 0 {
			return i
		}
	}
	return -1
}
