// Package registry tracks, per device, the ordered list of live
// snapshots and whether the CopyOnWrite hook is currently installed on
// that device.
package registry

import (
	"sync"

	"github.com/go-ufs/snapfs/pkg/inode"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// Snapshot is one live snapshot tracked by the registry: its own
// block-pointer tree plus the per-snapshot exclusive lock the COW hook
// and SnapBlkFree acquire and release around each snapshot in turn,
// never holding two at once.
type Snapshot struct {
	mu sync.Mutex

	Tree         *inode.Tree
	LinkCount    int   // effective link count; >0 means user-visible post-crash
	copiedBlocks int64 // blocks materialized into this snapshot by COW/SnapBlkFree
}

// IncCopiedBlocks records one more block materialized into this snapshot
// by the CopyOnWrite or SnapBlkFree hooks.
func (s *Snapshot) IncCopiedBlocks() {
	s.copiedBlocks++
}

// CopiedBlocks returns the running count recorded by IncCopiedBlocks.
func (s *Snapshot) CopiedBlocks() int64 {
	return s.copiedBlocks
}

// Lock acquires this snapshot's exclusive lock.
func (s *Snapshot) Lock() { s.mu.Lock() }

// Unlock releases this snapshot's exclusive lock.
func (s *Snapshot) Unlock() { s.mu.Unlock() }

// Number returns the snapshot inode's number.
func (s *Snapshot) Number() ufsgeom.InodeNumber {
	return s.Tree.Blocks.Number
}

// UserVisible reports whether this snapshot has a non-zero effective
// link count, gating the persistence fsync rule.
func (s *Snapshot) UserVisible() bool {
	return s.LinkCount > 0
}

// Registry is the per-device ordered list of live snapshots, in
// creation order, and whether the COW hook is installed.
type Registry struct {
	mu sync.Mutex

	Device        ufsgeom.DeviceID
	snapshots     []*Snapshot
	hookInstalled bool
}

// New creates an empty registry for the given device.
func New(device ufsgeom.DeviceID) *Registry {
	return &Registry{Device: device}
}

// Append adds snap to the end of the list (it becomes the newest
// snapshot), enforcing the creation-order invariant.
func (r *Registry) Append(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
}

// Remove detaches snap from the list. No-op if not present.
func (r *Registry) Remove(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.snapshots {
		if s == snap {
			r.snapshots = append(r.snapshots[:i], r.snapshots[i+1:]...)
			return
		}
	}
}

// List returns the live snapshots in creation order, oldest first. The
// returned slice is a private copy safe to range over without holding
// the registry lock.
func (r *Registry) List() []*Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// IndexOf returns snap's position in creation order (0 is the oldest
// live snapshot), or -1 if it is not currently registered.
func (r *Registry) IndexOf(snap *Snapshot) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.snapshots {
		if s == snap {
			return i
		}
	}
	return -1
}

// OlderThan returns the snapshots strictly older than snap, in creation
// order (used when expunging older snapshots' blocks from a newly
// created one).
func (r *Registry) OlderThan(snap *Snapshot) []*Snapshot {
	all := r.List()
	out := make([]*Snapshot, 0, len(all))
	for _, s := range all {
		if s == snap {
			break
		}
		out = append(out, s)
	}
	return out
}

// Empty reports whether no snapshots remain.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots) == 0
}

// InstallHook marks the COW hook as installed on this device, if it
// isn't already. Returns true if this call performed the installation.
func (r *Registry) InstallHook() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hookInstalled {
		return false
	}
	r.hookInstalled = true
	return true
}

// UninstallHook clears the installed flag, normally called once the
// last snapshot on the device is removed. Returns true if this call
// performed the uninstallation.
func (r *Registry) UninstallHook() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hookInstalled {
		return false
	}
	r.hookInstalled = false
	return true
}

// HookInstalled reports whether the COW hook is currently installed.
func (r *Registry) HookInstalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hookInstalled
}
