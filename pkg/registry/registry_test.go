package registry

import (
	"testing"

	"github.com/go-ufs/snapfs/pkg/inode"
)

func TestAppendPreservesCreationOrder(t *testing.T) {
	r := New("dev0")
	a := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 1}}}
	b := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 2}}}
	c := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 3}}}

	r.Append(a)
	r.Append(b)
	r.Append(c)

	list := r.List()
	if len(list) != 3 || list[0] != a || list[1] != b || list[2] != c {
		t.Fatalf("unexpected order: %v", list)
	}
}

func TestOlderThanStopsAtTarget(t *testing.T) {
	r := New("dev0")
	a := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 1}}}
	b := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 2}}}
	c := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 3}}}
	r.Append(a)
	r.Append(b)
	r.Append(c)

	older := r.OlderThan(b)
	if len(older) != 1 || older[0] != a {
		t.Fatalf("OlderThan(b) = %v, want [a]", older)
	}
}

func TestRemoveDetaches(t *testing.T) {
	r := New("dev0")
	a := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 1}}}
	b := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 2}}}
	r.Append(a)
	r.Append(b)

	r.Remove(a)
	list := r.List()
	if len(list) != 1 || list[0] != b {
		t.Fatalf("after Remove(a): %v", list)
	}
	if !r.Empty() {
		r.Remove(b)
	}
	if !r.Empty() {
		t.Fatal("expected registry to be empty after removing all snapshots")
	}
}

func TestHookInstallUninstallIsIdempotent(t *testing.T) {
	r := New("dev0")
	if !r.InstallHook() {
		t.Fatal("first InstallHook should report true")
	}
	if r.InstallHook() {
		t.Fatal("second InstallHook should report false")
	}
	if !r.HookInstalled() {
		t.Fatal("expected hook installed")
	}
	if !r.UninstallHook() {
		t.Fatal("first UninstallHook should report true")
	}
	if r.UninstallHook() {
		t.Fatal("second UninstallHook should report false")
	}
}

func TestIndexOfReflectsCreationOrderAndRemoval(t *testing.T) {
	r := New("dev0")
	a := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 1}}}
	b := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 2}}}
	r.Append(a)
	r.Append(b)

	if idx := r.IndexOf(a); idx != 0 {
		t.Fatalf("IndexOf(a) = %d, want 0", idx)
	}
	if idx := r.IndexOf(b); idx != 1 {
		t.Fatalf("IndexOf(b) = %d, want 1", idx)
	}

	r.Remove(a)
	if idx := r.IndexOf(a); idx != -1 {
		t.Fatalf("IndexOf(a) after removal = %d, want -1", idx)
	}
	if idx := r.IndexOf(b); idx != 0 {
		t.Fatalf("IndexOf(b) after removing a = %d, want 0", idx)
	}
}

func TestCopiedBlocksCounter(t *testing.T) {
	s := &Snapshot{Tree: &inode.Tree{Blocks: &inode.Blocks{Number: 1}}}
	if s.CopiedBlocks() != 0 {
		t.Fatalf("CopiedBlocks() = %d, want 0", s.CopiedBlocks())
	}
	s.IncCopiedBlocks()
	s.IncCopiedBlocks()
	if s.CopiedBlocks() != 2 {
		t.Fatalf("CopiedBlocks() = %d, want 2", s.CopiedBlocks())
	}
}
