package snapshot

import (
	"context"
	"testing"

	"github.com/go-ufs/snapfs/internal/fakehost"
	"github.com/go-ufs/snapfs/pkg/blockio"
	"github.com/go-ufs/snapfs/pkg/cow"
	"github.com/go-ufs/snapfs/pkg/registry"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

func testGeom() ufsgeom.Geometry {
	return ufsgeom.Geometry{FragSize: 512, FragsPerBlock: 4, FragsPerGroup: 64, NCG: 2, SizeFrags: 1024}
}

func newFixture(t *testing.T) (*fakehost.Host, *registry.Registry, *cow.Hook) {
	t.Helper()
	geom := testGeom()
	h := fakehost.New(geom, 4)
	reg := registry.New(ufsgeom.DeviceID("test0"))
	hook := &cow.Hook{
		Registry: reg,
		Reader:   &blockio.Reader{Device: h, Geom: geom},
		Geom:     geom,
		Alloc:    h,
		Data:     h,
		Sync:     h,
	}
	h.AttachCOW(hook.OnWrite)
	return h, reg, hook
}

func TestCreateRegistersSnapshotInCreationOrder(t *testing.T) {
	h, reg, _ := newFixture(t)
	ctx := context.Background()
	reader := &blockio.Reader{Device: h, Geom: h.Geometry()}

	first, err := Create(ctx, h, reg, reader, "/snap1")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := Create(ctx, h, reg, reader, "/snap2")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}

	if reg.IndexOf(first.Snapshot) != 0 {
		t.Fatalf("expected first snapshot at index 0, got %d", reg.IndexOf(first.Snapshot))
	}
	if reg.IndexOf(second.Snapshot) != 1 {
		t.Fatalf("expected second snapshot at index 1, got %d", reg.IndexOf(second.Snapshot))
	}
	if !reg.HookInstalled() {
		t.Fatal("expected COW hook installed after first creation")
	}
}

func TestWriteLiveTriggersCopyOnWriteAndStats(t *testing.T) {
	h, reg, hook := newFixture(t)
	ctx := context.Background()
	reader := &blockio.Reader{Device: h, Geom: h.Geometry()}

	handle, err := Create(ctx, h, reg, reader, "/snap1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	buf := make([]byte, h.Geometry().BlockSize())
	for i := range buf {
		buf[i] = 0x42
	}
	if err := h.WriteLive(ctx, 50, buf, 0); err != nil {
		t.Fatalf("WriteLive: %v", err)
	}

	st, err := Stat(ctx, reg, handle.Snapshot, nil)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.CopiedBlocks == 0 {
		t.Fatal("expected WriteLive to have triggered at least one copy-on-write")
	}
	if st.CreationOrder != 0 {
		t.Fatalf("CreationOrder = %d, want 0", st.CreationOrder)
	}

	_ = hook
}

func TestRemoveDetachesFromRegistryAndUninstallsHook(t *testing.T) {
	h, reg, hook := newFixture(t)
	ctx := context.Background()
	reader := &blockio.Reader{Device: h, Geom: h.Geometry()}

	handle, err := Create(ctx, h, reg, reader, "/snap1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := Remove(ctx, h, reg, hook, handle.Snapshot); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if reg.IndexOf(handle.Snapshot) != -1 {
		t.Fatal("expected snapshot detached from registry after Remove")
	}
	if reg.HookInstalled() {
		t.Fatal("expected COW hook uninstalled once the last snapshot is removed")
	}
}

func TestMountAssociateRebuildsRegistryFromFlaggedInodes(t *testing.T) {
	h, reg, _ := newFixture(t)
	ctx := context.Background()
	reader := &blockio.Reader{Device: h, Geom: h.Geometry()}

	if _, err := Create(ctx, h, reg, reader, "/snap1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	freshReg := registry.New(ufsgeom.DeviceID("test0"))
	if err := MountAssociate(ctx, h, freshReg); err != nil {
		t.Fatalf("MountAssociate: %v", err)
	}
	if len(freshReg.List()) != 1 {
		t.Fatalf("expected 1 snapshot associated at mount, got %d", len(freshReg.List()))
	}
	if !freshReg.HookInstalled() {
		t.Fatal("expected hook installed after associating a found snapshot")
	}
}

func TestUnmountDissociateClearsRegistry(t *testing.T) {
	h, reg, _ := newFixture(t)
	ctx := context.Background()
	reader := &blockio.Reader{Device: h, Geom: h.Geometry()}

	if _, err := Create(ctx, h, reg, reader, "/snap1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := UnmountDissociate(ctx, h, reg); err != nil {
		t.Fatalf("UnmountDissociate: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatalf("expected empty registry after unmount, got %d", len(reg.List()))
	}
	if reg.HookInstalled() {
		t.Fatal("expected hook uninstalled after unmount")
	}
}
