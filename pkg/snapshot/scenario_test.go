package snapshot

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-ufs/snapfs/internal/fakehost"
	"github.com/go-ufs/snapfs/pkg/blockio"
	"github.com/go-ufs/snapfs/pkg/cow"
	"github.com/go-ufs/snapfs/pkg/registry"
	"github.com/go-ufs/snapfs/pkg/ufsgeom"
)

// readLive returns the live filesystem's current contents of logical
// block lbn, straight off the device image.
func readLive(t *testing.T, h *fakehost.Host, lbn int64) []byte {
	t.Helper()
	geom := h.Geometry()
	buf := make([]byte, geom.BlockSize())
	off := geom.BlocksToFrags(lbn) * geom.FragSize
	if _, err := h.ReadAt(context.Background(), buf, off); err != nil {
		t.Fatalf("readLive(%d): %v", lbn, err)
	}
	return buf
}

// readSnapshot returns what a snapshot's logical block lbn resolves to:
// a private copy if the slot holds a real address, or a fall-through
// read of the live filesystem's current home-address contents if the
// slot is still a hole (I2).
func readSnapshot(t *testing.T, h *fakehost.Host, snap *registry.Snapshot, lbn int64) []byte {
	t.Helper()
	ref, err := snap.Tree.GetBlock(context.Background(), lbn)
	if err != nil {
		t.Fatalf("GetBlock(%d): %v", lbn, err)
	}
	switch ref.Kind {
	case ufsgeom.RefReal:
		buf := make([]byte, h.Geometry().BlockSize())
		if err := h.ReadData(context.Background(), ref.Addr, buf); err != nil {
			t.Fatalf("ReadData(%d): %v", ref.Addr, err)
		}
		return buf
	case ufsgeom.RefHole:
		return readLive(t, h, lbn)
	default:
		t.Fatalf("readSnapshot(%d): unexpected ref kind %v", lbn, ref.Kind)
		return nil
	}
}

func pattern(b byte) []byte {
	buf := make([]byte, 2048) // BlockSize() for scenarioGeom below
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// scenarioGeom keeps NDADDR(12)-worth of direct pointers free of the
// blocks Create's preallocate phase claims (superblock at lbn 0,
// cylinder groups at lbn 1-2, the last block at lbn 255), so tests can
// target an ordinary, uncomplicated direct-mapped logical block.
func scenarioGeom() ufsgeom.Geometry {
	return ufsgeom.Geometry{FragSize: 512, FragsPerBlock: 4, FragsPerGroup: 64, NCG: 2, SizeFrags: 1024}
}

func newScenarioFixture(t *testing.T, maxSnapshots int) (*fakehost.Host, *registry.Registry, *cow.Hook, *blockio.Reader) {
	t.Helper()
	geom := scenarioGeom()
	h := fakehost.New(geom, maxSnapshots)
	reg := registry.New(ufsgeom.DeviceID("scenario0"))
	reader := &blockio.Reader{Device: h, Geom: geom}
	hook := &cow.Hook{Registry: reg, Reader: reader, Geom: geom, Alloc: h, Data: h, Sync: h}
	h.AttachCOW(hook.OnWrite)
	return h, reg, hook, reader
}

// TestScenarioSingleSnapshotSingleOverwrite is spec.md §8 S1: one
// snapshot, one overwrite, COW runs exactly once.
func TestScenarioSingleSnapshotSingleOverwrite(t *testing.T) {
	h, reg, _, reader := newScenarioFixture(t, 4)
	ctx := context.Background()
	const lbn = 5

	if err := h.WriteLive(ctx, lbn, pattern('A'), 0); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	t1, err := Create(ctx, h, reg, reader, "/snap1")
	if err != nil {
		t.Fatalf("Create T1: %v", err)
	}

	if err := h.WriteLive(ctx, lbn, pattern('B'), 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	if got := readSnapshot(t, h, t1.Snapshot, lbn); !bytes.Equal(got, pattern('A')) {
		t.Fatalf("T1[%d] = %q, want all 'A'", lbn, got[:1])
	}
	if got := readLive(t, h, lbn); !bytes.Equal(got, pattern('B')) {
		t.Fatalf("live[%d] = %q, want all 'B'", lbn, got[:1])
	}
	if t1.Snapshot.CopiedBlocks() != 1 {
		t.Fatalf("CopiedBlocks() = %d, want 1", t1.Snapshot.CopiedBlocks())
	}
}

// TestScenarioTwoSnapshotsOverlappingOverwrite is spec.md §8 S2: a
// second snapshot taken between two overwrites of the same logical
// block sees the intermediate value, not the original.
func TestScenarioTwoSnapshotsOverlappingOverwrite(t *testing.T) {
	h, reg, _, reader := newScenarioFixture(t, 4)
	ctx := context.Background()
	const lbn = 5

	if err := h.WriteLive(ctx, lbn, pattern('A'), 0); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	t1, err := Create(ctx, h, reg, reader, "/snap1")
	if err != nil {
		t.Fatalf("Create T1: %v", err)
	}
	if err := h.WriteLive(ctx, lbn, pattern('B'), 0); err != nil {
		t.Fatalf("first overwrite: %v", err)
	}

	t2, err := Create(ctx, h, reg, reader, "/snap2")
	if err != nil {
		t.Fatalf("Create T2: %v", err)
	}
	if err := h.WriteLive(ctx, lbn, pattern('C'), 0); err != nil {
		t.Fatalf("second overwrite: %v", err)
	}

	if got := readSnapshot(t, h, t1.Snapshot, lbn); !bytes.Equal(got, pattern('A')) {
		t.Fatalf("T1[%d] = %q, want all 'A'", lbn, got[:1])
	}
	if got := readSnapshot(t, h, t2.Snapshot, lbn); !bytes.Equal(got, pattern('B')) {
		t.Fatalf("T2[%d] = %q, want all 'B'", lbn, got[:1])
	}
	if got := readLive(t, h, lbn); !bytes.Equal(got, pattern('C')) {
		t.Fatalf("live[%d] = %q, want all 'C'", lbn, got[:1])
	}
}

// TestScenarioClaimOnFree is spec.md §8 S3: a block at its home address
// freed while a snapshot still has a hole there gets claimed outright,
// and the caller is told not to free it.
func TestScenarioClaimOnFree(t *testing.T) {
	h, reg, hook, reader := newScenarioFixture(t, 4)
	ctx := context.Background()
	const lbn = 6

	t1, err := Create(ctx, h, reg, reader, "/snap1")
	if err != nil {
		t.Fatalf("Create T1: %v", err)
	}

	geom := h.Geometry()
	home := ufsgeom.FragAddr(geom.BlocksToFrags(lbn))

	claimed, err := hook.OnFree(ctx, home, geom.BlockSize(), 42)
	if err != nil {
		t.Fatalf("OnFree: %v", err)
	}
	if !claimed {
		t.Fatal("expected T1 to claim the freed home-address block")
	}

	ref, err := t1.Snapshot.Tree.GetBlock(ctx, lbn)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if ref.Kind != ufsgeom.RefReal || ref.Addr != home {
		t.Fatalf("T1.block[%d] = %v, want real(%d)", lbn, ref, home)
	}
}

// TestScenarioRemoveOldestTransfersClaim is spec.md §8 S4: removing the
// oldest of two snapshots that claimed a home-address block transfers
// the claim to the next snapshot in creation order.
func TestScenarioRemoveOldestTransfersClaim(t *testing.T) {
	h, reg, hook, reader := newScenarioFixture(t, 4)
	ctx := context.Background()
	const lbn = 5

	t1, err := Create(ctx, h, reg, reader, "/snap1")
	if err != nil {
		t.Fatalf("Create T1: %v", err)
	}

	geom := h.Geometry()
	home := ufsgeom.FragAddr(geom.BlocksToFrags(lbn))
	if claimed, err := hook.OnFree(ctx, home, geom.BlockSize(), t1.Snapshot.Number()); err != nil || !claimed {
		t.Fatalf("seeding T1's claim: claimed=%v err=%v", claimed, err)
	}

	t2, err := Create(ctx, h, reg, reader, "/snap2")
	if err != nil {
		t.Fatalf("Create T2: %v", err)
	}

	if err := Remove(ctx, h, reg, hook, t1.Snapshot); err != nil {
		t.Fatalf("Remove T1: %v", err)
	}

	ref, err := t2.Snapshot.Tree.GetBlock(ctx, lbn)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if ref.Kind != ufsgeom.RefReal || ref.Addr != home {
		t.Fatalf("T2.block[%d] = %v, want real(%d) after T1's removal", lbn, ref, home)
	}
	if reg.IndexOf(t1.Snapshot) != -1 {
		t.Fatal("expected T1 detached from the registry")
	}
}

// TestScenarioMaxSnapshotsExhausted is spec.md §8 B3: creating the
// FSMAXSNAP+1st snapshot fails with NoSpace and leaves the existing
// snapshot untouched.
func TestScenarioMaxSnapshotsExhausted(t *testing.T) {
	h, reg, _, reader := newScenarioFixture(t, 1)
	ctx := context.Background()

	if _, err := Create(ctx, h, reg, reader, "/snap1"); err != nil {
		t.Fatalf("Create T1: %v", err)
	}

	_, err := Create(ctx, h, reg, reader, "/snap2")
	if err == nil {
		t.Fatal("expected the second Create to fail once snapshot slots are exhausted")
	}
	var uerr *ufsgeom.Error
	if !errors.As(err, &uerr) || uerr.Kind != ufsgeom.KindNoSpace {
		t.Fatalf("err = %v, want a KindNoSpace ufsgeom.Error", err)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected the registry to still hold exactly 1 snapshot, got %d", len(reg.List()))
	}
}
