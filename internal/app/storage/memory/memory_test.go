package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/domain/ledger"
	"github.com/tapsentry/fleetcore/internal/app/storage"
)

func TestInsertBlockConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	blk := ledger.Block{OrganizationID: "org-1", BlockNumber: 1, EventType: "device_tamper", DataHash: "aa"}
	if _, err := s.InsertBlock(ctx, blk); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertBlock(ctx, blk); !errors.Is(err, storage.ErrBlockConflict) {
		t.Fatalf("expected ErrBlockConflict, got %v", err)
	}

	// Same number in a different organization is fine.
	blk.OrganizationID = "org-2"
	if _, err := s.InsertBlock(ctx, blk); err != nil {
		t.Fatalf("insert other org: %v", err)
	}
}

func TestLatestBlock(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.LatestBlock(ctx, "org-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty chain, got %v", err)
	}

	for _, n := range []int64{1, 3, 2} {
		if _, err := s.InsertBlock(ctx, ledger.Block{OrganizationID: "org-1", BlockNumber: n, DataHash: "h"}); err != nil {
			t.Fatalf("insert %d: %v", n, err)
		}
	}
	latest, err := s.LatestBlock(ctx, "org-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.BlockNumber != 3 {
		t.Fatalf("expected latest block 3, got %d", latest.BlockNumber)
	}
}

func TestListBlocksOrdered(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, n := range []int64{2, 1, 3} {
		if _, err := s.InsertBlock(ctx, ledger.Block{OrganizationID: "org-1", BlockNumber: n, DataHash: "h"}); err != nil {
			t.Fatalf("insert %d: %v", n, err)
		}
	}
	blocks, err := s.ListBlocks(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, blk := range blocks {
		if blk.BlockNumber != int64(i+1) {
			t.Fatalf("expected ordered blocks, got %+v", blocks)
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := New()

	if _, err := s.GetDevice(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	dev, err := s.CreateDevice(ctx, device.Identity{
		UUID:           "dev-1",
		OrganizationID: "org-1",
		Capabilities:   []device.Capability{device.CapabilityPour},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dev.Capabilities[0] = device.Capability("mutated")
	stored, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Capabilities[0] != device.CapabilityPour {
		t.Fatal("store must not share capability slices with callers")
	}
}
