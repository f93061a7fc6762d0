package devices

import (
	"context"
	"testing"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	ledgersvc "github.com/tapsentry/fleetcore/internal/app/services/ledger"
	"github.com/tapsentry/fleetcore/internal/app/storage/memory"
)

func TestPairIssuesIdentityAndCredential(t *testing.T) {
	mem := memory.New()
	ledgerService := ledgersvc.New(mem, nil)
	svc := New(mem, ledgerService, nil)
	ctx := context.Background()

	dev, rec, err := svc.Pair(ctx, "org-1", "SmartTap Pro", []device.Capability{device.CapabilityPour})
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if dev.UUID == "" || rec.Secret == "" {
		t.Fatalf("expected uuid and secret, got %+v / %+v", dev, rec)
	}
	if dev.Status != device.StatusActive {
		t.Fatalf("expected active status, got %s", dev.Status)
	}
	if rec.DeviceUUID != dev.UUID || rec.Locked {
		t.Fatalf("unexpected auth record: %+v", rec)
	}

	blocks, err := ledgerService.ListBlocks(ctx, "org-1")
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].EventType != ledgersvc.EventDevicePaired {
		t.Fatalf("expected one pairing block, got %+v", blocks)
	}
}

func TestPairValidation(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	if _, _, err := svc.Pair(ctx, "", "SmartTap Pro", nil); err == nil {
		t.Fatal("expected error for missing organization")
	}
	if _, _, err := svc.Pair(ctx, "org-1", "  ", nil); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestTouchLastSeen(t *testing.T) {
	mem := memory.New()
	svc := New(mem, nil, nil)
	ctx := context.Background()

	dev, _, err := svc.Pair(ctx, "org-1", "SmartTap Pro", nil)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := svc.TouchLastSeen(ctx, dev.UUID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	refreshed, err := svc.Get(ctx, dev.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if refreshed.LastSeenAt.IsZero() {
		t.Fatal("expected last-seen timestamp set")
	}
}

func TestListScopedToOrganization(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	if _, _, err := svc.Pair(ctx, "org-1", "SmartTap Pro", nil); err != nil {
		t.Fatalf("pair org-1: %v", err)
	}
	if _, _, err := svc.Pair(ctx, "org-2", "TapHub Gateway", nil); err != nil {
		t.Fatalf("pair org-2: %v", err)
	}

	devs, err := svc.List(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("expected 1 device for org-1, got %d", len(devs))
	}
}
