package tamper

import (
	"context"
	"testing"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	domain "github.com/tapsentry/fleetcore/internal/app/domain/tamper"
	ledgersvc "github.com/tapsentry/fleetcore/internal/app/services/ledger"
	"github.com/tapsentry/fleetcore/internal/app/storage/memory"
)

func newTestMonitor(t *testing.T) (*Service, *ledgersvc.Service, device.AuthRecord) {
	t.Helper()
	mem := memory.New()
	ledgerService := ledgersvc.New(mem, nil)
	svc := New(mem, mem, ledgerService, nil)
	ctx := context.Background()

	if _, err := mem.CreateDevice(ctx, device.Identity{
		UUID:           "dev-1",
		OrganizationID: "org-1",
		Model:          "SmartTap Pro",
		Status:         device.StatusActive,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}
	rec, err := mem.CreateAuthRecord(ctx, device.AuthRecord{
		DeviceUUID:     "dev-1",
		OrganizationID: "org-1",
		Secret:         "secret",
	})
	if err != nil {
		t.Fatalf("create auth record: %v", err)
	}
	return svc, ledgerService, rec
}

func TestReportMarksDeviceTampered(t *testing.T) {
	svc, ledgerService, rec := newTestMonitor(t)
	ctx := context.Background()

	outcome, err := svc.Report(ctx, rec, "case_opened", domain.SeverityMedium, map[string]any{"sensor": "lid"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if outcome.LockDevice {
		t.Fatal("medium severity must not lock the device")
	}
	if outcome.Event.ID == "" {
		t.Fatal("expected persisted event id")
	}

	dev, err := svc.devices.GetDevice(ctx, rec.DeviceUUID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if dev.Status != device.StatusTampered {
		t.Fatalf("expected tampered status, got %s", dev.Status)
	}

	auth, err := svc.devices.GetAuthRecord(ctx, rec.DeviceUUID)
	if err != nil {
		t.Fatalf("get auth record: %v", err)
	}
	if auth.Locked {
		t.Fatal("medium severity must not lock the credential")
	}

	blocks, err := ledgerService.ListBlocks(ctx, rec.OrganizationID)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].EventType != ledgersvc.EventDeviceTamper {
		t.Fatalf("expected one device_tamper block, got %+v", blocks)
	}
}

func TestCriticalReportLocksCredential(t *testing.T) {
	svc, _, rec := newTestMonitor(t)
	ctx := context.Background()

	outcome, err := svc.Report(ctx, rec, "enclosure_breach", domain.SeverityCritical, nil)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !outcome.LockDevice {
		t.Fatal("critical severity must set the lock directive")
	}

	auth, err := svc.devices.GetAuthRecord(ctx, rec.DeviceUUID)
	if err != nil {
		t.Fatalf("get auth record: %v", err)
	}
	if !auth.Locked {
		t.Fatal("critical severity must lock the credential")
	}
}

func TestReportValidation(t *testing.T) {
	svc, _, rec := newTestMonitor(t)
	ctx := context.Background()

	if _, err := svc.Report(ctx, rec, "", domain.SeverityLow, nil); err == nil {
		t.Fatal("expected error for empty event type")
	}
	if _, err := svc.Report(ctx, rec, "case_opened", domain.Severity("catastrophic"), nil); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestListEventsScopedToOrganization(t *testing.T) {
	svc, _, rec := newTestMonitor(t)
	ctx := context.Background()

	if _, err := svc.Report(ctx, rec, "case_opened", domain.SeverityLow, nil); err != nil {
		t.Fatalf("report: %v", err)
	}

	events, err := svc.ListEvents(ctx, rec.OrganizationID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	other, err := svc.ListEvents(ctx, "org-other")
	if err != nil {
		t.Fatalf("list other org: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no events for other org, got %d", len(other))
	}
}
