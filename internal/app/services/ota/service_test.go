package ota

import (
	"context"
	"errors"
	"testing"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	domain "github.com/tapsentry/fleetcore/internal/app/domain/ota"
	ledgersvc "github.com/tapsentry/fleetcore/internal/app/services/ledger"
	"github.com/tapsentry/fleetcore/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *ledgersvc.Service, device.Identity) {
	t.Helper()
	mem := memory.New()
	ledgerService := ledgersvc.New(mem, nil)
	svc := New(mem, mem, ledgerService, nil)

	dev, err := mem.CreateDevice(context.Background(), device.Identity{
		UUID:            "dev-1",
		OrganizationID:  "org-1",
		Model:           "SmartTap Pro",
		Status:          device.StatusActive,
		FirmwareVersion: "2.2.0",
	})
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	return svc, ledgerService, dev
}

func TestScheduleRejectsSecondActiveJob(t *testing.T) {
	svc, _, dev := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Schedule(ctx, dev.UUID, "fw-230", 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := svc.Schedule(ctx, dev.UUID, "fw-231", 0); !errors.Is(err, ErrJobActive) {
		t.Fatalf("expected ErrJobActive, got %v", err)
	}
}

func TestScheduleUnknownDevice(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Schedule(context.Background(), "dev-ghost", "fw-230", 0); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestLifecycleToCompleted(t *testing.T) {
	svc, _, dev := newTestService(t)
	ctx := context.Background()

	job, err := svc.Schedule(ctx, dev.UUID, "2.3.0", 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if job.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}

	progress := 40
	job, err = svc.UpdateStatus(ctx, job.ID, dev.UUID, domain.StatusDownloading, &progress, "")
	if err != nil {
		t.Fatalf("downloading: %v", err)
	}
	if job.ProgressPercent != 40 || job.StartedAt == nil {
		t.Fatalf("expected progress 40 and started_at set, got %+v", job)
	}

	for _, status := range []domain.Status{domain.StatusVerifying, domain.StatusInstalling, domain.StatusCompleted} {
		job, err = svc.UpdateStatus(ctx, job.ID, dev.UUID, status, nil, "")
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if job.Status != domain.StatusCompleted || job.ProgressPercent != 100 || job.CompletedAt == nil {
		t.Fatalf("unexpected terminal job: %+v", job)
	}

	updated, err := svc.devices.GetDevice(ctx, dev.UUID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if updated.FirmwareVersion != "2.3.0" {
		t.Fatalf("expected firmware 2.3.0 committed, got %s", updated.FirmwareVersion)
	}
}

func TestTerminalJobRejectsUpdates(t *testing.T) {
	svc, _, dev := newTestService(t)
	ctx := context.Background()

	job, err := svc.Schedule(ctx, dev.UUID, "2.3.0", 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, job.ID, dev.UUID, domain.StatusFailed, nil, "flash error"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, job.ID, dev.UUID, domain.StatusDownloading, nil, ""); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
}

func TestRollbackRetriesUntilBudgetExhausted(t *testing.T) {
	svc, _, dev := newTestService(t)
	ctx := context.Background()

	job, err := svc.Schedule(ctx, dev.UUID, "2.3.0", 2)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		job, err = svc.UpdateStatus(ctx, job.ID, dev.UUID, domain.StatusInstalling, nil, "")
		if err != nil {
			t.Fatalf("installing attempt %d: %v", attempt, err)
		}
		job, err = svc.UpdateStatus(ctx, job.ID, dev.UUID, domain.StatusRollback, nil, "checksum mismatch")
		if err != nil {
			t.Fatalf("rollback attempt %d: %v", attempt, err)
		}
		if job.Status != domain.StatusPending {
			t.Fatalf("attempt %d: expected retry back to pending, got %s", attempt, job.Status)
		}
		if job.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retry count %d, got %d", attempt, attempt, job.RetryCount)
		}
		if job.StartedAt != nil || job.ProgressPercent != 0 {
			t.Fatalf("attempt %d: retry should reset progress, got %+v", attempt, job)
		}
	}

	job, err = svc.UpdateStatus(ctx, job.ID, dev.UUID, domain.StatusRollback, nil, "checksum mismatch")
	if err != nil {
		t.Fatalf("final rollback: %v", err)
	}
	if job.Status != domain.StatusFailed {
		t.Fatalf("expected failed after budget exhausted, got %s", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("terminal failure should set completed_at")
	}

	dev2, err := svc.devices.GetDevice(ctx, dev.UUID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if dev2.FirmwareVersion != "2.2.0" {
		t.Fatalf("failed rollout must not commit firmware, got %s", dev2.FirmwareVersion)
	}
}

func TestTerminalOutcomeRecordedOnLedger(t *testing.T) {
	svc, ledgerService, dev := newTestService(t)
	ctx := context.Background()

	job, err := svc.Schedule(ctx, dev.UUID, "2.3.0", 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, job.ID, dev.UUID, domain.StatusCompleted, nil, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	blocks, err := ledgerService.ListBlocks(ctx, dev.OrganizationID)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 ledger block, got %d", len(blocks))
	}
	if blocks[0].EventType != ledgersvc.EventOTACompleted {
		t.Fatalf("expected %s event, got %s", ledgersvc.EventOTACompleted, blocks[0].EventType)
	}
}

func TestUpdateStatusWrongDevice(t *testing.T) {
	svc, _, dev := newTestService(t)
	ctx := context.Background()

	job, err := svc.Schedule(ctx, dev.UUID, "2.3.0", 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, job.ID, "dev-other", domain.StatusDownloading, nil, ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for foreign device, got %v", err)
	}
}
