package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	app "github.com/tapsentry/fleetcore/internal/app"
	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/services/authgate"
	"github.com/tapsentry/fleetcore/internal/app/services/ingest"
)

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	return application
}

func pairDevice(t *testing.T, application *app.Application, caps ...device.Capability) (device.Identity, string) {
	t.Helper()
	dev, rec, err := application.Devices.Pair(context.Background(), "org-1", "SmartTap Pro", caps)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	token, err := authgate.SignFor(rec, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return dev, token
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandlePourReport(t *testing.T) {
	application := newTestApp(t)
	dev, token := pairDevice(t, application, device.CapabilityPour)
	ctx := context.Background()

	resp, err := application.Ingest.Handle(ctx, ingest.Envelope{
		DeviceUUID: dev.UUID,
		Signature:  token,
		Kind:       ingest.KindPour,
		Payload:    marshal(t, map[string]any{"volume_ml": 330.0, "product_name": "IPA"}),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !resp.Success || resp.RecordID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	events, err := application.Pours.ListPourEvents(ctx, dev.UUID)
	if err != nil {
		t.Fatalf("list pours: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 pour event, got %d", len(events))
	}
	if events[0].AuthorizedMethod != "manual" {
		t.Fatalf("expected manual default, got %q", events[0].AuthorizedMethod)
	}

	refreshed, err := application.Devices.Get(ctx, dev.UUID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if refreshed.LastSeenAt.IsZero() {
		t.Fatal("expected last-seen refresh after report")
	}
}

func TestHandleRejectsPourWithoutCapability(t *testing.T) {
	application := newTestApp(t)
	dev, token := pairDevice(t, application, device.CapabilityTagRead)

	_, err := application.Ingest.Handle(context.Background(), ingest.Envelope{
		DeviceUUID: dev.UUID,
		Signature:  token,
		Kind:       ingest.KindPour,
		Payload:    marshal(t, map[string]any{"volume_ml": 330.0}),
	})
	if !errors.Is(err, ingest.ErrUnsupportedDevice) {
		t.Fatalf("expected ErrUnsupportedDevice, got %v", err)
	}
}

func TestHandleRejectsUnsignedReport(t *testing.T) {
	application := newTestApp(t)
	dev, _ := pairDevice(t, application, device.CapabilityPour)

	_, err := application.Ingest.Handle(context.Background(), ingest.Envelope{
		DeviceUUID: dev.UUID,
		Kind:       ingest.KindPour,
		Payload:    marshal(t, map[string]any{"volume_ml": 330.0}),
	})
	if !errors.Is(err, authgate.ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	// Auth failure must leave no trace.
	events, listErr := application.Pours.ListPourEvents(context.Background(), dev.UUID)
	if listErr != nil {
		t.Fatalf("list pours: %v", listErr)
	}
	if len(events) != 0 {
		t.Fatalf("expected no pour events after auth failure, got %d", len(events))
	}
}

func TestHandleUnknownKind(t *testing.T) {
	application := newTestApp(t)
	dev, token := pairDevice(t, application, device.CapabilityPour)

	_, err := application.Ingest.Handle(context.Background(), ingest.Envelope{
		DeviceUUID: dev.UUID,
		Signature:  token,
		Kind:       ingest.ReportKind("horoscope"),
		Payload:    marshal(t, map[string]any{}),
	})
	if !errors.Is(err, ingest.ErrUnsupportedReport) {
		t.Fatalf("expected ErrUnsupportedReport, got %v", err)
	}
}

func TestHandleValidatesPourPayload(t *testing.T) {
	application := newTestApp(t)
	dev, token := pairDevice(t, application, device.CapabilityPour)

	cases := []map[string]any{
		{"volume_ml": 0.0},
		{"volume_ml": -10.0},
		{"volume_ml": 330.0, "timestamp": "yesterday"},
	}
	for i, payload := range cases {
		_, err := application.Ingest.Handle(context.Background(), ingest.Envelope{
			DeviceUUID: dev.UUID,
			Signature:  token,
			Kind:       ingest.KindPour,
			Payload:    marshal(t, payload),
		})
		if !errors.Is(err, ingest.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestCriticalTamperLocksOutSubsequentReports(t *testing.T) {
	application := newTestApp(t)
	dev, token := pairDevice(t, application, device.CapabilityPour)
	ctx := context.Background()

	resp, err := application.Ingest.Handle(ctx, ingest.Envelope{
		DeviceUUID: dev.UUID,
		Signature:  token,
		Kind:       ingest.KindTamper,
		Payload:    marshal(t, map[string]any{"event_type": "enclosure_breach", "severity": "critical"}),
	})
	if err != nil {
		t.Fatalf("tamper report: %v", err)
	}
	if resp.Action != "lock_device" {
		t.Fatalf("expected lock_device action, got %q", resp.Action)
	}

	_, err = application.Ingest.Handle(ctx, ingest.Envelope{
		DeviceUUID: dev.UUID,
		Signature:  token,
		Kind:       ingest.KindPour,
		Payload:    marshal(t, map[string]any{"volume_ml": 330.0}),
	})
	if !errors.Is(err, authgate.ErrDeviceLocked) {
		t.Fatalf("expected ErrDeviceLocked after critical tamper, got %v", err)
	}
}

func TestHandleOTAStatusReport(t *testing.T) {
	application := newTestApp(t)
	dev, token := pairDevice(t, application, device.CapabilityPour)
	ctx := context.Background()

	job, err := application.OTA.Schedule(ctx, dev.UUID, "2.3.0", 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	resp, err := application.Ingest.Handle(ctx, ingest.Envelope{
		DeviceUUID: dev.UUID,
		Signature:  token,
		Kind:       ingest.KindOTAStatus,
		Payload: marshal(t, map[string]any{
			"ota_job_id":       job.ID,
			"status":           "downloading",
			"progress_percent": 25,
		}),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Status != "downloading" {
		t.Fatalf("expected downloading, got %q", resp.Status)
	}
}
