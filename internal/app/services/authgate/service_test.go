package authgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/storage/memory"
)

func newTestGate(t *testing.T) (*Service, device.AuthRecord) {
	t.Helper()
	mem := memory.New()
	svc := New(mem, nil, nil)
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
		Secret:         "a-long-shared-device-secret",
	})
	if err != nil {
		t.Fatalf("create auth record: %v", err)
	}
	return svc, rec
}

func TestAuthenticateSuccess(t *testing.T) {
	svc, rec := newTestGate(t)

	token, err := SignFor(rec, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sess, err := svc.Authenticate(context.Background(), rec.DeviceUUID, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sess.Device.UUID != rec.DeviceUUID || sess.Auth.OrganizationID != "org-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestAuthenticateMissingSignature(t *testing.T) {
	svc, rec := newTestGate(t)

	_, err := svc.Authenticate(context.Background(), rec.DeviceUUID, "")
	if !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestAuthenticateUnknownDevice(t *testing.T) {
	svc, rec := newTestGate(t)

	token, err := SignFor(rec, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = svc.Authenticate(context.Background(), "dev-ghost", token)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestAuthenticateLockedDeviceRejectedBeforeVerification(t *testing.T) {
	mem := memory.New()
	svc := New(mem, nil, nil)
	ctx := context.Background()

	if _, err := mem.CreateDevice(ctx, device.Identity{
		UUID:           "dev-1",
		OrganizationID: "org-1",
		Status:         device.StatusTampered,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}
	rec, err := mem.CreateAuthRecord(ctx, device.AuthRecord{
		DeviceUUID:     "dev-1",
		OrganizationID: "org-1",
		Secret:         "a-long-shared-device-secret",
		Locked:         true,
	})
	if err != nil {
		t.Fatalf("create auth record: %v", err)
	}

	// A perfectly valid token must still be rejected for a locked device.
	token, err := SignFor(rec, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = svc.Authenticate(ctx, rec.DeviceUUID, token)
	if !errors.Is(err, ErrDeviceLocked) {
		t.Fatalf("expected ErrDeviceLocked, got %v", err)
	}
}

func TestAuthenticateBadSignature(t *testing.T) {
	svc, rec := newTestGate(t)

	forged := device.AuthRecord{DeviceUUID: rec.DeviceUUID, Secret: "wrong-secret"}
	token, err := SignFor(forged, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = svc.Authenticate(context.Background(), rec.DeviceUUID, token)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAuthenticateTokenForOtherDevice(t *testing.T) {
	svc, rec := newTestGate(t)

	// Token signed with the right secret but claiming another subject.
	other := rec
	other.DeviceUUID = "dev-2"
	token, err := SignFor(other, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = svc.Authenticate(context.Background(), rec.DeviceUUID, token)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for subject mismatch, got %v", err)
	}
}

func TestIsAuthFailure(t *testing.T) {
	for _, err := range []error{ErrMissingSignature, ErrUnknownDevice, ErrDeviceLocked, ErrBadSignature} {
		if !IsAuthFailure(err) {
			t.Fatalf("expected %v to classify as auth failure", err)
		}
	}
	if IsAuthFailure(errors.New("disk on fire")) {
		t.Fatal("infrastructure errors must not classify as auth failures")
	}
}
