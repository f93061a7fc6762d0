// Package authgate verifies that an inbound request genuinely originates
// from a registered, unlocked device. Every device-originated report must
// pass through this gate before any handler runs.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

// Authentication failure taxonomy. All of these terminate the request with
// no side effects.
var (
	ErrMissingSignature = errors.New("missing device signature")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrDeviceLocked     = errors.New("device is locked")
	ErrBadSignature     = errors.New("invalid device signature")
)

// IsAuthFailure reports whether err belongs to the authentication failure
// taxonomy, as opposed to an infrastructure error.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrDeviceLocked) ||
		errors.Is(err, ErrBadSignature)
}

// Verifier checks a signature header against a device's stored credential
// material. The concrete scheme is pluggable; the gate's failure taxonomy
// does not depend on it.
type Verifier interface {
	Verify(signatureHeader string, rec device.AuthRecord) error
}

// Session is the result of a successful authentication: the resolved device
// identity and its organization scope, used by all downstream handlers.
type Session struct {
	Device device.Identity
	Auth   device.AuthRecord
}

// Service implements the device authentication gate.
type Service struct {
	devices  storage.DeviceStore
	verifier Verifier
	log      *logger.Logger
}

// New constructs the gate. A nil verifier defaults to the HS256 token
// verifier.
func New(devices storage.DeviceStore, verifier Verifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("authgate")
	}
	if verifier == nil {
		verifier = NewTokenVerifier()
	}
	return &Service{
		devices:  devices,
		verifier: verifier,
		log:      log,
	}
}

// Authenticate resolves and verifies the reporting device. Locked devices
// are rejected before signature verification so a stolen-but-valid credential
// never reaches a handler.
func (s *Service) Authenticate(ctx context.Context, deviceUUID, signatureHeader string) (Session, error) {
	deviceUUID = strings.TrimSpace(deviceUUID)
	if strings.TrimSpace(signatureHeader) == "" {
		return Session{}, ErrMissingSignature
	}
	if deviceUUID == "" {
		return Session{}, ErrUnknownDevice
	}

	rec, err := s.devices.GetAuthRecord(ctx, deviceUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, fmt.Errorf("device %s: %w", deviceUUID, ErrUnknownDevice)
		}
		return Session{}, err
	}

	if rec.Locked {
		s.log.WithField("device_uuid", deviceUUID).Warn("report from locked device rejected")
		return Session{}, fmt.Errorf("device %s: %w", deviceUUID, ErrDeviceLocked)
	}

	if err := s.verifier.Verify(signatureHeader, rec); err != nil {
		s.log.WithField("device_uuid", deviceUUID).WithError(err).Warn("signature verification failed")
		return Session{}, fmt.Errorf("device %s: %w", deviceUUID, ErrBadSignature)
	}

	dev, err := s.devices.GetDevice(ctx, deviceUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, fmt.Errorf("device %s: %w", deviceUUID, ErrUnknownDevice)
		}
		return Session{}, err
	}

	return Session{Device: dev, Auth: rec}, nil
}
