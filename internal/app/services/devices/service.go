// Package devices manages the fleet registry: pairing, lookups, and the
// last-seen heartbeat.
package devices

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	ledgersvc "github.com/tapsentry/fleetcore/internal/app/services/ledger"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

// Service owns device identities and their credentials.
type Service struct {
	store  storage.DeviceStore
	ledger *ledgersvc.Service
	log    *logger.Logger
}

// New constructs the registry service. The ledger is optional; when present,
// pairings are recorded on the organization's chain.
func New(store storage.DeviceStore, ledger *ledgersvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("devices")
	}
	return &Service{store: store, ledger: ledger, log: log}
}

// Pair registers a new device and issues its credential. The identity's UUID
// and organization are immutable afterwards; re-pairing means a new identity.
func (s *Service) Pair(ctx context.Context, organizationID, model string, capabilities []device.Capability) (device.Identity, device.AuthRecord, error) {
	organizationID = strings.TrimSpace(organizationID)
	model = strings.TrimSpace(model)
	if organizationID == "" {
		return device.Identity{}, device.AuthRecord{}, fmt.Errorf("organization_id is required")
	}
	if model == "" {
		return device.Identity{}, device.AuthRecord{}, fmt.Errorf("model is required")
	}

	dev := device.Identity{
		UUID:           uuid.NewString(),
		OrganizationID: organizationID,
		Model:          model,
		Capabilities:   capabilities,
		Status:         device.StatusActive,
	}
	dev, err := s.store.CreateDevice(ctx, dev)
	if err != nil {
		return device.Identity{}, device.AuthRecord{}, err
	}

	rec := device.AuthRecord{
		DeviceUUID:     dev.UUID,
		OrganizationID: organizationID,
		Secret:         uuid.NewString() + uuid.NewString(),
	}
	rec, err = s.store.CreateAuthRecord(ctx, rec)
	if err != nil {
		return device.Identity{}, device.AuthRecord{}, err
	}

	if s.ledger != nil {
		if _, err := s.ledger.Append(ctx, organizationID, ledgersvc.EventDevicePaired, map[string]any{
			"device_uuid": dev.UUID,
			"model":       model,
		}); err != nil {
			s.log.WithError(err).WithField("device_uuid", dev.UUID).Warn("ledger entry for pairing failed")
		}
	}

	s.log.WithField("device_uuid", dev.UUID).
		WithField("organization_id", organizationID).
		WithField("model", model).
		Info("device paired")
	return dev, rec, nil
}

// Get returns a device identity.
func (s *Service) Get(ctx context.Context, deviceUUID string) (device.Identity, error) {
	return s.store.GetDevice(ctx, deviceUUID)
}

// List returns all devices for an organization.
func (s *Service) List(ctx context.Context, organizationID string) ([]device.Identity, error) {
	return s.store.ListDevices(ctx, organizationID)
}

// TouchLastSeen refreshes the device's last-seen timestamp.
func (s *Service) TouchLastSeen(ctx context.Context, deviceUUID string) error {
	dev, err := s.store.GetDevice(ctx, deviceUUID)
	if err != nil {
		return err
	}
	dev.LastSeenAt = time.Now().UTC()
	_, err = s.store.UpdateDevice(ctx, dev)
	return err
}
