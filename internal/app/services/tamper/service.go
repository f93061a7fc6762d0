// Package tamper triages physical-tamper reports: it records the event,
// flips the device into a tampered state, writes the audit chain, and for
// critical severity locks the device credential and tells the caller to relay
// a lock command.
package tamper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/domain/tamper"
	"github.com/tapsentry/fleetcore/internal/app/metrics"
	ledgersvc "github.com/tapsentry/fleetcore/internal/app/services/ledger"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

// Service classifies tamper reports and applies their consequences.
type Service struct {
	events  storage.TamperStore
	devices storage.DeviceStore
	ledger  *ledgersvc.Service
	log     *logger.Logger
}

// New constructs the tamper monitor.
func New(events storage.TamperStore, devices storage.DeviceStore, ledger *ledgersvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tamper")
	}
	return &Service{
		events:  events,
		devices: devices,
		ledger:  ledger,
		log:     log,
	}
}

// Report processes one tamper report from an authenticated device. Every
// report persists a TamperEvent, marks the device tampered, and appends a
// device_tamper block to the organization's chain. Critical severity also
// locks the device credential, so subsequent reports are rejected at the
// gate, and sets the LockDevice directive the caller must relay.
func (s *Service) Report(ctx context.Context, rec device.AuthRecord, eventType string, severity tamper.Severity, details map[string]any) (tamper.Outcome, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return tamper.Outcome{}, fmt.Errorf("event_type is required")
	}
	if !severity.Valid() {
		return tamper.Outcome{}, fmt.Errorf("unknown severity %q", severity)
	}

	evt := tamper.Event{
		DeviceUUID:     rec.DeviceUUID,
		OrganizationID: rec.OrganizationID,
		EventType:      eventType,
		Severity:       severity,
		Details:        details,
		Resolved:       false,
	}
	evt, err := s.events.CreateTamperEvent(ctx, evt)
	if err != nil {
		return tamper.Outcome{}, err
	}
	metrics.RecordTamperEvent(string(severity))

	dev, err := s.devices.GetDevice(ctx, rec.DeviceUUID)
	if err != nil {
		return tamper.Outcome{}, err
	}
	dev.Status = device.StatusTampered
	dev.LastSeenAt = time.Now().UTC()
	if _, err := s.devices.UpdateDevice(ctx, dev); err != nil {
		return tamper.Outcome{}, err
	}

	if _, err := s.ledger.Append(ctx, rec.OrganizationID, ledgersvc.EventDeviceTamper, map[string]any{
		"tamper_event_id": evt.ID,
		"device_uuid":     rec.DeviceUUID,
		"event_type":      eventType,
		"severity":        string(severity),
		"details":         details,
	}); err != nil {
		return tamper.Outcome{}, err
	}

	outcome := tamper.Outcome{Event: evt}
	if severity == tamper.SeverityCritical {
		outcome.LockDevice = true
		rec.Locked = true
		if _, err := s.devices.UpdateAuthRecord(ctx, rec); err != nil {
			return tamper.Outcome{}, err
		}
		s.log.WithField("device_uuid", rec.DeviceUUID).
			WithField("event_type", eventType).
			Warn("critical tamper, device locked")
	} else {
		s.log.WithField("device_uuid", rec.DeviceUUID).
			WithField("event_type", eventType).
			WithField("severity", severity).
			Info("tamper event recorded")
	}

	return outcome, nil
}

// ListEvents returns tamper events for an organization.
func (s *Service) ListEvents(ctx context.Context, organizationID string) ([]tamper.Event, error) {
	return s.events.ListTamperEvents(ctx, organizationID)
}
