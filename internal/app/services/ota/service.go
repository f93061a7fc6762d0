// Package ota drives firmware rollout jobs through a bounded state machine:
// pending, downloading, verifying, installing, then completed or failed, with
// rollback feeding an automatic retry while the retry budget lasts.
package ota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tapsentry/fleetcore/internal/app/domain/ota"
	"github.com/tapsentry/fleetcore/internal/app/metrics"
	ledgersvc "github.com/tapsentry/fleetcore/internal/app/services/ledger"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

var (
	// ErrJobNotFound is returned when the job id does not exist or does not
	// belong to the reporting device.
	ErrJobNotFound = errors.New("ota job not found for device")
	// ErrJobTerminal is returned when an update would regress a completed or
	// terminally failed job.
	ErrJobTerminal = errors.New("ota job already terminal")
	// ErrInvalidStatus is returned for an unknown reported status.
	ErrInvalidStatus = errors.New("invalid ota status")
	// ErrJobActive is returned when scheduling would give a device a second
	// outstanding job.
	ErrJobActive = errors.New("device already has an active ota job")
)

const defaultMaxRetries = 3

// Service owns all OTAJob mutations.
type Service struct {
	jobs    storage.OTAJobStore
	devices storage.DeviceStore
	ledger  *ledgersvc.Service
	log     *logger.Logger
}

// New constructs the rollout manager. The ledger is optional; when present,
// terminal outcomes are recorded on the organization's chain.
func New(jobs storage.OTAJobStore, devices storage.DeviceStore, ledger *ledgersvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ota")
	}
	return &Service{
		jobs:    jobs,
		devices: devices,
		ledger:  ledger,
		log:     log,
	}
}

// Schedule creates a pending rollout job for the device. A device carries at
// most one non-terminal job at a time.
func (s *Service) Schedule(ctx context.Context, deviceUUID, firmwareVersionID string, maxRetries int) (ota.Job, error) {
	deviceUUID = strings.TrimSpace(deviceUUID)
	firmwareVersionID = strings.TrimSpace(firmwareVersionID)
	if deviceUUID == "" || firmwareVersionID == "" {
		return ota.Job{}, fmt.Errorf("device_uuid and firmware_version_id are required")
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	if _, err := s.devices.GetDevice(ctx, deviceUUID); err != nil {
		return ota.Job{}, err
	}

	existing, err := s.jobs.ListOTAJobs(ctx, deviceUUID)
	if err != nil {
		return ota.Job{}, err
	}
	for _, job := range existing {
		if !job.Status.Terminal() {
			return ota.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrJobActive)
		}
	}

	job := ota.Job{
		DeviceUUID:        deviceUUID,
		FirmwareVersionID: firmwareVersionID,
		Status:            ota.StatusPending,
		MaxRetries:        maxRetries,
	}
	job, err = s.jobs.CreateOTAJob(ctx, job)
	if err != nil {
		return ota.Job{}, err
	}
	s.log.WithField("job_id", job.ID).
		WithField("device_uuid", deviceUUID).
		WithField("firmware_version_id", firmwareVersionID).
		Info("ota job scheduled")
	return job, nil
}

// UpdateStatus applies a status report from the device. Progress and error
// message are advisory metadata and never change the transition logic.
func (s *Service) UpdateStatus(ctx context.Context, jobID, deviceUUID string, status ota.Status, progress *int, errMsg string) (ota.Job, error) {
	job, err := s.jobs.GetOTAJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ota.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return ota.Job{}, err
	}
	if job.DeviceUUID != deviceUUID {
		return ota.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if !status.Valid() {
		return ota.Job{}, fmt.Errorf("status %q: %w", status, ErrInvalidStatus)
	}
	if job.Status.Terminal() {
		return ota.Job{}, fmt.Errorf("job %s in state %s: %w", jobID, job.Status, ErrJobTerminal)
	}

	now := time.Now().UTC()
	if job.StartedAt == nil && status != ota.StatusPending {
		job.StartedAt = &now
	}

	switch status {
	case ota.StatusCompleted:
		job.Status = ota.StatusCompleted
		job.ProgressPercent = 100
		job.CompletedAt = &now
		if err := s.commitFirmware(ctx, job); err != nil {
			return ota.Job{}, err
		}

	case ota.StatusFailed:
		job.Status = ota.StatusFailed
		job.CompletedAt = &now
		if errMsg != "" {
			job.ErrorMessage = errMsg
		}

	case ota.StatusRollback:
		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = ota.StatusPending
			job.ProgressPercent = 0
			job.StartedAt = nil
			job.ErrorMessage = errMsg
			s.log.WithField("job_id", job.ID).
				WithField("retry_count", job.RetryCount).
				Warn("ota rollback, retrying")
		} else {
			job.Status = ota.StatusFailed
			job.CompletedAt = &now
			job.ErrorMessage = fmt.Sprintf("rollback with retries exhausted: %s", errMsg)
			s.log.WithField("job_id", job.ID).Warn("ota rollback with no retries left")
		}

	default:
		job.Status = status
	}

	if progress != nil && job.Status != ota.StatusCompleted {
		p := *progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		job.ProgressPercent = p
	}
	if errMsg != "" && job.ErrorMessage == "" {
		job.ErrorMessage = errMsg
	}

	job, err = s.jobs.UpdateOTAJob(ctx, job)
	if err != nil {
		return ota.Job{}, err
	}
	metrics.RecordOTATransition(string(job.Status))

	if job.Status.Terminal() {
		s.recordOutcome(ctx, job)
	}
	return job, nil
}

// GetJob retrieves a job owned by the device.
func (s *Service) GetJob(ctx context.Context, jobID, deviceUUID string) (ota.Job, error) {
	job, err := s.jobs.GetOTAJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ota.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return ota.Job{}, err
	}
	if job.DeviceUUID != deviceUUID {
		return ota.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	return job, nil
}

// ListJobs returns all jobs for a device.
func (s *Service) ListJobs(ctx context.Context, deviceUUID string) ([]ota.Job, error) {
	return s.jobs.ListOTAJobs(ctx, deviceUUID)
}

// commitFirmware writes the job's target version onto the device record.
func (s *Service) commitFirmware(ctx context.Context, job ota.Job) error {
	dev, err := s.devices.GetDevice(ctx, job.DeviceUUID)
	if err != nil {
		return err
	}
	dev.FirmwareVersion = job.FirmwareVersionID
	if _, err := s.devices.UpdateDevice(ctx, dev); err != nil {
		return err
	}
	s.log.WithField("device_uuid", job.DeviceUUID).
		WithField("firmware_version_id", job.FirmwareVersionID).
		Info("firmware version committed")
	return nil
}

// recordOutcome appends the terminal result to the audit chain. Best effort:
// the job update has already landed and is not rolled back on ledger failure.
func (s *Service) recordOutcome(ctx context.Context, job ota.Job) {
	if s.ledger == nil {
		return
	}
	dev, err := s.devices.GetDevice(ctx, job.DeviceUUID)
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Warn("skip ledger entry for ota outcome")
		return
	}

	eventType := ledgersvc.EventOTACompleted
	if job.Status == ota.StatusFailed {
		eventType = ledgersvc.EventOTAFailed
	}
	_, err = s.ledger.Append(ctx, dev.OrganizationID, eventType, map[string]any{
		"job_id":              job.ID,
		"device_uuid":         job.DeviceUUID,
		"firmware_version_id": job.FirmwareVersionID,
		"status":              string(job.Status),
		"retry_count":         job.RetryCount,
		"error_message":       job.ErrorMessage,
	})
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Warn("ledger entry for ota outcome failed")
	}
}
