package ota

import "time"

// Status is the rollout state of a firmware job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusInstalling  Status = "installing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRollback    Status = "rollback"
)

// Valid reports whether s is a known rollout status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusVerifying, StatusInstalling,
		StatusCompleted, StatusFailed, StatusRollback:
		return true
	}
	return false
}

// Terminal reports whether a job in this state accepts no further updates.
// Rollback is not terminal; it either retries or settles as failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job tracks one firmware rollout attempt for a single device. A device has
// at most one non-terminal job at a time.
type Job struct {
	ID                string
	DeviceUUID        string
	FirmwareVersionID string
	Status            Status
	ProgressPercent   int
	RetryCount        int
	MaxRetries        int
	ErrorMessage      string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
