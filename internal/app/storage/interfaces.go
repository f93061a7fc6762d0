package storage

import (
	"context"
	"errors"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/domain/diagnostics"
	"github.com/tapsentry/fleetcore/internal/app/domain/ledger"
	"github.com/tapsentry/fleetcore/internal/app/domain/ota"
	"github.com/tapsentry/fleetcore/internal/app/domain/pour"
	"github.com/tapsentry/fleetcore/internal/app/domain/tamper"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrBlockConflict is returned when a ledger insert loses the race for a
// block number. Callers must re-read the latest block and retry.
var ErrBlockConflict = errors.New("ledger block number conflict")

// DeviceStore persists device identities and their auth records.
type DeviceStore interface {
	CreateDevice(ctx context.Context, dev device.Identity) (device.Identity, error)
	UpdateDevice(ctx context.Context, dev device.Identity) (device.Identity, error)
	GetDevice(ctx context.Context, uuid string) (device.Identity, error)
	ListDevices(ctx context.Context, organizationID string) ([]device.Identity, error)

	CreateAuthRecord(ctx context.Context, rec device.AuthRecord) (device.AuthRecord, error)
	UpdateAuthRecord(ctx context.Context, rec device.AuthRecord) (device.AuthRecord, error)
	GetAuthRecord(ctx context.Context, deviceUUID string) (device.AuthRecord, error)
}

// LedgerStore persists hash-chained audit blocks. InsertBlock must enforce
// uniqueness of (organization, block number) and surface ErrBlockConflict on
// a duplicate so the caller can retry the append cycle.
type LedgerStore interface {
	InsertBlock(ctx context.Context, blk ledger.Block) (ledger.Block, error)
	LatestBlock(ctx context.Context, organizationID string) (ledger.Block, error)
	ListBlocks(ctx context.Context, organizationID string) ([]ledger.Block, error)
}

// OTAJobStore persists firmware rollout jobs.
type OTAJobStore interface {
	CreateOTAJob(ctx context.Context, job ota.Job) (ota.Job, error)
	UpdateOTAJob(ctx context.Context, job ota.Job) (ota.Job, error)
	GetOTAJob(ctx context.Context, id string) (ota.Job, error)
	ListOTAJobs(ctx context.Context, deviceUUID string) ([]ota.Job, error)
}

// TamperStore persists tamper events.
type TamperStore interface {
	CreateTamperEvent(ctx context.Context, evt tamper.Event) (tamper.Event, error)
	ListTamperEvents(ctx context.Context, organizationID string) ([]tamper.Event, error)
}

// PourStore persists pour events.
type PourStore interface {
	CreatePourEvent(ctx context.Context, evt pour.Event) (pour.Event, error)
	ListPourEvents(ctx context.Context, deviceUUID string) ([]pour.Event, error)
}

// DiagnosticStore persists diagnostics reports.
type DiagnosticStore interface {
	CreateDiagnosticReport(ctx context.Context, rep diagnostics.Report) (diagnostics.Report, error)
	ListDiagnosticReports(ctx context.Context, deviceUUID string) ([]diagnostics.Report, error)
}
