package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/domain/diagnostics"
	"github.com/tapsentry/fleetcore/internal/app/domain/ledger"
	"github.com/tapsentry/fleetcore/internal/app/domain/ota"
	"github.com/tapsentry/fleetcore/internal/app/domain/pour"
	"github.com/tapsentry/fleetcore/internal/app/domain/tamper"
	"github.com/tapsentry/fleetcore/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. The schema is
// in schema.sql; fleet_ledger_blocks carries a unique (organization_id,
// block_number) index that backs the append conflict detection.
type Store struct {
	db *sql.DB
}

var _ storage.DeviceStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.OTAJobStore = (*Store)(nil)
var _ storage.TamperStore = (*Store)(nil)
var _ storage.PourStore = (*Store)(nil)
var _ storage.DiagnosticStore = (*Store)(nil)

const pqUniqueViolation = "23505"

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func translateNotFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, storage.ErrNotFound)
	}
	return err
}

// --- DeviceStore ------------------------------------------------------------

func (s *Store) CreateDevice(ctx context.Context, dev device.Identity) (device.Identity, error) {
	if dev.UUID == "" {
		dev.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	dev.CreatedAt = now
	dev.UpdatedAt = now
	if dev.Status == "" {
		dev.Status = device.StatusActive
	}

	caps := make([]string, 0, len(dev.Capabilities))
	for _, c := range dev.Capabilities {
		caps = append(caps, string(c))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_devices (uuid, organization_id, model, capabilities, status, firmware_version, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, dev.UUID, dev.OrganizationID, dev.Model, pq.Array(caps), string(dev.Status), dev.FirmwareVersion, dev.LastSeenAt, dev.CreatedAt, dev.UpdatedAt)
	if err != nil {
		return device.Identity{}, err
	}
	return dev, nil
}

func (s *Store) UpdateDevice(ctx context.Context, dev device.Identity) (device.Identity, error) {
	existing, err := s.GetDevice(ctx, dev.UUID)
	if err != nil {
		return device.Identity{}, err
	}

	dev.OrganizationID = existing.OrganizationID
	dev.CreatedAt = existing.CreatedAt
	dev.UpdatedAt = time.Now().UTC()

	caps := make([]string, 0, len(dev.Capabilities))
	for _, c := range dev.Capabilities {
		caps = append(caps, string(c))
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE fleet_devices
		SET model = $2, capabilities = $3, status = $4, firmware_version = $5, last_seen_at = $6, updated_at = $7
		WHERE uuid = $1
	`, dev.UUID, dev.Model, pq.Array(caps), string(dev.Status), dev.FirmwareVersion, dev.LastSeenAt, dev.UpdatedAt)
	if err != nil {
		return device.Identity{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return device.Identity{}, fmt.Errorf("device %s: %w", dev.UUID, storage.ErrNotFound)
	}
	return dev, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (device.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, organization_id, model, capabilities, status, firmware_version, last_seen_at, created_at, updated_at
		FROM fleet_devices
		WHERE uuid = $1
	`, id)

	dev, err := scanDevice(row)
	if err != nil {
		return device.Identity{}, translateNotFound(err, "device", id)
	}
	return dev, nil
}

func (s *Store) ListDevices(ctx context.Context, organizationID string) ([]device.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, organization_id, model, capabilities, status, firmware_version, last_seen_at, created_at, updated_at
		FROM fleet_devices
		WHERE organization_id = $1
		ORDER BY created_at
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []device.Identity
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, dev)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (device.Identity, error) {
	var (
		dev      device.Identity
		caps     pq.StringArray
		status   string
		lastSeen sql.NullTime
	)
	if err := row.Scan(&dev.UUID, &dev.OrganizationID, &dev.Model, &caps, &status, &dev.FirmwareVersion, &lastSeen, &dev.CreatedAt, &dev.UpdatedAt); err != nil {
		return device.Identity{}, err
	}
	dev.Status = device.Status(status)
	for _, c := range caps {
		dev.Capabilities = append(dev.Capabilities, device.Capability(c))
	}
	if lastSeen.Valid {
		dev.LastSeenAt = lastSeen.Time
	}
	return dev, nil
}

func (s *Store) CreateAuthRecord(ctx context.Context, rec device.AuthRecord) (device.AuthRecord, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_device_auth (device_uuid, organization_id, secret, locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.DeviceUUID, rec.OrganizationID, rec.Secret, rec.Locked, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return device.AuthRecord{}, err
	}
	return rec, nil
}

func (s *Store) UpdateAuthRecord(ctx context.Context, rec device.AuthRecord) (device.AuthRecord, error) {
	existing, err := s.GetAuthRecord(ctx, rec.DeviceUUID)
	if err != nil {
		return device.AuthRecord{}, err
	}

	rec.OrganizationID = existing.OrganizationID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE fleet_device_auth
		SET secret = $2, locked = $3, updated_at = $4
		WHERE device_uuid = $1
	`, rec.DeviceUUID, rec.Secret, rec.Locked, rec.UpdatedAt)
	if err != nil {
		return device.AuthRecord{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return device.AuthRecord{}, fmt.Errorf("auth record for %s: %w", rec.DeviceUUID, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) GetAuthRecord(ctx context.Context, deviceUUID string) (device.AuthRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_uuid, organization_id, secret, locked, created_at, updated_at
		FROM fleet_device_auth
		WHERE device_uuid = $1
	`, deviceUUID)

	var rec device.AuthRecord
	if err := row.Scan(&rec.DeviceUUID, &rec.OrganizationID, &rec.Secret, &rec.Locked, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return device.AuthRecord{}, translateNotFound(err, "auth record for", deviceUUID)
	}
	return rec, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) InsertBlock(ctx context.Context, blk ledger.Block) (ledger.Block, error) {
	if blk.ID == "" {
		blk.ID = uuid.NewString()
	}
	blk.CreatedAt = time.Now().UTC()

	dataJSON, err := json.Marshal(blk.EventData)
	if err != nil {
		return ledger.Block{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fleet_ledger_blocks (id, organization_id, block_number, event_type, event_data, data_hash, previous_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, blk.ID, blk.OrganizationID, blk.BlockNumber, blk.EventType, dataJSON, blk.DataHash, blk.PreviousHash, blk.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ledger.Block{}, fmt.Errorf("organization %s block %d: %w",
				blk.OrganizationID, blk.BlockNumber, storage.ErrBlockConflict)
		}
		return ledger.Block{}, err
	}
	return blk, nil
}

func (s *Store) LatestBlock(ctx context.Context, organizationID string) (ledger.Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, block_number, event_type, event_data, data_hash, COALESCE(previous_hash, ''), created_at
		FROM fleet_ledger_blocks
		WHERE organization_id = $1
		ORDER BY block_number DESC
		LIMIT 1
	`, organizationID)

	blk, err := scanBlock(row)
	if err != nil {
		return ledger.Block{}, translateNotFound(err, "ledger for organization", organizationID)
	}
	return blk, nil
}

func (s *Store) ListBlocks(ctx context.Context, organizationID string) ([]ledger.Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, block_number, event_type, event_data, data_hash, COALESCE(previous_hash, ''), created_at
		FROM fleet_ledger_blocks
		WHERE organization_id = $1
		ORDER BY block_number ASC
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]ledger.Block, 0)
	for rows.Next() {
		blk, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, blk)
	}
	return result, rows.Err()
}

func scanBlock(row rowScanner) (ledger.Block, error) {
	var (
		blk     ledger.Block
		dataRaw []byte
	)
	if err := row.Scan(&blk.ID, &blk.OrganizationID, &blk.BlockNumber, &blk.EventType, &dataRaw, &blk.DataHash, &blk.PreviousHash, &blk.CreatedAt); err != nil {
		return ledger.Block{}, err
	}
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &blk.EventData); err != nil {
			return ledger.Block{}, err
		}
	}
	return blk, nil
}

// --- OTAJobStore ------------------------------------------------------------

func (s *Store) CreateOTAJob(ctx context.Context, job ota.Job) (ota.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_ota_jobs (id, device_uuid, firmware_version_id, status, progress_percent, retry_count, max_retries, error_message, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.DeviceUUID, job.FirmwareVersionID, string(job.Status), job.ProgressPercent, job.RetryCount, job.MaxRetries, job.ErrorMessage, job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return ota.Job{}, err
	}
	return job, nil
}

func (s *Store) UpdateOTAJob(ctx context.Context, job ota.Job) (ota.Job, error) {
	existing, err := s.GetOTAJob(ctx, job.ID)
	if err != nil {
		return ota.Job{}, err
	}

	job.DeviceUUID = existing.DeviceUUID
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE fleet_ota_jobs
		SET status = $2, progress_percent = $3, retry_count = $4, error_message = $5, started_at = $6, completed_at = $7, updated_at = $8
		WHERE id = $1
	`, job.ID, string(job.Status), job.ProgressPercent, job.RetryCount, job.ErrorMessage, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return ota.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ota.Job{}, fmt.Errorf("ota job %s: %w", job.ID, storage.ErrNotFound)
	}
	return job, nil
}

func (s *Store) GetOTAJob(ctx context.Context, id string) (ota.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_uuid, firmware_version_id, status, progress_percent, retry_count, max_retries, error_message, started_at, completed_at, created_at, updated_at
		FROM fleet_ota_jobs
		WHERE id = $1
	`, id)

	job, err := scanOTAJob(row)
	if err != nil {
		return ota.Job{}, translateNotFound(err, "ota job", id)
	}
	return job, nil
}

func (s *Store) ListOTAJobs(ctx context.Context, deviceUUID string) ([]ota.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_uuid, firmware_version_id, status, progress_percent, retry_count, max_retries, error_message, started_at, completed_at, created_at, updated_at
		FROM fleet_ota_jobs
		WHERE device_uuid = $1
		ORDER BY created_at
	`, deviceUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]ota.Job, 0)
	for rows.Next() {
		job, err := scanOTAJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func scanOTAJob(row rowScanner) (ota.Job, error) {
	var (
		job       ota.Job
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.DeviceUUID, &job.FirmwareVersionID, &status, &job.ProgressPercent, &job.RetryCount, &job.MaxRetries, &job.ErrorMessage, &started, &completed, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return ota.Job{}, err
	}
	job.Status = ota.Status(status)
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// --- TamperStore ------------------------------------------------------------

func (s *Store) CreateTamperEvent(ctx context.Context, evt tamper.Event) (tamper.Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.CreatedAt = time.Now().UTC()

	detailsJSON, err := json.Marshal(evt.Details)
	if err != nil {
		return tamper.Event{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fleet_tamper_events (id, device_uuid, organization_id, event_type, severity, details, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, evt.ID, evt.DeviceUUID, evt.OrganizationID, evt.EventType, string(evt.Severity), detailsJSON, evt.Resolved, evt.CreatedAt)
	if err != nil {
		return tamper.Event{}, err
	}
	return evt, nil
}

func (s *Store) ListTamperEvents(ctx context.Context, organizationID string) ([]tamper.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_uuid, organization_id, event_type, severity, details, resolved, created_at
		FROM fleet_tamper_events
		WHERE organization_id = $1
		ORDER BY created_at
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]tamper.Event, 0)
	for rows.Next() {
		var (
			evt        tamper.Event
			severity   string
			detailsRaw []byte
		)
		if err := rows.Scan(&evt.ID, &evt.DeviceUUID, &evt.OrganizationID, &evt.EventType, &severity, &detailsRaw, &evt.Resolved, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Severity = tamper.Severity(severity)
		if len(detailsRaw) > 0 {
			_ = json.Unmarshal(detailsRaw, &evt.Details)
		}
		result = append(result, evt)
	}
	return result, rows.Err()
}

// --- PourStore --------------------------------------------------------------

func (s *Store) CreatePourEvent(ctx context.Context, evt pour.Event) (pour.Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_pour_events (id, device_uuid, organization_id, volume_ml, flow_rate, duration_seconds, product_name, authorized_method, user_id, poured_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, evt.ID, evt.DeviceUUID, evt.OrganizationID, evt.VolumeML, evt.FlowRate, evt.DurationSeconds, evt.ProductName, evt.AuthorizedMethod, evt.UserID, evt.PouredAt, evt.CreatedAt)
	if err != nil {
		return pour.Event{}, err
	}
	return evt, nil
}

func (s *Store) ListPourEvents(ctx context.Context, deviceUUID string) ([]pour.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_uuid, organization_id, volume_ml, flow_rate, duration_seconds, product_name, authorized_method, user_id, poured_at, created_at
		FROM fleet_pour_events
		WHERE device_uuid = $1
		ORDER BY poured_at
	`, deviceUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]pour.Event, 0)
	for rows.Next() {
		var evt pour.Event
		if err := rows.Scan(&evt.ID, &evt.DeviceUUID, &evt.OrganizationID, &evt.VolumeML, &evt.FlowRate, &evt.DurationSeconds, &evt.ProductName, &evt.AuthorizedMethod, &evt.UserID, &evt.PouredAt, &evt.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, evt)
	}
	return result, rows.Err()
}

// --- DiagnosticStore --------------------------------------------------------

func (s *Store) CreateDiagnosticReport(ctx context.Context, rep diagnostics.Report) (diagnostics.Report, error) {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	rep.CreatedAt = time.Now().UTC()

	metricsJSON, err := json.Marshal(rep.Metrics)
	if err != nil {
		return diagnostics.Report{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fleet_diagnostic_reports (id, device_uuid, organization_id, diagnostic_type, metrics, derived_status, recommendations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rep.ID, rep.DeviceUUID, rep.OrganizationID, string(rep.Type), metricsJSON, string(rep.DerivedStatus), pq.Array(rep.Recommendations), rep.CreatedAt)
	if err != nil {
		return diagnostics.Report{}, err
	}
	return rep, nil
}

func (s *Store) ListDiagnosticReports(ctx context.Context, deviceUUID string) ([]diagnostics.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_uuid, organization_id, diagnostic_type, metrics, derived_status, recommendations, created_at
		FROM fleet_diagnostic_reports
		WHERE device_uuid = $1
		ORDER BY created_at
	`, deviceUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]diagnostics.Report, 0)
	for rows.Next() {
		var (
			rep        diagnostics.Report
			diagType   string
			status     string
			metricsRaw []byte
			recs       pq.StringArray
		)
		if err := rows.Scan(&rep.ID, &rep.DeviceUUID, &rep.OrganizationID, &diagType, &metricsRaw, &status, &recs, &rep.CreatedAt); err != nil {
			return nil, err
		}
		rep.Type = diagnostics.Type(diagType)
		rep.DerivedStatus = diagnostics.DerivedStatus(status)
		rep.Recommendations = recs
		if len(metricsRaw) > 0 {
			_ = json.Unmarshal(metricsRaw, &rep.Metrics)
		}
		result = append(result, rep)
	}
	return result, rows.Err()
}
