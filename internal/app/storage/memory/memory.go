package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/domain/diagnostics"
	"github.com/tapsentry/fleetcore/internal/app/domain/ledger"
	"github.com/tapsentry/fleetcore/internal/app/domain/ota"
	"github.com/tapsentry/fleetcore/internal/app/domain/pour"
	"github.com/tapsentry/fleetcore/internal/app/domain/tamper"
	"github.com/tapsentry/fleetcore/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	devices      map[string]device.Identity
	authRecords  map[string]device.AuthRecord
	blocks       map[string][]ledger.Block
	otaJobs      map[string]ota.Job
	tamperEvents map[string][]tamper.Event
	pourEvents   map[string][]pour.Event
	diagReports  map[string][]diagnostics.Report
}

var _ storage.DeviceStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.OTAJobStore = (*Store)(nil)
var _ storage.TamperStore = (*Store)(nil)
var _ storage.PourStore = (*Store)(nil)
var _ storage.DiagnosticStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		devices:      make(map[string]device.Identity),
		authRecords:  make(map[string]device.AuthRecord),
		blocks:       make(map[string][]ledger.Block),
		otaJobs:      make(map[string]ota.Job),
		tamperEvents: make(map[string][]tamper.Event),
		pourEvents:   make(map[string][]pour.Event),
		diagReports:  make(map[string][]diagnostics.Report),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// DeviceStore implementation -------------------------------------------------

func (s *Store) CreateDevice(_ context.Context, dev device.Identity) (device.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev.UUID == "" {
		return device.Identity{}, fmt.Errorf("device uuid is required")
	}
	if _, exists := s.devices[dev.UUID]; exists {
		return device.Identity{}, fmt.Errorf("device %s already exists", dev.UUID)
	}

	now := time.Now().UTC()
	dev.CreatedAt = now
	dev.UpdatedAt = now
	dev.Capabilities = append([]device.Capability(nil), dev.Capabilities...)

	s.devices[dev.UUID] = dev
	return cloneDevice(dev), nil
}

func (s *Store) UpdateDevice(_ context.Context, dev device.Identity) (device.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.devices[dev.UUID]
	if !ok {
		return device.Identity{}, fmt.Errorf("device %s: %w", dev.UUID, storage.ErrNotFound)
	}

	// Identity fields are immutable after pairing.
	dev.OrganizationID = original.OrganizationID
	dev.CreatedAt = original.CreatedAt
	dev.UpdatedAt = time.Now().UTC()
	dev.Capabilities = append([]device.Capability(nil), dev.Capabilities...)

	s.devices[dev.UUID] = dev
	return cloneDevice(dev), nil
}

func (s *Store) GetDevice(_ context.Context, uuid string) (device.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[uuid]
	if !ok {
		return device.Identity{}, fmt.Errorf("device %s: %w", uuid, storage.ErrNotFound)
	}
	return cloneDevice(dev), nil
}

func (s *Store) ListDevices(_ context.Context, organizationID string) ([]device.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]device.Identity, 0)
	for _, dev := range s.devices {
		if organizationID == "" || dev.OrganizationID == organizationID {
			result = append(result, cloneDevice(dev))
		}
	}
	return result, nil
}

func (s *Store) CreateAuthRecord(_ context.Context, rec device.AuthRecord) (device.AuthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.DeviceUUID == "" {
		return device.AuthRecord{}, fmt.Errorf("device uuid is required")
	}
	if _, exists := s.authRecords[rec.DeviceUUID]; exists {
		return device.AuthRecord{}, fmt.Errorf("auth record for %s already exists", rec.DeviceUUID)
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.authRecords[rec.DeviceUUID] = rec
	return rec, nil
}

func (s *Store) UpdateAuthRecord(_ context.Context, rec device.AuthRecord) (device.AuthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.authRecords[rec.DeviceUUID]
	if !ok {
		return device.AuthRecord{}, fmt.Errorf("auth record for %s: %w", rec.DeviceUUID, storage.ErrNotFound)
	}

	rec.OrganizationID = original.OrganizationID
	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	s.authRecords[rec.DeviceUUID] = rec
	return rec, nil
}

func (s *Store) GetAuthRecord(_ context.Context, deviceUUID string) (device.AuthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.authRecords[deviceUUID]
	if !ok {
		return device.AuthRecord{}, fmt.Errorf("auth record for %s: %w", deviceUUID, storage.ErrNotFound)
	}
	return rec, nil
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) InsertBlock(_ context.Context, blk ledger.Block) (ledger.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.blocks[blk.OrganizationID]
	for _, existing := range chain {
		if existing.BlockNumber == blk.BlockNumber {
			return ledger.Block{}, fmt.Errorf("organization %s block %d: %w",
				blk.OrganizationID, blk.BlockNumber, storage.ErrBlockConflict)
		}
	}

	if blk.ID == "" {
		blk.ID = s.nextIDLocked()
	}
	blk.CreatedAt = time.Now().UTC()
	blk.EventData = cloneAnyMap(blk.EventData)

	s.blocks[blk.OrganizationID] = append(chain, blk)
	return cloneBlock(blk), nil
}

func (s *Store) LatestBlock(_ context.Context, organizationID string) (ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.blocks[organizationID]
	if len(chain) == 0 {
		return ledger.Block{}, fmt.Errorf("organization %s ledger empty: %w", organizationID, storage.ErrNotFound)
	}

	latest := chain[0]
	for _, blk := range chain[1:] {
		if blk.BlockNumber > latest.BlockNumber {
			latest = blk
		}
	}
	return cloneBlock(latest), nil
}

func (s *Store) ListBlocks(_ context.Context, organizationID string) ([]ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.blocks[organizationID]
	result := make([]ledger.Block, 0, len(chain))
	for _, blk := range chain {
		result = append(result, cloneBlock(blk))
	}
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j].BlockNumber < result[j-1].BlockNumber; j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}
	return result, nil
}

// OTAJobStore implementation -------------------------------------------------

func (s *Store) CreateOTAJob(_ context.Context, job ota.Job) (ota.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = s.nextIDLocked()
	} else if _, exists := s.otaJobs[job.ID]; exists {
		return ota.Job{}, fmt.Errorf("ota job %s already exists", job.ID)
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	s.otaJobs[job.ID] = job
	return job, nil
}

func (s *Store) UpdateOTAJob(_ context.Context, job ota.Job) (ota.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.otaJobs[job.ID]
	if !ok {
		return ota.Job{}, fmt.Errorf("ota job %s: %w", job.ID, storage.ErrNotFound)
	}

	job.DeviceUUID = original.DeviceUUID
	job.CreatedAt = original.CreatedAt
	job.UpdatedAt = time.Now().UTC()

	s.otaJobs[job.ID] = job
	return job, nil
}

func (s *Store) GetOTAJob(_ context.Context, id string) (ota.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.otaJobs[id]
	if !ok {
		return ota.Job{}, fmt.Errorf("ota job %s: %w", id, storage.ErrNotFound)
	}
	return job, nil
}

func (s *Store) ListOTAJobs(_ context.Context, deviceUUID string) ([]ota.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ota.Job, 0)
	for _, job := range s.otaJobs {
		if deviceUUID == "" || job.DeviceUUID == deviceUUID {
			result = append(result, job)
		}
	}
	return result, nil
}

// TamperStore implementation -------------------------------------------------

func (s *Store) CreateTamperEvent(_ context.Context, evt tamper.Event) (tamper.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.ID == "" {
		evt.ID = s.nextIDLocked()
	}
	evt.CreatedAt = time.Now().UTC()
	evt.Details = cloneAnyMap(evt.Details)

	s.tamperEvents[evt.OrganizationID] = append(s.tamperEvents[evt.OrganizationID], evt)
	return cloneTamperEvent(evt), nil
}

func (s *Store) ListTamperEvents(_ context.Context, organizationID string) ([]tamper.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.tamperEvents[organizationID]
	result := make([]tamper.Event, 0, len(events))
	for _, evt := range events {
		result = append(result, cloneTamperEvent(evt))
	}
	return result, nil
}

// PourStore implementation ---------------------------------------------------

func (s *Store) CreatePourEvent(_ context.Context, evt pour.Event) (pour.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.ID == "" {
		evt.ID = s.nextIDLocked()
	}
	evt.CreatedAt = time.Now().UTC()

	s.pourEvents[evt.DeviceUUID] = append(s.pourEvents[evt.DeviceUUID], evt)
	return evt, nil
}

func (s *Store) ListPourEvents(_ context.Context, deviceUUID string) ([]pour.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]pour.Event(nil), s.pourEvents[deviceUUID]...), nil
}

// DiagnosticStore implementation ---------------------------------------------

func (s *Store) CreateDiagnosticReport(_ context.Context, rep diagnostics.Report) (diagnostics.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rep.ID == "" {
		rep.ID = s.nextIDLocked()
	}
	rep.CreatedAt = time.Now().UTC()
	rep.Metrics = cloneFloatMap(rep.Metrics)
	rep.Recommendations = append([]string(nil), rep.Recommendations...)

	s.diagReports[rep.DeviceUUID] = append(s.diagReports[rep.DeviceUUID], rep)
	return cloneDiagnosticReport(rep), nil
}

func (s *Store) ListDiagnosticReports(_ context.Context, deviceUUID string) ([]diagnostics.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := s.diagReports[deviceUUID]
	result := make([]diagnostics.Report, 0, len(reports))
	for _, rep := range reports {
		result = append(result, cloneDiagnosticReport(rep))
	}
	return result, nil
}

// Helpers --------------------------------------------------------------------

func cloneAnyMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneFloatMap(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneDevice(dev device.Identity) device.Identity {
	dev.Capabilities = append([]device.Capability(nil), dev.Capabilities...)
	return dev
}

func cloneBlock(blk ledger.Block) ledger.Block {
	blk.EventData = cloneAnyMap(blk.EventData)
	return blk
}

func cloneTamperEvent(evt tamper.Event) tamper.Event {
	evt.Details = cloneAnyMap(evt.Details)
	return evt
}

func cloneDiagnosticReport(rep diagnostics.Report) diagnostics.Report {
	rep.Metrics = cloneFloatMap(rep.Metrics)
	rep.Recommendations = append([]string(nil), rep.Recommendations...)
	return rep
}
