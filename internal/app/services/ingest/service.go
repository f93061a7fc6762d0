// Package ingest is the entry point for device reports. Every envelope is
// authenticated by the device auth gate before it reaches a handler, and a
// successful handler run refreshes the device's last-seen timestamp.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tapsentry/fleetcore/internal/app/metrics"
	"github.com/tapsentry/fleetcore/internal/app/services/authgate"
	"github.com/tapsentry/fleetcore/internal/app/services/devices"
	diagsvc "github.com/tapsentry/fleetcore/internal/app/services/diagnostics"
	otasvc "github.com/tapsentry/fleetcore/internal/app/services/ota"
	tampersvc "github.com/tapsentry/fleetcore/internal/app/services/tamper"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

// ReportKind tags the type of an inbound device report.
type ReportKind string

const (
	KindPour        ReportKind = "pour"
	KindDiagnostics ReportKind = "diagnostics"
	KindTamper      ReportKind = "tamper"
	KindOTAStatus   ReportKind = "ota_status"
)

var (
	// ErrUnsupportedReport is returned for an unknown report kind.
	ErrUnsupportedReport = errors.New("unsupported report type")
	// ErrUnsupportedDevice is returned when the resolved device lacks the
	// capability the report requires.
	ErrUnsupportedDevice = errors.New("device does not support this report type")
	// ErrValidation wraps malformed or incomplete report payloads.
	ErrValidation = errors.New("invalid report payload")
)

// Envelope is one raw device report plus its authentication material.
type Envelope struct {
	DeviceUUID string
	Signature  string
	Kind       ReportKind
	Payload    json.RawMessage
}

// Response is returned to the reporting device.
type Response struct {
	Success         bool     `json:"success"`
	RecordID        string   `json:"record_id,omitempty"`
	Status          string   `json:"status,omitempty"`
	Action          string   `json:"action,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// reportHandler is the uniform contract each report kind implements.
type reportHandler interface {
	Handle(ctx context.Context, sess authgate.Session, payload json.RawMessage) (Response, error)
}

// Service routes authenticated reports to their handlers.
type Service struct {
	gate     *authgate.Service
	registry *devices.Service
	handlers map[ReportKind]reportHandler
	log      *logger.Logger
}

// New constructs the router with one handler per supported report kind.
func New(gate *authgate.Service, registry *devices.Service, pours storage.PourStore, diag *diagsvc.Service, tamperMon *tampersvc.Service, rollout *otasvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ingest")
	}
	s := &Service{
		gate:     gate,
		registry: registry,
		log:      log,
	}
	s.handlers = map[ReportKind]reportHandler{
		KindPour:        &pourHandler{pours: pours},
		KindDiagnostics: &diagnosticsHandler{diag: diag},
		KindTamper:      &tamperHandler{monitor: tamperMon},
		KindOTAStatus:   &otaStatusHandler{rollout: rollout},
	}
	return s
}

// Handle authenticates and dispatches one report. Authentication failures
// short-circuit with no side effects. On handler success the device's
// last-seen timestamp is refreshed.
func (s *Service) Handle(ctx context.Context, env Envelope) (Response, error) {
	sess, err := s.gate.Authenticate(ctx, env.DeviceUUID, env.Signature)
	if err != nil {
		metrics.RecordReport(string(env.Kind), "auth_failure")
		return Response{}, err
	}

	handler, ok := s.handlers[env.Kind]
	if !ok {
		metrics.RecordReport(string(env.Kind), "unsupported")
		return Response{}, fmt.Errorf("kind %q: %w", env.Kind, ErrUnsupportedReport)
	}

	resp, err := handler.Handle(ctx, sess, env.Payload)
	if err != nil {
		metrics.RecordReport(string(env.Kind), "error")
		return Response{}, err
	}

	if err := s.registry.TouchLastSeen(ctx, sess.Device.UUID); err != nil {
		// The report itself already landed; a stale heartbeat is not worth
		// failing the request over.
		s.log.WithError(err).WithField("device_uuid", sess.Device.UUID).Warn("last-seen refresh failed")
	}

	metrics.RecordReport(string(env.Kind), "ok")
	resp.Success = true
	return resp, nil
}

func decodePayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
