package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/domain/diagnostics"
	"github.com/tapsentry/fleetcore/internal/app/domain/ota"
	"github.com/tapsentry/fleetcore/internal/app/domain/pour"
	"github.com/tapsentry/fleetcore/internal/app/domain/tamper"
	"github.com/tapsentry/fleetcore/internal/app/services/authgate"
	diagsvc "github.com/tapsentry/fleetcore/internal/app/services/diagnostics"
	otasvc "github.com/tapsentry/fleetcore/internal/app/services/ota"
	tampersvc "github.com/tapsentry/fleetcore/internal/app/services/tamper"
	"github.com/tapsentry/fleetcore/internal/app/storage"
)

// pourHandler persists pour events from pour-capable devices.
type pourHandler struct {
	pours storage.PourStore
}

func (h *pourHandler) Handle(ctx context.Context, sess authgate.Session, payload json.RawMessage) (Response, error) {
	var req struct {
		VolumeML         float64 `json:"volume_ml"`
		FlowRate         float64 `json:"flow_rate"`
		DurationSeconds  float64 `json:"duration_seconds"`
		ProductName      string  `json:"product_name"`
		AuthorizedMethod string  `json:"authorized_method"`
		UserID           string  `json:"user_id"`
		Timestamp        string  `json:"timestamp"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return Response{}, err
	}

	if !sess.Device.HasCapability(device.CapabilityPour) {
		return Response{}, fmt.Errorf("model %s: %w", sess.Device.Model, ErrUnsupportedDevice)
	}
	if req.VolumeML <= 0 {
		return Response{}, fmt.Errorf("%w: volume_ml must be positive", ErrValidation)
	}

	pouredAt := time.Now().UTC()
	if strings.TrimSpace(req.Timestamp) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Timestamp))
		if err != nil {
			return Response{}, fmt.Errorf("%w: timestamp must be RFC3339", ErrValidation)
		}
		pouredAt = parsed.UTC()
	}
	method := strings.TrimSpace(req.AuthorizedMethod)
	if method == "" {
		method = "manual"
	}

	evt := pour.Event{
		DeviceUUID:       sess.Device.UUID,
		OrganizationID:   sess.Device.OrganizationID,
		VolumeML:         req.VolumeML,
		FlowRate:         req.FlowRate,
		DurationSeconds:  req.DurationSeconds,
		ProductName:      req.ProductName,
		AuthorizedMethod: method,
		UserID:           req.UserID,
		PouredAt:         pouredAt,
	}
	evt, err := h.pours.CreatePourEvent(ctx, evt)
	if err != nil {
		return Response{}, err
	}
	return Response{RecordID: evt.ID}, nil
}

// diagnosticsHandler evaluates and persists diagnostics submissions.
type diagnosticsHandler struct {
	diag *diagsvc.Service
}

func (h *diagnosticsHandler) Handle(ctx context.Context, sess authgate.Session, payload json.RawMessage) (Response, error) {
	var req struct {
		DiagnosticType string             `json:"diagnostic_type"`
		Metrics        map[string]float64 `json:"metrics"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return Response{}, err
	}

	diagType := diagnostics.Type(strings.TrimSpace(req.DiagnosticType))
	if !diagType.Valid() {
		return Response{}, fmt.Errorf("%w: unknown diagnostic_type %q", ErrValidation, req.DiagnosticType)
	}
	if len(req.Metrics) == 0 {
		return Response{}, fmt.Errorf("%w: metrics are required", ErrValidation)
	}

	rep, err := h.diag.Record(ctx, sess.Device, diagType, req.Metrics)
	if err != nil {
		return Response{}, err
	}
	return Response{
		RecordID:        rep.ID,
		Status:          string(rep.DerivedStatus),
		Recommendations: rep.Recommendations,
	}, nil
}

// tamperHandler relays tamper reports to the monitor and surfaces the lock
// directive for critical severity.
type tamperHandler struct {
	monitor *tampersvc.Service
}

func (h *tamperHandler) Handle(ctx context.Context, sess authgate.Session, payload json.RawMessage) (Response, error) {
	var req struct {
		EventType string         `json:"event_type"`
		Severity  string         `json:"severity"`
		Details   map[string]any `json:"details"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return Response{}, err
	}

	severity := tamper.Severity(strings.TrimSpace(req.Severity))
	if !severity.Valid() {
		return Response{}, fmt.Errorf("%w: unknown severity %q", ErrValidation, req.Severity)
	}
	if strings.TrimSpace(req.EventType) == "" {
		return Response{}, fmt.Errorf("%w: event_type is required", ErrValidation)
	}

	outcome, err := h.monitor.Report(ctx, sess.Auth, req.EventType, severity, req.Details)
	if err != nil {
		return Response{}, err
	}

	resp := Response{RecordID: outcome.Event.ID}
	if outcome.LockDevice {
		resp.Action = "lock_device"
	}
	return resp, nil
}

// otaStatusHandler applies device-reported rollout progress.
type otaStatusHandler struct {
	rollout *otasvc.Service
}

func (h *otaStatusHandler) Handle(ctx context.Context, sess authgate.Session, payload json.RawMessage) (Response, error) {
	var req struct {
		OTAJobID        string `json:"ota_job_id"`
		Status          string `json:"status"`
		ProgressPercent *int   `json:"progress_percent"`
		ErrorMessage    string `json:"error_message"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return Response{}, err
	}

	if strings.TrimSpace(req.OTAJobID) == "" {
		return Response{}, fmt.Errorf("%w: ota_job_id is required", ErrValidation)
	}
	status := ota.Status(strings.TrimSpace(req.Status))
	if !status.Valid() {
		return Response{}, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
	}

	job, err := h.rollout.UpdateStatus(ctx, req.OTAJobID, sess.Device.UUID, status, req.ProgressPercent, req.ErrorMessage)
	if err != nil {
		return Response{}, err
	}
	return Response{RecordID: job.ID, Status: string(job.Status)}, nil
}
