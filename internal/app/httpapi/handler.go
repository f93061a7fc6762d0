// Package httpapi exposes the fleet trust services over REST: report
// ingestion endpoints for devices and management endpoints for operators.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/tapsentry/fleetcore/internal/app"
	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/metrics"
	"github.com/tapsentry/fleetcore/internal/app/services/authgate"
	"github.com/tapsentry/fleetcore/internal/app/services/ingest"
	otasvc "github.com/tapsentry/fleetcore/internal/app/services/ota"
	"github.com/tapsentry/fleetcore/internal/app/storage"
)

// Options tunes the HTTP surface.
type Options struct {
	// APIKeys authorize operator endpoints. Device report endpoints are
	// authenticated per-device and ignore this list.
	APIKeys []string
	// AuditLogPath, when set, appends operator audit entries as JSONL.
	AuditLogPath string
	// AuditMax bounds the in-memory audit ring. Zero means the default.
	AuditMax int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns the router exposing the REST API.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	sink, err := newFileAuditSink(opts.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	h := &handler{
		app:   application,
		audit: newAuditLog(opts.AuditMax, sink),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	reports := r.PathPrefix("/reports").Subrouter()
	reports.HandleFunc("/pour", h.report(ingest.KindPour)).Methods(http.MethodPost)
	reports.HandleFunc("/diagnostics", h.report(ingest.KindDiagnostics)).Methods(http.MethodPost)
	reports.HandleFunc("/tamper", h.report(ingest.KindTamper)).Methods(http.MethodPost)
	reports.HandleFunc("/ota-status", h.report(ingest.KindOTAStatus)).Methods(http.MethodPost)

	ops := r.PathPrefix("/").Subrouter()
	ops.Use(h.requireAPIKey(opts.APIKeys), h.withAudit)
	ops.HandleFunc("/devices", h.pairDevice).Methods(http.MethodPost)
	ops.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	ops.HandleFunc("/devices/{uuid}", h.getDevice).Methods(http.MethodGet)
	ops.HandleFunc("/devices/{uuid}/ota-jobs", h.scheduleOTAJob).Methods(http.MethodPost)
	ops.HandleFunc("/devices/{uuid}/ota-jobs", h.listOTAJobs).Methods(http.MethodGet)
	ops.HandleFunc("/organizations/{id}/ledger", h.listLedger).Methods(http.MethodGet)
	ops.HandleFunc("/organizations/{id}/ledger/verify", h.verifyLedger).Methods(http.MethodGet)
	ops.HandleFunc("/organizations/{id}/tamper-events", h.listTamperEvents).Methods(http.MethodGet)
	ops.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)

	return r, nil
}

// withAudit records operator requests after API-key auth has resolved the actor.
func (h *handler) withAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aw := &auditWriter{ResponseWriter: w}
		next.ServeHTTP(aw, r)
		h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Actor:      actorFrom(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     aw.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// report adapts one device report endpoint onto the ingestion router. The
// device identifies itself in the body and proves it via the signature header.
func (h *handler) report(kind ingest.ReportKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}

		var ident struct {
			DeviceUUID string `json:"device_uuid"`
		}
		if err := json.Unmarshal(body, &ident); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body"))
			return
		}

		resp, err := h.app.Ingest.Handle(r.Context(), ingest.Envelope{
			DeviceUUID: strings.TrimSpace(ident.DeviceUUID),
			Signature:  r.Header.Get("X-Device-Signature"),
			Kind:       kind,
			Payload:    body,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *handler) pairDevice(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OrganizationID string   `json:"organization_id"`
		Model          string   `json:"model"`
		Capabilities   []string `json:"capabilities"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	caps := make([]device.Capability, 0, len(payload.Capabilities))
	for _, raw := range payload.Capabilities {
		capability := device.Capability(strings.TrimSpace(raw))
		if !capability.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown capability %q", raw))
			return
		}
		caps = append(caps, capability)
	}

	dev, rec, err := h.app.Devices.Pair(r.Context(), payload.OrganizationID, payload.Model, caps)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Device device.Identity `json:"device"`
		Secret string          `json:"secret"`
	}{
		Device: dev,
		Secret: rec.Secret,
	})
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	organizationID := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if organizationID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("organization_id is required"))
		return
	}
	devs, err := h.app.Devices.List(r.Context(), organizationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := h.app.Devices.Get(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (h *handler) scheduleOTAJob(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FirmwareVersionID string `json:"firmware_version_id"`
		MaxRetries        int    `json:"max_retries"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := h.app.OTA.Schedule(r.Context(), mux.Vars(r)["uuid"], payload.FirmwareVersionID, payload.MaxRetries)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) listOTAJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.app.OTA.ListJobs(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) listLedger(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.app.Ledger.ListBlocks(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (h *handler) verifyLedger(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Ledger.VerifyIntegrity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) listTamperEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.app.Tamper.ListEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be an integer"))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// writeServiceError maps domain errors to HTTP statuses. Unexpected errors
// surface as a generic 500 so internals never leak to callers.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case authgate.IsAuthFailure(err):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, ingest.ErrValidation),
		errors.Is(err, ingest.ErrUnsupportedReport),
		errors.Is(err, ingest.ErrUnsupportedDevice),
		errors.Is(err, otasvc.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, otasvc.ErrJobTerminal), errors.Is(err, otasvc.ErrJobActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, otasvc.ErrJobNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
