// Package diagnostics evaluates device health metrics and persists the
// resulting reports.
package diagnostics

import (
	"context"
	"fmt"

	"github.com/tapsentry/fleetcore/internal/app/domain/device"
	"github.com/tapsentry/fleetcore/internal/app/domain/diagnostics"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

// Service derives a health verdict from reported metrics and stores the
// report.
type Service struct {
	store storage.DiagnosticStore
	log   *logger.Logger
}

// New constructs a diagnostics service.
func New(store storage.DiagnosticStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("diagnostics")
	}
	return &Service{store: store, log: log}
}

// Record evaluates and persists one diagnostics submission.
func (s *Service) Record(ctx context.Context, dev device.Identity, diagType diagnostics.Type, metrics map[string]float64) (diagnostics.Report, error) {
	if !diagType.Valid() {
		return diagnostics.Report{}, fmt.Errorf("unknown diagnostic_type %q", diagType)
	}
	if len(metrics) == 0 {
		return diagnostics.Report{}, fmt.Errorf("metrics are required")
	}

	status, recommendations := Evaluate(metrics)

	rep := diagnostics.Report{
		DeviceUUID:      dev.UUID,
		OrganizationID:  dev.OrganizationID,
		Type:            diagType,
		Metrics:         metrics,
		DerivedStatus:   status,
		Recommendations: recommendations,
	}
	rep, err := s.store.CreateDiagnosticReport(ctx, rep)
	if err != nil {
		return diagnostics.Report{}, err
	}

	if status != diagnostics.StatusHealthy {
		s.log.WithField("device_uuid", dev.UUID).
			WithField("status", status).
			Warn("diagnostics flagged device")
	}
	return rep, nil
}

// ListReports returns stored reports for a device.
func (s *Service) ListReports(ctx context.Context, deviceUUID string) ([]diagnostics.Report, error) {
	return s.store.ListDiagnosticReports(ctx, deviceUUID)
}

type metricRule struct {
	metric         string
	errorWhen      func(v float64) bool
	warnWhen       func(v float64) bool
	recommendation string
}

var rules = []metricRule{
	{
		metric:         "battery_percent",
		errorWhen:      func(v float64) bool { return v < 10 },
		warnWhen:       func(v float64) bool { return v < 25 },
		recommendation: "Battery is low; replace or recharge the device battery.",
	},
	{
		metric:         "temperature_c",
		errorWhen:      func(v float64) bool { return v > 60 },
		warnWhen:       func(v float64) bool { return v > 45 },
		recommendation: "Device is running hot; check ventilation and placement.",
	},
	{
		metric:         "signal_strength_dbm",
		errorWhen:      func(v float64) bool { return v < -90 },
		warnWhen:       func(v float64) bool { return v < -75 },
		recommendation: "Weak wireless signal; move the device closer to its gateway.",
	},
	{
		metric:         "error_rate",
		errorWhen:      func(v float64) bool { return v > 0.10 },
		warnWhen:       func(v float64) bool { return v > 0.02 },
		recommendation: "Elevated error rate; schedule a maintenance check.",
	},
	{
		metric:         "latency_ms",
		errorWhen:      func(v float64) bool { return v > 2000 },
		warnWhen:       func(v float64) bool { return v > 500 },
		recommendation: "High network latency; inspect gateway connectivity.",
	},
	{
		metric:         "calibration_drift",
		errorWhen:      func(v float64) bool { return v > 0.15 },
		warnWhen:       func(v float64) bool { return v > 0.05 },
		recommendation: "Sensor drift detected; recalibrate the flow sensor.",
	},
}

// Evaluate derives the health verdict and human-readable recommendations for
// a metrics map. Unknown metrics are ignored; the worst matched level wins.
func Evaluate(metrics map[string]float64) (diagnostics.DerivedStatus, []string) {
	status := diagnostics.StatusHealthy
	recommendations := make([]string, 0)

	for _, rule := range rules {
		v, ok := metrics[rule.metric]
		if !ok {
			continue
		}
		switch {
		case rule.errorWhen(v):
			status = diagnostics.StatusError
			recommendations = append(recommendations, rule.recommendation)
		case rule.warnWhen(v):
			if status == diagnostics.StatusHealthy {
				status = diagnostics.StatusWarning
			}
			recommendations = append(recommendations, rule.recommendation)
		}
	}
	return status, recommendations
}
