package diagnostics

import "time"

// Type is the category of a diagnostics report.
type Type string

const (
	TypeHealthCheck       Type = "health_check"
	TypePerformance       Type = "performance"
	TypeConnectivity      Type = "connectivity"
	TypeSensorCalibration Type = "sensor_calibration"
)

// Valid reports whether t is a known diagnostic type.
func (t Type) Valid() bool {
	switch t {
	case TypeHealthCheck, TypePerformance, TypeConnectivity, TypeSensorCalibration:
		return true
	}
	return false
}

// DerivedStatus is the health verdict computed from reported metrics.
type DerivedStatus string

const (
	StatusHealthy DerivedStatus = "healthy"
	StatusWarning DerivedStatus = "warning"
	StatusError   DerivedStatus = "error"
)

// Report is one diagnostics submission plus the verdict derived from it.
type Report struct {
	ID              string
	DeviceUUID      string
	OrganizationID  string
	Type            Type
	Metrics         map[string]float64
	DerivedStatus   DerivedStatus
	Recommendations []string
	CreatedAt       time.Time
}
