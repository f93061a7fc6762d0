package tamper

import "time"

// Severity classifies how serious a tamper report is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event records a reported physical or logical integrity violation on a
// device. Resolved is flipped by a separate resolution workflow.
type Event struct {
	ID             string
	DeviceUUID     string
	OrganizationID string
	EventType      string
	Severity       Severity
	Details        map[string]any
	Resolved       bool
	CreatedAt      time.Time
}

// Outcome is returned to the ingestion caller after a tamper report is
// processed. LockDevice instructs the caller to relay a lock command back to
// the device.
type Outcome struct {
	Event      Event
	LockDevice bool
}
