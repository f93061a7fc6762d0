package device

import "time"

// Status describes the operational state of a fleet device.
type Status string

const (
	StatusActive      Status = "active"
	StatusOffline     Status = "offline"
	StatusTampered    Status = "tampered"
	StatusMaintenance Status = "maintenance"
)

// Capability tags what a device model can do. Report handlers gate on
// capabilities rather than on model-name patterns.
type Capability string

const (
	CapabilityPour        Capability = "pour"
	CapabilityTagRead     Capability = "tag_read"
	CapabilityGateway     Capability = "gateway"
	CapabilityDiagnostics Capability = "diagnostics"
)

// Valid reports whether c is a known capability tag.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityPour, CapabilityTagRead, CapabilityGateway, CapabilityDiagnostics:
		return true
	}
	return false
}

// Identity is the stable record created when a device is paired. UUID and
// OrganizationID never change after creation; re-pairing issues a new identity.
type Identity struct {
	UUID            string
	OrganizationID  string
	Model           string
	Capabilities    []Capability
	Status          Status
	FirmwareVersion string
	LastSeenAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasCapability reports whether the identity carries the given tag.
func (i Identity) HasCapability(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AuthRecord holds the credential material used to validate device report
// signatures. A locked record rejects reports regardless of signature
// validity.
type AuthRecord struct {
	DeviceUUID     string
	OrganizationID string
	Secret         string
	Locked         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
