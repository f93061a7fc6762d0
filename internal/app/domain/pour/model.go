package pour

import "time"

// Event is one recorded pour from a pour-capable device.
type Event struct {
	ID               string
	DeviceUUID       string
	OrganizationID   string
	VolumeML         float64
	FlowRate         float64
	DurationSeconds  float64
	ProductName      string
	AuthorizedMethod string
	UserID           string
	PouredAt         time.Time
	CreatedAt        time.Time
}
