package domain

// DeviceClass is the coarse class of the viewing device.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
)

// ConnectionType is the effective network class reported by the platform.
// Platforms that cannot report it yield ConnectionUnknown.
type ConnectionType string

const (
	Connection4G      ConnectionType = "4g"
	Connection3G      ConnectionType = "3g"
	Connection2G      ConnectionType = "2g"
	ConnectionUnknown ConnectionType = "unknown"
)

// NetworkProfile feeds the quality advisor. Read at session start and on
// network change events; never persisted.
type NetworkProfile struct {
	DeviceClass    DeviceClass
	ConnectionType ConnectionType
}
