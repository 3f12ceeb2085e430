package model

import "time"

// ConnectionState mirrors the device session's state machine (see
// internal/device) as observed from outside the session goroutine.
type ConnectionState string

const (
	ConnectionUnknown     ConnectionState = "unknown"
	ConnectionScheduling  ConnectionState = "scheduling"
	ConnectionAttempting  ConnectionState = "attempting"
	ConnectionConnected   ConnectionState = "connected"
	ConnectionSleeping    ConnectionState = "sleeping"
	ConnectionFailed      ConnectionState = "failed"
	ConnectionDisconnect  ConnectionState = "disconnect"
)

// DeviceConfig is the persisted, user-editable record for one device plus
// engine-derived status fields. Only the fields up to AlwaysConnect are
// user-editable; Online/Active/StoredInConfig are derived by the engine.
type DeviceConfig struct {
	Id            DeviceId    `yaml:"id" json:"id"`
	DisplayName   string      `yaml:"displayName" json:"displayName"`
	Host          string      `yaml:"host" json:"host"`
	Port          int         `yaml:"port" json:"port"`
	AuthUser      string      `yaml:"authUser" json:"authUser"`
	AuthPass      string      `yaml:"authPass" json:"-"`
	DeviceIndex   DeviceIndex `yaml:"deviceIndex" json:"deviceIndex"`
	AlwaysConnect bool        `yaml:"alwaysConnect" json:"alwaysConnect"`

	// Derived, not user-editable directly.
	Online         bool `yaml:"-" json:"online"`
	Active         bool `yaml:"-" json:"active"`
	StoredInConfig bool `yaml:"-" json:"storedInConfig"`
}

// Patch is a partial update applied by the config store's upsert. Nil
// fields are left unchanged.
type Patch struct {
	DisplayName   *string
	Host          *string
	Port          *int
	AuthUser      *string
	AuthPass      *string
	DeviceIndex   *DeviceIndex
	AlwaysConnect *bool
}

// Apply mutates cfg in place with the non-nil fields of p, returning the
// set of field names that actually changed value.
func (p Patch) Apply(cfg *DeviceConfig) []string {
	var changed []string
	set := func(name string, did bool) {
		if did {
			changed = append(changed, name)
		}
	}
	if p.DisplayName != nil && *p.DisplayName != cfg.DisplayName {
		cfg.DisplayName = *p.DisplayName
		set("displayName", true)
	}
	if p.Host != nil && *p.Host != cfg.Host {
		cfg.Host = *p.Host
		set("host", true)
	}
	if p.Port != nil && *p.Port != cfg.Port {
		cfg.Port = *p.Port
		set("port", true)
	}
	if p.AuthUser != nil && *p.AuthUser != cfg.AuthUser {
		cfg.AuthUser = *p.AuthUser
		set("authUser", true)
	}
	if p.AuthPass != nil && *p.AuthPass != cfg.AuthPass {
		cfg.AuthPass = *p.AuthPass
		set("authPass", true)
	}
	if p.DeviceIndex != nil && *p.DeviceIndex != cfg.DeviceIndex {
		cfg.DeviceIndex = *p.DeviceIndex
		set("deviceIndex", true)
	}
	if p.AlwaysConnect != nil && *p.AlwaysConnect != cfg.AlwaysConnect {
		cfg.AlwaysConnect = *p.AlwaysConnect
		set("alwaysConnect", true)
	}
	return changed
}

// EditRecord is one row of the config store's append-only edit-history
// ledger, used to drive the UI's "edited since last confirm" indicator.
type EditRecord struct {
	DeviceId  DeviceId
	Field     string
	OldValue  string
	NewValue  string
	Timestamp time.Time
}

// DiscoveryAttributes carries the metadata a discovery event provides
// beyond the host/port/id triple.
type DiscoveryAttributes struct {
	Model  string
	Serial string
}
