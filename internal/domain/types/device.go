package types

import "time"

// Device is the local installation's long-term identity. IdentitySecret
// never leaves the device.
type Device struct {
	ID             DeviceID      `json:"deviceId"`
	IdentityPublic X25519Public  `json:"identityPublicKey"`
	IdentitySecret X25519Private `json:"identitySecretKey"`
	Name           string        `json:"displayName"`
	Platform       string        `json:"platformTag"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// RegisterDeviceRequest upserts a device and optionally appends prekeys.
type RegisterDeviceRequest struct {
	DeviceID  DeviceID          `json:"deviceId"`
	Name      string            `json:"name"`
	Platform  string            `json:"platform"`
	PublicKey X25519Public      `json:"publicKey"`
	Prekeys   []OnePrekeyPublic `json:"prekeys,omitempty"`
}

// DeviceInfo is one entry of the caller's own device list.
type DeviceInfo struct {
	ID               DeviceID     `json:"id"`
	Name             string       `json:"name"`
	Platform         string       `json:"platform"`
	RevokedAt        *time.Time   `json:"revokedAt,omitempty"`
	PublicKey        X25519Public `json:"publicKey"`
	AvailablePrekeys int          `json:"availablePrekeys"`
}

// Active reports whether the device has not been revoked.
func (d DeviceInfo) Active() bool { return d.RevokedAt == nil }

// DeviceBundle is the public description of one remote device, used for
// fan-out target discovery.
type DeviceBundle struct {
	DeviceID          DeviceID     `json:"deviceId"`
	IdentityPublicKey X25519Public `json:"identityPublicKey"`
	AvailablePrekeys  int          `json:"availablePrekeys,omitempty"`
}
