// Package model holds the data types shared across the device engine:
// identifiers, persisted config, parameter values and tally routing types.
package model

import "fmt"

// DeviceId is an opaque, stable identifier derived from a device's
// advertised model name and serial number. It is the correlation key
// across discovery, the config store, sessions and parameter models.
type DeviceId string

// NewDeviceId builds the canonical id for a model+serial pair.
func NewDeviceId(model, serial string) DeviceId {
	return DeviceId(fmt.Sprintf("%s-%s", model, serial))
}

// DeviceIndex is the small non-negative integer the engine assigns to a
// device, intended to match the camera's on-screen channel number.
type DeviceIndex int

// UnassignedIndex marks a DeviceConfig that has not yet been given an index.
const UnassignedIndex DeviceIndex = -1
