// Package avion implements the client for the Avi-on cloud REST API.
// Backend: api.avi-on.com (Avi-on Access Bridge accounts, HALO Home lighting).
package avion

import (
	"context"
	"encoding/json"
)

// API is the abstract interface for the Avi-on cloud backend.
type API interface {
	// Session management
	Authenticate(ctx context.Context) error
	Token() string
	SetToken(token string)

	// Inventory
	Locations(ctx context.Context) ([]Location, error)
	AbstractDevices(ctx context.Context, locationPID int64) ([]AbstractDevice, error)
	Groups(ctx context.Context, locationPID int64) ([]Group, error)
	Scenes(ctx context.Context, locationPID int64) ([]Scene, error)

	// State
	DeviceState(ctx context.Context, pid int64) ([]Property, error)
	GroupState(ctx context.Context, pid int64) ([]Property, error)
	SceneState(ctx context.Context, pid int64) ([]Property, error)
	SetDeviceState(ctx context.Context, pid int64, prop Property) ([]Property, error)
	SetGroupState(ctx context.Context, pid int64, prop Property) ([]Property, error)
	SetSceneState(ctx context.Context, pid int64, prop Property) ([]Property, error)
}

// Location is one Avi-on location (an account can hold several homes).
type Location struct {
	PID  int64  `json:"pid"`
	Name string `json:"name"`
}

// AbstractDevice is the cloud record for a physical fixture behind the
// Access Bridge.
type AbstractDevice struct {
	PID       int64  `json:"pid"`
	Name      string `json:"name"`
	ProductID int    `json:"product_id"`
}

// Group is a cloud-defined group of fixtures, controllable as one light.
type Group struct {
	PID  int64  `json:"pid"`
	Name string `json:"name"`
}

// Scene is a stored lighting scene.
type Scene struct {
	PID  int64  `json:"pid"`
	Name string `json:"name"`
}

// Property is a single named element of a device state. The cloud encodes
// numeric values as a JSON string holding a JSON array ("[1]"), while writes
// may also carry a bare number (color temperature is sent that way), so both
// Value and Humanized stay raw until decoded.
type Property struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value,omitempty"`
	Humanized json.RawMessage `json:"humanized,omitempty"`
}
