package store

import (
	"strconv"
	"time"
)

// Kind classifies a registry entry by the cloud collection it lives in.
type Kind string

const (
	KindLight Kind = "light"
	KindGroup Kind = "group"
	KindScene Kind = "scene"
)

// DeviceKey builds the registry key for a kind/pid pair. Cloud PIDs are only
// unique within their collection, so keys carry the kind.
func DeviceKey(kind Kind, pid int64) string {
	return string(kind) + ":" + strconv.FormatInt(pid, 10)
}

// Device represents one Avi-on registry entry: a fixture, a group of
// fixtures, or a scene.
type Device struct {
	Kind         Kind           `json:"kind"`
	PID          int64          `json:"pid"`
	Name         string         `json:"name,omitempty"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	LocationPID  int64          `json:"location_pid,omitempty"`
	ProductID    int            `json:"product_id,omitempty"`
	Brand        string         `json:"brand,omitempty"`
	Model        string         `json:"model,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	Refreshed    bool           `json:"refreshed"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	LastSeen     time.Time      `json:"last_seen"`
}

// Key returns the registry key, e.g. "light:12".
func (d *Device) Key() string {
	return DeviceKey(d.Kind, d.PID)
}

// DisplayName returns the friendly name if set, else the cloud name, else
// the registry key.
func (d *Device) DisplayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.Name != "" {
		return d.Name
	}
	return d.Key()
}

// Session holds the authenticated cloud session.
// AuthToken is hidden from API/JSON serialization via json:"-".
type Session struct {
	Email        string    `json:"email"`
	AuthToken    string    `json:"-"`
	LocationPIDs []int64   `json:"location_pids,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// sessionStorage is the internal struct used for DB serialization,
// preserving the auth token on disk.
type sessionStorage struct {
	Email        string    `json:"email"`
	AuthToken    string    `json:"auth_token,omitempty"`
	LocationPIDs []int64   `json:"location_pids,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
