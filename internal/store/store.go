package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Registry operations
	SaveDevice(dev *Device) error
	GetDevice(key string) (*Device, error)
	DeleteDevice(key string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(key string, fn func(dev *Device) error) error

	// Cloud session
	SaveSession(sess *Session) error
	GetSession() (*Session, error)

	// Close the store
	Close() error
}
