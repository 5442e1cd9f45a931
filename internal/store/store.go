package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(mac string) (*Device, error)
	DeleteDevice(mac string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(mac string, fn func(dev *Device) error) error

	// Tracker state
	SaveTrackerState(state *TrackerState) error
	GetTrackerState() (*TrackerState, error)

	// Close the store
	Close() error
}
