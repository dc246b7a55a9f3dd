package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device identity + history, keyed by MAC.
	SaveDevice(rec *DeviceRecord) error
	GetDevice(mac string) (*DeviceRecord, error)
	DeleteDevice(mac string) error
	ListDevices() ([]*DeviceRecord, error)

	// Collaborator view layouts.
	SaveView(name string, columns []string) error
	GetView(name string) ([]string, error)
	DeleteView(name string) error
	SaveViewsOrder(names []string) error
	ViewsOrder() ([]string, error)

	// Opaque window geometry blob.
	SaveWindowGeometry(blob []byte) error
	WindowGeometry() ([]byte, error)

	// Close the store
	Close() error
}
