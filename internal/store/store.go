package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device sightings
	SaveSighting(s *Sighting) error
	GetSighting(mac string) (*Sighting, error)
	DeleteSighting(mac string) error
	ListSightings() ([]*Sighting, error)

	// UpdateSighting atomically reads, modifies, and saves a sighting in a
	// single transaction. fn receives a zero Sighting (with MAC set) when
	// none exists yet.
	UpdateSighting(mac string, fn func(s *Sighting) error) error

	// Unlock history
	AppendHistory(rec *UnlockRecord) error
	GetHistory(id string) (*UnlockRecord, error)
	// ListHistory returns up to limit records, newest first. limit <= 0 means all.
	ListHistory(limit int) ([]*UnlockRecord, error)
	// PruneHistory keeps the newest keep records and returns how many were removed.
	PruneHistory(keep int) (int, error)

	// Close the store
	Close() error
}
