package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists what the cloud would otherwise have to be asked for on
// every start: fixture metadata and the last-known state of each unit.
type Store interface {
	// Fixture cache
	SaveFixture(f *Fixture) error
	GetFixture(id int) (*Fixture, error)

	// Unit state mirror, keyed by the unit's unique id.
	SaveUnitState(state *UnitState) error
	GetUnitState(uniqueID string) (*UnitState, error)
	ListUnitStates() ([]*UnitState, error)
	DeleteUnitState(uniqueID string) error

	// Close the store
	Close() error
}
