package store

import "time"

// Fixture is cached hardware product metadata.
type Fixture struct {
	ID     int    `json:"id"`
	Type   string `json:"type"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

// UnitState is the last observed state of one unit.
type UnitState struct {
	UniqueID  string    `json:"unique_id"`
	NetworkID string    `json:"network_id"`
	UnitID    int       `json:"unit_id"`
	Name      string    `json:"name"`
	Online    bool      `json:"online"`
	State     string    `json:"state"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
