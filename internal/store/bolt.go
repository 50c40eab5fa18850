package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFixtures = []byte("fixtures")
	bucketUnits    = []byte("units")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketFixtures, bucketUnits} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveFixture(f *Fixture) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFixtures)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFixtures)
		}
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return b.Put([]byte(strconv.Itoa(f.ID)), data)
	})
}

func (s *BoltStore) GetFixture(id int) (*Fixture, error) {
	var fixture Fixture
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFixtures)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFixtures)
		}
		data := b.Get([]byte(strconv.Itoa(id)))
		if data == nil {
			return fmt.Errorf("fixture %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &fixture)
	})
	if err != nil {
		return nil, err
	}
	return &fixture, nil
}

func (s *BoltStore) SaveUnitState(state *UnitState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketUnits)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.UniqueID), data)
	})
}

func (s *BoltStore) GetUnitState(uniqueID string) (*UnitState, error) {
	var state UnitState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketUnits)
		}
		data := b.Get([]byte(uniqueID))
		if data == nil {
			return fmt.Errorf("unit %s: %w", uniqueID, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListUnitStates() ([]*UnitState, error) {
	var states []*UnitState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		if b == nil {
			return nil // no bucket = no units
		}
		states = make([]*UnitState, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var state UnitState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) DeleteUnitState(uniqueID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketUnits)
		}
		return b.Delete([]byte(uniqueID))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
