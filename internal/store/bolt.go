package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketHistory = []byte("history")
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
		for _, b := range [][]byte{bucketDevices, bucketHistory} {
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

func (s *BoltStore) SaveSighting(sg *Sighting) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(sg)
		if err != nil {
			return err
		}
		return b.Put([]byte(sg.MAC), data)
	})
}

func (s *BoltStore) GetSighting(mac string) (*Sighting, error) {
	var sg Sighting
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(mac))
		if data == nil {
			return fmt.Errorf("device %s: %w", mac, ErrNotFound)
		}
		return json.Unmarshal(data, &sg)
	})
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func (s *BoltStore) DeleteSighting(mac string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(mac))
	})
}

func (s *BoltStore) ListSightings() ([]*Sighting, error) {
	var out []*Sighting
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		out = make([]*Sighting, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sg Sighting
			if err := json.Unmarshal(v, &sg); err != nil {
				return err
			}
			out = append(out, &sg)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateSighting(mac string, fn func(sg *Sighting) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		sg := Sighting{MAC: mac}
		if data := b.Get([]byte(mac)); data != nil {
			if err := json.Unmarshal(data, &sg); err != nil {
				return fmt.Errorf("decode device %s: %w", mac, err)
			}
		}
		if err := fn(&sg); err != nil {
			return err
		}
		sg.MAC = mac
		data, err := json.Marshal(&sg)
		if err != nil {
			return err
		}
		return b.Put([]byte(mac), data)
	})
}

func (s *BoltStore) AppendHistory(rec *UnlockRecord) error {
	if rec.ID == "" {
		return errors.New("history record without id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) GetHistory(id string) (*UnlockRecord, error) {
	var rec UnlockRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("history %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListHistory(limit int) ([]*UnlockRecord, error) {
	var out []*UnlockRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec UnlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode history %s: %w", k, err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PruneHistory(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil
		}
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		// Collect first: deleting while iterating a cursor skips keys.
		keys := make([][]byte, 0, excess)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
