// Package tally routes program/preview tally state from UMD displays
// and the command-port server into each device's parameter model, and
// persists the deviceIndex-to-source mapping that governs that routing.
package tally

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jvbridge/camctl/internal/model"
)

var bucketMaps = []byte("tally_maps")

// Store persists TallyMaps in an embedded key-value database, bucketed
// separately from the config document since tally edits happen far more
// often than config edits and don't need a whole-document rewrite.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tally: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMaps)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tally: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func indexKey(idx model.DeviceIndex) []byte {
	return []byte(strconv.Itoa(int(idx)))
}

// Put writes one device's tally map.
func (s *Store) Put(m model.TallyMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("tally: encode map: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMaps).Put(indexKey(m.DeviceIndex), data)
	})
}

// Delete removes a device's tally map, if any.
func (s *Store) Delete(idx model.DeviceIndex) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMaps).Delete(indexKey(idx))
	})
}

// List returns every persisted tally map.
func (s *Store) List() ([]model.TallyMap, error) {
	var out []model.TallyMap
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMaps)
		return b.ForEach(func(_, v []byte) error {
			var m model.TallyMap
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}
