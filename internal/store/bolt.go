package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketGroups  = []byte("groups")
	bucketDevices = []byte("devices")
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

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGroups, bucketDevices} {
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

func groupKey(id int) []byte { return []byte(strconv.Itoa(id)) }

func (s *BoltStore) SaveGroup(g *Group) error {
	return s.put(bucketGroups, groupKey(g.ID), g)
}

func (s *BoltStore) GetGroup(id int) (*Group, error) {
	var g Group
	if err := s.get(bucketGroups, groupKey(id), &g); err != nil {
		return nil, fmt.Errorf("group %d: %w", id, err)
	}
	return &g, nil
}

func (s *BoltStore) DeleteGroup(id int) error {
	return s.delete(bucketGroups, groupKey(id))
}

func (s *BoltStore) ListGroups() ([]*Group, error) {
	var groups []*Group
	err := s.forEach(bucketGroups, func(v []byte) error {
		var g Group
		if err := json.Unmarshal(v, &g); err != nil {
			return err
		}
		groups = append(groups, &g)
		return nil
	})
	return groups, err
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.put(bucketDevices, []byte(dev.Address), dev)
}

func (s *BoltStore) GetDevice(addr string) (*Device, error) {
	var dev Device
	if err := s.get(bucketDevices, []byte(addr), &dev); err != nil {
		return nil, fmt.Errorf("device %s: %w", addr, err)
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(addr string) error {
	return s.delete(bucketDevices, []byte(addr))
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.forEach(bucketDevices, func(v []byte) error {
		var dev Device
		if err := json.Unmarshal(v, &dev); err != nil {
			return err
		}
		devices = append(devices, &dev)
		return nil
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(addr string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(addr))
		if data == nil {
			return fmt.Errorf("device %s: %w", addr, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(addr), out)
	})
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) forEach(bucket []byte, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil // no bucket = no records
		}
		return b.ForEach(func(_, v []byte) error { return fn(v) })
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
