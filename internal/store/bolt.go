package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketViews   = []byte("views")
	bucketWindow  = []byte("window")
	keyViewsOrder = []byte("views_order")
	keyGeometry   = []byte("window_geometry")
)

const listSeparator = ";"

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
		for _, b := range [][]byte{bucketDevices, bucketViews, bucketWindow} {
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

func (s *BoltStore) SaveDevice(rec *DeviceRecord) error {
	if rec.Mac == "" {
		return fmt.Errorf("device record without mac")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(NormalizeMac(rec.Mac)), data)
	})
}

func (s *BoltStore) GetDevice(mac string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(NormalizeMac(mac)))
		if data == nil {
			return fmt.Errorf("device %s: %w", mac, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteDevice(mac string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(NormalizeMac(mac)))
	})
}

func (s *BoltStore) ListDevices() ([]*DeviceRecord, error) {
	var records []*DeviceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		records = make([]*DeviceRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec DeviceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) SaveView(name string, columns []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketViews)
		}
		return b.Put([]byte(name), []byte(strings.Join(columns, listSeparator)))
	})
}

func (s *BoltStore) GetView(name string) ([]string, error) {
	var columns []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketViews)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("view %s: %w", name, ErrNotFound)
		}
		columns = strings.Split(string(data), listSeparator)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return columns, nil
}

func (s *BoltStore) DeleteView(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketViews)
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		// Keep the explicit order list consistent with the stored views.
		order := b.Get(keyViewsOrder)
		if order == nil {
			return nil
		}
		var kept []string
		for _, n := range strings.Split(string(order), listSeparator) {
			if n != name && n != "" {
				kept = append(kept, n)
			}
		}
		return b.Put(keyViewsOrder, []byte(strings.Join(kept, listSeparator)))
	})
}

func (s *BoltStore) SaveViewsOrder(names []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketViews)
		}
		return b.Put(keyViewsOrder, []byte(strings.Join(names, listSeparator)))
	})
}

func (s *BoltStore) ViewsOrder() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		if b == nil {
			return nil
		}
		data := b.Get(keyViewsOrder)
		if len(data) == 0 {
			return nil
		}
		names = strings.Split(string(data), listSeparator)
		return nil
	})
	return names, err
}

func (s *BoltStore) SaveWindowGeometry(blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWindow)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketWindow)
		}
		return b.Put(keyGeometry, blob)
	})
}

func (s *BoltStore) WindowGeometry() ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWindow)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketWindow)
		}
		data := b.Get(keyGeometry)
		if data == nil {
			return fmt.Errorf("window geometry: %w", ErrNotFound)
		}
		blob = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
