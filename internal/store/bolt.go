package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketSession = []byte("session")
	keySession    = []byte("current")
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
		for _, b := range [][]byte{bucketDevices, bucketSession} {
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

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.Key()), data)
	})
}

func (s *BoltStore) GetDevice(key string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("device %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(key string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("device %s: %w", key, ErrNotFound)
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
		return b.Put([]byte(dev.Key()), out)
	})
}

func (s *BoltStore) SaveSession(sess *Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSession)
		}
		// Use internal storage struct to persist the auth token.
		st := sessionStorage{
			Email:        sess.Email,
			AuthToken:    sess.AuthToken,
			LocationPIDs: sess.LocationPIDs,
			UpdatedAt:    sess.UpdatedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keySession, data)
	})
}

func (s *BoltStore) GetSession() (*Session, error) {
	var sess Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSession)
		}
		data := b.Get(keySession)
		if data == nil {
			return fmt.Errorf("session: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the auth token.
		var st sessionStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		sess = Session{
			Email:        st.Email,
			AuthToken:    st.AuthToken,
			LocationPIDs: st.LocationPIDs,
			UpdatedAt:    st.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
