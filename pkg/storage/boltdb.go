package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nubiot/fleetsync/pkg/types"
)

var (
	// Bucket names
	bucketSensorSync   = []byte("sensor_sync")
	bucketDevices      = []byte("devices")
	bucketDeviceGroups = []byte("device_groups")
	bucketCredentials  = []byte("credentials")
)

// ErrNotFound is returned when a requested record does not exist
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// IsNotFound reports whether err is a missing-record error
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleetsync.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSensorSync,
			bucketDevices,
			bucketDeviceGroups,
			bucketCredentials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Sensor sync registry operations

func (s *BoltStore) CreateSensorSync(state *types.SensorSyncState) error {
	return s.putSensorSync(state)
}

func (s *BoltStore) UpdateSensorSync(state *types.SensorSyncState) error {
	return s.putSensorSync(state)
}

func (s *BoltStore) putSensorSync(state *types.SensorSyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensorSync)
		state.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.Key()), data)
	})
}

func (s *BoltStore) GetSensorSync(deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error) {
	var state types.SensorSyncState
	key := types.SensorKey(deviceType, sensorID)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensorSync)
		data := b.Get([]byte(key))
		if data == nil {
			return &ErrNotFound{Kind: "sensor sync record", Key: key}
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListSensorSync() ([]*types.SensorSyncState, error) {
	var states []*types.SensorSyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensorSync)
		return b.ForEach(func(k, v []byte) error {
			var state types.SensorSyncState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) ListSensorSyncByType(deviceType types.DeviceType) ([]*types.SensorSyncState, error) {
	states, err := s.ListSensorSync()
	if err != nil {
		return nil, err
	}

	var filtered []*types.SensorSyncState
	for _, state := range states {
		if state.DeviceType == deviceType {
			filtered = append(filtered, state)
		}
	}
	return filtered, nil
}

// UpdateSensorSyncGuarded reads, mutates, and writes the record in one
// transaction. The mutate callback sees the latest committed state, so
// racing writers (progress reporting vs. cancellation) serialize here
// instead of overwriting each other.
func (s *BoltStore) UpdateSensorSyncGuarded(deviceType types.DeviceType, sensorID string, mutate func(*types.SensorSyncState) error) (*types.SensorSyncState, error) {
	var state types.SensorSyncState
	key := types.SensorKey(deviceType, sensorID)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSensorSync)
		data := b.Get([]byte(key))
		if data == nil {
			return &ErrNotFound{Kind: "sensor sync record", Key: key}
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		if err := mutate(&state); err != nil {
			return err
		}
		state.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), updated)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Device operations

func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.ID), data)
	})
}

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "device", Key: id}
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) ListDevicesByType(deviceType types.DeviceType) ([]*types.Device, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Device
	for _, device := range devices {
		if device.Type == deviceType {
			filtered = append(filtered, device)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListDevicesByGroup(groupID string) ([]*types.Device, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Device
	for _, device := range devices {
		if device.GroupID == groupID {
			filtered = append(filtered, device)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.Delete([]byte(id))
	})
}

// Device group operations

func (s *BoltStore) CreateDeviceGroup(group *types.DeviceGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceGroups)
		data, err := json.Marshal(group)
		if err != nil {
			return err
		}
		return b.Put([]byte(group.ID), data)
	})
}

func (s *BoltStore) GetDeviceGroup(id string) (*types.DeviceGroup, error) {
	var group types.DeviceGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceGroups)
		data := b.Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "device group", Key: id}
		}
		return json.Unmarshal(data, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListDeviceGroups() ([]*types.DeviceGroup, error) {
	var groups []*types.DeviceGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceGroups)
		return b.ForEach(func(k, v []byte) error {
			var group types.DeviceGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			groups = append(groups, &group)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) DeleteDeviceGroup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceGroups)
		return b.Delete([]byte(id))
	})
}

// Tenant credential operations

func (s *BoltStore) CreateCredential(cred *types.TenantCredential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return b.Put([]byte(cred.ID), data)
	})
}

func (s *BoltStore) GetCredential(id string) (*types.TenantCredential, error) {
	var cred types.TenantCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data := b.Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "credential", Key: id}
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) ListCredentials() ([]*types.TenantCredential, error) {
	var creds []*types.TenantCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var cred types.TenantCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}

func (s *BoltStore) DeleteCredential(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.Delete([]byte(id))
	})
}
