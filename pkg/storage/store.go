package storage

import "github.com/nubiot/fleetsync/pkg/types"

// Store defines the persistence interface for fleetsync state
type Store interface {
	// Sensor sync registry operations
	CreateSensorSync(state *types.SensorSyncState) error
	GetSensorSync(deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error)
	ListSensorSync() ([]*types.SensorSyncState, error)
	ListSensorSyncByType(deviceType types.DeviceType) ([]*types.SensorSyncState, error)
	UpdateSensorSync(state *types.SensorSyncState) error
	// UpdateSensorSyncGuarded applies mutate to the current record
	// inside one transaction, so concurrent progress reporting and
	// cancellation cannot lose updates.
	UpdateSensorSyncGuarded(deviceType types.DeviceType, sensorID string, mutate func(*types.SensorSyncState) error) (*types.SensorSyncState, error)

	// Device operations
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	ListDevicesByType(deviceType types.DeviceType) ([]*types.Device, error)
	ListDevicesByGroup(groupID string) ([]*types.Device, error)
	DeleteDevice(id string) error

	// Device group (tenant partition) operations
	CreateDeviceGroup(group *types.DeviceGroup) error
	GetDeviceGroup(id string) (*types.DeviceGroup, error)
	ListDeviceGroups() ([]*types.DeviceGroup, error)
	DeleteDeviceGroup(id string) error

	// Tenant credential operations
	CreateCredential(cred *types.TenantCredential) error
	GetCredential(id string) (*types.TenantCredential, error)
	ListCredentials() ([]*types.TenantCredential, error)
	DeleteCredential(id string) error

	Close() error
}
