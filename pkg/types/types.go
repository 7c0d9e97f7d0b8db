package types

import (
	"fmt"
	"time"
)

// DeviceType classifies a fleet of devices that share a sensor catalog.
type DeviceType string

// SensorValueKind declares the payload shape a sensor reports.
type SensorValueKind string

const (
	ValueKindNumeric SensorValueKind = "numeric"
	ValueKindText    SensorValueKind = "text"
	ValueKindBoolean SensorValueKind = "boolean"
	ValueKindBlob    SensorValueKind = "blob" // reference to an uploaded object
)

// SyncPhase represents where a sensor stream is in its sync lifecycle.
type SyncPhase string

const (
	PhaseDisabled    SyncPhase = "disabled"
	PhaseEnabling    SyncPhase = "enabling"
	PhaseBackfilling SyncPhase = "backfilling"
	PhaseLive        SyncPhase = "live"
)

// SensorSyncState is the persistent sync record for one
// (device type, sensor) stream. It is created lazily the first time a
// sensor is discovered and never deleted; disabling clears the bounds
// and pegs progress at 100.
type SensorSyncState struct {
	DeviceType DeviceType      `json:"device_type"`
	SensorID   string          `json:"sensor_id"`
	SensorName string          `json:"sensor_name"`
	ValueKind  SensorValueKind `json:"value_kind"`
	Enabled    bool            `json:"enabled"`
	Progress   int             `json:"progress"` // 0..100
	SyncedFrom *time.Time      `json:"synced_from,omitempty"`
	SyncedTo   *time.Time      `json:"synced_to,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Key returns the registry key for this record.
func (s *SensorSyncState) Key() string {
	return SensorKey(s.DeviceType, s.SensorID)
}

// SensorKey builds the canonical registry key for a stream.
func SensorKey(deviceType DeviceType, sensorID string) string {
	return fmt.Sprintf("%s/%s", deviceType, sensorID)
}

// BackfillRequest asks for a historical range to be synced into the
// index. At most one request per stream is live at a time.
type BackfillRequest struct {
	DeviceType DeviceType `json:"device_type"`
	SensorID   string     `json:"sensor_id"`
	From       time.Time  `json:"from"`
	// To is optional; when nil the runner resolves it to the stream's
	// current oldest synced point, or "now" when nothing is synced yet.
	To *time.Time `json:"to,omitempty"`
}

// TelemetrySample is one reading produced by either the historical API
// or the live bus. It is never persisted as-is; the event writer turns
// it into an index document.
type TelemetrySample struct {
	DeviceID string      `json:"device_id"`
	SensorID string      `json:"sensor_id"`
	Time     time.Time   `json:"time"`
	Value    interface{} `json:"value"`
}

// Device is a member of the fleet.
type Device struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      DeviceType `json:"type"`
	GroupID   string     `json:"group_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// DeviceGroup is a tenant partition of the fleet. Every device belongs
// to exactly one group, and every group carries one external credential.
type DeviceGroup struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CredentialID string    `json:"credential_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// TenantCredential is the external system's per-project access key,
// used both for historical API calls and as broker auth.
type TenantCredential struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
	BrokerURL string `json:"broker_url"`
}

// CompositeSpec maps a member sensor onto the shared recognition-event
// document it contributes a field to.
type CompositeSpec struct {
	DeviceType      DeviceType `json:"device_type" yaml:"device_type"`
	SensorID        string     `json:"sensor_id" yaml:"sensor_id"`
	RecognitionType string     `json:"recognition_type" yaml:"recognition_type"`
	Field           string     `json:"field" yaml:"field"`
}

// CompositeSet resolves member sensors to their composite spec.
type CompositeSet struct {
	specs map[string]CompositeSpec
}

// NewCompositeSet builds a resolver from the configured specs.
func NewCompositeSet(specs []CompositeSpec) *CompositeSet {
	set := &CompositeSet{specs: make(map[string]CompositeSpec, len(specs))}
	for _, spec := range specs {
		set.specs[SensorKey(spec.DeviceType, spec.SensorID)] = spec
	}
	return set
}

// Resolve returns the composite spec for a stream, if it is a member of
// a recognition-event group.
func (c *CompositeSet) Resolve(deviceType DeviceType, sensorID string) (CompositeSpec, bool) {
	if c == nil {
		return CompositeSpec{}, false
	}
	spec, ok := c.specs[SensorKey(deviceType, sensorID)]
	return spec, ok
}

// Fields returns every field contributed to a recognition type by the
// configured member sensors.
func (c *CompositeSet) Fields(recognitionType string) []string {
	if c == nil {
		return nil
	}
	var fields []string
	for _, spec := range c.specs {
		if spec.RecognitionType == recognitionType {
			fields = append(fields, spec.Field)
		}
	}
	return fields
}

// ProgressUpdate is the snapshot pushed through the progress notifier
// whenever a stream's sync state changes.
type ProgressUpdate struct {
	DeviceType DeviceType `json:"device_type"`
	SensorID   string     `json:"sensor_id"`
	Phase      SyncPhase  `json:"phase"`
	Enabled    bool       `json:"enabled"`
	Progress   int        `json:"progress"`
	SyncedFrom *time.Time `json:"synced_from,omitempty"`
	SyncedTo   *time.Time `json:"synced_to,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Topic returns the notifier topic this update belongs to.
func (p *ProgressUpdate) Topic() string {
	return SensorKey(p.DeviceType, p.SensorID)
}
