package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/types"
)

// timeKeyFormat is a fixed-width UTC layout so document keys sort
// chronologically under bbolt's byte ordering.
const timeKeyFormat = "2006-01-02T15:04:05.000000000Z"

// keySep separates the time prefix from the document id.
const keySep = "|"

var bucketMappings = []byte("_mappings")

// Index is the local searchable telemetry store: one bucket per
// logical index, documents keyed by timestamp plus write-id.
type Index struct {
	db *bolt.DB
}

// Open opens (or creates) the index database under dataDir.
func Open(dataDir string) (*Index, error) {
	dbPath := filepath.Join(dataDir, "telemetry-index.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMappings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db}, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Name derives the deterministic index identifier for an ordinary
// sensor stream.
func Name(deviceType types.DeviceType, sensorID string) string {
	return "telemetry-" + sanitize(string(deviceType)) + "-" + sanitize(sensorID)
}

// EventsName derives the shared index identifier for a device type's
// composite recognition events.
func EventsName(deviceType types.DeviceType) string {
	return "telemetry-" + sanitize(string(deviceType)) + "-events"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Mapping declares the document fields an index holds and the value
// kind each field stores.
type Mapping struct {
	Fields map[string]types.SensorValueKind `json:"fields"`
}

// MappingFor builds the single-value mapping for an ordinary sensor.
func MappingFor(kind types.SensorValueKind) Mapping {
	return Mapping{Fields: map[string]types.SensorValueKind{"value": kind}}
}

// EventsMapping builds the multi-field mapping for a composite events
// index from the configured member fields.
func EventsMapping(fields []string) Mapping {
	m := Mapping{Fields: make(map[string]types.SensorValueKind, len(fields))}
	for _, f := range fields {
		m.Fields[f] = types.ValueKindText
	}
	return m
}

// Ensure creates the index and records its mapping if it does not
// exist yet. Idempotent: an existing index keeps its mapping.
func (ix *Index) Ensure(name string, mapping Mapping) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
		mb := tx.Bucket(bucketMappings)
		if mb.Get([]byte(name)) != nil {
			return nil
		}
		data, err := json.Marshal(mapping)
		if err != nil {
			return err
		}
		return mb.Put([]byte(name), data)
	})
}

// GetMapping returns the declared mapping for an index.
func (ix *Index) GetMapping(name string) (Mapping, bool, error) {
	var mapping Mapping
	found := false
	err := ix.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMappings).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &mapping)
	})
	return mapping, found, err
}

// SampleDoc is the stored form of one ordinary telemetry sample.
type SampleDoc struct {
	DeviceID string      `json:"device_id"`
	SensorID string      `json:"sensor_id"`
	Time     time.Time   `json:"time"`
	Value    interface{} `json:"value"`
}

// EventKey identifies one composite recognition-event document.
type EventKey struct {
	DeviceID        string
	RecognitionType string
	Time            time.Time
}

// EventDoc is the stored form of one composite recognition event. Its
// fields accumulate from independent member-sensor contributions.
type EventDoc struct {
	DeviceID        string                 `json:"device_id"`
	RecognitionType string                 `json:"recognition_type"`
	Time            time.Time              `json:"time"`
	Fields          map[string]interface{} `json:"fields"`
}

func sampleKey(t time.Time, deviceID, sensorID string) []byte {
	return []byte(t.UTC().Format(timeKeyFormat) + keySep + deviceID + "." + sensorID)
}

func eventKey(k EventKey) []byte {
	return []byte(k.Time.UTC().Format(timeKeyFormat) + keySep + k.DeviceID + "." + k.RecognitionType)
}

// PutSample writes one sample document. The write-id is derived from
// (device, sensor, time), so replaying the same sample overwrites the
// same document instead of duplicating it.
func (ix *Index) PutSample(name string, doc SampleDoc) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.IndexWriteDuration)

	return ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return fmt.Errorf("index does not exist: %s", name)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put(sampleKey(doc.Time, doc.DeviceID, doc.SensorID), data)
	})
}

// MergeEvent upserts field contributions into the event document for
// key. Existing fields from other contributors are preserved; only the
// given fields are set. The read-merge-write runs in one transaction.
func (ix *Index) MergeEvent(name string, key EventKey, fields map[string]interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.IndexWriteDuration)

	return ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return fmt.Errorf("index does not exist: %s", name)
		}

		k := eventKey(key)
		doc := EventDoc{
			DeviceID:        key.DeviceID,
			RecognitionType: key.RecognitionType,
			Time:            key.Time.UTC(),
			Fields:          make(map[string]interface{}),
		}
		if existing := b.Get(k); existing != nil {
			if err := json.Unmarshal(existing, &doc); err != nil {
				return fmt.Errorf("corrupt event document %s: %w", k, err)
			}
			if doc.Fields == nil {
				doc.Fields = make(map[string]interface{})
			}
		}
		for f, v := range fields {
			doc.Fields[f] = v
		}
		data, err := json.Marshal(&doc)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
}

// Bounds returns the oldest and newest document timestamps in an
// index. ok is false when the index is missing or empty.
func (ix *Index) Bounds(name string) (oldest, newest time.Time, ok bool, err error) {
	err = ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		first, _ := c.First()
		if first == nil {
			return nil
		}
		last, _ := c.Last()

		var perr error
		oldest, perr = parseKeyTime(first)
		if perr != nil {
			return perr
		}
		newest, perr = parseKeyTime(last)
		if perr != nil {
			return perr
		}
		ok = true
		return nil
	})
	return oldest, newest, ok, err
}

func parseKeyTime(key []byte) (time.Time, error) {
	i := bytes.IndexByte(key, keySep[0])
	if i < 0 {
		return time.Time{}, fmt.Errorf("malformed document key: %q", key)
	}
	return time.Parse(timeKeyFormat, string(key[:i]))
}

// DeleteRange removes every document with a timestamp in [from, to]
// and returns the number deleted. Used for backfill rollback.
func (ix *Index) DeleteRange(name string, from, to time.Time) (int, error) {
	deleted := 0
	err := ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		min := []byte(from.UTC().Format(timeKeyFormat))
		max := []byte(to.UTC().Format(timeKeyFormat) + keySep + "\xff")
		c := b.Cursor()
		for k, _ := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ScrubField removes one contributed field from every event document
// in an index, deleting documents left with no fields at all. Returns
// the number of documents touched.
func (ix *Index) ScrubField(name, field string) (int, error) {
	touched := 0
	err := ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var doc EventDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("corrupt event document %s: %w", k, err)
			}
			if _, has := doc.Fields[field]; !has {
				continue
			}
			touched++
			delete(doc.Fields, field)
			if len(doc.Fields) == 0 {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(&doc)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
	return touched, err
}

// ScrubFieldRange removes one contributed field from event documents
// with timestamps in [from, to], deleting documents left empty. Used
// to roll back a failed composite backfill without touching other
// sensors' contributions outside the attempted window.
func (ix *Index) ScrubFieldRange(name, field string, from, to time.Time) (int, error) {
	touched := 0
	err := ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		min := []byte(from.UTC().Format(timeKeyFormat))
		max := []byte(to.UTC().Format(timeKeyFormat) + keySep + "\xff")
		c := b.Cursor()
		for k, v := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			var doc EventDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("corrupt event document %s: %w", k, err)
			}
			if _, has := doc.Fields[field]; !has {
				continue
			}
			touched++
			delete(doc.Fields, field)
			if len(doc.Fields) == 0 {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(&doc)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
	return touched, err
}

// Drop removes an index and its mapping entirely. Used when an
// ordinary sensor is disabled: the whole index belongs to that stream.
func (ix *Index) Drop(name string) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) != nil {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMappings).Delete([]byte(name))
	})
}

// Count returns the number of documents in an index.
func (ix *Index) Count(name string) (int, error) {
	count := 0
	err := ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// CountRange returns the number of documents with timestamps in
// [from, to].
func (ix *Index) CountRange(name string, from, to time.Time) (int, error) {
	count := 0
	err := ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		min := []byte(from.UTC().Format(timeKeyFormat))
		max := []byte(to.UTC().Format(timeKeyFormat) + keySep + "\xff")
		c := b.Cursor()
		for k, _ := c.Seek(min); k != nil && bytes.Compare(k, max) <= 0; k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Events returns every event document in an index in time order.
// Mostly useful for tests and the inspection API.
func (ix *Index) Events(name string) ([]*EventDoc, error) {
	var docs []*EventDoc
	err := ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc EventDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	return docs, err
}

// Samples returns every sample document in an index in time order.
func (ix *Index) Samples(name string) ([]*SampleDoc, error) {
	var docs []*SampleDoc
	err := ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc SampleDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	return docs, err
}
