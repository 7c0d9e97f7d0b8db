package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/types"
)

// ErrValueCoercion marks a sample whose payload does not match the
// sensor's declared value kind. One bad sample never fails its page.
var ErrValueCoercion = errors.New("sample value does not match declared kind")

// maxMergeAttempts bounds retries when concurrent field contributions
// conflict on the same event document.
const maxMergeAttempts = 3

// Writer translates telemetry samples into index documents: a simple
// per-sample document for ordinary sensors, or a field-scoped upsert
// into the shared recognition-event document for composite sensors.
type Writer struct {
	idx        *index.Index
	composites *types.CompositeSet
}

// New creates an event writer.
func New(idx *index.Index, composites *types.CompositeSet) *Writer {
	return &Writer{idx: idx, composites: composites}
}

// WriteRequest is either a SimpleSample or a CompositeFieldContribution.
// Each carries its own merge contract against the index.
type WriteRequest interface {
	apply(ix *index.Index) error
}

// simpleRequest inserts one document keyed by (device, sensor, time).
// Replays overwrite the same key, so retries are idempotent.
type simpleRequest struct {
	Index  string
	Sample types.TelemetrySample
}

func (r simpleRequest) apply(ix *index.Index) error {
	return ix.PutSample(r.Index, index.SampleDoc{
		DeviceID: r.Sample.DeviceID,
		SensorID: r.Sample.SensorID,
		Time:     r.Sample.Time,
		Value:    r.Sample.Value,
	})
}

// compositeRequest merges one named field into the event document
// keyed by (device, recognition type, time). Writes to the same key
// merge fields rather than overwrite.
type compositeRequest struct {
	Index           string
	DeviceID        string
	RecognitionType string
	Field           string
	Sample          types.TelemetrySample
}

func (r compositeRequest) apply(ix *index.Index) error {
	key := index.EventKey{
		DeviceID:        r.DeviceID,
		RecognitionType: r.RecognitionType,
		Time:            r.Sample.Time,
	}

	var err error
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		if attempt > 0 {
			metrics.MergeRetries.Inc()
		}
		err = ix.MergeEvent(r.Index, key, map[string]interface{}{r.Field: r.Sample.Value})
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("event merge failed after %d attempts: %w", maxMergeAttempts, err)
}

// Build coerces a sample against the declared value kind and returns
// the write request for it. A kind mismatch returns ErrValueCoercion.
func (w *Writer) Build(deviceType types.DeviceType, sample types.TelemetrySample, kind types.SensorValueKind) (WriteRequest, error) {
	value, err := coerce(sample.Value, kind)
	if err != nil {
		return nil, err
	}
	sample.Value = value

	if spec, ok := w.composites.Resolve(deviceType, sample.SensorID); ok {
		return compositeRequest{
			Index:           index.EventsName(deviceType),
			DeviceID:        sample.DeviceID,
			RecognitionType: spec.RecognitionType,
			Field:           spec.Field,
			Sample:          sample,
		}, nil
	}
	return simpleRequest{
		Index:  index.Name(deviceType, sample.SensorID),
		Sample: sample,
	}, nil
}

// Apply executes a write request against the index.
func (w *Writer) Apply(req WriteRequest) error {
	if err := req.apply(w.idx); err != nil {
		return err
	}
	switch req.(type) {
	case simpleRequest:
		metrics.SamplesWritten.WithLabelValues("simple").Inc()
	case compositeRequest:
		metrics.SamplesWritten.WithLabelValues("composite").Inc()
	}
	return nil
}

// Write translates and stores one sample. Coercion failures are
// logged, counted, and swallowed so the rest of the page proceeds;
// index failures propagate.
func (w *Writer) Write(deviceType types.DeviceType, sample types.TelemetrySample, kind types.SensorValueKind) error {
	req, err := w.Build(deviceType, sample, kind)
	if err != nil {
		if errors.Is(err, ErrValueCoercion) {
			metrics.SamplesSkipped.Inc()
			log.WithSensor(string(deviceType), sample.SensorID).Warn().
				Err(err).
				Str("device_id", sample.DeviceID).
				Time("sample_time", sample.Time).
				Msg("Skipping sample with mismatched value")
			return nil
		}
		return err
	}
	return w.Apply(req)
}

func coerce(value interface{}, kind types.SensorValueKind) (interface{}, error) {
	switch kind {
	case types.ValueKindNumeric:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not numeric", ErrValueCoercion, v)
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not numeric", ErrValueCoercion, v)
			}
			return f, nil
		}
	case types.ValueKindText, types.ValueKindBlob:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case types.ValueKindBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not boolean", ErrValueCoercion, v)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %T cannot be stored as %s", ErrValueCoercion, value, kind)
}
