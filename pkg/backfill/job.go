package backfill

import (
	"context"
	"errors"
	"sync"

	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/types"
)

// errStale marks a guarded registry update that found the stream
// disabled underneath it; the update is dropped, not an error.
var errStale = errors.New("sensor disabled during update")

func (r *Runner) run(ctx context.Context, j *job, kind types.SensorValueKind) {
	logger := log.WithJobID(j.id).With().
		Str("device_type", string(j.req.DeviceType)).
		Str("sensor_id", j.req.SensorID).
		Logger()

	indexName, err := r.ensureIndex(j, kind)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to ensure index before backfill")
		r.fail(j, indexName, err)
		return
	}

	if err := r.markBackfilling(j); err != nil {
		logger.Error().Err(err).Msg("Failed to mark stream as backfilling")
		return
	}

	logger.Info().
		Time("from", j.req.From).
		Time("to", *j.req.To).
		Msg("Backfill job started")

	groups, err := r.store.ListDeviceGroups()
	if err != nil {
		r.fail(j, indexName, err)
		return
	}

	// Only tenants that actually own devices of this type take part in
	// the progress normalization.
	type tenantWork struct {
		group   *types.DeviceGroup
		devices []*types.Device
	}
	var work []tenantWork
	for _, group := range groups {
		devices, err := r.store.ListDevicesByGroup(group.ID)
		if err != nil {
			r.fail(j, indexName, err)
			return
		}
		var matched []*types.Device
		for _, d := range devices {
			if d.Type == j.req.DeviceType {
				matched = append(matched, d)
			}
		}
		if len(matched) > 0 {
			work = append(work, tenantWork{group: group, devices: matched})
		}
	}

	tracker := newProgressTracker()
	for _, tw := range work {
		for _, d := range tw.devices {
			tracker.set(tw.group.ID, d.ID, 0)
		}
	}

	for _, tw := range work {
		cred, err := r.store.GetCredential(tw.group.CredentialID)
		if err != nil {
			r.fail(j, indexName, err)
			return
		}

		if err := r.pageTenant(ctx, j, tw.group.ID, cred, tw.devices, kind, tracker); err != nil {
			if errors.Is(err, context.Canceled) {
				// Cooperative cancellation: return without marking
				// completion. The disable path owns cleanup.
				logger.Info().Msg("Backfill job cancelled")
				metrics.BackfillJobsTotal.WithLabelValues("cancelled").Inc()
				return
			}
			logger.Error().Err(err).Msg("Backfill job failed, rolling back attempted range")
			r.fail(j, indexName, err)
			return
		}
	}

	r.complete(j, indexName)
	logger.Info().Msg("Backfill job completed")
}

// pageTenant walks every device of one tenant group, bounded by the
// configured worker count.
func (r *Runner) pageTenant(ctx context.Context, j *job, tenantID string, cred *types.TenantCredential, devices []*types.Device, kind types.SensorValueKind, tracker *progressTracker) error {
	sem := make(chan struct{}, r.cfg.Workers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error

	for _, device := range devices {
		wg.Add(1)
		sem <- struct{}{}
		go func(d *types.Device) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := r.pageDevice(ctx, j, tenantID, cred, d, kind, tracker); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(device)
	}
	wg.Wait()
	return firstErr
}

// pageDevice pages one device's history backward from the request's
// newer bound toward the older one, in fixed time slices, writing
// every page through the event writer and reporting progress per page.
func (r *Runner) pageDevice(ctx context.Context, j *job, tenantID string, cred *types.TenantCredential, device *types.Device, kind types.SensorValueKind, tracker *progressTracker) error {
	from := j.req.From
	to := *j.req.To
	total := from.Sub(to)

	cursor := from
	for cursor.After(to) {
		// Cancellation is observed before each page request.
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}

		sliceStart := cursor.Add(-r.cfg.Slice)
		if sliceStart.Before(to) {
			sliceStart = to
		}

		samples, err := r.hist.FetchPage(ctx, cred, device.ID, j.req.SensorID, sliceStart, cursor, r.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		metrics.BackfillPagesFetched.Inc()

		for _, sample := range samples {
			if err := r.writer.Write(j.req.DeviceType, sample, kind); err != nil {
				return err
			}
		}

		advanced := sliceStart
		if len(samples) == r.cfg.PageSize {
			// Slice not exhausted; resume below the oldest record of
			// this page (the fetch window's upper bound is exclusive).
			oldest := samples[0].Time
			for _, s := range samples {
				if s.Time.Before(oldest) {
					oldest = s.Time
				}
			}
			if oldest.Before(cursor) && oldest.After(sliceStart) {
				advanced = oldest
			}
		}

		fraction := 1.0
		if total > 0 {
			fraction = float64(from.Sub(advanced)) / float64(total)
		}

		// Zero records means this device hit its data boundary; a
		// single record is treated the same to avoid spinning on one
		// straggler at a range edge.
		done := len(samples) <= 1 || !advanced.After(to)
		if done {
			fraction = 1.0
		}

		tracker.set(tenantID, device.ID, fraction)
		r.reportProgress(j, tracker)

		if done {
			return nil
		}
		cursor = advanced
	}
	return nil
}

func (r *Runner) ensureIndex(j *job, kind types.SensorValueKind) (string, error) {
	if spec, ok := r.composites.Resolve(j.req.DeviceType, j.req.SensorID); ok {
		name := index.EventsName(j.req.DeviceType)
		return name, r.idx.Ensure(name, index.EventsMapping(r.composites.Fields(spec.RecognitionType)))
	}
	name := index.Name(j.req.DeviceType, j.req.SensorID)
	return name, r.idx.Ensure(name, index.MappingFor(kind))
}

func (r *Runner) markBackfilling(j *job) error {
	state, err := r.store.UpdateSensorSyncGuarded(j.req.DeviceType, j.req.SensorID, func(s *types.SensorSyncState) error {
		if !s.Enabled {
			return errStale
		}
		s.Progress = 0
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(state, types.PhaseBackfilling, "")
	return nil
}

// reportProgress pushes the aggregate percentage into the registry and
// the notifier. A stream disabled mid-run silently drops the update.
func (r *Runner) reportProgress(j *job, tracker *progressTracker) {
	percent := tracker.percent()
	if percent > 99 {
		percent = 99 // 100 is reserved for completion
	}

	state, err := r.store.UpdateSensorSyncGuarded(j.req.DeviceType, j.req.SensorID, func(s *types.SensorSyncState) error {
		if !s.Enabled {
			return errStale
		}
		s.Progress = percent
		return nil
	})
	if err != nil {
		return
	}

	metrics.SyncProgress.WithLabelValues(string(j.req.DeviceType), j.req.SensorID).Set(float64(percent))
	r.publish(state, types.PhaseBackfilling, "")
}

// complete re-applies the bounds from the timestamp oracle and marks
// the stream live.
func (r *Runner) complete(j *job, indexName string) {
	oldest, newest, ok, err := r.idx.Bounds(indexName)
	if err != nil {
		r.fail(j, indexName, err)
		return
	}

	state, err := r.store.UpdateSensorSyncGuarded(j.req.DeviceType, j.req.SensorID, func(s *types.SensorSyncState) error {
		if !s.Enabled {
			return errStale
		}
		s.Progress = 100
		if ok {
			o, n := oldest, newest
			s.SyncedFrom = &o
			s.SyncedTo = &n
		}
		return nil
	})
	if err != nil {
		return
	}

	metrics.SyncProgress.WithLabelValues(string(j.req.DeviceType), j.req.SensorID).Set(100)
	metrics.BackfillJobsTotal.WithLabelValues("completed").Inc()
	r.publish(state, types.PhaseLive, "")
}

// fail rolls back everything this attempt wrote in [to, from] and
// forces the registry to disabled, so a user-facing indicator reflects
// the failure instead of a stuck progress bar.
func (r *Runner) fail(j *job, indexName string, cause error) {
	logger := log.WithJobID(j.id)

	lo, hi := *j.req.To, j.req.From
	if spec, ok := r.composites.Resolve(j.req.DeviceType, j.req.SensorID); ok {
		if _, err := r.idx.ScrubFieldRange(indexName, spec.Field, lo, hi); err != nil {
			logger.Error().Err(err).Msg("Rollback scrub failed; partial composite contributions remain")
		}
	} else {
		if _, err := r.idx.DeleteRange(indexName, lo, hi); err != nil {
			logger.Error().Err(err).Msg("Rollback delete failed; partial documents remain")
		}
	}

	state, err := r.store.UpdateSensorSyncGuarded(j.req.DeviceType, j.req.SensorID, func(s *types.SensorSyncState) error {
		if s.Enabled {
			metrics.SensorsEnabled.Dec()
		}
		s.Enabled = false
		s.Progress = 100
		s.SyncedFrom = nil
		s.SyncedTo = nil
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to force registry to disabled after job failure")
		return
	}

	metrics.SyncProgress.WithLabelValues(string(j.req.DeviceType), j.req.SensorID).Set(100)
	metrics.BackfillJobsTotal.WithLabelValues("failed").Inc()
	r.publish(state, types.PhaseDisabled, cause.Error())
}

func (r *Runner) publish(state *types.SensorSyncState, phase types.SyncPhase, errMsg string) {
	r.notifier.Publish(&types.ProgressUpdate{
		DeviceType: state.DeviceType,
		SensorID:   state.SensorID,
		Phase:      phase,
		Enabled:    state.Enabled,
		Progress:   state.Progress,
		SyncedFrom: state.SyncedFrom,
		SyncedTo:   state.SyncedTo,
		Error:      errMsg,
	})
}

// progressTracker aggregates per-device completion fractions into one
// percentage: mean over each tenant's devices, then mean over tenants.
// Tenants with many devices therefore do not dominate the number shown
// to the sensor-level observer.
type progressTracker struct {
	mu      sync.Mutex
	tenants map[string]map[string]float64
}

func newProgressTracker() *progressTracker {
	return &progressTracker{tenants: make(map[string]map[string]float64)}
}

func (t *progressTracker) set(tenantID, deviceID string, fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tenants[tenantID] == nil {
		t.tenants[tenantID] = make(map[string]float64)
	}
	t.tenants[tenantID][deviceID] = fraction
}

func (t *progressTracker) percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.tenants) == 0 {
		return 100
	}
	var tenantSum float64
	for _, devices := range t.tenants {
		var deviceSum float64
		for _, f := range devices {
			deviceSum += f
		}
		tenantSum += deviceSum / float64(len(devices))
	}
	return int(tenantSum / float64(len(t.tenants)) * 100)
}
