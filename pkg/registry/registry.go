package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nubiot/fleetsync/pkg/backfill"
	"github.com/nubiot/fleetsync/pkg/events"
	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/storage"
	"github.com/nubiot/fleetsync/pkg/types"
)

var (
	// ErrSensorNotFound is returned when no sync record exists for a
	// (device type, sensor) stream.
	ErrSensorNotFound = errors.New("sensor sync record not found")

	// ErrAlreadyProcessing is returned when a transition is requested
	// while a backfill job is still running for the stream.
	ErrAlreadyProcessing = errors.New("sensor is already processing a sync job")

	// ErrSensorDisabled is returned when an operation needs the stream
	// to be enabled first.
	ErrSensorDisabled = errors.New("sensor is disabled")
)

// Refresher is notified after any transition that changes which topics
// the live tail should be subscribed to.
type Refresher interface {
	RefreshSubscriptions(ctx context.Context) error
}

// Config carries the registry's transition parameters.
type Config struct {
	// Horizon bounds the initial backfill window when a sensor is
	// enabled for the first time.
	Horizon time.Duration
}

// Registry drives the per-sensor sync lifecycle. All transitions go
// through the store's guarded update so that a concurrent disable and
// a finishing job cannot interleave half-written state.
type Registry struct {
	store      storage.Store
	idx        *index.Index
	runner     *backfill.Runner
	notifier   *events.Notifier
	composites *types.CompositeSet
	refresher  Refresher
	cfg        Config
}

func New(store storage.Store, idx *index.Index, runner *backfill.Runner, notifier *events.Notifier, composites *types.CompositeSet, refresher Refresher, cfg Config) *Registry {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 90 * 24 * time.Hour
	}
	return &Registry{
		store:      store,
		idx:        idx,
		runner:     runner,
		notifier:   notifier,
		composites: composites,
		refresher:  refresher,
		cfg:        cfg,
	}
}

// DiscoverSensor creates the sync record for a stream if it does not
// exist yet. Discovery never flips an existing record; re-announcing a
// sensor with a different value kind keeps the original kind.
func (r *Registry) DiscoverSensor(deviceType types.DeviceType, sensorID, sensorName string, kind types.SensorValueKind) (*types.SensorSyncState, error) {
	if existing, err := r.store.GetSensorSync(deviceType, sensorID); err == nil {
		return existing, nil
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	state := &types.SensorSyncState{
		DeviceType: deviceType,
		SensorID:   sensorID,
		SensorName: sensorName,
		ValueKind:  kind,
		Enabled:    false,
		Progress:   100,
	}
	if err := r.store.CreateSensorSync(state); err != nil {
		return nil, err
	}
	log.WithSensor(string(deviceType), sensorID).Info().
		Str("value_kind", string(kind)).
		Msg("Discovered new sensor stream")
	return state, nil
}

// CurrentState returns the sync record for a stream.
func (r *Registry) CurrentState(deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error) {
	state, err := r.store.GetSensorSync(deviceType, sensorID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrSensorNotFound
		}
		return nil, err
	}
	return state, nil
}

// List returns every known sync record.
func (r *Registry) List() ([]*types.SensorSyncState, error) {
	return r.store.ListSensorSync()
}

// Enable turns a stream on: it marks the record enabled, kicks off the
// initial backfill and refreshes the live subscriptions. The backfill
// window runs from now back to the oldest document already in the
// index, or back to the configured horizon when the index is empty.
// When the index already reaches the horizon there is no gap to cover
// and the stream goes straight to live.
func (r *Registry) Enable(ctx context.Context, deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error) {
	if _, err := r.CurrentState(deviceType, sensorID); err != nil {
		return nil, err
	}
	if r.runner.Active(deviceType, sensorID) {
		return nil, ErrAlreadyProcessing
	}

	now := time.Now().UTC()
	horizonEdge := now.Add(-r.cfg.Horizon)
	to := horizonEdge

	// The index, not the sync record, is the authority on what has
	// actually been written. Composite members always backfill: the
	// shared events index can hold bounds written entirely by sibling
	// fields.
	_, isComposite := r.composites.Resolve(deviceType, sensorID)
	if !isComposite {
		oldest, newest, ok, err := r.idx.Bounds(index.Name(deviceType, sensorID))
		if err != nil {
			return nil, err
		}
		if ok {
			if !oldest.After(horizonEdge) {
				return r.enableWithoutGap(ctx, deviceType, sensorID, oldest, newest)
			}
			to = oldest
		}
	}

	state, err := r.store.UpdateSensorSyncGuarded(deviceType, sensorID, func(s *types.SensorSyncState) error {
		if !s.Enabled {
			metrics.SensorsEnabled.Inc()
		}
		s.Enabled = true
		s.Progress = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.publish(state, types.PhaseEnabling, "")

	req := types.BackfillRequest{
		DeviceType: deviceType,
		SensorID:   sensorID,
		From:       now,
		To:         &to,
	}
	if err := r.runner.Enqueue(req); err != nil {
		if errors.Is(err, backfill.ErrJobActive) {
			return nil, ErrAlreadyProcessing
		}
		return nil, fmt.Errorf("failed to start backfill: %w", err)
	}

	r.refresh(ctx)
	log.WithSensor(string(deviceType), sensorID).Info().
		Time("from", now).
		Time("to", to).
		Msg("Sensor enabled, backfill started")
	return state, nil
}

// enableWithoutGap flips a stream whose index already reaches the
// horizon straight to live, skipping the backfill.
func (r *Registry) enableWithoutGap(ctx context.Context, deviceType types.DeviceType, sensorID string, oldest, newest time.Time) (*types.SensorSyncState, error) {
	state, err := r.store.UpdateSensorSyncGuarded(deviceType, sensorID, func(s *types.SensorSyncState) error {
		if !s.Enabled {
			metrics.SensorsEnabled.Inc()
		}
		s.Enabled = true
		s.Progress = 100
		s.SyncedFrom = &oldest
		s.SyncedTo = &newest
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SyncProgress.WithLabelValues(string(deviceType), sensorID).Set(100)
	r.publish(state, types.PhaseLive, "")
	r.refresh(ctx)
	log.WithSensor(string(deviceType), sensorID).Info().
		Time("oldest", oldest).
		Msg("Sensor enabled, index already covers the horizon")
	return state, nil
}

// Disable turns a stream off: any running job is cancelled and waited
// out, the record's bounds are cleared and the stream's documents are
// removed from the index. For a composite member only its own field is
// scrubbed from the shared recognition-event documents.
func (r *Registry) Disable(ctx context.Context, deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error) {
	if _, err := r.CurrentState(deviceType, sensorID); err != nil {
		return nil, err
	}

	if r.runner.Cancel(deviceType, sensorID) {
		r.runner.WaitFor(deviceType, sensorID)
	}

	state, err := r.store.UpdateSensorSyncGuarded(deviceType, sensorID, func(s *types.SensorSyncState) error {
		if s.Enabled {
			metrics.SensorsEnabled.Dec()
		}
		// Disabled streams read as settled: progress pegged at 100,
		// bounds cleared.
		s.Enabled = false
		s.Progress = 100
		s.SyncedFrom = nil
		s.SyncedTo = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := r.scrub(deviceType, sensorID); err != nil {
		log.WithSensor(string(deviceType), sensorID).Error().Err(err).
			Msg("Failed to remove synced documents on disable")
	}

	r.publish(state, types.PhaseDisabled, "")
	r.refresh(ctx)
	log.WithSensor(string(deviceType), sensorID).Info().Msg("Sensor disabled")
	return state, nil
}

// AddRange requests an additional historical window for an enabled
// stream, typically older than what the initial backfill covered.
func (r *Registry) AddRange(ctx context.Context, req types.BackfillRequest) error {
	state, err := r.CurrentState(req.DeviceType, req.SensorID)
	if err != nil {
		return err
	}
	if !state.Enabled {
		return fmt.Errorf("%s: %w", types.SensorKey(req.DeviceType, req.SensorID), ErrSensorDisabled)
	}

	if err := r.runner.Enqueue(req); err != nil {
		if errors.Is(err, backfill.ErrJobActive) {
			return ErrAlreadyProcessing
		}
		return err
	}
	return nil
}

func (r *Registry) scrub(deviceType types.DeviceType, sensorID string) error {
	if spec, ok := r.composites.Resolve(deviceType, sensorID); ok {
		removed, err := r.idx.ScrubField(index.EventsName(deviceType), spec.Field)
		if err != nil {
			return err
		}
		log.WithSensor(string(deviceType), sensorID).Debug().
			Int("documents", removed).
			Str("field", spec.Field).
			Msg("Scrubbed composite field contributions")
		return nil
	}
	return r.idx.Drop(index.Name(deviceType, sensorID))
}

func (r *Registry) publish(state *types.SensorSyncState, phase types.SyncPhase, errMsg string) {
	if r.notifier == nil {
		return
	}
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

func (r *Registry) refresh(ctx context.Context) {
	if r.refresher == nil {
		return
	}
	if err := r.refresher.RefreshSubscriptions(ctx); err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("Failed to refresh live subscriptions")
	}
}
