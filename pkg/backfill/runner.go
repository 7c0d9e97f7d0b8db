package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nubiot/fleetsync/pkg/events"
	"github.com/nubiot/fleetsync/pkg/history"
	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/storage"
	"github.com/nubiot/fleetsync/pkg/types"
	"github.com/nubiot/fleetsync/pkg/writer"
)

// ErrJobActive is returned when a backfill is requested for a stream
// that already has one running. Callers fail fast instead of queuing.
var ErrJobActive = errors.New("a backfill job is already active for this sensor")

// Config holds runner tunables
type Config struct {
	// PageSize is the maximum records per historical API request.
	PageSize int
	// Slice is the time window covered by one page request.
	Slice time.Duration
	// Workers bounds how many devices are paged in parallel per job.
	Workers int
}

// Runner executes backfill jobs: cancellable, resumable background
// tasks that walk the historical API and write pages into the index.
// At most one job runs per (device type, sensor) at any time.
type Runner struct {
	store      storage.Store
	idx        *index.Index
	writer     *writer.Writer
	hist       *history.Client
	notifier   *events.Notifier
	composites *types.CompositeSet
	cfg        Config

	mu     sync.Mutex
	active map[string]*job
	wg     sync.WaitGroup
}

type job struct {
	id     string
	req    types.BackfillRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a backfill job runner.
func NewRunner(store storage.Store, idx *index.Index, w *writer.Writer, hist *history.Client, notifier *events.Notifier, composites *types.CompositeSet, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{
		store:      store,
		idx:        idx,
		writer:     w,
		hist:       hist,
		notifier:   notifier,
		composites: composites,
		cfg:        cfg,
		active:     make(map[string]*job),
	}
}

// Active reports whether a job is running for the stream.
func (r *Runner) Active(deviceType types.DeviceType, sensorID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[types.SensorKey(deviceType, sensorID)]
	return ok
}

// Cancel signals cooperative cancellation for the stream's job, if one
// is running, and reports whether a job was found. It does not wait
// for the job to observe the signal; use WaitFor for that.
func (r *Runner) Cancel(deviceType types.DeviceType, sensorID string) bool {
	r.mu.Lock()
	j, ok := r.active[types.SensorKey(deviceType, sensorID)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// WaitFor blocks until the stream's job, if any, has returned.
func (r *Runner) WaitFor(deviceType types.DeviceType, sensorID string) {
	r.mu.Lock()
	j, ok := r.active[types.SensorKey(deviceType, sensorID)]
	r.mu.Unlock()
	if ok {
		<-j.done
	}
}

// Stop cancels every running job and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	for _, j := range r.active {
		j.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Enqueue starts a backfill job for the request. If the request's To
// is nil it resolves to the stream's current oldest synced point, or
// "now minus nothing" when no prior data exists, so the backfill
// window never overlaps what live tail is already writing.
func (r *Runner) Enqueue(req types.BackfillRequest) error {
	state, err := r.store.GetSensorSync(req.DeviceType, req.SensorID)
	if err != nil {
		return err
	}

	if req.To == nil {
		to := req.From
		if state.SyncedFrom != nil {
			to = *state.SyncedFrom
		}
		req.To = &to
	}
	if req.To.After(req.From) {
		return fmt.Errorf("backfill window is inverted: to %s is newer than from %s", req.To, req.From)
	}

	key := types.SensorKey(req.DeviceType, req.SensorID)

	r.mu.Lock()
	if _, running := r.active[key]; running {
		r.mu.Unlock()
		return ErrJobActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:     uuid.New().String(),
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.active[key] = j
	r.mu.Unlock()

	metrics.BackfillJobsActive.Inc()
	r.wg.Add(1)
	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.active, key)
			r.mu.Unlock()
			close(j.done)
			metrics.BackfillJobsActive.Dec()
			r.wg.Done()
		}()
		r.run(ctx, j, state.ValueKind)
	}()
	return nil
}
