package backfill

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubiot/fleetsync/pkg/events"
	"github.com/nubiot/fleetsync/pkg/history"
	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/storage"
	"github.com/nubiot/fleetsync/pkg/types"
	"github.com/nubiot/fleetsync/pkg/writer"
)

var seriesBase = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// historyServer serves a deterministic 10-minute sample series for
// every device, spanning [seriesBase, seriesBase+2d).
type historyServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests int
	minStart time.Time
	failFor  map[string]bool // device IDs that respond 502
	delay    time.Duration
}

func newHistoryServer(t *testing.T) *historyServer {
	t.Helper()
	hs := &historyServer{failFor: make(map[string]bool)}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.handle))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *historyServer) handle(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	hs.requests++
	delay := hs.delay
	hs.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	device := r.URL.Query().Get("device")
	start, _ := time.Parse(time.RFC3339Nano, r.URL.Query().Get("start"))
	end, _ := time.Parse(time.RFC3339Nano, r.URL.Query().Get("end"))

	hs.mu.Lock()
	if hs.minStart.IsZero() || start.Before(hs.minStart) {
		hs.minStart = start
	}
	fail := hs.failFor[device]
	hs.mu.Unlock()

	if fail {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
		return
	}

	type rec struct {
		DeviceID string    `json:"deviceId"`
		Time     time.Time `json:"time"`
		Value    float64   `json:"value"`
	}
	var records []rec
	for i := 0; i < 288; i++ {
		at := seriesBase.Add(time.Duration(i) * 10 * time.Minute)
		if !at.Before(start) && at.Before(end) {
			records = append(records, rec{DeviceID: device, Time: at, Value: float64(i)})
		}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"records": records})
}

type fixture struct {
	store    *storage.BoltStore
	idx      *index.Index
	notifier *events.Notifier
	runner   *Runner
}

func newFixture(t *testing.T, hs *historyServer, deviceCount int) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix, err := index.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	notifier := events.NewNotifier()
	notifier.Start()
	t.Cleanup(notifier.Stop)

	require.NoError(t, store.CreateCredential(&types.TenantCredential{ID: "cred-1", ProjectID: "proj-1"}))
	require.NoError(t, store.CreateDeviceGroup(&types.DeviceGroup{ID: "group-1", Name: "Plant A", CredentialID: "cred-1"}))
	for i := 0; i < deviceCount; i++ {
		require.NoError(t, store.CreateDevice(&types.Device{
			ID: fmt.Sprintf("dev-%d", i), Type: "ENVIRONMENT", GroupID: "group-1",
		}))
	}
	require.NoError(t, store.CreateSensorSync(&types.SensorSyncState{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		ValueKind:  types.ValueKindNumeric,
		Enabled:    true,
		Progress:   0,
	}))

	composites := types.NewCompositeSet(nil)
	w := writer.New(ix, composites)
	hist := history.NewClient(hs.URL, 5*time.Second)
	runner := NewRunner(store, ix, w, hist, notifier, composites, Config{
		PageSize: 500,
		Slice:    24 * time.Hour,
		Workers:  2,
	})
	t.Cleanup(runner.Stop)

	return &fixture{store: store, idx: ix, notifier: notifier, runner: runner}
}

func TestBackfillCompletes(t *testing.T) {
	hs := newHistoryServer(t)
	f := newFixture(t, hs, 3)

	sub := f.notifier.Subscribe("ENVIRONMENT/temp-01")

	to := seriesBase
	require.NoError(t, f.runner.Enqueue(types.BackfillRequest{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		From:       seriesBase.Add(48 * time.Hour),
		To:         &to,
	}))
	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	// 288 samples per device across 3 devices
	count, err := f.idx.Count(index.Name("ENVIRONMENT", "temp-01"))
	require.NoError(t, err)
	assert.Equal(t, 864, count)

	state, err := f.store.GetSensorSync("ENVIRONMENT", "temp-01")
	require.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.Equal(t, 100, state.Progress)
	require.NotNil(t, state.SyncedFrom)
	require.NotNil(t, state.SyncedTo)
	assert.True(t, state.SyncedFrom.Equal(seriesBase))
	assert.True(t, state.SyncedTo.Equal(seriesBase.Add(287*10*time.Minute)))

	// The notifier saw the terminal snapshot
	deadline := time.After(2 * time.Second)
	for {
		select {
		case update := <-sub:
			if update.Progress == 100 && update.Phase == types.PhaseLive {
				return
			}
		case <-deadline:
			t.Fatal("never observed the completed progress snapshot")
		}
	}
}

func TestBackfillIdempotentReplay(t *testing.T) {
	hs := newHistoryServer(t)
	f := newFixture(t, hs, 1)

	to := seriesBase
	req := types.BackfillRequest{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		From:       seriesBase.Add(48 * time.Hour),
		To:         &to,
	}
	require.NoError(t, f.runner.Enqueue(req))
	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	// Re-running the same window writes the same document keys
	require.NoError(t, f.runner.Enqueue(req))
	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	count, err := f.idx.Count(index.Name("ENVIRONMENT", "temp-01"))
	require.NoError(t, err)
	assert.Equal(t, 288, count)
}

func TestBackfillAlreadyActive(t *testing.T) {
	hs := newHistoryServer(t)
	hs.delay = 50 * time.Millisecond
	f := newFixture(t, hs, 1)

	to := seriesBase
	req := types.BackfillRequest{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		From:       seriesBase.Add(48 * time.Hour),
		To:         &to,
	}
	require.NoError(t, f.runner.Enqueue(req))

	err := f.runner.Enqueue(req)
	assert.True(t, errors.Is(err, ErrJobActive))

	f.runner.WaitFor("ENVIRONMENT", "temp-01")
}

func TestBackfillFailureRollsBack(t *testing.T) {
	hs := newHistoryServer(t)
	f := newFixture(t, hs, 2)
	hs.failFor["dev-1"] = true

	sub := f.notifier.Subscribe("ENVIRONMENT/temp-01")

	to := seriesBase
	require.NoError(t, f.runner.Enqueue(types.BackfillRequest{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		From:       seriesBase.Add(48 * time.Hour),
		To:         &to,
	}))
	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	// Whatever dev-0 wrote for the attempted window is gone
	count, err := f.idx.Count(index.Name("ENVIRONMENT", "temp-01"))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	state, err := f.store.GetSensorSync("ENVIRONMENT", "temp-01")
	require.NoError(t, err)
	assert.False(t, state.Enabled)
	assert.Equal(t, 100, state.Progress)
	assert.Nil(t, state.SyncedFrom)
	assert.Nil(t, state.SyncedTo)

	// The failure is pushed to observers, not silently swallowed
	deadline := time.After(2 * time.Second)
	for {
		select {
		case update := <-sub:
			if !update.Enabled && update.Error != "" {
				assert.Equal(t, types.PhaseDisabled, update.Phase)
				return
			}
		case <-deadline:
			t.Fatal("never observed the failure snapshot")
		}
	}
}

func TestBackfillFailureDecrementsEnabledGauge(t *testing.T) {
	hs := newHistoryServer(t)
	f := newFixture(t, hs, 1)
	hs.failFor["dev-0"] = true

	// Mirror the seeded enabled sensor in the gauge, as Enable does
	metrics.SensorsEnabled.Inc()
	before := testutil.ToFloat64(metrics.SensorsEnabled)

	to := seriesBase
	require.NoError(t, f.runner.Enqueue(types.BackfillRequest{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		From:       seriesBase.Add(48 * time.Hour),
		To:         &to,
	}))
	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	state, err := f.store.GetSensorSync("ENVIRONMENT", "temp-01")
	require.NoError(t, err)
	require.False(t, state.Enabled)
	assert.Equal(t, before-1, testutil.ToFloat64(metrics.SensorsEnabled))
}

func TestBackfillCancel(t *testing.T) {
	hs := newHistoryServer(t)
	hs.delay = 50 * time.Millisecond
	f := newFixture(t, hs, 1)

	to := seriesBase
	require.NoError(t, f.runner.Enqueue(types.BackfillRequest{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		From:       seriesBase.Add(48 * time.Hour),
		To:         &to,
	}))

	require.True(t, f.runner.Cancel("ENVIRONMENT", "temp-01"))
	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	// Job returned without marking completion
	assert.False(t, f.runner.Active("ENVIRONMENT", "temp-01"))
	state, err := f.store.GetSensorSync("ENVIRONMENT", "temp-01")
	require.NoError(t, err)
	assert.NotEqual(t, 100, state.Progress)
}

func TestEnqueueDefaultsToSyncedFrom(t *testing.T) {
	hs := newHistoryServer(t)
	f := newFixture(t, hs, 1)

	// Pretend everything newer than base+24h is already synced
	synced := seriesBase.Add(24 * time.Hour)
	_, err := f.store.UpdateSensorSyncGuarded("ENVIRONMENT", "temp-01", func(s *types.SensorSyncState) error {
		s.SyncedFrom = &synced
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.runner.Enqueue(types.BackfillRequest{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		From:       seriesBase.Add(48 * time.Hour),
	}))
	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	// No request reached below the already-synced boundary
	hs.mu.Lock()
	minStart := hs.minStart
	hs.mu.Unlock()
	assert.False(t, minStart.Before(synced), "backfill window overlapped already-synced range: fetched from %s", minStart)
}

func TestProgressTrackerTwoLevelAverage(t *testing.T) {
	tracker := newProgressTracker()

	// Tenant A has 9 finished devices, tenant B one unstarted device.
	for i := 0; i < 9; i++ {
		tracker.set("tenant-a", fmt.Sprintf("dev-%d", i), 1.0)
	}
	tracker.set("tenant-b", "dev-x", 0)

	// A time-weighted global average would be 90; the tenant-level
	// average is 50 because each tenant contributes equally.
	assert.Equal(t, 50, tracker.percent())
}
