package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubiot/fleetsync/pkg/backfill"
	"github.com/nubiot/fleetsync/pkg/events"
	"github.com/nubiot/fleetsync/pkg/history"
	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/registry"
	"github.com/nubiot/fleetsync/pkg/storage"
	"github.com/nubiot/fleetsync/pkg/types"
	"github.com/nubiot/fleetsync/pkg/writer"
)

type noopRefresher struct{}

func (noopRefresher) RefreshSubscriptions(ctx context.Context) error { return nil }

type apiFixture struct {
	server   *httptest.Server
	store    *storage.BoltStore
	notifier *events.Notifier
	runner   *backfill.Runner
}

// newAPIFixture wires a full engine stack behind an httptest server,
// with a stub history upstream serving a dozen recent samples.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	base := time.Now().UTC().Add(-time.Hour)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device := r.URL.Query().Get("device")
		start, _ := time.Parse(time.RFC3339Nano, r.URL.Query().Get("start"))
		end, _ := time.Parse(time.RFC3339Nano, r.URL.Query().Get("end"))

		type rec struct {
			DeviceID string    `json:"deviceId"`
			Time     time.Time `json:"time"`
			Value    float64   `json:"value"`
		}
		var records []rec
		for i := 0; i < 12; i++ {
			at := base.Add(time.Duration(i) * 5 * time.Minute)
			if !at.Before(start) && at.Before(end) {
				records = append(records, rec{DeviceID: device, Time: at, Value: float64(i)})
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"records": records})
	}))
	t.Cleanup(upstream.Close)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix, err := index.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	notifier := events.NewNotifier()
	notifier.Start()
	t.Cleanup(notifier.Stop)

	composites := types.NewCompositeSet(nil)
	wr := writer.New(ix, composites)
	hist := history.NewClient(upstream.URL, 5*time.Second)
	runner := backfill.NewRunner(store, ix, wr, hist, notifier, composites, backfill.Config{
		PageSize: 500,
		Slice:    24 * time.Hour,
		Workers:  2,
	})
	t.Cleanup(runner.Stop)

	reg := registry.New(store, ix, runner, notifier, composites, noopRefresher{}, registry.Config{
		Horizon: 30 * 24 * time.Hour,
	})

	srv := NewServer(":0", reg, store, ix, notifier)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{server: ts, store: store, notifier: notifier, runner: runner}
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func seedFleet(t *testing.T, f *apiFixture) {
	t.Helper()
	resp := f.post(t, "/v1/credentials", map[string]string{"id": "cred-1", "project_id": "proj-1", "app_secret": "hush"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.post(t, "/v1/device-groups", map[string]string{"id": "group-1", "credential_id": "cred-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.post(t, "/v1/devices", map[string]string{"id": "dev-0", "type": "ENVIRONMENT", "group_id": "group-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFleetCRUDValidation(t *testing.T) {
	f := newAPIFixture(t)

	// Group referencing a missing credential is rejected.
	resp := f.post(t, "/v1/device-groups", map[string]string{"credential_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Device referencing a missing group is rejected.
	resp = f.post(t, "/v1/devices", map[string]string{"type": "ENVIRONMENT", "group_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	seedFleet(t, f)

	// Credential listing never exposes the secret.
	resp = f.get(t, "/v1/credentials")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var creds []types.TenantCredential
	decode(t, resp, &creds)
	require.Len(t, creds, 1)
	assert.Empty(t, creds[0].AppSecret)
}

func TestSensorLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	seedFleet(t, f)

	resp := f.post(t, "/v1/sensors", map[string]string{
		"device_type": "ENVIRONMENT", "sensor_id": "temp-01", "value_kind": "numeric",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.post(t, "/v1/sensors/ENVIRONMENT/temp-01/enable", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.runner.WaitFor("ENVIRONMENT", "temp-01")

	resp = f.get(t, "/v1/sensors/ENVIRONMENT/temp-01/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state types.SensorSyncState
	decode(t, resp, &state)
	assert.True(t, state.Enabled)
	assert.Equal(t, 100, state.Progress)
	assert.NotNil(t, state.SyncedFrom)

	resp = f.post(t, "/v1/sensors/ENVIRONMENT/temp-01/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &state)
	assert.False(t, state.Enabled)
}

func TestEnableUnknownSensorReturns404(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.post(t, "/v1/sensors/ENVIRONMENT/ghost/enable", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackfillValidation(t *testing.T) {
	f := newAPIFixture(t)
	seedFleet(t, f)

	resp := f.post(t, "/v1/sensors", map[string]string{
		"device_type": "ENVIRONMENT", "sensor_id": "temp-01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Missing "from".
	resp = f.post(t, "/v1/sensors/ENVIRONMENT/temp-01/backfill", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Disabled sensor cannot take ranges.
	resp = f.post(t, "/v1/sensors/ENVIRONMENT/temp-01/backfill", map[string]interface{}{
		"from": time.Now().UTC(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestProgressStream(t *testing.T) {
	f := newAPIFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/v1/progress", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a beat to register its subscription.
	require.Eventually(t, func() bool {
		return f.notifier.SubscriberCount(events.TopicAll) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.notifier.Publish(&types.ProgressUpdate{
		DeviceType: "ENVIRONMENT",
		SensorID:   "temp-01",
		Phase:      types.PhaseBackfilling,
		Enabled:    true,
		Progress:   42,
	})

	reader := bufio.NewReader(resp.Body)
	var payload string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			payload = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}

	var update types.ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(payload), &update))
	assert.Equal(t, 42, update.Progress)
	assert.Equal(t, types.PhaseBackfilling, update.Phase)
}

func TestFilteredProgressStream(t *testing.T) {
	f := newAPIFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/sensors/ENVIRONMENT/temp-01/progress", f.server.URL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	topic := types.SensorKey("ENVIRONMENT", "temp-01")
	require.Eventually(t, func() bool {
		return f.notifier.SubscriberCount(topic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// An unrelated stream's update must not reach this subscriber.
	f.notifier.Publish(&types.ProgressUpdate{DeviceType: "CAMERA", SensorID: "other", Progress: 7})
	f.notifier.Publish(&types.ProgressUpdate{DeviceType: "ENVIRONMENT", SensorID: "temp-01", Progress: 55})

	reader := bufio.NewReader(resp.Body)
	var payload string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			payload = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}

	var update types.ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(payload), &update))
	assert.Equal(t, "temp-01", update.SensorID)
	assert.Equal(t, 55, update.Progress)
}
