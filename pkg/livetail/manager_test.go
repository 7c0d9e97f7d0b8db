package livetail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/storage"
	"github.com/nubiot/fleetsync/pkg/types"
	"github.com/nubiot/fleetsync/pkg/writer"
)

// fakeBroker records subscriptions and lets tests inject messages.
type fakeBroker struct {
	mu           sync.Mutex
	batches      [][]string
	handler      MessageHandler
	disconnected bool
	failBatch    int // 1-based index of a batch to reject, 0 = none
}

func (b *fakeBroker) Subscribe(topics []string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, topics)
	if b.failBatch > 0 && len(b.batches) == b.failBatch {
		return errors.New("broker rejected subscribe")
	}
	b.handler = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topics []string) error { return nil }

func (b *fakeBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

func (b *fakeBroker) inject(topic string, payload []byte) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func (b *fakeBroker) topicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, batch := range b.batches {
		n += len(batch)
	}
	return n
}

type testEnv struct {
	store   *storage.BoltStore
	idx     *index.Index
	manager *Manager
	brokers map[string]*fakeBroker
	mu      sync.Mutex
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix, err := index.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	env := &testEnv{store: store, idx: ix, brokers: make(map[string]*fakeBroker)}

	composites := types.NewCompositeSet([]types.CompositeSpec{
		{DeviceType: "CAMERA", SensorID: "plate-number", RecognitionType: "vehicle", Field: "plate"},
	})
	wr := writer.New(ix, composites)

	dial := func(cred *types.TenantCredential) (BrokerClient, error) {
		broker := &fakeBroker{}
		env.mu.Lock()
		env.brokers[cred.ID] = broker
		env.mu.Unlock()
		return broker, nil
	}

	env.manager = NewManager(store, wr, dial, cfg)
	t.Cleanup(env.manager.Stop)
	return env
}

func (env *testEnv) broker(credID string) *fakeBroker {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.brokers[credID]
}

func seedFleet(t *testing.T, store *storage.BoltStore, deviceCount int) {
	t.Helper()
	require.NoError(t, store.CreateCredential(&types.TenantCredential{ID: "cred-1", ProjectID: "proj-1"}))
	require.NoError(t, store.CreateDeviceGroup(&types.DeviceGroup{ID: "group-1", CredentialID: "cred-1"}))
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
	}))
}

func TestRebuildSubscribesEnabledSensors(t *testing.T) {
	env := newTestEnv(t, Config{SubscribeBatchSize: 2})
	seedFleet(t, env.store, 5)

	require.NoError(t, env.manager.Rebuild(context.Background()))
	require.Equal(t, 1, env.manager.TenantCount())

	broker := env.broker("cred-1")
	require.NotNil(t, broker)
	assert.Equal(t, 5, broker.topicCount())

	// Batches respect the configured bound
	for _, batch := range broker.batches {
		assert.LessOrEqual(t, len(batch), 2)
	}
	assert.Len(t, broker.batches, 3)
}

func TestRebuildSkipsDisabledSensors(t *testing.T) {
	env := newTestEnv(t, Config{SubscribeBatchSize: 10})
	seedFleet(t, env.store, 2)
	require.NoError(t, env.store.CreateSensorSync(&types.SensorSyncState{
		DeviceType: "ENVIRONMENT",
		SensorID:   "humidity-01",
		ValueKind:  types.ValueKindNumeric,
		Enabled:    false,
	}))

	require.NoError(t, env.manager.Rebuild(context.Background()))

	broker := env.broker("cred-1")
	require.NotNil(t, broker)
	assert.Equal(t, 2, broker.topicCount(), "only the enabled sensor's topics")
	for _, batch := range broker.batches {
		for _, topic := range batch {
			assert.Contains(t, topic, "temp-01")
		}
	}
}

func TestRebuildReplacesConnections(t *testing.T) {
	env := newTestEnv(t, Config{SubscribeBatchSize: 10})
	seedFleet(t, env.store, 1)

	require.NoError(t, env.manager.Rebuild(context.Background()))
	first := env.broker("cred-1")
	require.NotNil(t, first)

	require.NoError(t, env.manager.Rebuild(context.Background()))

	first.mu.Lock()
	disconnected := first.disconnected
	first.mu.Unlock()
	assert.True(t, disconnected, "old connection must be torn down on rebuild")
	assert.Equal(t, 1, env.manager.TenantCount())
}

func TestConcurrentRebuildsLeakNoConnections(t *testing.T) {
	env := newTestEnv(t, Config{SubscribeBatchSize: 10})
	seedFleet(t, env.store, 1)

	// Slow down dialing so overlapping rebuilds would interleave
	// without serialization, and record every broker handed out.
	var dialed struct {
		mu      sync.Mutex
		brokers []*fakeBroker
	}
	env.manager.dial = func(cred *types.TenantCredential) (BrokerClient, error) {
		time.Sleep(20 * time.Millisecond)
		broker := &fakeBroker{}
		dialed.mu.Lock()
		dialed.brokers = append(dialed.brokers, broker)
		dialed.mu.Unlock()
		return broker, nil
	}

	const rebuilds = 8
	var wg sync.WaitGroup
	for i := 0; i < rebuilds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.manager.Rebuild(context.Background()))
		}()
	}
	wg.Wait()

	dialed.mu.Lock()
	defer dialed.mu.Unlock()
	require.Len(t, dialed.brokers, rebuilds)

	live := 0
	for _, broker := range dialed.brokers {
		broker.mu.Lock()
		if !broker.disconnected {
			live++
		}
		broker.mu.Unlock()
	}
	assert.Equal(t, 1, live, "every superseded connection must be disconnected")
	assert.Equal(t, 1, env.manager.TenantCount())

	env.manager.Stop()
	for _, broker := range dialed.brokers {
		broker.mu.Lock()
		assert.True(t, broker.disconnected)
		broker.mu.Unlock()
	}
}

func TestSubscribeBatchErrorContinues(t *testing.T) {
	env := newTestEnv(t, Config{SubscribeBatchSize: 2})
	seedFleet(t, env.store, 6)

	// Pre-arm the dialer's next broker to fail its second batch
	origDial := env.manager.dial
	env.manager.dial = func(cred *types.TenantCredential) (BrokerClient, error) {
		client, err := origDial(cred)
		if err == nil {
			client.(*fakeBroker).failBatch = 2
		}
		return client, err
	}

	require.NoError(t, env.manager.Rebuild(context.Background()))

	broker := env.broker("cred-1")
	require.NotNil(t, broker)
	// 3 batches attempted, middle one rejected
	assert.Len(t, broker.batches, 3)
}

func TestInboundMessageWritten(t *testing.T) {
	env := newTestEnv(t, Config{SubscribeBatchSize: 10, InboxSize: 16})
	seedFleet(t, env.store, 1)

	name := index.Name("ENVIRONMENT", "temp-01")
	require.NoError(t, env.idx.Ensure(name, index.MappingFor(types.ValueKindNumeric)))

	require.NoError(t, env.manager.Rebuild(context.Background()))
	broker := env.broker("cred-1")
	require.NotNil(t, broker)

	broker.inject(Topic("dev-0", "temp-01"), []byte(`{"time":"2026-03-01T12:00:00Z","value":21.5}`))

	require.Eventually(t, func() bool {
		count, err := env.idx.Count(name)
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)

	docs, err := env.idx.Samples(name)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 21.5, docs[0].Value)
	assert.Equal(t, "dev-0", docs[0].DeviceID)
}

func TestDisabledSensorMessageDropped(t *testing.T) {
	env := newTestEnv(t, Config{SubscribeBatchSize: 10, InboxSize: 16})
	seedFleet(t, env.store, 1)
	require.NoError(t, env.store.CreateSensorSync(&types.SensorSyncState{
		DeviceType: "ENVIRONMENT",
		SensorID:   "humidity-01",
		ValueKind:  types.ValueKindNumeric,
		Enabled:    false,
	}))

	name := index.Name("ENVIRONMENT", "humidity-01")
	require.NoError(t, env.idx.Ensure(name, index.MappingFor(types.ValueKindNumeric)))

	require.NoError(t, env.manager.Rebuild(context.Background()))
	broker := env.broker("cred-1")
	require.NotNil(t, broker)

	// Defensive: even if the broker delivers for a disabled sensor,
	// nothing is written and nothing blows up.
	broker.inject(Topic("dev-0", "humidity-01"), []byte(`{"time":"2026-03-01T12:00:00Z","value":55.0}`))

	time.Sleep(100 * time.Millisecond)
	count, err := env.idx.Count(name)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestParseTopic(t *testing.T) {
	device, sensor, ok := parseTopic("device/dev-1/sensor/temp-01/rawdata")
	require.True(t, ok)
	assert.Equal(t, "dev-1", device)
	assert.Equal(t, "temp-01", sensor)

	_, _, ok = parseTopic("device/dev-1/status")
	assert.False(t, ok)
}
