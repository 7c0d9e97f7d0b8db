package livetail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/storage"
	"github.com/nubiot/fleetsync/pkg/types"
	"github.com/nubiot/fleetsync/pkg/writer"
)

// Config holds subscription manager tunables
type Config struct {
	// SubscribeBatchSize bounds topics per subscribe call; brokers
	// limit how many filters one operation may carry.
	SubscribeBatchSize int
	// SubscribeBatchDelay spaces consecutive subscribe batches.
	SubscribeBatchDelay time.Duration
	// InboxSize bounds the per-tenant dispatch queue.
	InboxSize int
}

// Manager owns one broker connection per tenant credential and keeps
// the subscribed topic set aligned with the enabled sensors and
// current device membership. The connection map is only ever replaced
// wholesale by Rebuild, never edited in place.
type Manager struct {
	store storage.Store
	wr    *writer.Writer
	dial  Dialer
	cfg   Config

	// rebuildMu serializes Rebuild and Stop; overlapping rebuilds
	// would replace connections the other is still installing.
	rebuildMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*tenantConn
}

type inbound struct {
	topic   string
	payload []byte
}

type tenantConn struct {
	tenantID string
	client   BrokerClient
	topics   []string
	inbox    chan inbound
	stopCh   chan struct{}
}

// NewManager creates a live-tail subscription manager.
func NewManager(store storage.Store, wr *writer.Writer, dial Dialer, cfg Config) *Manager {
	if cfg.SubscribeBatchSize <= 0 {
		cfg.SubscribeBatchSize = 50
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	return &Manager{
		store: store,
		wr:    wr,
		dial:  dial,
		cfg:   cfg,
		conns: make(map[string]*tenantConn),
	}
}

// Topic returns the per-device-per-sensor broker topic.
func Topic(deviceID, sensorID string) string {
	return fmt.Sprintf("device/%s/sensor/%s/rawdata", deviceID, sensorID)
}

// Rebuild recomputes the full topic set for every tenant from current
// state and replaces all connections with fresh ones. Called whenever
// device membership or an enabled-sensor flag changes; a full rebuild
// is simpler to reason about than incremental diffing, and topic-set
// changes are rare next to message volume.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	logger := log.WithComponent("livetail")
	metrics.RebuildsTotal.Inc()

	desired, err := m.desiredTopics()
	if err != nil {
		return fmt.Errorf("failed to compute topic set: %w", err)
	}

	m.mu.Lock()
	old := m.conns
	m.conns = make(map[string]*tenantConn, len(desired))
	m.mu.Unlock()

	for _, conn := range old {
		conn.close()
		metrics.SubscriptionsActive.WithLabelValues(conn.tenantID).Set(0)
	}

	for credID, topics := range desired {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cred, err := m.store.GetCredential(credID)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", credID).Msg("Skipping tenant with missing credential")
			continue
		}

		client, err := m.dial(cred)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", credID).Msg("Failed to connect tenant broker")
			continue
		}

		conn := &tenantConn{
			tenantID: credID,
			client:   client,
			topics:   topics,
			inbox:    make(chan inbound, m.cfg.InboxSize),
			stopCh:   make(chan struct{}),
		}
		go m.dispatchLoop(conn)

		subscribed := m.subscribeChunked(ctx, conn)
		metrics.SubscriptionsActive.WithLabelValues(credID).Set(float64(subscribed))

		m.mu.Lock()
		m.conns[credID] = conn
		m.mu.Unlock()

		logger.Info().
			Str("tenant_id", credID).
			Int("topics", subscribed).
			Msg("Tenant subscriptions rebuilt")
	}
	return nil
}

// subscribeChunked issues subscribe calls in bounded batches with a
// short delay between them. A failed batch is logged and skipped; the
// remaining batches still go through.
func (m *Manager) subscribeChunked(ctx context.Context, conn *tenantConn) int {
	logger := log.WithTenant(conn.tenantID)
	handler := m.handlerFor(conn)

	subscribed := 0
	for start := 0; start < len(conn.topics); start += m.cfg.SubscribeBatchSize {
		end := start + m.cfg.SubscribeBatchSize
		if end > len(conn.topics) {
			end = len(conn.topics)
		}
		batch := conn.topics[start:end]

		if err := conn.client.Subscribe(batch, handler); err != nil {
			metrics.SubscribeBatchErrors.Inc()
			logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Subscribe batch failed, continuing with remaining batches")
			continue
		}
		subscribed += len(batch)

		if end < len(conn.topics) && m.cfg.SubscribeBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return subscribed
			case <-time.After(m.cfg.SubscribeBatchDelay):
			}
		}
	}
	return subscribed
}

// handlerFor feeds broker callbacks into the tenant's bounded inbox so
// network I/O never waits on index-write latency. A full inbox drops
// the message; live tail is at-most-once.
func (m *Manager) handlerFor(conn *tenantConn) MessageHandler {
	return func(topic string, payload []byte) {
		metrics.LiveMessages.WithLabelValues(conn.tenantID).Inc()
		select {
		case conn.inbox <- inbound{topic: topic, payload: payload}:
		default:
			metrics.LiveMessagesDropped.Inc()
		}
	}
}

// dispatchLoop is the single consumer of one tenant's inbox.
func (m *Manager) dispatchLoop(conn *tenantConn) {
	for {
		select {
		case <-conn.stopCh:
			return
		case msg := <-conn.inbox:
			m.dispatch(msg)
		}
	}
}

type livePayload struct {
	Time  time.Time   `json:"time"`
	Value interface{} `json:"value"`
}

func (m *Manager) dispatch(msg inbound) {
	deviceID, sensorID, ok := parseTopic(msg.topic)
	if !ok {
		log.WithComponent("livetail").Warn().Str("topic", msg.topic).Msg("Ignoring message on unrecognized topic")
		return
	}

	device, err := m.store.GetDevice(deviceID)
	if err != nil {
		log.WithComponent("livetail").Warn().Str("device_id", deviceID).Msg("Ignoring message from unknown device")
		return
	}

	state, err := m.store.GetSensorSync(device.Type, sensorID)
	if err != nil || !state.Enabled {
		// The topic should not even be subscribed for a disabled
		// sensor; drop without side effects if it is.
		return
	}

	var payload livePayload
	if err := json.Unmarshal(msg.payload, &payload); err != nil {
		log.WithSensor(string(device.Type), sensorID).Warn().Err(err).Msg("Ignoring malformed live payload")
		return
	}
	if payload.Time.IsZero() {
		payload.Time = time.Now().UTC()
	}

	sample := types.TelemetrySample{
		DeviceID: deviceID,
		SensorID: sensorID,
		Time:     payload.Time,
		Value:    payload.Value,
	}
	if err := m.wr.Write(device.Type, sample, state.ValueKind); err != nil {
		log.WithSensor(string(device.Type), sensorID).Error().Err(err).Msg("Failed to write live sample")
	}
}

func parseTopic(topic string) (deviceID, sensorID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "device" || parts[2] != "sensor" || parts[4] != "rawdata" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// desiredTopics computes the full topic set per tenant credential:
// one topic per device per enabled sensor of that device's type.
func (m *Manager) desiredTopics() (map[string][]string, error) {
	states, err := m.store.ListSensorSync()
	if err != nil {
		return nil, err
	}

	enabledByType := make(map[types.DeviceType][]string)
	for _, state := range states {
		if state.Enabled {
			enabledByType[state.DeviceType] = append(enabledByType[state.DeviceType], state.SensorID)
		}
	}

	groups, err := m.store.ListDeviceGroups()
	if err != nil {
		return nil, err
	}
	credByGroup := make(map[string]string, len(groups))
	for _, g := range groups {
		credByGroup[g.ID] = g.CredentialID
	}

	devices, err := m.store.ListDevices()
	if err != nil {
		return nil, err
	}

	desired := make(map[string][]string)
	for _, device := range devices {
		sensors := enabledByType[device.Type]
		if len(sensors) == 0 {
			continue
		}
		credID, ok := credByGroup[device.GroupID]
		if !ok {
			continue
		}
		for _, sensorID := range sensors {
			desired[credID] = append(desired[credID], Topic(device.ID, sensorID))
		}
	}
	return desired, nil
}

// Stop tears down every tenant connection. It waits out any rebuild
// in flight so every connection that rebuild installs gets closed.
func (m *Manager) Stop() {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*tenantConn)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// TenantCount returns the number of live tenant connections.
func (m *Manager) TenantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (c *tenantConn) close() {
	close(c.stopCh)
	if len(c.topics) > 0 {
		if err := c.client.Unsubscribe(c.topics); err != nil {
			log.WithTenant(c.tenantID).Warn().Err(err).Msg("Unsubscribe during teardown failed")
		}
	}
	c.client.Disconnect()
}
