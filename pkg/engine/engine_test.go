package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubiot/fleetsync/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.History.BaseURL = "http://localhost:1" // never dialed with an empty fleet
	cfg.LiveTail.ReconcileInterval = time.Hour
	return cfg
}

func TestEngineLifecycle(t *testing.T) {
	eng, err := New(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))

	assert.NotNil(t, eng.Registry())
	assert.NotNil(t, eng.Store())
	assert.NotNil(t, eng.Index())
	assert.NotNil(t, eng.Notifier())

	eng.Stop()
}

func TestEngineRefreshWithEmptyFleet(t *testing.T) {
	eng, err := New(testConfig(t))
	require.NoError(t, err)
	defer eng.Stop()

	require.NoError(t, eng.Start(context.Background()))
	assert.NoError(t, eng.RefreshSubscriptions(context.Background()))
}
