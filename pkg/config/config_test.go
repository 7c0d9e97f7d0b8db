package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubiot/fleetsync/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 500, cfg.History.PageSize)
	assert.Equal(t, 24*time.Hour, cfg.History.Slice)
	assert.Equal(t, 50, cfg.LiveTail.SubscribeBatchSize)
	assert.Equal(t, 4, cfg.Backfill.Workers)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetsync.yaml")
	content := `
data_dir: /tmp/fleetsync-test
api_addr: ":9090"
history:
  base_url: "https://cloud.example.com/api"
  page_size: 100
  slice: 6h
backfill:
  horizon: 720h
composites:
  - device_type: CAMERA
    sensor_id: plate-number
    recognition_type: vehicle
    field: plate
  - device_type: CAMERA
    sensor_id: vehicle-color
    recognition_type: vehicle
    field: color
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fleetsync-test", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.APIAddr)
	assert.Equal(t, "https://cloud.example.com/api", cfg.History.BaseURL)
	assert.Equal(t, 100, cfg.History.PageSize)
	assert.Equal(t, 6*time.Hour, cfg.History.Slice)
	assert.Equal(t, 720*time.Hour, cfg.Backfill.Horizon)
	assert.Len(t, cfg.Composites, 2)

	set := types.NewCompositeSet(cfg.Composites)
	spec, ok := set.Resolve("CAMERA", "plate-number")
	require.True(t, ok)
	assert.Equal(t, "vehicle", spec.RecognitionType)
	assert.Equal(t, "plate", spec.Field)
}

func TestLoadMissingBaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/x\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLEETSYNC_HISTORY_URL", "https://override.example.com")
	t.Setenv("FLEETSYNC_DATA_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com", cfg.History.BaseURL)
}
