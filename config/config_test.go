package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/em-ai/go-detect3d/volumes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "x", cfg.Model.InputName)
	assert.Equal(t, "logits", cfg.Model.OutputName)
	assert.Equal(t, 3, cfg.Model.OutputChannels)
	assert.Equal(t, volumes.Shape{28, 96, 96}, cfg.InputShape())
	assert.Equal(t, "overlap", cfg.Score.Method)
	assert.Equal(t, 1.0, cfg.Score.Threshold)
	assert.Positive(t, cfg.Predict.Workers)

	factors := cfg.DownsampleFactors()
	require.Len(t, factors, 2)
	assert.Equal(t, volumes.Shape{1, 2, 2}, factors[0])
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Model.OutputChannels, cfg.Model.OutputChannels)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  name: synapse-unet
  outputChannels: 4
score:
  method: distance
  threshold: 120
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "synapse-unet", cfg.Model.Name)
	assert.Equal(t, 4, cfg.Model.OutputChannels)
	assert.Equal(t, "distance", cfg.Score.Method)
	assert.Equal(t, 120.0, cfg.Score.Threshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, volumes.Shape{28, 96, 96}, cfg.InputShape())
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: ["), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Model.Name = "vesicle-unet-v2"
	cfg.Predict.InputShape = [3]int{36, 128, 128}
	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
