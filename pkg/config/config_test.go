package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/seisq/pkg/coords"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	m, err := cfg.Mapper()
	require.NoError(t, err)
	assert.Equal(t, 159738, m.ToEngine(25559, coords.Crossline))
	assert.Equal(t, 20, cfg.History.Depth)
	assert.Equal(t, 2*time.Second, cfg.Listener.PollInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Dispatch.Timeout.Std())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "seisq.yaml", `
coordinate_mapping:
  crossline_to_x:
    point1: {crossline: 100, x: 1000}
    point2: {crossline: 200, x: 2000}
  depth_to_z: null
presets:
  gain_up_factor: 1.5
history:
  depth: 5
listener:
  poll_interval: 500ms
dispatch:
  timeout: 3s
limits:
  colormap: {min: 0, max: 7}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.Presets.GainUpFactor)
	assert.Equal(t, 0.8, cfg.Presets.GainDownFactor, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.History.Depth)
	assert.Equal(t, 500*time.Millisecond, cfg.Listener.PollInterval.Std())
	assert.Equal(t, 3*time.Second, cfg.Dispatch.Timeout.Std())
	assert.Equal(t, 7.0, cfg.Limits.Colormap.Max)

	m, err := cfg.Mapper()
	require.NoError(t, err)
	assert.Equal(t, 1500, m.ToEngine(150, coords.Crossline))
	assert.False(t, m.Has(coords.Depth))
}

func TestLoad_JSONC(t *testing.T) {
	path := writeFile(t, "seisq.jsonc", `{
  // comments and trailing commas are allowed
  "history": {"depth": 3},
  "listener": {"poll_interval": "1s", "max_per_cycle": 4,},
  "store": {"driver": "redis", "redis_url": "redis://localhost:6379/0"},
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.History.Depth)
	assert.Equal(t, 4, cfg.Listener.MaxPerCycle)
	assert.Equal(t, "redis", cfg.Store.Driver)
}

func TestLoad_BadCalibration(t *testing.T) {
	path := writeFile(t, "bad.yaml", `
coordinate_mapping:
  inline_to_y:
    point1: {inline: 10, y: 1}
    point2: {inline: 10, y: 5}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, coords.ErrConfig), "got %v", err)

	path = writeFile(t, "missing.yaml", `
coordinate_mapping:
  crossline_to_x:
    point1: {crossline: 10}
    point2: {crossline: 20, x: 5}
`)
	_, err = Load(path)
	assert.True(t, errors.Is(err, coords.ErrConfig), "got %v", err)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero zoom", func(c *Config) { c.Presets.ZoomInFactor = 0 }},
		{"rotation step", func(c *Config) { c.Presets.RotationStep = 4 }},
		{"scale order", func(c *Config) { c.Presets.ScaleMin = 5 }},
		{"depth", func(c *Config) { c.History.Depth = 0 }},
		{"poll", func(c *Config) { c.Listener.PollInterval = 0 }},
		{"timeout", func(c *Config) { c.Dispatch.Timeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalid))
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, "d.yaml", "dispatch:\n  timeout: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMarshal_RoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	require.NoError(t, err)
	assert.Contains(t, string(data), "poll_interval: 2s")

	var cfg Config
	require.NoError(t, Decode("x.yaml", data, &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestResolve_Env(t *testing.T) {
	path := writeFile(t, "seisq.yaml", "history:\n  depth: 7\n")
	t.Setenv("SEISQ_CONFIG", path)
	t.Setenv("SEISQ_DB", "/tmp/q.db")
	t.Setenv("SEISQ_USER", "alice")
	t.Setenv("SEISQ_LOG_LEVEL", "debug")
	t.Setenv("SEISQ_LISTENER_ID", "rig-1")

	cfg, e, err := Resolve()
	require.NoError(t, err)
	assert.Equal(t, "alice", e.User)
	assert.Equal(t, 7, cfg.History.Depth)
	assert.Equal(t, "/tmp/q.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "rig-1", cfg.Listener.ID)
}

func TestLoadDotEnv_Missing(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")))

	path := writeFile(t, "test.env", "SEISQ_TEST_DOTENV=loaded\n")
	t.Setenv("SEISQ_TEST_DOTENV", "")
	os.Unsetenv("SEISQ_TEST_DOTENV")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("SEISQ_TEST_DOTENV"))
}
