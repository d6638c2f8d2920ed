package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/hipotd/internal/types"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	def := DefaultConfig()
	assert.Equal(t, def.Instrument, cfg.Instrument)
	assert.Equal(t, def.Server, cfg.Server)
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instrument:
  model: 1905X
  port: /dev/ttyS1
  poll_interval_ms: 250
test:
  range: 3uA
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nHIPOT_PORT='/dev/ttyACM0'\nEXPORT_ENABLED=true\n"), 0644))
	t.Setenv("HIPOT_PORT", "")
	t.Setenv("EXPORT_ENABLED", "")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg := LoadConfig(path)
	assert.Equal(t, "1905X", cfg.Instrument.Model)
	assert.Equal(t, "/dev/ttyACM0", cfg.Instrument.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Instrument.PollInterval())
	assert.Equal(t, "3uA", cfg.Test.Range)
	assert.True(t, cfg.Export.Enabled)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	// Untouched sections keep their defaults.
	assert.Equal(t, "IR", cfg.Test.Mode)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instrument: [oops"), 0644))
	cfg := LoadConfig(path)
	assert.Equal(t, "1903X", cfg.Instrument.Model)
	assert.Equal(t, path, cfg.Path())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Instrument.Model = "HIPOT_53"
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path)
	assert.Equal(t, "HIPOT_53", loaded.Instrument.Model)
}

func TestUpdateFromJSONMergesPartial(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"test":{"voltage":1000,"range":"300nA"}}`)))
	assert.Equal(t, 1000.0, cfg.Test.Voltage)
	assert.Equal(t, "300nA", cfg.Test.Range)
	assert.Equal(t, 60.0, cfg.Test.TimeS)
	assert.Equal(t, "1903X", cfg.Instrument.Model)
}

func TestUpdateFromJSONRejectsBadRange(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.UpdateFromJSON([]byte(`{"test":{"range":"7A"}}`)))
	assert.Equal(t, "AUTO", cfg.Test.Range)
	assert.Error(t, cfg.UpdateFromJSON([]byte(`not json`)))
}

func TestTestConfiguration(t *testing.T) {
	cfg := DefaultConfig()
	_, ok, err := cfg.TestConfiguration()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"test":{"apply":true,"range":"3uA","dwellS":2.5}}`)))
	tc, ok, err := cfg.TestConfiguration()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.ModeIR, tc.Mode)
	assert.Equal(t, types.FixedRange(3e-6), tc.RangeSelection)
	assert.Equal(t, 60*time.Second, tc.TestDuration)
	assert.Equal(t, 2500*time.Millisecond, tc.DwellTime)
	assert.Equal(t, 500.0, tc.Voltage)
}

func TestCodecConfig(t *testing.T) {
	c := InstrumentConfig{QueryDelayMs: 20, ByteDelayMs: 5}.CodecConfig()
	assert.Equal(t, 20*time.Millisecond, c.QueryDelay)
	assert.Equal(t, 5*time.Millisecond, c.ByteDelay)
	assert.Equal(t, 500*time.Millisecond, InstrumentConfig{}.PollInterval())
}
