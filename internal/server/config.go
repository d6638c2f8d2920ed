package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/hipotd/internal/export"
	"github.com/shaunagostinho/hipotd/internal/instrument"
	"github.com/shaunagostinho/hipotd/internal/publish"
	"github.com/shaunagostinho/hipotd/internal/types"
	"github.com/shaunagostinho/hipotd/internal/wire"
)

// DefaultConfigPath is where Save writes when no file was loaded.
const DefaultConfigPath = "/etc/hipotd/config.yaml"

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	Instrument InstrumentConfig `yaml:"instrument" json:"instrument"`

	// Parameters programmed before each test
	Test TestConfig `yaml:"test" json:"test"`

	Quality QualityConfig `yaml:"quality" json:"quality"`

	Export export.Config  `yaml:"export" json:"export"`
	NATS   publish.Config `yaml:"nats" json:"nats"`

	Server ServerConfig `yaml:"server" json:"server"`
	Log    LogConfig    `yaml:"log" json:"log"`

	path string
}

// InstrumentConfig selects and times the serial link.
type InstrumentConfig struct {
	Model           string `yaml:"model" json:"model"`
	Port            string `yaml:"port" json:"port"`
	QueryDelayMs    int    `yaml:"query_delay_ms" json:"queryDelayMs"`
	ByteDelayMs     int    `yaml:"byte_delay_ms" json:"byteDelayMs"`
	IdentifyDelayMs int    `yaml:"identify_delay_ms" json:"identifyDelayMs"`
	PollIntervalMs  int    `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	Demo            bool   `yaml:"demo" json:"demo"` // Simulated instrument, no serial port
}

// TestConfig is the stored form of a types.TestConfiguration.
type TestConfig struct {
	Apply     bool    `yaml:"apply" json:"apply"` // Program the instrument before Start
	Mode      string  `yaml:"mode" json:"mode"`
	Voltage   float64 `yaml:"voltage" json:"voltage"`
	HighLimit float64 `yaml:"high_limit" json:"highLimit"` // MΩ
	LowLimit  float64 `yaml:"low_limit" json:"lowLimit"`   // MΩ
	TimeS     float64 `yaml:"time_s" json:"timeS"`
	RampS     float64 `yaml:"ramp_s" json:"rampS"`
	DwellS    float64 `yaml:"dwell_s" json:"dwellS"`
	FallS     float64 `yaml:"fall_s" json:"fallS"`
	Range     string  `yaml:"range" json:"range"`
}

// QualityConfig tunes session analysis.
type QualityConfig struct {
	OutlierThreshold    float64 `yaml:"outlier_threshold" json:"outlierThreshold"`
	MovingAverageWindow int     `yaml:"moving_average_window" json:"movingAverageWindow"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	MetricsPath string `yaml:"metrics_path" json:"metricsPath"`
}

// LogConfig holds the zerolog level name.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			Model:           "1903X",
			Port:            "/dev/ttyUSB0",
			QueryDelayMs:    int(wire.DefaultQueryDelay / time.Millisecond),
			ByteDelayMs:     int(wire.DefaultByteDelay / time.Millisecond),
			IdentifyDelayMs: 100,
			PollIntervalMs:  500,
		},
		Test: TestConfig{
			Mode:      "IR",
			Voltage:   500,
			HighLimit: 0,
			LowLimit:  1,
			TimeS:     60,
			RampS:     1,
			Range:     "AUTO",
		},
		Quality: QualityConfig{
			OutlierThreshold:    3.0,
			MovingAverageWindow: 5,
		},
		Export: export.Config{
			Enabled: false,
			Path:    "/var/lib/hipotd/sessions",
		},
		NATS: publish.Config{
			URL:     "nats://127.0.0.1:4222",
			Subject: publish.DefaultSubjectPrefix,
		},
		Server: ServerConfig{
			ListenAddr:  ":8090",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file, falls back to defaults, then layers .env
// files and environment variables on top.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("component", "config").Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Str("component", "config").Str("path", path).Err(err).Msg("parse error, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("component", "config").Str("path", path).Msg("loaded")
	}

	if path != "" {
		loadEnvFile(filepath.Join(filepath.Dir(path), ".env"))
	}
	loadEnvFile(".env")

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile sets KEY=VALUE pairs that are not already in the environment.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("component", "config").Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HIPOT_MODEL"); v != "" {
		c.Instrument.Model = v
	}
	if v := os.Getenv("HIPOT_PORT"); v != "" {
		c.Instrument.Port = v
	}
	if v := os.Getenv("HIPOT_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Instrument.PollIntervalMs = n
		}
	}
	if v := os.Getenv("HIPOT_DEMO"); v != "" {
		c.Instrument.Demo = parseBool(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EXPORT_ENABLED"); v != "" {
		c.Export.Enabled = parseBool(v)
	}
	if v := os.Getenv("EXPORT_PATH"); v != "" {
		c.Export.Path = v
	}
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		c.NATS.Enabled = parseBool(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Path returns the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultConfigPath
	}
	return c.path
}

// Save writes the config to its file as YAML.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON returns the config as JSON for the web UI.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON merges a partial JSON object into the config.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(current, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	next := DefaultConfig()
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	if _, err := next.Test.configuration(); err != nil {
		return err
	}
	c.Instrument = next.Instrument
	c.Test = next.Test
	c.Quality = next.Quality
	c.Export = next.Export
	c.NATS = next.NATS
	c.Server = next.Server
	c.Log = next.Log
	return nil
}

func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// InstrumentSettings returns a copy of the instrument section.
func (c *Config) InstrumentSettings() InstrumentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Instrument
}

// TestSettings returns a copy of the test section.
func (c *Config) TestSettings() TestConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Test
}

// QualitySettings returns a copy of the quality section.
func (c *Config) QualitySettings() QualityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Quality
}

// ExportSettings returns a copy of the export section.
func (c *Config) ExportSettings() export.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Export
}

// TestConfiguration converts the stored test section. ok is false when
// the instrument should not be programmed before a run.
func (c *Config) TestConfiguration() (cfg types.TestConfiguration, ok bool, err error) {
	c.mu.RLock()
	t := c.Test
	c.mu.RUnlock()
	if !t.Apply {
		return types.TestConfiguration{}, false, nil
	}
	cfg, err = t.configuration()
	return cfg, err == nil, err
}

func (t TestConfig) configuration() (types.TestConfiguration, error) {
	mode, err := types.ParseMode(t.Mode)
	if err != nil {
		return types.TestConfiguration{}, err
	}
	label := t.Range
	if label == "" {
		label = "AUTO"
	}
	r, ok := instrument.RangeByLabel(label)
	if !ok {
		return types.TestConfiguration{}, fmt.Errorf("unknown range %q", t.Range)
	}
	return types.TestConfiguration{
		Mode:           mode,
		RangeSelection: r.Selection(),
		Voltage:        t.Voltage,
		TestDuration:   seconds(t.TimeS),
		RampTime:       seconds(t.RampS),
		HighLimit:      t.HighLimit,
		LowLimit:       t.LowLimit,
		DwellTime:      seconds(t.DwellS),
		FallTime:       seconds(t.FallS),
	}, nil
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// CodecConfig returns the wire timing for the serial link.
func (i InstrumentConfig) CodecConfig() wire.Config {
	return wire.Config{
		QueryDelay: time.Duration(i.QueryDelayMs) * time.Millisecond,
		ByteDelay:  time.Duration(i.ByteDelayMs) * time.Millisecond,
	}
}

// PollInterval returns the orchestrator tick period.
func (i InstrumentConfig) PollInterval() time.Duration {
	if i.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// IdentifyDelay returns the settle time before reading an *IDN? reply.
func (i InstrumentConfig) IdentifyDelay() time.Duration {
	return time.Duration(i.IdentifyDelayMs) * time.Millisecond
}
