// Package export writes completed test sessions to CSV files.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/hipotd/internal/types"
)

// Config holds exporter configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const defaultDir = "/var/lib/hipotd/sessions"

var sampleHeader = []string{"index", "time_s", "voltage_v", "current_a", "resistance_ohm"}

var summaryHeader = []string{"session", "time", "mode", "device", "verdict", "points"}

// CSVExporter writes one file per session.
type CSVExporter struct {
	mu      sync.Mutex
	dir     string
	enabled bool
}

// New creates an exporter. An empty path uses the default directory.
func New(cfg Config) *CSVExporter {
	if cfg.Path == "" {
		cfg.Path = defaultDir
	}
	return &CSVExporter{dir: cfg.Path, enabled: cfg.Enabled}
}

// SetEnabled toggles export at runtime.
func (e *CSVExporter) SetEnabled(on bool) {
	e.mu.Lock()
	e.enabled = on
	e.mu.Unlock()
}

// IsEnabled returns whether sessions are exported on completion.
func (e *CSVExporter) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Dir returns the output directory.
func (e *CSVExporter) Dir() string { return e.dir }

// OnSessionCompleted exports s when enabled. Failures are logged.
func (e *CSVExporter) OnSessionCompleted(s types.TestSession) {
	if !e.IsEnabled() {
		return
	}
	if _, err := e.Export(s); err != nil {
		log.Warn().Str("component", "export").Err(err).Str("session", s.SessionID).Msg("export failed")
	}
}

// Export writes s and returns the file path.
func (e *CSVExporter) Export(s types.TestSession) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := fmt.Sprintf("hipot_%s_%s.csv", s.StartedAt.Format("2006-01-02_150405"), shortID(s.SessionID))
	path, err := e.create(name, func(w *csv.Writer) error {
		header := [][]string{
			{"session", s.SessionID},
			{"time", s.StartedAt.Format(time.RFC3339)},
			{"mode", s.Mode.String()},
			{"device", s.DeviceModel},
			{"verdict", s.Verdict.String()},
			{},
			sampleHeader,
		}
		if err := w.WriteAll(header); err != nil {
			return err
		}
		for i, p := range s.Samples {
			if err := w.Write(sampleRow(i, p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("component", "export").Str("path", path).Int("points", len(s.Samples)).Msg("session exported")
	return path, nil
}

// ExportAll writes a summary with one row per session.
func (e *CSVExporter) ExportAll(sessions []types.TestSession) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := fmt.Sprintf("hipot_summary_%s.csv", time.Now().Format("2006-01-02_150405"))
	return e.create(name, func(w *csv.Writer) error {
		if err := w.Write(summaryHeader); err != nil {
			return err
		}
		for _, s := range sessions {
			row := []string{
				s.SessionID,
				s.StartedAt.Format(time.RFC3339),
				s.Mode.String(),
				s.DeviceModel,
				s.Verdict.String(),
				strconv.Itoa(len(s.Samples)),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *CSVExporter) create(name string, fill func(*csv.Writer) error) (string, error) {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", e.dir, err)
	}
	path := filepath.Join(e.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := fill(w); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush %s: %w", path, err)
	}
	return path, nil
}

func sampleRow(i int, p types.DataPoint) []string {
	return []string{
		strconv.Itoa(i),
		strconv.FormatFloat(p.ElapsedSeconds, 'f', 3, 64),
		strconv.FormatFloat(p.Voltage, 'f', -1, 64),
		strconv.FormatFloat(p.Current, 'g', -1, 64),
		strconv.FormatFloat(p.Resistance, 'g', -1, 64),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
