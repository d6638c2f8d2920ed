package instrument

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/hipotd/internal/types"
	"github.com/shaunagostinho/hipotd/internal/wire"
)

const (
	// identifyDelay is the settle time between *IDN? and its read.
	identifyDelay = 100 * time.Millisecond

	// rawPerMega scales operator-entered MΩ limits to raw ohms.
	rawPerMega = 1_000_000
)

// commandSet is the vocabulary of one dialect. An empty command means the
// dialect has no equivalent and the operation is unsupported.
type commandSet struct {
	identity   string
	start      string
	stop       string
	judgement  string
	fetch      string
	status     string
	mode       string
	stepNumber string
	mmet       string
	rangeQuery string

	irLevel    string
	irHigh     string
	irLow      string
	irTime     string
	irRamp     string
	irDwell    string
	irFall     string
	irRange    string
	irFixRange string
	autoRange  string
	warnRange  string
}

// Option adjusts driver timing.
type Option func(*scpiDriver)

// WithIdentifyDelay overrides the settle delay used by Identify.
func WithIdentifyDelay(d time.Duration) Option {
	return func(s *scpiDriver) { s.identifyDelay = d }
}

// scpiDriver implements Driver on top of a commandSet. Dialect variants
// embed it and supply their own vocabulary and range table.
type scpiDriver struct {
	model         string
	dialect       Dialect
	cmds          commandSet
	ranges        []RangeOption
	identifyDelay time.Duration

	mu    sync.Mutex
	codec *wire.Codec
}

func newSCPIDriver(model string, dialect Dialect, cmds commandSet, ranges []RangeOption, opts []Option) *scpiDriver {
	s := &scpiDriver{
		model:         model,
		dialect:       dialect,
		cmds:          cmds,
		ranges:        ranges,
		identifyDelay: identifyDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *scpiDriver) Model() string { return s.model }
func (s *scpiDriver) Dialect() Dialect { return s.dialect }
func (s *scpiDriver) RangeOptions() []RangeOption { return append([]RangeOption(nil), s.ranges...) }

func (s *scpiDriver) Connect(c *wire.Codec) error {
	if c == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	s.codec = c
	s.mu.Unlock()
	log.Info().Str("component", "instrument").Str("model", s.model).
		Str("dialect", s.dialect.Name).Msg("driver bound")
	return nil
}

func (s *scpiDriver) Close() {
	s.mu.Lock()
	s.codec = nil
	s.mu.Unlock()
}

func (s *scpiDriver) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec != nil
}

func (s *scpiDriver) bound() (*wire.Codec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codec == nil {
		return nil, ErrNotConnected
	}
	return s.codec, nil
}

// command resolves an operation to its wire verb and a bound codec.
func (s *scpiDriver) command(op, cmd string) (*wire.Codec, error) {
	if cmd == "" {
		return nil, &UnsupportedOperationError{Model: s.model, Op: op}
	}
	return s.bound()
}

func (s *scpiDriver) send(op, cmd string) error {
	c, err := s.command(op, cmd)
	if err != nil {
		return err
	}
	return c.Send(cmd)
}

func (s *scpiDriver) sendAsync(op, cmd string) <-chan error {
	c, err := s.command(op, cmd)
	if err != nil {
		ch := make(chan error, 1)
		ch <- err
		return ch
	}
	return c.SendAsync(cmd)
}

func (s *scpiDriver) query(op, cmd string) (string, error) {
	c, err := s.command(op, cmd)
	if err != nil {
		return "", err
	}
	return c.Query(cmd)
}

func (s *scpiDriver) set(op, cmd string, v float64) error {
	if cmd == "" {
		return &UnsupportedOperationError{Model: s.model, Op: op}
	}
	return s.send(op, cmd+" "+formatValue(v))
}

func (s *scpiDriver) toggle(op, cmd string, on bool) error {
	if cmd == "" {
		return &UnsupportedOperationError{Model: s.model, Op: op}
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	return s.send(op, cmd+" "+state)
}

// Identify waits a fixed settle delay between the query and the read.
func (s *scpiDriver) Identify() (string, error) {
	c, err := s.command("identify", s.cmds.identity)
	if err != nil {
		return "", err
	}
	return c.QueryDelayed(s.cmds.identity, s.identifyDelay)
}

func (s *scpiDriver) Start() error { return s.send("start", s.cmds.start) }
func (s *scpiDriver) Stop() error { return s.send("stop", s.cmds.stop) }

func (s *scpiDriver) StartAsync() <-chan error { return s.sendAsync("start", s.cmds.start) }
func (s *scpiDriver) StopAsync() <-chan error { return s.sendAsync("stop", s.cmds.stop) }

func (s *scpiDriver) GetData() (string, error) { return s.query("fetch", s.cmds.fetch) }
func (s *scpiDriver) GetJudgement() (string, error) { return s.query("judgement", s.cmds.judgement) }

func (s *scpiDriver) Status() (string, error) { return s.query("status", s.cmds.status) }
func (s *scpiDriver) Mode() (string, error) { return s.query("mode", s.cmds.mode) }
func (s *scpiDriver) StepNumber() (string, error) { return s.query("step number", s.cmds.stepNumber) }
func (s *scpiDriver) MeasuredValues() (string, error) { return s.query("measured values", s.cmds.mmet) }
func (s *scpiDriver) CurrentRange() (string, error) { return s.query("range query", s.cmds.rangeQuery) }

func (s *scpiDriver) SetIRLevel(v float64) error { return s.set("IR level", s.cmds.irLevel, v) }

func (s *scpiDriver) SetIRHigh(megaohms float64) error {
	return s.set("IR high limit", s.cmds.irHigh, megaohms*rawPerMega)
}

func (s *scpiDriver) SetIRLow(megaohms float64) error {
	return s.set("IR low limit", s.cmds.irLow, megaohms*rawPerMega)
}

func (s *scpiDriver) SetIRTime(v float64) error { return s.set("IR time", s.cmds.irTime, v) }
func (s *scpiDriver) SetIRRamp(v float64) error { return s.set("IR ramp", s.cmds.irRamp, v) }
func (s *scpiDriver) SetIRDwell(v float64) error { return s.set("IR dwell", s.cmds.irDwell, v) }
func (s *scpiDriver) SetIRFall(v float64) error { return s.set("IR fall", s.cmds.irFall, v) }
func (s *scpiDriver) SetIRRange(v float64) error { return s.set("IR range", s.cmds.irRange, v) }
func (s *scpiDriver) SetFixedRange(v float64) error {
	return s.set("IR fixed range", s.cmds.irFixRange, v)
}

func (s *scpiDriver) SetAutoRange(on bool) error { return s.toggle("auto range", s.cmds.autoRange, on) }
func (s *scpiDriver) SetWarningRange(on bool) error { return s.toggle("warning range", s.cmds.warnRange, on) }

// ApplyConfiguration programs step 1 as an IR step. Only IR setters exist
// on the wire, so AC and DC configurations are rejected.
func (s *scpiDriver) ApplyConfiguration(cfg types.TestConfiguration) error {
	if cfg.Mode != types.ModeIR {
		return &UnsupportedOperationError{Model: s.model, Op: cfg.Mode.String() + " step configuration"}
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"level", func() error { return s.SetIRLevel(cfg.Voltage) }},
		{"high limit", func() error { return s.SetIRHigh(cfg.HighLimit) }},
		{"low limit", func() error { return s.SetIRLow(cfg.LowLimit) }},
		{"time", func() error { return s.SetIRTime(cfg.TestDuration.Seconds()) }},
		{"ramp", func() error { return s.SetIRRamp(cfg.RampTime.Seconds()) }},
	}
	if cfg.DwellTime > 0 {
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"dwell", func() error { return s.SetIRDwell(cfg.DwellTime.Seconds()) }})
	}
	if cfg.FallTime > 0 {
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"fall", func() error { return s.SetIRFall(cfg.FallTime.Seconds()) }})
	}
	steps = append(steps, struct {
		name string
		fn   func() error
	}{"range", func() error { return s.applyRange(cfg.RangeSelection) }})

	for _, st := range steps {
		if err := st.fn(); err != nil {
			return fmt.Errorf("apply %s: %w", st.name, err)
		}
	}
	return nil
}

func (s *scpiDriver) applyRange(r types.RangeSelection) error {
	if r.Auto {
		return s.SetAutoRange(true)
	}
	if err := s.SetAutoRange(false); err != nil {
		return err
	}
	return s.SetIRRange(r.Fixed)
}

// formatValue renders v in the shortest decimal form that round-trips.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
