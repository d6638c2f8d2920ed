// Package orchestrator runs one test cycle against a bound instrument
// driver: it starts the step, polls the instrument on a fixed period,
// decodes samples and remaining time, and settles the verdict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/hipotd/internal/instrument"
	"github.com/shaunagostinho/hipotd/internal/types"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultCapacity = 1000
)

// Status strings shown to the operator.
const (
	StatusRunning     = "RUNNING"
	StatusFinish      = "FINISH"
	StatusInvalidTime = "Invalid time"
	StatusInvalidData = "Invalid data format"
)

var (
	ErrNotIdle    = errors.New("orchestrator: test already in progress")
	ErrNotRunning = errors.New("orchestrator: no test running")
)

// State of the test cycle.
type State int

const (
	Idle State = iota
	Running
	Finished
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	case Faulted:
		return "Faulted"
	}
	return "Unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Idle, Running, Finished, Faulted} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether the cycle has settled a verdict.
func (s State) Terminal() bool { return s == Finished || s == Faulted }

// Observer receives counters for every tick. metrics.Metrics implements it.
type Observer interface {
	ObserveTick(d time.Duration)
	IncSamples()
	IncCommErrors()
	IncParseErrors(reason string)
	SetState(state int)
	IncVerdict(verdict string)
}

type nopObserver struct{}

func (nopObserver) ObserveTick(time.Duration) {}
func (nopObserver) IncSamples()               {}
func (nopObserver) IncCommErrors()            {}
func (nopObserver) IncParseErrors(string)     {}
func (nopObserver) SetState(int)              {}
func (nopObserver) IncVerdict(string)         {}

// Snapshot is a consistent view of the orchestrator.
type Snapshot struct {
	State     State         `json:"state"`
	Verdict   types.Verdict `json:"verdict"`
	TimeLeft  float64       `json:"timeLeft"`
	Status    string        `json:"status"`
	Samples   int           `json:"samples"`
	Judgement string        `json:"judgement,omitempty"` // Raw reply of the last judgment query
	Model     string        `json:"model,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
}

// EventKind tells subscribers what changed.
type EventKind int

const (
	EventState EventKind = iota
	EventSample
	EventStatus
	EventError
	EventSession
)

// Event is delivered to subscribers after every change.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Sample   *types.DataPoint
	Session  *types.TestSession
	Err      error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInterval sets the poll period. Zero or negative disables the internal
// loop; the caller then drives ticks with Poll.
func WithInterval(d time.Duration) Option { return func(o *Orchestrator) { o.interval = d } }

// WithClock replaces time.Now for elapsed-time stamping.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithCapacity bounds the in-memory sample sequence.
func WithCapacity(n int) Option { return func(o *Orchestrator) { o.capacity = n } }

// WithObserver attaches tick counters.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.obs = obs } }

// WithIDGenerator replaces uuid.NewString for session ids.
func WithIDGenerator(fn func() string) Option { return func(o *Orchestrator) { o.newID = fn } }

// Orchestrator owns the test state machine for one driver.
type Orchestrator struct {
	interval time.Duration
	now      func() time.Time
	capacity int
	obs      Observer
	newID    func() string

	// io is held for the whole of every driver exchange sequence so that a
	// tick never overlaps Start or Stop.
	io sync.Mutex

	mu        sync.Mutex
	driver    instrument.Driver
	mode      types.Mode
	state     State
	verdict   types.Verdict
	timeLeft  float64
	status    string
	judgement string
	startedAt time.Time
	samples   *ring
	flushed   bool
	cancel    context.CancelFunc
	done      chan struct{}
	subs      []func(Event)
	sinks     []func(types.TestSession)
}

// New returns an idle orchestrator for d. d may be nil until SetDriver.
func New(d instrument.Driver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		interval: DefaultInterval,
		now:      time.Now,
		capacity: DefaultCapacity,
		obs:      nopObserver{},
		newID:    uuid.NewString,
		driver:   d,
		mode:     types.ModeIR,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}
	o.samples = newRing(o.capacity)
	return o
}

// SetDriver rebinds the orchestrator. Only valid while Idle.
func (o *Orchestrator) SetDriver(d instrument.Driver) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Idle {
		return ErrNotIdle
	}
	o.driver = d
	return nil
}

// Subscribe registers fn for every event. fn runs on the goroutine that
// caused the change and must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) {
	o.mu.Lock()
	o.subs = append(o.subs, fn)
	o.mu.Unlock()
}

// OnSessionCompleted registers a sink for flushed sessions.
func (o *Orchestrator) OnSessionCompleted(fn func(types.TestSession)) {
	o.mu.Lock()
	o.sinks = append(o.sinks, fn)
	o.mu.Unlock()
}

// Configure programs the instrument step and records the mode for the
// sessions that follow. Only valid while Idle.
func (o *Orchestrator) Configure(cfg types.TestConfiguration) error {
	o.io.Lock()
	defer o.io.Unlock()
	o.mu.Lock()
	d, st := o.driver, o.state
	o.mu.Unlock()
	if st != Idle {
		return ErrNotIdle
	}
	if d == nil {
		return instrument.ErrNotConnected
	}
	if err := d.ApplyConfiguration(cfg); err != nil {
		return err
	}
	o.mu.Lock()
	o.mode = cfg.Mode
	o.mu.Unlock()
	return nil
}

// SetMode records the mode stamped on sessions without programming the
// instrument.
func (o *Orchestrator) SetMode(m types.Mode) {
	o.mu.Lock()
	o.mode = m
	o.mu.Unlock()
}

// Start issues the instrument START and arms the poll loop, which runs
// until ctx is done, Stop is called or a verdict is reached.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.io.Lock()
	defer o.io.Unlock()

	o.mu.Lock()
	d, st := o.driver, o.state
	o.mu.Unlock()
	if st != Idle {
		return ErrNotIdle
	}
	if d == nil {
		return instrument.ErrNotConnected
	}
	if err := d.Start(); err != nil {
		o.obs.IncCommErrors()
		return err
	}

	o.mu.Lock()
	o.startedAt = o.now()
	o.samples.reset()
	o.verdict = types.VerdictUnknown
	o.timeLeft = 0
	o.status = StatusRunning
	o.judgement = ""
	o.flushed = false
	o.state = Running
	if o.interval > 0 {
		loopCtx, cancel := context.WithCancel(ctx)
		o.cancel, o.done = cancel, make(chan struct{})
		go o.loop(loopCtx, o.done)
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.obs.SetState(int(Running))
	log.Info().Str("component", "orchestrator").Str("model", d.Model()).
		Dur("interval", o.interval).Msg("test started")
	o.emit(Event{Kind: EventState, Snapshot: snap})
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		terminal, err := o.Poll()
		if errors.Is(err, ErrNotRunning) || terminal {
			return
		}
	}
}

// Poll runs one tick. It reports whether the tick settled a verdict.
// Communication errors are returned but leave the state Running; payloads
// that cannot be decoded only update the status.
func (o *Orchestrator) Poll() (terminal bool, err error) {
	o.io.Lock()
	defer o.io.Unlock()

	o.mu.Lock()
	d, st := o.driver, o.state
	o.mu.Unlock()
	if st != Running || d == nil {
		return false, ErrNotRunning
	}

	begin := time.Now()
	defer func() { o.obs.ObserveTick(time.Since(begin)) }()

	dialect := d.Dialect()
	raw, err := d.GetData()
	if err != nil {
		return false, o.commError("fetch", err)
	}
	if !o.recordSample(dialect, raw) && dialect.InlineRemaining {
		// The time shares the rejected line, so there is nothing left to read.
		return false, nil
	}

	timeRaw := raw
	if !dialect.InlineRemaining {
		// The remaining-time channel is a second fetch whose last field is the time.
		if timeRaw, err = d.GetData(); err != nil {
			return false, o.commError("fetch remaining", err)
		}
	}
	remaining, perr := ParseRemaining(timeRaw)
	if perr != nil {
		log.Debug().Str("component", "orchestrator").Err(perr).Msg("tick skipped")
		o.obs.IncParseErrors("invalid time")
		o.setStatus(StatusInvalidTime)
		return false, nil
	}
	return o.handleRemaining(d, remaining)
}

func (o *Orchestrator) recordSample(dialect instrument.Dialect, raw string) bool {
	v, r, err := ParseMeasurement(dialect, raw)
	if err != nil {
		log.Debug().Str("component", "orchestrator").Err(err).Msg("sample skipped")
		o.obs.IncParseErrors("invalid data")
		o.setStatus(StatusInvalidData)
		return false
	}
	o.mu.Lock()
	p := types.NewDataPoint(o.now().Sub(o.startedAt).Seconds(), v, r)
	o.samples.push(p)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.obs.IncSamples()
	o.emit(Event{Kind: EventSample, Snapshot: snap, Sample: &p})
	return true
}

func (o *Orchestrator) handleRemaining(d instrument.Driver, remaining float64) (bool, error) {
	if remaining > 0 && remaining != SentinelRemaining {
		o.mu.Lock()
		o.timeLeft = remaining
		o.status = StatusRunning
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.emit(Event{Kind: EventStatus, Snapshot: snap})
		return false, nil
	}

	judgement, err := d.GetJudgement()
	if remaining == SentinelRemaining {
		// The step is over whatever the judgment says.
		if err != nil {
			log.Warn().Str("component", "orchestrator").Err(err).Msg("judgment query failed after finish")
		}
		o.settle(d, judgement, types.VerdictPass, StatusFinish)
		return true, nil
	}
	if err != nil {
		return false, o.commError("judgement", err)
	}
	v := ParseJudgement(judgement)
	o.settle(d, judgement, v, v.String())
	return true, nil
}

// settle moves to the terminal state for v, stops the instrument and
// flushes the session. Called with io held.
func (o *Orchestrator) settle(d instrument.Driver, judgement string, v types.Verdict, status string) {
	next := Finished
	if v.Failed() {
		next = Faulted
	}
	o.mu.Lock()
	o.state = next
	o.verdict = v
	o.status = status
	o.judgement = judgement
	o.timeLeft = 0
	o.mu.Unlock()

	o.obs.SetState(int(next))
	o.obs.IncVerdict(v.String())
	log.Info().Str("component", "orchestrator").Str("state", next.String()).
		Str("verdict", v.String()).Str("judgement", judgement).Msg("test settled")

	if err := d.Stop(); err != nil {
		log.Warn().Str("component", "orchestrator").Err(err).Msg("stop after verdict failed")
	}
	o.flush(d)

	o.mu.Lock()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(Event{Kind: EventState, Snapshot: snap})
}

// Stop cancels the poll loop, waits for an in-flight tick, stops the
// instrument and flushes the session if that has not happened yet. It is
// valid in every state and a no-op while Idle.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	st, cancel, done := o.state, o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if st == Idle {
		return nil
	}
	if cancel != nil {
		cancel()
		<-done
	}

	o.io.Lock()
	defer o.io.Unlock()

	o.mu.Lock()
	d := o.driver
	o.mu.Unlock()

	var err error
	if d != nil {
		if err = d.Stop(); err != nil {
			o.obs.IncCommErrors()
			log.Warn().Str("component", "orchestrator").Err(err).Msg("stop failed")
		}
		o.flush(d)
	}

	o.mu.Lock()
	o.state = Idle
	o.timeLeft = 0
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.obs.SetState(int(Idle))
	log.Info().Str("component", "orchestrator").Msg("test stopped")
	o.emit(Event{Kind: EventState, Snapshot: snap})
	return err
}

// flush hands the collected samples to the sinks once per run.
func (o *Orchestrator) flush(d instrument.Driver) {
	o.mu.Lock()
	if o.flushed || o.samples.len() == 0 {
		o.flushed = true
		o.mu.Unlock()
		return
	}
	o.flushed = true
	s := types.TestSession{
		SessionID:   o.newID(),
		StartedAt:   o.startedAt,
		Mode:        o.mode,
		DeviceModel: d.Model(),
		Samples:     o.samples.slice(),
		Verdict:     o.verdict,
	}
	sinks := append([]func(types.TestSession){}, o.sinks...)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	log.Info().Str("component", "orchestrator").Str("session", s.SessionID).
		Int("points", len(s.Samples)).Msg("session completed")
	for _, fn := range sinks {
		fn(s)
	}
	o.emit(Event{Kind: EventSession, Snapshot: snap, Session: &s})
}

func (o *Orchestrator) commError(op string, err error) error {
	o.obs.IncCommErrors()
	log.Warn().Str("component", "orchestrator").Str("op", op).Err(err).Msg("poll failed")
	o.mu.Lock()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(Event{Kind: EventError, Snapshot: snap, Err: err})
	return err
}

func (o *Orchestrator) setStatus(s string) {
	o.mu.Lock()
	o.status = s
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(Event{Kind: EventStatus, Snapshot: snap})
}

func (o *Orchestrator) emit(e Event) {
	o.mu.Lock()
	subs := append([]func(Event){}, o.subs...)
	o.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:     o.state,
		Verdict:   o.verdict,
		TimeLeft:  o.timeLeft,
		Status:    o.status,
		Samples:   o.samples.len(),
		Judgement: o.judgement,
		StartedAt: o.startedAt,
	}
	if o.driver != nil {
		s.Model = o.driver.Model()
	}
	return s
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Samples copies the in-memory sample sequence in poll order.
func (o *Orchestrator) Samples() []types.DataPoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.samples.slice()
}
