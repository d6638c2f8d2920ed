package sim

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SentinelReply is what a finished instrument reports as remaining time.
const SentinelReply = "9.91E+37"

// Demo simulates an IR test run: voltage ramps to the programmed level,
// insulation resistance climbs while the dielectric charges, and the
// remaining time counts down to the end of the step.
type Demo struct {
	*Instrument

	mu         sync.Mutex
	delim      string
	duration   time.Duration
	voltage    float64
	resistance float64
	judgement  string
	sentinel   bool
	now        func() time.Time
	rng        *rand.Rand

	running bool
	started time.Time
}

// DemoOption adjusts a Demo.
type DemoOption func(*Demo)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) DemoOption { return func(d *Demo) { d.now = now } }

// WithJudgement sets the code returned by the judgment query.
func WithJudgement(code string) DemoOption { return func(d *Demo) { d.judgement = code } }

// WithSentinel makes the finished instrument report the "no time left"
// sentinel instead of counting down to zero.
func WithSentinel() DemoOption { return func(d *Demo) { d.sentinel = true } }

// WithLevel sets the target voltage and final resistance.
func WithLevel(volts, ohms float64) DemoOption {
	return func(d *Demo) { d.voltage, d.resistance = volts, ohms }
}

// NewDemo returns a demo instrument whose data replies use delim (","
// for Model-A, ";" for Model-B) and whose step lasts duration.
func NewDemo(delim string, duration time.Duration, opts ...DemoOption) *Demo {
	d := &Demo{
		Instrument: New(),
		delim:      delim,
		duration:   duration,
		voltage:    500,
		resistance: 2e9,
		judgement:  "116",
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(d)
	}
	d.Instrument.Handle(d.handle)
	return d
}

// Running reports whether a START has been seen without a STOP.
func (d *Demo) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Demo) handle(line string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	verb, _, _ := strings.Cut(line, " ")
	switch {
	case verb == "*IDN?":
		model := "19032"
		if d.delim == ";" {
			model = "19055"
		}
		return "Chroma ATE," + model + ",DEMO,1.00", true
	case strings.HasSuffix(verb, ":START"):
		d.running = true
		d.started = d.now()
		return "", true
	case strings.HasSuffix(verb, ":STOP"):
		d.running = false
		return "", true
	case strings.Contains(verb, "FETC?"):
		return d.fetch(), true
	case strings.HasSuffix(verb, "JUDGment?"), verb == "SAFE:RES:LAST?":
		return d.judgement, true
	case strings.HasSuffix(verb, "STAT?"):
		if d.running {
			return "RUNNING", true
		}
		return "STOPPED", true
	}
	return "", false
}

// fetch must be called with mu held.
func (d *Demo) fetch() string {
	if !d.running {
		return d.format(0, 0, SentinelReply)
	}
	elapsed := d.now().Sub(d.started).Seconds()
	total := d.duration.Seconds()
	remaining := total - elapsed

	// First order charge curves with a little measurement noise.
	tau := math.Max(total/5, 0.1)
	v := d.voltage * (1 - math.Exp(-elapsed/(tau/2)))
	r := d.resistance * (1 - 0.8*math.Exp(-elapsed/tau))
	v += d.rng.NormFloat64() * d.voltage * 0.002
	r += d.rng.NormFloat64() * d.resistance * 0.01
	if v < 0 {
		v = 0
	}
	if r < 0 {
		r = 0
	}

	left := strconv.FormatFloat(math.Max(remaining, 0), 'f', 1, 64)
	if remaining <= 0 && d.sentinel {
		left = SentinelReply
	}
	return d.format(v, r, left)
}

func (d *Demo) format(v, r float64, left string) string {
	return strings.Join([]string{
		strconv.FormatFloat(v, 'f', 2, 64),
		strconv.FormatFloat(r, 'E', 4, 64),
		left,
	}, d.delim)
}
