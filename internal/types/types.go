// Package types holds the measurement and session values shared by the
// instrument, orchestration and quality packages.
package types

import (
	"fmt"
	"strings"
	"time"
)

// DataPoint is one measurement collected on a poll tick.
// Current is derived from voltage and resistance, never read from the wire.
type DataPoint struct {
	ElapsedSeconds float64 `json:"time"`       // Seconds since the test started
	Voltage        float64 `json:"voltage"`    // V
	Current        float64 `json:"current"`    // A
	Resistance     float64 `json:"resistance"` // Ω
}

// NewDataPoint builds a DataPoint from the two quantities the instrument
// reports. A zero resistance yields zero current.
func NewDataPoint(elapsed, voltage, resistance float64) DataPoint {
	current := 0.0
	if resistance != 0 {
		current = voltage / resistance
	}
	return DataPoint{
		ElapsedSeconds: elapsed,
		Voltage:        voltage,
		Current:        current,
		Resistance:     resistance,
	}
}

// Mode is the safety test type.
type Mode int

const (
	ModeAC Mode = iota
	ModeDC
	ModeIR
)

func (m Mode) String() string {
	switch m {
	case ModeAC:
		return "AC"
	case ModeDC:
		return "DC"
	case ModeIR:
		return "IR"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "AC", "DC" or "IR" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AC":
		return ModeAC, nil
	case "DC":
		return ModeDC, nil
	case "IR":
		return ModeIR, nil
	}
	return 0, fmt.Errorf("unknown test mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// RangeSelection is either automatic ranging or a fixed current range in amps.
type RangeSelection struct {
	Auto  bool    `json:"auto" yaml:"auto"`
	Fixed float64 `json:"fixed,omitempty" yaml:"fixed,omitempty"`
}

// AutoRange selects automatic ranging.
func AutoRange() RangeSelection { return RangeSelection{Auto: true} }

// FixedRange selects a fixed current range in amps.
func FixedRange(amps float64) RangeSelection { return RangeSelection{Fixed: amps} }

// TestConfiguration is fixed by the caller before a run and not changed during it.
type TestConfiguration struct {
	Mode           Mode           `json:"mode"`
	RangeSelection RangeSelection `json:"range"`
	Voltage        float64        `json:"voltage"`      // V
	CurrentLimit   float64        `json:"currentLimit"` // A
	TestDuration   time.Duration  `json:"testDuration"`
	RampTime       time.Duration  `json:"rampTime"`

	// IR limits in MΩ as entered by the operator.
	HighLimit float64       `json:"highLimit"`
	LowLimit  float64       `json:"lowLimit"`
	DwellTime time.Duration `json:"dwellTime"`
	FallTime  time.Duration `json:"fallTime"`
}

// Verdict is the outcome of a completed test.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictPass
	VerdictHighFail
	VerdictLowFail
	VerdictOutputFail
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "PASS"
	case VerdictHighFail:
		return "HIGH FAIL"
	case VerdictLowFail:
		return "LOW FAIL"
	case VerdictOutputFail:
		return "OUTPUT FAIL"
	}
	return "UNKNOWN"
}

// Failed reports whether the verdict is one of the instrument fail codes.
func (v Verdict) Failed() bool {
	return v == VerdictHighFail || v == VerdictLowFail || v == VerdictOutputFail
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Verdict) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "PASS":
		*v = VerdictPass
	case "HIGH FAIL":
		*v = VerdictHighFail
	case "LOW FAIL":
		*v = VerdictLowFail
	case "OUTPUT FAIL":
		*v = VerdictOutputFail
	case "", "UNKNOWN":
		*v = VerdictUnknown
	default:
		return fmt.Errorf("unknown verdict %q", string(b))
	}
	return nil
}

// TestSession is the immutable record of one completed run.
type TestSession struct {
	SessionID   string      `json:"sessionId"`
	StartedAt   time.Time   `json:"startedAt"`
	Mode        Mode        `json:"mode"`
	DeviceModel string      `json:"deviceModel"`
	Samples     []DataPoint `json:"samples"`
	Verdict     Verdict     `json:"verdict"`
}

// DisplayName mirrors the label operators see in the session list.
func (s TestSession) DisplayName() string {
	return fmt.Sprintf("%s - %s (%s)", s.StartedAt.Format("2006-01-02 15:04:05"), s.Mode, s.Verdict)
}

// DeviceIdentity is the answer to the identity query of one connection.
type DeviceIdentity struct {
	ModelID string `json:"modelId"`
	Raw     string `json:"raw"`
}
