// Package instrument drives Chroma-style hipot testers over SCPI.
//
// Each supported dialect is a Driver variant selected by model id through a
// Registry. Drivers only format and exchange wire strings; decoding the
// measurement stream is left to the caller.
package instrument

import (
	"github.com/shaunagostinho/hipotd/internal/types"
	"github.com/shaunagostinho/hipotd/internal/wire"
)

// Driver is the capability set every dialect implements.
type Driver interface {
	// Model returns the registry id the driver was created for.
	Model() string
	// Dialect describes the wire format of GetData replies.
	Dialect() Dialect

	// Connect binds the codec. Replies are read up to the next '\n' and any
	// trailing "\r" is left for the parsers to strip.
	Connect(c *wire.Codec) error
	// Close unbinds the codec. Safe to call more than once.
	Close()
	// IsConnected reports whether a codec is bound.
	IsConnected() bool

	// Identify sends *IDN? and returns the raw reply.
	Identify() (string, error)

	Start() error
	Stop() error
	StartAsync() <-chan error
	StopAsync() <-chan error

	// GetData fetches the measurement/remaining-time tuple in raw form.
	GetData() (string, error)
	// GetJudgement fetches the numeric judgment code string.
	GetJudgement() (string, error)

	Status() (string, error)
	Mode() (string, error)
	StepNumber() (string, error)
	MeasuredValues() (string, error)
	CurrentRange() (string, error)

	// IR step setters. Limits are given in MΩ and sent as raw ohms.
	SetIRLevel(v float64) error
	SetIRHigh(megaohms float64) error
	SetIRLow(megaohms float64) error
	SetIRTime(seconds float64) error
	SetIRRamp(seconds float64) error
	SetIRDwell(seconds float64) error
	SetIRFall(seconds float64) error
	SetIRRange(amps float64) error
	SetFixedRange(amps float64) error
	SetAutoRange(on bool) error
	SetWarningRange(on bool) error

	// RangeOptions lists the current ranges offered on this model.
	RangeOptions() []RangeOption
	// ApplyConfiguration sends every step parameter of cfg in a fixed order.
	ApplyConfiguration(cfg types.TestConfiguration) error
}

// Dialect describes how a model formats its data fetch reply.
type Dialect struct {
	Name      string // "Model-A" or "Model-B"
	Delimiter string // Field separator in GetData replies
	// InlineRemaining is true when the remaining time is the third field of
	// the data reply. Otherwise it comes from a second fetch whose last
	// field is the time value.
	InlineRemaining bool
}

var (
	// DialectA is the SOURce:SAFEty command family with comma separated data.
	DialectA = Dialect{Name: "Model-A", Delimiter: ","}
	// DialectB is the SAFE: command family with semicolon separated data.
	DialectB = Dialect{Name: "Model-B", Delimiter: ";", InlineRemaining: true}
)
