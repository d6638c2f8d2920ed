// Package device owns the single serial connection to an instrument and the
// driver bound to it.
package device

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/shaunagostinho/hipotd/internal/instrument"
	"github.com/shaunagostinho/hipotd/internal/types"
	"github.com/shaunagostinho/hipotd/internal/wire"
)

// Fixed link profile. These are not negotiated.
const (
	BaudRate  = 9600
	IOTimeout = 3 * time.Second
)

// Opener opens the byte stream for a port name. Tests and demo mode swap in
// an in-memory instrument.
type Opener func(port string) (io.ReadWriteCloser, error)

// OpenSerial opens port at 9600-8-N-1 with a 3 s read timeout.
func OpenSerial(port string) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("device: failed to open %s: %w", port, err)
	}
	if err := p.SetReadTimeout(IOTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("device: failed to set timeout: %w", err)
	}
	return p, nil
}

// Option configures a Session.
type Option func(*Session)

// WithOpener replaces the serial opener.
func WithOpener(o Opener) Option { return func(s *Session) { s.open = o } }

// WithCodecConfig sets the framing and settle delays of new connections.
func WithCodecConfig(c wire.Config) Option { return func(s *Session) { s.codecCfg = c } }

// WithDriverOptions passes options to every driver the session creates.
func WithDriverOptions(opts ...instrument.Option) Option {
	return func(s *Session) { s.driverOpts = opts }
}

// Session holds at most one open stream and one bound driver. It is meant
// for a single caller and does no locking of its own.
type Session struct {
	registry   *instrument.Registry
	open       Opener
	codecCfg   wire.Config
	driverOpts []instrument.Option

	port     string
	stream   io.ReadWriteCloser
	driver   instrument.Driver
	identity types.DeviceIdentity
}

// NewSession returns a disconnected session resolving models through r.
func NewSession(r *instrument.Registry, opts ...Option) *Session {
	s := &Session{registry: r, open: OpenSerial}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens port for modelID and confirms the instrument answers the
// identity query. An empty identity returns false with no error. Any
// existing connection is torn down first.
func (s *Session) Connect(modelID, port string) (bool, error) {
	s.Disconnect()

	drv, err := s.registry.CreateDriver(modelID, s.driverOpts...)
	if err != nil {
		return false, err
	}
	stream, err := s.open(port)
	if err != nil {
		return false, err
	}
	if err := drv.Connect(wire.New(stream, s.codecCfg)); err != nil {
		stream.Close()
		return false, err
	}
	s.port, s.stream, s.driver = port, stream, drv

	idn, err := drv.Identify()
	if err != nil {
		log.Warn().Str("component", "device").Err(err).Str("port", port).Msg("identity query failed")
		s.Disconnect()
		return false, err
	}
	idn = strings.TrimSpace(idn)
	if idn == "" {
		log.Warn().Str("component", "device").Str("port", port).Msg("empty identity, not connected")
		s.Disconnect()
		return false, nil
	}
	s.identity = types.DeviceIdentity{ModelID: drv.Model(), Raw: idn}
	log.Info().Str("component", "device").Str("model", drv.Model()).
		Str("port", port).Str("idn", idn).Msg("connected")
	return true, nil
}

// Disconnect closes the driver and stream. Safe to call when not connected.
func (s *Session) Disconnect() {
	if s.driver != nil {
		s.driver.Close()
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			log.Debug().Str("component", "device").Err(err).Msg("close stream")
		}
		log.Info().Str("component", "device").Str("port", s.port).Msg("disconnected")
	}
	s.port, s.stream, s.driver = "", nil, nil
	s.identity = types.DeviceIdentity{}
}

// IsConnected reports whether a driver is bound.
func (s *Session) IsConnected() bool { return s.driver != nil }

// Driver returns the bound driver, or ErrNotConnected.
func (s *Session) Driver() (instrument.Driver, error) {
	if s.driver == nil {
		return nil, instrument.ErrNotConnected
	}
	return s.driver, nil
}

// Identity returns the identity captured at connect time.
func (s *Session) Identity() types.DeviceIdentity { return s.identity }

// Port returns the name of the open port, if any.
func (s *Session) Port() string { return s.port }

// SupportedModels lists the model ids the registry can bind.
func (s *Session) SupportedModels() []string { return s.registry.Models() }

// IsDeviceTypeSupported reports whether modelID can be connected.
func (s *Session) IsDeviceTypeSupported(modelID string) bool {
	return s.registry.IsDeviceTypeSupported(modelID)
}
