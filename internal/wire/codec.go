// Package wire implements line and byte oriented exchanges with an
// instrument over a single exclusive byte stream.
//
// The stream is expected to behave like a go.bug.st/serial port: a Read that
// returns (0, nil) means the configured read timeout elapsed with no data.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultQueryDelay is the settle time between a query and its read on
	// slow instruments.
	DefaultQueryDelay = 100 * time.Millisecond
	// DefaultByteDelay is the settle time before a fixed-length byte read.
	DefaultByteDelay = 70 * time.Millisecond

	maxLineLength = 4096
)

// ErrTimeout is wrapped by CommunicationError when the stream produced no
// data before its read timeout.
var ErrTimeout = errors.New("read timeout")

// CommunicationError reports an I/O failure on the link together with the
// exchange that was attempted.
type CommunicationError struct {
	Op      string // "send", "receive", "send-bytes", "receive-bytes"
	Payload string // Line or hex bytes attempted
	Err     error
}

func (e *CommunicationError) Error() string {
	if e.Payload == "" {
		return fmt.Sprintf("wire %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("wire %s %q: %v", e.Op, e.Payload, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// Config controls framing and timing of a Codec.
type Config struct {
	// Terminator is appended to every outbound line. Defaults to "\n".
	Terminator string
	// QueryDelay is slept between Send and Receive in Query. Zero sends and
	// reads back to back.
	QueryDelay time.Duration
	// ByteDelay is slept between SendBytes and ReceiveBytes in QueryBytes.
	ByteDelay time.Duration
}

// Codec serializes all exchanges on one stream. Every method holds the
// codec lock for its full duration, so a Query can never interleave with
// another caller's Send.
type Codec struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	cfg     Config
	pending []byte // Bytes read past the last line terminator
	sleep   func(time.Duration)
}

// New wraps rw. Zero-valued Config fields take their defaults except
// QueryDelay, where zero is meaningful.
func New(rw io.ReadWriter, cfg Config) *Codec {
	if cfg.Terminator == "" {
		cfg.Terminator = "\n"
	}
	if cfg.ByteDelay == 0 {
		cfg.ByteDelay = DefaultByteDelay
	}
	return &Codec{rw: rw, cfg: cfg, sleep: time.Sleep}
}

// Config returns the framing and timing in effect.
func (c *Codec) Config() Config { return c.cfg }

// Send writes one terminated line.
func (c *Codec) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(line)
}

// Receive reads one line, without its trailing newline.
func (c *Codec) Receive() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receive("")
}

// Query sends line, waits the configured QueryDelay and reads the reply.
func (c *Codec) Query(line string) (string, error) {
	return c.QueryDelayed(line, c.cfg.QueryDelay)
}

// QueryDelayed is Query with an explicit settle delay for call sites whose
// timing differs from the codec default.
func (c *Codec) QueryDelayed(line string, delay time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(line); err != nil {
		return "", err
	}
	if delay > 0 {
		c.sleep(delay)
	}
	return c.receive(line)
}

// SendBytes writes raw bytes with no framing.
func (c *Codec) SendBytes(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendBytes(b)
}

// ReceiveBytes reads exactly n bytes or fails.
func (c *Codec) ReceiveBytes(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveBytes(n, "")
}

// QueryBytes writes b, waits ByteDelay and reads an n byte reply.
func (c *Codec) QueryBytes(b []byte, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendBytes(b); err != nil {
		return nil, err
	}
	c.sleep(c.cfg.ByteDelay)
	return c.receiveBytes(n, fmt.Sprintf("% X", b))
}

// SendAsync runs Send on its own goroutine. The result channel is buffered
// and receives exactly one value.
func (c *Codec) SendAsync(line string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- c.Send(line) }()
	return ch
}

// Result carries the outcome of an asynchronous query.
type Result struct {
	Line string
	Err  error
}

// QueryAsync runs Query on its own goroutine.
func (c *Codec) QueryAsync(line string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		s, err := c.Query(line)
		ch <- Result{Line: s, Err: err}
	}()
	return ch
}

func (c *Codec) send(line string) error {
	if _, err := io.WriteString(c.rw, line+c.cfg.Terminator); err != nil {
		log.Warn().Str("component", "wire").Err(err).Str("line", line).Msg("send failed")
		return &CommunicationError{Op: "send", Payload: line, Err: err}
	}
	log.Debug().Str("component", "wire").Str("tx", line).Send()
	return nil
}

// receive reads one line. sent is the query it answers, reported on failure.
func (c *Codec) receive(sent string) (string, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(c.pending[:i])
			c.pending = c.pending[i+1:]
			log.Debug().Str("component", "wire").Str("rx", line).Send()
			return line, nil
		}
		if len(c.pending) > maxLineLength {
			c.pending = nil
			return "", &CommunicationError{Op: "receive", Payload: sent, Err: fmt.Errorf("line exceeds %d bytes", maxLineLength)}
		}
		n, err := c.rw.Read(buf)
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
			continue
		}
		if err == nil {
			err = ErrTimeout
		}
		// A partial line at EOF is still a usable reply.
		if errors.Is(err, io.EOF) && len(c.pending) > 0 {
			line := strings.TrimRight(string(c.pending), "\n")
			c.pending = nil
			return line, nil
		}
		log.Warn().Str("component", "wire").Err(err).Msg("receive failed")
		return "", &CommunicationError{Op: "receive", Payload: sent, Err: err}
	}
}

func (c *Codec) sendBytes(b []byte) error {
	if _, err := c.rw.Write(b); err != nil {
		return &CommunicationError{Op: "send-bytes", Payload: fmt.Sprintf("% X", b), Err: err}
	}
	log.Debug().Str("component", "wire").Hex("tx", b).Send()
	return nil
}

func (c *Codec) receiveBytes(n int, sent string) ([]byte, error) {
	out := make([]byte, 0, n)
	if len(c.pending) > 0 {
		k := min(n, len(c.pending))
		out = append(out, c.pending[:k]...)
		c.pending = c.pending[k:]
	}
	for len(out) < n {
		buf := make([]byte, n-len(out))
		m, err := c.rw.Read(buf)
		if m > 0 {
			out = append(out, buf[:m]...)
			continue
		}
		if err == nil {
			err = ErrTimeout
		}
		return out, &CommunicationError{
			Op:      "receive-bytes",
			Payload: sent,
			Err:     fmt.Errorf("got %d of %d bytes: %w", len(out), n, err),
		}
	}
	log.Debug().Str("component", "wire").Hex("rx", out).Send()
	return out, nil
}
