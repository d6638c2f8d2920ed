// Package sim provides an in-memory SCPI instrument for tests and demo mode.
//
// An Instrument implements io.ReadWriter the way a serial port does: Write
// accepts newline terminated commands, and Read returns (0, nil) when no
// reply is pending, which the wire codec treats as a read timeout.
package sim

import (
	"strings"
	"sync"
)

// Handler sees every command line. For queries it returns the reply and
// true; returning false passes the line on to the next handler.
type Handler func(line string) (reply string, ok bool)

// Instrument is a scripted SCPI responder.
type Instrument struct {
	mu       sync.Mutex
	partial  []byte
	out      []byte
	received []string
	queued   map[string][]string
	sticky   map[string]string
	handlers []Handler

	writeErr error
	readErr  error
}

// New returns an instrument that answers nothing until scripted.
func New() *Instrument {
	return &Instrument{
		queued: make(map[string][]string),
		sticky: make(map[string]string),
	}
}

// Script queues one-shot replies for an exact command line.
func (in *Instrument) Script(line string, replies ...string) *Instrument {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.queued[line] = append(in.queued[line], replies...)
	return in
}

// Respond sets the reply used whenever no queued reply is left.
func (in *Instrument) Respond(line, reply string) *Instrument {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.sticky[line] = reply
	return in
}

// Handle appends a handler consulted after scripted replies.
func (in *Instrument) Handle(h Handler) *Instrument {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers = append(in.handlers, h)
	return in
}

// FailWrites makes every later Write return err.
func (in *Instrument) FailWrites(err error) {
	in.mu.Lock()
	in.writeErr = err
	in.mu.Unlock()
}

// FailReads makes every later Read with no pending data return err.
func (in *Instrument) FailReads(err error) {
	in.mu.Lock()
	in.readErr = err
	in.mu.Unlock()
}

// Received returns a copy of every command line written so far.
func (in *Instrument) Received() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.received...)
}

// Count returns how many times line was received.
func (in *Instrument) Count(line string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, l := range in.received {
		if l == line {
			n++
		}
	}
	return n
}

// ResetReceived forgets the command log.
func (in *Instrument) ResetReceived() {
	in.mu.Lock()
	in.received = nil
	in.mu.Unlock()
}

func (in *Instrument) Write(b []byte) (int, error) {
	in.mu.Lock()
	if in.writeErr != nil {
		err := in.writeErr
		in.mu.Unlock()
		return 0, err
	}
	in.partial = append(in.partial, b...)
	var lines []string
	for {
		i := strings.IndexByte(string(in.partial), '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(in.partial[:i]), "\r"))
		in.partial = in.partial[i+1:]
	}
	in.mu.Unlock()

	for _, l := range lines {
		in.dispatch(l)
	}
	return len(b), nil
}

func (in *Instrument) Read(b []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.out) == 0 {
		return 0, in.readErr
	}
	n := copy(b, in.out)
	in.out = in.out[n:]
	return n, nil
}

// Close satisfies io.Closer so an Instrument can stand in for a port.
func (in *Instrument) Close() error { return nil }

// isQuery reports whether line expects a reply: its verb ends in '?'.
func isQuery(line string) bool {
	verb, _, _ := strings.Cut(line, " ")
	return strings.HasSuffix(verb, "?")
}

func (in *Instrument) dispatch(line string) {
	in.mu.Lock()
	in.received = append(in.received, line)
	reply, ok := in.scripted(line)
	handlers := append([]Handler(nil), in.handlers...)
	in.mu.Unlock()

	// Handlers run unlocked so they may call back into the instrument.
	if !ok {
		for _, h := range handlers {
			if r, handled := h(line); handled {
				reply, ok = r, true
				break
			}
		}
	}
	if !ok || !isQuery(line) {
		return
	}
	in.mu.Lock()
	in.out = append(in.out, reply+"\n"...)
	in.mu.Unlock()
}

// scripted must be called with mu held.
func (in *Instrument) scripted(line string) (string, bool) {
	if q := in.queued[line]; len(q) > 0 {
		in.queued[line] = q[1:]
		return q[0], true
	}
	r, ok := in.sticky[line]
	return r, ok
}
