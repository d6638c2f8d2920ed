package instrument

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"

	"github.com/shaunagostinho/hipotd/internal/wire"
)

// CommunicationError is an I/O failure on the physical link.
type CommunicationError = wire.CommunicationError

// ErrNotConnected is returned by any driver call made before Connect.
var ErrNotConnected = errors.New("instrument: not connected")

// UnsupportedDeviceTypeError is returned by the registry for unknown model ids.
type UnsupportedDeviceTypeError struct {
	ModelID string
}

func (e *UnsupportedDeviceTypeError) Error() string {
	return fmt.Sprintf("instrument: device type %q is not supported", e.ModelID)
}

// UnsupportedOperationError is returned when a dialect has no command for
// the requested operation.
type UnsupportedOperationError struct {
	Model string
	Op    string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("instrument: %s does not support %s", e.Model, e.Op)
}

// ParseError reports a wire payload that could not be decoded.
type ParseError struct {
	Payload string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("instrument: cannot parse %q: %s", e.Payload, e.Reason)
}

// IsDisconnect reports whether err means the port went away (device
// unplugged or port closed), as opposed to a timeout or configuration fault.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return disconnectCode(portErr.Code())
	}
	var portErrVal serial.PortError
	if errors.As(err, &portErrVal) {
		return disconnectCode(portErrVal.Code())
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "input/output error") ||
		strings.Contains(s, "no such device") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "file already closed")
}

func disconnectCode(code serial.PortErrorCode) bool {
	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	}
	return false
}
