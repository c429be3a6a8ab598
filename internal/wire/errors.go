package wire

import "fmt"

// ProtocolError indicates malformed framing, an unknown message, a
// schema violation, or an out-of-order handshake. The owning
// PeerConnection closes on any ProtocolError (spec.md §7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// DecoderError is a schema-level validation failure, raised by Validate.
// Inbound, the parser turns it into a ProtocolError. Outbound, it is a
// local bug: the caller is expected to close the session and propagate.
type DecoderError struct {
	Field  string
	Reason string
}

func (e *DecoderError) Error() string {
	if e.Field == "" {
		return "decode error: " + e.Reason
	}
	return fmt.Sprintf("decode error: field %q: %s", e.Field, e.Reason)
}
