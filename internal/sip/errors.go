package sip

import "fmt"

// ProtocolError reports a failure to interpret an inbound SIP datagram.
// A ProtocolError is fatal to the single call attempt that triggered it;
// the dispatch loop catches and logs it so the listening socket survives.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "sip: " + e.Reason
}

// Sentinel protocol errors for conditions callers branch on.
var (
	// ErrNoRTPPort means the INVITE body had no usable m=audio line.
	ErrNoRTPPort = &ProtocolError{Reason: "no caller RTP port in SDP body"}

	// ErrNoServerIP means the To header did not contain a <sip:IP:PORT> URI.
	ErrNoServerIP = &ProtocolError{Reason: "failed to find 'to' IP address"}
)

// malformedHeader builds the parse error for a header line without a colon.
func malformedHeader(line string) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf("malformed header line %q", line)}
}
