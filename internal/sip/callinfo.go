package sip

import (
	"regexp"
	"strconv"
	"strings"
)

// CallInfo describes one inbound call's transport parameters, derived from a
// parsed INVITE. It is built once per INVITE and discarded after call setup.
type CallInfo struct {
	// CallerIP and CallerSIPPort identify the remote UDP endpoint that
	// sent the INVITE.
	CallerIP      string
	CallerSIPPort int

	// CallerRTPPort is where the phone expects to receive media, taken
	// from the SDP m=audio line of the INVITE body.
	CallerRTPPort int

	// ServerIP is this host's address as the caller sees it, taken from
	// the To header rather than local socket introspection: the phone
	// dictates what address it expects to talk to.
	ServerIP string

	// Headers holds every SIP header of the INVITE, keyed by lowercased
	// name with the value preserved verbatim. The 200 OK response echoes
	// several of these back unchanged.
	Headers map[string]string
}

// CallID returns the SIP Call-ID header value, or "" if absent.
func (c CallInfo) CallID() string {
	return c.Headers["call-id"]
}

// toIPPattern matches the <sip:IP:PORT> URI inside a To header.
var toIPPattern = regexp.MustCompile(`<sip:(\d+\.\d+\.\d+\.\d+):\d+>`)

// callerRTPPort extracts the audio port from an SDP body by scanning for the
// m=audio line. Only that one line matters for call setup.
func callerRTPPort(body string) (int, error) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		key, value, found := strings.Cut(line, "=")
		if !found || key != "m" {
			continue
		}
		if !strings.HasPrefix(value, "audio") {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) < 2 {
			continue
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		return port, nil
	}
	return 0, ErrNoRTPPort
}

// serverIPFromTo extracts the server address the phone dialed from a To
// header value.
func serverIPFromTo(to string) (string, error) {
	m := toIPPattern.FindStringSubmatch(to)
	if m == nil {
		return "", ErrNoServerIP
	}
	return m[1], nil
}

// newCallInfo assembles a CallInfo from a parsed INVITE.
func newCallInfo(callerIP string, callerSIPPort int, headers map[string]string, body string) (CallInfo, error) {
	rtpPort, err := callerRTPPort(body)
	if err != nil {
		return CallInfo{}, err
	}

	serverIP, err := serverIPFromTo(headers["to"])
	if err != nil {
		return CallInfo{}, err
	}

	return CallInfo{
		CallerIP:      callerIP,
		CallerSIPPort: callerSIPPort,
		CallerRTPPort: rtpPort,
		ServerIP:      serverIP,
		Headers:       headers,
	}, nil
}
