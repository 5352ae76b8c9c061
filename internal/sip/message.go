package sip

import (
	"strings"
)

// ParseMessage splits a raw SIP datagram into its method, headers and body.
//
// The first whitespace-delimited token of the first line is the method; an
// empty datagram yields an empty method and no error. Every non-empty line up
// to the first empty line is a header, split once on ':' with the key folded
// to lowercase and the value trimmed of surrounding whitespace. A header line
// without a colon is a fatal parse error for the whole datagram.
//
// The body is everything after the first empty line, located by cumulative
// offset rather than a second split so its exact byte content is preserved.
func ParseMessage(data []byte) (method string, headers map[string]string, body string, err error) {
	text := string(data)
	headers = make(map[string]string)

	offset := 0
	firstLine := true
	for offset < len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		var line string
		var next int
		if lineEnd < 0 {
			line = text[offset:]
			next = len(text)
		} else {
			line = text[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		}
		line = strings.TrimSuffix(line, "\r")

		if firstLine {
			if fields := strings.Fields(line); len(fields) > 0 {
				method = fields[0]
			}
			firstLine = false
			offset = next
			continue
		}

		if line == "" {
			// Blank line terminates the headers; the rest is the body.
			return method, headers, text[next:], nil
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return "", nil, "", malformedHeader(line)
		}
		headers[strings.ToLower(key)] = strings.TrimSpace(value)
		offset = next
	}

	return method, headers, "", nil
}
