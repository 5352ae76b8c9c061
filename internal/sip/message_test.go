package sip

import (
	"errors"
	"testing"
)

const testInvite = "INVITE sip:192.168.1.10:5060 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 192.168.1.210:5060;branch=z9hG4bK1998\r\n" +
	"From: \"Kitchen\" <sip:kitchen@192.168.1.210>;tag=1599ique\r\n" +
	"To: <sip:192.168.1.10:5060>\r\n" +
	"Call-ID: 313faa1e@192.168.1.210\r\n" +
	"CSeq: 50 INVITE\r\n" +
	"Contact: <sip:kitchen@192.168.1.210:5060>\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 133\r\n" +
	"\r\n" +
	"v=0\r\n" +
	"o=kitchen 42 42 IN IP4 192.168.1.210\r\n" +
	"s=Talk\r\n" +
	"c=IN IP4 192.168.1.210\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 RTP/AVP 123\r\n" +
	"a=rtpmap:123 opus/48000/2\r\n"

func TestParseMessage(t *testing.T) {
	method, headers, body, err := ParseMessage([]byte(testInvite))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if method != "INVITE" {
		t.Errorf("method = %q, want %q", method, "INVITE")
	}

	// Keys are lowercased, values trimmed but otherwise verbatim.
	wantHeaders := map[string]string{
		"via":            "SIP/2.0/UDP 192.168.1.210:5060;branch=z9hG4bK1998",
		"from":           `"Kitchen" <sip:kitchen@192.168.1.210>;tag=1599ique`,
		"to":             "<sip:192.168.1.10:5060>",
		"call-id":        "313faa1e@192.168.1.210",
		"cseq":           "50 INVITE",
		"contact":        "<sip:kitchen@192.168.1.210:5060>",
		"content-type":   "application/sdp",
		"content-length": "133",
	}
	for k, want := range wantHeaders {
		if got := headers[k]; got != want {
			t.Errorf("headers[%q] = %q, want %q", k, got, want)
		}
	}
	if len(headers) != len(wantHeaders) {
		t.Errorf("header count = %d, want %d", len(headers), len(wantHeaders))
	}

	// Body byte content is preserved exactly, including line endings.
	wantBody := "v=0\r\n" +
		"o=kitchen 42 42 IN IP4 192.168.1.210\r\n" +
		"s=Talk\r\n" +
		"c=IN IP4 192.168.1.210\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 123\r\n" +
		"a=rtpmap:123 opus/48000/2\r\n"
	if body != wantBody {
		t.Errorf("body = %q, want %q", body, wantBody)
	}
}

func TestParseMessage_Empty(t *testing.T) {
	method, headers, body, err := ParseMessage(nil)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if method != "" {
		t.Errorf("method = %q, want empty", method)
	}
	if len(headers) != 0 {
		t.Errorf("headers = %v, want empty", headers)
	}
	if body != "" {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestParseMessage_MalformedHeader(t *testing.T) {
	msg := "INVITE sip:host SIP/2.0\r\n" +
		"Via SIP/2.0/UDP nocolon\r\n" +
		"\r\n"
	_, _, _, err := ParseMessage([]byte(msg))
	if err == nil {
		t.Fatal("expected error for header line without colon")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("error type = %T, want *ProtocolError", err)
	}
}

func TestParseMessage_NoBody(t *testing.T) {
	msg := "OPTIONS sip:host SIP/2.0\r\nCSeq: 1 OPTIONS\r\n"
	method, headers, body, err := ParseMessage([]byte(msg))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if method != "OPTIONS" {
		t.Errorf("method = %q, want OPTIONS", method)
	}
	if headers["cseq"] != "1 OPTIONS" {
		t.Errorf("cseq = %q", headers["cseq"])
	}
	if body != "" {
		t.Errorf("body = %q, want empty", body)
	}
}

// Newline-only messages must parse the same as CRLF ones.
func TestParseMessage_BareNewlines(t *testing.T) {
	msg := "INVITE sip:host SIP/2.0\nTo: <sip:1.2.3.4:5060>\n\nm=audio 5004 RTP/AVP 123\n"
	method, headers, body, err := ParseMessage([]byte(msg))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if method != "INVITE" {
		t.Errorf("method = %q", method)
	}
	if headers["to"] != "<sip:1.2.3.4:5060>" {
		t.Errorf("to = %q", headers["to"])
	}
	if body != "m=audio 5004 RTP/AVP 123\n" {
		t.Errorf("body = %q", body)
	}
}
