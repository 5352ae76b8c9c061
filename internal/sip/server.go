package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPort is the standard SIP signaling port.
const DefaultPort = 5060

// maxDatagram is the largest SIP datagram we read. Anything bigger was
// truncated by UDP and parses as garbage.
const maxDatagram = 8192

// CallHandler receives parsed inbound calls. Implementations decide whether
// and how to answer; the server itself never accepts media.
type CallHandler interface {
	// OnCall is invoked once per valid INVITE. It must not block: long
	// call handling belongs on the handler's own goroutines.
	OnCall(ctx context.Context, call CallInfo)
}

// ServerConfig holds the SIP listener settings.
type ServerConfig struct {
	// ListenAddr is the UDP address to bind, e.g. "0.0.0.0:5060".
	ListenAddr string
	// UserAgent is advertised in the 200 OK response.
	UserAgent string
	// OpusPayloadType is the negotiated RTP payload type for OPUS audio.
	OpusPayloadType int
	// AdvertiseIP, when set, replaces the address taken from the INVITE's
	// To header in SDP answers. Needed when the server sits behind NAT.
	AdvertiseIP string
	// RateLimit bounds INVITE processing per source IP.
	RateLimit RateLimitConfig
}

// Server is a minimal SIP UDP listener. It understands exactly one request,
// INVITE, and produces exactly one response, 200 OK with an SDP body. All
// other methods are ignored without reply; there is no transaction state, no
// retransmission and no ACK/BYE handling.
type Server struct {
	cfg     ServerConfig
	handler CallHandler
	logger  *slog.Logger

	conn    *net.UDPConn
	limiter *IPRateLimiter
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// sdpSessionID provides the monotonic session id for outbound SDP.
	sdpSessionID atomic.Int64
}

// NewServer creates a SIP server that dispatches inbound calls to handler.
func NewServer(cfg ServerConfig, handler CallHandler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "sip"),
		limiter: NewIPRateLimiter(cfg.RateLimit),
	}
	s.sdpSessionID.Store(time.Now().Unix())
	return s
}

// Start binds the listening socket and begins serving datagrams in the
// background. It returns once the socket is bound.
func (s *Server) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolving sip listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("binding sip socket: %w", err)
	}
	s.conn = conn

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.serve(ctx)

	s.logger.Info("sip listener started", "addr", s.cfg.ListenAddr)
	return nil
}

// LocalAddr returns the bound listen address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the listening socket and waits for the serve loop to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.limiter.Stop()
	s.wg.Wait()
	s.logger.Info("sip listener stopped")
}

// serve reads datagrams until the socket is closed. One malformed packet
// must never take the listener down, so every datagram is handled behind
// the dispatch boundary in handleDatagram.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("sip read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(ctx, data, addr)
	}
}

// handleDatagram parses one SIP datagram and dispatches INVITEs to the call
// handler. Parse and extraction failures are logged and swallowed here; no
// SIP response of any kind is sent for a datagram we could not use.
func (s *Server) handleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	method, headers, body, err := ParseMessage(data)
	if err != nil {
		s.logger.Debug("dropping unparseable sip datagram",
			"remote", addr.String(),
			"error", err,
		)
		return
	}

	if !strings.EqualFold(method, "INVITE") {
		// OPTIONS pings, stray responses, scanners: silently ignored.
		return
	}

	if !s.limiter.Allow(addr.IP.String()) {
		s.logger.Warn("invite rate limit exceeded", "remote", addr.String())
		return
	}

	call, err := newCallInfo(addr.IP.String(), addr.Port, headers, body)
	if err != nil {
		s.logger.Warn("rejecting invite",
			"remote", addr.String(),
			"call_id", headers["call-id"],
			"error", err,
		)
		return
	}

	s.logger.Info("incoming call",
		"remote", addr.String(),
		"call_id", call.CallID(),
		"caller_rtp_port", call.CallerRTPPort,
		"server_ip", call.ServerIP,
	)

	s.handler.OnCall(ctx, call)
}

// Answer sends a 200 OK for the given call, advertising serverRTPPort as
// this side's media port. UDP fire-and-forget: no retransmission and no
// wait for the caller's ACK.
func (s *Server) Answer(call CallInfo, serverRTPPort int) error {
	serverIP := call.ServerIP
	if s.cfg.AdvertiseIP != "" {
		serverIP = s.cfg.AdvertiseIP
	}
	sdp := s.buildSDP(serverIP, serverRTPPort)
	resp := buildOKResponse(call, sdp, s.cfg.UserAgent)

	dest := &net.UDPAddr{
		IP:   net.ParseIP(call.CallerIP),
		Port: call.CallerSIPPort,
	}
	if dest.IP == nil {
		return &ProtocolError{Reason: fmt.Sprintf("invalid caller ip %q", call.CallerIP)}
	}

	if _, err := s.conn.WriteToUDP(resp, dest); err != nil {
		return fmt.Errorf("sending 200 OK: %w", err)
	}

	s.logger.Debug("call answered",
		"call_id", call.CallID(),
		"server_rtp_port", serverRTPPort,
	)
	return nil
}

// buildSDP renders the answer's session description: OPUS only, 20ms packet
// time, bidirectional.
func (s *Server) buildSDP(serverIP string, rtpPort int) string {
	sessID := s.sdpSessionID.Add(1)
	pt := strconv.Itoa(s.cfg.OpusPayloadType)

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString(fmt.Sprintf("o=voicebridge %d %d IN IP4 %s\r\n", sessID, sessID, serverIP))
	b.WriteString("s=voicebridge\r\n")
	b.WriteString(fmt.Sprintf("c=IN IP4 %s\r\n", serverIP))
	b.WriteString("t=0 0\r\n")
	b.WriteString(fmt.Sprintf("m=audio %d RTP/AVP %s\r\n", rtpPort, pt))
	b.WriteString(fmt.Sprintf("a=rtpmap:%s opus/48000/2\r\n", pt))
	b.WriteString("a=ptime:20\r\n")
	b.WriteString("a=maxptime:150\r\n")
	b.WriteString("a=sendrecv\r\n")
	return b.String()
}

// buildOKResponse renders the 200 OK, echoing the INVITE's dialog headers
// verbatim. RFC 3261 requires Via/From/To/Call-ID/CSeq to match the request;
// the phone drops the response otherwise.
func buildOKResponse(call CallInfo, sdp string, userAgent string) []byte {
	var b strings.Builder
	b.WriteString("SIP/2.0 200 OK\r\n")
	b.WriteString("Via: " + call.Headers["via"] + "\r\n")
	b.WriteString("From: " + call.Headers["from"] + "\r\n")
	b.WriteString("To: " + call.Headers["to"] + "\r\n")
	b.WriteString("Call-ID: " + call.Headers["call-id"] + "\r\n")
	b.WriteString("Content-Type: application/sdp\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(sdp)) + "\r\n")
	b.WriteString("CSeq: " + call.Headers["cseq"] + "\r\n")
	b.WriteString("Contact: " + call.Headers["contact"] + "\r\n")
	b.WriteString("User-Agent: " + userAgent + "\r\n")
	b.WriteString("Allow: INVITE, ACK, BYE, CANCEL, OPTIONS\r\n")
	b.WriteString("\r\n")
	b.WriteString(sdp)
	return []byte(b.String())
}
