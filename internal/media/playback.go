package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PlaybackState tracks the lifecycle of a media session.
type PlaybackState int32

const (
	// PlaybackIdle means the session is waiting for the first packet from
	// the caller before any audio is sent.
	PlaybackIdle PlaybackState = iota
	// PlaybackStreaming means the caller's RTP address is known and audio
	// is being sent.
	PlaybackStreaming
	// PlaybackDone means the session has finished or been stopped.
	PlaybackDone
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackStreaming:
		return "streaming"
	case PlaybackDone:
		return "done"
	default:
		return "unknown"
	}
}

// packetInterval is the nominal wall-clock spacing of outbound RTP packets.
// We sleep slightly under one frame per packet so the remote jitter buffer
// never runs dry while we still pace close to real time.
const (
	packetInterval = time.Duration(OpusFrameSize) * time.Second / OpusRate
	pacingFactor   = 0.95
)

// pacingSleep is the per-packet sleep used while streaming.
var pacingSleep = time.Duration(float64(packetInterval) * pacingFactor)

// PacketSink receives inbound RTP datagrams from the caller once the
// session is streaming. Implementations must not block for long; a slow
// sink delays the read loop.
type PacketSink interface {
	HandlePacket(pkt []byte) error
}

// PlaybackSessionConfig configures a per-call media session.
type PlaybackSessionConfig struct {
	// ListenIP is the local address to bind the RTP socket on.
	ListenIP net.IP
	// Port is the local RTP port, typically from a PortAllocator.
	Port int
	// PayloadType is the negotiated OPUS payload type.
	PayloadType uint8
	// SilenceBefore is how long to wait after the session becomes ready
	// before the first audio packet, giving the caller's audio path time
	// to settle.
	SilenceBefore time.Duration
}

// PlaybackSession owns one RTP socket for the duration of a call. It stays
// idle until the caller sends a first datagram, which reveals the caller's
// actual RTP address (symmetric RTP, callers are usually behind NAT), then
// streams outbound audio to that address.
type PlaybackSession struct {
	conn        *net.UDPConn
	payloadType uint8
	silence     time.Duration
	logger      *slog.Logger

	state      atomic.Int32
	remoteAddr atomic.Pointer[net.UDPAddr]
	ready      chan struct{}
	readyOnce  sync.Once

	output *RTPOpusOutput
	input  *RTPOpusInput

	sink   PacketSink
	sinkMu sync.RWMutex

	rxPackets atomic.Uint64
	txPackets atomic.Uint64

	stopped atomic.Bool
	done    chan struct{}
}

// NewPlaybackSession binds the RTP socket and starts the inbound read loop.
func NewPlaybackSession(cfg PlaybackSessionConfig, logger *slog.Logger) (*PlaybackSession, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: cfg.ListenIP, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("binding rtp socket on port %d: %w", cfg.Port, err)
	}

	output, err := NewRTPOpusOutput(cfg.PayloadType)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating opus output: %w", err)
	}
	input, err := NewRTPOpusInput(cfg.PayloadType)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating opus input: %w", err)
	}

	s := &PlaybackSession{
		conn:        conn,
		payloadType: cfg.PayloadType,
		silence:     cfg.SilenceBefore,
		logger:      logger.With("component", "playback", "rtp_port", conn.LocalAddr().(*net.UDPAddr).Port),
		ready:       make(chan struct{}),
		output:      output,
		input:       input,
		done:        make(chan struct{}),
	}

	go s.readLoop()
	return s, nil
}

// LocalPort returns the bound RTP port.
func (s *PlaybackSession) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// State returns the current session state.
func (s *PlaybackSession) State() PlaybackState {
	return PlaybackState(s.state.Load())
}

// SetSink installs a receiver for inbound RTP packets. May be called or
// swapped at any time during the session.
func (s *PlaybackSession) SetSink(sink PacketSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// WaitReady blocks until the caller's first datagram arrives or the context
// is cancelled.
func (s *PlaybackSession) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed before caller media arrived")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop receives caller RTP. The first datagram latches the remote
// address and flips the session to streaming.
func (s *PlaybackSession) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopped.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Warn("rtp read failed", "error", err)
			return
		}

		s.rxPackets.Add(1)

		s.readyOnce.Do(func() {
			s.remoteAddr.Store(addr)
			s.state.CompareAndSwap(int32(PlaybackIdle), int32(PlaybackStreaming))
			s.logger.Debug("caller media path established", "remote", addr.String())
			close(s.ready)
		})

		s.sinkMu.RLock()
		sink := s.sink
		s.sinkMu.RUnlock()
		if sink != nil {
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			if err := sink.HandlePacket(pkt); err != nil {
				s.logger.Debug("dropping inbound packet", "error", err)
			}
		}
	}
}

const maxDatagram = 4096

// DecodePacket converts one inbound RTP datagram to PCM in the given
// format. Intended for use from a PacketSink.
func (s *PlaybackSession) DecodePacket(pkt []byte, format AudioFormat) ([]byte, error) {
	return s.input.ProcessPacket(pkt, format)
}

// Play streams a whole PCM buffer to the caller, pacing one packet per
// frame interval. It waits for the caller's first datagram, holds the
// configured silence, then streams. The final partial frame is zero padded
// so no trailing audio is lost.
func (s *PlaybackSession) Play(ctx context.Context, audio *WAVAudio) error {
	if err := s.WaitReady(ctx); err != nil {
		return err
	}

	if s.silence > 0 {
		select {
		case <-time.After(s.silence):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Feed the encoder in roughly frame-sized slices of source audio so
	// packets come out one at a time and pacing stays smooth.
	chunkBytes := audio.Format.Rate * audio.Format.Width * audio.Format.Channels * OpusFrameSize / OpusRate
	if chunkBytes == 0 {
		chunkBytes = len(audio.Data)
	}

	sent := 0
	for off := 0; off < len(audio.Data); off += chunkBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + chunkBytes
		isEnd := false
		if end >= len(audio.Data) {
			end = len(audio.Data)
			isEnd = true
		}
		packets, err := s.output.ProcessAudio(audio.Data[off:end], audio.Format, isEnd)
		if err != nil {
			return fmt.Errorf("encoding audio: %w", err)
		}
		for _, pkt := range packets {
			// Pace between packets, not after the last one; the
			// session should close as soon as the audio is out.
			if sent > 0 {
				select {
				case <-time.After(pacingSleep):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := s.sendPacket(pkt); err != nil {
				return err
			}
			sent++
		}
	}

	s.logger.Debug("playback finished", "packets", sent, "duration", audio.Duration())
	return nil
}

// SendAudio encodes and sends PCM without playback pacing or the readiness
// wait. Used by the pipeline bridge, where audio arrives already paced.
func (s *PlaybackSession) SendAudio(pcm []byte, format AudioFormat, isEnd bool) error {
	packets, err := s.output.ProcessAudio(pcm, format, isEnd)
	if err != nil {
		return fmt.Errorf("encoding audio: %w", err)
	}
	for _, pkt := range packets {
		if err := s.sendPacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PlaybackSession) sendPacket(pkt []byte) error {
	addr := s.remoteAddr.Load()
	if addr == nil {
		return fmt.Errorf("no caller media address yet")
	}
	if _, err := s.conn.WriteToUDP(pkt, addr); err != nil {
		return fmt.Errorf("sending rtp packet: %w", err)
	}
	s.txPackets.Add(1)
	return nil
}

// Stats returns the packets received from and sent to the caller so far.
func (s *PlaybackSession) Stats() (received, sent uint64) {
	return s.rxPackets.Load(), s.txPackets.Load()
}

// Close stops the read loop and releases the socket. The state moves to
// done regardless of where the session was.
func (s *PlaybackSession) Close() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.state.Store(int32(PlaybackDone))
	close(s.done)
	return s.conn.Close()
}
