package media

import (
	"fmt"
	"math/rand"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"
)

// Fixed internal audio parameters dictated by the negotiated SDP: OPUS at
// 48 kHz, stereo, 16-bit.
const (
	OpusRate     = 48000
	OpusChannels = 2
	OpusWidth    = 2

	// OpusFrameSize is samples per channel per 20ms frame at 48 kHz.
	OpusFrameSize = 960

	// opusFrameBytes is one full frame of internal-format PCM.
	opusFrameBytes = OpusFrameSize * OpusChannels * OpusWidth

	// DefaultOpusPayloadType is the dynamic RTP payload type this
	// deployment negotiates for OPUS.
	DefaultOpusPayloadType = 123

	// opusBitrate is tuned for 16 kHz-quality speech, not general audio.
	opusBitrate = 20000

	// rtpHeaderSize is the fixed RTP header size (no CSRCs, no extensions).
	rtpHeaderSize = 12

	// maxOpusPayload bounds one encoded frame. 20ms at 20 kbit/s is
	// ~50 bytes; this leaves generous headroom.
	maxOpusPayload = 1500
)

// rtpFlagsByte is the only header flags value we accept on receive:
// version 2, no padding, no extension, no CSRC.
const rtpFlagsByte = 0x80

// PacketError reports an RTP packet that failed validation or decode.
// It is fatal for that packet; the receive handler decides whether to drop
// the packet or abort the call.
type PacketError struct {
	Reason string
}

func (e *PacketError) Error() string {
	return "rtp: " + e.Reason
}

// RTPOpusInput decodes RTP/OPUS packets to raw PCM in a caller-chosen
// format. One instance serves one call; it is not safe for concurrent use.
type RTPOpusInput struct {
	payloadType uint8
	decoder     *opus.Decoder
	pcmBuf      []int16
}

// NewRTPOpusInput creates a decoder accepting the given RTP payload type.
func NewRTPOpusInput(payloadType uint8) (*RTPOpusInput, error) {
	dec, err := opus.NewDecoder(OpusRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	return &RTPOpusInput{
		payloadType: payloadType,
		decoder:     dec,
		// Up to 120ms per packet per the OPUS spec.
		pcmBuf: make([]int16, OpusFrameSize*6*OpusChannels),
	}, nil
}

// ProcessPacket validates one RTP packet, decodes its OPUS payload and
// converts the audio to the requested format: mono-mix first, then resample,
// then sample-width resize. The conversion order matters because the
// resampler assumes the channel count already matches its working format.
func (in *RTPOpusInput) ProcessPacket(pkt []byte, format AudioFormat) ([]byte, error) {
	if len(pkt) < rtpHeaderSize {
		return nil, &PacketError{Reason: fmt.Sprintf("packet too short: %d bytes", len(pkt))}
	}
	if pkt[0] != rtpFlagsByte {
		return nil, &PacketError{Reason: fmt.Sprintf("unexpected header flags 0x%02x", pkt[0])}
	}
	if pt := pkt[1] & 0x7F; pt != in.payloadType {
		return nil, &PacketError{Reason: fmt.Sprintf("payload type %d, want %d", pt, in.payloadType)}
	}
	if !validWidth(format.Width) {
		return nil, fmt.Errorf("unsupported sample width %d", format.Width)
	}

	var parsed rtp.Packet
	if err := parsed.Unmarshal(pkt); err != nil {
		return nil, &PacketError{Reason: fmt.Sprintf("unmarshaling header: %v", err)}
	}

	n, err := in.decoder.Decode(parsed.Payload, in.pcmBuf)
	if err != nil {
		return nil, &PacketError{Reason: fmt.Sprintf("decoding opus payload: %v", err)}
	}

	// Interleaved 48kHz/stereo/16-bit out of the decoder.
	pcm := make([]byte, n*OpusChannels*OpusWidth)
	for i, s := range in.pcmBuf[:n*OpusChannels] {
		putSample(pcm, OpusWidth, i, int32(s))
	}

	channels := OpusChannels
	if format.Channels == 1 {
		pcm = monoMix(pcm, OpusWidth)
		channels = 1
	}
	pcm = resample(pcm, OpusWidth, channels, OpusRate, format.Rate)
	pcm = resizeWidth(pcm, OpusWidth, format.Width)

	return pcm, nil
}

// RTPOpusOutput encodes raw PCM into RTP/OPUS packets. Arbitrary-length
// writes are batched into fixed-size OPUS frames; partial frames stay
// buffered until the next write or until the stream ends.
//
// One instance serves one call. Sequence number, timestamp and SSRC start
// at random offsets and advance monotonically; Reset re-randomizes them so
// the instance can serve a new call.
type RTPOpusOutput struct {
	payloadType uint8
	encoder     *opus.Encoder

	sequence  uint16
	timestamp uint32
	ssrc      uint32
	buffer    []byte // pending internal-format PCM, < one frame after each call
}

// NewRTPOpusOutput creates an encoder producing the given RTP payload type.
// The encoder is tuned for voice: VoIP application, wideband ceiling,
// 20 kbit/s.
func NewRTPOpusOutput(payloadType uint8) (*RTPOpusOutput, error) {
	enc, err := opus.NewEncoder(OpusRate, OpusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		return nil, fmt.Errorf("setting opus bitrate: %w", err)
	}
	if err := enc.SetMaxBandwidth(opus.Wideband); err != nil {
		return nil, fmt.Errorf("setting opus bandwidth: %w", err)
	}

	out := &RTPOpusOutput{
		payloadType: payloadType,
		encoder:     enc,
	}
	out.Reset()
	return out, nil
}

// Reset clears the pending audio buffer and re-randomizes the RTP sequence
// number, timestamp and SSRC, making the instance ready for a new call.
func (out *RTPOpusOutput) Reset() {
	out.sequence = uint16(rand.Intn(1 << 16))
	out.timestamp = rand.Uint32()
	out.ssrc = rand.Uint32()
	out.buffer = out.buffer[:0]
}

// ProcessAudio converts PCM in the caller's format to the internal format
// (resample, then width-resize, then stereo upmix), buffers it, and returns
// one RTP packet per complete OPUS frame. With isEnd the trailing partial
// frame is zero-padded to a full frame so no audio is dropped, and the
// instance is Reset for reuse.
func (out *RTPOpusOutput) ProcessAudio(pcm []byte, format AudioFormat, isEnd bool) ([][]byte, error) {
	if len(pcm) > 0 {
		if !validWidth(format.Width) {
			return nil, fmt.Errorf("unsupported sample width %d", format.Width)
		}
		converted := resample(pcm, format.Width, format.Channels, format.Rate, OpusRate)
		converted = resizeWidth(converted, format.Width, OpusWidth)
		if format.Channels == 1 {
			converted = stereoUpmix(converted, OpusWidth)
		}
		out.buffer = append(out.buffer, converted...)
	}

	var packets [][]byte
	for len(out.buffer) >= opusFrameBytes {
		pkt, err := out.encodeFrame(out.buffer[:opusFrameBytes])
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
		out.buffer = out.buffer[opusFrameBytes:]
	}

	if isEnd {
		if len(out.buffer) > 0 {
			frame := make([]byte, opusFrameBytes)
			copy(frame, out.buffer)
			pkt, err := out.encodeFrame(frame)
			if err != nil {
				return nil, err
			}
			packets = append(packets, pkt)
		}
		out.Reset()
	}

	return packets, nil
}

// encodeFrame encodes exactly one internal-format frame and wraps it in an
// RTP packet, advancing the sequence number by 1 and the timestamp by the
// frame size.
func (out *RTPOpusOutput) encodeFrame(frame []byte) ([]byte, error) {
	pcm := make([]int16, OpusFrameSize*OpusChannels)
	for i := range pcm {
		pcm[i] = int16(sampleAt(frame, OpusWidth, i))
	}

	payload := make([]byte, maxOpusPayload)
	n, err := out.encoder.Encode(pcm, payload)
	if err != nil {
		return nil, fmt.Errorf("encoding opus frame: %w", err)
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    out.payloadType,
			SequenceNumber: out.sequence,
			Timestamp:      out.timestamp,
			SSRC:           out.ssrc,
		},
		Payload: payload[:n],
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling rtp packet: %w", err)
	}

	out.sequence++
	out.timestamp += OpusFrameSize
	return raw, nil
}
