package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/voicebridge/voicebridge/internal/media"
)

// DefaultSTTFormat is the PCM format fed to speech-to-text: 16 kHz mono
// 16-bit, the usual recognition input.
var DefaultSTTFormat = media.AudioFormat{Rate: 16000, Width: 2, Channels: 1}

// BridgeConfig configures a call-to-pipeline bridge.
type BridgeConfig struct {
	// STTFormat is the PCM format for recognition audio. Zero value means
	// DefaultSTTFormat.
	STTFormat media.AudioFormat
	// Language hint passed to the pipeline.
	Language string
	// Recorder, when set, receives a copy of the caller's decoded audio.
	Recorder *media.Recorder
}

// Bridge exchanges audio between one answered call and the voice pipeline:
// inbound RTP is decoded and streamed into speech-to-text, and each turn's
// synthesized reply is played back over the same RTP socket. Turns repeat
// until the context ends or the pipeline fails with a non-domain error.
type Bridge struct {
	session  *media.PlaybackSession
	pipeline Pipeline
	cfg      BridgeConfig
	logger   *slog.Logger

	conversationID string
}

// NewBridge creates a bridge over an answered call's media session.
func NewBridge(session *media.PlaybackSession, pl Pipeline, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if cfg.STTFormat == (media.AudioFormat{}) {
		cfg.STTFormat = DefaultSTTFormat
	}
	return &Bridge{
		session:        session,
		pipeline:       pl,
		cfg:            cfg,
		logger:         logger.With("component", "bridge"),
		conversationID: uuid.NewString(),
	}
}

// audioSink adapts the RTP receive path to an io.Writer, decoding each
// packet as it arrives. Decode failures drop the packet only.
type audioSink struct {
	session  *media.PlaybackSession
	format   media.AudioFormat
	w        io.Writer
	recorder *media.Recorder
}

func (s *audioSink) HandlePacket(pkt []byte) error {
	pcm, err := s.session.DecodePacket(pkt, s.format)
	if err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.Feed(pcm)
	}
	if _, err := s.w.Write(pcm); err != nil {
		return fmt.Errorf("forwarding stt audio: %w", err)
	}
	return nil
}

// Run drives the conversation until the context ends. Domain errors end
// the current turn and the next one starts; any other pipeline error ends
// the call bridge.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.session.WaitReady(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := b.turn(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoTranscript), errors.Is(err, ErrNoSpeech):
			b.logger.Debug("turn produced no result, listening again", "reason", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return err
		}
	}
}

// turn runs one listen-and-respond exchange.
func (b *Bridge) turn(ctx context.Context) error {
	pr, pw := io.Pipe()
	sink := &audioSink{
		session:  b.session,
		format:   b.cfg.STTFormat,
		w:        pw,
		recorder: b.cfg.Recorder,
	}
	b.session.SetSink(sink)
	defer func() {
		b.session.SetSink(nil)
		pw.Close()
	}()

	run := b.pipeline.Run(ctx, Request{
		Audio:          pr,
		AudioFormat:    b.cfg.STTFormat,
		Language:       b.cfg.Language,
		ConversationID: b.conversationID,
	})

	go func() {
		for ev := range run.Events() {
			b.logger.Debug("pipeline event", "type", ev.Type)
			if ev.Type == EventSTTStopped {
				// Recognition is done; stop feeding audio so the
				// pipeline can move on.
				pw.Close()
			}
		}
	}()

	resp, err := run.Result(ctx)
	if err != nil {
		return err
	}

	b.logger.Info("pipeline turn complete",
		"transcript", resp.Transcript,
		"speech_text", resp.SpeechText,
	)

	if resp.MediaPath == "" {
		return nil
	}
	audio, err := media.ReadWAVFile(resp.MediaPath)
	if err != nil {
		return fmt.Errorf("loading tts media: %w", err)
	}
	if err := b.session.Play(ctx, audio); err != nil {
		return fmt.Errorf("playing tts media: %w", err)
	}
	return nil
}
