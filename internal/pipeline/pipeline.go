// Package pipeline defines the boundary to the external voice pipeline:
// speech-to-text, intent handling and text-to-speech, consumed as a black
// box through a narrow request/event contract.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/voicebridge/voicebridge/internal/media"
)

// EventType identifies a stage transition inside a pipeline run.
type EventType string

const (
	EventSTTStarted    EventType = "stt-started"
	EventSTTStopped    EventType = "stt-stopped"
	EventIntentStarted EventType = "intent-started"
	EventIntentStopped EventType = "intent-stopped"
	EventTTSStarted    EventType = "tts-started"
	EventTTSStopped    EventType = "tts-stopped"
)

// Event is one timestamped stage notification. Data is a free-form mapping
// whose keys depend on the stage.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Domain errors. Everything else a pipeline returns propagates unmodified;
// the transport boundary decides how to surface it.
var (
	// ErrNoTranscript means speech-to-text produced no text.
	ErrNoTranscript = errors.New("pipeline: no transcript recognized")
	// ErrNoSpeech means the conversation agent produced nothing to
	// synthesize.
	ErrNoSpeech = errors.New("pipeline: no speech response")
)

// Request carries the input of one pipeline run: either literal text, or an
// audio stream with its format.
type Request struct {
	// Text is the literal input. Used when Audio is nil.
	Text string
	// Audio is the speech-to-text input stream.
	Audio io.Reader
	// AudioFormat describes the PCM in Audio.
	AudioFormat media.AudioFormat
	// Language hint for recognition, BCP 47.
	Language string
	// ConversationID threads multiple runs into one conversation.
	ConversationID string
}

// Response is the terminal result of a successful run.
type Response struct {
	// Transcript is what speech-to-text heard (empty for text input).
	Transcript string `json:"transcript,omitempty"`
	// SpeechText is the agent's reply.
	SpeechText string `json:"speech_text"`
	// MediaPath points at the synthesized WAV, when text-to-speech ran.
	MediaPath string `json:"media_path,omitempty"`
}

// Run is a handle to one in-flight pipeline run. Events arrive in emission
// order on Events; the channel closes when the run ends, after which Result
// returns the terminal response or error.
type Run struct {
	events chan Event
	done   chan struct{}
	resp   *Response
	err    error
}

// runEventBuffer keeps emitters from blocking on a slow consumer for the
// handful of events a run produces.
const runEventBuffer = 16

// NewRun creates a run handle. Pipeline implementations emit events with
// Emit and must call Finish exactly once.
func NewRun() *Run {
	return &Run{
		events: make(chan Event, runEventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the ordered event stream. Closed when the run ends.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Result blocks until the run ends, then returns the terminal response or
// error. The context bounds the wait only; it does not cancel the run.
func (r *Run) Result(ctx context.Context) (*Response, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit queues an event, stamping it now if unstamped. Events emitted after
// Finish are dropped.
func (r *Run) Emit(ev Event) {
	select {
	case <-r.done:
		return
	default:
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case r.events <- ev:
	default:
		// Consumer has fallen far behind; drop rather than stall the run.
	}
}

// Finish records the terminal outcome and closes the event stream. Exactly
// one of resp and err should be set.
func (r *Run) Finish(resp *Response, err error) {
	select {
	case <-r.done:
		return
	default:
	}
	r.resp = resp
	r.err = err
	close(r.done)
	close(r.events)
}

// Pipeline runs voice requests. Run returns immediately; the run proceeds
// in the background and reports through the returned handle.
type Pipeline interface {
	Run(ctx context.Context, req Request) *Run
}
