package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Wire message types for the remote pipeline protocol.
const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgRunStart     = "run-start"
	msgAudioEnd     = "audio-end"
	msgEvent        = "event"
	msgRunEnd       = "run-end"
	msgError        = "error"
)

// Error codes the remote side uses for the two domain errors.
const (
	codeNoTranscript = "no-transcript"
	codeNoSpeech     = "no-speech"
)

// wireMessage is the envelope for all JSON frames in both directions.
type wireMessage struct {
	Type         string    `json:"type"`
	AccessToken  string    `json:"access_token,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	Input        string    `json:"input,omitempty"` // "text" or "audio"
	Text         string    `json:"text,omitempty"`
	Language     string    `json:"language,omitempty"`
	Conversation string    `json:"conversation_id,omitempty"`
	SampleRate   int       `json:"sample_rate,omitempty"`
	SampleWidth  int       `json:"sample_width,omitempty"`
	Channels     int       `json:"channels,omitempty"`
	Event        *Event    `json:"event,omitempty"`
	Result       *Response `json:"result,omitempty"`
	Code         string    `json:"code,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// audioChunkSize is how much PCM goes into one binary websocket frame.
const audioChunkSize = 4096

// handshakeTimeout bounds the dial plus auth exchange.
const handshakeTimeout = 10 * time.Second

// RemotePipeline talks to an external voice pipeline over a JSON websocket.
// Each run opens its own connection: runs are short-lived and isolating
// them keeps one stuck run from wedging others.
type RemotePipeline struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer
}

// NewRemotePipeline creates a client for the pipeline at url, authenticating
// with the given bearer token during the websocket handshake.
func NewRemotePipeline(url, token string, logger *slog.Logger) *RemotePipeline {
	return &RemotePipeline{
		url:    url,
		token:  token,
		logger: logger.With("subsystem", "pipeline-client"),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Run starts a pipeline run. The returned handle reports events and the
// terminal result; the run itself proceeds on background goroutines.
func (p *RemotePipeline) Run(ctx context.Context, req Request) *Run {
	run := NewRun()
	go p.execute(ctx, req, run)
	return run
}

func (p *RemotePipeline) execute(ctx context.Context, req Request, run *Run) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)

	conn, err := p.connect(ctx)
	if err != nil {
		run.Finish(nil, fmt.Errorf("connecting to pipeline: %w", err))
		return
	}
	defer conn.Close()

	// Cancellation tears the connection down, unblocking reads.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var writeMu sync.Mutex
	writeJSON := func(msg wireMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	start := wireMessage{
		Type:         msgRunStart,
		RunID:        runID,
		Language:     req.Language,
		Conversation: req.ConversationID,
	}
	if req.Audio != nil {
		start.Input = "audio"
		start.SampleRate = req.AudioFormat.Rate
		start.SampleWidth = req.AudioFormat.Width
		start.Channels = req.AudioFormat.Channels
	} else {
		start.Input = "text"
		start.Text = req.Text
	}
	if err := writeJSON(start); err != nil {
		run.Finish(nil, fmt.Errorf("starting pipeline run: %w", err))
		return
	}

	if req.Audio != nil {
		go func() {
			if err := p.streamAudio(conn, &writeMu, req.Audio, runID); err != nil {
				logger.Warn("audio stream to pipeline failed", "error", err)
				conn.Close()
			}
		}()
	}

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				run.Finish(nil, ctx.Err())
			} else {
				run.Finish(nil, fmt.Errorf("reading pipeline message: %w", err))
			}
			return
		}

		switch msg.Type {
		case msgEvent:
			if msg.Event != nil {
				run.Emit(*msg.Event)
			}
		case msgRunEnd:
			if msg.Result == nil {
				run.Finish(nil, errors.New("pipeline run ended without a result"))
				return
			}
			run.Finish(msg.Result, nil)
			return
		case msgError:
			run.Finish(nil, remoteError(msg))
			return
		default:
			logger.Debug("ignoring unknown pipeline message", "type", msg.Type)
		}
	}
}

// connect dials the pipeline and completes the auth handshake.
func (p *RemotePipeline) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", p.url, err)
	}

	var required wireMessage
	if err := conn.ReadJSON(&required); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading auth challenge: %w", err)
	}
	if required.Type != msgAuthRequired {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", msgAuthRequired, required.Type)
	}

	if err := conn.WriteJSON(wireMessage{Type: msgAuth, AccessToken: p.token}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending auth: %w", err)
	}

	var result wireMessage
	if err := conn.ReadJSON(&result); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading auth result: %w", err)
	}
	switch result.Type {
	case msgAuthOK:
		return conn, nil
	case msgAuthInvalid:
		conn.Close()
		return nil, errors.New("pipeline rejected access token")
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected auth result %s", result.Type)
	}
}

// streamAudio sends the STT audio as binary frames, then the end marker.
func (p *RemotePipeline) streamAudio(conn *websocket.Conn, writeMu *sync.Mutex, audio io.Reader, runID string) error {
	buf := make([]byte, audioChunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			writeMu.Lock()
			werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
			writeMu.Unlock()
			if werr != nil {
				return fmt.Errorf("sending audio frame: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading stt audio: %w", err)
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(wireMessage{Type: msgAudioEnd, RunID: runID}); err != nil {
		return fmt.Errorf("sending audio end: %w", err)
	}
	return nil
}

// remoteError maps a wire error message to a domain error where one
// applies; anything else propagates as a plain error.
func remoteError(msg wireMessage) error {
	switch msg.Code {
	case codeNoTranscript:
		return ErrNoTranscript
	case codeNoSpeech:
		return ErrNoSpeech
	default:
		return fmt.Errorf("pipeline error %s: %s", msg.Code, msg.Message)
	}
}
