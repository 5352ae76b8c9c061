package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/pipeline"
)

// assistMessage is the JSON envelope for assist websocket frames, both
// directions. It matches the remote pipeline wire protocol so the same
// clients work against either end.
type assistMessage struct {
	Type         string             `json:"type"`
	AccessToken  string             `json:"access_token,omitempty"`
	RunID        string             `json:"run_id,omitempty"`
	Input        string             `json:"input,omitempty"` // "text" or "audio"
	Text         string             `json:"text,omitempty"`
	Language     string             `json:"language,omitempty"`
	Conversation string             `json:"conversation_id,omitempty"`
	SampleRate   int                `json:"sample_rate,omitempty"`
	SampleWidth  int                `json:"sample_width,omitempty"`
	Channels     int                `json:"channels,omitempty"`
	Event        *pipeline.Event    `json:"event,omitempty"`
	Result       *pipeline.Response `json:"result,omitempty"`
	Code         string             `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
}

const assistAuthTimeout = 10 * time.Second

var assistUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleAssist serves the assist websocket: in-band token auth, then any
// number of pipeline runs over one connection.
func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "no pipeline configured")
		return
	}

	conn, err := assistUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("assist upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg assistMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	if !s.assistAuth(conn, send) {
		return
	}

	for {
		var start assistMessage
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		if start.Type != "run-start" {
			send(assistMessage{Type: "error", Code: "bad-request", Message: "expected run-start"}) //nolint:errcheck
			continue
		}
		if err := s.assistRun(r.Context(), conn, send, start); err != nil {
			return
		}
	}
}

// assistAuth performs the in-band handshake against the configured access
// token or a previously issued JWT.
func (s *Server) assistAuth(conn *websocket.Conn, send func(assistMessage) error) bool {
	if err := send(assistMessage{Type: "auth_required"}); err != nil {
		return false
	}

	conn.SetReadDeadline(time.Now().Add(assistAuthTimeout))
	var auth assistMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return false
	}
	conn.SetReadDeadline(time.Time{})

	if auth.Type != "auth" || !s.assistTokenValid(auth.AccessToken) {
		send(assistMessage{Type: "auth_invalid"}) //nolint:errcheck
		return false
	}
	return send(assistMessage{Type: "auth_ok"}) == nil
}

func (s *Server) assistTokenValid(token string) bool {
	if token == "" {
		return false
	}
	if s.checkAccessToken(token) {
		return true
	}
	// Issued JWTs are accepted too.
	_, err := middleware.ValidateToken(s.jwtSecret, token)
	return err == nil
}

// assistRun drives one pipeline run over the websocket.
func (s *Server) assistRun(ctx context.Context, conn *websocket.Conn, send func(assistMessage) error, start assistMessage) error {
	req := pipeline.Request{
		Language:       start.Language,
		ConversationID: start.Conversation,
	}

	var audioDone chan error
	var pr *io.PipeReader
	switch start.Input {
	case "audio":
		var pw *io.PipeWriter
		pr, pw = io.Pipe()
		req.Audio = pr
		req.AudioFormat = media.AudioFormat{
			Rate:     start.SampleRate,
			Width:    start.SampleWidth,
			Channels: start.Channels,
		}
		audioDone = make(chan error, 1)
		go func() { audioDone <- collectAssistAudio(conn, pw) }()
	default:
		req.Text = start.Text
	}

	run := s.pipeline.Run(ctx, req)
	for ev := range run.Events() {
		e := ev
		if err := send(assistMessage{Type: "event", RunID: start.RunID, Event: &e}); err != nil {
			return err
		}
	}

	resp, runErr := run.Result(ctx)

	if audioDone != nil {
		// The collector goroutine owns the connection's read side until
		// the client's audio-end marker; wait for it before the caller
		// issues new reads. Closing the pipe unblocks a collector stuck
		// writing to a pipeline that stopped reading.
		pr.CloseWithError(io.ErrClosedPipe)
		select {
		case <-audioDone:
		case <-time.After(assistAuthTimeout):
			return errors.New("audio stream did not end")
		}
	}

	if runErr != nil {
		return send(assistMessage{Type: "error", RunID: start.RunID, Code: assistErrorCode(runErr), Message: runErr.Error()})
	}
	return send(assistMessage{Type: "run-end", RunID: start.RunID, Result: resp})
}

// collectAssistAudio forwards binary frames into the pipe until the
// audio-end marker.
func collectAssistAudio(conn *websocket.Conn, pw *io.PipeWriter) error {
	defer pw.Close()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		if msgType == websocket.BinaryMessage {
			// A closed pipe means the pipeline stopped reading; keep
			// draining frames so the read side stays consistent.
			pw.Write(data) //nolint:errcheck
			continue
		}
		// Any text frame ends the audio stream; clients send audio-end.
		if bytes.Contains(data, []byte("audio-end")) {
			return nil
		}
		return errors.New("unexpected frame during audio stream")
	}
}

// assistErrorCode maps pipeline errors to wire error codes.
func assistErrorCode(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrNoTranscript):
		return "no-transcript"
	case errors.Is(err, pipeline.ErrNoSpeech):
		return "no-speech"
	default:
		return "pipeline-error"
	}
}
