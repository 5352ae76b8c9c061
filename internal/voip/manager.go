// Package voip implements the top-level call protocol: it answers inbound
// SIP invites, owns each call's RTP media session, and drives either
// greeting playback or the voice-pipeline bridge for the call's lifetime.
package voip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicebridge/voicebridge/internal/cdr"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/pipeline"
	"github.com/voicebridge/voicebridge/internal/sip"
)

// CallStore persists call detail records. Satisfied by *cdr.Repository.
type CallStore interface {
	Create(ctx context.Context, rec *cdr.Record) error
	Finish(ctx context.Context, callID string, endTime time.Time, disposition, recordingFile string) error
}

// Answerer sends the SIP 200 OK for an accepted call. Satisfied by
// *sip.Server.
type Answerer interface {
	Answer(call sip.CallInfo, serverRTPPort int) error
}

// ManagerConfig configures the call manager.
type ManagerConfig struct {
	// MediaIP is the local address RTP sockets bind on. Nil binds all
	// interfaces.
	MediaIP net.IP
	// PortMin and PortMax bound the RTP port range.
	PortMin int
	PortMax int
	// OpusPayloadType is the negotiated payload type.
	OpusPayloadType uint8
	// GreetingPath is the WAV played to callers when no pipeline is
	// configured.
	GreetingPath string
	// SilenceBefore delays the first audio packet after the caller's
	// media path opens.
	SilenceBefore time.Duration
	// MaxCallDuration bounds a call's lifetime. Silent peers otherwise
	// hold their RTP socket forever.
	MaxCallDuration time.Duration
	// Language hint for the voice pipeline.
	Language string
	// RecordingDir, when set, stores caller audio per call.
	RecordingDir string
}

// call is the manager's view of one in-flight call.
type call struct {
	info    sip.CallInfo
	session *media.PlaybackSession
	rtpPort int
	started time.Time
	cancel  context.CancelFunc
}

// ActiveCall is a snapshot of one in-flight call for the API.
type ActiveCall struct {
	CallID     string    `json:"call_id"`
	CallerIP   string    `json:"caller_ip"`
	CallerPort int       `json:"caller_port"`
	RTPPort    int       `json:"rtp_port"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
}

// CallManager implements sip.CallHandler. Each accepted invite gets an RTP
// port from the allocator, a 200 OK answer, and a goroutine that runs the
// call to completion.
type CallManager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	answerer  Answerer
	allocator *media.PortAllocator
	pipeline  pipeline.Pipeline // nil means greeting playback mode
	store     CallStore         // nil means no CDRs
	greeting  *media.WAVAudio

	mu     sync.Mutex
	calls  map[string]*call
	closed bool
	wg     sync.WaitGroup

	// Totals from finished sessions; live sessions are added at read time.
	finishedRx atomic.Uint64
	finishedTx atomic.Uint64
}

// NewCallManager creates a call manager. pl may be nil for greeting-only
// operation; the greeting WAV is loaded and validated up front in that case.
func NewCallManager(cfg ManagerConfig, pl pipeline.Pipeline, store CallStore, logger *slog.Logger) (*CallManager, error) {
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 15 * time.Minute
	}

	allocator, err := media.NewPortAllocator(cfg.PortMin, cfg.PortMax, logger)
	if err != nil {
		return nil, fmt.Errorf("creating port allocator: %w", err)
	}

	m := &CallManager{
		cfg:       cfg,
		logger:    logger.With("subsystem", "call-manager"),
		allocator: allocator,
		pipeline:  pl,
		store:     store,
		calls:     make(map[string]*call),
	}

	if pl == nil {
		if cfg.GreetingPath == "" {
			return nil, errors.New("no pipeline and no greeting wav configured")
		}
		greeting, err := media.ReadWAVFile(cfg.GreetingPath)
		if err != nil {
			return nil, fmt.Errorf("loading greeting: %w", err)
		}
		m.greeting = greeting
		m.logger.Info("greeting loaded",
			"path", cfg.GreetingPath,
			"format", greeting.Format.String(),
			"duration", greeting.Duration(),
		)
	}

	return m, nil
}

// SetAnswerer wires the SIP server used to send 200 OK responses. Must be
// called before the server starts dispatching calls.
func (m *CallManager) SetAnswerer(a Answerer) {
	m.answerer = a
}

// OnCall implements sip.CallHandler.
func (m *CallManager) OnCall(ctx context.Context, info sip.CallInfo) {
	callID := info.CallID()
	logger := m.logger.With("call_id", callID, "caller", fmt.Sprintf("%s:%d", info.CallerIP, info.CallerSIPPort))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.calls[callID]; ok {
		m.mu.Unlock()
		// Invite retransmission: repeat the answer with the same port.
		if err := m.answerer.Answer(info, existing.rtpPort); err != nil {
			logger.Warn("re-answer failed", "error", err)
		}
		return
	}
	m.mu.Unlock()

	port, err := m.allocator.Allocate()
	if err != nil {
		logger.Error("call setup failed", "error", err)
		m.recordFailed(ctx, info)
		return
	}

	session, err := media.NewPlaybackSession(media.PlaybackSessionConfig{
		ListenIP:      m.cfg.MediaIP,
		Port:          port,
		PayloadType:   m.cfg.OpusPayloadType,
		SilenceBefore: m.cfg.SilenceBefore,
	}, logger)
	if err != nil {
		m.allocator.Release(port)
		logger.Error("call setup failed", "error", err)
		m.recordFailed(ctx, info)
		return
	}

	callCtx, cancel := context.WithTimeout(context.Background(), m.cfg.MaxCallDuration)
	c := &call{
		info:    info,
		session: session,
		rtpPort: port,
		started: time.Now(),
		cancel:  cancel,
	}

	m.mu.Lock()
	m.calls[callID] = c
	m.mu.Unlock()

	m.recordAnswered(ctx, info, c.started)

	if err := m.answerer.Answer(info, port); err != nil {
		logger.Error("sending answer failed", "error", err)
	}

	logger.Info("call answered", "rtp_port", port)

	m.wg.Add(1)
	go m.runCall(callCtx, c, logger)
}

// runCall drives one call to completion and tears everything down.
func (m *CallManager) runCall(ctx context.Context, c *call, logger *slog.Logger) {
	defer m.wg.Done()
	defer c.cancel()

	var recordingFile string
	err := func() error {
		if m.pipeline == nil {
			if err := c.session.Play(ctx, m.greeting); err != nil {
				return err
			}
			return nil
		}

		var recorder *media.Recorder
		if m.cfg.RecordingDir != "" {
			path := media.RecordingPath(m.cfg.RecordingDir, c.info.CallID(), c.started)
			rec, err := media.NewRecorder(path, pipeline.DefaultSTTFormat, logger)
			if err != nil {
				logger.Warn("recording unavailable for call", "error", err)
			} else {
				recorder = rec
				defer func() { recordingFile, _ = rec.Stop() }()
			}
		}

		bridge := pipeline.NewBridge(c.session, m.pipeline, pipeline.BridgeConfig{
			Language: m.cfg.Language,
			Recorder: recorder,
		}, logger)
		return bridge.Run(ctx)
	}()

	rx, tx := c.session.Stats()
	c.session.Close()
	m.finishedRx.Add(rx)
	m.finishedTx.Add(tx)
	m.allocator.Release(c.rtpPort)

	m.mu.Lock()
	delete(m.calls, c.info.CallID())
	m.mu.Unlock()

	disposition := cdr.DispositionCompleted
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		disposition = cdr.DispositionFailed
		logger.Error("call ended with error", "error", err)
	}
	m.recordFinished(c.info.CallID(), disposition, recordingFile)

	logger.Info("call ended",
		"duration", time.Since(c.started).Round(time.Second),
		"packets_rx", rx,
		"packets_tx", tx,
		"disposition", disposition,
	)
}

// Stop cancels all active calls and waits for their goroutines.
func (m *CallManager) Stop() {
	m.mu.Lock()
	m.closed = true
	for _, c := range m.calls {
		c.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// ActiveCalls returns a snapshot of in-flight calls.
func (m *CallManager) ActiveCalls() []ActiveCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]ActiveCall, 0, len(m.calls))
	for id, c := range m.calls {
		calls = append(calls, ActiveCall{
			CallID:     id,
			CallerIP:   c.info.CallerIP,
			CallerPort: c.info.CallerSIPPort,
			RTPPort:    c.rtpPort,
			State:      c.session.State().String(),
			StartedAt:  c.started,
		})
	}
	return calls
}

// ActiveCallCount implements metrics.ActiveCallsProvider.
func (m *CallManager) ActiveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// RTPPacketsReceived implements metrics.RTPStatsProvider.
func (m *CallManager) RTPPacketsReceived() uint64 {
	total := m.finishedRx.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		rx, _ := c.session.Stats()
		total += rx
	}
	return total
}

// RTPPacketsSent implements metrics.RTPStatsProvider.
func (m *CallManager) RTPPacketsSent() uint64 {
	total := m.finishedTx.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		_, tx := c.session.Stats()
		total += tx
	}
	return total
}

func (m *CallManager) recordAnswered(ctx context.Context, info sip.CallInfo, answered time.Time) {
	if m.store == nil {
		return
	}
	rec := &cdr.Record{
		CallID:      info.CallID(),
		CallerIP:    info.CallerIP,
		CallerPort:  info.CallerSIPPort,
		StartTime:   answered,
		AnswerTime:  &answered,
		Disposition: cdr.DispositionAnswered,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		m.logger.Error("writing cdr failed", "call_id", info.CallID(), "error", err)
	}
}

func (m *CallManager) recordFailed(ctx context.Context, info sip.CallInfo) {
	if m.store == nil {
		return
	}
	rec := &cdr.Record{
		CallID:      info.CallID(),
		CallerIP:    info.CallerIP,
		CallerPort:  info.CallerSIPPort,
		StartTime:   time.Now(),
		Disposition: cdr.DispositionFailed,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		m.logger.Error("writing cdr failed", "call_id", info.CallID(), "error", err)
	}
}

func (m *CallManager) recordFinished(callID, disposition, recordingFile string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Finish(ctx, callID, time.Now(), disposition, recordingFile); err != nil {
		m.logger.Error("finishing cdr failed", "call_id", callID, "error", err)
	}
}
