package voip

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/cdr"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/sip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAnswerer records every answer sent.
type fakeAnswerer struct {
	mu      sync.Mutex
	answers []int // rtp ports, in order
}

func (f *fakeAnswerer) Answer(call sip.CallInfo, serverRTPPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, serverRTPPort)
	return nil
}

func (f *fakeAnswerer) ports() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.answers...)
}

func testCallInfo(t *testing.T, callID string) sip.CallInfo {
	t.Helper()
	return sip.CallInfo{
		CallerIP:      "127.0.0.1",
		CallerSIPPort: 5060,
		CallerRTPPort: 19512,
		ServerIP:      "127.0.0.1",
		Headers: map[string]string{
			"call-id": callID,
			"via":     "SIP/2.0/UDP 127.0.0.1:5060",
		},
	}
}

// writeGreeting produces a short playable WAV.
func writeGreeting(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "greeting.wav")
	format := media.AudioFormat{Rate: 16000, Width: 2, Channels: 1}
	rec, err := media.NewRecorder(path, format, testLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.Feed(make([]byte, 3200)) // 100ms
	rec.Stop()
	return path
}

func testRepo(t *testing.T) *cdr.Repository {
	t.Helper()
	db, err := cdr.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cdr.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return cdr.NewRepository(db)
}

func newTestManager(t *testing.T, portMin, portMax int) (*CallManager, *fakeAnswerer, *cdr.Repository) {
	t.Helper()
	repo := testRepo(t)
	m, err := NewCallManager(ManagerConfig{
		MediaIP:         net.IPv4(127, 0, 0, 1),
		PortMin:         portMin,
		PortMax:         portMax,
		OpusPayloadType: media.DefaultOpusPayloadType,
		GreetingPath:    writeGreeting(t),
		MaxCallDuration: 3 * time.Second,
	}, nil, repo, testLogger())
	if err != nil {
		t.Fatalf("NewCallManager: %v", err)
	}
	answerer := &fakeAnswerer{}
	m.SetAnswerer(answerer)
	t.Cleanup(m.Stop)
	return m, answerer, repo
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallManager_AnswersAndPlaysGreeting(t *testing.T) {
	m, answerer, repo := newTestManager(t, 41000, 41009)

	m.OnCall(context.Background(), testCallInfo(t, "call-1"))

	ports := answerer.ports()
	if len(ports) != 1 {
		t.Fatalf("got %d answers, want 1", len(ports))
	}
	if m.ActiveCallCount() != 1 {
		t.Fatalf("active calls = %d, want 1", m.ActiveCallCount())
	}

	// Act as the phone: first datagram opens the media path, then RTP
	// flows back.
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ports[0]})
	if err != nil {
		t.Fatalf("dialing rtp port: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ready")); err != nil {
		t.Fatalf("sending datagram: %v", err)
	}

	received := 0
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := conn.Read(buf); err != nil {
			break
		}
		received++
	}
	if received < 5 {
		t.Errorf("received %d rtp packets, want at least 5", received)
	}

	// The call winds down after the greeting finishes.
	waitFor(t, 3*time.Second, func() bool { return m.ActiveCallCount() == 0 })

	rec, err := repo.GetByCallID(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if rec.Disposition != cdr.DispositionCompleted {
		t.Errorf("disposition = %q, want %q", rec.Disposition, cdr.DispositionCompleted)
	}
	if rec.EndTime == nil {
		t.Error("cdr end time not set")
	}

	if m.RTPPacketsSent() < 5 {
		t.Errorf("packets sent = %d, want at least 5", m.RTPPacketsSent())
	}
	if m.RTPPacketsReceived() == 0 {
		t.Error("packets received = 0, want at least 1")
	}
}

func TestCallManager_InviteRetransmission(t *testing.T) {
	m, answerer, _ := newTestManager(t, 41010, 41019)

	info := testCallInfo(t, "call-rt")
	m.OnCall(context.Background(), info)
	m.OnCall(context.Background(), info)

	ports := answerer.ports()
	if len(ports) != 2 {
		t.Fatalf("got %d answers, want 2", len(ports))
	}
	if ports[0] != ports[1] {
		t.Errorf("retransmitted answer used port %d, want %d", ports[1], ports[0])
	}
	if m.ActiveCallCount() != 1 {
		t.Errorf("active calls = %d, want 1", m.ActiveCallCount())
	}
}

func TestCallManager_PortExhaustion(t *testing.T) {
	// Range of one port: second concurrent call cannot be set up.
	m, answerer, repo := newTestManager(t, 41020, 41021)

	m.OnCall(context.Background(), testCallInfo(t, "call-a"))
	m.OnCall(context.Background(), testCallInfo(t, "call-b"))

	if got := len(answerer.ports()); got != 1 {
		t.Errorf("got %d answers, want 1", got)
	}

	rec, err := repo.GetByCallID(context.Background(), "call-b")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if rec.Disposition != cdr.DispositionFailed {
		t.Errorf("disposition = %q, want %q", rec.Disposition, cdr.DispositionFailed)
	}
}

func TestCallManager_ActiveCallSnapshot(t *testing.T) {
	m, answerer, _ := newTestManager(t, 41030, 41039)

	m.OnCall(context.Background(), testCallInfo(t, "call-snap"))

	calls := m.ActiveCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d active calls, want 1", len(calls))
	}
	c := calls[0]
	if c.CallID != "call-snap" {
		t.Errorf("call id = %q", c.CallID)
	}
	if c.RTPPort != answerer.ports()[0] {
		t.Errorf("rtp port = %d, want %d", c.RTPPort, answerer.ports()[0])
	}
	if c.State != "idle" {
		t.Errorf("state = %q, want idle before caller media", c.State)
	}
}

func TestCallManager_StopCancelsCalls(t *testing.T) {
	m, _, _ := newTestManager(t, 41040, 41049)

	m.OnCall(context.Background(), testCallInfo(t, "call-stop"))
	if m.ActiveCallCount() != 1 {
		t.Fatalf("active calls = %d, want 1", m.ActiveCallCount())
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if m.ActiveCallCount() != 0 {
		t.Errorf("active calls = %d after Stop", m.ActiveCallCount())
	}
}

func TestNewCallManager_RequiresGreetingOrPipeline(t *testing.T) {
	_, err := NewCallManager(ManagerConfig{
		MediaIP: net.IPv4(127, 0, 0, 1),
		PortMin: 41050,
		PortMax: 41059,
	}, nil, nil, testLogger())
	if err == nil {
		t.Error("expected error with no pipeline and no greeting")
	}
}
