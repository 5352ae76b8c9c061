package media

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// recorderChanSize is the buffered channel capacity for incoming PCM
	// chunks. At 50 chunks/sec (20ms framing), this holds ~2 seconds.
	recorderChanSize = 128

	// recorderFlushSize is the number of buffered bytes before flushing
	// to disk.
	recorderFlushSize = 32000

	wavHeaderSize = 44
)

// Recorder captures decoded caller audio to a 16-bit PCM WAV file. It runs
// a dedicated goroutine that reads PCM chunks from a buffered channel and
// writes them to disk, rewriting the WAV header with the final size on Stop.
//
// Feed is non-blocking: if the goroutine falls behind, chunks are dropped
// rather than blocking the media path.
//
// Thread safety: Feed may be called concurrently. Stop must be called
// exactly once.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	format   AudioFormat
	dataSize uint32
	stopped  bool
	logger   *slog.Logger

	chunks chan []byte
	done   chan struct{}
}

// NewRecorder creates a call recorder writing PCM WAV audio in the given
// format to filePath. Parent directories are created if needed. The
// recording goroutine starts immediately.
func NewRecorder(filePath string, format AudioFormat, logger *slog.Logger) (*Recorder, error) {
	if format.Width != 2 {
		return nil, fmt.Errorf("recorder requires 16-bit audio, got %d-byte samples", format.Width)
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	// Placeholder WAV header, rewritten on Stop with the actual data size.
	if err := writeRecorderWAVHeader(f, format, 0); err != nil {
		f.Close()
		os.Remove(filePath)
		return nil, fmt.Errorf("writing wav header: %w", err)
	}

	r := &Recorder{
		file:     f,
		filePath: filePath,
		format:   format,
		logger:   logger.With("subsystem", "call-recorder", "file", filePath),
		chunks:   make(chan []byte, recorderChanSize),
		done:     make(chan struct{}),
	}

	go r.writeLoop()

	r.logger.Info("call recording started", "format", format.String())

	return r, nil
}

// Feed queues a PCM chunk for recording. The chunk is copied so the
// caller's buffer can be reused immediately. If the write goroutine is
// behind, the chunk is silently dropped.
func (r *Recorder) Feed(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	select {
	case r.chunks <- buf:
	default:
		// Channel full; drop rather than blocking the media path.
	}
}

// Stop finalizes the recording: drains remaining chunks, rewrites the WAV
// header with the actual data size, and closes the file. Returns the file
// path and duration in seconds. Must be called exactly once.
func (r *Recorder) Stop() (filePath string, durationSecs int) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return r.filePath, 0
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.chunks)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.file.Seek(0, 0); err != nil {
		r.logger.Error("failed to seek for wav header rewrite", "error", err)
	} else if err := writeRecorderWAVHeader(r.file, r.format, r.dataSize); err != nil {
		r.logger.Error("failed to rewrite wav header", "error", err)
	}

	r.file.Close()

	bytesPerSec := uint32(r.format.Rate * r.format.Width * r.format.Channels)
	if bytesPerSec > 0 {
		durationSecs = int(r.dataSize / bytesPerSec)
	}

	r.logger.Info("call recording stopped",
		"duration_secs", durationSecs,
		"total_bytes", r.dataSize,
	)

	return r.filePath, durationSecs
}

// FilePath returns the path to the recording file.
func (r *Recorder) FilePath() string {
	return r.filePath
}

// writeLoop is the recording goroutine. It reads PCM chunks from the
// channel and writes them to the WAV file, exiting when the channel closes.
func (r *Recorder) writeLoop() {
	defer close(r.done)

	writeBuf := make([]byte, 0, recorderFlushSize)

	flush := func() {
		if len(writeBuf) == 0 {
			return
		}
		n, err := r.file.Write(writeBuf)
		if err != nil {
			r.logger.Error("failed to write recording data", "error", err)
		}
		r.mu.Lock()
		r.dataSize += uint32(n)
		r.mu.Unlock()
		writeBuf = writeBuf[:0]
	}

	for chunk := range r.chunks {
		writeBuf = append(writeBuf, chunk...)
		if len(writeBuf) >= recorderFlushSize {
			flush()
		}
	}

	flush()
}

// RecordingPath returns the organized file path for a call recording.
// Recordings are stored by date: $dataDir/recordings/YYYY/MM/DD/call_{id}.wav
func RecordingPath(dataDir, callID string, t time.Time) string {
	return filepath.Join(
		dataDir,
		"recordings",
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
		fmt.Sprintf("call_%s.wav", callID),
	)
}

// writeRecorderWAVHeader writes a 44-byte WAV header for 16-bit linear PCM.
func writeRecorderWAVHeader(f *os.File, format AudioFormat, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	byteRate := uint32(format.Rate * format.Width * format.Channels)
	blockAlign := uint16(format.Width * format.Channels)

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(format.Rate))
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(format.Width*8))

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := f.Write(hdr[:])
	return err
}
