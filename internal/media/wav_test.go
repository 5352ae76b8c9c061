package media

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// createTestWAV writes a WAV file with the given format and PCM data,
// returning its path.
func createTestWAV(t *testing.T, format AudioFormat, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating test wav: %v", err)
	}
	defer f.Close()
	if err := writeRecorderWAVHeader(f, format, uint32(len(data))); err != nil {
		t.Fatalf("writing wav header: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("writing wav data: %v", err)
	}
	return path
}

func TestReadWAVFile(t *testing.T) {
	format := AudioFormat{Rate: 16000, Width: 2, Channels: 1}
	data := pcm16(t, 1, 2, 3, 4, 5, 6, 7, 8)
	path := createTestWAV(t, format, data)

	audio, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if audio.Format != format {
		t.Errorf("format = %v, want %v", audio.Format, format)
	}
	if !bytes.Equal(audio.Data, data) {
		t.Errorf("data mismatch: got %d bytes", len(audio.Data))
	}
}

func TestReadWAVFile_SkipsUnknownChunks(t *testing.T) {
	// Hand-built WAV with a LIST chunk between fmt and data.
	var buf bytes.Buffer
	data := []byte{1, 0, 2, 0}

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // size, unchecked
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(16000))
	binary.Write(&buf, binary.LittleEndian, uint32(32000))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	buf.WriteString("INFO")

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	path := filepath.Join(t.TempDir(), "chunky.wav")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	audio, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if !bytes.Equal(audio.Data, data) {
		t.Errorf("data = %v, want %v", audio.Data, data)
	}
}

func TestReadWAVFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		wantErr string
	}{
		{"empty file", nil, "riff header"},
		{"not riff", []byte("OGGSxxxxxxxxxxxxxxxx"), "not a RIFF"},
		{"riff but not wave", []byte("RIFF\x00\x00\x00\x00AIFF"), "not a WAVE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.wav")
			if err := os.WriteFile(path, tt.content, 0o644); err != nil {
				t.Fatalf("writing file: %v", err)
			}
			_, err := ReadWAVFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWAVFile(t *testing.T) {
	format := AudioFormat{Rate: 16000, Width: 2, Channels: 1}
	// One second of audio.
	data := make([]byte, format.Rate*format.Width)
	path := createTestWAV(t, format, data)

	gotFormat, dur, err := ValidateWAVFile(path)
	if err != nil {
		t.Fatalf("ValidateWAVFile: %v", err)
	}
	if gotFormat != format {
		t.Errorf("format = %v, want %v", gotFormat, format)
	}
	if dur != time.Second {
		t.Errorf("duration = %v, want 1s", dur)
	}
}

func TestValidateWAVFile_RejectsNonPCM(t *testing.T) {
	// 8-bit audio is outside what the codec path accepts.
	path := createTestWAV(t, AudioFormat{Rate: 8000, Width: 2, Channels: 1}, nil)

	// Rewrite bits-per-sample to 8 in place.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	binary.LittleEndian.PutUint16(raw[34:36], 8)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewriting file: %v", err)
	}

	if _, _, err := ValidateWAVFile(path); err == nil {
		t.Error("expected error for 8-bit wav")
	}
}
