package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// wavFormatPCM is the WAV format code for linear PCM.
const wavFormatPCM = 1

// wavHeader holds the parsed fields from a WAV file header that we need
// for audio playback validation.
type wavHeader struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
}

// parseWAVHeader reads and validates a WAV file header, returning the
// format information and positioning the reader at the start of audio data.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	// RIFF header: "RIFF" + size + "WAVE"
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	// Walk chunks to find "fmt " and "data".
	hdr := &wavHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.AudioFormat); err != nil {
				return nil, fmt.Errorf("reading audio format: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.NumChannels); err != nil {
				return nil, fmt.Errorf("reading num channels: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.SampleRate); err != nil {
				return nil, fmt.Errorf("reading sample rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.ByteRate); err != nil {
				return nil, fmt.Errorf("reading byte rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BlockAlign); err != nil {
				return nil, fmt.Errorf("reading block align: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BitsPerSample); err != nil {
				return nil, fmt.Errorf("reading bits per sample: %w", err)
			}
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true
			// Reader is now positioned at the start of audio data.

		default:
			// Skip unknown chunks. Pad to even boundary per WAV spec.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// validatePCMHeader checks that a WAV header describes linear 16-bit PCM in
// a layout the OPUS path can convert (mono or stereo, sane rate).
func validatePCMHeader(hdr *wavHeader) error {
	if hdr.AudioFormat != wavFormatPCM {
		return fmt.Errorf("unsupported wav format %d: only linear PCM (1) is supported", hdr.AudioFormat)
	}
	if hdr.BitsPerSample != 16 {
		return fmt.Errorf("wav file must be 16-bit, got %d-bit", hdr.BitsPerSample)
	}
	if hdr.NumChannels != 1 && hdr.NumChannels != 2 {
		return fmt.Errorf("wav file must be mono or stereo, got %d channels", hdr.NumChannels)
	}
	if hdr.SampleRate < 8000 || hdr.SampleRate > 48000 {
		return fmt.Errorf("wav sample rate must be 8000-48000 Hz, got %d Hz", hdr.SampleRate)
	}
	return nil
}

// WAVAudio is a fully loaded PCM source ready for streaming.
type WAVAudio struct {
	Format AudioFormat
	Data   []byte
}

// Duration returns the playback duration of the audio.
func (w *WAVAudio) Duration() time.Duration {
	bytesPerSec := w.Format.Rate * w.Format.Width * w.Format.Channels
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(len(w.Data)) * time.Second / time.Duration(bytesPerSec)
}

// ReadWAVFile loads a 16-bit PCM WAV file into memory. Greeting prompts are
// a few seconds long, so whole-file loading is fine.
func ReadWAVFile(path string) (*WAVAudio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	hdr, err := parseWAVHeader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}
	if err := validatePCMHeader(hdr); err != nil {
		return nil, err
	}

	data := make([]byte, hdr.DataSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("reading wav data: %w", err)
	}

	return &WAVAudio{
		Format: AudioFormat{
			Rate:     int(hdr.SampleRate),
			Width:    int(hdr.BitsPerSample) / 8,
			Channels: int(hdr.NumChannels),
		},
		Data: data,
	}, nil
}

// ValidateWAVFile opens a WAV file and checks it is 16-bit linear PCM.
// Returns the audio format and duration, or an error if the file is invalid.
func ValidateWAVFile(path string) (AudioFormat, time.Duration, error) {
	audio, err := ReadWAVFile(path)
	if err != nil {
		return AudioFormat{}, 0, err
	}
	return audio.Format, audio.Duration(), nil
}
