package media

import (
	"encoding/binary"
	"fmt"
)

// AudioFormat describes raw linear PCM audio: sample rate in Hz, sample
// width in bytes and interleaved channel count.
type AudioFormat struct {
	Rate     int
	Width    int
	Channels int
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%d-bit/%dch", f.Rate, f.Width*8, f.Channels)
}

// validWidth reports whether a sample width is one we can convert.
func validWidth(w int) bool {
	return w == 1 || w == 2 || w == 4
}

// sampleAt reads the signed sample at index idx from little-endian PCM.
func sampleAt(pcm []byte, width, idx int) int32 {
	switch width {
	case 1:
		return int32(int8(pcm[idx]))
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
	default:
		return int32(binary.LittleEndian.Uint32(pcm[idx*4:]))
	}
}

// putSample writes the signed sample v at index idx into little-endian PCM.
func putSample(pcm []byte, width, idx int, v int32) {
	switch width {
	case 1:
		pcm[idx] = byte(int8(v))
	case 2:
		binary.LittleEndian.PutUint16(pcm[idx*2:], uint16(int16(v)))
	default:
		binary.LittleEndian.PutUint32(pcm[idx*4:], uint32(v))
	}
}

// monoMix down-mixes interleaved stereo PCM to mono by averaging each
// sample pair.
func monoMix(pcm []byte, width int) []byte {
	frames := len(pcm) / (width * 2)
	out := make([]byte, frames*width)
	for i := 0; i < frames; i++ {
		left := sampleAt(pcm, width, i*2)
		right := sampleAt(pcm, width, i*2+1)
		putSample(out, width, i, (left+right)/2)
	}
	return out
}

// stereoUpmix duplicates mono PCM into interleaved stereo.
func stereoUpmix(pcm []byte, width int) []byte {
	frames := len(pcm) / width
	out := make([]byte, frames*width*2)
	for i := 0; i < frames; i++ {
		s := sampleAt(pcm, width, i)
		putSample(out, width, i*2, s)
		putSample(out, width, i*2+1, s)
	}
	return out
}

// resizeWidth converts PCM between sample widths by shifting, preserving
// relative amplitude. No dithering is applied.
func resizeWidth(pcm []byte, fromWidth, toWidth int) []byte {
	if fromWidth == toWidth {
		return pcm
	}
	samples := len(pcm) / fromWidth
	out := make([]byte, samples*toWidth)
	shift := uint(8 * abs(toWidth-fromWidth))
	for i := 0; i < samples; i++ {
		s := sampleAt(pcm, fromWidth, i)
		if toWidth > fromWidth {
			s <<= shift
		} else {
			s >>= shift
		}
		putSample(out, toWidth, i, s)
	}
	return out
}

// resample converts PCM from one sample rate to another by linear
// interpolation between neighbouring frames. The channel count must already
// match the target.
func resample(pcm []byte, width, channels, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}

	inFrames := len(pcm) / (width * channels)
	if inFrames == 0 {
		return nil
	}
	outFrames := inFrames * toRate / fromRate
	out := make([]byte, outFrames*width*channels)

	for i := 0; i < outFrames; i++ {
		// Position of this output frame on the input timeline.
		pos := float64(i) * float64(fromRate) / float64(toRate)
		j := int(pos)
		frac := pos - float64(j)
		k := j + 1
		if k >= inFrames {
			k = inFrames - 1
		}
		for ch := 0; ch < channels; ch++ {
			a := float64(sampleAt(pcm, width, j*channels+ch))
			b := float64(sampleAt(pcm, width, k*channels+ch))
			putSample(out, width, i*channels+ch, int32(a+(b-a)*frac))
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
