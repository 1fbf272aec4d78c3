// Package audio handles decoding reference audio and the persisted feature
// cache. Live capture and playback are external collaborators; this package
// only consumes already-recorded PCM.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

var (
	ErrInvalidAudio = errors.New("audio: invalid audio file")
	ErrInvalidInput = errors.New("audio: invalid input")
)

// ReadWavMono decodes a WAV file into float64 samples in [-1, 1]. Multi-channel
// content is downmixed by per-sample averaging. Returns samples and the file's
// sample rate.
func ReadWavMono(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAudio, path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, 0, fmt.Errorf("%w: missing format", ErrInvalidAudio)
	}

	channels := buf.Format.NumChannels
	scale := 1.0 / float64(int64(1)<<(dec.BitDepth-1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i*channels+ch]) * scale
		}
		samples[i] = sum / float64(channels)
	}
	return samples, int(dec.SampleRate), nil
}

// DownmixFloat32 averages interleaved multi-channel float32 samples into the
// mono float64 form the analysis pipeline consumes.
func DownmixFloat32(interleaved []float32, channels int) ([]float64, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidInput, channels)
	}
	if len(interleaved)%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples not divisible by %d channels", ErrInvalidInput, len(interleaved), channels)
	}
	for i, s := range interleaved {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("%w: non-finite sample at index %d", ErrInvalidInput, i)
		}
	}

	frames := len(interleaved) / channels
	mono := make([]float64, frames)
	if channels == 1 {
		for i, s := range interleaved {
			mono[i] = float64(s)
		}
		return mono, nil
	}
	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += float64(interleaved[i*channels+ch])
		}
		mono[i] = sum / float64(channels)
	}
	return mono, nil
}
