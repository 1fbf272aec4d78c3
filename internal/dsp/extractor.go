package dsp

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"github.com/wildtone/callscore/pkg/logger"
)

// Tunables. These match the analysis defaults used when building reference
// feature caches, so live and reference sequences stay comparable.
const (
	DefaultFrameSize  = 512
	DefaultHopSize    = 256
	DefaultNumFilters = 26
	DefaultNumCoeffs  = 13
)

var (
	ErrInvalidConfig    = errors.New("dsp: invalid configuration")
	ErrInvalidInput     = errors.New("dsp: invalid input")
	ErrProcessingFailed = errors.New("dsp: processing failed")
)

// logFloor keeps zero-energy mel bands out of the logarithm.
const logFloor = 1e-10

// Config describes one extractor instance. FrameSize must be a power of two;
// changing it requires building a new Extractor.
type Config struct {
	SampleRate int
	FrameSize  int
	HopSize    int
	NumFilters int
	NumCoeffs  int
	LowFreq    float64
	HighFreq   float64 // 0 means Nyquist
	LifterCoef int     // 0 disables liftering
}

// DefaultConfig returns the analysis defaults for the given sample rate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate: sampleRate,
		FrameSize:  DefaultFrameSize,
		HopSize:    DefaultHopSize,
		NumFilters: DefaultNumFilters,
		NumCoeffs:  DefaultNumCoeffs,
		LowFreq:    0,
		HighFreq:   0,
	}
}

// Frame is the spectral fingerprint of one analysis window: a fixed-length
// coefficient vector plus the window's log energy. Frames are immutable once
// produced.
type Frame struct {
	Coefficients []float64
	Energy       float64
}

// Sequence is an ordered series of fingerprint frames.
type Sequence []Frame

// Matrix returns the coefficient vectors as a row-major matrix, one row per
// frame. The rows alias the frame storage; callers must not mutate them.
func (s Sequence) Matrix() [][]float64 {
	m := make([][]float64, len(s))
	for i, f := range s {
		m[i] = f.Coefficients
	}
	return m
}

// Extractor turns fixed-size audio frames into fingerprint frames. It is not
// safe for concurrent use; every session owns its own instance.
type Extractor struct {
	cfg Config

	window     []float64
	filterBank []float64 // numFilters x numBins, row-major
	dctMatrix  []float64 // numCoeffs x numFilters, row-major
	lifter     []float64

	// scratch, reused across frames
	windowed    []float64
	powerSpec   []float64
	melEnergies []float64
}

// NewExtractor validates the configuration and precomputes the window, mel
// filterbank and DCT matrix. An out-of-range HighFreq is clamped to Nyquist
// with a warning; every other violation is rejected outright.
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, cfg.SampleRate)
	}
	if cfg.FrameSize < 64 || cfg.FrameSize&(cfg.FrameSize-1) != 0 {
		return nil, fmt.Errorf("%w: frame size %d must be a power of two >= 64", ErrInvalidConfig, cfg.FrameSize)
	}
	if cfg.HopSize <= 0 {
		return nil, fmt.Errorf("%w: hop size %d", ErrInvalidConfig, cfg.HopSize)
	}
	numBins := cfg.FrameSize/2 + 1
	if cfg.NumFilters <= 0 || cfg.NumFilters > numBins {
		return nil, fmt.Errorf("%w: filter count %d", ErrInvalidConfig, cfg.NumFilters)
	}
	if cfg.NumCoeffs <= 0 || cfg.NumCoeffs > cfg.NumFilters {
		return nil, fmt.Errorf("%w: coefficient count %d exceeds filter count %d", ErrInvalidConfig, cfg.NumCoeffs, cfg.NumFilters)
	}
	nyquist := float64(cfg.SampleRate) / 2
	if cfg.HighFreq == 0 {
		cfg.HighFreq = nyquist
	}
	if cfg.HighFreq > nyquist {
		logger.Warnf("dsp: high frequency %.0f Hz above Nyquist, clamping to %.0f Hz", cfg.HighFreq, nyquist)
		cfg.HighFreq = nyquist
	}
	if cfg.LowFreq < 0 || cfg.LowFreq >= cfg.HighFreq {
		return nil, fmt.Errorf("%w: frequency range [%.0f, %.0f]", ErrInvalidConfig, cfg.LowFreq, cfg.HighFreq)
	}
	if cfg.LifterCoef < 0 {
		return nil, fmt.Errorf("%w: lifter coefficient %d", ErrInvalidConfig, cfg.LifterCoef)
	}

	e := &Extractor{
		cfg:         cfg,
		window:      Hamming(cfg.FrameSize),
		windowed:    make([]float64, cfg.FrameSize),
		powerSpec:   make([]float64, numBins),
		melEnergies: make([]float64, cfg.NumFilters),
	}
	e.initFilterBank()
	e.initDCTMatrix()
	if cfg.LifterCoef > 0 {
		e.initLifter()
	}
	return e, nil
}

// Config returns the configuration the extractor was built with, after
// defaulting and clamping.
func (e *Extractor) Config() Config { return e.cfg }

func (e *Extractor) initFilterBank() {
	cfg := e.cfg
	numBins := cfg.FrameSize/2 + 1

	melLow := melScale(cfg.LowFreq)
	melHigh := melScale(cfg.HighFreq)
	melStep := (melHigh - melLow) / float64(cfg.NumFilters+1)

	// Filter edge frequencies mapped onto FFT bins.
	binOf := make([]int, cfg.NumFilters+2)
	for i := range binOf {
		hz := melInverse(melLow + float64(i)*melStep)
		binOf[i] = int(hz * float64(cfg.FrameSize) / float64(cfg.SampleRate))
	}

	e.filterBank = make([]float64, cfg.NumFilters*numBins)
	for i := 0; i < cfg.NumFilters; i++ {
		start, center, end := binOf[i], binOf[i+1], binOf[i+2]
		for bin := start; bin < center && bin < numBins; bin++ {
			if bin >= 0 && center > start {
				e.filterBank[i*numBins+bin] = float64(bin-start) / float64(center-start)
			}
		}
		for bin := center; bin < end && bin < numBins; bin++ {
			if bin >= 0 && end > center {
				e.filterBank[i*numBins+bin] = float64(end-bin) / float64(end-center)
			}
		}
	}
}

func (e *Extractor) initDCTMatrix() {
	cfg := e.cfg
	e.dctMatrix = make([]float64, cfg.NumCoeffs*cfg.NumFilters)
	scale := math.Sqrt(2.0 / float64(cfg.NumFilters))
	for i := 0; i < cfg.NumCoeffs; i++ {
		for j := 0; j < cfg.NumFilters; j++ {
			v := scale * math.Cos(math.Pi*float64(i)*(float64(j)+0.5)/float64(cfg.NumFilters))
			if i == 0 {
				v /= math.Sqrt2
			}
			e.dctMatrix[i*cfg.NumFilters+j] = v
		}
	}
}

func (e *Extractor) initLifter() {
	cfg := e.cfg
	e.lifter = make([]float64, cfg.NumCoeffs)
	l := float64(cfg.LifterCoef)
	for i := range e.lifter {
		e.lifter[i] = 1 + (l/2)*math.Sin(math.Pi*float64(i)/l)
	}
}

// ExtractFrame fingerprints a single frame of exactly FrameSize samples.
func (e *Extractor) ExtractFrame(frame []float64) (Frame, error) {
	if len(frame) != e.cfg.FrameSize {
		return Frame{}, fmt.Errorf("%w: frame length %d, want %d", ErrInvalidInput, len(frame), e.cfg.FrameSize)
	}

	energy := 0.0
	for i, s := range frame {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return Frame{}, fmt.Errorf("%w: non-finite sample at index %d", ErrInvalidInput, i)
		}
		w := s * e.window[i]
		e.windowed[i] = w
		energy += w * w
	}

	spectrum := fft.FFTReal(e.windowed)
	numBins := len(e.powerSpec)
	for i := 0; i < numBins; i++ {
		mag := cmplx.Abs(spectrum[i])
		p := mag * mag
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return Frame{}, fmt.Errorf("%w: non-finite power at bin %d", ErrProcessingFailed, i)
		}
		e.powerSpec[i] = p
	}

	for i := 0; i < e.cfg.NumFilters; i++ {
		sum := 0.0
		row := e.filterBank[i*numBins : (i+1)*numBins]
		for j, w := range row {
			sum += w * e.powerSpec[j]
		}
		e.melEnergies[i] = math.Log(sum + logFloor)
	}

	coeffs := make([]float64, e.cfg.NumCoeffs)
	for i := 0; i < e.cfg.NumCoeffs; i++ {
		sum := 0.0
		row := e.dctMatrix[i*e.cfg.NumFilters : (i+1)*e.cfg.NumFilters]
		for j, d := range row {
			sum += d * e.melEnergies[j]
		}
		if math.IsNaN(sum) || math.IsInf(sum, 0) {
			return Frame{}, fmt.Errorf("%w: non-finite coefficient %d", ErrProcessingFailed, i)
		}
		if e.lifter != nil {
			sum *= e.lifter[i]
		}
		coeffs[i] = sum
	}

	return Frame{Coefficients: coeffs, Energy: math.Log(energy + logFloor)}, nil
}

// ExtractSequence slides the analysis frame across buf at the given hop and
// returns all resulting fingerprint frames. The first failing frame aborts
// the whole extraction; partial output is never returned.
func (e *Extractor) ExtractSequence(buf []float64, hop int) (Sequence, error) {
	if hop <= 0 {
		return nil, fmt.Errorf("%w: hop %d", ErrInvalidInput, hop)
	}
	if len(buf) < e.cfg.FrameSize {
		return nil, fmt.Errorf("%w: buffer length %d shorter than frame size %d", ErrInvalidInput, len(buf), e.cfg.FrameSize)
	}

	n := (len(buf)-e.cfg.FrameSize)/hop + 1
	seq := make(Sequence, 0, n)
	for start := 0; start+e.cfg.FrameSize <= len(buf); start += hop {
		f, err := e.ExtractFrame(buf[start : start+e.cfg.FrameSize])
		if err != nil {
			return nil, err
		}
		seq = append(seq, f)
	}
	return seq, nil
}
