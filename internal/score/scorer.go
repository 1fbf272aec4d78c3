// Package score fuses timbral, loudness, timing and pitch similarity between
// streamed live audio and a pre-loaded reference into one weighted score with
// rolling history.
package score

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wildtone/callscore/internal/dsp"
	"github.com/wildtone/callscore/internal/dtw"
	"github.com/wildtone/callscore/internal/vad"
)

var (
	ErrInvalidConfig = errors.New("score: invalid configuration")
	ErrInvalidInput  = errors.New("score: invalid input")
	ErrNoReference   = errors.New("score: no reference loaded")
)

// Config for one scorer instance. Weights are used as given; they do not have
// to sum to one.
type Config struct {
	SampleRate int
	HopSize    int

	TimbralWeight  float64
	LoudnessWeight float64
	TimingWeight   float64
	PitchWeight    float64

	// DTWScale maps alignment distance to similarity: 1/(1+distance*scale).
	DTWScale float64
	// LoudnessTolerance is the relative RMS error treated as matching.
	LoudnessTolerance float64

	ConfidenceThreshold     float64
	MatchThreshold          float64
	MinSamplesForConfidence int
	HistorySize             int

	// TrendWindow is the K used by improvement detection; TrendMargin the
	// required relative gain.
	TrendWindow int
	TrendMargin float64

	// UseGate filters silence out of the live stream before extraction.
	UseGate bool

	Extractor dsp.Config
	Aligner   dtw.Config
	Gate      vad.Config
}

// DefaultConfig returns the scoring defaults for a sample rate.
func DefaultConfig(sampleRate int) Config {
	gate := vad.DefaultConfig()
	return Config{
		SampleRate:              sampleRate,
		HopSize:                 dsp.DefaultHopSize,
		TimbralWeight:           0.5,
		LoudnessWeight:          0.2,
		TimingWeight:            0.2,
		PitchWeight:             0.1,
		DTWScale:                10.0,
		LoudnessTolerance:       0.3,
		ConfidenceThreshold:     0.7,
		MatchThreshold:          0.5,
		MinSamplesForConfidence: sampleRate / 2,
		HistorySize:             50,
		TrendWindow:             3,
		TrendMargin:             0.05,
		// References are extracted ungated; gating only the live side trims
		// onset audio out of the alignment, so the gate is opt-in.
		UseGate:   false,
		Extractor: dsp.DefaultConfig(sampleRate),
		Aligner:   dtw.DefaultConfig(),
		Gate:      gate,
	}
}

// Score is one immutable similarity snapshot.
type Score struct {
	Overall  float64
	Timbral  float64
	Loudness float64
	Timing   float64
	Pitch    float64

	Confidence float64
	Reliable   bool
	Match      bool

	SamplesAnalyzed int
	Timestamp       time.Time
}

// Feedback aggregates the current state of a scoring session.
type Feedback struct {
	Current  Score
	Trending Score
	Peak     Score

	ProgressRatio  float64
	Quality        string
	Recommendation string
	Improving      bool
}

// Reference is the loaded master call the live stream is compared against.
// RMS and Pitch may be zero when the reference was restored from a feature
// cache without raw audio; the corresponding components then report neutral.
type Reference struct {
	Seq      dsp.Sequence
	RMS      float64
	Duration float64 // seconds
	Pitch    float64 // Hz, 0 = unknown
}

// BuildReference derives reference metadata from raw mono audio alongside its
// fingerprint sequence.
func BuildReference(seq dsp.Sequence, samples []float64, sampleRate int) Reference {
	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}
	rms := 0.0
	if len(samples) > 0 {
		rms = math.Sqrt(sum / float64(len(samples)))
	}

	pitch, conf := estimatePitch(samples, sampleRate)
	if conf < pitchConfidenceFloor {
		pitch = spectralCentroid(samples, sampleRate)
	}

	return Reference{
		Seq:      seq,
		RMS:      rms,
		Duration: float64(len(samples)) / float64(sampleRate),
		Pitch:    pitch,
	}
}

// ReferenceFromSequence builds metadata for a cache-only load: duration comes
// from the frame count, RMS and pitch stay unknown.
func ReferenceFromSequence(seq dsp.Sequence, hopSize, sampleRate int) Reference {
	return Reference{
		Seq:      seq,
		Duration: float64(len(seq)*hopSize) / float64(sampleRate),
	}
}

// Scorer accumulates live audio and recomputes the fused similarity score per
// processed chunk. Not safe for concurrent use; the session layer serializes
// access.
type Scorer struct {
	cfg Config

	extractor *dsp.Extractor
	aligner   *dtw.Comparator
	gate      *vad.Gate

	ref    *Reference
	refMat [][]float64

	pending   []float64 // gated audio awaiting extraction
	liveSeq   dsp.Sequence
	liveMat   [][]float64
	pitchRing []float64
	pitchMax  int

	samplesSeen   int
	retainedSum   float64 // sum of squares over retained samples
	retainedCount int
	activeWindows int
	totalWindows  int
	gateCarry     []float64

	current Score
	peak    Score
	history []Score
}

// NewScorer validates the configuration and builds the private extractor,
// aligner and gate.
func NewScorer(cfg Config) (*Scorer, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, cfg.SampleRate)
	}
	if cfg.HopSize <= 0 {
		return nil, fmt.Errorf("%w: hop size %d", ErrInvalidConfig, cfg.HopSize)
	}
	for _, w := range []float64{cfg.TimbralWeight, cfg.LoudnessWeight, cfg.TimingWeight, cfg.PitchWeight} {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: negative fusion weight", ErrInvalidConfig)
		}
	}
	if cfg.DTWScale <= 0 {
		return nil, fmt.Errorf("%w: dtw scale %v", ErrInvalidConfig, cfg.DTWScale)
	}
	if cfg.LoudnessTolerance <= 0 {
		return nil, fmt.Errorf("%w: loudness tolerance %v", ErrInvalidConfig, cfg.LoudnessTolerance)
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("%w: confidence threshold %v", ErrInvalidConfig, cfg.ConfidenceThreshold)
	}
	if cfg.MatchThreshold < 0 || cfg.MatchThreshold > 1 {
		return nil, fmt.Errorf("%w: match threshold %v", ErrInvalidConfig, cfg.MatchThreshold)
	}
	if cfg.MinSamplesForConfidence <= 0 {
		return nil, fmt.Errorf("%w: min samples for confidence %d", ErrInvalidConfig, cfg.MinSamplesForConfidence)
	}
	if cfg.HistorySize <= 0 {
		return nil, fmt.Errorf("%w: history size %d", ErrInvalidConfig, cfg.HistorySize)
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 3
	}

	extractor, err := dsp.NewExtractor(cfg.Extractor)
	if err != nil {
		return nil, err
	}
	aligner, err := dtw.NewComparator(cfg.Aligner)
	if err != nil {
		return nil, err
	}
	gate, err := vad.NewGate(cfg.Gate)
	if err != nil {
		return nil, err
	}

	maxPeriod := int(float64(cfg.SampleRate) / minPitchHz)
	return &Scorer{
		cfg:       cfg,
		extractor: extractor,
		aligner:   aligner,
		gate:      gate,
		pitchRing: make([]float64, 0, 4*maxPeriod),
		pitchMax:  4 * maxPeriod,
		history:   make([]Score, 0, cfg.HistorySize),
	}, nil
}

// SetReference installs the master call. The sequence is treated as read-only
// from here until UnloadReference or the next SetReference.
func (s *Scorer) SetReference(ref Reference) error {
	if len(ref.Seq) == 0 {
		return fmt.Errorf("%w: empty reference sequence", ErrInvalidInput)
	}
	s.ref = &ref
	s.refMat = ref.Seq.Matrix()
	return nil
}

// UnloadReference drops the master call; scoring fails until a new one is set.
func (s *Scorer) UnloadReference() {
	s.ref = nil
	s.refMat = nil
}

// HasReference reports whether a master call is loaded.
func (s *Scorer) HasReference() bool { return s.ref != nil }

// GateState exposes the activity gate state for session queries.
func (s *Scorer) GateState() vad.State { return s.gate.State() }

// ProcessAudio consumes one chunk of mono samples, runs gating and feature
// extraction, recomputes the fused score and appends it to history.
func (s *Scorer) ProcessAudio(mono []float64) (Score, error) {
	if s.ref == nil {
		return Score{}, ErrNoReference
	}
	if len(mono) == 0 {
		return Score{}, fmt.Errorf("%w: empty chunk", ErrInvalidInput)
	}

	s.samplesSeen += len(mono)
	if err := s.ingest(mono); err != nil {
		return Score{}, err
	}
	if err := s.extractPending(); err != nil {
		return Score{}, err
	}

	sc := s.computeScore()
	s.current = sc
	if sc.Overall > s.peak.Overall {
		s.peak = sc
	}
	if len(s.history) == s.cfg.HistorySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, sc)
	return sc, nil
}

// ingest runs the gate over the chunk and appends retained audio to the
// pending extraction buffer and the pitch window.
func (s *Scorer) ingest(mono []float64) error {
	if !s.cfg.UseGate {
		s.retain(mono)
		s.totalWindows++
		s.activeWindows++
		return nil
	}

	windowSamples := int(s.cfg.Gate.WindowDuration.Seconds() * float64(s.cfg.SampleRate))
	if windowSamples < 1 {
		windowSamples = 1
	}

	s.gateCarry = append(s.gateCarry, mono...)
	for len(s.gateCarry) >= windowSamples {
		window := s.gateCarry[:windowSamples]
		res, err := s.gate.ProcessWindow(window)
		if err != nil {
			return err
		}
		s.totalWindows++
		if res.Active {
			s.activeWindows++
			s.retain(window)
		}
		s.gateCarry = s.gateCarry[windowSamples:]
	}
	if len(s.gateCarry) == 0 {
		s.gateCarry = nil
	}
	return nil
}

func (s *Scorer) retain(samples []float64) {
	s.pending = append(s.pending, samples...)
	for _, v := range samples {
		s.retainedSum += v * v
	}
	s.retainedCount += len(samples)

	s.pitchRing = append(s.pitchRing, samples...)
	if over := len(s.pitchRing) - s.pitchMax; over > 0 {
		s.pitchRing = append(s.pitchRing[:0], s.pitchRing[over:]...)
	}
}

// extractPending turns complete hop strides of retained audio into live
// fingerprint frames, carrying the windowed tail forward.
func (s *Scorer) extractPending() error {
	frameSize := s.cfg.Extractor.FrameSize
	hop := s.cfg.HopSize

	consumed := 0
	for consumed+frameSize <= len(s.pending) {
		f, err := s.extractor.ExtractFrame(s.pending[consumed : consumed+frameSize])
		if err != nil {
			return err
		}
		s.liveSeq = append(s.liveSeq, f)
		s.liveMat = append(s.liveMat, f.Coefficients)
		consumed += hop
	}
	if consumed > 0 {
		s.pending = append(s.pending[:0], s.pending[consumed:]...)
	}
	return nil
}

func (s *Scorer) computeScore() Score {
	sc := Score{
		SamplesAnalyzed: s.samplesSeen,
		Timestamp:       time.Now(),
	}

	sc.Timbral = s.timbralSimilarity()
	sc.Loudness = s.loudnessSimilarity()
	sc.Timing = s.timingSimilarity()
	sc.Pitch = s.pitchSimilarity()

	sc.Overall = s.cfg.TimbralWeight*sc.Timbral +
		s.cfg.LoudnessWeight*sc.Loudness +
		s.cfg.TimingWeight*sc.Timing +
		s.cfg.PitchWeight*sc.Pitch

	sc.Confidence = s.confidence()
	sc.Reliable = sc.Confidence >= s.cfg.ConfidenceThreshold
	sc.Match = sc.Overall >= s.cfg.MatchThreshold
	return sc
}

func (s *Scorer) timbralSimilarity() float64 {
	if len(s.liveMat) == 0 {
		return 0
	}
	d := s.aligner.Distance(s.liveMat, s.refMat)
	if math.IsInf(d, 1) {
		return 0
	}
	return 1.0 / (1.0 + d*s.cfg.DTWScale)
}

// loudnessSimilarity maps the live/reference RMS ratio through a tolerance
// window: near 1 inside the window, exponential falloff outside.
func (s *Scorer) loudnessSimilarity() float64 {
	if s.ref.RMS == 0 {
		return 0.5 // unknown reference loudness
	}
	if s.retainedCount == 0 {
		return 0
	}
	liveRMS := math.Sqrt(s.retainedSum / float64(s.retainedCount))
	if liveRMS < 1e-6 {
		return 0
	}

	tol := s.cfg.LoudnessTolerance
	e := math.Abs(liveRMS/s.ref.RMS - 1)
	if e <= tol {
		return 1 - 0.2*(e/tol)
	}
	return 0.8 * math.Exp(-(e-tol)/tol)
}

// timingSimilarity penalizes running short linearly and running long at half
// slope: cutting a call off is worse than trailing past it.
func (s *Scorer) timingSimilarity() float64 {
	if s.ref.Duration <= 0 {
		return 0.5
	}
	liveDur := float64(s.samplesSeen) / float64(s.cfg.SampleRate)
	d := liveDur / s.ref.Duration
	if d <= 1 {
		return math.Max(0, d)
	}
	return math.Max(0, 1-(d-1)*0.5)
}

func (s *Scorer) pitchSimilarity() float64 {
	if s.ref.Pitch == 0 {
		return 0.5 // unknown reference pitch
	}
	if len(s.pitchRing) == 0 {
		return 0
	}

	live, conf := estimatePitch(s.pitchRing, s.cfg.SampleRate)
	if conf < pitchConfidenceFloor {
		live = spectralCentroid(s.pitchRing, s.cfg.SampleRate)
	}
	if live <= 0 {
		return 0
	}

	semitones := math.Abs(12 * math.Log2(live/s.ref.Pitch))
	return math.Max(0, 1-semitones/12)
}

// confidence saturates with analyzed audio and is discounted by signal
// quality, measured as the share of gate-active windows.
func (s *Scorer) confidence() float64 {
	fill := float64(s.samplesSeen) / float64(s.cfg.MinSamplesForConfidence)
	if fill > 1 {
		fill = 1
	}
	quality := 1.0
	if s.totalWindows > 0 {
		quality = 0.5 + 0.5*float64(s.activeWindows)/float64(s.totalWindows)
	}
	return fill * quality
}

// Current returns the latest score.
func (s *Scorer) Current() Score { return s.current }

// Peak returns the best score so far.
func (s *Scorer) Peak() Score { return s.peak }

// History returns up to n most recent scores, oldest first.
func (s *Scorer) History(n int) []Score {
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Score, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// LiveFrameCount returns the number of live fingerprint frames accumulated.
func (s *Scorer) LiveFrameCount() int { return len(s.liveSeq) }

// AnalyzedDuration reports how much audio the scorer has consumed, in audio
// time.
func (s *Scorer) AnalyzedDuration() time.Duration {
	return time.Duration(s.samplesSeen) * time.Second / time.Duration(s.cfg.SampleRate)
}

// Trending averages the most recent TrendWindow scores into one snapshot.
func (s *Scorer) Trending() Score {
	n := s.cfg.TrendWindow
	if n > len(s.history) {
		n = len(s.history)
	}
	if n == 0 {
		return Score{}
	}

	recent := s.history[len(s.history)-n:]
	t := Score{
		SamplesAnalyzed: s.current.SamplesAnalyzed,
		Timestamp:       s.current.Timestamp,
	}
	for _, sc := range recent {
		t.Overall += sc.Overall
		t.Timbral += sc.Timbral
		t.Loudness += sc.Loudness
		t.Timing += sc.Timing
		t.Pitch += sc.Pitch
		t.Confidence += sc.Confidence
	}
	f := float64(n)
	t.Overall /= f
	t.Timbral /= f
	t.Loudness /= f
	t.Timing /= f
	t.Pitch /= f
	t.Confidence /= f
	t.Reliable = t.Confidence >= s.cfg.ConfidenceThreshold
	t.Match = t.Overall >= s.cfg.MatchThreshold
	return t
}

// IsImproving compares the mean of the last K overall scores to the mean of
// the K before that against the configured relative margin.
func (s *Scorer) IsImproving() bool {
	k := s.cfg.TrendWindow
	if len(s.history) < 2*k {
		return false
	}
	recent := 0.0
	older := 0.0
	for _, sc := range s.history[len(s.history)-k:] {
		recent += sc.Overall
	}
	for _, sc := range s.history[len(s.history)-2*k : len(s.history)-k] {
		older += sc.Overall
	}
	recent /= float64(k)
	older /= float64(k)
	if older == 0 {
		return recent > 0
	}
	return recent > older*(1+s.cfg.TrendMargin)
}

// Feedback builds the full feedback snapshot.
func (s *Scorer) Feedback() (Feedback, error) {
	if s.ref == nil {
		return Feedback{}, ErrNoReference
	}

	progress := 0.0
	if s.ref.Duration > 0 {
		progress = (float64(s.samplesSeen) / float64(s.cfg.SampleRate)) / s.ref.Duration
		if progress > 1 {
			progress = 1
		}
	}

	return Feedback{
		Current:        s.current,
		Trending:       s.Trending(),
		Peak:           s.peak,
		ProgressRatio:  progress,
		Quality:        qualityDescription(s.current.Overall),
		Recommendation: s.recommendation(),
		Improving:      s.IsImproving(),
	}, nil
}

func qualityDescription(overall float64) string {
	switch {
	case overall >= 0.85:
		return "excellent match"
	case overall >= 0.7:
		return "very good match"
	case overall >= 0.5:
		return "good match"
	case overall >= 0.3:
		return "fair match"
	default:
		return "needs improvement"
	}
}

func (s *Scorer) recommendation() string {
	sc := s.current
	if sc.Match {
		if sc.Timbral < sc.Loudness {
			return "good volume; focus on call pattern and timing"
		}
		return "good call pattern; adjust your volume level"
	}
	switch {
	case sc.Timbral < 0.2:
		return "call pattern differs from the reference; listen again and retry"
	case sc.Loudness < 0.5:
		return "adjust your volume to match the reference call"
	case sc.Timing < 0.5:
		return "match the duration of the reference call"
	default:
		return "keep practicing; you are close"
	}
}

// Reset clears all live analysis state and history while keeping the loaded
// reference.
func (s *Scorer) Reset() {
	s.pending = nil
	s.gateCarry = nil
	s.liveSeq = nil
	s.liveMat = nil
	s.pitchRing = s.pitchRing[:0]
	s.samplesSeen = 0
	s.retainedSum = 0
	s.retainedCount = 0
	s.activeWindows = 0
	s.totalWindows = 0
	s.current = Score{}
	s.peak = Score{}
	s.history = s.history[:0]
	s.gate.Reset()
}
