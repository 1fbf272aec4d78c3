package score

import (
	"errors"
	"math"
	"testing"

	"github.com/wildtone/callscore/internal/dsp"
)

const testRate = 16000

func sine(freq float64, sampleRate, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return out
}

func testConfig() Config {
	return DefaultConfig(testRate)
}

func buildTestReference(t *testing.T, samples []float64, cfg Config) Reference {
	t.Helper()
	e, err := dsp.NewExtractor(cfg.Extractor)
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	seq, err := e.ExtractSequence(samples, cfg.HopSize)
	if err != nil {
		t.Fatalf("ExtractSequence failed: %v", err)
	}
	return BuildReference(seq, samples, cfg.SampleRate)
}

func mustScorer(t *testing.T, cfg Config) *Scorer {
	t.Helper()
	s, err := NewScorer(cfg)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	return s
}

func TestNewScorerRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"zero hop", func(c *Config) { c.HopSize = 0 }},
		{"negative weight", func(c *Config) { c.TimbralWeight = -0.1 }},
		{"zero dtw scale", func(c *Config) { c.DTWScale = 0 }},
		{"zero loudness tolerance", func(c *Config) { c.LoudnessTolerance = 0 }},
		{"confidence threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }},
		{"match threshold below zero", func(c *Config) { c.MatchThreshold = -0.1 }},
		{"zero min samples", func(c *Config) { c.MinSamplesForConfidence = 0 }},
		{"zero history", func(c *Config) { c.HistorySize = 0 }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		if _, err := NewScorer(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestProcessAudioRequiresReference(t *testing.T) {
	s := mustScorer(t, testConfig())
	if _, err := s.ProcessAudio(sine(440, testRate, 1024)); !errors.Is(err, ErrNoReference) {
		t.Errorf("Expected ErrNoReference, got %v", err)
	}
	if s.HasReference() {
		t.Error("Fresh scorer should have no reference")
	}
}

func TestSetReferenceRejectsEmptySequence(t *testing.T) {
	s := mustScorer(t, testConfig())
	if err := s.SetReference(Reference{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestProcessAudioRejectsEmptyChunk(t *testing.T) {
	cfg := testConfig()
	s := mustScorer(t, cfg)
	samples := sine(440, testRate, testRate)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	if _, err := s.ProcessAudio(nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

// Playing the reference back at itself is the strongest invariant the fusion
// has: every component should be at or near its ceiling.
func TestSelfSimilarityScoresNearOne(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate) // one second

	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	sc, err := s.ProcessAudio(samples)
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}

	if sc.Timbral < 0.99 {
		t.Errorf("Self timbral similarity %f, expected ~1", sc.Timbral)
	}
	if sc.Loudness < 0.95 {
		t.Errorf("Self loudness similarity %f, expected ~1", sc.Loudness)
	}
	if sc.Timing < 0.99 {
		t.Errorf("Self timing similarity %f, expected ~1", sc.Timing)
	}
	if sc.Pitch < 0.9 {
		t.Errorf("Self pitch similarity %f, expected ~1", sc.Pitch)
	}
	if sc.Overall < 0.9 {
		t.Errorf("Self overall score %f, expected ~1", sc.Overall)
	}
	if !sc.Match {
		t.Error("Self comparison should be a match")
	}
	if sc.SamplesAnalyzed != testRate {
		t.Errorf("SamplesAnalyzed %d, want %d", sc.SamplesAnalyzed, testRate)
	}
	if !sc.Reliable {
		t.Errorf("One full second should be reliable, confidence %f", sc.Confidence)
	}
}

func TestDissimilarSignalsScoreLow(t *testing.T) {
	cfg := testConfig()
	ref := sine(440, testRate, testRate)
	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, ref, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	self := mustScorer(t, cfg)
	if err := self.SetReference(buildTestReference(t, ref, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	// White-ish signal built from incommensurate tones.
	other := make([]float64, testRate)
	for i := range other {
		x := float64(i)
		other[i] = 0.2*math.Sin(2*math.Pi*137*x/testRate) +
			0.2*math.Sin(2*math.Pi*941*x/testRate) +
			0.1*math.Sin(2*math.Pi*3301*x/testRate)
	}

	scOther, err := s.ProcessAudio(other)
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}
	scSelf, err := self.ProcessAudio(ref)
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}

	if scOther.Timbral >= scSelf.Timbral {
		t.Errorf("Dissimilar timbral %f should be below self %f", scOther.Timbral, scSelf.Timbral)
	}
	if scOther.Overall >= scSelf.Overall {
		t.Errorf("Dissimilar overall %f should be below self %f", scOther.Overall, scSelf.Overall)
	}
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	chunk := samples[:512]
	for i := 0; i < 5; i++ {
		if _, err := s.ProcessAudio(chunk); err != nil {
			t.Fatalf("ProcessAudio %d failed: %v", i, err)
		}
	}

	h := s.History(0)
	if len(h) != 3 {
		t.Fatalf("Expected history capped at 3, got %d", len(h))
	}
	// Oldest first: chunks 3, 4 and 5.
	want := []int{3 * 512, 4 * 512, 5 * 512}
	for i, sc := range h {
		if sc.SamplesAnalyzed != want[i] {
			t.Errorf("History[%d].SamplesAnalyzed = %d, want %d", i, sc.SamplesAnalyzed, want[i])
		}
	}

	h2 := s.History(2)
	if len(h2) != 2 || h2[1].SamplesAnalyzed != 5*512 {
		t.Errorf("History(2) returned %d entries ending at %d", len(h2), h2[len(h2)-1].SamplesAnalyzed)
	}
}

func TestTrendingAveragesRecentScores(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.ProcessAudio(samples[i*2048 : (i+1)*2048]); err != nil {
			t.Fatalf("ProcessAudio failed: %v", err)
		}
	}

	h := s.History(0)
	k := cfg.TrendWindow
	wantOverall := 0.0
	for _, sc := range h[len(h)-k:] {
		wantOverall += sc.Overall
	}
	wantOverall /= float64(k)

	if got := s.Trending().Overall; math.Abs(got-wantOverall) > 1e-9 {
		t.Errorf("Trending overall %f, want %f", got, wantOverall)
	}
}

func TestCacheOnlyReferenceReportsNeutralComponents(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate)

	e, err := dsp.NewExtractor(cfg.Extractor)
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	seq, err := e.ExtractSequence(samples, cfg.HopSize)
	if err != nil {
		t.Fatalf("ExtractSequence failed: %v", err)
	}

	ref := ReferenceFromSequence(seq, cfg.HopSize, testRate)
	if ref.RMS != 0 || ref.Pitch != 0 {
		t.Fatal("Cache-only reference should have unknown RMS and pitch")
	}
	if ref.Duration <= 0 {
		t.Fatal("Cache-only reference should still derive a duration")
	}

	s := mustScorer(t, cfg)
	if err := s.SetReference(ref); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	sc, err := s.ProcessAudio(samples)
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}
	if sc.Loudness != 0.5 {
		t.Errorf("Unknown reference loudness should score neutral 0.5, got %f", sc.Loudness)
	}
	if sc.Pitch != 0.5 {
		t.Errorf("Unknown reference pitch should score neutral 0.5, got %f", sc.Pitch)
	}
}

func TestResetKeepsReference(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	if _, err := s.ProcessAudio(samples); err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}

	s.Reset()
	if !s.HasReference() {
		t.Error("Reset must keep the loaded reference")
	}
	if s.Current().SamplesAnalyzed != 0 {
		t.Error("Reset must clear the current score")
	}
	if len(s.History(0)) != 0 {
		t.Error("Reset must clear history")
	}
	if s.LiveFrameCount() != 0 {
		t.Error("Reset must drop accumulated live frames")
	}

	sc, err := s.ProcessAudio(samples)
	if err != nil {
		t.Fatalf("ProcessAudio after reset failed: %v", err)
	}
	if sc.SamplesAnalyzed != testRate {
		t.Errorf("SamplesAnalyzed after reset %d, want %d", sc.SamplesAnalyzed, testRate)
	}
}

func TestUnloadReference(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	s.UnloadReference()
	if s.HasReference() {
		t.Error("Reference should be unloaded")
	}
	if _, err := s.ProcessAudio(samples); !errors.Is(err, ErrNoReference) {
		t.Errorf("Expected ErrNoReference, got %v", err)
	}
}

// The defaults leave the gate off: references are extracted ungated, so
// gating only the live side would trim onset audio out of the alignment and
// cap self-similarity well below 1.
func TestDefaultConfigLeavesGateOff(t *testing.T) {
	cfg := DefaultConfig(testRate)
	if cfg.UseGate {
		t.Fatal("Gate should be opt-in")
	}
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	ref := buildTestReference(t, samples, cfg)
	if err := s.SetReference(ref); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	sc, err := s.ProcessAudio(samples)
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}

	if s.LiveFrameCount() != len(ref.Seq) {
		t.Errorf("Live frames %d, reference frames %d; sequences should line up",
			s.LiveFrameCount(), len(ref.Seq))
	}
	if sc.Timbral < 0.99 {
		t.Errorf("Default-config self timbral %f, expected ~1", sc.Timbral)
	}
	if sc.Overall < 0.9 {
		t.Errorf("Default-config self overall %f, expected ~1", sc.Overall)
	}
}

// With the gate opted in, onset windows spent in Candidate are dropped, so
// the live sequence runs shorter than the reference; scoring still works.
func TestGateEnabledTrimsOnsetWindows(t *testing.T) {
	cfg := DefaultConfig(testRate)
	cfg.UseGate = true
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	ref := buildTestReference(t, samples, cfg)
	if err := s.SetReference(ref); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	sc, err := s.ProcessAudio(samples)
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}

	if s.LiveFrameCount() == 0 {
		t.Fatal("Gated tone should still produce live frames")
	}
	if s.LiveFrameCount() >= len(ref.Seq) {
		t.Errorf("Gated live frames %d should run short of reference frames %d",
			s.LiveFrameCount(), len(ref.Seq))
	}
	if !sc.Match {
		t.Errorf("Gated self comparison should still match, overall %f", sc.Overall)
	}
}

func TestGateSuppressesSilence(t *testing.T) {
	cfg := DefaultConfig(testRate)
	cfg.UseGate = true
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	sc, err := s.ProcessAudio(make([]float64, testRate))
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}
	if s.LiveFrameCount() != 0 {
		t.Errorf("Silence should produce no live frames, got %d", s.LiveFrameCount())
	}
	if sc.Timbral != 0 {
		t.Errorf("Silence timbral should be 0, got %f", sc.Timbral)
	}
	if sc.Match {
		t.Error("Pure silence must not match")
	}
	if sc.Reliable {
		t.Errorf("All-inactive input should not be reliable, confidence %f", sc.Confidence)
	}
}

func TestConfidenceSaturatesWithAudio(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	// A tenth of the confidence horizon: low confidence, not reliable.
	early, err := s.ProcessAudio(samples[:cfg.MinSamplesForConfidence/10])
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}
	if early.Reliable {
		t.Errorf("Early score should not be reliable, confidence %f", early.Confidence)
	}

	late, err := s.ProcessAudio(samples[cfg.MinSamplesForConfidence/10:])
	if err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}
	if late.Confidence <= early.Confidence {
		t.Errorf("Confidence should grow: %f then %f", early.Confidence, late.Confidence)
	}
	if !late.Reliable {
		t.Errorf("Full second should be reliable, confidence %f", late.Confidence)
	}
}

func TestFeedback(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate)

	s := mustScorer(t, cfg)
	if _, err := s.Feedback(); !errors.Is(err, ErrNoReference) {
		t.Errorf("Expected ErrNoReference, got %v", err)
	}

	if err := s.SetReference(buildTestReference(t, samples, cfg)); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	if _, err := s.ProcessAudio(samples[:testRate/2]); err != nil {
		t.Fatalf("ProcessAudio failed: %v", err)
	}

	fb, err := s.Feedback()
	if err != nil {
		t.Fatalf("Feedback failed: %v", err)
	}
	if fb.Quality == "" || fb.Recommendation == "" {
		t.Error("Feedback strings should not be empty")
	}
	if fb.ProgressRatio < 0.45 || fb.ProgressRatio > 0.55 {
		t.Errorf("Half the reference played, progress %f", fb.ProgressRatio)
	}
	if fb.Peak.Overall < fb.Current.Overall {
		t.Errorf("Peak %f below current %f", fb.Peak.Overall, fb.Current.Overall)
	}
}

func TestBuildReferenceMetadata(t *testing.T) {
	cfg := testConfig()
	samples := sine(440, testRate, testRate)
	ref := buildTestReference(t, samples, cfg)

	// RMS of a 0.5-amplitude sine is 0.5/sqrt(2).
	if want := 0.5 / math.Sqrt2; math.Abs(ref.RMS-want) > 0.01 {
		t.Errorf("Reference RMS %f, want ~%f", ref.RMS, want)
	}
	if math.Abs(ref.Duration-1.0) > 1e-9 {
		t.Errorf("Reference duration %f, want 1.0", ref.Duration)
	}
	if ref.Pitch < 400 || ref.Pitch > 500 {
		t.Errorf("Reference pitch %f Hz, want ~440", ref.Pitch)
	}
}

func TestEstimatePitch(t *testing.T) {
	freq, conf := estimatePitch(sine(440, testRate, 4096), testRate)
	if freq < 420 || freq > 470 {
		t.Errorf("Pitch estimate %f Hz, want ~440", freq)
	}
	if conf < 0.5 {
		t.Errorf("Confidence %f too low for a pure tone", conf)
	}

	if f, c := estimatePitch(make([]float64, 4096), testRate); f != 0 || c != 0 {
		t.Errorf("Silence should estimate (0,0), got (%f,%f)", f, c)
	}

	if f, c := estimatePitch(sine(440, testRate, 100), testRate); f != 0 || c != 0 {
		t.Errorf("Too-short window should estimate (0,0), got (%f,%f)", f, c)
	}
}

func TestSpectralCentroidClampsToBand(t *testing.T) {
	high := spectralCentroid(sine(4000, testRate, 2048), testRate)
	if high != maxPitchHz {
		t.Errorf("High tone centroid %f, want clamp at %f", high, maxPitchHz)
	}
	if c := spectralCentroid(nil, testRate); c != 0 {
		t.Errorf("Empty input centroid %f, want 0", c)
	}
}
