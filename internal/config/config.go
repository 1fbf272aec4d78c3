// Package config loads and validates the engine configuration. Invalid
// values are rejected at load time, never silently clamped; the one
// documented exception is the Nyquist clamp on the mel high frequency, which
// the extractor applies with a warning.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wildtone/callscore/internal/dsp"
	"github.com/wildtone/callscore/internal/dtw"
	"github.com/wildtone/callscore/internal/pool"
	"github.com/wildtone/callscore/internal/score"
	"github.com/wildtone/callscore/internal/vad"
)

// Config is the full engine configuration.
type Config struct {
	Audio struct {
		SampleRate int `yaml:"sample_rate"`
	} `yaml:"audio"`

	Features struct {
		FrameSize  int     `yaml:"frame_size"`
		HopSize    int     `yaml:"hop_size"`
		NumFilters int     `yaml:"num_filters"`
		NumCoeffs  int     `yaml:"num_coeffs"`
		LowFreq    float64 `yaml:"low_freq"`
		HighFreq   float64 `yaml:"high_freq"`
		LifterCoef int     `yaml:"lifter_coef"`
	} `yaml:"features"`

	DTW struct {
		UseWindow   bool    `yaml:"use_window"`
		WindowRatio float64 `yaml:"window_ratio"`
		Normalize   bool    `yaml:"normalize"`
	} `yaml:"dtw"`

	Scoring struct {
		TimbralWeight       float64 `yaml:"timbral_weight"`
		LoudnessWeight      float64 `yaml:"loudness_weight"`
		TimingWeight        float64 `yaml:"timing_weight"`
		PitchWeight         float64 `yaml:"pitch_weight"`
		DTWScale            float64 `yaml:"dtw_scale"`
		LoudnessTolerance   float64 `yaml:"loudness_tolerance"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		MatchThreshold      float64 `yaml:"match_threshold"`
		HistorySize         int     `yaml:"history_size"`
		MinConfidenceMs     int     `yaml:"min_confidence_ms"`
	} `yaml:"scoring"`

	Gate struct {
		Enabled           bool    `yaml:"enabled"`
		EnergyFloor       float64 `yaml:"energy_floor"`
		ThresholdMargin   float64 `yaml:"threshold_margin"`
		MinSoundMs        int     `yaml:"min_sound_ms"`
		HangoverMs        int     `yaml:"hangover_ms"`
		WindowMs          int     `yaml:"window_ms"`
		EnergyHistorySize int     `yaml:"energy_history_size"`
	} `yaml:"gate"`

	Pool struct {
		Size      int `yaml:"size"`
		SlotSize  int `yaml:"slot_size"`
		Alignment int `yaml:"alignment"`
		TimeoutMs int `yaml:"timeout_ms"`
	} `yaml:"pool"`

	Storage struct {
		DBPath   string `yaml:"db_path"`
		CacheDir string `yaml:"cache_dir"`
	} `yaml:"storage"`
}

// Default returns the configuration defaults.
func Default() *Config {
	cfg := &Config{}

	cfg.Audio.SampleRate = 44100

	cfg.Features.FrameSize = dsp.DefaultFrameSize
	cfg.Features.HopSize = dsp.DefaultHopSize
	cfg.Features.NumFilters = dsp.DefaultNumFilters
	cfg.Features.NumCoeffs = dsp.DefaultNumCoeffs

	cfg.DTW.UseWindow = true
	cfg.DTW.WindowRatio = 0.1
	cfg.DTW.Normalize = true

	cfg.Scoring.TimbralWeight = 0.5
	cfg.Scoring.LoudnessWeight = 0.2
	cfg.Scoring.TimingWeight = 0.2
	cfg.Scoring.PitchWeight = 0.1
	cfg.Scoring.DTWScale = 10.0
	cfg.Scoring.LoudnessTolerance = 0.3
	cfg.Scoring.ConfidenceThreshold = 0.7
	cfg.Scoring.MatchThreshold = 0.5
	cfg.Scoring.HistorySize = 50
	cfg.Scoring.MinConfidenceMs = 500

	cfg.Gate.Enabled = false
	cfg.Gate.EnergyFloor = 1e-4
	cfg.Gate.ThresholdMargin = 3.0
	cfg.Gate.MinSoundMs = 100
	cfg.Gate.HangoverMs = 200
	cfg.Gate.WindowMs = 10
	cfg.Gate.EnergyHistorySize = 100

	cfg.Pool.Size = 32
	cfg.Pool.SlotSize = 4096
	cfg.Pool.Alignment = 16
	cfg.Pool.TimeoutMs = 5

	cfg.Storage.DBPath = "callscore.sqlite3"
	cfg.Storage.CacheDir = "refcache"

	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects invalid configuration. The mel high frequency is not
// checked against Nyquist here: the extractor clamps it with a warning.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("config: sample rate %d", c.Audio.SampleRate)
	}
	if c.Features.FrameSize < 64 || c.Features.FrameSize&(c.Features.FrameSize-1) != 0 {
		return fmt.Errorf("config: frame size %d must be a power of two >= 64", c.Features.FrameSize)
	}
	if c.Features.HopSize <= 0 || c.Features.HopSize > c.Features.FrameSize {
		return fmt.Errorf("config: hop size %d", c.Features.HopSize)
	}
	if c.Features.NumFilters <= 0 {
		return fmt.Errorf("config: filter count %d", c.Features.NumFilters)
	}
	if c.Features.NumCoeffs <= 0 || c.Features.NumCoeffs > c.Features.NumFilters {
		return fmt.Errorf("config: coefficient count %d", c.Features.NumCoeffs)
	}
	if c.DTW.UseWindow && (c.DTW.WindowRatio <= 0 || c.DTW.WindowRatio > 1) {
		return fmt.Errorf("config: dtw window ratio %v", c.DTW.WindowRatio)
	}
	for _, w := range []float64{c.Scoring.TimbralWeight, c.Scoring.LoudnessWeight, c.Scoring.TimingWeight, c.Scoring.PitchWeight} {
		if w < 0 {
			return fmt.Errorf("config: negative fusion weight")
		}
	}
	if c.Scoring.ConfidenceThreshold < 0 || c.Scoring.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence threshold %v", c.Scoring.ConfidenceThreshold)
	}
	if c.Scoring.MatchThreshold < 0 || c.Scoring.MatchThreshold > 1 {
		return fmt.Errorf("config: match threshold %v", c.Scoring.MatchThreshold)
	}
	if c.Scoring.HistorySize <= 0 {
		return fmt.Errorf("config: history size %d", c.Scoring.HistorySize)
	}
	if c.Gate.MinSoundMs <= 0 || c.Gate.HangoverMs < 0 || c.Gate.WindowMs <= 0 {
		return fmt.Errorf("config: gate durations %d/%d/%d ms", c.Gate.MinSoundMs, c.Gate.HangoverMs, c.Gate.WindowMs)
	}
	if c.Pool.Size <= 0 || c.Pool.SlotSize <= 0 {
		return fmt.Errorf("config: pool %dx%d", c.Pool.Size, c.Pool.SlotSize)
	}
	if c.Pool.Alignment <= 0 || c.Pool.Alignment&(c.Pool.Alignment-1) != 0 {
		return fmt.Errorf("config: pool alignment %d must be a power of two", c.Pool.Alignment)
	}
	return nil
}

// ScoreConfig assembles the per-session scoring configuration for a sample
// rate.
func (c *Config) ScoreConfig(sampleRate int) score.Config {
	sc := score.DefaultConfig(sampleRate)

	sc.HopSize = c.Features.HopSize
	sc.TimbralWeight = c.Scoring.TimbralWeight
	sc.LoudnessWeight = c.Scoring.LoudnessWeight
	sc.TimingWeight = c.Scoring.TimingWeight
	sc.PitchWeight = c.Scoring.PitchWeight
	sc.DTWScale = c.Scoring.DTWScale
	sc.LoudnessTolerance = c.Scoring.LoudnessTolerance
	sc.ConfidenceThreshold = c.Scoring.ConfidenceThreshold
	sc.MatchThreshold = c.Scoring.MatchThreshold
	sc.HistorySize = c.Scoring.HistorySize
	sc.MinSamplesForConfidence = sampleRate * c.Scoring.MinConfidenceMs / 1000
	sc.UseGate = c.Gate.Enabled

	sc.Extractor = dsp.Config{
		SampleRate: sampleRate,
		FrameSize:  c.Features.FrameSize,
		HopSize:    c.Features.HopSize,
		NumFilters: c.Features.NumFilters,
		NumCoeffs:  c.Features.NumCoeffs,
		LowFreq:    c.Features.LowFreq,
		HighFreq:   c.Features.HighFreq,
		LifterCoef: c.Features.LifterCoef,
	}
	sc.Aligner = dtw.Config{
		UseWindow:         c.DTW.UseWindow,
		WindowRatio:       c.DTW.WindowRatio,
		NormalizeDistance: c.DTW.Normalize,
	}
	sc.Gate = vad.Config{
		EnergyFloor:      c.Gate.EnergyFloor,
		ThresholdMargin:  c.Gate.ThresholdMargin,
		MinSoundDuration: time.Duration(c.Gate.MinSoundMs) * time.Millisecond,
		HangoverDuration: time.Duration(c.Gate.HangoverMs) * time.Millisecond,
		WindowDuration:   time.Duration(c.Gate.WindowMs) * time.Millisecond,
		HistorySize:      c.Gate.EnergyHistorySize,
	}
	return sc
}

// PoolConfig assembles the buffer-pool configuration.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		PoolSize:        c.Pool.Size,
		SlotSize:        c.Pool.SlotSize,
		Alignment:       c.Pool.Alignment,
		CheckoutTimeout: time.Duration(c.Pool.TimeoutMs) * time.Millisecond,
	}
}
