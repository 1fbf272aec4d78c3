// Package vad separates meaningful sound from background noise using
// per-window energy against an adaptive threshold, with hysteresis on both
// onset and release.
package vad

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidConfig = errors.New("vad: invalid configuration")
	ErrInvalidInput  = errors.New("vad: invalid input")
)

// State of the gate.
type State int

const (
	Silence State = iota
	Candidate
	Active
	Hangover
)

func (s State) String() string {
	switch s {
	case Silence:
		return "silence"
	case Candidate:
		return "candidate"
	case Active:
		return "active"
	case Hangover:
		return "hangover"
	default:
		return "unknown"
	}
}

// Config for the gate. Durations are measured in audio time, derived from
// WindowDuration per processed window, so the machine is deterministic and
// independent of wall-clock scheduling.
type Config struct {
	EnergyFloor      float64       // lower bound for the adaptive threshold
	ThresholdMargin  float64       // threshold = max(floor, median * margin)
	MinSoundDuration time.Duration // contiguous loud time required to enter Active
	HangoverDuration time.Duration // trailing grace period after sound drops
	WindowDuration   time.Duration // audio time represented by one window
	HistorySize      int           // bounded noise-energy history
}

func DefaultConfig() Config {
	return Config{
		EnergyFloor:      1e-4,
		ThresholdMargin:  3.0,
		MinSoundDuration: 100 * time.Millisecond,
		HangoverDuration: 200 * time.Millisecond,
		WindowDuration:   10 * time.Millisecond,
		HistorySize:      100,
	}
}

// Result of one processed window.
type Result struct {
	State     State
	Active    bool
	Energy    float64
	Threshold float64
}

// Gate is the activity state machine. Not safe for concurrent use; each
// session owns one.
type Gate struct {
	cfg Config

	state        State
	stateElapsed time.Duration // audio time since entering the current state

	history   []float64
	sorted    []float64
	threshold float64
}

func NewGate(cfg Config) (*Gate, error) {
	if cfg.EnergyFloor <= 0 {
		return nil, fmt.Errorf("%w: energy floor %v", ErrInvalidConfig, cfg.EnergyFloor)
	}
	if cfg.ThresholdMargin <= 0 {
		return nil, fmt.Errorf("%w: threshold margin %v", ErrInvalidConfig, cfg.ThresholdMargin)
	}
	if cfg.MinSoundDuration <= 0 || cfg.HangoverDuration < 0 {
		return nil, fmt.Errorf("%w: durations %v/%v", ErrInvalidConfig, cfg.MinSoundDuration, cfg.HangoverDuration)
	}
	if cfg.WindowDuration <= 0 {
		return nil, fmt.Errorf("%w: window duration %v", ErrInvalidConfig, cfg.WindowDuration)
	}
	if cfg.HistorySize < 5 {
		return nil, fmt.Errorf("%w: history size %d", ErrInvalidConfig, cfg.HistorySize)
	}
	return &Gate{
		cfg:       cfg,
		state:     Silence,
		history:   make([]float64, 0, cfg.HistorySize),
		sorted:    make([]float64, 0, cfg.HistorySize),
		threshold: cfg.EnergyFloor,
	}, nil
}

// ProcessWindow feeds one window of samples through the gate and returns the
// resulting state. Transitions are evaluated once per call.
func (g *Gate) ProcessWindow(window []float64) (Result, error) {
	if len(window) == 0 {
		return Result{}, fmt.Errorf("%w: empty window", ErrInvalidInput)
	}

	energy := 0.0
	for _, s := range window {
		energy += s * s
	}
	energy /= float64(len(window))

	loud := energy > g.threshold
	g.stateElapsed += g.cfg.WindowDuration

	switch g.state {
	case Silence:
		if loud {
			g.transition(Candidate)
		} else {
			// Noise-floor learning happens only while silent, so sustained
			// sound cannot drag the threshold up under itself.
			g.learnNoise(energy)
		}
	case Candidate:
		if !loud {
			g.transition(Silence)
		} else if g.stateElapsed >= g.cfg.MinSoundDuration {
			g.transition(Active)
		}
	case Active:
		if !loud {
			g.transition(Hangover)
		}
	case Hangover:
		if loud {
			g.transition(Active)
		} else if g.stateElapsed >= g.cfg.HangoverDuration {
			g.transition(Silence)
		}
	}

	return Result{
		State:     g.state,
		Active:    g.IsActive(),
		Energy:    energy,
		Threshold: g.threshold,
	}, nil
}

func (g *Gate) transition(next State) {
	g.state = next
	g.stateElapsed = 0
}

func (g *Gate) learnNoise(energy float64) {
	if len(g.history) == cap(g.history) {
		copy(g.history, g.history[1:])
		g.history = g.history[:len(g.history)-1]
	}
	g.history = append(g.history, energy)

	if len(g.history) < 5 {
		return
	}
	g.sorted = append(g.sorted[:0], g.history...)
	sort.Float64s(g.sorted)
	median := g.sorted[len(g.sorted)/2]

	g.threshold = median * g.cfg.ThresholdMargin
	if g.threshold < g.cfg.EnergyFloor {
		g.threshold = g.cfg.EnergyFloor
	}
}

// IsActive reports whether retained sound is present: true in Active and in
// the Hangover grace period, so trailing sound is kept downstream.
func (g *Gate) IsActive() bool {
	return g.state == Active || g.state == Hangover
}

// State returns the current gate state.
func (g *Gate) State() State { return g.state }

// Threshold returns the current adaptive threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Reset returns the gate to Silence and clears the learned noise history.
func (g *Gate) Reset() {
	g.state = Silence
	g.stateElapsed = 0
	g.history = g.history[:0]
	g.threshold = g.cfg.EnergyFloor
}
