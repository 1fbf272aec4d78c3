// Package session owns one isolated analysis pipeline per live stream. The
// manager is the single process-wide entry point: a reader/writer-locked
// session table, monotonically increasing handles, and per-session exclusive
// mutation so distinct streams proceed fully in parallel.
package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"sync"
	"sync/atomic"

	"github.com/wildtone/callscore/internal/audio"
	"github.com/wildtone/callscore/internal/dsp"
	"github.com/wildtone/callscore/internal/pool"
	"github.com/wildtone/callscore/internal/score"
	"github.com/wildtone/callscore/internal/storage"
	"github.com/wildtone/callscore/internal/vad"
	"github.com/wildtone/callscore/pkg/logger"
)

var (
	ErrSessionNotFound    = errors.New("session: not found")
	ErrInvalidInput       = errors.New("session: invalid input")
	ErrNoReference        = errors.New("session: no reference loaded")
	ErrSampleRateMismatch = errors.New("session: reference sample rate mismatch")
)

// Handle identifies one session. Handles are never reused while the manager
// lives.
type Handle uint64

// Config for the manager.
type Config struct {
	Pool pool.Config

	// ChunkTimeout bounds how long ProcessChunk may wait on the buffer pool;
	// the capture callback must not block past it.
	ChunkTimeout time.Duration

	// ScoreConfig builds the per-session scoring configuration. Defaults to
	// score.DefaultConfig.
	ScoreConfig func(sampleRate int) score.Config

	// DB is the reference registry; nil disables LoadReference by id.
	DB *storage.DBClient
}

func DefaultConfig() Config {
	return Config{
		Pool:         pool.DefaultConfig(),
		ChunkTimeout: 5 * time.Millisecond,
		ScoreConfig:  score.DefaultConfig,
	}
}

// Manager is safe for concurrent use from capture callbacks and polling
// threads.
type Manager struct {
	cfg  Config
	pool *pool.Pool

	mu       sync.RWMutex
	sessions map[Handle]*session

	nextHandle atomic.Uint64
	log        *logger.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.ScoreConfig == nil {
		cfg.ScoreConfig = score.DefaultConfig
	}
	if cfg.ChunkTimeout < 0 {
		return nil, fmt.Errorf("%w: negative chunk timeout", ErrInvalidInput)
	}
	p, err := pool.New(cfg.Pool)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		pool:     p,
		sessions: make(map[Handle]*session),
		log:      logger.GetLogger(),
	}, nil
}

// Create opens a new isolated session for the given sample rate.
func (m *Manager) Create(sampleRate int) (Handle, error) {
	sc, err := score.NewScorer(m.cfg.ScoreConfig(sampleRate))
	if err != nil {
		return 0, err
	}

	h := Handle(m.nextHandle.Add(1))
	s := &session{
		handle:     h,
		sampleRate: sampleRate,
		scorer:     sc,
		createdAt:  time.Now(),
	}

	m.mu.Lock()
	m.sessions[h] = s
	m.mu.Unlock()

	m.log.Debugf("session %d created (rate %d Hz)", h, sampleRate)
	return h, nil
}

// Destroy removes the handle first, so every later call on it uniformly
// reports ErrSessionNotFound, then waits out any in-flight operation before
// releasing session state.
func (m *Manager) Destroy(h Handle) error {
	m.mu.Lock()
	s, ok := m.sessions[h]
	if ok {
		delete(m.sessions, h)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	s.closed = true
	s.scorer = nil
	s.mu.Unlock()

	m.log.Debugf("session %d destroyed", h)
	return nil
}

func (m *Manager) resolve(h Handle) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[h]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// LoadReference resolves the reference id through the registry, preferring
// the persisted feature cache and falling back to decoding the raw audio.
// When only raw audio exists, the extracted features are cached for the next
// load.
func (m *Manager) LoadReference(h Handle, id string) error {
	s, err := m.resolve(h)
	if err != nil {
		return err
	}
	if m.cfg.DB == nil {
		return fmt.Errorf("%w: no reference registry configured", ErrInvalidInput)
	}

	row, err := m.cfg.DB.GetReference(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}

	if row.SampleRate != 0 && row.SampleRate != s.sampleRate {
		return fmt.Errorf("%w: reference %d Hz, session %d Hz", ErrSampleRateMismatch, row.SampleRate, s.sampleRate)
	}

	cfg := m.cfg.ScoreConfig(s.sampleRate)

	// Fast path: persisted feature cache.
	if row.CachePath != "" {
		if seq, cacheErr := audio.ReadFeatureCache(row.CachePath); cacheErr == nil {
			ref := score.ReferenceFromSequence(seq, cfg.HopSize, s.sampleRate)
			if row.DurationMs > 0 {
				ref.Duration = float64(row.DurationMs) / 1000
			}
			if err := s.scorer.SetReference(ref); err != nil {
				return err
			}
			s.refID = id
			return nil
		} else {
			m.log.Warnf("feature cache for %q unreadable, falling back to audio: %v", id, cacheErr)
		}
	}

	if row.AudioPath == "" {
		return fmt.Errorf("%w: reference %q has no audio or cache", ErrInvalidInput, id)
	}
	ref, seq, err := buildReferenceFromAudio(row.AudioPath, s.sampleRate, cfg)
	if err != nil {
		return err
	}
	if err := s.scorer.SetReference(ref); err != nil {
		return err
	}
	s.refID = id

	if row.CachePath != "" {
		if err := audio.WriteFeatureCache(row.CachePath, seq); err != nil {
			m.log.Warnf("could not persist feature cache for %q: %v", id, err)
		}
	}
	return nil
}

func buildReferenceFromAudio(path string, sampleRate int, cfg score.Config) (score.Reference, dsp.Sequence, error) {
	samples, rate, err := audio.ReadWavMono(path)
	if err != nil {
		return score.Reference{}, nil, err
	}
	if rate != sampleRate {
		return score.Reference{}, nil, fmt.Errorf("%w: audio %d Hz, session %d Hz", ErrSampleRateMismatch, rate, sampleRate)
	}

	extractor, err := dsp.NewExtractor(cfg.Extractor)
	if err != nil {
		return score.Reference{}, nil, err
	}
	seq, err := extractor.ExtractSequence(samples, cfg.HopSize)
	if err != nil {
		return score.Reference{}, nil, err
	}
	return score.BuildReference(seq, samples, sampleRate), seq, nil
}

// UnloadReference drops the session's reference; scoring fails until another
// is loaded.
func (m *Manager) UnloadReference(h Handle) error {
	s, err := m.resolve(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	s.scorer.UnloadReference()
	s.refID = ""
	return nil
}

// CurrentReference returns the loaded reference id, empty when none.
func (m *Manager) CurrentReference(h Handle) (string, error) {
	s, err := m.resolve(h)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionNotFound
	}
	return s.refID, nil
}

// SetReference installs an already-built reference directly, bypassing the
// registry. Used by front ends that load audio themselves.
func (m *Manager) SetReference(h Handle, ref score.Reference) error {
	s, err := m.resolve(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	return s.scorer.SetReference(ref)
}

// ProcessChunk pushes one chunk of interleaved samples into the session's
// pipeline and returns the freshly fused score.
func (m *Manager) ProcessChunk(h Handle, samples []float32, channels int) (score.Score, error) {
	s, err := m.resolve(h)
	if err != nil {
		return score.Score{}, err
	}
	sc, err := s.processChunk(m.pool, m.cfg.ChunkTimeout, samples, channels)
	if err != nil && errors.Is(err, score.ErrNoReference) {
		return score.Score{}, fmt.Errorf("%w: load a reference before processing", ErrNoReference)
	}
	return sc, err
}

// Score returns the session's latest fused score.
func (m *Manager) Score(h Handle) (score.Score, error) {
	s, err := m.resolve(h)
	if err != nil {
		return score.Score{}, err
	}
	return s.currentScore()
}

// Feedback returns current, trending and peak scores plus guidance.
func (m *Manager) Feedback(h Handle) (score.Feedback, error) {
	s, err := m.resolve(h)
	if err != nil {
		return score.Feedback{}, err
	}
	fb, err := s.feedback()
	if err != nil && errors.Is(err, score.ErrNoReference) {
		return score.Feedback{}, ErrNoReference
	}
	return fb, err
}

// History returns up to n most recent scores, oldest first.
func (m *Manager) History(h Handle, n int) ([]score.Score, error) {
	s, err := m.resolve(h)
	if err != nil {
		return nil, err
	}
	return s.history(n)
}

// ExportRecord renders the session's current score as a fixed-field text
// record.
func (m *Manager) ExportRecord(h Handle) (string, error) {
	s, err := m.resolve(h)
	if err != nil {
		return "", err
	}
	return s.exportRecord()
}

// Duration reports how much audio the session has analyzed, in audio time.
func (m *Manager) Duration(h Handle) (time.Duration, error) {
	s, err := m.resolve(h)
	if err != nil {
		return 0, err
	}
	return s.duration()
}

// GateState reports the session's activity-gate state.
func (m *Manager) GateState(h Handle) (vad.State, error) {
	s, err := m.resolve(h)
	if err != nil {
		return vad.Silence, err
	}
	return s.gateState()
}

// Reset clears a session's live analysis state, keeping its reference.
func (m *Manager) Reset(h Handle) error {
	s, err := m.resolve(h)
	if err != nil {
		return err
	}
	return s.reset()
}

// ActiveSessions lists live handles in ascending order.
func (m *Manager) ActiveSessions() []Handle {
	m.mu.RLock()
	out := make([]Handle, 0, len(m.sessions))
	for h := range m.sessions {
		out = append(out, h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PoolStats exposes buffer-pool counters for monitoring.
func (m *Manager) PoolStats() pool.Stats { return m.pool.Stats() }

// Close destroys all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[Handle]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.closed = true
		s.scorer = nil
		s.mu.Unlock()
	}
}
