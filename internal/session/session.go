package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/wildtone/callscore/internal/audio"
	"github.com/wildtone/callscore/internal/pool"
	"github.com/wildtone/callscore/internal/score"
	"github.com/wildtone/callscore/internal/vad"
)

// session is the unit of isolation: private scorer (which owns extractor,
// aligner and gate), reference metadata and bounded history. All mutation is
// serialized by mu; the manager never touches two sessions under one lock.
type session struct {
	mu sync.Mutex

	handle     Handle
	sampleRate int
	scorer     *score.Scorer
	refID      string
	createdAt  time.Time
	closed     bool
}

func (s *session) processChunk(p *pool.Pool, timeout time.Duration, samples []float32, channels int) (score.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return score.Score{}, ErrSessionNotFound
	}
	if len(samples) == 0 {
		return score.Score{}, fmt.Errorf("%w: empty chunk", ErrInvalidInput)
	}
	if channels <= 0 {
		return score.Score{}, fmt.Errorf("%w: channel count %d", ErrInvalidInput, channels)
	}
	if len(samples)%channels != 0 {
		return score.Score{}, fmt.Errorf("%w: %d samples not divisible by %d channels", ErrInvalidInput, len(samples), channels)
	}

	// Stage the chunk through pooled buffers so the capture path works on
	// pre-allocated memory and backpressure is explicit. Oversized chunks
	// are processed slot by slot.
	var last score.Score
	var lastErr error
	for off := 0; off < len(samples); {
		buf, err := p.Checkout(timeout)
		if err != nil {
			return score.Score{}, err
		}
		n := copy(buf.Data, samples[off:])
		if rem := n % channels; rem != 0 {
			n -= rem
		}
		if n == 0 {
			p.Return(buf)
			return score.Score{}, fmt.Errorf("%w: %d channels exceed pool slot size", ErrInvalidInput, channels)
		}
		mono, err := audio.DownmixFloat32(buf.Data[:n], channels)
		if retErr := p.Return(buf); retErr != nil {
			return score.Score{}, retErr
		}
		if err != nil {
			return score.Score{}, err
		}
		last, lastErr = s.scorer.ProcessAudio(mono)
		if lastErr != nil {
			return score.Score{}, lastErr
		}
		off += n
	}
	return last, nil
}

func (s *session) currentScore() (score.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return score.Score{}, ErrSessionNotFound
	}
	return s.scorer.Current(), nil
}

func (s *session) feedback() (score.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return score.Feedback{}, ErrSessionNotFound
	}
	return s.scorer.Feedback()
}

func (s *session) history(n int) ([]score.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionNotFound
	}
	return s.scorer.History(n), nil
}

func (s *session) duration() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionNotFound
	}
	return s.scorer.AnalyzedDuration(), nil
}

func (s *session) gateState() (vad.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Silence, ErrSessionNotFound
	}
	return s.scorer.GateState(), nil
}

func (s *session) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	s.scorer.Reset()
	return nil
}

// exportRecord renders the current score as the fixed-field text record
// consumed by external tooling.
func (s *session) exportRecord() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionNotFound
	}
	sc := s.scorer.Current()
	return fmt.Sprintf(
		"overall=%.4f timbral=%.4f loudness=%.4f timing=%.4f pitch=%.4f confidence=%.4f reliable=%t match=%t samples=%d timestamp=%d",
		sc.Overall, sc.Timbral, sc.Loudness, sc.Timing, sc.Pitch,
		sc.Confidence, sc.Reliable, sc.Match, sc.SamplesAnalyzed,
		sc.Timestamp.UnixMilli(),
	), nil
}
