package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/wildtone/callscore/internal/dsp"
	"github.com/wildtone/callscore/pkg/logger"
)

// Feature cache layout (little-endian):
//
//	magic   [4]byte "CSFC"
//	version uint16
//	_       uint16 (reserved)
//	frames  uint32
//	coeffs  uint32
//	data    frames x coeffs float32, row-major by frame
//
// Older caches were written without the magic/version header, starting
// directly at the frame count. ReadFeatureCache still accepts those and logs
// a warning.

var (
	cacheMagic = [4]byte{'C', 'S', 'F', 'C'}

	ErrCacheFormat = errors.New("audio: malformed feature cache")
)

const cacheVersion uint16 = 1

// maxCacheCoeffs bounds the header sanity check when sniffing legacy files.
const maxCacheCoeffs = 4096

// WriteFeatureCache persists a fingerprint sequence. The file is written to a
// uniquely named sibling first and renamed into place, so readers never see a
// partial cache.
func WriteFeatureCache(path string, seq dsp.Sequence) error {
	if len(seq) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrInvalidInput)
	}
	coeffs := len(seq[0].Coefficients)

	var buf bytes.Buffer
	buf.Write(cacheMagic[:])
	binary.Write(&buf, binary.LittleEndian, cacheVersion)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint32(len(seq)))
	binary.Write(&buf, binary.LittleEndian, uint32(coeffs))

	row := make([]float32, coeffs)
	for i, f := range seq {
		if len(f.Coefficients) != coeffs {
			return fmt.Errorf("%w: frame %d has %d coefficients, want %d", ErrInvalidInput, i, len(f.Coefficients), coeffs)
		}
		for j, c := range f.Coefficients {
			row[j] = float32(c)
		}
		binary.Write(&buf, binary.LittleEndian, row)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing feature cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("placing feature cache: %w", err)
	}
	return nil
}

// ReadFeatureCache loads a persisted fingerprint sequence. Frame energies are
// not stored in the cache and come back as zero.
func ReadFeatureCache(path string) (dsp.Sequence, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feature cache: %w", err)
	}
	r := bytes.NewReader(raw)

	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheFormat, err)
	}

	if head == cacheMagic {
		var version, reserved uint16
		if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheFormat, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &reserved); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheFormat, err)
		}
		if version != cacheVersion {
			return nil, fmt.Errorf("%w: unsupported version %d", ErrCacheFormat, version)
		}
		return readCacheBody(r, len(raw)-16)
	}

	// Headerless legacy layout: the bytes we just read are the frame count.
	logger.Warnf("audio: feature cache %s has no version header, reading as legacy format", filepath.Base(path))
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return readCacheBody(r, len(raw)-8)
}

func readCacheBody(r *bytes.Reader, dataBytes int) (dsp.Sequence, error) {
	var frames, coeffs uint32
	if err := binary.Read(r, binary.LittleEndian, &frames); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheFormat, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &coeffs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheFormat, err)
	}
	if frames == 0 || coeffs == 0 || coeffs > maxCacheCoeffs {
		return nil, fmt.Errorf("%w: %d frames x %d coefficients", ErrCacheFormat, frames, coeffs)
	}
	if want := int(frames) * int(coeffs) * 4; dataBytes != want {
		return nil, fmt.Errorf("%w: %d data bytes, want %d", ErrCacheFormat, dataBytes, want)
	}

	data := make([]float32, int(frames)*int(coeffs))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheFormat, err)
	}

	seq := make(dsp.Sequence, frames)
	for i := range seq {
		c := make([]float64, coeffs)
		for j := range c {
			v := float64(data[i*int(coeffs)+j])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite coefficient at frame %d", ErrCacheFormat, i)
			}
			c[j] = v
		}
		seq[i] = dsp.Frame{Coefficients: c}
	}
	return seq, nil
}
