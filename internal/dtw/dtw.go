// Package dtw implements dynamic time warping between two sequences of
// spectral coefficient vectors, with an optional Sakoe-Chiba band bounding
// the search space.
package dtw

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidConfig = errors.New("dtw: invalid configuration")

// Config controls the alignment search.
type Config struct {
	// UseWindow restricts evaluated cells to |i-j| <= max(lenA,lenB)*WindowRatio.
	UseWindow   bool
	WindowRatio float64
	// NormalizeDistance divides the path cost by (lenA+lenB).
	NormalizeDistance bool
}

// DefaultConfig enables a 10% band with normalized distances.
func DefaultConfig() Config {
	return Config{UseWindow: true, WindowRatio: 0.1, NormalizeDistance: true}
}

// PathPoint is one matched index pair on the optimal warp path.
type PathPoint struct {
	A, B int
}

// Comparator computes band-limited DTW distances. The cost lattice is reused
// across calls, so a Comparator is not safe for concurrent use; sessions own
// private instances.
type Comparator struct {
	cfg  Config
	dist distFunc

	cost [][]float64
	step [][]uint8
}

// predecessor codes, in tie-break order
const (
	stepDiagonal uint8 = iota
	stepInsert
	stepDelete
)

func NewComparator(cfg Config) (*Comparator, error) {
	if cfg.UseWindow && (cfg.WindowRatio <= 0 || cfg.WindowRatio > 1) {
		return nil, fmt.Errorf("%w: window ratio %v", ErrInvalidConfig, cfg.WindowRatio)
	}
	return &Comparator{cfg: cfg, dist: pickDistFunc()}, nil
}

// Distance returns the DTW distance between two sequences. Either sequence
// empty yields +Inf.
func (c *Comparator) Distance(a, b [][]float64) float64 {
	d, _ := c.compute(a, b, false)
	return d
}

// Align returns the DTW distance together with the optimal index-pair path.
// The path is empty when either input is.
func (c *Comparator) Align(a, b [][]float64) (float64, []PathPoint) {
	return c.compute(a, b, true)
}

func (c *Comparator) compute(a, b [][]float64, wantPath bool) (float64, []PathPoint) {
	lenA, lenB := len(a), len(b)
	if lenA == 0 || lenB == 0 {
		return math.Inf(1), nil
	}

	c.resize(lenA+1, lenB+1, wantPath)

	window := lenB + lenA // effectively unbounded
	if c.cfg.UseWindow {
		window = int(float64(max(lenA, lenB)) * c.cfg.WindowRatio)
		if window < 1 {
			window = 1
		}
	}

	c.cost[0][0] = 0
	for i := 1; i <= lenA; i++ {
		lo := max(1, i-window)
		hi := min(lenB, i+window)
		for j := lo; j <= hi; j++ {
			d := c.dist(a[i-1], b[j-1])

			// Tie-break order fixes the reconstructed path: diagonal,
			// then insertion, then deletion.
			best := c.cost[i-1][j-1]
			move := stepDiagonal
			if c.cost[i][j-1] < best {
				best = c.cost[i][j-1]
				move = stepInsert
			}
			if c.cost[i-1][j] < best {
				best = c.cost[i-1][j]
				move = stepDelete
			}

			c.cost[i][j] = d + best
			if wantPath {
				c.step[i][j] = move
			}
		}
	}

	total := c.cost[lenA][lenB]
	if math.IsInf(total, 1) {
		// Band too narrow to connect the corners.
		return total, nil
	}
	if c.cfg.NormalizeDistance {
		total /= float64(lenA + lenB)
	}

	if !wantPath {
		return total, nil
	}

	path := make([]PathPoint, 0, lenA+lenB)
	for i, j := lenA, lenB; i > 0 && j > 0; {
		path = append(path, PathPoint{A: i - 1, B: j - 1})
		switch c.step[i][j] {
		case stepDiagonal:
			i--
			j--
		case stepInsert:
			j--
		default:
			i--
		}
	}
	// reverse into chronological order
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return total, path
}

func (c *Comparator) resize(rows, cols int, wantPath bool) {
	if len(c.cost) < rows {
		c.cost = make([][]float64, rows)
	}
	c.cost = c.cost[:rows]
	for i := range c.cost {
		if len(c.cost[i]) < cols {
			c.cost[i] = make([]float64, cols)
		}
		row := c.cost[i][:cols]
		for j := range row {
			row[j] = math.Inf(1)
		}
		c.cost[i] = row
	}

	if !wantPath {
		return
	}
	if len(c.step) < rows {
		c.step = make([][]uint8, rows)
	}
	c.step = c.step[:rows]
	for i := range c.step {
		if len(c.step[i]) < cols {
			c.step[i] = make([]uint8, cols)
		}
		c.step[i] = c.step[i][:cols]
	}
}
