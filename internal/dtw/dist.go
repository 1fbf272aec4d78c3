package dtw

import (
	"math"

	"golang.org/x/sys/cpu"
)

// distFunc computes the Euclidean distance between two coefficient vectors of
// equal length.
type distFunc func(a, b []float64) float64

// pickDistFunc selects the frame-distance backend once, at construction.
// On cores with wide vector units the unrolled variant compiles to packed
// loads and fused multiply-adds; elsewhere the plain loop wins.
func pickDistFunc() distFunc {
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		return euclideanWide
	}
	return euclideanScalar
}

func euclideanScalar(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// euclideanWide accumulates four independent lanes so the compiler can keep
// the loop free of cross-iteration dependencies.
func euclideanWide(a, b []float64) float64 {
	var s0, s1, s2, s3 float64
	i := 0
	for ; i+4 <= len(a); i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	sum := s0 + s1 + s2 + s3
	for ; i < len(a); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
