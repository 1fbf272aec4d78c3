package dsp

import "math"

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// melScale converts a frequency in Hz to the mel scale.
func melScale(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

// melInverse converts a mel value back to Hz.
func melInverse(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}
