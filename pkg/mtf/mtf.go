// Package mtf estimates the Modulation Transfer Function from an edge
// profile: the profile is differentiated into a line-spread function whose
// normalized Fourier magnitude is the MTF.
package mtf

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"volumeqa/internal/models"
)

// Result is the output of an MTF computation.
type Result struct {
	// Profile is the sampled edge-spread function
	Profile []float64
	// Derivative is the line-spread function (central-difference gradient)
	Derivative []float64
	// MTF is the normalized magnitude for the first floor(N/2) bins
	MTF []float64
	// Frequencies are the matching bin frequencies in cycles per sample
	Frequencies []float64

	// MTF50 and MTF10 are the frequencies where the curve first drops to
	// 50% and 10%; zero when it never does
	MTF50 float64
	MTF10 float64
}

// Gradient returns the discrete first derivative of p: central differences
// in the interior and one-sided differences at both ends.
func Gradient(p []float64) []float64 {
	n := len(p)
	out := make([]float64, n)
	if n < 2 {
		return out
	}

	out[0] = p[1] - p[0]
	out[n-1] = p[n-1] - p[n-2]
	for i := 1; i < n-1; i++ {
		out[i] = (p[i+1] - p[i-1]) / 2
	}
	return out
}

// Compute derives the MTF of an edge profile of at least two samples.
func Compute(profile []float64) (Result, error) {
	n := len(profile)
	if n < 2 {
		return Result{}, fmt.Errorf("%w: %d sample(s), need at least 2", models.ErrLineTooShort, n)
	}

	derivative := Gradient(profile)

	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, derivative)

	half := n / 2
	magnitude := make([]float64, half)
	freqs := make([]float64, half)
	for k := 0; k < half; k++ {
		magnitude[k] = cmplx.Abs(coeff[k]) / float64(n)
		freqs[k] = fft.Freq(k)
	}

	if peak := floats.Max(magnitude); peak > 0 {
		floats.Scale(1/peak, magnitude)
	}

	return Result{
		Profile:     profile,
		Derivative:  derivative,
		MTF:         magnitude,
		Frequencies: freqs,
		MTF50:       Crossing(magnitude, freqs, 0.5),
		MTF10:       Crossing(magnitude, freqs, 0.1),
	}, nil
}

// Crossing returns the first frequency at which mtf falls to level,
// linearly interpolated between bins. It returns 0 if mtf never drops to
// level.
func Crossing(mtf, freqs []float64, level float64) float64 {
	for k := 1; k < len(mtf); k++ {
		if mtf[k-1] > level && mtf[k] <= level {
			t := (mtf[k-1] - level) / (mtf[k-1] - mtf[k])
			return freqs[k-1] + t*(freqs[k]-freqs[k-1])
		}
	}
	return 0
}
