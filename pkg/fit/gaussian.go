// Package fit detects Gaussian peaks and valleys in 1D intensity profiles.
//
// A profile is fitted twice, once seeded as a peak and once as a valley,
// with the model
//
//	f(x) = baseline + amplitude * exp(-0.5 * ((x-center)/sigma)^2)
//
// and the attempt with the smaller residual sum of squares wins (ties go to
// the peak). A failed attempt never surfaces as an error: when both fail the
// result simply carries no parameters.
package fit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"volumeqa/internal/models"
)

// FWHMFactor converts a Gaussian sigma into its full width at half maximum
// (2*sqrt(2*ln 2), rounded as is customary).
const FWHMFactor = 2.355

// ErrPolarityMismatch marks an attempt that converged onto the opposite
// feature (e.g. a peak seed ending with a negative amplitude) or onto no
// feature at all.
var ErrPolarityMismatch = errors.New("fitted amplitude contradicts polarity")

// Params are the fitted Gaussian parameters.
type Params struct {
	Amplitude float64         `json:"amplitude"`
	Center    float64         `json:"center"`
	Sigma     float64         `json:"sigma"`
	Baseline  float64         `json:"baseline"`
	Polarity  models.Polarity `json:"type"`
}

// FWHM returns the full width at half maximum of the fitted feature.
func (p Params) FWHM() float64 {
	return FWHMFactor * p.Sigma
}

// Attempt records the outcome of one polarity hypothesis.
type Attempt struct {
	Polarity    models.Polarity
	Params      Params
	Residual    float64
	Evaluations int
	Err         error
}

// OK reports whether the attempt produced usable parameters.
func (a Attempt) OK() bool {
	return a.Err == nil
}

// Result is the full output of a profile fit.
type Result struct {
	// X is the sample index sequence 0..len(Profile)-1
	X []float64
	// Profile is the input profile
	Profile []float64
	// Curve is the fitted curve, or the profile itself when no fit succeeded
	Curve []float64

	FWHM     float64
	Center   float64
	RSquared float64

	// Params is nil when neither attempt succeeded
	Params *Params

	// Attempts lists the peak and valley outcomes, in that order
	Attempts []Attempt
}

// Gaussian evaluates the baseline + amplitude Gaussian model at x.
func Gaussian(x, amplitude, center, sigma, baseline float64) float64 {
	z := (x - center) / sigma
	return baseline + amplitude*math.Exp(-0.5*z*z)
}

// Fitter runs the dual peak/valley fit with a pluggable solver.
type Fitter struct {
	Solver Solver
}

// NewFitter returns a Fitter using solver, or Levenberg-Marquardt with the
// default budget when solver is nil.
func NewFitter(solver Solver) *Fitter {
	if solver == nil {
		solver = &LevenbergMarquardt{MaxEvaluations: DefaultMaxEvaluations}
	}
	return &Fitter{Solver: solver}
}

// Fit fits profile in both polarities and selects the better hypothesis.
// Both attempts run concurrently and observe ctx.
func (f *Fitter) Fit(ctx context.Context, profile []float64) Result {
	n := len(profile)
	res := Result{
		X:       make([]float64, n),
		Profile: profile,
	}
	for i := range res.X {
		res.X[i] = float64(i)
	}
	if n == 0 {
		res.Curve = []float64{}
		return res
	}

	mean := stat.Mean(profile, nil)
	peakIdx := floats.MaxIdx(profile)
	valleyIdx := floats.MinIdx(profile)
	sigma0 := float64(n) / 4

	seeds := []struct {
		polarity models.Polarity
		x0       []float64
	}{
		{models.Peak, []float64{profile[peakIdx] - mean, float64(peakIdx), sigma0, mean}},
		{models.Valley, []float64{-(mean - profile[valleyIdx]), float64(valleyIdx), sigma0, mean}},
	}

	res.Attempts = make([]Attempt, len(seeds))
	var g errgroup.Group
	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			res.Attempts[i] = f.attempt(ctx, res.X, profile, seed.polarity, seed.x0)
			return nil
		})
	}
	_ = g.Wait()

	peak, valley := res.Attempts[0], res.Attempts[1]
	var best *Attempt
	switch {
	case peak.OK() && (!valley.OK() || peak.Residual <= valley.Residual):
		best = &peak
	case valley.OK():
		best = &valley
	}

	if best == nil {
		res.Curve = append([]float64(nil), profile...)
	} else {
		params := best.Params
		res.Params = &params
		res.Curve = curve(res.X, params)
		res.FWHM = params.FWHM()
		res.Center = params.Center
	}

	res.RSquared = RSquared(profile, res.Curve)
	return res
}

func (f *Fitter) attempt(ctx context.Context, xs, ys []float64, polarity models.Polarity, x0 []float64) Attempt {
	a := Attempt{Polarity: polarity, Residual: math.Inf(1)}

	sol, err := f.Solver.Solve(ctx, gaussianProblem(xs, ys), x0)
	a.Evaluations = sol.Evaluations
	if err != nil {
		a.Err = err
		return a
	}

	p := sol.Params
	if !allFinite(p) || p[2] == 0 {
		a.Err = fmt.Errorf("%w: degenerate parameters %v", models.ErrFitNonConvergence, p)
		return a
	}

	a.Params = Params{
		Amplitude: p[0],
		Center:    p[1],
		// the model only depends on sigma squared
		Sigma:    math.Abs(p[2]),
		Baseline: p[3],
		Polarity: polarity,
	}
	// a zero amplitude (a flat profile) is neither feature
	if (polarity == models.Peak && a.Params.Amplitude <= 0) || (polarity == models.Valley && a.Params.Amplitude >= 0) {
		a.Err = fmt.Errorf("%w: %s attempt ended with amplitude %.6g", ErrPolarityMismatch, polarity, a.Params.Amplitude)
		return a
	}

	a.Residual = sumSquaredError(ys, curve(xs, a.Params))
	return a
}

// gaussianProblem builds the least-squares problem with an analytic Jacobian
// over params = (amplitude, center, sigma, baseline).
func gaussianProblem(xs, ys []float64) Problem {
	return Problem{
		M: len(ys),
		Residual: func(dst, p []float64) {
			for i, x := range xs {
				dst[i] = Gaussian(x, p[0], p[1], p[2], p[3]) - ys[i]
			}
		},
		Jacobian: func(dst *mat.Dense, p []float64) {
			amp, mu, sig := p[0], p[1], p[2]
			for i, x := range xs {
				d := x - mu
				e := math.Exp(-0.5 * d * d / (sig * sig))
				dst.Set(i, 0, e)
				dst.Set(i, 1, amp*e*d/(sig*sig))
				dst.Set(i, 2, amp*e*d*d/(sig*sig*sig))
				dst.Set(i, 3, 1)
			}
		},
	}
}

func curve(xs []float64, p Params) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = Gaussian(x, p.Amplitude, p.Center, p.Sigma, p.Baseline)
	}
	return out
}

func sumSquaredError(ys, fitted []float64) float64 {
	s := 0.0
	for i := range ys {
		d := ys[i] - fitted[i]
		s += d * d
	}
	return s
}

// RSquared returns the coefficient of determination of fitted against ys.
// A flat ys (zero total sum of squares) yields 0.
func RSquared(ys, fitted []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	mean := stat.Mean(ys, nil)
	ssTot := 0.0
	for _, y := range ys {
		ssTot += (y - mean) * (y - mean)
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - sumSquaredError(ys, fitted)/ssTot
}
