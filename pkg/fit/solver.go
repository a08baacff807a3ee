package fit

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"volumeqa/internal/models"
)

// DefaultMaxEvaluations is the residual evaluation budget used when a solver
// is configured with a non-positive limit. Noisy profiles need a lot of room.
const DefaultMaxEvaluations = 10000

// Problem is a nonlinear least-squares problem: minimize the sum of squared
// residuals over the parameter vector.
type Problem struct {
	// M is the number of residuals (observations)
	M int

	// Residual writes the M residuals for params into dst
	Residual func(dst, params []float64)

	// Jacobian writes the M x len(params) derivative of the residuals into
	// dst. When nil, solvers fall back to forward differences.
	Jacobian func(dst *mat.Dense, params []float64)
}

// Solution is the outcome of a converged solve.
type Solution struct {
	Params      []float64
	Cost        float64
	Evaluations int
	Iterations  int
}

// Solver minimizes a least-squares Problem from a starting point. A solve
// that does not converge returns an error wrapping
// models.ErrFitNonConvergence. Implementations must be safe for concurrent
// use.
type Solver interface {
	Solve(ctx context.Context, p Problem, x0 []float64) (Solution, error)
}

// NewSolver returns the solver registered under name ("lm" or "bfgs").
func NewSolver(name string, maxEvaluations int) (Solver, error) {
	switch strings.ToLower(name) {
	case "", "lm", "levenberg-marquardt":
		return &LevenbergMarquardt{MaxEvaluations: maxEvaluations}, nil
	case "bfgs", "quasi-newton":
		return &QuasiNewton{MaxEvaluations: maxEvaluations}, nil
	}
	return nil, fmt.Errorf("unknown solver %q (must be lm or bfgs)", name)
}

func nonConvergence(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrFitNonConvergence, fmt.Sprintf(format, args...))
}

// evaluator counts residual evaluations against a budget.
type evaluator struct {
	p     Problem
	count int
	limit int
}

func (e *evaluator) residual(dst, params []float64) {
	e.count++
	e.p.Residual(dst, params)
}

// jacobian fills dst analytically when possible, otherwise with forward
// differences around params using r0 as the base residual.
func (e *evaluator) jacobian(dst *mat.Dense, params, r0 []float64) {
	if e.p.Jacobian != nil {
		e.p.Jacobian(dst, params)
		return
	}

	m, n := dst.Dims()
	shifted := make([]float64, len(params))
	rh := make([]float64, m)
	for j := 0; j < n; j++ {
		copy(shifted, params)
		h := math.Sqrt(2.220446049250313e-16) * math.Max(math.Abs(params[j]), 1)
		shifted[j] += h
		e.residual(rh, shifted)
		for i := 0; i < m; i++ {
			dst.Set(i, j, (rh[i]-r0[i])/h)
		}
	}
}

func (e *evaluator) exhausted() bool {
	return e.count >= e.limit
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
